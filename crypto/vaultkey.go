package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

const (
	vaultKeyPEMType = "CHATSYNC VAULT KEY"
	// VaultKeySize is the length of the master key and every derived key.
	VaultKeySize = 32
)

// EnsureVaultKey loads the master key from disk, generating it if absent.
func EnsureVaultKey(path string) ([]byte, error) {
	key, err := LoadVaultKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = GenerateVaultKey()
	if err != nil {
		return nil, err
	}
	if err := SaveVaultKey(path, key); err != nil {
		return nil, err
	}

	return key, nil
}

// GenerateVaultKey creates a random master key.
func GenerateVaultKey() ([]byte, error) {
	key := make([]byte, VaultKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	return key, nil
}

// LoadVaultKey reads a master key from PEM.
func LoadVaultKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vault key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode vault key PEM: no PEM block")
	}
	if block.Type != vaultKeyPEMType {
		return nil, fmt.Errorf("decode vault key PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != VaultKeySize {
		return nil, fmt.Errorf("decode vault key PEM: invalid key size %d", len(block.Bytes))
	}

	return block.Bytes, nil
}

// SaveVaultKey writes a master key PEM file with 0600 permissions.
func SaveVaultKey(path string, key []byte) error {
	if len(key) != VaultKeySize {
		return fmt.Errorf("invalid vault key length: got %d want %d", len(key), VaultKeySize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create vault key directory: %w", err)
	}

	block := &pem.Block{
		Type:  vaultKeyPEMType,
		Bytes: key,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write vault key: %w", err)
	}

	return nil
}

// DeriveKey expands the master key into a purpose-bound subkey with
// HKDF-SHA256. The installation id salts the derivation so a key file copied
// to another installation opens nothing.
func DeriveKey(master []byte, installationID, purpose string) ([]byte, error) {
	if len(master) != VaultKeySize {
		return nil, fmt.Errorf("invalid vault key length: got %d want %d", len(master), VaultKeySize)
	}

	reader := hkdf.New(sha256.New, master, []byte(installationID), []byte("chatsync/"+purpose))
	derived := make([]byte, VaultKeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return derived, nil
}
