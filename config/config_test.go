package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.InstallationID == "" {
		t.Fatalf("expected non-empty installation ID")
	}
	if firstCfg.SendTimeout() != 30*time.Second {
		t.Fatalf("expected default send timeout 30s, got %s", firstCfg.SendTimeout())
	}
	if !firstCfg.DiscoveryEnabled {
		t.Fatalf("expected discovery enabled by default")
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.InstallationID != firstCfg.InstallationID {
		t.Fatalf("expected stable installation ID, got %q then %q", firstCfg.InstallationID, secondCfg.InstallationID)
	}
	if secondCfg.VaultKeyPath != firstCfg.VaultKeyPath {
		t.Fatalf("expected stable vault key path, got %q then %q", firstCfg.VaultKeyPath, secondCfg.VaultKeyPath)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)

	partial := &ClientConfig{
		InstallationID:     "legacy-install",
		BackendURL:         "https://chat.example.com",
		ReconnectBackoffMs: []int{-5},
		LogLevel:           "LOUD",
	}
	if err := Save(ConfigPath(tempDir), partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.InstallationID != "legacy-install" || cfg.BackendURL != "https://chat.example.com" {
		t.Fatalf("expected existing values retained, got %+v", cfg)
	}
	backoff := cfg.ReconnectBackoff()
	if len(backoff) != 5 || backoff[0] != 0 || backoff[4] != 30*time.Second {
		t.Fatalf("expected default backoff table, got %v", backoff)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected log level normalized to %q, got %q", DefaultLogLevel, cfg.LogLevel)
	}
	if cfg.PingInterval() != 25*time.Second {
		t.Fatalf("expected default ping interval, got %s", cfg.PingInterval())
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.VaultKeyPath == "" {
		t.Fatalf("expected normalized defaults persisted")
	}
}

func TestEnvOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)
	t.Setenv(EnvBackendURL, "http://override:9000")
	t.Setenv(EnvLogLevel, "debug")

	cfg, path, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.BackendURL != "http://override:9000" || cfg.LogLevel != "debug" {
		t.Fatalf("expected env overrides applied, got %+v", cfg)
	}

	persisted, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if persisted.BackendURL != "" || persisted.LogLevel != DefaultLogLevel {
		t.Fatalf("expected overrides not persisted, got %+v", persisted)
	}
}

func TestEnvFileInDataDirIsLoaded(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(EnvDataDir, tempDir)
	// Registered so t.Setenv restores the variable after godotenv sets it.
	t.Setenv(EnvSocketURL, "")
	os.Unsetenv(EnvSocketURL)

	if err := os.WriteFile(filepath.Join(tempDir, ".env"), []byte("CHATSYNC_SOCKET_URL=ws://from-env-file/ws\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.SocketURL != "ws://from-env-file/ws" {
		t.Fatalf("expected socket url from .env, got %q", cfg.SocketURL)
	}
}

func TestDeriveSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8000":        "ws://localhost:8000/ws",
		"https://chat.example.com/api": "wss://chat.example.com/ws",
	}
	for in, want := range cases {
		got, err := DeriveSocketURL(in)
		if err != nil {
			t.Fatalf("derive %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}

	if _, err := DeriveSocketURL("ftp://example.com"); err == nil {
		t.Fatalf("expected unsupported scheme to fail")
	}
}

func TestEffectiveURLs(t *testing.T) {
	cfg := &ClientConfig{}
	if cfg.EffectiveBackendURL() != DefaultBackendURL {
		t.Fatalf("expected default backend, got %q", cfg.EffectiveBackendURL())
	}

	socket, err := cfg.EffectiveSocketURL(cfg.EffectiveBackendURL())
	if err != nil {
		t.Fatalf("effective socket url: %v", err)
	}
	if socket != "ws://localhost:8000/ws" {
		t.Fatalf("expected derived socket url, got %q", socket)
	}

	cfg.SocketURL = "wss://push.example.com/socket"
	socket, _ = cfg.EffectiveSocketURL("http://ignored")
	if socket != "wss://push.example.com/socket" {
		t.Fatalf("expected explicit socket url, got %q", socket)
	}
}
