package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatsync"
	// DefaultBackendURL is used when nothing is configured or discovered.
	DefaultBackendURL = "http://localhost:8000"
	// DefaultSendTimeoutMs bounds the wait for a send confirmation.
	DefaultSendTimeoutMs = 30_000
	// DefaultPingIntervalMs is the websocket keep-alive ping period.
	DefaultPingIntervalMs = 25_000
	// DefaultLogLevel is the zerolog level name used by the CLI.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	envFileName    = ".env"
)

// Environment overrides.
const (
	EnvDataDir    = "CHATSYNC_DATA_DIR"
	EnvBackendURL = "CHATSYNC_BACKEND_URL"
	EnvSocketURL  = "CHATSYNC_SOCKET_URL"
	EnvLogLevel   = "CHATSYNC_LOG_LEVEL"
)

// DefaultReconnectBackoffMs is the reconnect delay table; the last value repeats.
var DefaultReconnectBackoffMs = []int{0, 1_000, 5_000, 15_000, 30_000}

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	InstallationID     string `json:"installation_id"`
	BackendURL         string `json:"backend_url"`
	SocketURL          string `json:"socket_url"`
	SendTimeoutMs      int    `json:"send_timeout_ms"`
	ReconnectBackoffMs []int  `json:"reconnect_backoff_ms"`
	PingIntervalMs     int    `json:"ping_interval_ms"`
	DiscoveryEnabled   bool   `json:"discovery_enabled"`
	VaultKeyPath       string `json:"vault_key_path"`
	LogLevel           string `json:"log_level"`
}

// SendTimeout returns the confirmation timeout.
func (c *ClientConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

// PingInterval returns the keep-alive ping period.
func (c *ClientConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

// ReconnectBackoff returns the reconnect delay table.
func (c *ClientConfig) ReconnectBackoff() []time.Duration {
	out := make([]time.Duration, 0, len(c.ReconnectBackoffMs))
	for _, ms := range c.ReconnectBackoffMs {
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out
}

// EffectiveBackendURL returns the configured backend or the local default.
func (c *ClientConfig) EffectiveBackendURL() string {
	if c.BackendURL != "" {
		return c.BackendURL
	}
	return DefaultBackendURL
}

// EffectiveSocketURL returns the configured socket URL or one derived from
// backendURL.
func (c *ClientConfig) EffectiveSocketURL(backendURL string) (string, error) {
	if c.SocketURL != "" {
		return c.SocketURL, nil
	}
	return DeriveSocketURL(backendURL)
}

// DeriveSocketURL maps an http(s) backend URL to its ws(s) /ws endpoint.
func DeriveSocketURL(backendURL string) (string, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("parse backend url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse backend url: missing host in %q", backendURL)
	}

	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// LoadEnvFiles loads .env from the working directory and the data directory.
// Missing files are skipped and variables already set are never replaced.
func LoadEnvFiles(dataDir string) error {
	candidates := []string{envFileName}
	if dataDir != "" {
		candidates = append(candidates, filepath.Join(dataDir, envFileName))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat env file %q: %w", path, err)
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %q: %w", path, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns the
// config with environment overrides applied. Overrides are never persisted.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	if err := LoadEnvFiles(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	return &ClientConfig{
		InstallationID:     uuid.NewString(),
		SendTimeoutMs:      DefaultSendTimeoutMs,
		ReconnectBackoffMs: append([]int(nil), DefaultReconnectBackoffMs...),
		PingIntervalMs:     DefaultPingIntervalMs,
		DiscoveryEnabled:   true,
		VaultKeyPath:       filepath.Join(dataDir, "keys", "vault.pem"),
		LogLevel:           DefaultLogLevel,
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.InstallationID == "" {
		cfg.InstallationID = uuid.NewString()
		updated = true
	}
	if cfg.SendTimeoutMs <= 0 {
		cfg.SendTimeoutMs = DefaultSendTimeoutMs
		updated = true
	}
	if cfg.PingIntervalMs <= 0 {
		cfg.PingIntervalMs = DefaultPingIntervalMs
		updated = true
	}
	if !validBackoff(cfg.ReconnectBackoffMs) {
		cfg.ReconnectBackoffMs = append([]int(nil), DefaultReconnectBackoffMs...)
		updated = true
	}
	if cfg.VaultKeyPath == "" {
		cfg.VaultKeyPath = filepath.Join(dataDir, "keys", "vault.pem")
		updated = true
	}
	if level := normalizeLogLevel(cfg.LogLevel); level != cfg.LogLevel {
		cfg.LogLevel = level
		updated = true
	}

	return updated
}

func applyEnvOverrides(cfg *ClientConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvBackendURL)); v != "" {
		cfg.BackendURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSocketURL)); v != "" {
		cfg.SocketURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = normalizeLogLevel(v)
	}
}

func validBackoff(table []int) bool {
	if len(table) == 0 {
		return false
	}
	for _, ms := range table {
		if ms < 0 {
			return false
		}
	}
	return true
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug", "info", "warn", "error", "disabled":
		return strings.ToLower(strings.TrimSpace(level))
	default:
		return DefaultLogLevel
	}
}
