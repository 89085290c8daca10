package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatsync/api"
	"chatsync/config"
	"chatsync/crypto"
	"chatsync/discovery"
	"chatsync/engine"
	"chatsync/network"
	"chatsync/session"
	"chatsync/storage"
)

const credentialKeyPurpose = "credentials"

// app holds everything a command needs once startup succeeded.
type app struct {
	cfg     *config.ClientConfig
	cfgPath string
	dataDir string
	logger  zerolog.Logger

	store      *storage.Store
	session    *session.Session
	client     *api.Client
	backendURL string
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(parsed).
		With().
		Timestamp().
		Logger()
}

func openApp(ctx context.Context) (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	logger := newLogger(cfg.LogLevel)

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Debug().Str("config", cfgPath).Str("database", dbPath).Msg("client state opened")

	a := &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		logger:  logger,
		store:   store,
	}

	master, err := crypto.EnsureVaultKey(cfg.VaultKeyPath)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("prepare vault key: %w", err)
	}
	key, err := crypto.DeriveKey(master, cfg.InstallationID, credentialKeyPurpose)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("derive credential key: %w", err)
	}
	credentials, err := store.Credentials(key)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	a.session = session.New(session.Options{
		Store:  credentials,
		Logger: logger.With().Str("component", "session").Logger(),
	})
	if _, err := a.session.Rehydrate(); err != nil {
		a.close()
		return nil, fmt.Errorf("restore session: %w", err)
	}

	a.backendURL = a.resolveBackend(ctx)
	client, err := api.NewClient(api.Options{
		BaseURL: a.backendURL,
		Token:   a.session.Credential,
		Logger:  logger.With().Str("component", "api").Logger(),
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create api client: %w", err)
	}
	a.client = client
	return a, nil
}

// resolveBackend picks the flag, then the config, then an mDNS-discovered
// backend, then the last discovered one, then the local default.
func (a *app) resolveBackend(ctx context.Context) string {
	if flagBackendURL != "" {
		return flagBackendURL
	}
	if a.cfg.BackendURL != "" {
		return a.cfg.BackendURL
	}
	if !a.cfg.DiscoveryEnabled {
		a.forgetDiscoveredBackend()
		return config.DefaultBackendURL
	}

	backend, err := discovery.Locate(ctx, discovery.Config{
		Logger: a.logger.With().Str("component", "discovery").Logger(),
	})
	if err == nil {
		url := backend.URL()
		if err := a.store.SetState(storage.StateDiscoveredBackend, url); err != nil {
			a.logger.Warn().Err(err).Msg("cache discovered backend")
		}
		a.logger.Info().Str("backend", url).Str("instance", backend.Instance).Msg("backend discovered")
		return url
	}
	if !errors.Is(err, discovery.ErrNoBackend) {
		a.logger.Debug().Err(err).Msg("backend discovery failed")
	}

	cached, err := a.store.State(storage.StateDiscoveredBackend)
	if err == nil && strings.TrimSpace(cached) != "" {
		a.logger.Info().Str("backend", cached).Msg("using last discovered backend")
		return cached
	}
	if err == nil {
		a.forgetDiscoveredBackend()
	}
	return config.DefaultBackendURL
}

// forgetDiscoveredBackend drops the cached mDNS result so it cannot resurface
// when discovery is switched back on.
func (a *app) forgetDiscoveredBackend() {
	if err := a.store.DeleteState(storage.StateDiscoveredBackend); err != nil {
		a.logger.Warn().Err(err).Msg("forget discovered backend")
	}
}

func (a *app) newEngine() (*engine.Engine, *network.Manager, error) {
	socketURL, err := a.cfg.EffectiveSocketURL(a.backendURL)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve socket url: %w", err)
	}

	manager, err := network.NewManager(network.ManagerOptions{
		URL:              socketURL,
		Dialer:           network.WebsocketDialer{PingInterval: a.cfg.PingInterval()},
		ReconnectBackoff: a.cfg.ReconnectBackoff(),
		Logger:           a.logger.With().Str("component", "network").Logger(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create connection manager: %w", err)
	}

	e, err := engine.New(engine.Options{
		Session:     a.session,
		Connection:  manager,
		Backend:     a.client,
		SendTimeout: a.cfg.SendTimeout(),
		Logger:      a.logger.With().Str("component", "engine").Logger(),
	})
	if err != nil {
		manager.Close()
		return nil, nil, fmt.Errorf("create engine: %w", err)
	}
	return e, manager, nil
}

func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("database close error")
	}
}
