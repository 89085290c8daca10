// Package discovery finds chat backends advertised on the local network.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_chatsync._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

// ErrNoBackend is returned when a scan window ends without a usable entry.
var ErrNoBackend = errors.New("discovery: no backend found")

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS browsing.
type Config struct {
	Service     string
	Domain      string
	ScanTimeout time.Duration
	Logger      zerolog.Logger

	browseFn browseFunc
}

func (c Config) withDefaults() (Config, error) {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.browseFn == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return Config{}, fmt.Errorf("create mDNS resolver: %w", err)
		}
		out.browseFn = resolver.Browse
	}
	return out, nil
}

// Locate returns the first usable backend seen within the scan timeout.
func Locate(ctx context.Context, config Config) (Backend, error) {
	cfg, err := config.withDefaults()
	if err != nil {
		return Backend{}, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(chan Backend, 1)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				backend, ok := parseEntry(entry)
				if !ok {
					continue
				}
				select {
				case found <- backend:
				default:
				}
				cancel()
				return
			}
		}
	}()

	if err := cfg.browseFn(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return Backend{}, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	select {
	case backend := <-found:
		cfg.Logger.Info().Str("url", backend.URL()).Str("instance", backend.Instance).Msg("backend discovered")
		return backend, nil
	default:
	}

	if err := ctx.Err(); err != nil {
		return Backend{}, err
	}
	return Backend{}, ErrNoBackend
}

// Scan collects every backend advertised during one scan window, sorted by
// instance name.
func Scan(ctx context.Context, config Config) ([]Backend, error) {
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Backend)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				backend, ok := parseEntry(entry)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[backend.URL()] = backend
				collectedMu.Unlock()
			}
		}
	}()

	if err := cfg.browseFn(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	collectedMu.Lock()
	out := make([]Backend, 0, len(collected))
	for _, backend := range collected {
		out = append(out, backend)
	}
	collectedMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance == out[j].Instance {
			return out[i].URL() < out[j].URL()
		}
		return out[i].Instance < out[j].Instance
	})

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}
