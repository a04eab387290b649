// registry.go implements C4: a process-wide registry mapping venue name
// to adapter constructor, caching instances per (name, credential
// fingerprint) so repeated lookups reuse the same connection pool and
// rate-limit budget.
package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"coinflow-trader/internal/config"
)

// Constructor builds one adapter instance from its venue config.
type Constructor func(venue string, cfg config.ExchangeConfig, logger *slog.Logger) (Adapter, error)

// ShutdownDeadline bounds how long Registry.ShutdownAll waits for every
// cached adapter to disconnect before abandoning the stragglers.
const ShutdownDeadline = 10 * time.Second

// Registry is the name → constructor map plus the credential-fingerprint
// keyed instance cache (spec'd extensibility seam: adding a venue means
// registering one more constructor here).
type Registry struct {
	mu           sync.Mutex
	constructors map[string]Constructor
	instances    map[string]Adapter // key: venue + ":" + fingerprint
	rateLimiters *registryRateLimiters
	logger       *slog.Logger
}

// NewRegistry builds an empty registry. Built-in venues are registered
// by calling RegisterBuiltins.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		instances:    make(map[string]Adapter),
		rateLimiters: newRegistryRateLimiters(),
		logger:       logger.With("component", "exchange_registry"),
	}
}

// Register adds a venue constructor. Re-registering a venue replaces its
// constructor; existing cached instances are unaffected.
func (r *Registry) Register(venue string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[venue] = ctor
}

// RegisterBuiltins wires the fully implemented venues. Additional venues
// are added here by calling Register with their own constructor — no
// other component needs to change.
func (r *Registry) RegisterBuiltins() {
	r.Register("binance", NewBinanceAdapter)
	r.Register("bybit", NewBybitAdapter)
	r.Register("kraken", NewKrakenAdapter)
}

// Create returns a cached adapter for (name, credentials), constructing
// and connecting a new one on first use.
func (r *Registry) Create(ctx context.Context, venue string, cfg config.ExchangeConfig) (Adapter, error) {
	r.mu.Lock()
	ctor, ok := r.constructors[venue]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("exchange: no adapter registered for venue %q", venue)
	}

	key := venue + ":" + fingerprint(cfg)
	if existing, ok := r.instances[key]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	adapter, err := ctor(venue, cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("construct %s adapter: %w", venue, err)
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s adapter: %w", venue, err)
	}

	r.mu.Lock()
	r.instances[key] = adapter
	r.mu.Unlock()

	return adapter, nil
}

// ShutdownAll disconnects every cached adapter in parallel with a bounded
// deadline. Adapters that exceed the deadline are abandoned — their
// resources leak into the process until it exits, traded off against
// never blocking the rest of the shutdown sequence indefinitely.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	adapters := make([]Adapter, 0, len(r.instances))
	for _, a := range r.instances {
		adapters = append(adapters, a)
	}
	r.mu.Unlock()

	deadlineCtx, cancel := context.WithTimeout(ctx, ShutdownDeadline)
	defer cancel()

	g, gctx := errgroup.WithContext(deadlineCtx)
	for _, a := range adapters {
		a := a
		g.Go(func() error {
			if err := a.Disconnect(gctx); err != nil {
				r.logger.Warn("adapter disconnect failed", "venue", a.Venue(), "error", err)
				return nil // one slow/failed adapter must not fail the whole shutdown
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-deadlineCtx.Done():
		r.logger.Warn("adapter shutdown deadline exceeded, abandoning remaining adapters")
		return fmt.Errorf("exchange: shutdown deadline exceeded: %w", deadlineCtx.Err())
	}
}

// fingerprint derives a stable, non-reversible key from credentials so
// the cache never stores secrets directly in the map key.
func fingerprint(cfg config.ExchangeConfig) string {
	h := sha256.Sum256([]byte(cfg.ApiKey + ":" + cfg.Secret + ":" + cfg.Passphrase))
	return hex.EncodeToString(h[:8])
}
