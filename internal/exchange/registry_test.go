package exchange

import (
	"context"
	"log/slog"
	"testing"

	"coinflow-trader/internal/config"
	"coinflow-trader/pkg/types"
)

type stubAdapter struct {
	venue        string
	disconnected bool
}

func (s *stubAdapter) Venue() string                   { return s.venue }
func (s *stubAdapter) Connect(ctx context.Context) error { return nil }
func (s *stubAdapter) Disconnect(ctx context.Context) error {
	s.disconnected = true
	return nil
}
func (s *stubAdapter) GetMarkets(ctx context.Context) ([]types.MarketMeta, error) { return nil, nil }
func (s *stubAdapter) GetTicker(ctx context.Context, symbol types.Symbol) (types.Ticker, error) {
	return types.Ticker{}, nil
}
func (s *stubAdapter) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (types.OrderBookSnapshot, error) {
	return types.OrderBookSnapshot{}, nil
}
func (s *stubAdapter) GetBalance(ctx context.Context) (map[string]types.Balance, error) {
	return nil, nil
}
func (s *stubAdapter) CreateOrder(ctx context.Context, req CreateOrderRequest) (types.Order, error) {
	return types.Order{}, nil
}
func (s *stubAdapter) CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	return types.Order{}, nil
}
func (s *stubAdapter) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	return nil, nil
}
func (s *stubAdapter) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	return types.Order{}, nil
}
func (s *stubAdapter) Capabilities() types.Capabilities { return types.Capabilities{Venue: s.venue} }
func (s *stubAdapter) Stream() *StreamSession           { return nil }

func TestRegistryCreateCachesByCredentialFingerprint(t *testing.T) {
	t.Parallel()

	var built int
	reg := NewRegistry(slog.Default())
	reg.Register("stub", func(venue string, cfg config.ExchangeConfig, logger *slog.Logger) (Adapter, error) {
		built++
		return &stubAdapter{venue: venue}, nil
	})

	cfg := config.ExchangeConfig{ApiKey: "k", Secret: "s"}
	a1, err := reg.Create(context.Background(), "stub", cfg)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	a2, err := reg.Create(context.Background(), "stub", cfg)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if a1 != a2 {
		t.Error("expected cached instance for identical credentials")
	}
	if built != 1 {
		t.Errorf("expected constructor to run once, ran %d times", built)
	}

	differentCfg := config.ExchangeConfig{ApiKey: "other", Secret: "s"}
	a3, err := reg.Create(context.Background(), "stub", differentCfg)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if a3 == a1 {
		t.Error("expected a distinct instance for different credentials")
	}
}

func TestRegistryCreateUnknownVenue(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(slog.Default())
	_, err := reg.Create(context.Background(), "nonexistent", config.ExchangeConfig{})
	if err == nil {
		t.Fatal("expected error for unregistered venue")
	}
}

func TestRegistryShutdownAllDisconnectsEverything(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(slog.Default())
	reg.Register("stub", func(venue string, cfg config.ExchangeConfig, logger *slog.Logger) (Adapter, error) {
		return &stubAdapter{venue: venue}, nil
	})

	a, err := reg.Create(context.Background(), "stub", config.ExchangeConfig{ApiKey: "k"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := reg.ShutdownAll(context.Background()); err != nil {
		t.Fatalf("ShutdownAll() error: %v", err)
	}
	if !a.(*stubAdapter).disconnected {
		t.Error("expected adapter to be disconnected")
	}
}
