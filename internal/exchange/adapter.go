// Package exchange implements the venue-facing side of the trading
// engine: rate limiting, signed REST calls, streaming sessions, and the
// unified Adapter contract that every venue-specific implementation
// satisfies.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"coinflow-trader/pkg/types"
)

// Adapter is the unified contract every venue implementation satisfies.
// Adapters are responsible for symbol-form translation, numeric field
// normalization to decimal, per-endpoint rate-bucket selection, and
// mapping venue errors onto the shared xerrors taxonomy.
type Adapter interface {
	// Venue returns the adapter's registry name, e.g. "binance".
	Venue() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	GetMarkets(ctx context.Context) ([]types.MarketMeta, error)
	GetTicker(ctx context.Context, symbol types.Symbol) (types.Ticker, error)
	GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (types.OrderBookSnapshot, error)
	GetBalance(ctx context.Context) (map[string]types.Balance, error)

	CreateOrder(ctx context.Context, req CreateOrderRequest) (types.Order, error)
	CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error)
	GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error)
	GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error)

	// Capabilities describes what this adapter supports, so the
	// execution engine can refuse or translate unsupported order types.
	Capabilities() types.Capabilities

	// Stream returns the adapter's streaming session (C5). Adapters
	// that expose no streaming endpoint may return nil.
	Stream() *StreamSession
}

// CreateOrderRequest is the normalized order-placement request passed to
// every adapter's CreateOrder. ClientID is always set by the execution
// engine before the call, per the outbox discipline in execution.Engine.
type CreateOrderRequest struct {
	ClientID    string
	Symbol      types.Symbol
	Type        types.OrderType
	Side        types.Side
	Quantity    decimal.Decimal
	Price       decimal.Decimal // zero value for market orders
	TimeInForce types.TimeInForce
}
