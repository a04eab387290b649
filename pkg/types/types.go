// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — symbols, market
// data, orders, positions, balances, and the signal/intent types that
// connect the strategy runtime to execution. It has no dependencies on
// internal packages, so it can be imported by any layer.
//
// All monetary, price, and quantity fields use decimal.Decimal. Floating
// point only appears on advisory, non-monetary quantities such as signal
// strength and correlation coefficients.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is the canonical cross-venue trading pair identifier, "BASE/QUOTE"
// (e.g. "BTC/USDT"). Adapters translate to and from venue-native forms.
type Symbol string

// NewSymbol builds a canonical symbol from base and quote assets.
func NewSymbol(base, quote string) Symbol {
	return Symbol(strings.ToUpper(base) + "/" + strings.ToUpper(quote))
}

// Base returns the base asset of the pair.
func (s Symbol) Base() string {
	base, _, _ := strings.Cut(string(s), "/")
	return base
}

// Quote returns the quote asset of the pair.
func (s Symbol) Quote() string {
	_, quote, _ := strings.Cut(string(s), "/")
	return quote
}

// Side is the direction of an order or fill.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType enumerates the order lifecycles the contract supports.
type OrderType string

const (
	OrderTypeMarket          OrderType = "market"
	OrderTypeLimit           OrderType = "limit"
	OrderTypeStop            OrderType = "stop"
	OrderTypeStopLimit       OrderType = "stop_limit"
	OrderTypeTakeProfit      OrderType = "take_profit"
	OrderTypeTakeProfitLimit OrderType = "take_profit_limit"
)

// TimeInForce controls how long an order rests before it is cancelled.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
	TIFGTD TimeInForce = "GTD"
)

// OrderStatus is the lifecycle state of an Order. Filled, Canceled,
// Rejected, and Expired are terminal: once reached an Order never
// transitions further.
type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// IsTerminal reports whether the status can never transition further.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// PositionSide distinguishes long from short exposure.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// SignalAction is the decision a strategy or the combiner emits.
type SignalAction string

const (
	ActionBuy   SignalAction = "buy"
	ActionSell  SignalAction = "sell"
	ActionHold  SignalAction = "hold"
	ActionClose SignalAction = "close"
)

// ChannelType identifies a streaming subscription's content.
type ChannelType string

const (
	ChannelTicker    ChannelType = "ticker"
	ChannelOrderBook ChannelType = "orderbook"
	ChannelTrade     ChannelType = "trade"
	ChannelUser      ChannelType = "user"
)

// Ticker is a best-bid/ask snapshot for one symbol on one venue.
// Invariant: Bid <= Ask. Timestamp is taken as delivered by the venue; no
// component in this repository checks that it is non-decreasing per
// (venue, symbol) or drops a ticker whose timestamp regresses.
type Ticker struct {
	Venue       string
	Symbol      Symbol
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	Last        decimal.Decimal
	BaseVolume  decimal.Decimal
	QuoteVolume decimal.Decimal
	Timestamp   time.Time
}

// PriceLevel is a single order book level.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookSnapshot is a full order book replace. Bids are sorted
// descending by price, asks ascending.
type OrderBookSnapshot struct {
	Venue        string
	Symbol       Symbol
	Bids         []PriceLevel
	Asks         []PriceLevel
	LastUpdateID int64
	Timestamp    time.Time
}

// OrderBookDelta is an incremental update relative to a prior snapshot.
// A level with Size == 0 removes that price level.
type OrderBookDelta struct {
	Venue         string
	Symbol        Symbol
	Bids          []PriceLevel
	Asks          []PriceLevel
	FirstUpdateID int64
	LastUpdateID  int64
	Timestamp     time.Time
}

// Trade is a single executed print on a venue's public tape. TradeID is
// unique per (venue, symbol).
type Trade struct {
	Venue     string
	Symbol    Symbol
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      Side
	TradeID   string
	Timestamp time.Time
}

// MarketMeta is per-symbol metadata as returned by an adapter's
// get_markets call.
type MarketMeta struct {
	Symbol         Symbol
	Base           string
	Quote          string
	PricePrecision int
	QtyPrecision   int
	MinQty         decimal.Decimal
	MinNotional    decimal.Decimal
}

// Order is the authoritative representation of a placed order, owned by
// the execution engine until it reaches a terminal OrderStatus.
type Order struct {
	OrderID        string
	ClientID       string
	Venue          string
	Symbol         Symbol
	Side           Side
	Type           OrderType
	Price          decimal.Decimal // zero for market orders
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Status         OrderStatus
	TimeInForce    TimeInForce
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// String renders a log-friendly summary of the order.
func (o Order) String() string {
	return fmt.Sprintf("%s %s %s %s qty=%s filled=%s status=%s",
		o.Venue, o.Symbol, o.Side, o.Type, o.Quantity, o.FilledQuantity, o.Status)
}

// Fill is a single partial or full execution report — the only
// authoritative source of balance and position change.
type Fill struct {
	Venue     string
	Symbol    Symbol
	OrderID   string
	ClientID  string
	Side      Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Fee       decimal.Decimal
	FeeAsset  string
	TradeID   string
	Timestamp time.Time
}

// Position is a single open exposure in one symbol. A position that
// reaches Size == 0 is deleted atomically with the fill that closed it.
type Position struct {
	Symbol        Symbol
	Side          PositionSide
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal // size-weighted VWAP
	EntryTime     time.Time
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Balance is the holding of one asset. Invariant: Total == Free + Used.
// Used is the sum of reservations held by open orders and open positions.
type Balance struct {
	Asset string
	Free  decimal.Decimal
	Used  decimal.Decimal
	Total decimal.Decimal
}

// FeeSchedule is a venue's uniform maker/taker rate, expressed in basis
// points.
type FeeSchedule struct {
	MakerBps decimal.Decimal
	TakerBps decimal.Decimal
}

// Capabilities describes what an adapter supports, so the execution
// engine can refuse or translate unsupported order types instead of
// degrading silently.
type Capabilities struct {
	Venue                  string
	SupportedOrderTypes    map[OrderType]bool
	SupportsClientIDLookup bool
}

// Supports reports whether the adapter can place the given order type
// natively.
func (c Capabilities) Supports(t OrderType) bool {
	return c.SupportedOrderTypes[t]
}

// Signal is an immutable opinion produced by one strategy about one
// symbol at one point in time.
type Signal struct {
	Symbol    Symbol
	Action    SignalAction
	Strength  float64 // [0, 1]
	Price     decimal.Decimal
	Strategy  string
	Metadata  map[string]string
	Timestamp time.Time
}

// TradeIntent is the signal combiner's output: a validated proposed trade
// before risk gating.
type TradeIntent struct {
	Symbol             Symbol
	Action             SignalAction
	Quantity           decimal.Decimal
	TargetPrice        decimal.Decimal
	StopLoss           decimal.Decimal // zero value means none set
	TakeProfit         decimal.Decimal // zero value means none set
	OriginatingSignals []Signal
	Strength           float64
}

// ExecutionOrder is the risk gate's approved, possibly resized output —
// the handoff from the risk gate to the execution engine.
type ExecutionOrder struct {
	Intent      TradeIntent
	Venue       string
	Quantity    decimal.Decimal // may be smaller than Intent.Quantity after sizing
	Type        OrderType
	Price       decimal.Decimal
	TimeInForce TimeInForce
}
