// Package execution turns an approved ExecutionOrder into a placed order,
// reconciles uncertain placements, applies fills through the portfolio
// core, and supervises attached stop-loss/take-profit triggers.
package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinflow-trader/internal/exchange"
	"coinflow-trader/internal/portfolio"
	"coinflow-trader/internal/xerrors"
	"coinflow-trader/pkg/types"
)

// reconcileTimeout bounds how long the engine polls for the true outcome
// of a placement whose result is uncertain (read timeout after send).
const reconcileTimeout = 30 * time.Second

// postCancelGrace is how long the engine waits after a cancel before
// treating the order as settled, to absorb a last in-flight fill.
const postCancelGrace = 5 * time.Second

// outboxEntry records an intent's client_id before the adapter call; the
// entry is removed once the placement is acknowledged, reconciled or
// failed. The outbox is held in memory only and does not survive a
// process restart.
type outboxEntry struct {
	ClientID  string
	Symbol    types.Symbol
	Venue     string
	CreatedAt time.Time
}

// trigger is an attached stop-loss/take-profit/trailing-stop/time-based
// stop watched by the supervisor loop.
type trigger struct {
	Symbol       types.Symbol
	Venue        string
	Side         types.Side // the side of the CLOSING order
	Quantity     decimal.Decimal
	StopPrice    decimal.Decimal
	TakeProfit   decimal.Decimal
	Trailing     bool
	TrailingDist decimal.Decimal
	bestPrice    decimal.Decimal
	OpenedAt     time.Time
}

// Engine is the execution engine (C11): intent-to-order translation,
// placement, uncertain-placement reconciliation, fill application, and
// stop-loss/take-profit supervision.
type Engine struct {
	logger       *slog.Logger
	adapters     map[string]exchange.Adapter
	portfolio    *portfolio.Core
	dryRun       bool
	maxHoldHours float64

	mu       sync.Mutex
	outbox   map[string]outboxEntry
	triggers map[string]*trigger // keyed by client_id of the opening order
}

// NewEngine constructs an execution engine routing orders across adapters
// keyed by venue name. When dryRun is true (enable_live_trading: false),
// Place short-circuits every order into a synthetic "DRY-" acknowledgement
// instead of issuing it to the venue.
func NewEngine(logger *slog.Logger, adapters map[string]exchange.Adapter, core *portfolio.Core, dryRun bool) *Engine {
	return &Engine{
		logger:    logger.With("component", "execution"),
		adapters:  adapters,
		portfolio: core,
		dryRun:    dryRun,
		outbox:    make(map[string]outboxEntry),
		triggers:  make(map[string]*trigger),
	}
}

// SetMaxHoldHours configures the time-based stop: a position whose
// trigger has been open longer than this many hours is force-closed by
// CheckTimeBasedStops regardless of price. 0 (the default) disables it,
// matching a config with risk_management.max_hold_hours unset.
func (e *Engine) SetMaxHoldHours(hours float64) {
	e.maxHoldHours = hours
}

// Place routes an approved ExecutionOrder to its venue, handling the
// outbox recording and uncertain-placement reconciliation. It returns the
// acknowledged Order. Place takes no balance reservation and does not
// record the order in the portfolio core.
//
// A zero-quantity order is a programming error by the time it reaches
// here — the risk gate rejects those before they become an
// ExecutionOrder — so Place treats it as an invalid-order failure rather
// than silently forwarding it to a venue.
func (e *Engine) Place(ctx context.Context, order types.ExecutionOrder) (types.Order, error) {
	if !order.Quantity.IsPositive() {
		return types.Order{}, xerrors.New(xerrors.KindInvalidOrder, "zero-quantity order").WithVenue(order.Venue)
	}

	adapter, ok := e.adapters[order.Venue]
	if !ok {
		return types.Order{}, xerrors.New(xerrors.KindUnsupported, "unknown venue").WithVenue(order.Venue)
	}

	clientID := uuid.NewString()

	side := types.Buy
	if order.Intent.Action == types.ActionSell {
		side = types.Sell
	}

	if e.dryRun {
		return e.placeDryRun(clientID, order, side), nil
	}

	e.recordOutbox(clientID, order)

	tif := order.TimeInForce
	if tif == "" {
		tif = types.TIFGTC
	}
	req := exchange.CreateOrderRequest{
		ClientID:    clientID,
		Symbol:      order.Intent.Symbol,
		Type:        order.Type,
		Side:        side,
		Quantity:    order.Quantity,
		Price:       order.Price,
		TimeInForce: tif,
	}

	placed, err := adapter.CreateOrder(ctx, req)
	if xerrors.Is(err, xerrors.KindUncertainPlacement) {
		placed, err = e.reconcileUncertainPlacement(ctx, adapter, clientID, order.Intent.Symbol)
	}
	if err != nil {
		e.removeOutbox(clientID)
		return types.Order{}, err
	}

	e.removeOutbox(clientID)

	if order.Intent.StopLoss.IsPositive() || order.Intent.TakeProfit.IsPositive() {
		e.attachTrigger(clientID, order, side)
	}

	return placed, nil
}

// placeDryRun records a synthetic "DRY-" acknowledgement without issuing
// any HTTP request or reserving venue balance. Stop-loss/take-profit
// triggers are still attached so the rest of the pipeline — and a
// dry-run operator watching /status — sees realistic behavior.
func (e *Engine) placeDryRun(clientID string, order types.ExecutionOrder, side types.Side) types.Order {
	now := time.Now()
	placed := types.Order{
		OrderID:   "DRY-" + clientID,
		ClientID:  clientID,
		Venue:     order.Venue,
		Symbol:    order.Intent.Symbol,
		Side:      side,
		Type:      order.Type,
		Price:     order.Price,
		Quantity:  order.Quantity,
		Status:    types.OrderNew,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e.logger.Info("dry-run placement, no order sent to venue",
		"venue", order.Venue, "symbol", order.Intent.Symbol, "client_id", clientID)

	if order.Intent.StopLoss.IsPositive() || order.Intent.TakeProfit.IsPositive() {
		e.attachTrigger(clientID, order, side)
	}

	return placed
}

func (e *Engine) recordOutbox(clientID string, order types.ExecutionOrder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outbox[clientID] = outboxEntry{
		ClientID:  clientID,
		Symbol:    order.Intent.Symbol,
		Venue:     order.Venue,
		CreatedAt: time.Now(),
	}
}

func (e *Engine) removeOutbox(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.outbox, clientID)
}

// reconcileUncertainPlacement polls the venue for up to reconcileTimeout
// to determine whether a placement whose acknowledgement was lost
// actually succeeded, using the client-id lookup when the venue supports
// it and falling back to scanning open orders otherwise.
func (e *Engine) reconcileUncertainPlacement(ctx context.Context, adapter exchange.Adapter, clientID string, symbol types.Symbol) (types.Order, error) {
	e.logger.Warn("uncertain placement, reconciling", "client_id", clientID, "venue", adapter.Venue())

	reconcileCtx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()

	operation := func() (types.Order, error) {
		if adapter.Capabilities().SupportsClientIDLookup {
			order, err := adapter.GetOrder(reconcileCtx, clientID, symbol)
			if err == nil {
				return order, nil
			}
		}
		open, err := adapter.GetOpenOrders(reconcileCtx, symbol)
		if err != nil {
			return types.Order{}, err
		}
		for _, o := range open {
			if o.ClientID == clientID {
				return o, nil
			}
		}
		return types.Order{}, backoff.RetryAfter(1)
	}

	result, err := backoff.Retry(reconcileCtx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(reconcileTimeout),
	)
	if err != nil {
		return types.Order{}, xerrors.Wrap(xerrors.KindUncertainPlacement,
			"could not reconcile placement outcome within timeout", err).WithVenue(adapter.Venue())
	}
	return result, nil
}

// ApplyFill applies one fill to the portfolio core and ratchets any
// attached trailing stop. No streaming or polling path in this
// repository calls it; venue fills reach it only when a caller passes
// them in.
func (e *Engine) ApplyFill(fill types.Fill) portfolio.FillResult {
	result := e.portfolio.ApplyFill(fill)
	e.updateTrailingStop(fill)
	return result
}

func (e *Engine) attachTrigger(clientID string, order types.ExecutionOrder, openSide types.Side) {
	closeSide := types.Sell
	if openSide == types.Sell {
		closeSide = types.Buy
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.triggers[clientID] = &trigger{
		Symbol:     order.Intent.Symbol,
		Venue:      order.Venue,
		Side:       closeSide,
		Quantity:   order.Quantity,
		StopPrice:  order.Intent.StopLoss,
		TakeProfit: order.Intent.TakeProfit,
		OpenedAt:   time.Now(),
	}
}

func (e *Engine) updateTrailingStop(fill types.Fill) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.triggers {
		if t.Symbol != fill.Symbol || !t.Trailing {
			continue
		}
		if t.bestPrice.IsZero() || fill.Price.GreaterThan(t.bestPrice) {
			t.bestPrice = fill.Price
			t.StopPrice = fill.Price.Sub(t.TrailingDist)
		}
	}
}

// CheckTriggers compares the latest ticker price for each active trigger
// and issues a market close when the stop-loss or take-profit level is
// crossed. Call this on every ticker update from the market data bus.
func (e *Engine) CheckTriggers(ctx context.Context, symbol types.Symbol, price decimal.Decimal) {
	e.mu.Lock()
	var fired []string
	for clientID, t := range e.triggers {
		if t.Symbol != symbol {
			continue
		}
		crossed := false
		if t.StopPrice.IsPositive() {
			if t.Side == types.Sell && price.LessThanOrEqual(t.StopPrice) {
				crossed = true
			}
			if t.Side == types.Buy && price.GreaterThanOrEqual(t.StopPrice) {
				crossed = true
			}
		}
		if !crossed && t.TakeProfit.IsPositive() {
			if t.Side == types.Sell && price.GreaterThanOrEqual(t.TakeProfit) {
				crossed = true
			}
			if t.Side == types.Buy && price.LessThanOrEqual(t.TakeProfit) {
				crossed = true
			}
		}
		if crossed {
			fired = append(fired, clientID)
		}
	}
	e.mu.Unlock()

	for _, clientID := range fired {
		e.fireTrigger(ctx, clientID)
	}
}

// CheckTimeBasedStops force-closes every trigger that has been open
// longer than maxHoldHours, independent of price — the time-based stop
// type, checked on a slower cadence than CheckTriggers since it depends
// on the clock rather than a tick's price update. A disabled
// (maxHoldHours<=0) engine is a no-op.
func (e *Engine) CheckTimeBasedStops(ctx context.Context, now time.Time) {
	if e.maxHoldHours <= 0 {
		return
	}
	maxAge := time.Duration(e.maxHoldHours * float64(time.Hour))

	e.mu.Lock()
	var expired []string
	for clientID, t := range e.triggers {
		if !t.OpenedAt.IsZero() && now.Sub(t.OpenedAt) >= maxAge {
			expired = append(expired, clientID)
		}
	}
	e.mu.Unlock()

	for _, clientID := range expired {
		e.logger.Info("time-based stop fired", "client_id", clientID, "max_hold_hours", e.maxHoldHours)
		e.fireTrigger(ctx, clientID)
	}
}

func (e *Engine) fireTrigger(ctx context.Context, clientID string) {
	e.mu.Lock()
	t, ok := e.triggers[clientID]
	if ok {
		delete(e.triggers, clientID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if e.dryRun {
		e.logger.Info("dry-run trigger fired, no close order sent to venue",
			"venue", t.Venue, "symbol", t.Symbol, "client_id", clientID)
		return
	}

	adapter, ok := e.adapters[t.Venue]
	if !ok {
		e.logger.Error("trigger fired for unknown venue", "venue", t.Venue)
		return
	}

	_, err := adapter.CreateOrder(ctx, exchange.CreateOrderRequest{
		ClientID: uuid.NewString(),
		Symbol:   t.Symbol,
		Type:     types.OrderTypeMarket,
		Side:     t.Side,
		Quantity: t.Quantity,
	})
	if err != nil {
		e.logger.Error("failed to place stop/take-profit close", "symbol", t.Symbol, "error", err)
	}
}

// CancelOrder cancels an order and, after postCancelGrace, re-reads it to
// absorb a last in-flight fill before treating it as settled.
func (e *Engine) CancelOrder(ctx context.Context, venue, orderID string, symbol types.Symbol) (types.Order, error) {
	adapter, ok := e.adapters[venue]
	if !ok {
		return types.Order{}, xerrors.New(xerrors.KindUnsupported, "unknown venue").WithVenue(venue)
	}

	canceled, err := adapter.CancelOrder(ctx, orderID, symbol)
	if err != nil && !errors.Is(err, xerrors.ErrInvalidOrder) {
		return types.Order{}, err
	}

	select {
	case <-time.After(postCancelGrace):
	case <-ctx.Done():
		return canceled, ctx.Err()
	}

	final, err := adapter.GetOrder(ctx, orderID, symbol)
	if err != nil {
		return canceled, nil // cancel already succeeded; reconciliation read is best-effort
	}
	return final, nil
}
