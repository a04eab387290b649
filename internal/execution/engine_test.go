package execution

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinflow-trader/internal/exchange"
	"coinflow-trader/internal/portfolio"
	"coinflow-trader/internal/store"
	"coinflow-trader/internal/xerrors"
	"coinflow-trader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestCore(t *testing.T) *portfolio.Core {
	t.Helper()
	dir, err := os.MkdirTemp("", "execution-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(dir, 3)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return portfolio.NewCore(testLogger(), st)
}

// fakeAdapter is a minimal exchange.Adapter test double.
type fakeAdapter struct {
	venue string
	caps  types.Capabilities

	createErr   error
	createOrder types.Order

	openOrders []types.Order
	getErr     error
	getOrder   types.Order

	createCalls int
}

func (f *fakeAdapter) Venue() string                                   { return f.venue }
func (f *fakeAdapter) Connect(ctx context.Context) error                { return nil }
func (f *fakeAdapter) Disconnect(ctx context.Context) error             { return nil }
func (f *fakeAdapter) GetMarkets(ctx context.Context) ([]types.MarketMeta, error) {
	return nil, nil
}
func (f *fakeAdapter) GetTicker(ctx context.Context, symbol types.Symbol) (types.Ticker, error) {
	return types.Ticker{}, nil
}
func (f *fakeAdapter) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (types.OrderBookSnapshot, error) {
	return types.OrderBookSnapshot{}, nil
}
func (f *fakeAdapter) GetBalance(ctx context.Context) (map[string]types.Balance, error) {
	return nil, nil
}
func (f *fakeAdapter) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (types.Order, error) {
	f.createCalls++
	if f.createErr != nil {
		if xerrors.Is(f.createErr, xerrors.KindUncertainPlacement) {
			// Simulate a venue that actually accepted the order despite
			// the acknowledgement being lost in transit.
			f.openOrders = []types.Order{{OrderID: "o-scan", ClientID: req.ClientID, Status: types.OrderNew}}
		}
		return types.Order{}, f.createErr
	}
	order := f.createOrder
	order.ClientID = req.ClientID
	return order, nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	return types.Order{OrderID: orderID, Status: types.OrderCanceled}, nil
}
func (f *fakeAdapter) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	return f.openOrders, nil
}
func (f *fakeAdapter) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	if f.getErr != nil {
		return types.Order{}, f.getErr
	}
	return f.getOrder, nil
}
func (f *fakeAdapter) Capabilities() types.Capabilities { return f.caps }
func (f *fakeAdapter) Stream() *exchange.StreamSession  { return nil }

func testIntent(sym types.Symbol) types.TradeIntent {
	return types.TradeIntent{
		Symbol:      sym,
		Action:      types.ActionBuy,
		Quantity:    dec("1"),
		TargetPrice: dec("50000"),
	}
}

func TestPlaceSucceedsOnFirstAck(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	adapter := &fakeAdapter{
		venue:       "binance",
		caps:        types.Capabilities{SupportsClientIDLookup: true},
		createOrder: types.Order{OrderID: "o-1", Status: types.OrderNew},
	}
	core := newTestCore(t)
	e := NewEngine(testLogger(), map[string]exchange.Adapter{"binance": adapter}, core, false)

	order, err := e.Place(context.Background(), types.ExecutionOrder{
		Intent:   testIntent(sym),
		Venue:    "binance",
		Quantity: dec("1"),
		Type:     types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if order.OrderID != "o-1" {
		t.Errorf("OrderID = %q, want o-1", order.OrderID)
	}
	if order.ClientID == "" {
		t.Error("expected a generated client id to be attached to the order")
	}

	e.mu.Lock()
	outboxLen := len(e.outbox)
	e.mu.Unlock()
	if outboxLen != 0 {
		t.Error("expected the outbox entry to be cleared after acknowledgement")
	}
}

func TestPlaceReturnsErrorForUnknownVenue(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	core := newTestCore(t)
	e := NewEngine(testLogger(), map[string]exchange.Adapter{}, core, false)

	_, err := e.Place(context.Background(), types.ExecutionOrder{
		Intent: testIntent(sym),
		Venue:  "missing",
	})
	if !xerrors.Is(err, xerrors.KindUnsupported) {
		t.Errorf("expected KindUnsupported, got %v", err)
	}
}

func TestPlaceReconcilesUncertainPlacementViaClientIDLookup(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	adapter := &fakeAdapter{
		venue:     "binance",
		caps:      types.Capabilities{SupportsClientIDLookup: true},
		createErr: xerrors.New(xerrors.KindUncertainPlacement, "timed out waiting for ack"),
		getOrder:  types.Order{OrderID: "o-recovered", Status: types.OrderNew},
	}
	core := newTestCore(t)
	e := NewEngine(testLogger(), map[string]exchange.Adapter{"binance": adapter}, core, false)

	order, err := e.Place(context.Background(), types.ExecutionOrder{
		Intent:   testIntent(sym),
		Venue:    "binance",
		Quantity: dec("1"),
		Type:     types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if order.OrderID != "o-recovered" {
		t.Errorf("OrderID = %q, want o-recovered", order.OrderID)
	}
}

func TestPlaceReconcilesUncertainPlacementViaOpenOrdersScan(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	adapter := &fakeAdapter{
		venue:     "kraken",
		caps:      types.Capabilities{SupportsClientIDLookup: false},
		createErr: xerrors.New(xerrors.KindUncertainPlacement, "connection reset"),
	}
	core := newTestCore(t)
	e := NewEngine(testLogger(), map[string]exchange.Adapter{"kraken": adapter}, core, false)

	order := types.ExecutionOrder{
		Intent:   testIntent(sym),
		Venue:    "kraken",
		Quantity: dec("1"),
		Type:     types.OrderTypeMarket,
	}

	got, err := e.Place(context.Background(), order)
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if got.OrderID != "o-scan" {
		t.Errorf("OrderID = %q, want o-scan", got.OrderID)
	}
}

func TestCheckTriggersFiresStopLoss(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	adapter := &fakeAdapter{
		venue:       "binance",
		caps:        types.Capabilities{},
		createOrder: types.Order{OrderID: "close-1", Status: types.OrderNew},
	}
	core := newTestCore(t)
	e := NewEngine(testLogger(), map[string]exchange.Adapter{"binance": adapter}, core, false)

	e.mu.Lock()
	e.triggers["t-1"] = &trigger{
		Symbol:    sym,
		Venue:     "binance",
		Side:      types.Sell,
		Quantity:  dec("1"),
		StopPrice: dec("48000"),
	}
	e.mu.Unlock()

	e.CheckTriggers(context.Background(), sym, dec("47000"))

	e.mu.Lock()
	_, stillActive := e.triggers["t-1"]
	e.mu.Unlock()
	if stillActive {
		t.Error("expected the stop-loss trigger to be removed once fired")
	}
}

func TestCheckTriggersIgnoresOtherSymbols(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	other := types.NewSymbol("ETH", "USDT")
	adapter := &fakeAdapter{venue: "binance"}
	core := newTestCore(t)
	e := NewEngine(testLogger(), map[string]exchange.Adapter{"binance": adapter}, core, false)

	e.mu.Lock()
	e.triggers["t-1"] = &trigger{Symbol: sym, Venue: "binance", Side: types.Sell, StopPrice: dec("48000")}
	e.mu.Unlock()

	e.CheckTriggers(context.Background(), other, dec("1"))

	e.mu.Lock()
	_, stillActive := e.triggers["t-1"]
	e.mu.Unlock()
	if !stillActive {
		t.Error("expected a trigger for a different symbol to remain untouched")
	}
}

func TestApplyFillRatchetsTrailingStop(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	adapter := &fakeAdapter{venue: "binance"}
	core := newTestCore(t)
	e := NewEngine(testLogger(), map[string]exchange.Adapter{"binance": adapter}, core, false)

	e.mu.Lock()
	e.triggers["t-1"] = &trigger{
		Symbol:       sym,
		Venue:        "binance",
		Side:         types.Sell,
		Trailing:     true,
		TrailingDist: dec("1000"),
	}
	e.mu.Unlock()

	e.ApplyFill(types.Fill{Symbol: sym, Side: types.Buy, Price: dec("50000"), Quantity: dec("1")})
	e.ApplyFill(types.Fill{Symbol: sym, Side: types.Buy, Price: dec("52000"), Quantity: dec("1")})

	e.mu.Lock()
	stop := e.triggers["t-1"].StopPrice
	e.mu.Unlock()
	if !stop.Equal(dec("51000")) {
		t.Errorf("StopPrice = %v, want 51000 (trailing 1000 below the best 52000)", stop)
	}
}

func TestCancelOrderReturnsContextErrorDuringGrace(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	adapter := &fakeAdapter{
		venue:    "binance",
		getOrder: types.Order{OrderID: "o-1", Status: types.OrderCanceled},
	}
	core := newTestCore(t)
	e := NewEngine(testLogger(), map[string]exchange.Adapter{"binance": adapter}, core, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // ensure the grace-period select returns immediately via ctx.Done

	_, err := e.CancelOrder(ctx, "binance", "o-1", sym)
	if err == nil {
		t.Error("expected ctx.Err() to surface when the grace period context is already cancelled")
	}
}

func TestCheckTimeBasedStopsForceClosesStaleTrigger(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	adapter := &fakeAdapter{
		venue:       "binance",
		createOrder: types.Order{OrderID: "close-stale", Status: types.OrderNew},
	}
	core := newTestCore(t)
	e := NewEngine(testLogger(), map[string]exchange.Adapter{"binance": adapter}, core, false)
	e.SetMaxHoldHours(4)

	now := time.Now()
	e.mu.Lock()
	e.triggers["t-stale"] = &trigger{
		Symbol:   sym,
		Venue:    "binance",
		Side:     types.Sell,
		Quantity: dec("1"),
		OpenedAt: now.Add(-5 * time.Hour),
	}
	e.triggers["t-fresh"] = &trigger{
		Symbol:   sym,
		Venue:    "binance",
		Side:     types.Sell,
		Quantity: dec("1"),
		OpenedAt: now.Add(-1 * time.Hour),
	}
	e.mu.Unlock()

	e.CheckTimeBasedStops(context.Background(), now)

	e.mu.Lock()
	_, staleActive := e.triggers["t-stale"]
	_, freshActive := e.triggers["t-fresh"]
	e.mu.Unlock()
	if staleActive {
		t.Error("expected the 5h-old trigger to be force-closed past the 4h max hold")
	}
	if !freshActive {
		t.Error("expected the 1h-old trigger to remain open under the 4h max hold")
	}
	if adapter.createCalls != 1 {
		t.Errorf("expected exactly one close order for the stale trigger, got %d calls", adapter.createCalls)
	}
}

func TestCheckTimeBasedStopsDisabledWhenMaxHoldUnset(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	adapter := &fakeAdapter{venue: "binance"}
	core := newTestCore(t)
	e := NewEngine(testLogger(), map[string]exchange.Adapter{"binance": adapter}, core, false)

	e.mu.Lock()
	e.triggers["t-1"] = &trigger{Symbol: sym, Venue: "binance", Side: types.Sell, OpenedAt: time.Now().Add(-100 * time.Hour)}
	e.mu.Unlock()

	e.CheckTimeBasedStops(context.Background(), time.Now())

	e.mu.Lock()
	_, stillActive := e.triggers["t-1"]
	e.mu.Unlock()
	if !stillActive {
		t.Error("expected max_hold_hours=0 to disable the time-based stop entirely")
	}
}

// TestPlaceDryRunNeverCallsAdapter exercises enable_live_trading=false: the
// engine must synthesize a "DRY-" acknowledgement and never reach the
// venue, but still attach stop-loss/take-profit triggers so the rest of
// the pipeline behaves as it would for a live order.
func TestPlaceDryRunNeverCallsAdapter(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	adapter := &fakeAdapter{
		venue:       "binance",
		caps:        types.Capabilities{SupportsClientIDLookup: true},
		createOrder: types.Order{OrderID: "o-live", Status: types.OrderNew},
	}
	core := newTestCore(t)
	e := NewEngine(testLogger(), map[string]exchange.Adapter{"binance": adapter}, core, true)

	intent := testIntent(sym)
	intent.StopLoss = dec("49000")
	intent.TakeProfit = dec("51000")

	order, err := e.Place(context.Background(), types.ExecutionOrder{
		Intent:   intent,
		Venue:    "binance",
		Quantity: dec("1"),
		Price:    dec("50000"),
		Type:     types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if !strings.HasPrefix(order.OrderID, "DRY-") {
		t.Errorf("OrderID = %q, want DRY- prefix", order.OrderID)
	}
	if adapter.createCalls != 0 {
		t.Errorf("expected CreateOrder to never be called in dry-run, got %d calls", adapter.createCalls)
	}

	e.mu.Lock()
	triggerCount := len(e.triggers)
	e.mu.Unlock()
	if triggerCount != 1 {
		t.Errorf("expected a trigger to be attached for the stop-loss/take-profit order, got %d", triggerCount)
	}

	e.mu.Lock()
	outboxLen := len(e.outbox)
	e.mu.Unlock()
	if outboxLen != 0 {
		t.Error("dry-run placement must never record an outbox entry")
	}
}

// TestPlaceDryRunTriggerNeverCallsAdapter confirms a dry-run trigger fire
// (stop-loss/take-profit hit) also never reaches the venue.
func TestPlaceDryRunTriggerNeverCallsAdapter(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	adapter := &fakeAdapter{
		venue:       "binance",
		createOrder: types.Order{OrderID: "close-live", Status: types.OrderNew},
	}
	core := newTestCore(t)
	e := NewEngine(testLogger(), map[string]exchange.Adapter{"binance": adapter}, core, true)

	e.mu.Lock()
	e.triggers["t-1"] = &trigger{
		Symbol:    sym,
		Venue:     "binance",
		Side:      types.Sell,
		Quantity:  dec("1"),
		StopPrice: dec("48000"),
	}
	e.mu.Unlock()

	e.CheckTriggers(context.Background(), sym, dec("47000"))

	e.mu.Lock()
	_, stillActive := e.triggers["t-1"]
	e.mu.Unlock()
	if stillActive {
		t.Error("expected the stop-loss trigger to be removed once fired, even in dry-run")
	}
	if adapter.createCalls != 0 {
		t.Errorf("expected CreateOrder to never be called for a dry-run trigger fire, got %d calls", adapter.createCalls)
	}
}
