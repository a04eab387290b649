package portfolio

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinflow-trader/internal/store"
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

func newTestCore(t *testing.T) *Core {
	t.Helper()
	dir, err := os.MkdirTemp("", "portfolio-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(dir, 3)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return NewCore(testLogger(), st)
}

func TestApplyFillOpensPosition(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)
	sym := types.NewSymbol("BTC", "USDT")

	c.ApplyFill(types.Fill{
		Symbol:   sym,
		Side:     types.Buy,
		Price:    dec("50000"),
		Quantity: dec("1"),
	})

	pos := c.Positions()[sym]
	if pos.Side != types.PositionLong {
		t.Errorf("Side = %v, want long", pos.Side)
	}
	if !pos.Size.Equal(dec("1")) {
		t.Errorf("Size = %v, want 1", pos.Size)
	}
	if !pos.EntryPrice.Equal(dec("50000")) {
		t.Errorf("EntryPrice = %v, want 50000", pos.EntryPrice)
	}
}

func TestApplyFillSameSideExtendsVWAP(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)
	sym := types.NewSymbol("BTC", "USDT")

	c.ApplyFill(types.Fill{Symbol: sym, Side: types.Buy, Price: dec("50000"), Quantity: dec("1")})
	c.ApplyFill(types.Fill{Symbol: sym, Side: types.Buy, Price: dec("60000"), Quantity: dec("1")})

	pos := c.Positions()[sym]
	if !pos.Size.Equal(dec("2")) {
		t.Errorf("Size = %v, want 2", pos.Size)
	}
	if !pos.EntryPrice.Equal(dec("55000")) {
		t.Errorf("EntryPrice = %v, want 55000 (VWAP)", pos.EntryPrice)
	}
}

func TestApplyFillOppositeSideRealizesPnLAndReduces(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)
	sym := types.NewSymbol("BTC", "USDT")

	c.ApplyFill(types.Fill{Symbol: sym, Side: types.Buy, Price: dec("50000"), Quantity: dec("2")})
	result := c.ApplyFill(types.Fill{Symbol: sym, Side: types.Sell, Price: dec("55000"), Quantity: dec("1")})

	if !result.RealizedPnLDelta.Equal(dec("5000")) {
		t.Errorf("RealizedPnLDelta = %v, want 5000", result.RealizedPnLDelta)
	}

	pos := c.Positions()[sym]
	if !pos.Size.Equal(dec("1")) {
		t.Errorf("Size = %v, want 1 remaining", pos.Size)
	}
}

func TestApplyFillClosesPositionWhenFullyReduced(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)
	sym := types.NewSymbol("BTC", "USDT")

	c.ApplyFill(types.Fill{Symbol: sym, Side: types.Buy, Price: dec("50000"), Quantity: dec("1")})
	result := c.ApplyFill(types.Fill{Symbol: sym, Side: types.Sell, Price: dec("52000"), Quantity: dec("1")})

	if !result.PositionClosed {
		t.Error("expected PositionClosed=true when the fill exactly closes the position")
	}
	if _, ok := c.Positions()[sym]; ok {
		t.Error("expected the position to be removed once fully closed")
	}
}

func TestApplyFillExcessOpensOppositePosition(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)
	sym := types.NewSymbol("BTC", "USDT")

	c.ApplyFill(types.Fill{Symbol: sym, Side: types.Buy, Price: dec("50000"), Quantity: dec("1")})
	c.ApplyFill(types.Fill{Symbol: sym, Side: types.Sell, Price: dec("52000"), Quantity: dec("3")})

	pos, ok := c.Positions()[sym]
	if !ok {
		t.Fatal("expected a new opposite-side position to open from the excess fill quantity")
	}
	if pos.Side != types.PositionShort {
		t.Errorf("Side = %v, want short", pos.Side)
	}
	if !pos.Size.Equal(dec("2")) {
		t.Errorf("Size = %v, want 2 (excess over the closed long)", pos.Size)
	}
}

func TestUpdatePricesMarksUnrealizedPnL(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)
	sym := types.NewSymbol("BTC", "USDT")

	c.ApplyFill(types.Fill{Symbol: sym, Side: types.Buy, Price: dec("50000"), Quantity: dec("1")})
	delta := c.UpdatePrices(map[types.Symbol]decimal.Decimal{sym: dec("55000")})

	if !delta.Equal(dec("5000")) {
		t.Errorf("delta = %v, want 5000", delta)
	}
	pos := c.Positions()[sym]
	if !pos.UnrealizedPnL.Equal(dec("5000")) {
		t.Errorf("UnrealizedPnL = %v, want 5000", pos.UnrealizedPnL)
	}
}

func TestCalculatePositionSize(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)

	qty := c.CalculatePositionSize(dec("50000"), dec("1000"), 0.02)
	// 1000 / (50000 * 0.02) = 1000/1000 = 1
	if !qty.Equal(dec("1")) {
		t.Errorf("qty = %v, want 1", qty)
	}
}

func TestSaveAndLoadStateRoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)
	sym := types.NewSymbol("BTC", "USDT")

	c.ApplyFill(types.Fill{Symbol: sym, Side: types.Buy, Price: dec("50000"), Quantity: dec("1"), Timestamp: time.Now()})
	if err := c.SaveState(); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	restored := NewCore(testLogger(), c.store)
	ok, err := restored.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !ok {
		t.Fatal("expected LoadState to find the saved snapshot")
	}

	pos, exists := restored.Positions()[sym]
	if !exists {
		t.Fatal("expected the restored position to exist")
	}
	if !pos.Size.Equal(dec("1")) {
		t.Errorf("Size = %v, want 1", pos.Size)
	}
}

func TestSummaryComputesWinRate(t *testing.T) {
	t.Parallel()
	c := newTestCore(t)
	sym := types.NewSymbol("BTC", "USDT")

	c.ApplyFill(types.Fill{Symbol: sym, Side: types.Buy, Price: dec("50000"), Quantity: dec("1")})
	c.ApplyFill(types.Fill{Symbol: sym, Side: types.Sell, Price: dec("55000"), Quantity: dec("1")}) // win

	c.ApplyFill(types.Fill{Symbol: sym, Side: types.Buy, Price: dec("50000"), Quantity: dec("1")})
	c.ApplyFill(types.Fill{Symbol: sym, Side: types.Sell, Price: dec("45000"), Quantity: dec("1")}) // loss

	summary := c.Summary()
	if !summary.WinRate.Equal(dec("0.5")) {
		t.Errorf("WinRate = %v, want 0.5", summary.WinRate)
	}
}
