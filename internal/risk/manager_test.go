package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinflow-trader/internal/config"
	"coinflow-trader/internal/xerrors"
	"coinflow-trader/pkg/types"
)

func testRiskConfig() config.RiskManagementConfig {
	return config.RiskManagementConfig{
		MaxPositionSize: 0.5,
		MaxRiskPerTrade: 0.02,
		StopLossPct:     0.05,
		MaxDailyTrades:  10,
		MaxDrawdownPct:  0.2,
	}
}

func newTestGate() *Gate {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewGate(testRiskConfig(), logger)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func baseAccount() AccountState {
	return AccountState{
		Equity:     dec("100000"),
		PeakEquity: dec("100000"),
		Positions:  map[types.Symbol]types.Position{},
	}
}

func allCaps() types.Capabilities {
	return types.Capabilities{
		SupportedOrderTypes: map[types.OrderType]bool{
			types.OrderTypeMarket: true,
			types.OrderTypeLimit:  true,
		},
	}
}

func TestValidateApprovesWithinLimits(t *testing.T) {
	t.Parallel()
	g := newTestGate()
	sym := types.NewSymbol("BTC", "USDT")

	intent := types.TradeIntent{
		Symbol:      sym,
		Action:      types.ActionBuy,
		Quantity:    dec("0.1"),
		TargetPrice: dec("50000"),
		StopLoss:    dec("49000"),
	}

	order, err := g.Validate(intent, baseAccount(), "binance", allCaps(), time.Now())
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if order.Venue != "binance" {
		t.Errorf("Venue = %q, want binance", order.Venue)
	}
}

func TestValidateRejectsZeroQuantityIntent(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	intent := types.TradeIntent{
		Symbol:      types.NewSymbol("BTC", "USDT"),
		Action:      types.ActionBuy,
		TargetPrice: dec("50000"),
		// Quantity left at its zero value.
	}

	_, err := g.Validate(intent, baseAccount(), "binance", allCaps(), time.Now())
	if !xerrors.Is(err, xerrors.KindInvalidOrder) {
		t.Errorf("expected KindInvalidOrder for a zero-quantity intent, got %v", err)
	}
}

func TestValidateTranslatesMarketOrderToIOC(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	intent := types.TradeIntent{
		Symbol:      types.NewSymbol("BTC", "USDT"),
		Action:      types.ActionBuy,
		Quantity:    dec("0.01"),
		TargetPrice: dec("50000"),
		StopLoss:    dec("49500"),
	}

	order, err := g.Validate(intent, baseAccount(), "binance", allCaps(), time.Now())
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if order.Type != types.OrderTypeMarket {
		t.Errorf("Type = %v, want market", order.Type)
	}
	if order.TimeInForce != types.TIFIOC {
		t.Errorf("TimeInForce = %v, want IOC", order.TimeInForce)
	}
	if !order.Price.Equal(intent.TargetPrice) {
		t.Errorf("Price = %v, want the untranslated target price %v", order.Price, intent.TargetPrice)
	}
}

func TestValidateRejectsWhenKillSwitchActive(t *testing.T) {
	t.Parallel()
	g := newTestGate()
	g.SetKillSwitch(true)

	intent := types.TradeIntent{
		Symbol:      types.NewSymbol("BTC", "USDT"),
		Action:      types.ActionBuy,
		Quantity:    dec("0.1"),
		TargetPrice: dec("50000"),
	}

	_, err := g.Validate(intent, baseAccount(), "binance", allCaps(), time.Now())
	if !xerrors.Is(err, xerrors.KindKillSwitch) {
		t.Errorf("expected KindKillSwitch, got %v", err)
	}
}

func TestValidateRejectsExcessivePerTradeRisk(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	intent := types.TradeIntent{
		Symbol:      types.NewSymbol("BTC", "USDT"),
		Action:      types.ActionBuy,
		Quantity:    dec("10"),
		TargetPrice: dec("50000"),
		StopLoss:    dec("25000"), // 50% stop distance, far beyond 2% risk budget
	}

	_, err := g.Validate(intent, baseAccount(), "binance", allCaps(), time.Now())
	if !xerrors.Is(err, xerrors.KindRiskRejected) {
		t.Errorf("expected KindRiskRejected, got %v", err)
	}
}

func TestValidateRejectsConcentration(t *testing.T) {
	t.Parallel()
	g := newTestGate()
	sym := types.NewSymbol("BTC", "USDT")

	account := baseAccount()
	account.Positions[sym] = types.Position{
		Symbol:     sym,
		Size:       dec("1"),
		EntryPrice: dec("50000"),
	}

	intent := types.TradeIntent{
		Symbol:      sym,
		Action:      types.ActionBuy,
		Quantity:    dec("0.001"),
		TargetPrice: dec("50000"),
		StopLoss:    dec("49500"),
	}

	_, err := g.Validate(intent, account, "binance", allCaps(), time.Now())
	if !xerrors.Is(err, xerrors.KindRiskRejected) {
		t.Errorf("expected KindRiskRejected from concentration check, got %v", err)
	}
}

func TestValidateRejectsDrawdown(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	account := baseAccount()
	account.Equity = dec("70000") // 30% down from peak, over the 20% limit

	intent := types.TradeIntent{
		Symbol:      types.NewSymbol("BTC", "USDT"),
		Action:      types.ActionBuy,
		Quantity:    dec("0.01"),
		TargetPrice: dec("50000"),
		StopLoss:    dec("49500"),
	}

	_, err := g.Validate(intent, account, "binance", allCaps(), time.Now())
	if !xerrors.Is(err, xerrors.KindDrawdown) {
		t.Errorf("expected KindDrawdown, got %v", err)
	}
}

func TestValidateRejectsDailyTradeCount(t *testing.T) {
	t.Parallel()
	g := newTestGate()
	g.cfg.MaxDailyTrades = 1
	now := time.Now()
	g.RecordFill(now)

	intent := types.TradeIntent{
		Symbol:      types.NewSymbol("BTC", "USDT"),
		Action:      types.ActionBuy,
		Quantity:    dec("0.01"),
		TargetPrice: dec("50000"),
		StopLoss:    dec("49500"),
	}

	_, err := g.Validate(intent, baseAccount(), "binance", allCaps(), now)
	if !xerrors.Is(err, xerrors.KindRiskRejected) {
		t.Errorf("expected KindRiskRejected from daily trade count, got %v", err)
	}
}

func TestValidatePrunesOldFillsFromDailyCount(t *testing.T) {
	t.Parallel()
	g := newTestGate()
	g.cfg.MaxDailyTrades = 1

	old := time.Now().Add(-25 * time.Hour)
	g.RecordFill(old)

	intent := types.TradeIntent{
		Symbol:      types.NewSymbol("BTC", "USDT"),
		Action:      types.ActionBuy,
		Quantity:    dec("0.01"),
		TargetPrice: dec("50000"),
		StopLoss:    dec("49500"),
	}

	_, err := g.Validate(intent, baseAccount(), "binance", allCaps(), time.Now())
	if err != nil {
		t.Errorf("expected approval once the stale fill ages out, got %v", err)
	}
}

func TestValidateTranslatesUnsupportedMarketToLimit(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	caps := types.Capabilities{SupportedOrderTypes: map[types.OrderType]bool{types.OrderTypeLimit: true}}

	intent := types.TradeIntent{
		Symbol:      types.NewSymbol("BTC", "USDT"),
		Action:      types.ActionBuy,
		Quantity:    dec("0.01"),
		TargetPrice: dec("50000"),
		StopLoss:    dec("49500"),
	}

	order, err := g.Validate(intent, baseAccount(), "kraken", caps, time.Now())
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if order.Type != types.OrderTypeLimit {
		t.Errorf("Type = %v, want limit fallback", order.Type)
	}
	if order.TimeInForce != types.TIFIOC {
		t.Errorf("TimeInForce = %v, want IOC for a market-to-limit translation", order.TimeInForce)
	}
	// 1% past the target, on the buy side, away from the market.
	wantPrice := dec("50500")
	if !order.Price.Equal(wantPrice) {
		t.Errorf("Price = %v, want far-book price %v", order.Price, wantPrice)
	}
}

func TestValidateRejectsWhenVenueSupportsNeitherOrderType(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	caps := types.Capabilities{SupportedOrderTypes: map[types.OrderType]bool{}}

	intent := types.TradeIntent{
		Symbol:      types.NewSymbol("BTC", "USDT"),
		Action:      types.ActionBuy,
		Quantity:    dec("0.01"),
		TargetPrice: dec("50000"),
		StopLoss:    dec("49500"),
	}

	_, err := g.Validate(intent, baseAccount(), "kraken", caps, time.Now())
	if !xerrors.Is(err, xerrors.KindUnsupported) {
		t.Errorf("expected KindUnsupported, got %v", err)
	}
}

func TestApplyCorrelationAdjustmentScalesQuantity(t *testing.T) {
	t.Parallel()
	g := newTestGate()
	sym := types.NewSymbol("BTC", "USDT")

	account := baseAccount()
	account.CorrelationBySymbol = map[types.Symbol]float64{sym: 0.8}

	intent := types.TradeIntent{Symbol: sym, Quantity: dec("10")}
	adjusted := g.applyCorrelationAdjustment(intent, account)

	// factor = 1 - 0.5*0.8 = 0.6
	want := dec("6")
	if !adjusted.Equal(want) {
		t.Errorf("adjusted quantity = %v, want %v", adjusted, want)
	}
}
