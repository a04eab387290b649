// Package risk validates every proposed trade against portfolio-level
// limits before it reaches the execution engine.
//
// The gate checks, in order: the global kill switch, per-trade risk
// sizing, position concentration, portfolio drawdown, the rolling
// daily-trade count, correlation-adjusted sizing, and venue capability.
// The first failing rule rejects the trade with its ErrorKind; if
// every rule passes the gate returns a possibly resized ExecutionOrder.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coinflow-trader/internal/config"
	"coinflow-trader/internal/xerrors"
	"coinflow-trader/pkg/types"
)

// AccountState is the portfolio snapshot the gate evaluates a trade
// against. It is supplied by the caller (the portfolio core) on every
// Validate call rather than owned by the gate.
type AccountState struct {
	Equity            decimal.Decimal
	PeakEquity        decimal.Decimal
	Positions         map[types.Symbol]types.Position
	// CorrelationBySymbol maps a candidate symbol to its equity-weighted
	// average correlation against current positions, when available.
	CorrelationBySymbol map[types.Symbol]float64
}

// Gate enforces RiskManagementConfig's limits against every TradeIntent
// before it becomes an ExecutionOrder.
type Gate struct {
	cfg    config.RiskManagementConfig
	logger *slog.Logger

	mu               sync.Mutex
	killSwitchActive bool
	dailyFillTimes   []time.Time
}

// NewGate constructs a risk gate from trading.risk_management config.
func NewGate(cfg config.RiskManagementConfig, logger *slog.Logger) *Gate {
	return &Gate{cfg: cfg, logger: logger.With("component", "risk")}
}

// SetKillSwitch engages or releases the global kill switch. Engaging it
// rejects every TradeIntent until released.
func (g *Gate) SetKillSwitch(active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killSwitchActive = active
	if active {
		g.logger.Error("kill switch engaged")
	} else {
		g.logger.Info("kill switch released")
	}
}

// IsKillSwitchActive reports the current kill switch state.
func (g *Gate) IsKillSwitchActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killSwitchActive
}

// RecordFill registers a fill's timestamp for the rolling daily-trade
// count. Call this once per fill applied by the portfolio core.
func (g *Gate) RecordFill(at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dailyFillTimes = append(g.dailyFillTimes, at)
	g.pruneDailyFillsLocked(at)
}

func (g *Gate) pruneDailyFillsLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for ; i < len(g.dailyFillTimes); i++ {
		if g.dailyFillTimes[i].After(cutoff) {
			break
		}
	}
	g.dailyFillTimes = g.dailyFillTimes[i:]
}

func (g *Gate) dailyTradeCount(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneDailyFillsLocked(now)
	return len(g.dailyFillTimes)
}

// Validate checks intent against every risk rule in order and, if all
// pass, returns an approved ExecutionOrder sized for the chosen venue's
// capabilities.
func (g *Gate) Validate(intent types.TradeIntent, account AccountState, venue string, caps types.Capabilities, now time.Time) (types.ExecutionOrder, error) {
	if g.IsKillSwitchActive() {
		return types.ExecutionOrder{}, xerrors.New(xerrors.KindKillSwitch, "kill switch active").WithVenue(venue)
	}

	if intent.Action != types.ActionBuy && intent.Action != types.ActionSell {
		return types.ExecutionOrder{}, xerrors.New(xerrors.KindRiskRejected, "intent action is not actionable")
	}

	if !intent.Quantity.IsPositive() {
		return types.ExecutionOrder{}, xerrors.New(xerrors.KindInvalidOrder, "zero-quantity intent")
	}

	notional := intent.Quantity.Mul(intent.TargetPrice)

	if err := g.checkPerTradeRisk(intent, notional, account); err != nil {
		return types.ExecutionOrder{}, err
	}
	if err := g.checkConcentration(intent, notional, account); err != nil {
		return types.ExecutionOrder{}, err
	}
	if err := g.checkDrawdown(account); err != nil {
		return types.ExecutionOrder{}, err
	}
	if err := g.checkDailyTradeCount(now); err != nil {
		return types.ExecutionOrder{}, err
	}

	resizedQty := g.applyCorrelationAdjustment(intent, account)

	orderType, tif, price, err := g.translateOrderType(caps, venue, intent.Action, intent.TargetPrice)
	if err != nil {
		return types.ExecutionOrder{}, err
	}

	return types.ExecutionOrder{
		Intent:      intent,
		Venue:       venue,
		Quantity:    resizedQty,
		Type:        orderType,
		Price:       price,
		TimeInForce: tif,
	}, nil
}

// checkPerTradeRisk enforces: notional * stop-loss distance <=
// max_risk_per_trade * equity.
func (g *Gate) checkPerTradeRisk(intent types.TradeIntent, notional decimal.Decimal, account AccountState) error {
	if account.Equity.IsZero() {
		return xerrors.New(xerrors.KindRiskRejected, "account equity is zero")
	}

	stopDistance := g.stopLossDistance(intent)
	risked := notional.Mul(stopDistance)
	maxRisk := account.Equity.Mul(decimal.NewFromFloat(g.cfg.MaxRiskPerTrade))

	if risked.GreaterThan(maxRisk) {
		return xerrors.New(xerrors.KindRiskRejected, fmt.Sprintf(
			"per-trade risk %s exceeds limit %s", risked, maxRisk))
	}
	return nil
}

// stopLossDistance returns the fractional distance between the target
// price and the stop loss, defaulting to the configured StopLossPct when
// the intent does not carry an explicit stop (1% if StopLossPct is unset).
func (g *Gate) stopLossDistance(intent types.TradeIntent) decimal.Decimal {
	if intent.StopLoss.IsZero() || intent.TargetPrice.IsZero() {
		if g.cfg.StopLossPct > 0 {
			return decimal.NewFromFloat(g.cfg.StopLossPct)
		}
		return decimal.NewFromFloat(0.01)
	}
	return intent.TargetPrice.Sub(intent.StopLoss).Abs().Div(intent.TargetPrice)
}

// checkConcentration enforces: post-trade position notional <=
// max_position_size * equity.
func (g *Gate) checkConcentration(intent types.TradeIntent, notional decimal.Decimal, account AccountState) error {
	existing := decimal.Zero
	if pos, ok := account.Positions[intent.Symbol]; ok {
		existing = pos.Size.Mul(pos.EntryPrice)
	}
	postTrade := existing.Add(notional)
	maxPosition := account.Equity.Mul(decimal.NewFromFloat(g.cfg.MaxPositionSize))

	if postTrade.GreaterThan(maxPosition) {
		return xerrors.New(xerrors.KindRiskRejected, fmt.Sprintf(
			"post-trade position %s exceeds concentration limit %s", postTrade, maxPosition))
	}
	return nil
}

// checkDrawdown enforces: (peak_equity - current_equity) / peak_equity <
// max_drawdown.
func (g *Gate) checkDrawdown(account AccountState) error {
	if account.PeakEquity.IsZero() {
		return nil
	}
	drawdown := account.PeakEquity.Sub(account.Equity).Div(account.PeakEquity)
	if drawdown.GreaterThanOrEqual(decimal.NewFromFloat(g.cfg.MaxDrawdownPct)) {
		return xerrors.New(xerrors.KindDrawdown, fmt.Sprintf(
			"drawdown %s exceeds limit %.4f", drawdown, g.cfg.MaxDrawdownPct))
	}
	return nil
}

// checkDailyTradeCount enforces the rolling 24h fill count ceiling.
func (g *Gate) checkDailyTradeCount(now time.Time) error {
	if count := g.dailyTradeCount(now); count >= g.cfg.MaxDailyTrades {
		return xerrors.New(xerrors.KindRiskRejected, fmt.Sprintf(
			"daily trade count %d reached limit %d", count, g.cfg.MaxDailyTrades))
	}
	return nil
}

// applyCorrelationAdjustment scales the intended quantity down by
// 1 - 0.5*|correlation| when a correlation figure is available for the
// symbol, per the correlation-adjustment rule.
func (g *Gate) applyCorrelationAdjustment(intent types.TradeIntent, account AccountState) decimal.Decimal {
	if account.CorrelationBySymbol == nil {
		return intent.Quantity
	}
	rho, ok := account.CorrelationBySymbol[intent.Symbol]
	if !ok {
		return intent.Quantity
	}
	if rho < 0 {
		rho = -rho
	}
	factor := 1 - 0.5*rho
	if factor < 0 {
		factor = 0
	}
	return intent.Quantity.Mul(decimal.NewFromFloat(factor))
}

// farBookSlippagePct is how far past the target price a market order
// translated into a limit order reaches, so it crosses the spread and
// fills immediately as IOC instead of resting on the book like a
// regular limit order would.
const farBookSlippagePct = 0.01

// translateOrderType picks the order type the intent implies — a native
// market order where the venue supports one — and checks the venue can
// accept it. When the venue has no market order type, it translates to
// an IOC limit priced past the target (far side of book: above for
// buys, below for sells) so it behaves like a marketable order rather
// than resting.
func (g *Gate) translateOrderType(caps types.Capabilities, venue string, action types.SignalAction, targetPrice decimal.Decimal) (types.OrderType, types.TimeInForce, decimal.Decimal, error) {
	if caps.Supports(types.OrderTypeMarket) {
		return types.OrderTypeMarket, types.TIFIOC, targetPrice, nil
	}
	if caps.Supports(types.OrderTypeLimit) {
		return types.OrderTypeLimit, types.TIFIOC, farBookPrice(action, targetPrice), nil
	}
	return "", "", decimal.Decimal{}, xerrors.New(xerrors.KindUnsupported, "venue supports neither market nor limit orders").WithVenue(venue)
}

// farBookPrice pushes targetPrice past the near side of the book by
// farBookSlippagePct so a translated limit order crosses the spread
// immediately instead of waiting to be hit.
func farBookPrice(action types.SignalAction, targetPrice decimal.Decimal) decimal.Decimal {
	if targetPrice.IsZero() {
		return targetPrice
	}
	slip := targetPrice.Mul(decimal.NewFromFloat(farBookSlippagePct))
	if action == types.ActionSell {
		return targetPrice.Sub(slip)
	}
	return targetPrice.Add(slip)
}
