// Package engine is the central orchestrator of the trading system.
//
// It wires together every subsystem:
//
//  1. Registry constructs and connects one adapter per configured venue.
//  2. Each adapter's StreamSession publishes normalized market data onto
//     the shared Bus via a BusSink.
//  3. Strategy Runtime evaluates registered strategies against the bus
//     and emits Signals into the Signal Combiner.
//  4. On a fixed tick, the Combiner's per-symbol decision becomes a
//     TradeIntent, which the Risk Gate validates into an ExecutionOrder.
//  5. Execution Engine places the order, reconciles uncertain placements,
//     and applies resulting fills through the Portfolio Core.
//
// Lifecycle: New() → Start() → [runs until ctx cancellation] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coinflow-trader/internal/config"
	"coinflow-trader/internal/exchange"
	"coinflow-trader/internal/execution"
	"coinflow-trader/internal/market"
	"coinflow-trader/internal/portfolio"
	"coinflow-trader/internal/risk"
	"coinflow-trader/internal/signal"
	"coinflow-trader/internal/store"
	"coinflow-trader/internal/strategy"
	"coinflow-trader/pkg/types"
)

// sinkSetter is satisfied by every built-in adapter; it is narrower than
// exchange.Adapter because wiring the bus sink is a composition-root
// concern, not part of the venue-facing contract.
type sinkSetter interface {
	SetSink(exchange.EventSink)
}

// evaluationTick is how often each symbol's pending signals are drained
// into a trade decision, when the combiner doesn't specify its own
// window.
const evaluationTick = time.Second

// Engine orchestrates every component of the trading system. It owns the
// lifecycle of all goroutines and the wiring between them.
type Engine struct {
	cfg       config.Config
	registry  *exchange.Registry
	adapters  map[string]exchange.Adapter
	bus       *market.Bus
	runtime   *strategy.Runtime
	combiner  *signal.Combiner
	riskGate  *risk.Gate
	portfolio *portfolio.Core
	execution *execution.Engine
	store     *store.Store
	logger    *slog.Logger

	symbols []types.Symbol

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs and wires every component. It connects to every
// configured venue, so it can fail if credentials are rejected or a
// venue is unreachable.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	engineCtx, cancel := context.WithCancel(ctx)

	st, err := store.Open(cfg.Store.DataDir, cfg.Store.BackupCount)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := exchange.NewRegistry(logger)
	registry.RegisterBuiltins()

	bus := market.NewBus(logger, market.DefaultQueueDepth)

	adapters := make(map[string]exchange.Adapter, len(cfg.Exchanges))
	for venue, venueCfg := range cfg.Exchanges {
		adapter, err := registry.Create(engineCtx, venue, venueCfg)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create %s adapter: %w", venue, err)
		}
		if setter, ok := adapter.(sinkSetter); ok {
			setter.SetSink(market.BusSink{Bus: bus, Ctx: engineCtx})
		}
		adapters[venue] = adapter
	}

	symbols := make([]types.Symbol, 0, len(cfg.Trading.Symbols))
	for _, s := range cfg.Trading.Symbols {
		symbols = append(symbols, parseSymbol(s))
	}
	portfolioCore := portfolio.NewCore(logger, st)
	riskGate := risk.NewGate(cfg.Trading.RiskManagement, logger)
	execEngine := execution.NewEngine(logger, adapters, portfolioCore, !cfg.EnableLiveTrading)
	execEngine.SetMaxHoldHours(cfg.Trading.RiskManagement.MaxHoldHours)

	threshold := cfg.Trading.SignalThreshold
	if threshold <= 0 {
		threshold = signal.DefaultThreshold
	}
	combiner := signal.NewCombiner(cfg.Trading.StrategyWeights, threshold, signal.DefaultEvaluationWindow)

	e := &Engine{
		cfg:       cfg,
		registry:  registry,
		adapters:  adapters,
		bus:       bus,
		combiner:  combiner,
		riskGate:  riskGate,
		portfolio: portfolioCore,
		execution: execEngine,
		store:     st,
		logger:    logger.With("component", "engine"),
		symbols:   symbols,
		ctx:       engineCtx,
		cancel:    cancel,
	}

	e.runtime = strategy.NewRuntime(logger, bus, e.onSignal)
	if err := e.registerStrategies(); err != nil {
		cancel()
		return nil, err
	}

	if restored, err := portfolioCore.LoadState(); err != nil {
		logger.Warn("failed to restore portfolio state", "error", err)
	} else if restored {
		logger.Info("restored portfolio state from snapshot")
	}

	return e, nil
}

// registerStrategies instantiates one strategy instance per configured
// name per symbol and registers it with the runtime.
func (e *Engine) registerStrategies() error {
	for _, name := range e.cfg.Trading.Strategies {
		for _, sym := range e.symbols {
			var s strategy.Strategy
			switch name {
			case "moving_average_cross":
				s = strategy.NewMovingAverageCross(name, sym, 5, 20)
			case "rsi":
				s = strategy.NewRSI(name, sym, 14)
			default:
				return fmt.Errorf("engine: unknown strategy %q", name)
			}
			e.runtime.Register(s)
		}
	}
	return nil
}

// Start launches all background goroutines: streaming sessions, the
// periodic signal evaluation loop, and the trigger supervisor.
func (e *Engine) Start() error {
	for venue, adapter := range e.adapters {
		stream := adapter.Stream()
		if stream == nil {
			continue
		}
		subs := make([]exchange.Subscription, 0, len(e.symbols)*2)
		for _, sym := range e.symbols {
			subs = append(subs,
				exchange.Subscription{Channel: types.ChannelTicker, Symbol: sym},
				exchange.Subscription{Channel: types.ChannelTrade, Symbol: sym},
			)
		}

		e.wg.Add(1)
		go func(venue string, stream *exchange.StreamSession) {
			defer e.wg.Done()
			if err := stream.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("stream session ended", "venue", venue, "error", err)
			}
		}(venue, stream)

		if err := stream.Subscribe(subs...); err != nil {
			e.logger.Error("initial subscribe failed", "venue", venue, "error", err)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runEvaluationLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTickerSupervisor()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTimeBasedStopSupervisor()
	}()

	return nil
}

// timeBasedStopCheckInterval is how often open triggers are swept for
// the time-based stop (max_hold_hours) — far coarser than the
// price-driven ticker supervisor since a stale position only needs to be
// caught within minutes, not ticks.
const timeBasedStopCheckInterval = time.Minute

// runTimeBasedStopSupervisor periodically force-closes any position that
// has been held longer than trading.risk_management.max_hold_hours.
func (e *Engine) runTimeBasedStopSupervisor() {
	ticker := time.NewTicker(timeBasedStopCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			e.execution.CheckTimeBasedStops(e.ctx, now)
		}
	}
}

// Stop gracefully shuts down: cancels all contexts, waits for goroutines,
// persists portfolio state, and disconnects every adapter.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.wg.Wait()

	if err := e.portfolio.SaveState(); err != nil {
		e.logger.Error("failed to save portfolio state on shutdown", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), exchange.ShutdownDeadline)
	defer shutdownCancel()
	if err := e.registry.ShutdownAll(shutdownCtx); err != nil {
		e.logger.Error("adapter shutdown incomplete", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// onSignal is the runtime's callback for every signal a strategy emits.
// It forwards the signal into the combiner; the actual trade decision is
// made on the periodic evaluation tick, not per-signal, so multiple
// strategies' opinions about the same symbol can be weighed together.
func (e *Engine) onSignal(sig types.Signal) {
	e.combiner.Submit(sig)
}

// runEvaluationLoop drains the combiner for every tracked symbol on a
// fixed tick and routes any resulting decision through the risk gate and
// execution engine.
func (e *Engine) runEvaluationLoop() {
	window := e.combiner.Window()
	if window <= 0 {
		window = evaluationTick
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range e.symbols {
				e.evaluateSymbol(sym)
			}
		}
	}
}

func (e *Engine) evaluateSymbol(sym types.Symbol) {
	intent, ok := e.combiner.Evaluate(sym)
	if !ok {
		return
	}

	if intent.Action == types.ActionHold {
		return
	}

	intent = e.sizeIntent(intent)

	venue, caps, ok := e.preferredVenue(sym)
	if !ok {
		e.logger.Warn("no connected venue supports symbol", "symbol", sym)
		return
	}

	account := risk.AccountState{
		Equity:     e.portfolio.Equity(),
		PeakEquity: e.portfolio.Summary().PeakEquity,
		Positions:  e.portfolio.Positions(),
	}

	order, err := e.riskGate.Validate(intent, account, venue, caps, time.Now())
	if err != nil {
		e.logger.Info("trade intent rejected by risk gate", "symbol", sym, "error", err)
		return
	}

	placed, err := e.execution.Place(e.ctx, order)
	if err != nil {
		e.logger.Error("order placement failed", "symbol", sym, "venue", venue, "error", err)
		return
	}
	e.riskGate.RecordFill(time.Now())
	e.logger.Info("order placed", "symbol", sym, "venue", venue, "order_id", placed.OrderID)
}

// defaultStopLossPct and defaultTakeProfitPct back-stop sizeIntent when
// trading.risk_management leaves stop_loss_pct/take_profit_pct unset.
const (
	defaultStopLossPct   = 0.02
	defaultTakeProfitPct = 0.04
)

// sizeIntent turns a combiner decision (action, target price, strength)
// into a concrete order size: it derives Quantity from
// portfolio.CalculatePositionSize against the configured per-trade risk
// budget, and sets StopLoss/TakeProfit on either side of TargetPrice so
// later risk checks and the execution engine's trigger supervisor have
// real levels to work with.
func (e *Engine) sizeIntent(intent types.TradeIntent) types.TradeIntent {
	rm := e.cfg.Trading.RiskManagement

	stopLossPct := rm.StopLossPct
	if stopLossPct <= 0 {
		stopLossPct = defaultStopLossPct
	}
	takeProfitPct := rm.TakeProfitPct
	if takeProfitPct <= 0 {
		takeProfitPct = defaultTakeProfitPct
	}

	riskAmount := e.portfolio.Equity().Mul(decimal.NewFromFloat(rm.MaxRiskPerTrade))
	intent.Quantity = e.portfolio.CalculatePositionSize(intent.TargetPrice, riskAmount, stopLossPct)

	slDist := intent.TargetPrice.Mul(decimal.NewFromFloat(stopLossPct))
	tpDist := intent.TargetPrice.Mul(decimal.NewFromFloat(takeProfitPct))
	switch intent.Action {
	case types.ActionBuy:
		intent.StopLoss = intent.TargetPrice.Sub(slDist)
		intent.TakeProfit = intent.TargetPrice.Add(tpDist)
	case types.ActionSell:
		intent.StopLoss = intent.TargetPrice.Add(slDist)
		intent.TakeProfit = intent.TargetPrice.Sub(tpDist)
	}

	return intent
}

// preferredVenue returns one connected adapter and its capabilities: the
// first one Go's map iteration yields, so which venue wins is not fixed
// when several are configured. It does not check whether that venue
// lists sym. Venue selection beyond "first available" (best price,
// lowest fee) is not part of the current single-decision-per-tick design.
func (e *Engine) preferredVenue(sym types.Symbol) (string, types.Capabilities, bool) {
	for venue, adapter := range e.adapters {
		return venue, adapter.Capabilities(), true
	}
	return "", types.Capabilities{}, false
}

// runTickerSupervisor subscribes to ticker events on the bus for every
// tracked symbol and feeds them into the portfolio mark-to-market and
// the execution engine's stop-loss/take-profit supervisor.
func (e *Engine) runTickerSupervisor() {
	for _, sym := range e.symbols {
		sym := sym
		e.bus.Subscribe(e.ctx, types.ChannelTicker, sym, market.DropOldest, func(ev market.Event) {
			if ev.Ticker == nil {
				return
			}
			e.portfolio.UpdatePrices(map[types.Symbol]decimal.Decimal{sym: ev.Ticker.Last})
			e.execution.CheckTriggers(e.ctx, sym, ev.Ticker.Last)
		})
	}
	<-e.ctx.Done()
}

// Portfolio exposes the portfolio core for the observability surface.
func (e *Engine) Portfolio() *portfolio.Core {
	return e.portfolio
}

// RiskGate exposes the risk gate for the observability surface and
// operator kill-switch control.
func (e *Engine) RiskGate() *risk.Gate {
	return e.riskGate
}

// parseSymbol accepts either canonical "BASE/QUOTE" config entries or a
// bare concatenated pair like "BTCUSDT", splitting evenly when no
// separator is present.
func parseSymbol(raw string) types.Symbol {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if base, quote, ok := strings.Cut(raw, "/"); ok {
		return types.NewSymbol(base, quote)
	}
	mid := len(raw) / 2
	return types.NewSymbol(raw[:mid], raw[mid:])
}
