// Package strategy implements the per-(strategy, symbol) evaluation
// runtime: a bounded ring buffer of recent market events feeding
// polymorphic strategies that may emit trading signals.
package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"coinflow-trader/internal/market"
	"coinflow-trader/pkg/types"
)

// DefaultCPUBudget is the per-event time allowance before a strategy is
// flagged as slow.
const DefaultCPUBudget = 50 * time.Millisecond

// degradeAfter is the number of consecutive CPU-budget overruns before a
// strategy is marked degraded and its signals down-weighted.
const degradeAfter = 3

// degradedWeightFactor scales a degraded strategy's signal strength.
const degradedWeightFactor = 0.5

// Strategy is the polymorphic contract every trading strategy implements.
// A strategy receives market data only through OnEvent and may keep its
// own state between calls (the built-in crossing detectors do);
// cross-strategy communication is forbidden.
type Strategy interface {
	// Name uniquely identifies the strategy for weighting and logging.
	Name() string
	// Appetite declares which symbols and channel types this strategy
	// wants to see, and how large its ring buffer should be.
	Appetite() Appetite
	// OnEvent is invoked once per matching market event with the
	// strategy's current window of buffered events. It returns a signal,
	// or nil to emit nothing for this event.
	OnEvent(window []market.Event, latest market.Event) *types.Signal
}

// Appetite describes a strategy's data requirements.
type Appetite struct {
	Symbols      []types.Symbol
	ChannelTypes []types.ChannelType
	WindowSize   int
}

// ringBuffer is a fixed-capacity buffer of the most recent events for one
// (strategy, symbol) pair.
type ringBuffer struct {
	events []market.Event
	cap    int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) append(ev market.Event) {
	r.events = append(r.events, ev)
	if len(r.events) > r.cap {
		r.events = r.events[len(r.events)-r.cap:]
	}
}

// strategyState tracks per-strategy health and per-symbol buffers.
type strategyState struct {
	strategy      Strategy
	buffersBySym  map[types.Symbol]*ringBuffer
	overrunStreak int
	degraded      bool
}

// Runtime evaluates registered strategies against the market data bus and
// emits signals for the combiner to aggregate.
type Runtime struct {
	logger *slog.Logger
	bus    *market.Bus

	mu        sync.Mutex
	states    map[string]*strategyState
	cpuBudget time.Duration
	onSignal  func(types.Signal)
}

// NewRuntime constructs an empty runtime wired to bus. onSignal is called
// for every signal a strategy emits (a degraded strategy's signal has its
// Strength scaled down before onSignal is invoked).
func NewRuntime(logger *slog.Logger, bus *market.Bus, onSignal func(types.Signal)) *Runtime {
	return &Runtime{
		logger:    logger,
		bus:       bus,
		states:    make(map[string]*strategyState),
		cpuBudget: DefaultCPUBudget,
		onSignal:  onSignal,
	}
}

// SetCPUBudget overrides the default per-event CPU budget. Intended for
// tests.
func (rt *Runtime) SetCPUBudget(d time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.cpuBudget = d
}

// Register subscribes s to the bus per its declared appetite. Registration
// is static: call Register for every strategy during startup, not while
// evaluation is running.
func (rt *Runtime) Register(s Strategy) {
	appetite := s.Appetite()
	windowSize := appetite.WindowSize
	if windowSize <= 0 {
		windowSize = 100
	}

	state := &strategyState{
		strategy:     s,
		buffersBySym: make(map[types.Symbol]*ringBuffer),
	}
	for _, sym := range appetite.Symbols {
		state.buffersBySym[sym] = newRingBuffer(windowSize)
	}

	rt.mu.Lock()
	rt.states[s.Name()] = state
	rt.mu.Unlock()

	for _, sym := range appetite.Symbols {
		for _, ch := range appetite.ChannelTypes {
			rt.bus.Subscribe(context.Background(), ch, sym, market.DropOldest, func(ev market.Event) {
				rt.evaluate(s.Name(), ev)
			})
		}
	}
}

func (rt *Runtime) evaluate(name string, ev market.Event) {
	rt.mu.Lock()
	state, ok := rt.states[name]
	rt.mu.Unlock()
	if !ok {
		return
	}

	rt.mu.Lock()
	buf, ok := state.buffersBySym[ev.Symbol]
	rt.mu.Unlock()
	if !ok {
		return
	}

	rt.mu.Lock()
	buf.append(ev)
	window := make([]market.Event, len(buf.events))
	copy(window, buf.events)
	budget := rt.cpuBudget
	rt.mu.Unlock()

	start := time.Now()
	signal := state.strategy.OnEvent(window, ev)
	elapsed := time.Since(start)

	rt.mu.Lock()
	if elapsed > budget {
		state.overrunStreak++
		rt.logger.Warn("strategy exceeded cpu budget",
			"strategy", name, "elapsed", elapsed, "budget", budget, "streak", state.overrunStreak)
		if state.overrunStreak >= degradeAfter && !state.degraded {
			state.degraded = true
			rt.logger.Warn("strategy marked degraded", "strategy", name)
		}
	} else {
		state.overrunStreak = 0
	}
	degraded := state.degraded
	rt.mu.Unlock()

	if signal == nil {
		return
	}
	if degraded {
		signal.Strength = signal.Strength * degradedWeightFactor
	}
	if rt.onSignal != nil {
		rt.onSignal(*signal)
	}
}
