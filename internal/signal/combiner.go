// Package signal implements the evaluation-window aggregation of
// concurrent strategy signals into a single trade intent per symbol.
package signal

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coinflow-trader/pkg/types"
)

// DefaultEvaluationWindow is how long signals accumulate before the
// combiner scores them.
const DefaultEvaluationWindow = time.Second

// DefaultThreshold is the minimum normalized winning score required to
// emit a non-hold intent.
const DefaultThreshold = 0.3

// defaultWeight is used for any strategy name with no configured weight.
const defaultWeight = 1.0

// Combiner aggregates strategy signals per symbol over a rolling
// evaluation window and emits a TradeIntent on each tick.
type Combiner struct {
	weights   map[string]float64
	threshold float64
	window    time.Duration

	mu      sync.Mutex
	pending map[types.Symbol][]types.Signal
}

// NewCombiner builds a combiner. weights maps strategy name to its
// contribution weight; an unlisted strategy defaults to weight 1.0.
// threshold <= 0 uses DefaultThreshold, window <= 0 uses
// DefaultEvaluationWindow.
func NewCombiner(weights map[string]float64, threshold float64, window time.Duration) *Combiner {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultEvaluationWindow
	}
	return &Combiner{
		weights:   weights,
		threshold: threshold,
		window:    window,
		pending:   make(map[types.Symbol][]types.Signal),
	}
}

// Window reports the combiner's evaluation window.
func (c *Combiner) Window() time.Duration { return c.window }

// Submit records a signal for aggregation on the next Evaluate call for
// its symbol.
func (c *Combiner) Submit(sig types.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[sig.Symbol] = append(c.pending[sig.Symbol], sig)
}

func (c *Combiner) weightFor(strategy string) float64 {
	if w, ok := c.weights[strategy]; ok {
		return w
	}
	return defaultWeight
}

// Evaluate drains all signals submitted for symbol since the last
// evaluation and returns the resulting TradeIntent, or ok=false if there
// was nothing to evaluate.
func (c *Combiner) Evaluate(symbol types.Symbol) (types.TradeIntent, bool) {
	c.mu.Lock()
	signals := c.pending[symbol]
	delete(c.pending, symbol)
	c.mu.Unlock()

	if len(signals) == 0 {
		return types.TradeIntent{}, false
	}

	var buyScore, sellScore, totalWeight float64
	buyPriceWeighted, sellPriceWeighted := decimal.Zero, decimal.Zero
	buyWeightSum, sellWeightSum := decimal.Zero, decimal.Zero
	for _, sig := range signals {
		w := c.weightFor(sig.Strategy)
		totalWeight += absFloat(w)
		dw := decimal.NewFromFloat(w)
		switch sig.Action {
		case types.ActionBuy:
			buyScore += w * sig.Strength
			buyPriceWeighted = buyPriceWeighted.Add(sig.Price.Mul(dw))
			buyWeightSum = buyWeightSum.Add(dw)
		case types.ActionSell:
			sellScore += w * sig.Strength
			sellPriceWeighted = sellPriceWeighted.Add(sig.Price.Mul(dw))
			sellWeightSum = sellWeightSum.Add(dw)
		}
	}

	action := types.ActionHold
	winning, losing := 0.0, 0.0
	switch {
	case buyScore > sellScore:
		action, winning, losing = types.ActionBuy, buyScore, sellScore
	case sellScore > buyScore:
		action, winning, losing = types.ActionSell, sellScore, buyScore
	}

	if action == types.ActionHold || totalWeight == 0 {
		return types.TradeIntent{
			Symbol:             symbol,
			Action:             types.ActionHold,
			OriginatingSignals: signals,
		}, true
	}

	normalized := winning / totalWeight
	if normalized < c.threshold {
		return types.TradeIntent{
			Symbol:             symbol,
			Action:             types.ActionHold,
			OriginatingSignals: signals,
		}, true
	}

	strength := clampUnit(winning - losing)

	var targetPrice decimal.Decimal
	switch action {
	case types.ActionBuy:
		if buyWeightSum.IsPositive() {
			targetPrice = buyPriceWeighted.Div(buyWeightSum)
		}
	case types.ActionSell:
		if sellWeightSum.IsPositive() {
			targetPrice = sellPriceWeighted.Div(sellWeightSum)
		}
	}

	return types.TradeIntent{
		Symbol:             symbol,
		Action:             action,
		Strength:           strength,
		TargetPrice:        targetPrice,
		OriginatingSignals: signals,
	}, true
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
