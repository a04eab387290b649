package strategy

import (
	"github.com/shopspring/decimal"

	"coinflow-trader/internal/market"
	"coinflow-trader/pkg/types"
)

const (
	rsiOverbought = 70.0
	rsiOversold   = 30.0
)

// RSI emits a sell signal when the relative strength index crosses above
// the overbought threshold and a buy signal when it crosses below the
// oversold threshold. Strength scales with distance past the threshold.
type RSI struct {
	name    string
	symbol  types.Symbol
	period  int
	wasHigh bool
	wasLow  bool
}

// NewRSI builds an RSI strategy for one symbol with the given lookback
// period (in ticker events).
func NewRSI(name string, symbol types.Symbol, period int) *RSI {
	return &RSI{name: name, symbol: symbol, period: period}
}

func (r *RSI) Name() string { return r.name }

func (r *RSI) Appetite() Appetite {
	return Appetite{
		Symbols:      []types.Symbol{r.symbol},
		ChannelTypes: []types.ChannelType{types.ChannelTicker},
		WindowSize:   r.period + 1,
	}
}

func (r *RSI) OnEvent(window []market.Event, latest market.Event) *types.Signal {
	if latest.Ticker == nil {
		return nil
	}
	if len(window) < r.period+1 {
		return nil
	}

	value := computeRSI(window, r.period)
	isHigh := value >= rsiOverbought
	isLow := value <= rsiOversold

	defer func() {
		r.wasHigh = isHigh
		r.wasLow = isLow
	}()

	switch {
	case isHigh && !r.wasHigh:
		return &types.Signal{
			Symbol:    r.symbol,
			Action:    types.ActionSell,
			Strength:  clampUnit((value - rsiOverbought) / (100 - rsiOverbought)),
			Price:     latest.Ticker.Last,
			Strategy:  r.name,
			Timestamp: latest.Ticker.Timestamp,
		}
	case isLow && !r.wasLow:
		return &types.Signal{
			Symbol:    r.symbol,
			Action:    types.ActionBuy,
			Strength:  clampUnit((rsiOversold - value) / rsiOversold),
			Price:     latest.Ticker.Last,
			Strategy:  r.name,
			Timestamp: latest.Ticker.Timestamp,
		}
	}
	return nil
}

// computeRSI implements the standard Wilder average-gain/average-loss
// formula over the last period+1 ticker prices in window.
func computeRSI(window []market.Event, period int) float64 {
	start := len(window) - period - 1
	if start < 0 {
		start = 0
	}
	slice := window[start:]

	gains := decimal.Zero
	losses := decimal.Zero
	var prev decimal.Decimal
	havePrev := false
	count := 0

	for _, ev := range slice {
		if ev.Ticker == nil {
			continue
		}
		price := ev.Ticker.Last
		if havePrev {
			delta := price.Sub(prev)
			if delta.IsPositive() {
				gains = gains.Add(delta)
			} else {
				losses = losses.Add(delta.Abs())
			}
			count++
		}
		prev = price
		havePrev = true
	}

	if count == 0 {
		return 50.0
	}

	n := decimal.NewFromInt(int64(count))
	avgGain := gains.Div(n)
	avgLoss := losses.Div(n)

	if avgLoss.IsZero() {
		return 100.0
	}

	rs := avgGain.Div(avgLoss)
	hundred := decimal.NewFromInt(100)
	rsi := hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
	f, _ := rsi.Float64()
	return f
}
