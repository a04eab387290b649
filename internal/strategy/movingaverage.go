package strategy

import (
	"github.com/shopspring/decimal"

	"coinflow-trader/internal/market"
	"coinflow-trader/pkg/types"
)

// MovingAverageCross emits a buy signal when the fast average crosses
// above the slow average, and a sell signal on the reverse cross. It
// only considers ticker events (last trade price).
type MovingAverageCross struct {
	name     string
	symbol   types.Symbol
	fastLen  int
	slowLen  int
	lastSide int // -1 fast<slow, 0 unknown, 1 fast>slow
}

// NewMovingAverageCross builds a cross strategy for one symbol. fastLen
// and slowLen are expressed in number of ticker events, not wall-clock
// time; slowLen also determines the runtime's ring buffer size.
func NewMovingAverageCross(name string, symbol types.Symbol, fastLen, slowLen int) *MovingAverageCross {
	return &MovingAverageCross{name: name, symbol: symbol, fastLen: fastLen, slowLen: slowLen}
}

func (m *MovingAverageCross) Name() string { return m.name }

func (m *MovingAverageCross) Appetite() Appetite {
	return Appetite{
		Symbols:      []types.Symbol{m.symbol},
		ChannelTypes: []types.ChannelType{types.ChannelTicker},
		WindowSize:   m.slowLen,
	}
}

func (m *MovingAverageCross) OnEvent(window []market.Event, latest market.Event) *types.Signal {
	if latest.Ticker == nil {
		return nil
	}
	if len(window) < m.slowLen {
		return nil
	}

	fast := averageLast(window, m.fastLen)
	slow := averageLast(window, m.slowLen)
	if fast.IsZero() || slow.IsZero() {
		return nil
	}

	side := 0
	switch {
	case fast.GreaterThan(slow):
		side = 1
	case fast.LessThan(slow):
		side = -1
	}

	defer func() { m.lastSide = side }()

	if side == 0 || side == m.lastSide {
		return nil
	}

	spread := fast.Sub(slow).Abs().Div(slow)
	strength := clampUnit(spread.InexactFloat64() * 20)

	action := types.ActionSell
	if side == 1 {
		action = types.ActionBuy
	}

	return &types.Signal{
		Symbol:    m.symbol,
		Action:    action,
		Strength:  strength,
		Price:     latest.Ticker.Last,
		Strategy:  m.name,
		Timestamp: latest.Ticker.Timestamp,
	}
}

func averageLast(window []market.Event, n int) decimal.Decimal {
	if n <= 0 {
		return decimal.Zero
	}
	start := len(window) - n
	if start < 0 {
		start = 0
	}
	sum := decimal.Zero
	count := 0
	for _, ev := range window[start:] {
		if ev.Ticker == nil {
			continue
		}
		sum = sum.Add(ev.Ticker.Last)
		count++
	}
	if count == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(count)))
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
