package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinflow-trader/internal/market"
	"coinflow-trader/pkg/types"
)

func tickerEvent(sym types.Symbol, price string) market.Event {
	p, err := decimal.NewFromString(price)
	if err != nil {
		panic(err)
	}
	return market.Event{
		ChannelType: types.ChannelTicker,
		Symbol:      sym,
		Ticker:      &types.Ticker{Symbol: sym, Last: p, Timestamp: time.Now()},
	}
}

func TestMovingAverageCrossRequiresFullWindow(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	s := NewMovingAverageCross("ma", sym, 2, 4)

	var window []market.Event
	for i := 0; i < 3; i++ {
		ev := tickerEvent(sym, "100")
		window = append(window, ev)
		if sig := s.OnEvent(window, ev); sig != nil {
			t.Fatalf("expected no signal before window fills, got %+v", sig)
		}
	}
}

func TestMovingAverageCrossEmitsBuyOnUpCross(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	s := NewMovingAverageCross("ma", sym, 2, 4)

	prices := []string{"100", "100", "100", "100", "110", "130"}
	var window []market.Event
	var lastSignal *types.Signal
	for _, p := range prices {
		ev := tickerEvent(sym, p)
		window = append(window, ev)
		if sig := s.OnEvent(window, ev); sig != nil {
			lastSignal = sig
		}
	}

	if lastSignal == nil {
		t.Fatal("expected a signal once the fast average crossed above the slow average")
	}
	if lastSignal.Action != types.ActionBuy {
		t.Errorf("Action = %v, want buy", lastSignal.Action)
	}
}

func TestMovingAverageCrossIgnoresNonTickerEvents(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("BTC", "USDT")
	s := NewMovingAverageCross("ma", sym, 2, 4)

	ev := market.Event{ChannelType: types.ChannelTrade, Symbol: sym}
	if sig := s.OnEvent([]market.Event{ev}, ev); sig != nil {
		t.Errorf("expected nil signal for a non-ticker event, got %+v", sig)
	}
}

func TestMovingAverageCrossAppetite(t *testing.T) {
	t.Parallel()
	sym := types.NewSymbol("ETH", "USDT")
	s := NewMovingAverageCross("ma", sym, 5, 20)
	app := s.Appetite()
	if app.WindowSize != 20 {
		t.Errorf("WindowSize = %d, want 20", app.WindowSize)
	}
	if len(app.Symbols) != 1 || app.Symbols[0] != sym {
		t.Errorf("Symbols = %v, want [%v]", app.Symbols, sym)
	}
}
