// Package portfolio is the single authoritative owner of balances and
// positions. Every mutation — fill application, price update, state
// load — goes through Core under one lock, matching the single-writer
// discipline the rest of the engine assumes.
package portfolio

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coinflow-trader/internal/store"
	"coinflow-trader/pkg/types"
)

const snapshotName = "portfolio"

// Summary is the read-only view returned to callers (dashboard,
// reconciliation, risk gate).
type Summary struct {
	Equity         decimal.Decimal
	Cash           decimal.Decimal
	Positions      []types.Position
	RealizedPnL    decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	ReturnsPct     decimal.Decimal
	WinRate        decimal.Decimal
	Drawdown       decimal.Decimal
	PeakEquity     decimal.Decimal
}

// tradeRecord is one closed-trade outcome kept for win-rate computation.
type tradeRecord struct {
	Symbol      types.Symbol
	RealizedPnL decimal.Decimal
	ClosedAt    time.Time
}

// snapshotState is the persisted representation: balances, positions,
// trade log, and peak equity, exactly as spec.md's persistence model
// names them.
type snapshotState struct {
	Balances    map[string]types.Balance
	Positions   map[types.Symbol]types.Position
	TradeLog    []tradeRecord
	PeakEquity  decimal.Decimal
	StartEquity decimal.Decimal
}

// Core owns every Balance and Position record. No other component may
// mutate them directly.
type Core struct {
	logger *slog.Logger
	store  *store.Store

	mu          sync.Mutex
	balances    map[string]types.Balance
	positions   map[types.Symbol]types.Position
	tradeLog    []tradeRecord
	peakEquity  decimal.Decimal
	startEquity decimal.Decimal
}

// NewCore constructs an empty portfolio core backed by st for persistence.
func NewCore(logger *slog.Logger, st *store.Store) *Core {
	return &Core{
		logger:    logger.With("component", "portfolio"),
		store:     st,
		balances:  make(map[string]types.Balance),
		positions: make(map[types.Symbol]types.Position),
	}
}

// SeedBalance sets the starting balance for an asset. Intended for
// startup reconciliation against an adapter's get_balance, which is
// authoritative for balances even when a position snapshot was restored.
func (c *Core) SeedBalance(b types.Balance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[b.Asset] = b
}

// FillResult reports the deltas apply_fill produced.
type FillResult struct {
	BalanceDelta     map[string]decimal.Decimal
	PositionAfter    types.Position
	PositionClosed   bool
	RealizedPnLDelta decimal.Decimal
}

// ApplyFill is the only path by which a position or balance changes. A
// same-side fill extends the position at a size-weighted VWAP; an
// opposite-side fill realizes PnL and reduces size, opening a new
// opposite-side position with any excess quantity.
func (c *Core) ApplyFill(fill types.Fill) FillResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, hadPosition := c.positions[fill.Symbol]
	result := FillResult{BalanceDelta: make(map[string]decimal.Decimal)}

	if !hadPosition {
		c.positions[fill.Symbol] = openPosition(fill)
		result.PositionAfter = c.positions[fill.Symbol]
	} else if sameSide(existing, fill) {
		c.positions[fill.Symbol] = extendPosition(existing, fill)
		result.PositionAfter = c.positions[fill.Symbol]
	} else {
		updated, realized, closed, reopened := reducePosition(existing, fill)
		result.RealizedPnLDelta = realized
		c.recordTrade(fill.Symbol, realized)

		if closed && !reopened.Size.IsZero() {
			c.positions[fill.Symbol] = reopened
			result.PositionAfter = reopened
		} else if closed {
			delete(c.positions, fill.Symbol)
			result.PositionClosed = true
		} else {
			c.positions[fill.Symbol] = updated
			result.PositionAfter = updated
		}
	}

	c.applyFeeLocked(fill)
	result.BalanceDelta[fill.FeeAsset] = fill.Fee.Neg()

	return result
}

func (c *Core) applyFeeLocked(fill types.Fill) {
	bal := c.balances[fill.FeeAsset]
	bal.Asset = fill.FeeAsset
	bal.Free = bal.Free.Sub(fill.Fee)
	bal.Total = bal.Free.Add(bal.Used)
	c.balances[fill.FeeAsset] = bal
}

func (c *Core) recordTrade(symbol types.Symbol, realized decimal.Decimal) {
	if realized.IsZero() {
		return
	}
	c.tradeLog = append(c.tradeLog, tradeRecord{Symbol: symbol, RealizedPnL: realized, ClosedAt: time.Now()})
}

func sameSide(pos types.Position, fill types.Fill) bool {
	isLongFill := fill.Side == types.Buy
	return (pos.Side == types.PositionLong) == isLongFill
}

func openPosition(fill types.Fill) types.Position {
	side := types.PositionLong
	if fill.Side == types.Sell {
		side = types.PositionShort
	}
	return types.Position{
		Symbol:     fill.Symbol,
		Side:       side,
		Size:       fill.Quantity,
		EntryPrice: fill.Price,
		EntryTime:  fill.Timestamp,
	}
}

// extendPosition applies the VWAP formula for a same-side fill:
// new_avg = (old_size*old_avg + fill_size*fill_price) / (old_size + fill_size).
func extendPosition(pos types.Position, fill types.Fill) types.Position {
	totalSize := pos.Size.Add(fill.Quantity)
	numerator := pos.Size.Mul(pos.EntryPrice).Add(fill.Quantity.Mul(fill.Price))
	pos.EntryPrice = numerator.Div(totalSize)
	pos.Size = totalSize
	return pos
}

// reducePosition applies an opposite-side fill. It realizes PnL on the
// closed portion and, if the fill size exceeds the remaining position,
// opens a new position on the opposite side with the excess.
func reducePosition(pos types.Position, fill types.Fill) (updated types.Position, realized decimal.Decimal, closed bool, reopened types.Position) {
	closedSize := fill.Quantity
	excess := decimal.Zero
	if fill.Quantity.GreaterThan(pos.Size) {
		closedSize = pos.Size
		excess = fill.Quantity.Sub(pos.Size)
	}

	diff := fill.Price.Sub(pos.EntryPrice)
	if pos.Side == types.PositionShort {
		diff = diff.Neg()
	}
	realized = diff.Mul(closedSize)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)

	pos.Size = pos.Size.Sub(closedSize)

	if pos.Size.IsZero() {
		closed = true
		if excess.IsPositive() {
			flipFill := fill
			flipFill.Quantity = excess
			reopened = openPosition(flipFill)
		}
		return pos, realized, closed, reopened
	}
	return pos, realized, false, types.Position{}
}

// UpdatePrices marks every held position to the given prices and returns
// the aggregate unrealized PnL delta.
func (c *Core) UpdatePrices(prices map[types.Symbol]decimal.Decimal) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()

	delta := decimal.Zero
	for sym, pos := range c.positions {
		price, ok := prices[sym]
		if !ok {
			continue
		}
		before := pos.UnrealizedPnL
		diff := price.Sub(pos.EntryPrice)
		if pos.Side == types.PositionShort {
			diff = diff.Neg()
		}
		pos.UnrealizedPnL = diff.Mul(pos.Size)
		c.positions[sym] = pos
		delta = delta.Add(pos.UnrealizedPnL.Sub(before))
	}
	return delta
}

// CalculatePositionSize sizes a trade so that riskAmount covers the
// distance to the stop loss: qty = riskAmount / (price * stopLossPct).
func (c *Core) CalculatePositionSize(price, riskAmount decimal.Decimal, stopLossPct float64) decimal.Decimal {
	if price.IsZero() || stopLossPct <= 0 {
		return decimal.Zero
	}
	denom := price.Mul(decimal.NewFromFloat(stopLossPct))
	if denom.IsZero() {
		return decimal.Zero
	}
	return riskAmount.Div(denom)
}

// Positions returns a defensive copy of all open positions.
func (c *Core) Positions() map[types.Symbol]types.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[types.Symbol]types.Position, len(c.positions))
	for k, v := range c.positions {
		out[k] = v
	}
	return out
}

// Balances returns a defensive copy of every asset balance.
func (c *Core) Balances() map[string]types.Balance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]types.Balance, len(c.balances))
	for k, v := range c.balances {
		out[k] = v
	}
	return out
}

// Equity returns cash plus the mark-to-market value of all positions'
// entry notional plus unrealized PnL.
func (c *Core) Equity() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.equityLocked()
}

func (c *Core) equityLocked() decimal.Decimal {
	total := decimal.Zero
	for _, bal := range c.balances {
		total = total.Add(bal.Total)
	}
	for _, pos := range c.positions {
		total = total.Add(pos.Size.Mul(pos.EntryPrice)).Add(pos.UnrealizedPnL)
	}
	if total.GreaterThan(c.peakEquity) {
		c.peakEquity = total
	}
	return total
}

// Summary aggregates equity, PnL, drawdown, and win rate for reporting.
func (c *Core) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	equity := c.equityLocked()

	var realized, unrealized decimal.Decimal
	positions := make([]types.Position, 0, len(c.positions))
	for _, pos := range c.positions {
		realized = realized.Add(pos.RealizedPnL)
		unrealized = unrealized.Add(pos.UnrealizedPnL)
		positions = append(positions, pos)
	}
	for _, t := range c.tradeLog {
		realized = realized.Add(t.RealizedPnL)
	}

	wins := 0
	for _, t := range c.tradeLog {
		if t.RealizedPnL.IsPositive() {
			wins++
		}
	}
	winRate := decimal.Zero
	if len(c.tradeLog) > 0 {
		winRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(c.tradeLog))))
	}

	drawdown := decimal.Zero
	if c.peakEquity.IsPositive() {
		drawdown = c.peakEquity.Sub(equity).Div(c.peakEquity)
	}

	returns := decimal.Zero
	if c.startEquity.IsPositive() {
		returns = equity.Sub(c.startEquity).Div(c.startEquity)
	}

	return Summary{
		Equity:        equity,
		Cash:          c.cashLocked(),
		Positions:     positions,
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		ReturnsPct:    returns,
		WinRate:       winRate,
		Drawdown:      drawdown,
		PeakEquity:    c.peakEquity,
	}
}

// DailyPnLPoint is one calendar day's realized-PnL bucket.
type DailyPnLPoint struct {
	Date        string
	RealizedPnL decimal.Decimal
	Trades      int
}

// DailyPnL buckets closed-trade realized PnL into one entry per calendar
// day over the trailing `days` window, oldest first. days<=0 defaults to
// 7.
func (c *Core) DailyPnL(days int) []DailyPnLPoint {
	if days <= 0 {
		days = 7
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -(days - 1))
	buckets := make(map[string]*DailyPnLPoint)
	for _, t := range c.tradeLog {
		if t.ClosedAt.Before(cutoff) {
			continue
		}
		key := t.ClosedAt.Format("2006-01-02")
		b, ok := buckets[key]
		if !ok {
			b = &DailyPnLPoint{Date: key}
			buckets[key] = b
		}
		b.RealizedPnL = b.RealizedPnL.Add(t.RealizedPnL)
		b.Trades++
	}

	dates := make([]string, 0, len(buckets))
	for k := range buckets {
		dates = append(dates, k)
	}
	sort.Strings(dates)

	out := make([]DailyPnLPoint, 0, len(dates))
	for _, d := range dates {
		out = append(out, *buckets[d])
	}
	return out
}

func (c *Core) cashLocked() decimal.Decimal {
	cash := decimal.Zero
	for _, bal := range c.balances {
		cash = cash.Add(bal.Total)
	}
	return cash
}

// SaveState persists balances, positions, the trade log, and peak equity
// as a single atomic JSON snapshot.
func (c *Core) SaveState() error {
	c.mu.Lock()
	state := snapshotState{
		Balances:    c.balances,
		Positions:   c.positions,
		TradeLog:    c.tradeLog,
		PeakEquity:  c.peakEquity,
		StartEquity: c.startEquity,
	}
	c.mu.Unlock()

	if err := c.store.Save(snapshotName, state); err != nil {
		return fmt.Errorf("save portfolio state: %w", err)
	}
	return nil
}

// LoadState restores a previously saved snapshot, if any. Persisted
// position state is authoritative; balances should be reconciled against
// each adapter's get_balance afterward via SeedBalance, since an adapter
// may lack full fill history but always reports current balances.
func (c *Core) LoadState() (bool, error) {
	var state snapshotState
	ok, err := c.store.Load(snapshotName, &state)
	if err != nil {
		return false, fmt.Errorf("load portfolio state: %w", err)
	}
	if !ok {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if state.Balances != nil {
		c.balances = state.Balances
	}
	if state.Positions != nil {
		c.positions = state.Positions
	}
	c.tradeLog = state.TradeLog
	c.peakEquity = state.PeakEquity
	c.startEquity = state.StartEquity
	if c.startEquity.IsZero() {
		c.startEquity = c.equityLocked()
	}
	return true, nil
}
