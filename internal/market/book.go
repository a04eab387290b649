// Package market implements C6 (the Market Data Bus) and the local
// order-book mirror that strategies read from.
//
// Book maintains one symbol's bid/ask ladder, kept in sync from a venue's
// snapshot+delta stream. It enforces the reconciliation invariant: a
// delta whose FirstUpdateID does not immediately follow the last applied
// update forces a fresh snapshot fetch rather than applying a possibly
// gapped update.
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coinflow-trader/pkg/types"
)

// Book is a concurrency-safe local mirror of one venue's order book for
// one symbol.
type Book struct {
	mu            sync.RWMutex
	venue         string
	symbol        types.Symbol
	bids          []types.PriceLevel // sorted descending by price
	asks          []types.PriceLevel // sorted ascending by price
	lastUpdateID  int64
	updated       time.Time
	needsSnapshot bool
}

// NewBook creates an empty mirror for one (venue, symbol) pair. It starts
// needing a snapshot: the first delta is always treated as a gap.
func NewBook(venue string, symbol types.Symbol) *Book {
	return &Book{venue: venue, symbol: symbol, needsSnapshot: true}
}

// ApplySnapshot replaces the book wholesale. Snapshots are always
// accepted regardless of sequence state.
func (b *Book) ApplySnapshot(snap types.OrderBookSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = snap.Bids
	b.asks = snap.Asks
	b.lastUpdateID = snap.LastUpdateID
	b.updated = snap.Timestamp
	b.needsSnapshot = false
}

// ApplyDelta applies an incremental update. If the delta does not
// immediately follow the last applied update (FirstUpdateID >
// lastUpdateID+1, or the book currently needs a snapshot), it is
// dropped and NeedsSnapshot becomes true so the caller re-fetches a
// fresh snapshot before further deltas can apply.
func (b *Book) ApplyDelta(delta types.OrderBookDelta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.needsSnapshot || delta.FirstUpdateID > b.lastUpdateID+1 {
		b.needsSnapshot = true
		return
	}
	if delta.LastUpdateID <= b.lastUpdateID {
		return // stale, already applied
	}

	b.bids = mergeLevels(b.bids, delta.Bids, true)
	b.asks = mergeLevels(b.asks, delta.Asks, false)
	b.lastUpdateID = delta.LastUpdateID
	b.updated = delta.Timestamp
}

// mergeLevels applies delta levels onto the existing ladder: a level
// with zero size removes that price, otherwise it replaces or inserts,
// keeping the slice sorted (descending for bids, ascending for asks).
func mergeLevels(existing []types.PriceLevel, deltas []types.PriceLevel, descending bool) []types.PriceLevel {
	byPrice := make(map[string]decimal.Decimal, len(existing))
	for _, lvl := range existing {
		byPrice[lvl.Price.String()] = lvl.Size
	}

	for _, d := range deltas {
		key := d.Price.String()
		if d.Size.IsZero() {
			delete(byPrice, key)
			continue
		}
		byPrice[key] = d.Size
	}

	merged := make([]types.PriceLevel, 0, len(byPrice))
	for key, size := range byPrice {
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		merged = append(merged, types.PriceLevel{Price: price, Size: size})
	}

	sortLevels(merged, descending)
	return merged
}

func sortLevels(levels []types.PriceLevel, descending bool) {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0; j-- {
			less := levels[j].Price.LessThan(levels[j-1].Price)
			if descending {
				less = !less
			}
			if !less {
				break
			}
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
}

// BestBidAsk returns the top of book, or ok=false if either side is empty.
func (b *Book) BestBidAsk() (bid, ask decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	return b.bids[0].Price, b.asks[0].Price, true
}

// MidPrice returns (bestBid+bestAsk)/2, or ok=false if the book is empty
// on either side.
func (b *Book) MidPrice() (decimal.Decimal, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// NeedsSnapshot reports whether the next delta should be preceded by a
// fresh snapshot fetch.
func (b *Book) NeedsSnapshot() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.needsSnapshot
}

// IsStale reports whether the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last applied snapshot or delta.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// Snapshot returns a defensive copy of the current book state.
func (b *Book) Snapshot() types.OrderBookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bids := make([]types.PriceLevel, len(b.bids))
	copy(bids, b.bids)
	asks := make([]types.PriceLevel, len(b.asks))
	copy(asks, b.asks)
	return types.OrderBookSnapshot{
		Venue:        b.venue,
		Symbol:       b.symbol,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: b.lastUpdateID,
		Timestamp:    b.updated,
	}
}
