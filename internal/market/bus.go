package market

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"coinflow-trader/pkg/types"
)

// DropPolicy controls what a subscriber's queue does when it fills up.
type DropPolicy int

const (
	// DropOldest discards the oldest queued event to make room for the
	// new one. Default for tickers and depth, where only the latest
	// state matters.
	DropOldest DropPolicy = iota
	// DropNewest discards the incoming event, keeping the queue as-is.
	DropNewest
	// Block makes Publish wait until the subscriber's queue has room,
	// pausing the publishing goroutine (typically a stream session).
	Block
)

// DefaultQueueDepth is the default bound on a subscriber's event queue.
const DefaultQueueDepth = 1024

// Event is one normalized market data item flowing through the bus.
type Event struct {
	ChannelType types.ChannelType
	Venue       string
	Symbol      types.Symbol
	Ticker      *types.Ticker
	Snapshot    *types.OrderBookSnapshot
	Delta       *types.OrderBookDelta
	Trade       *types.Trade
}

// Handler receives events for symbols it subscribed to. Handlers must not
// block; slow consumption only affects that subscriber's own queue, per
// the bus's per-subscriber isolation guarantee.
type Handler func(Event)

type subscriptionKey struct {
	channel types.ChannelType
	symbol  types.Symbol
}

type subscriber struct {
	id      uint64
	handler Handler
	policy  DropPolicy
	queue   chan Event
	drops   atomic.Uint64
	cancel  context.CancelFunc
}

// Bus is a symbol-partitioned publish/subscribe fabric. Events for the
// same (channel type, symbol) are delivered to a given subscriber in
// publish order; ordering across symbols is not guaranteed.
type Bus struct {
	logger *slog.Logger

	mu         sync.RWMutex
	subsByKey  map[subscriptionKey][]*subscriber
	nextID     uint64
	queueDepth int
}

// NewBus constructs an empty bus. queueDepth <= 0 uses DefaultQueueDepth.
func NewBus(logger *slog.Logger, queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Bus{
		logger:     logger,
		subsByKey:  make(map[subscriptionKey][]*subscriber),
		queueDepth: queueDepth,
	}
}

// Subscription is a handle returned by Subscribe, used to stop delivery
// and read the subscriber's drop counter.
type Subscription struct {
	bus *Bus
	key subscriptionKey
	sub *subscriber
}

// Subscribe attaches handler to receive events for (channelType, symbol).
// The subscriber's queue is drained by an internal goroutine that calls
// handler for each event; ctx cancellation stops that goroutine.
func (b *Bus) Subscribe(ctx context.Context, channelType types.ChannelType, symbol types.Symbol, policy DropPolicy, handler Handler) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		handler: handler,
		policy:  policy,
		queue:   make(chan Event, b.queueDepth),
		cancel:  cancel,
	}
	key := subscriptionKey{channel: channelType, symbol: symbol}
	b.subsByKey[key] = append(b.subsByKey[key], sub)
	b.mu.Unlock()

	go sub.drain(subCtx)

	return &Subscription{bus: b, key: key, sub: sub}
}

func (s *subscriber) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			s.handler(ev)
		}
	}
}

// Unsubscribe stops delivery and removes the subscriber from the bus.
func (s *Subscription) Unsubscribe() {
	s.sub.cancel()
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subsByKey[s.key]
	for i, sub := range subs {
		if sub == s.sub {
			s.bus.subsByKey[s.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Drops returns how many events have been dropped for this subscriber
// due to a full queue under DropOldest/DropNewest.
func (s *Subscription) Drops() uint64 {
	return s.sub.drops.Load()
}

// Publish delivers ev to every subscriber of (ev.ChannelType, ev.Symbol).
// Each subscriber's queue is governed by its own drop policy. Delivery is
// sequential: a Block subscriber whose queue is full pauses Publish, and
// with it delivery to the subscribers after it, until that queue has room.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	key := subscriptionKey{channel: ev.ChannelType, symbol: ev.Symbol}

	b.mu.RLock()
	subs := make([]*subscriber, len(b.subsByKey[key]))
	copy(subs, b.subsByKey[key])
	b.mu.RUnlock()

	for _, sub := range subs {
		deliver(ctx, sub, ev, b.logger)
	}
}

func deliver(ctx context.Context, sub *subscriber, ev Event, logger *slog.Logger) {
	switch sub.policy {
	case Block:
		select {
		case sub.queue <- ev:
		case <-ctx.Done():
		}
	case DropNewest:
		select {
		case sub.queue <- ev:
		default:
			sub.drops.Add(1)
		}
	default: // DropOldest
		for {
			select {
			case sub.queue <- ev:
				return
			default:
			}
			select {
			case <-sub.queue:
				sub.drops.Add(1)
			default:
				// Raced with the drain goroutine; retry the send.
			}
		}
	}
}

// BusSink adapts a Bus to exchange.EventSink, so a StreamSession can
// publish decoded events without importing this package. ctx bounds how
// long a Block-policy subscriber delivery may pause the calling session.
type BusSink struct {
	Bus *Bus
	Ctx context.Context
}

// Publish implements exchange.EventSink, translating a decoder's untyped
// event into the Bus's typed Event before publishing it.
func (s BusSink) Publish(channel types.ChannelType, symbol types.Symbol, event any) {
	ev := Event{ChannelType: channel, Symbol: symbol}
	switch e := event.(type) {
	case types.Ticker:
		ev.Venue = e.Venue
		ev.Ticker = &e
	case types.OrderBookSnapshot:
		ev.Venue = e.Venue
		ev.Snapshot = &e
	case types.OrderBookDelta:
		ev.Venue = e.Venue
		ev.Delta = &e
	case types.Trade:
		ev.Venue = e.Venue
		ev.Trade = &e
	default:
		return
	}
	s.Bus.Publish(s.Ctx, ev)
}
