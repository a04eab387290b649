// stream.go implements C5: one streaming session per adapter instance,
// carrying the Disconnected → Connecting → Connected → Subscribed state
// machine and the reconnect/resubscribe/heartbeat policy from the venue
// contract. Message decoding is venue-specific and supplied via Decoder;
// this file owns everything else: connection lifecycle, subscription
// bookkeeping, auth handshake sequencing, and dispatch to the bus.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coinflow-trader/internal/xerrors"
	"coinflow-trader/pkg/types"
)

// SessionState is one node of the C5 state machine.
type SessionState int

const (
	Disconnected SessionState = iota
	Connecting
	Connected
	Subscribed
	Reconnecting
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Subscribed:
		return "subscribed"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	baseReconnectWait = 1 * time.Second
	maxReconnectWait  = 30 * time.Second
	reconnectJitter   = 0.2 // ±20%
	pingInterval      = 20 * time.Second
	pongDeadline      = 10 * time.Second
	writeTimeout      = 10 * time.Second
)

// Subscription identifies one streaming subscription.
type Subscription struct {
	Channel types.ChannelType
	Symbol  types.Symbol
}

// Decoder is implemented once per venue: it turns a raw inbound frame
// into a normalized event dispatched to the bus, and builds the
// venue-native subscribe/unsubscribe/auth frames.
type Decoder interface {
	// Decode parses a raw frame and returns a normalized event. ok is
	// false for frames that carry no dispatchable event (heartbeats,
	// acks, informational notices).
	Decode(frame []byte) (event any, channel types.ChannelType, symbol types.Symbol, ok bool)
	SubscribeFrame(subs []Subscription) (any, error)
	UnsubscribeFrame(subs []Subscription) (any, error)
	// AuthFrame returns the handshake frame for private channels, or nil
	// if the venue requires no explicit auth frame (e.g. signed URL).
	AuthFrame() (any, error)
}

// EventSink receives normalized events dispatched from the session for
// publication onto the Market Data Bus.
type EventSink interface {
	Publish(channel types.ChannelType, symbol types.Symbol, event any)
}

// StreamSession owns one WebSocket connection for one adapter instance.
type StreamSession struct {
	venue   string
	url     string
	decoder Decoder
	sink    EventSink
	logger  *slog.Logger

	mu    sync.Mutex
	state SessionState
	conn  *websocket.Conn

	subMu         sync.Mutex
	active        map[Subscription]bool
	needsAuth     bool
	authenticated bool
}

// NewStreamSession builds a session bound to one venue's decoder and the
// bus it publishes onto.
func NewStreamSession(venue, url string, decoder Decoder, sink EventSink, logger *slog.Logger) *StreamSession {
	return &StreamSession{
		venue:   venue,
		url:     url,
		decoder: decoder,
		sink:    sink,
		logger:  logger.With("component", "stream", "venue", venue),
		state:   Disconnected,
		active:  make(map[Subscription]bool),
	}
}

// State returns the session's current state.
func (s *StreamSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StreamSession) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the connect/read/reconnect loop until ctx is cancelled.
func (s *StreamSession) Run(ctx context.Context) error {
	wait := baseReconnectWait
	for {
		s.setState(Connecting)
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return ctx.Err()
		}

		if xerrors.Is(err, xerrors.KindAuth) {
			s.logger.Warn("auth failed, staying connected for public channels only", "error", err)
		} else {
			s.logger.Warn("stream disconnected, reconnecting", "error", err, "wait", wait)
		}

		s.setState(Reconnecting)
		jittered := jitter(wait, reconnectJitter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

func jitter(d time.Duration, pct float64) time.Duration {
	delta := float64(d) * pct
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// Subscribe adds subscriptions and, once connected, sends the frame
// immediately. Duplicate subscriptions are idempotent.
func (s *StreamSession) Subscribe(subs ...Subscription) error {
	s.subMu.Lock()
	fresh := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		if !s.active[sub] {
			s.active[sub] = true
			fresh = append(fresh, sub)
		}
	}
	s.subMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	frame, err := s.decoder.SubscribeFrame(fresh)
	if err != nil {
		return fmt.Errorf("build subscribe frame: %w", err)
	}
	return s.writeJSON(frame)
}

// Unsubscribe removes subscriptions and, if connected, sends the frame.
func (s *StreamSession) Unsubscribe(subs ...Subscription) error {
	s.subMu.Lock()
	for _, sub := range subs {
		delete(s.active, sub)
	}
	s.subMu.Unlock()

	frame, err := s.decoder.UnsubscribeFrame(subs)
	if err != nil {
		return fmt.Errorf("build unsubscribe frame: %w", err)
	}
	return s.writeJSON(frame)
}

// Close tears down the underlying connection.
func (s *StreamSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		s.state = Disconnected
		return err
	}
	return nil
}

func (s *StreamSession) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.KindNetwork, "dial stream", err).WithVenue(s.venue)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = Connected
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	s.subMu.Lock()
	s.authenticated = false
	hasPrivate := false
	resubs := make([]Subscription, 0, len(s.active))
	for sub := range s.active {
		resubs = append(resubs, sub)
		if sub.Channel == types.ChannelUser {
			hasPrivate = true
		}
	}
	s.subMu.Unlock()

	if hasPrivate {
		if err := s.authenticate(); err != nil {
			s.logger.Warn("user channel auth failed", "error", err)
		}
	}
	if len(resubs) > 0 {
		frame, err := s.decoder.SubscribeFrame(resubs)
		if err != nil {
			return fmt.Errorf("resubscribe after connect: %w", err)
		}
		if err := s.writeJSON(frame); err != nil {
			return fmt.Errorf("resubscribe after connect: %w", err)
		}
	}
	s.setState(Subscribed)
	s.logger.Info("stream connected")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongDeadline))
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongDeadline))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return xerrors.Wrap(xerrors.KindNetwork, "read frame", err).WithVenue(s.venue)
		}
		s.dispatch(frame)
	}
}

func (s *StreamSession) authenticate() error {
	frame, err := s.decoder.AuthFrame()
	if err != nil {
		return xerrors.Wrap(xerrors.KindAuth, "build auth frame", err).WithVenue(s.venue)
	}
	if frame == nil {
		s.authenticated = true
		return nil
	}
	if err := s.writeJSON(frame); err != nil {
		return xerrors.Wrap(xerrors.KindAuth, "send auth frame", err).WithVenue(s.venue)
	}
	s.authenticated = true
	return nil
}

func (s *StreamSession) dispatch(frame []byte) {
	event, channel, symbol, ok := s.decoder.Decode(frame)
	if !ok {
		return
	}
	s.sink.Publish(channel, symbol, event)
}

func (s *StreamSession) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writePing(); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *StreamSession) writePing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *StreamSession) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}
