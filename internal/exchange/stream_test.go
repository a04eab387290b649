package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coinflow-trader/pkg/types"
)

type fakeDecoder struct {
	subscribeCalls int
}

func (d *fakeDecoder) Decode(frame []byte) (any, types.ChannelType, types.Symbol, bool) {
	if strings.Contains(string(frame), "tick") {
		return string(frame), types.ChannelTicker, types.NewSymbol("BTC", "USDT"), true
	}
	return nil, "", "", false
}

func (d *fakeDecoder) SubscribeFrame(subs []Subscription) (any, error) {
	d.subscribeCalls++
	return map[string]string{"op": "subscribe"}, nil
}

func (d *fakeDecoder) UnsubscribeFrame(subs []Subscription) (any, error) {
	return map[string]string{"op": "unsubscribe"}, nil
}

func (d *fakeDecoder) AuthFrame() (any, error) {
	return nil, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []any
}

func (s *fakeSink) Publish(channel types.ChannelType, symbol types.Symbol, event any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

var upgrader = websocket.Upgrader{}

func TestStreamSessionConnectsAndDispatches(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("tick BTC/USDT"))
		// keep the connection open briefly so the client can read it.
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	decoder := &fakeDecoder{}
	sink := &fakeSink{}
	session := NewStreamSession("testvenue", wsURL, decoder, sink, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = session.Run(ctx)
		close(done)
	}()

	deadline := time.After(400 * time.Millisecond)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dispatched event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	<-done
}

func TestStreamSessionSubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	decoder := &fakeDecoder{}
	sink := &fakeSink{}
	session := NewStreamSession("testvenue", "ws://unused", decoder, sink, testLogger())

	sub := Subscription{Channel: types.ChannelTicker, Symbol: types.NewSymbol("BTC", "USDT")}
	// Not connected, so writeJSON fails — but the active-set bookkeeping
	// must still dedupe before attempting the frame.
	_ = session.Subscribe(sub)
	_ = session.Subscribe(sub)

	session.subMu.Lock()
	n := len(session.active)
	session.subMu.Unlock()
	if n != 1 {
		t.Errorf("expected exactly one active subscription, got %d", n)
	}
}
