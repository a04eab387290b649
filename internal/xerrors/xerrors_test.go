package xerrors

import (
	"errors"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	t.Parallel()

	err := New(KindRateLimited, "429 from venue")
	if !Is(err, KindRateLimited) {
		t.Error("expected Is to match KindRateLimited")
	}
	if Is(err, KindAuth) {
		t.Error("expected Is not to match KindAuth")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: timeout")
	err := Wrap(KindNetwork, "placing order", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
	if !errors.Is(err, ErrNetwork) {
		t.Error("expected errors.Is to find the network sentinel")
	}
}

func TestWithCorrelationIDAndVenueChaining(t *testing.T) {
	t.Parallel()

	err := New(KindUncertainPlacement, "no response before timeout").
		WithCorrelationID("req-123").
		WithVenue("binance")

	if err.CorrelationID != "req-123" {
		t.Errorf("CorrelationID = %q, want req-123", err.CorrelationID)
	}
	if err.Venue != "binance" {
		t.Errorf("Venue = %q, want binance", err.Venue)
	}
	msg := err.Error()
	if msg == "" {
		t.Fatal("Error() returned empty string")
	}
}

func TestUnknownKindFallsBackToInternal(t *testing.T) {
	t.Parallel()

	err := New(Kind("bogus"), "surprise")
	if !errors.Is(err, ErrInternal) {
		t.Error("expected unknown kind to fall back to ErrInternal sentinel")
	}
}
