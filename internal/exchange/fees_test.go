package exchange

import "testing"

func TestFeeScheduleForKnownVenue(t *testing.T) {
	t.Parallel()
	fs := FeeScheduleFor("kraken")
	if !fs.TakerBps.Equal(decimalBps(26)) {
		t.Errorf("kraken taker bps = %s, want 26", fs.TakerBps)
	}
}

func TestFeeScheduleForUnknownVenueFallsBackToDefault(t *testing.T) {
	t.Parallel()
	fs := FeeScheduleFor("some-new-venue")
	if !fs.TakerBps.Equal(decimalBps(10)) {
		t.Errorf("expected default 10bps taker fee, got %s", fs.TakerBps)
	}
}
