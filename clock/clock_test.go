package clock

import "testing"

func TestClockPublish(t *testing.T) {
	var c Clock
	c.Publish(1000, 1024, 1.0002, 1000+1024*NsecPerSec/48000)

	if got := c.Nsec(); got != 1000 {
		t.Errorf("Nsec() = %d, want 1000", got)
	}
	if got := c.Position(); got != 1024 {
		t.Errorf("Position() = %d, want 1024", got)
	}
	if got := c.Duration(); got != 1024 {
		t.Errorf("Duration() = %d, want 1024", got)
	}
	if got := c.RateDiff(); got != 1.0002 {
		t.Errorf("RateDiff() = %v, want 1.0002", got)
	}

	c.Publish(2000, 1024, 0.999, 3000)
	if got := c.Position(); got != 2048 {
		t.Errorf("Position() after second tick = %d, want 2048 (cumulative)", got)
	}
}

func TestRateMatchActive(t *testing.T) {
	var rm RateMatch
	if rm.Active() {
		t.Fatalf("zero-value RateMatch should not be active")
	}
	rm.SetRate(1.0005)
	rm.SetActive(true)
	if !rm.Active() {
		t.Fatalf("SetActive(true) did not set ACTIVE flag")
	}
	if got := rm.GetRate(); got != 1.0005 {
		t.Errorf("GetRate() = %v, want 1.0005", got)
	}
	rm.SetActive(false)
	if rm.Active() {
		t.Fatalf("SetActive(false) did not clear ACTIVE flag")
	}
}

func TestPositionRateDefaultsNumeratorToOne(t *testing.T) {
	var p Position
	p.RateDenom.Store(48000)
	num, denom := p.Rate()
	if num != 1 || denom != 48000 {
		t.Errorf("Rate() = (%d, %d), want (1, 48000)", num, denom)
	}
}
