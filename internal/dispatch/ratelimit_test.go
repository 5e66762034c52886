package dispatch

import (
	"testing"
	"time"
)

// limiterAt returns a limiter with a controllable clock.
func limiterAt(start time.Time) (*Limiter, *time.Time) {
	now := start
	l := NewLimiter(DefaultMaxCallsPerMinute, DefaultMinCallInterval)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestBurstAdmitsExactlyWindowCap(t *testing.T) {
	t.Parallel()
	l, _ := limiterAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	admitted := 0
	for i := 0; i < 15; i++ {
		if ok, _ := l.Admit(); ok {
			admitted++
		}
	}
	if admitted != 10 {
		t.Errorf("admitted %d of 15 burst calls, want 10", admitted)
	}
}

func TestTwelveCallsInFiveSecondsAdmitsTen(t *testing.T) {
	t.Parallel()
	l, now := limiterAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	admitted := 0
	for i := 0; i < 12; i++ {
		if ok, _ := l.Admit(); ok {
			admitted++
		}
		*now = now.Add(417 * time.Millisecond) // ~12 calls across 5s
	}
	if admitted != 10 {
		t.Errorf("admitted %d of 12 calls, want 10", admitted)
	}
}

func TestSpacedCallsAdmitUpToCap(t *testing.T) {
	t.Parallel()
	l, now := limiterAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	admitted := 0
	for i := 0; i < 12; i++ {
		if ok, _ := l.Admit(); ok {
			admitted++
		}
		*now = now.Add(DefaultMinCallInterval)
	}
	if admitted != 10 {
		t.Errorf("admitted %d of 12 spaced calls, want 10", admitted)
	}
}

func TestFullWindowRefusesSpacedCalls(t *testing.T) {
	t.Parallel()
	l, now := limiterAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 10; i++ {
		if ok, _ := l.Admit(); !ok {
			t.Fatalf("burst call %d not admitted", i)
		}
	}

	// Calls spaced at the minimum interval are still refused while the
	// window is full, and the window never grows past the cap.
	for i := 0; i < 20; i++ {
		*now = now.Add(DefaultMinCallInterval)
		if ok, _ := l.Admit(); ok {
			t.Fatalf("spaced call %d admitted with a full window", i)
		}
		if got := len(l.history); got > DefaultMaxCallsPerMinute {
			t.Fatalf("window holds %d entries, cap is %d", got, DefaultMaxCallsPerMinute)
		}
	}
}

func TestDropReasonsClassifySpacing(t *testing.T) {
	t.Parallel()
	l, now := limiterAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 10; i++ {
		l.Admit()
	}

	// Within the minimum interval of the last admitted call the refusal is
	// rapid-fire; past it, a plain window refusal.
	*now = now.Add(DefaultMinCallInterval / 2)
	if ok, reason := l.Admit(); ok || reason != DropReasonInterval {
		t.Errorf("rapid-fire drop: got ok=%v reason=%q", ok, reason)
	}
	*now = now.Add(DefaultMinCallInterval)
	if ok, reason := l.Admit(); ok || reason != DropReasonWindow {
		t.Errorf("window drop: got ok=%v reason=%q", ok, reason)
	}
}

func TestWindowSlidesAfterSixtySeconds(t *testing.T) {
	t.Parallel()
	l, now := limiterAt(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 10; i++ {
		l.Admit()
	}
	*now = now.Add(time.Second)
	if ok, _ := l.Admit(); ok {
		t.Fatal("over-cap call admitted inside the window")
	}

	// After the window slides past the burst, capacity returns.
	*now = now.Add(61 * time.Second)
	if ok, _ := l.Admit(); !ok {
		t.Error("call after window expiry was dropped")
	}
}
