package dispatch

import (
	"sync"
	"time"
)

// Drop reasons recorded on the dropped-call metric.
const (
	// DropReasonWindow marks a call refused because the sliding one-minute
	// window already holds the maximum number of admitted calls.
	DropReasonWindow = "window"

	// DropReasonInterval marks a window-full refusal that also arrived within
	// the minimum spacing of the last admitted call. Splitting it out lets an
	// operator see how much of the drop volume is rapid-fire.
	DropReasonInterval = "interval"
)

// Limiter admits function calls under a sliding one-minute window: a call is
// admitted while the window holds fewer than the cap of previously admitted
// calls, and refused otherwise. The window is the sole admission criterion,
// so the number of admitted calls per minute can never exceed the cap; the
// minimum-interval spacing only classifies refusals for metrics.
// Safe for concurrent use.
type Limiter struct {
	mu           sync.Mutex
	maxPerWindow int
	minInterval  time.Duration
	window       time.Duration
	history      []time.Time
	lastAdmitted time.Time
	now          func() time.Time
}

// NewLimiter creates a limiter with a cap of maxPerMinute calls per sliding
// 60-second window. minInterval is the spacing under which refusals are
// reported as rapid-fire.
func NewLimiter(maxPerMinute int, minInterval time.Duration) *Limiter {
	return &Limiter{
		maxPerWindow: maxPerMinute,
		minInterval:  minInterval,
		window:       time.Minute,
		now:          time.Now,
	}
}

// Admit records an admission attempt. It returns (true, "") when the call may
// execute, or (false, reason) when it must be dropped. Admitted calls count
// against the window immediately; after pruning and admission the window
// never holds more than the cap.
func (l *Limiter) Admit() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.history) >= l.maxPerWindow {
		reason := DropReasonWindow
		if !l.lastAdmitted.IsZero() && now.Sub(l.lastAdmitted) < l.minInterval {
			reason = DropReasonInterval
		}
		return false, reason
	}

	l.history = append(l.history, now)
	l.lastAdmitted = now
	return true, ""
}

// prune drops history entries older than the sliding window.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.history[:0]
	for _, t := range l.history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.history = kept
}
