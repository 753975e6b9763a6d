package supervisor

import "time"

// breaker is a sliding-window restart circuit breaker. Crash exits are
// recorded; maxRestarts crashes inside the window are tolerated, one more
// trips the breaker and the supervisor stays down for the backoff period.
// Graceful exits are never recorded.
type breaker struct {
	maxRestarts int
	window      time.Duration
	backoff     time.Duration

	crashes []time.Time
}

func newBreaker(maxRestarts int, window, backoff time.Duration) *breaker {
	if maxRestarts <= 0 {
		maxRestarts = 5
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	if backoff <= 0 {
		backoff = time.Minute
	}
	return &breaker{maxRestarts: maxRestarts, window: window, backoff: backoff}
}

// record notes one crash exit and reports whether the breaker tripped.
func (b *breaker) record(now time.Time) bool {
	b.crashes = append(b.crashes, now)
	b.prune(now)
	return len(b.crashes) > b.maxRestarts
}

// tripped reports whether the crash count inside the window is past the limit.
func (b *breaker) tripped(now time.Time) bool {
	b.prune(now)
	return len(b.crashes) > b.maxRestarts
}

// reset clears the window, used after the backoff period has been served.
func (b *breaker) reset() {
	b.crashes = nil
}

func (b *breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.crashes[:0]
	for _, t := range b.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.crashes = kept
}
