package notify

import (
	"sync"
	"time"
)

// Limiter is a per-recipient sliding window. Each Dispatcher owns its own
// Limiter; idle recipients are evicted by Sweep.
type Limiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// NewLimiter allows limit deliveries per key within window. A non-positive
// window disables limiting.
func NewLimiter(limit int, window time.Duration) *Limiter {
	if limit < 1 {
		limit = 1
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*slidingWindow),
	}
}

// Reserve records a delivery for key at now when the window has room. When
// it does not, Reserve returns false and the earliest time a retry can pass.
func (l *Limiter) Reserve(key string, now time.Time) (bool, time.Time) {
	if l.window <= 0 {
		return true, now
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	sw := l.windows[key]
	if sw == nil {
		sw = &slidingWindow{}
		l.windows[key] = sw
	}
	sw.cleanup(now, l.window)
	sw.lastSeen = now

	if len(sw.timestamps) < l.limit {
		sw.timestamps = append(sw.timestamps, now)
		return true, now
	}
	return false, sw.timestamps[0].Add(l.window)
}

// Sweep drops recipients with no delivery inside the window and returns how
// many were evicted.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, sw := range l.windows {
		sw.cleanup(now, l.window)
		if len(sw.timestamps) == 0 && now.Sub(sw.lastSeen) >= l.window {
			delete(l.windows, key)
			evicted++
		}
	}
	return evicted
}

// Tracked returns the number of recipients currently held.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (sw *slidingWindow) cleanup(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}
