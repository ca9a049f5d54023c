package chat

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// SpamPolicy is a fixed burst budget per window with a long penalty box.
type SpamPolicy struct {
	Burst  int
	Window time.Duration
	Mute   time.Duration
}

func DefaultSpamPolicy() SpamPolicy {
	return SpamPolicy{
		Burst:  3,
		Window: 5 * time.Second,
		Mute:   5 * time.Minute,
	}
}

// SpamGuard is the per-connection send limiter. It lives and dies with its
// Session; reconnecting starts from a clean state.
type SpamGuard struct {
	policy SpamPolicy

	mu          sync.Mutex
	count       int
	windowStart time.Time
	mutedUntil  time.Time
}

// NewSpamGuard opens the first window at start (normally the connect time).
func NewSpamGuard(policy SpamPolicy, start time.Time) *SpamGuard {
	return &SpamGuard{policy: policy, windowStart: start}
}

// Check records a send attempt at t. It returns a *RejectError with
// ReasonRateLimited while muted, or ReasonSpamDetected when this attempt
// exhausts the burst and starts a mute.
func (g *SpamGuard) Check(t time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.mutedUntil.After(t) {
		remaining := g.mutedUntil.Sub(t)
		secs := int(math.Ceil(remaining.Seconds()))
		return &RejectError{
			Reason:     ReasonRateLimited,
			Detail:     fmt.Sprintf("muted, wait %dm %ds", secs/60, secs%60),
			RetryAfter: time.Duration(secs) * time.Second,
		}
	}

	if t.Sub(g.windowStart) > g.policy.Window {
		g.count = 0
		g.windowStart = t
	}

	g.count++
	if g.count > g.policy.Burst {
		g.mutedUntil = t.Add(g.policy.Mute)
		return &RejectError{
			Reason:     ReasonSpamDetected,
			Detail:     fmt.Sprintf("muted for %s", g.policy.Mute),
			RetryAfter: g.policy.Mute,
		}
	}
	return nil
}
