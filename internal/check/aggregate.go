package check

import "time"

// Outcome derives the status implied by component results: REJECTED if any
// finalized result is unverified, COMPLETED if every component is verified,
// and ok=false while results are still outstanding.
func (c *Check) Outcome() (status Status, ok bool) {
	if len(c.Components) == 0 {
		return "", false
	}
	all := true
	for _, comp := range c.Components {
		if comp.Result == nil {
			all = false
			continue
		}
		if !comp.Result.Verified {
			return StatusRejected, true
		}
	}
	if all {
		return StatusCompleted, true
	}
	return "", false
}

// Aggregate applies Outcome when the state machine allows it. It is
// monotonic: terminal checks never change, and a check waiting on an
// interview keeps waiting until the interview completes. It reports whether
// the status changed.
func (c *Check) Aggregate(now time.Time) bool {
	if c.Status.IsTerminal() {
		return false
	}
	target, ok := c.Outcome()
	if !ok || target == c.Status || !CanTransition(c.Status, target) {
		return false
	}
	return c.ApplyTransition(target, now) == nil
}
