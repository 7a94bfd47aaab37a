package broker

import "time"

// QuenchState classifies the result of a quench computation. BLOCKED and
// UNLIMITED are distinguishable sentinel states, never confused with a
// finite deadline.
type QuenchState int

const (
	// QuenchUnlimited means no quench is in effect; the SCM may read freely.
	QuenchUnlimited QuenchState = iota
	// QuenchBlocked means the WM-bound data queue is at/above the hard depth
	// cap; the SCM must not read any tunnel until notified.
	QuenchBlocked
	// QuenchDeadline means quench is active until Deadline elapses.
	QuenchDeadline
)

// Quench is the value returned by the broker's admission computation.
type Quench struct {
	State    QuenchState
	Deadline time.Time // valid iff State == QuenchDeadline

	// PollFloor is Config.QuenchPollFloor, carried along so Timeout can
	// apply it without needing the broker's config back. Valid iff
	// State == QuenchDeadline; zero means "exactly the deadline".
	PollFloor time.Duration
}

// Unlimited returns whether q indicates no quench.
func (q Quench) Unlimited() bool { return q.State == QuenchUnlimited }

// Blocked returns whether q indicates a hard block.
func (q Quench) Blocked() bool { return q.State == QuenchBlocked }

// Timeout computes how long the SCM select should wait given this quench
// value and the current time. A negative or zero duration means "do not
// wait on the quench timer at all" (it has already elapsed).
func (q Quench) Timeout(now time.Time) (d time.Duration, finite bool) {
	switch q.State {
	case QuenchBlocked:
		return 0, false
	case QuenchUnlimited:
		return 0, false
	default:
		remaining := q.Deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if q.PollFloor > 0 && remaining < q.PollFloor {
			remaining = q.PollFloor
		}
		return remaining, true
	}
}
