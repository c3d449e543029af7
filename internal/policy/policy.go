// Package policy decides when a printer report warrants a notification.
//
// Decide is pure: it only looks at the prior State, the incoming report, the
// clock value and the cadence settings. State.Apply produces the state that
// follows an evaluation.
package policy

import (
	"time"

	"github.com/zorkian/chibichonk/pkg/types"
)

// State is the per-device memory of what was last seen and last announced.
// It is owned by a single monitor and never shared.
type State struct {
	LastReport types.StatusReport
	HasReport  bool

	LastNotifiedStatus types.PrinterStatus
	HasNotifiedStatus  bool

	// LastNotifiedTime is zero until the first notification.
	LastNotifiedTime time.Time

	LastPercentBucket int
	HasPercentBucket  bool

	Connected bool
}

// Decision lists the reasons that fired, highest priority first.
type Decision struct {
	Reasons []types.Reason
}

// Fired reports whether at least one reason fired.
func (d Decision) Fired() bool {
	return len(d.Reasons) > 0
}

// Primary returns the highest-priority reason.
func (d Decision) Primary() types.Reason {
	if len(d.Reasons) == 0 {
		return ""
	}
	return d.Reasons[0]
}

// Has reports whether r is among the fired reasons.
func (d Decision) Has(r types.Reason) bool {
	for _, got := range d.Reasons {
		if got == r {
			return true
		}
	}
	return false
}

// Bucket returns the milestone bucket for progress, or false when the percent
// cadence is disabled.
func Bucket(progress int, cadence types.Cadence) (int, bool) {
	if cadence.PercentInterval <= 0 {
		return 0, false
	}
	if progress < 0 {
		progress = 0
	}
	return progress / cadence.PercentInterval, true
}

// Decide evaluates incoming against prior.
func Decide(prior State, incoming types.StatusReport, now time.Time, cadence types.Cadence) Decision {
	var d Decision
	status := incoming.CurrentStatus()

	if !prior.HasNotifiedStatus || status != prior.LastNotifiedStatus {
		d.Reasons = append(d.Reasons, types.ReasonStatusChanged)
	}

	if !status.Active() {
		return d
	}

	if cadence.TimeInterval > 0 && !prior.LastNotifiedTime.IsZero() &&
		now.Sub(prior.LastNotifiedTime) >= cadence.TimeInterval {
		d.Reasons = append(d.Reasons, types.ReasonTimeElapsed)
	}

	if bucket, ok := Bucket(incoming.Progress, cadence); ok {
		if !prior.HasPercentBucket || bucket != prior.LastPercentBucket {
			d.Reasons = append(d.Reasons, types.ReasonPercentMilestone)
		}
	}
	return d
}

// Apply returns the state after incoming was evaluated with decision d. When
// nothing fired only the last report changes; otherwise one message went out
// and every tracker moves to the incoming values.
func (s State) Apply(incoming types.StatusReport, d Decision, now time.Time, cadence types.Cadence) State {
	next := s
	next.LastReport = incoming
	next.HasReport = true
	if !d.Fired() {
		return next
	}

	status := incoming.CurrentStatus()
	next.LastNotifiedStatus = status
	next.HasNotifiedStatus = true
	next.LastNotifiedTime = now

	bucket, ok := Bucket(incoming.Progress, cadence)
	if ok && status.Active() {
		next.LastPercentBucket = bucket
		next.HasPercentBucket = true
	} else {
		next.LastPercentBucket = 0
		next.HasPercentBucket = false
	}
	return next
}
