package dispatch

import (
	"fmt"
	"strings"
	"time"

	"stockbot/internal/delivery"
	"stockbot/internal/event"
	"stockbot/internal/subscriber"
)

type State uint8

const (
	StateIdle State = iota
	StateResolving
	StateDelivering
	StateAggregating
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateDelivering:
		return "delivering"
	case StateAggregating:
		return "aggregating"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// SummaryFailures is how many failures Summary lists before "+N more".
const SummaryFailures = 5

type Failure struct {
	Recipient subscriber.ID
	Status    delivery.Status
	Reason    string
}

// Report is built once per dispatch, only by the aggregation step.
type Report struct {
	ID          string
	Kind        event.Kind
	State       State
	Attempted   int
	Succeeded   int
	Failed      int
	Deactivated int
	Retried     int
	Failures    []Failure
	StartedAt   time.Time
	Took        time.Duration
}

// Summary is the operator-facing rendering of the report.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s dispatch %s: %s, attempted=%d succeeded=%d failed=%d",
		r.Kind, shortID(r.ID), r.State, r.Attempted, r.Succeeded, r.Failed)
	if r.Deactivated > 0 {
		fmt.Fprintf(&b, " deactivated=%d", r.Deactivated)
	}
	fmt.Fprintf(&b, " took=%s", r.Took.Round(time.Millisecond))
	n := len(r.Failures)
	if n == 0 {
		return b.String()
	}
	shown := n
	if shown > SummaryFailures {
		shown = SummaryFailures
	}
	for _, f := range r.Failures[:shown] {
		fmt.Fprintf(&b, "\n- %d: %s", f.Recipient, f.Reason)
	}
	if rest := n - shown; rest > 0 {
		fmt.Fprintf(&b, "\n+%d more", rest)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
