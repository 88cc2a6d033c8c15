package delivery

import (
	"time"

	"stockbot/internal/subscriber"
)

type Status uint8

const (
	OutcomeSent Status = iota
	OutcomeBlocked
	OutcomeRateLimited
	OutcomeTransient
	OutcomePermanent
)

func (s Status) String() string {
	switch s {
	case OutcomeSent:
		return "sent"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of one recipient's delivery.
type Outcome struct {
	Recipient  subscriber.ID
	Status     Status
	Attempts   int
	RetryAfter time.Duration // last rate-limit hint, if any
	Err        error
	Took       time.Duration
}

func (o Outcome) OK() bool { return o.Status == OutcomeSent }

// Reason is a short failure description for reports.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return o.Status.String()
	}
	return o.Status.String() + ": " + o.Err.Error()
}
