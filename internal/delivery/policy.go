// Package delivery sends due posts and turns each outcome into store
// mutations and, when warranted, a re-armed timer.
package delivery

import (
	"time"

	"postbot/internal/transport"
)

// DefaultRetryBackoff is the delay after a timeout, a network failure or an
// API error.
const DefaultRetryBackoff = 60 * time.Second

type Action int

const (
	// ActionDone: delivered, mark posted.
	ActionDone Action = iota
	// ActionRetryAfter: count the attempt, retry after the provider's delay.
	ActionRetryAfter
	// ActionBackoff: count the attempt, retry after the fixed backoff.
	ActionBackoff
	// ActionRecordOnly: count the attempt, do not retry.
	ActionRecordOnly
)

func (a Action) String() string {
	switch a {
	case ActionDone:
		return "delivered"
	case ActionRetryAfter:
		return "rate_limited"
	case ActionBackoff:
		return "retry"
	case ActionRecordOnly:
		return "unhandled"
	default:
		return "unknown"
	}
}

// Retries reports whether the action re-arms the post.
func (a Action) Retries() bool { return a == ActionRetryAfter || a == ActionBackoff }

type Decision struct {
	Action  Action
	Delay   time.Duration
	ErrText string
}

// Decide classifies the result of one send. backoff <= 0 means DefaultRetryBackoff.
func Decide(err error, backoff time.Duration) Decision {
	if err == nil {
		return Decision{Action: ActionDone}
	}
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	if rl, ok := transport.IsRateLimited(err); ok {
		return Decision{Action: ActionRetryAfter, Delay: rl.RetryAfter, ErrText: err.Error()}
	}
	if transport.IsTransient(err) || transport.IsProtocol(err) {
		return Decision{Action: ActionBackoff, Delay: backoff, ErrText: err.Error()}
	}
	return Decision{Action: ActionRecordOnly, ErrText: "Unhandled: " + err.Error()}
}
