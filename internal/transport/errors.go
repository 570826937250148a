package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when a send did not complete in time.
var ErrTimeout = errors.New("send timed out")

// ErrNetwork is a send that failed before the provider answered: refused or
// reset connections, DNS failures and the like.
var ErrNetwork = errors.New("network error")

// RateLimitedError is a provider request to wait before the next send.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// ProtocolError is a request the provider answered with an API error.
type ProtocolError struct {
	Code        int
	Description string
	Err         error
}

func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error %d: %s", e.Code, e.Description)
	}
	return "api error: " + e.Description
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	ok := errors.As(err, &rl)
	return rl, ok
}

func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsTransient reports whether err is a timeout or a network failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork)
}
