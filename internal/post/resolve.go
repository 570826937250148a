package post

import (
	"errors"
	"fmt"
	"time"
)

// DefaultGrace is how late a yearly post may still fire.
const DefaultGrace = 30 * time.Minute

// ErrNotEligible means the post must not be scheduled now. Resolve wraps it
// with the reason.
var ErrNotEligible = errors.New("not eligible")

// ParseError reports a Datetime that does not match the layout, including
// impossible calendar dates.
type ParseError struct {
	PostID int
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("post %d: bad datetime %q: %v", e.PostID, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Rules configures Resolve.
type Rules struct {
	Location *time.Location
	Layout   string
	Grace    time.Duration
	// SkipFailed excludes posts whose attempts ran out.
	SkipFailed bool
}

func (r Rules) withDefaults() Rules {
	if r.Location == nil {
		r.Location = time.Local
	}
	if r.Layout == "" {
		r.Layout = DefaultLayout
	}
	if r.Grace <= 0 {
		r.Grace = DefaultGrace
	}
	return r
}

func notEligible(reason string) error {
	return fmt.Errorf("%w: %s", ErrNotEligible, reason)
}

// ParseDatetime reads a stored wall-clock value in rules' location. The
// default layout also accepts fields without zero padding; writers should
// still use the layout itself.
func ParseDatetime(s string, rules Rules) (time.Time, error) {
	rules = rules.withDefaults()
	layout := rules.Layout
	if layout == DefaultLayout {
		layout = lenientLayout
	}
	return time.ParseInLocation(layout, s, rules.Location)
}

// Resolve returns the fire time of p relative to now.
//
// A yearly post whose moment passed less than Grace ago fires at now. Any
// other moment in the past is not eligible.
func Resolve(p Post, now time.Time, rules Rules) (time.Time, error) {
	rules = rules.withDefaults()
	now = now.In(rules.Location)

	if rules.SkipFailed && p.Failed {
		return time.Time{}, notEligible("failed")
	}
	if !p.Repeat && p.Posted {
		return time.Time{}, notEligible("already posted")
	}

	target, err := ParseDatetime(p.Datetime, rules)
	if err != nil {
		return time.Time{}, &ParseError{PostID: p.ID, Value: p.Datetime, Err: err}
	}

	if p.Repeat {
		if p.LastPostedYear != nil && *p.LastPostedYear == now.Year() {
			return time.Time{}, notEligible("already posted this year")
		}
		adjusted := time.Date(now.Year(), target.Month(), target.Day(),
			target.Hour(), target.Minute(), target.Second(), 0, rules.Location)
		// time.Date normalizes 29 Feb into 1 Mar in common years.
		if adjusted.Month() != target.Month() || adjusted.Day() != target.Day() {
			return time.Time{}, notEligible("date does not exist this year")
		}

		delta := now.Sub(adjusted)
		if delta > rules.Grace {
			return time.Time{}, notEligible("missed grace window")
		}
		if delta >= 0 {
			return now, nil
		}
		target = adjusted
	}

	if target.Before(now) {
		return time.Time{}, notEligible("in the past")
	}
	return target, nil
}

// Delay converts a fire time into a timer delay, never below one second.
func Delay(fireAt, now time.Time) time.Duration {
	d := fireAt.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}
