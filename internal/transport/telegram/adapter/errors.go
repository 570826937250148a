package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "postbot/internal/transport"
)

// telebot reports API errors it has no sentinel for as "telegram: <desc> (<code>)".
var unknownAPIError = regexp.MustCompile(`^telegram: (.*) \((\d+)\)$`)

// classify maps telebot and network failures onto the transport error kinds.
// Anything it does not recognise is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &kit.RateLimitedError{RetryAfter: time.Duration(floodPtr.RetryAfter) * time.Second, Err: err}
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return &kit.ProtocolError{Code: apiErr.Code, Description: apiErr.Description, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", kit.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", kit.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", kit.ErrNetwork, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", kit.ErrNetwork, err)
	}

	if m := unknownAPIError.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[2])
		return &kit.ProtocolError{Code: code, Description: m[1], Err: err}
	}
	return err
}
