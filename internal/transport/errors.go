package transport

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	// ErrBlocked means the recipient blocked the bot or deactivated the account.
	ErrBlocked = errors.New("recipient blocked the bot")
	// ErrChatNotFound means the recipient chat no longer exists for the bot.
	ErrChatNotFound = errors.New("chat not found")
)

// RateLimitError is returned when the transport asks the caller to back off.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// PermanentError is a rejection that retrying cannot fix (bad markup, too long).
type PermanentError struct {
	Detail string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return "permanent send error: " + e.Detail + ": " + e.Err.Error()
	}
	return "permanent send error: " + e.Detail
}

func (e *PermanentError) Unwrap() error { return e.Err }

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

// ParseRetryAfter extracts "retry after <seconds>" from an error text.
func ParseRetryAfter(s string) (time.Duration, bool) {
	m := retryAfterRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
