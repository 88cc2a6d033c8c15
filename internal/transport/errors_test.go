package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	d, ok := ParseRetryAfter("telegram: Too Many Requests: retry after 7 (429)")
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, d)

	d, ok = ParseRetryAfter("Retry After 0")
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	_, ok = ParseRetryAfter("retry after soon")
	assert.False(t, ok)
}

func TestTypedErrorsUnwrap(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	var rl *RateLimitError
	assert.True(t, errors.As(error(&RateLimitError{RetryAfter: time.Second, Err: base}), &rl))
	assert.ErrorIs(t, &RateLimitError{Err: base}, base)
	assert.ErrorIs(t, &PermanentError{Detail: "x", Err: ErrChatNotFound}, ErrChatNotFound)
	assert.Equal(t, "permanent send error: bad markup", (&PermanentError{Detail: "bad markup"}).Error())
}
