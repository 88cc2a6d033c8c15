// Package delivery renders per-recipient messages and sends them through
// the Messenger port, classifying each result.
package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stockbot/internal/audience"
	"stockbot/internal/event"
	"stockbot/internal/metrics"
	"stockbot/internal/subscriber"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

const DefaultRetryAfter = 5 * time.Second

type Options struct {
	// RatePerSec caps sends across all dispatches; 0 disables pacing.
	RatePerSec float64
	Burst      int
	// SendTimeout bounds each Messenger.Send call; 0 means no extra bound.
	SendTimeout time.Duration
	// DefaultRetryAfter is used when a rate-limit signal carries no duration.
	DefaultRetryAfter time.Duration
}

type Worker struct {
	msg    transport.Messenger
	render *Renderer
	log    logx.Logger

	mu      sync.Mutex
	opts    Options
	limiter *rate.Limiter
}

func NewWorker(msg transport.Messenger, render *Renderer, log logx.Logger, opts Options) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Worker{msg: msg, render: render, log: log.With(logx.String("comp", "delivery"))}
	w.Apply(opts)
	return w
}

// Apply swaps pacing and timeouts. In-flight sends keep their snapshot.
func (w *Worker) Apply(opts Options) {
	if opts.DefaultRetryAfter <= 0 {
		opts.DefaultRetryAfter = DefaultRetryAfter
	}
	var lim *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	w.mu.Lock()
	w.opts = opts
	w.limiter = lim
	w.mu.Unlock()
}

func (w *Worker) Renderer() *Renderer { return w.render }

// Deliver renders the share for its recipient's locale and sends it.
func (w *Worker) Deliver(ctx context.Context, s audience.Share) Outcome {
	var m Message
	switch {
	case s.Kind == event.KindToken && s.Token != nil:
		m = w.render.Token(s.Recipient.Locale, *s.Token)
	default:
		m = w.render.Restock(s.Recipient.Locale, s.Items)
	}
	return w.Send(ctx, int64(s.Recipient.ID), m)
}

// Send delivers one message. A rate-limit signal is honored by sleeping the
// indicated duration and retrying exactly once; the second result is final.
func (w *Worker) Send(ctx context.Context, to int64, m Message) Outcome {
	start := time.Now()
	w.mu.Lock()
	opts := w.opts
	lim := w.limiter
	w.mu.Unlock()

	out := Outcome{Recipient: subscriber.ID(to)}
	finish := func() Outcome {
		out.Took = time.Since(start)
		metrics.Deliveries.WithLabelValues(out.Status.String()).Inc()
		return out
	}

	out.Status, out.RetryAfter, out.Err = w.attempt(ctx, lim, opts, to, m)
	out.Attempts = 1
	if out.Status != OutcomeRateLimited {
		return finish()
	}

	wait := out.RetryAfter
	w.log.Debug("rate limited, retrying once", logx.Int64("to", to), logx.Duration("after", wait))
	if err := sleepCtx(ctx, wait); err != nil {
		out.Err = errors.Join(out.Err, err)
		return finish()
	}
	metrics.DeliveryRetries.Inc()
	out.Status, out.RetryAfter, out.Err = w.attempt(ctx, lim, opts, to, m)
	out.Attempts = 2
	return finish()
}

func (w *Worker) attempt(ctx context.Context, lim *rate.Limiter, opts Options, to int64, m Message) (Status, time.Duration, error) {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return OutcomeTransient, 0, err
		}
	}
	callCtx := ctx
	if opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.SendTimeout)
		defer cancel()
	}

	metrics.InFlightSends.Inc()
	err := w.msg.Send(callCtx, to, m.Text, m.Format)
	metrics.InFlightSends.Dec()

	st, after := Classify(err)
	if st == OutcomeRateLimited && after <= 0 {
		after = opts.DefaultRetryAfter
	}
	return st, after, err
}

// Classify maps a transport error onto an outcome. Typed errors are checked
// first, then the error text for transports that only report strings.
func Classify(err error) (Status, time.Duration) {
	if err == nil {
		return OutcomeSent, 0
	}
	var rl *transport.RateLimitError
	if errors.As(err, &rl) {
		return OutcomeRateLimited, rl.RetryAfter
	}
	if errors.Is(err, transport.ErrBlocked) || errors.Is(err, transport.ErrChatNotFound) {
		return OutcomeBlocked, 0
	}
	var perm *transport.PermanentError
	if errors.As(err, &perm) {
		return OutcomePermanent, 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransient, 0
	}

	msg := strings.ToLower(err.Error())
	if d, ok := transport.ParseRetryAfter(msg); ok {
		return OutcomeRateLimited, d
	}
	switch {
	case strings.Contains(msg, "too many requests"):
		return OutcomeRateLimited, 0
	case strings.Contains(msg, "bot was blocked"),
		strings.Contains(msg, "user is deactivated"),
		strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "forbidden"):
		return OutcomeBlocked, 0
	case strings.Contains(msg, "bad request"):
		return OutcomePermanent, 0
	}
	return OutcomeTransient, 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
