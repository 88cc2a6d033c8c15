// Package dispatch runs one event end to end: resolve the audience, fan out
// deliveries under a hard concurrency cap, and aggregate a report.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stockbot/internal/audience"
	"stockbot/internal/delivery"
	"stockbot/internal/event"
	"stockbot/internal/eventbus"
	"stockbot/internal/metrics"
	"stockbot/internal/subscriber"
	logx "stockbot/pkg/logx"
)

// DefaultConcurrency is the per-dispatch cap on in-flight deliveries.
const DefaultConcurrency = 20

type Resolver interface {
	Resolve(ctx context.Context, ev event.Event) (audience.Audience, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, s audience.Share) delivery.Outcome
	Send(ctx context.Context, to int64, m delivery.Message) delivery.Outcome
}

// Deactivator marks a recipient inactive after a blocked outcome.
type Deactivator interface {
	SetSubscribed(ctx context.Context, id subscriber.ID, subscribed bool) error
}

type Option func(*Engine)

// WithConcurrency overrides the fan-out cap.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

func WithLogger(l logx.Logger) Option { return func(e *Engine) { e.log = l } }

// WithStateHook observes state transitions of every dispatch.
func WithStateHook(fn func(id string, s State)) Option {
	return func(e *Engine) { e.onState = fn }
}

type Engine struct {
	resolver    Resolver
	deliverer   Deliverer
	deactivator Deactivator
	bus         eventbus.Bus
	log         logx.Logger
	concurrency int
	onState     func(string, State)
}

func NewEngine(r Resolver, d Deliverer, deact Deactivator, opts ...Option) *Engine {
	e := &Engine{
		resolver:    r,
		deliverer:   d,
		deactivator: deact,
		concurrency: DefaultConcurrency,
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.With(logx.String("comp", "dispatch"))
	return e
}

// Dispatch always returns a report. The error is non-nil only when the
// audience could not be resolved; the report is then Aborted.
// Every delivery is joined before Dispatch returns.
func (e *Engine) Dispatch(ctx context.Context, ev event.Event) (Report, error) {
	rep := Report{
		ID:        uuid.NewString(),
		Kind:      ev.Kind,
		StartedAt: time.Now(),
	}
	log := e.log.With(logx.String("dispatch", rep.ID), logx.String("kind", ev.Kind.String()))
	e.transition(&rep, StateIdle)

	e.transition(&rep, StateResolving)
	aud, err := e.resolver.Resolve(ctx, ev)
	if err != nil {
		e.transition(&rep, StateAborted)
		rep.Took = time.Since(rep.StartedAt)
		log.Error("dispatch aborted", logx.Err(err))
		e.finish(rep)
		return rep, fmt.Errorf("dispatch %s: %w", rep.ID, err)
	}
	metrics.DispatchAudience.Observe(float64(len(aud)))

	e.transition(&rep, StateDelivering)
	shares := ordered(aud)
	outcomes := e.fanout(len(shares), func(i int) delivery.Outcome {
		out := e.deliverer.Deliver(ctx, shares[i])
		out.Recipient = shares[i].Recipient.ID
		return out
	})
	e.complete(ctx, log, &rep, outcomes)
	return rep, nil
}

// Broadcast sends the same message to every recipient. It skips resolution
// and otherwise follows Dispatch: same cap, aggregation and deactivation.
func (e *Engine) Broadcast(ctx context.Context, to []subscriber.ID, m delivery.Message) Report {
	rep := Report{
		ID:        uuid.NewString(),
		Kind:      event.KindBroadcast,
		StartedAt: time.Now(),
	}
	log := e.log.With(logx.String("dispatch", rep.ID), logx.String("kind", rep.Kind.String()))
	e.transition(&rep, StateIdle)

	ids := append([]subscriber.ID(nil), to...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	metrics.DispatchAudience.Observe(float64(len(ids)))

	e.transition(&rep, StateDelivering)
	outcomes := e.fanout(len(ids), func(i int) delivery.Outcome {
		out := e.deliverer.Send(ctx, int64(ids[i]), m)
		out.Recipient = ids[i]
		return out
	})
	e.complete(ctx, log, &rep, outcomes)
	return rep
}

// fanout runs send for 0..n-1 under the concurrency cap. Each call owns its
// slot in the result, so no locking is needed.
func (e *Engine) fanout(n int, send func(i int) delivery.Outcome) []delivery.Outcome {
	outcomes := make([]delivery.Outcome, n)
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i := range n {
		g.Go(func() error {
			outcomes[i] = send(i)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Engine) complete(ctx context.Context, log logx.Logger, rep *Report, outcomes []delivery.Outcome) {
	e.transition(rep, StateAggregating)
	e.aggregate(ctx, log, rep, outcomes)

	e.transition(rep, StateDone)
	rep.Took = time.Since(rep.StartedAt)
	e.finish(*rep)

	fields := []logx.Field{
		logx.Int("attempted", rep.Attempted),
		logx.Int("succeeded", rep.Succeeded),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Took),
	}
	if rep.Failed > 0 {
		log.Warn("dispatch finished with failures", fields...)
	} else {
		log.Info("dispatch finished", fields...)
	}
}

// aggregate runs single-threaded after every worker has returned.
func (e *Engine) aggregate(ctx context.Context, log logx.Logger, rep *Report, outcomes []delivery.Outcome) {
	for _, o := range outcomes {
		rep.Attempted++
		if o.Attempts > 1 {
			rep.Retried++
		}
		if o.OK() {
			rep.Succeeded++
			continue
		}
		rep.Failed++
		rep.Failures = append(rep.Failures, Failure{Recipient: o.Recipient, Status: o.Status, Reason: o.Reason()})
		if o.Status != delivery.OutcomeBlocked || e.deactivator == nil {
			continue
		}
		// Best effort: a failed update is logged, never retried.
		if err := e.deactivator.SetSubscribed(ctx, o.Recipient, false); err != nil {
			log.Warn("failed to deactivate blocked recipient", logx.Int64("recipient", int64(o.Recipient)), logx.Err(err))
			continue
		}
		rep.Deactivated++
	}
}

func (e *Engine) transition(rep *Report, s State) {
	rep.State = s
	if e.onState != nil {
		e.onState(rep.ID, s)
	}
}

func (e *Engine) finish(rep Report) {
	metrics.Dispatches.WithLabelValues(rep.Kind.String(), rep.State.String()).Inc()
	if rep.State == StateDone {
		metrics.DispatchDuration.WithLabelValues(rep.Kind.String()).Observe(rep.Took.Seconds())
	}
	if e.bus == nil {
		return
	}
	typ := eventbus.TypeDispatchDone
	if rep.State == StateAborted {
		typ = eventbus.TypeDispatchAborted
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: rep})
}

// ordered returns shares sorted by recipient id so reports are stable.
func ordered(a audience.Audience) []audience.Share {
	out := make([]audience.Share, 0, len(a))
	for _, s := range a {
		if s.Empty() {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient.ID < out[j].Recipient.ID })
	return out
}

// IsAborted reports whether err came from an aborted dispatch.
func IsAborted(err error) bool {
	return errors.Is(err, audience.ErrDirectoryUnavailable)
}
