package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbot/internal/audience"
	"stockbot/internal/catalog"
	"stockbot/internal/delivery"
	"stockbot/internal/event"
	"stockbot/internal/eventbus"
	"stockbot/internal/subscriber"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

type staticResolver struct {
	aud audience.Audience
	err error
}

func (r staticResolver) Resolve(context.Context, event.Event) (audience.Audience, error) {
	return r.aud, r.err
}

func audienceOf(n int) audience.Audience {
	a := make(audience.Audience, n)
	for i := 1; i <= n; i++ {
		id := subscriber.ID(i)
		a[id] = audience.Share{
			Recipient: audience.Recipient{ID: id, Locale: subscriber.LocaleEN},
			Kind:      event.KindRestock,
			Items:     []event.Item{{ID: "Pear", Quantity: 1}},
		}
	}
	return a
}

// gateMessenger counts concurrent Send entries and holds each call briefly.
type gateMessenger struct {
	inflight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64
	hold     time.Duration

	mu   sync.Mutex
	errs map[int64][]error
}

func (m *gateMessenger) Send(_ context.Context, to int64, _ string, _ transport.Format) error {
	m.calls.Add(1)
	cur := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		p := m.peak.Load()
		if cur <= p || m.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	if m.hold > 0 {
		time.Sleep(m.hold)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.errs[to]; len(q) > 0 {
		m.errs[to] = q[1:]
		return q[0]
	}
	return nil
}

type recordingDir struct {
	mu    sync.Mutex
	unsub []subscriber.ID
	err   error
}

func (d *recordingDir) SetSubscribed(_ context.Context, id subscriber.ID, v bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if !v {
		d.unsub = append(d.unsub, id)
	}
	return nil
}

func newEngine(res Resolver, m transport.Messenger, dir Deactivator, opts ...Option) *Engine {
	w := delivery.NewWorker(m, delivery.NewRenderer(catalog.Default()), logx.Nop(), delivery.Options{})
	return NewEngine(res, w, dir, opts...)
}

func TestDispatchAllSucceed(t *testing.T) {
	t.Parallel()
	m := &gateMessenger{}
	var states []State
	e := newEngine(staticResolver{aud: audienceOf(50)}, m, &recordingDir{},
		WithStateHook(func(_ string, s State) { states = append(states, s) }))

	rep, err := e.Dispatch(context.Background(), event.Event{Kind: event.KindRestock})
	require.NoError(t, err)
	assert.Equal(t, 50, rep.Attempted)
	assert.Equal(t, 50, rep.Succeeded)
	assert.Equal(t, 0, rep.Failed)
	assert.Empty(t, rep.Failures)
	assert.Equal(t, StateDone, rep.State)
	assert.NotEmpty(t, rep.ID)
	assert.Equal(t, []State{StateIdle, StateResolving, StateDelivering, StateAggregating, StateDone}, states)
	assert.Equal(t, int64(50), m.calls.Load())
}

func TestDispatchConcurrencyCap(t *testing.T) {
	t.Parallel()
	m := &gateMessenger{hold: 20 * time.Millisecond}
	e := newEngine(staticResolver{aud: audienceOf(100)}, m, nil)

	rep, err := e.Dispatch(context.Background(), event.Event{Kind: event.KindRestock})
	require.NoError(t, err)
	assert.Equal(t, 100, rep.Succeeded)
	assert.LessOrEqual(t, m.peak.Load(), int64(DefaultConcurrency))
	assert.Greater(t, m.peak.Load(), int64(1))
}

func TestDispatchConcurrencyOverride(t *testing.T) {
	t.Parallel()
	m := &gateMessenger{hold: 5 * time.Millisecond}
	e := newEngine(staticResolver{aud: audienceOf(12)}, m, nil, WithConcurrency(3))
	_, err := e.Dispatch(context.Background(), event.Event{Kind: event.KindRestock})
	require.NoError(t, err)
	assert.LessOrEqual(t, m.peak.Load(), int64(3))
}

func TestDispatchRetriedSendCountsAsSucceeded(t *testing.T) {
	t.Parallel()
	m := &gateMessenger{errs: map[int64][]error{
		2: {&transport.RateLimitError{RetryAfter: 2 * time.Second}},
	}}
	e := newEngine(staticResolver{aud: audienceOf(3)}, m, nil)

	start := time.Now()
	rep, err := e.Dispatch(context.Background(), event.Event{Kind: event.KindRestock})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 3, rep.Succeeded)
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, 1, rep.Retried)
}

func TestDispatchPartialFailures(t *testing.T) {
	t.Parallel()
	m := &gateMessenger{errs: map[int64][]error{
		1: {transport.ErrBlocked},
		3: {errors.New("connection reset")},
		4: {&transport.PermanentError{Detail: "message is too long"}},
	}}
	dir := &recordingDir{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.TypeDispatchDone)
	defer unsub()

	e := newEngine(staticResolver{aud: audienceOf(5)}, m, dir, WithBus(bus))
	rep, err := e.Dispatch(context.Background(), event.Event{Kind: event.KindRestock})
	require.NoError(t, err)

	assert.Equal(t, 5, rep.Attempted)
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 3, rep.Failed)
	assert.Equal(t, 1, rep.Deactivated)
	assert.Equal(t, []subscriber.ID{1}, dir.unsub)
	require.Len(t, rep.Failures, 3)
	assert.Equal(t, subscriber.ID(1), rep.Failures[0].Recipient)
	assert.Equal(t, delivery.OutcomeBlocked, rep.Failures[0].Status)
	assert.Equal(t, delivery.OutcomeTransient, rep.Failures[1].Status)
	assert.Equal(t, delivery.OutcomePermanent, rep.Failures[2].Status)

	ev := <-ch
	got, ok := ev.Data.(Report)
	require.True(t, ok)
	assert.Equal(t, rep.ID, got.ID)
}

func TestDispatchDeactivateFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	m := &gateMessenger{errs: map[int64][]error{1: {transport.ErrChatNotFound}}}
	dir := &recordingDir{err: errors.New("disk full")}
	rep, err := newEngine(staticResolver{aud: audienceOf(2)}, m, dir).Dispatch(context.Background(), event.Event{Kind: event.KindToken})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, rep.Deactivated)
	assert.Equal(t, StateDone, rep.State)
}

func TestDispatchAbortsOnDirectoryFailure(t *testing.T) {
	t.Parallel()
	m := &gateMessenger{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(1, eventbus.TypeDispatchAborted)
	defer unsub()

	res := staticResolver{err: fmt.Errorf("%w: db down", audience.ErrDirectoryUnavailable)}
	rep, err := newEngine(res, m, nil, WithBus(bus)).Dispatch(context.Background(), event.Event{Kind: event.KindRestock})
	require.Error(t, err)
	assert.True(t, IsAborted(err))
	assert.Equal(t, StateAborted, rep.State)
	assert.Equal(t, 0, rep.Attempted)
	assert.Equal(t, int64(0), m.calls.Load())
	require.Len(t, ch, 1)
}

func TestReportSummary(t *testing.T) {
	t.Parallel()
	rep := Report{ID: "0123456789abcdef", Kind: event.KindRestock, State: StateDone, Attempted: 9, Succeeded: 2, Failed: 7, Took: 1500 * time.Millisecond}
	for i := 1; i <= 7; i++ {
		rep.Failures = append(rep.Failures, Failure{Recipient: subscriber.ID(i), Reason: "transient: boom"})
	}
	s := rep.Summary()
	assert.Contains(t, s, "restock dispatch 01234567: done, attempted=9 succeeded=2 failed=7 took=1.5s")
	assert.Contains(t, s, "\n- 5: transient: boom")
	assert.NotContains(t, s, "- 6:")
	assert.Contains(t, s, "\n+2 more")

	ok := Report{ID: "x", Kind: event.KindToken, State: StateDone, Attempted: 1, Succeeded: 1}
	assert.Equal(t, "token dispatch x: done, attempted=1 succeeded=1 failed=0 took=0s", ok.Summary())
}

func TestBroadcastSendsToEveryRecipient(t *testing.T) {
	t.Parallel()
	m := &gateMessenger{
		hold: 5 * time.Millisecond,
		errs: map[int64][]error{3: {transport.ErrBlocked}},
	}
	dir := &recordingDir{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(1, eventbus.TypeDispatchDone)
	defer unsub()
	e := newEngine(staticResolver{err: errors.New("unused")}, m, dir, WithBus(bus), WithConcurrency(2))

	rep := e.Broadcast(context.Background(), []subscriber.ID{4, 3, 1, 2}, delivery.Message{Text: "maintenance tonight"})
	assert.Equal(t, event.KindBroadcast, rep.Kind)
	assert.Equal(t, StateDone, rep.State)
	assert.Equal(t, 4, rep.Attempted)
	assert.Equal(t, 3, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Deactivated)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, subscriber.ID(3), rep.Failures[0].Recipient)
	assert.Equal(t, []subscriber.ID{3}, dir.unsub)
	assert.LessOrEqual(t, m.peak.Load(), int64(2))
	assert.Contains(t, rep.Summary(), "broadcast dispatch")

	select {
	case ev := <-ch:
		assert.Equal(t, rep.ID, ev.Data.(Report).ID)
	case <-time.After(time.Second):
		t.Fatal("no dispatch event published")
	}
}

func TestBroadcastNoRecipients(t *testing.T) {
	t.Parallel()
	m := &gateMessenger{}
	rep := newEngine(staticResolver{}, m, nil).Broadcast(context.Background(), nil, delivery.Message{Text: "hi"})
	assert.Equal(t, StateDone, rep.State)
	assert.Zero(t, rep.Attempted)
	assert.Zero(t, m.calls.Load())
}
