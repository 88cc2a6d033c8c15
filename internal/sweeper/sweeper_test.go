package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbot/internal/catalog"
	"stockbot/internal/delivery"
	"stockbot/internal/eventbus"
	"stockbot/internal/subscriber"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

type memDir struct {
	mu   sync.Mutex
	subs map[subscriber.ID]subscriber.Subscriber
	sets map[subscriber.ID]bool
}

func newMemDir(subs ...subscriber.Subscriber) *memDir {
	d := &memDir{subs: map[subscriber.ID]subscriber.Subscriber{}, sets: map[subscriber.ID]bool{}}
	for _, s := range subs {
		d.subs[s.ID] = s
	}
	return d
}

func (d *memDir) GetSubscriber(_ context.Context, id subscriber.ID) (subscriber.Subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.subs[id]
	if !ok {
		return s, subscriber.ErrNotFound
	}
	return s, nil
}
func (d *memDir) SubscribersForItem(context.Context, string) ([]subscriber.ID, error) { return nil, nil }
func (d *memDir) SubscribersForTier(context.Context, string) ([]subscriber.ID, error) { return nil, nil }
func (d *memDir) SetSubscribed(_ context.Context, id subscriber.ID, v bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.subs[id]
	s.Subscribed = v
	d.subs[id] = s
	d.sets[id] = v
	return nil
}
func (d *memDir) IsExempt(_ context.Context, id subscriber.ID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs[id].Exempt, nil
}
func (d *memDir) Subscribers(context.Context) ([]subscriber.Subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]subscriber.Subscriber, 0, len(d.subs))
	for id := subscriber.ID(1); len(out) < len(d.subs); id++ {
		if s, ok := d.subs[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeMembers struct {
	member map[int64]bool
	fail   map[int64]bool
}

func (f fakeMembers) IsMember(_ context.Context, _, userID int64) (bool, error) {
	if f.fail[userID] {
		return false, errors.New("telegram: timeout")
	}
	return f.member[userID], nil
}

type recMessenger struct {
	mu   sync.Mutex
	to   []int64
	text []string
}

func (m *recMessenger) Send(_ context.Context, to int64, text string, _ transport.Format) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.to = append(m.to, to)
	m.text = append(m.text, text)
	return nil
}

func newSweeper(dir subscriber.Directory, mem transport.MembershipChecker, m transport.Messenger, bus eventbus.Bus) *Sweeper {
	w := delivery.NewWorker(m, delivery.NewRenderer(catalog.Default()), logx.Nop(), delivery.Options{})
	return New(dir, mem, w, Config{GroupID: -100, CheckDelay: time.Millisecond}, bus, logx.Nop())
}

func TestSweepNotifiesOnlyLostNonExempt(t *testing.T) {
	t.Parallel()
	dir := newMemDir(
		subscriber.Subscriber{ID: 1, Locale: subscriber.LocaleEN, Subscribed: true},              // stays
		subscriber.Subscriber{ID: 2, Locale: subscriber.LocaleRU, Subscribed: true},              // lost
		subscriber.Subscriber{ID: 3, Locale: subscriber.LocaleEN, Subscribed: true, Exempt: true}, // lost, exempt
		subscriber.Subscriber{ID: 4, Locale: subscriber.LocaleEN, Subscribed: false},             // regained
		subscriber.Subscriber{ID: 5, Locale: subscriber.LocaleEN, Subscribed: false},             // still out
	)
	mem := fakeMembers{member: map[int64]bool{1: true, 4: true}}
	m := &recMessenger{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(1, eventbus.TypeSweepDone)
	defer unsub()

	rep, err := newSweeper(dir, mem, m, bus).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, rep.Checked)
	assert.Equal(t, 2, rep.Subscribed)
	assert.Equal(t, 2, rep.Lost)
	assert.Equal(t, 1, rep.Regained)
	assert.Equal(t, 1, rep.Notified)
	assert.Equal(t, []int64{2}, m.to)
	assert.Contains(t, m.text[0], "Вы больше не состоите")

	// Raw status is stored for everyone, exempt or not.
	assert.Equal(t, map[subscriber.ID]bool{1: true, 2: false, 3: false, 4: true, 5: false}, dir.sets)
	require.Len(t, ch, 1)
}

func TestSweepCheckFailureMeansNotSubscribed(t *testing.T) {
	t.Parallel()
	dir := newMemDir(
		subscriber.Subscriber{ID: 1, Subscribed: true, Locale: subscriber.LocaleEN},
		subscriber.Subscriber{ID: 2, Subscribed: true, Locale: subscriber.LocaleEN},
	)
	mem := fakeMembers{member: map[int64]bool{2: true}, fail: map[int64]bool{1: true}}
	m := &recMessenger{}

	rep, err := newSweeper(dir, mem, m, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.CheckErrors)
	assert.Equal(t, 2, rep.Checked)
	assert.False(t, dir.sets[1])
	assert.True(t, dir.sets[2])
	assert.Equal(t, []int64{1}, m.to)
}

func TestSweepPacesChecks(t *testing.T) {
	t.Parallel()
	dir := newMemDir(
		subscriber.Subscriber{ID: 1}, subscriber.Subscriber{ID: 2},
		subscriber.Subscriber{ID: 3}, subscriber.Subscriber{ID: 4},
	)
	w := delivery.NewWorker(&recMessenger{}, delivery.NewRenderer(catalog.Default()), logx.Nop(), delivery.Options{})
	s := New(dir, fakeMembers{}, w, Config{CheckDelay: 20 * time.Millisecond}, nil, logx.Nop())

	start := time.Now()
	_, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
	assert.Equal(t, StateSleeping, s.State())
}

func TestSweepRejectsOverlap(t *testing.T) {
	t.Parallel()
	s := newSweeper(newMemDir(), fakeMembers{}, &recMessenger{}, nil)
	s.running.Store(true)
	_, err := s.Verify(context.Background())
	assert.ErrorIs(t, err, ErrRunning)
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		raw  string
		next time.Time
	}{
		{"", base.Add(6 * time.Hour)},
		{"6h", base.Add(6 * time.Hour)},
		{"every:01:30", base.Add(90 * time.Minute)},
		{"0 */6 * * *", base.Add(6 * time.Hour)},
		{"cron:@hourly", base.Add(time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			sch, err := ParseSchedule(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.next, sch.Next(base))
		})
	}
	for _, bad := range []string{"soon", "500ms", "cron:", "61 * * * *"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

type blockedMessenger struct{ calls int }

func (m *blockedMessenger) Send(context.Context, int64, string, transport.Format) error {
	m.calls++
	return transport.ErrBlocked
}

func TestSweepStoresLossWhenNoticeFails(t *testing.T) {
	t.Parallel()
	dir := newMemDir(subscriber.Subscriber{ID: 7, Locale: subscriber.LocaleRU, Subscribed: true})
	m := &blockedMessenger{}

	rep, err := newSweeper(dir, fakeMembers{}, m, nil).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, m.calls)
	assert.Equal(t, 1, rep.Lost)
	assert.Equal(t, 0, rep.Notified)
	assert.Equal(t, 1, rep.NotifyFailed)
	v, ok := dir.sets[7]
	require.True(t, ok)
	assert.False(t, v)
	got, err := dir.GetSubscriber(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, got.Subscribed)
}
