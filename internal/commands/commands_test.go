package commands

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
	"stockbot/internal/dispatch"
	"stockbot/internal/event"
	"stockbot/internal/storage"
	"stockbot/internal/subscriber"
	"stockbot/internal/sweeper"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

const (
	owner   = int64(1)
	groupID = int64(-500)
)

type captureMessenger struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureMessenger) Send(_ context.Context, _ int64, text string, _ transport.Format) error {
	c.mu.Lock()
	c.sent = append(c.sent, text)
	c.mu.Unlock()
	return nil
}

func (c *captureMessenger) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1]
}

type fakeMembers struct {
	member map[int64]bool
	err    error
}

func (f fakeMembers) IsMember(_ context.Context, _, userID int64) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.member[userID], nil
}

type fakeVerifier struct {
	rep sweeper.Report
	err error
}

func (f fakeVerifier) Verify(context.Context) (sweeper.Report, error) { return f.rep, f.err }

type fakeBroadcaster struct {
	mu   sync.Mutex
	to   []subscriber.ID
	text string
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, to []subscriber.ID, m delivery.Message) dispatch.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append([]subscriber.ID(nil), to...)
	f.text = m.Text
	return dispatch.Report{
		ID:        "b7d0c1e2-0000",
		Kind:      event.KindBroadcast,
		State:     dispatch.StateDone,
		Attempted: len(to),
		Succeeded: len(to),
		StartedAt: time.Now(),
	}
}

type harness struct {
	router *Router
	store  *storage.Memory
	out    *captureMessenger
	bc     *fakeBroadcaster
}

func newHarness(t *testing.T, members fakeMembers, v Verifier) *harness {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	out := &captureMessenger{}
	bc := &fakeBroadcaster{}
	h := NewHandlers(Deps{
		Store:       store,
		Members:     members,
		GroupID:     groupID,
		Catalog:     catalog.Default(),
		Sweeper:     v,
		Broadcaster: bc,
		Reply:       out,
	})
	r := NewRouter(out, []int64{owner}, logx.Nop())
	r.Register(h.Commands()...)
	return &harness{router: r, store: store, out: out, bc: bc}
}

// run executes one command synchronously and returns the last reply.
func (h *harness) run(t *testing.T, from int64, text string) string {
	t.Helper()
	job := h.router.Prepare(context.Background(), &transport.Message{ChatID: from, FromID: from, FromUsername: "u", Text: text, IsPrivate: true})
	if job != nil {
		job()
	}
	return h.out.last()
}

func TestStartRegistersAndChecksMembership(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fakeMembers{member: map[int64]bool{42: true}}, nil)

	reply := h.run(t, 42, "/start")
	assert.Contains(t, reply, "Подписка активна")

	sub, err := h.store.GetSubscriber(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, sub.Subscribed)
	assert.Equal(t, subscriber.LocaleRU, sub.Locale)
	assert.True(t, sub.Tokens.WantsFree && sub.Tokens.WantsPaid)
	assert.True(t, sub.Items.Empty())

	reply = h.run(t, 43, "/start@stockbot")
	assert.Contains(t, reply, "вступите в группу")
}

func TestStartMembershipErrorMeansNotSubscribed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fakeMembers{err: errors.New("telegram down")}, nil)
	h.run(t, 42, "/start")
	sub, err := h.store.GetSubscriber(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, sub.Subscribed)
}

func TestStartAfterLeavingGroupSendsUnsubscribedNotice(t *testing.T) {
	t.Parallel()
	members := fakeMembers{member: map[int64]bool{42: true, 43: true}}
	h := newHarness(t, members, nil)
	h.run(t, 42, "/start")
	h.run(t, 43, "/start")
	h.run(t, owner, "/except 43")
	delete(members.member, 42)
	delete(members.member, 43)

	reply := h.run(t, 42, "/start")
	assert.Contains(t, reply, "больше не состоите в группе")
	sub, err := h.store.GetSubscriber(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, sub.Subscribed)

	reply = h.run(t, 42, "/start")
	assert.Contains(t, reply, "вступите в группу")
	assert.NotContains(t, reply, "больше не состоите")

	reply = h.run(t, 43, "/start")
	assert.Contains(t, reply, "Подписка активна")
	assert.NotContains(t, reply, "больше не состоите")
}

func TestSelfServiceCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fakeMembers{member: map[int64]bool{42: true}}, nil)
	ctx := context.Background()

	assert.Contains(t, h.run(t, 42, "/me"), "/start")

	h.run(t, 42, "/start")
	assert.Equal(t, "Language: English.", h.run(t, 42, "/lang en"))

	reply := h.run(t, 42, "/items Pear, dragon fruit")
	assert.Contains(t, reply, "Items:")
	sub, err := h.store.GetSubscriber(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, []string{"Dragon Fruit", "Pear"}, sub.Items.Sorted())

	assert.Contains(t, h.run(t, 42, "/items Pear, Banana Split"), "Unknown items: Banana Split")

	h.run(t, 42, "/items all")
	sub, err = h.store.GetSubscriber(ctx, 42)
	require.NoError(t, err)
	assert.True(t, sub.Items.All)

	assert.Equal(t, "Totems: free on, paid off", h.run(t, 42, "/tokens paid off"))
	assert.Contains(t, h.run(t, 42, "/tokens paid maybe"), "Usage")

	me := h.run(t, 42, "/me")
	assert.Contains(t, me, "Language: en")
	assert.Contains(t, me, "Items: all")
	assert.Contains(t, me, "free on, paid off")
}

func TestOwnerCommandsRequireOwner(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fakeMembers{}, nil)
	assert.Equal(t, "unauthorized", h.run(t, 99, "/stats"))
	assert.Equal(t, "unknown command, try /help", h.run(t, 99, "/nope"))

	help := h.run(t, 99, "/help")
	assert.Contains(t, help, "/start")
	assert.NotContains(t, help, "/stats")
	assert.Contains(t, h.run(t, owner, "/help"), "/stats")
}

func TestExemptionCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fakeMembers{}, nil)
	ctx := context.Background()

	assert.Contains(t, h.run(t, owner, "/except abc"), "usage")
	assert.Contains(t, h.run(t, owner, "/except 77"), "user 77 is exempt")
	ok, err := h.store.IsExempt(ctx, 77)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Contains(t, h.run(t, owner, "/exceptions"), "- 77 by 1")
	assert.Contains(t, h.run(t, owner, "/unexcept 77"), "removed")
	assert.Contains(t, h.run(t, owner, "/unexcept 77"), "was not exempt")
	assert.Equal(t, "no exemptions", h.run(t, owner, "/exceptions"))
}

func TestStatsAndLast(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fakeMembers{member: map[int64]bool{42: true}}, nil)
	ctx := context.Background()
	h.run(t, 42, "/start")
	h.run(t, 42, "/items Pear")

	assert.Equal(t, "no dispatches yet", h.run(t, owner, "/last"))
	require.NoError(t, h.store.AppendDispatch(ctx, storage.DispatchRecord{ID: "abc", Kind: "restock", Summary: "restock dispatch abc: done"}))

	stats := h.run(t, owner, "/stats")
	assert.Contains(t, stats, "Subscribers: 1")
	assert.Contains(t, stats, "- Pear: 1")
	assert.Contains(t, stats, "Dispatches logged: 1")

	assert.Contains(t, h.run(t, owner, "/last 3"), "restock dispatch abc: done")
}

func TestVerify(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fakeMembers{}, fakeVerifier{rep: sweeper.Report{Checked: 3, Lost: 1, Notified: 1}})
	reply := h.run(t, owner, "/verify")
	assert.Contains(t, reply, "checked=3")
	assert.Contains(t, reply, "lost=1")

	busy := newHarness(t, fakeMembers{}, fakeVerifier{err: sweeper.ErrRunning})
	assert.Equal(t, "a sweep is already running", busy.run(t, owner, "/verify"))

	off := newHarness(t, fakeMembers{}, nil)
	assert.Equal(t, "sweeper is disabled", off.run(t, owner, "/verify"))
}

func TestBroadcastTargetsActiveSubscribersByLocale(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fakeMembers{member: map[int64]bool{10: true, 11: true}}, nil)
	assert.Equal(t, "no active subscribers for all", h.run(t, owner, "/broadcast all hello"))

	h.run(t, 10, "/start")
	h.run(t, 11, "/start")
	h.run(t, 11, "/lang en")
	h.run(t, 12, "/start")
	h.run(t, 13, "/start")
	h.run(t, owner, "/except 13")

	assert.Equal(t, broadcastUsage, h.run(t, owner, "/broadcast"))
	assert.Equal(t, broadcastUsage, h.run(t, owner, "/broadcast ru"))
	assert.Equal(t, broadcastUsage, h.run(t, owner, "/broadcast de hallo"))

	reply := h.run(t, owner, "/broadcast ru Server restart\nat 03:00")
	assert.Contains(t, reply, "broadcast dispatch b7d0c1e2: done")
	assert.Equal(t, []subscriber.ID{10, 13}, h.bc.to)
	assert.Equal(t, "Server restart\nat 03:00", h.bc.text)

	h.run(t, owner, "/broadcast EN hi")
	assert.Equal(t, []subscriber.ID{11}, h.bc.to)

	h.run(t, owner, "/broadcast all hi")
	assert.Equal(t, []subscriber.ID{10, 11, 13}, h.bc.to)

	assert.Contains(t, h.run(t, owner, "/last 1"), "broadcast dispatch")
	assert.Equal(t, "unauthorized", h.run(t, 10, "/broadcast all hi"))
}

func TestSplitBroadcast(t *testing.T) {
	t.Parallel()
	target, body, ok := splitBroadcast("/broadcast@stockbot  ALL   line one\n  line two ")
	require.True(t, ok)
	assert.Equal(t, "all", target)
	assert.Equal(t, "line one\n  line two", body)

	_, _, ok = splitBroadcast("/broadcast all   ")
	assert.False(t, ok)
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	name, args, ok := parseCommand("  /Items@stockbot  Pear,  Acorn ")
	require.True(t, ok)
	assert.Equal(t, "items", name)
	assert.Equal(t, []string{"Pear,", "Acorn"}, args)

	_, _, ok = parseCommand("hello")
	assert.False(t, ok)
	_, _, ok = parseCommand("/")
	assert.False(t, ok)
}
