package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"stockbot/internal/subscriber"
	"stockbot/internal/sweeper"
	logx "stockbot/pkg/logx"
)

const (
	defaultLast = 5
	maxLast     = 20
	topItems    = 10
)

func (h *Handlers) stats(ctx context.Context, req *Request) error {
	st, err := h.d.Store.Stats(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Subscribers: %s\n", humanize.Comma(int64(st.Total)))
	fmt.Fprintf(&b, "In group: %s\n", humanize.Comma(int64(st.Subscribed)))
	fmt.Fprintf(&b, "Exempt: %s\n", humanize.Comma(int64(st.Exempt)))
	fmt.Fprintf(&b, "Active: %s\n", humanize.Comma(int64(st.Effective)))
	fmt.Fprintf(&b, "Free totems: %s, paid totems: %s\n", humanize.Comma(int64(st.WantsFree)), humanize.Comma(int64(st.WantsPaid)))
	fmt.Fprintf(&b, "All items: %s\n", humanize.Comma(int64(st.AllItems)))

	type kv struct {
		id string
		n  int
	}
	items := make([]kv, 0, len(st.Items))
	for id, n := range st.Items {
		items = append(items, kv{id, n})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].n != items[j].n {
			return items[i].n > items[j].n
		}
		return items[i].id < items[j].id
	})
	if len(items) > 0 {
		b.WriteString("Top items:\n")
		for i, it := range items {
			if i == topItems {
				break
			}
			fmt.Fprintf(&b, "- %s: %s\n", it.id, humanize.Comma(int64(it.n)))
		}
	}
	fmt.Fprintf(&b, "Dispatches logged: %s", humanize.Comma(int64(st.Dispatches)))
	return h.send(ctx, req, b.String())
}

func parseUserID(args []string) (subscriber.ID, error) {
	if len(args) != 1 {
		return 0, errors.New("expected exactly one user id")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid user id %q", args[0])
	}
	return subscriber.ID(n), nil
}

func (h *Handlers) except(ctx context.Context, req *Request) error {
	id, err := parseUserID(req.Args)
	if err != nil {
		return h.send(ctx, req, "usage: /except <user_id> ("+err.Error()+")")
	}
	if err := h.d.Store.AddExemption(ctx, id, req.Msg.FromID); err != nil {
		return err
	}
	req.Logger.Info("exemption added", logx.Int64("user_id", int64(id)))
	return h.send(ctx, req, fmt.Sprintf("user %d is exempt from the membership check", id))
}

func (h *Handlers) unexcept(ctx context.Context, req *Request) error {
	id, err := parseUserID(req.Args)
	if err != nil {
		return h.send(ctx, req, "usage: /unexcept <user_id> ("+err.Error()+")")
	}
	removed, err := h.d.Store.RemoveExemption(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return h.send(ctx, req, fmt.Sprintf("user %d was not exempt", id))
	}
	req.Logger.Info("exemption removed", logx.Int64("user_id", int64(id)))
	return h.send(ctx, req, fmt.Sprintf("exemption for user %d removed", id))
}

func (h *Handlers) exceptions(ctx context.Context, req *Request) error {
	list, err := h.d.Store.Exemptions(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return h.send(ctx, req, "no exemptions")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Exemptions (%d):", len(list))
	for _, ex := range list {
		fmt.Fprintf(&b, "\n- %d", ex.UserID)
		if ex.Username != "" {
			b.WriteString(" @" + ex.Username)
		}
		fmt.Fprintf(&b, " by %d, %s", ex.AdminID, humanize.Time(ex.At))
	}
	return h.send(ctx, req, b.String())
}

func (h *Handlers) verify(ctx context.Context, req *Request) error {
	if h.d.Sweeper == nil {
		return h.send(ctx, req, "sweeper is disabled")
	}
	if err := h.send(ctx, req, "membership sweep started"); err != nil {
		return err
	}
	rep, err := h.d.Sweeper.Verify(ctx)
	if errors.Is(err, sweeper.ErrRunning) {
		return h.send(ctx, req, "a sweep is already running")
	}
	if err != nil {
		_ = h.send(ctx, req, "sweep failed: "+err.Error())
		return err
	}
	return h.send(ctx, req, FormatSweep(rep))
}

// FormatSweep renders a sweep report for operators.
func FormatSweep(r sweeper.Report) string {
	return fmt.Sprintf("sweep: checked=%d in_group=%d exempt=%d lost=%d regained=%d notified=%d notify_failed=%d check_errors=%d store_errors=%d took=%s",
		r.Checked, r.Subscribed, r.Exempt, r.Lost, r.Regained, r.Notified, r.NotifyFailed, r.CheckErrors, r.StoreErrors,
		r.Took.Round(time.Millisecond))
}

func (h *Handlers) last(ctx context.Context, req *Request) error {
	n := defaultLast
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return h.send(ctx, req, "usage: /last [n]")
		}
		n = min(v, maxLast)
	}
	recs, err := h.d.Store.RecentDispatches(ctx, n)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return h.send(ctx, req, "no dispatches yet")
	}
	var b strings.Builder
	for i, r := range recs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(humanize.Time(r.At) + ": " + r.Summary)
	}
	return h.send(ctx, req, b.String())
}
