package commands

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"stockbot/internal/delivery"
	"stockbot/internal/dispatch"
	"stockbot/internal/storage"
	"stockbot/internal/subscriber"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

const broadcastUsage = "usage: /broadcast ru|en|all <text>"

// Broadcaster fans one message out to a fixed recipient list.
type Broadcaster interface {
	Broadcast(ctx context.Context, to []subscriber.ID, m delivery.Message) dispatch.Report
}

func (h *Handlers) broadcast(ctx context.Context, req *Request) error {
	if h.d.Broadcaster == nil {
		return h.send(ctx, req, "broadcast is disabled")
	}
	target, body, ok := splitBroadcast(req.Msg.Text)
	if !ok {
		return h.send(ctx, req, broadcastUsage)
	}

	subs, err := h.d.Store.Subscribers(ctx)
	if err != nil {
		return err
	}
	to := broadcastAudience(subs, target)
	if len(to) == 0 {
		return h.send(ctx, req, "no active subscribers for "+target)
	}
	if err := h.send(ctx, req, fmt.Sprintf("broadcasting to %d subscribers", len(to))); err != nil {
		return err
	}

	rep := h.d.Broadcaster.Broadcast(ctx, to, delivery.Message{Text: body, Format: transport.FormatPlain})
	req.Logger.Info("broadcast finished",
		logx.String("target", target),
		logx.Int("attempted", rep.Attempted),
		logx.Int("failed", rep.Failed))
	if err := h.d.Store.AppendDispatch(ctx, storage.DispatchRecord{
		ID:          rep.ID,
		Kind:        rep.Kind.String(),
		State:       rep.State.String(),
		Attempted:   rep.Attempted,
		Succeeded:   rep.Succeeded,
		Failed:      rep.Failed,
		Deactivated: rep.Deactivated,
		Took:        rep.Took,
		Summary:     rep.Summary(),
		At:          rep.StartedAt,
	}); err != nil {
		req.Logger.Warn("failed to record broadcast", logx.Err(err))
	}
	return h.send(ctx, req, rep.Summary())
}

// broadcastAudience keeps effective subscribers whose locale matches target;
// "all" matches every locale.
func broadcastAudience(subs []subscriber.Subscriber, target string) []subscriber.ID {
	loc, byLocale := subscriber.ParseLocale(target)
	var to []subscriber.ID
	for _, s := range subs {
		if !s.Effective() {
			continue
		}
		if byLocale && s.Locale != loc {
			continue
		}
		to = append(to, s.ID)
	}
	return to
}

// splitBroadcast parses "/broadcast <target> <text>" from the raw message so
// line breaks in the text survive.
func splitBroadcast(raw string) (target, body string, ok bool) {
	_, rest, found := cutField(strings.TrimSpace(raw))
	if !found {
		return "", "", false
	}
	target, body, found = cutField(rest)
	if !found || body == "" {
		return "", "", false
	}
	target = strings.ToLower(target)
	if _, isLocale := subscriber.ParseLocale(target); !isLocale && target != "all" {
		return "", "", false
	}
	return target, body, true
}

func cutField(s string) (head, tail string, ok bool) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, "", false
	}
	return s[:i], strings.TrimSpace(s[i:]), true
}
