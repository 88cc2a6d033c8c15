package commands

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"stockbot/internal/catalog"
	"stockbot/internal/delivery"
	"stockbot/internal/storage"
	"stockbot/internal/subscriber"
	"stockbot/internal/sweeper"
	"stockbot/internal/transport"
	logx "stockbot/pkg/logx"
)

// Verifier runs an on-demand membership sweep.
type Verifier interface {
	Verify(ctx context.Context) (sweeper.Report, error)
}

type Deps struct {
	Store       storage.Store
	Members     transport.MembershipChecker
	GroupID     int64
	Catalog     *catalog.Catalog
	Sweeper     Verifier
	Broadcaster Broadcaster
	Reply       transport.Messenger
}

// Handlers implements the subscriber and operator commands.
type Handlers struct {
	d       Deps
	notices *delivery.Renderer
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{d: d, notices: delivery.NewRenderer(d.Catalog)}
}

func (h *Handlers) Commands() []Command {
	return []Command{
		{Name: "start", Description: "subscribe", Usage: "/start", Handle: h.start},
		{Name: "lang", Aliases: []string{"language"}, Description: "change language", Usage: "/lang ru|en", Handle: h.lang},
		{Name: "items", Description: "choose restock items", Usage: "/items all|none|<item>,<item>", Handle: h.items},
		{Name: "tokens", Aliases: []string{"totems"}, Description: "toggle totem notices", Usage: "/tokens free|paid|all on|off", Handle: h.tokens},
		{Name: "me", Description: "show your settings", Usage: "/me", Handle: h.me},

		{Name: "stats", Description: "subscriber statistics", Usage: "/stats", Access: AccessOwnerOnly, Handle: h.stats},
		{Name: "except", Description: "exempt a user from the membership check", Usage: "/except <user_id>", Access: AccessOwnerOnly, Handle: h.except},
		{Name: "unexcept", Description: "remove an exemption", Usage: "/unexcept <user_id>", Access: AccessOwnerOnly, Handle: h.unexcept},
		{Name: "exceptions", Description: "list exemptions", Usage: "/exceptions", Access: AccessOwnerOnly, Handle: h.exceptions},
		{Name: "verify", Description: "run a membership sweep now", Usage: "/verify", Access: AccessOwnerOnly, Timeout: time.Hour, Handle: h.verify},
		{Name: "last", Description: "recent dispatch reports", Usage: "/last [n]", Access: AccessOwnerOnly, Handle: h.last},
		{Name: "broadcast", Description: "message active subscribers", Usage: "/broadcast ru|en|all <text>", Access: AccessOwnerOnly, Timeout: time.Hour, Handle: h.broadcast},
	}
}

func (h *Handlers) send(ctx context.Context, req *Request, text string) error {
	return h.d.Reply.Send(ctx, req.Msg.ChatID, text, transport.FormatPlain)
}

// load returns the caller's subscriber; an unregistered caller gets a hint
// and ok=false.
func (h *Handlers) load(ctx context.Context, req *Request) (subscriber.Subscriber, bool, error) {
	sub, err := h.d.Store.GetSubscriber(ctx, subscriber.ID(req.Msg.FromID))
	if errors.Is(err, subscriber.ErrNotFound) {
		return sub, false, h.send(ctx, req, tr(subscriber.LocaleRU, txtNotRegistered))
	}
	if err != nil {
		return sub, false, err
	}
	return sub, true, nil
}

func (h *Handlers) start(ctx context.Context, req *Request) error {
	id := subscriber.ID(req.Msg.FromID)
	created, err := h.d.Store.Register(ctx, id, req.Msg.FromUsername, subscriber.LocaleRU)
	if err != nil {
		return err
	}
	if created {
		req.Logger.Info("subscriber registered")
	}

	prev, err := h.d.Store.GetSubscriber(ctx, id)
	if err != nil {
		return err
	}
	member := h.checkMember(ctx, req)
	if err := h.d.Store.SetSubscribed(ctx, id, member); err != nil {
		return err
	}
	sub, err := h.d.Store.GetSubscriber(ctx, id)
	if err != nil {
		return err
	}
	status := tr(sub.Locale, txtMemberOK)
	switch {
	case prev.Subscribed && !member && !sub.Exempt:
		// Same notice the sweeper sends on a lost membership.
		req.Logger.Info("subscriber lost membership")
		status = h.notices.Unsubscribed(sub.Locale).Text
	case !sub.Effective():
		status = tr(sub.Locale, txtNotMember)
	}
	return h.send(ctx, req, tr(sub.Locale, txtWelcome)+"\n\n"+status)
}

// checkMember treats a failed lookup as not a member.
func (h *Handlers) checkMember(ctx context.Context, req *Request) bool {
	if h.d.Members == nil || h.d.GroupID == 0 {
		return true
	}
	ok, err := h.d.Members.IsMember(ctx, h.d.GroupID, req.Msg.FromID)
	if err != nil {
		req.Logger.Warn("membership check failed", logx.Err(err))
		return false
	}
	return ok
}

func (h *Handlers) lang(ctx context.Context, req *Request) error {
	sub, ok, err := h.load(ctx, req)
	if !ok {
		return err
	}
	if len(req.Args) != 1 {
		return h.send(ctx, req, tr(sub.Locale, txtLangUsage))
	}
	loc, valid := subscriber.ParseLocale(req.Args[0])
	if !valid {
		return h.send(ctx, req, tr(sub.Locale, txtLangUsage))
	}
	if err := h.d.Store.SetLocale(ctx, sub.ID, loc); err != nil {
		return err
	}
	return h.send(ctx, req, tr(loc, txtLangSet))
}

func (h *Handlers) items(ctx context.Context, req *Request) error {
	sub, ok, err := h.load(ctx, req)
	if !ok {
		return err
	}
	loc := sub.Locale
	if len(req.Args) == 0 {
		return h.send(ctx, req, tr(loc, txtItemsUsage, h.describeItems(loc, sub.Items)))
	}

	var prefs subscriber.ItemPrefs
	switch arg := strings.ToLower(strings.Join(req.Args, " ")); arg {
	case "all", "все":
		prefs = subscriber.AllItems()
	case "none", "нет":
		prefs = subscriber.ItemSet()
	default:
		var ids, unknown []string
		for _, name := range strings.Split(strings.Join(req.Args, " "), ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			it, found := h.d.Catalog.Find(name)
			if !found {
				unknown = append(unknown, name)
				continue
			}
			ids = append(ids, it.ID)
		}
		if len(unknown) > 0 {
			return h.send(ctx, req, tr(loc, txtItemsUnknown, strings.Join(unknown, ", ")))
		}
		prefs = subscriber.ItemSet(ids...)
	}
	if err := h.d.Store.SetItems(ctx, sub.ID, prefs); err != nil {
		return err
	}
	return h.send(ctx, req, tr(loc, txtItemsSet, h.describeItems(loc, prefs)))
}

func (h *Handlers) describeItems(loc subscriber.Locale, p subscriber.ItemPrefs) string {
	switch {
	case p.All:
		return tr(loc, txtAll)
	case p.Empty():
		return tr(loc, txtNone)
	}
	names := make([]string, 0, len(p.IDs))
	for _, it := range h.d.Catalog.Items() {
		if p.Wants(it.ID) {
			names = append(names, h.d.Catalog.Display(it.ID, loc))
		}
	}
	return strings.Join(names, ", ")
}

func (h *Handlers) tokens(ctx context.Context, req *Request) error {
	sub, ok, err := h.load(ctx, req)
	if !ok {
		return err
	}
	loc := sub.Locale
	prefs := sub.Tokens
	usage := tr(loc, txtTokensUsage, onOff(loc, prefs.WantsFree), onOff(loc, prefs.WantsPaid))
	if len(req.Args) != 2 {
		return h.send(ctx, req, usage)
	}
	val, valid := parseSwitch(req.Args[1])
	if !valid {
		return h.send(ctx, req, usage)
	}
	switch strings.ToLower(req.Args[0]) {
	case "free":
		prefs.WantsFree = val
	case "paid":
		prefs.WantsPaid = val
	case "all":
		prefs.WantsFree, prefs.WantsPaid = val, val
	default:
		return h.send(ctx, req, usage)
	}
	if err := h.d.Store.SetTokens(ctx, sub.ID, prefs); err != nil {
		return err
	}
	return h.send(ctx, req, tr(loc, txtTokensSet, onOff(loc, prefs.WantsFree), onOff(loc, prefs.WantsPaid)))
}

func parseSwitch(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "yes", "1", "true", "вкл":
		return true, true
	case "off", "no", "0", "false", "выкл":
		return false, true
	default:
		return false, false
	}
}

func (h *Handlers) me(ctx context.Context, req *Request) error {
	sub, ok, err := h.load(ctx, req)
	if !ok {
		return err
	}
	loc := sub.Locale
	last := tr(loc, txtNever)
	if !sub.LastCheck.IsZero() {
		last = sub.LastCheck.Format("2006-01-02 15:04") + " (" + humanize.Time(sub.LastCheck) + ")"
	}
	return h.send(ctx, req, tr(loc, txtProfile,
		int64(sub.ID),
		string(loc),
		onOff(loc, sub.Subscribed),
		onOff(loc, sub.Exempt),
		h.describeItems(loc, sub.Items),
		onOff(loc, sub.Tokens.WantsFree),
		onOff(loc, sub.Tokens.WantsPaid),
		last,
	))
}
