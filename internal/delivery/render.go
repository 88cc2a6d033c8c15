package delivery

import (
	"fmt"
	"html"
	"strings"

	"stockbot/internal/catalog"
	"stockbot/internal/event"
	"stockbot/internal/subscriber"
	"stockbot/internal/transport"
)

// Message is a rendered body plus the markup it must be sent with.
type Message struct {
	Text   string
	Format transport.Format
}

type tokenTitle struct {
	glyph string
	title map[subscriber.Locale]string
}

var tokenTitles = map[event.Tier]tokenTitle{
	event.TierFree: {glyph: "🗿", title: map[subscriber.Locale]string{
		subscriber.LocaleRU: "Бесплатный тотем",
		subscriber.LocaleEN: "Free totem",
	}},
	event.TierPaid: {glyph: "💎", title: map[subscriber.Locale]string{
		subscriber.LocaleRU: "Платный тотем",
		subscriber.LocaleEN: "Paid totem",
	}},
}

var unsubscribedNotice = map[subscriber.Locale]string{
	subscriber.LocaleRU: "❗️ Вы больше не состоите в группе, поэтому уведомления приостановлены.\nВступите снова, чтобы продолжить получать рассылку.",
	subscriber.LocaleEN: "❗️ You are no longer a member of the group, so notifications are paused.\nJoin again to keep receiving them.",
}

// Renderer is pure: the same input always renders the same text.
type Renderer struct {
	cat *catalog.Catalog
}

func NewRenderer(cat *catalog.Catalog) *Renderer {
	return &Renderer{cat: cat}
}

// Restock renders one line per item, bold per the catalog's emphasis table.
func (r *Renderer) Restock(loc subscriber.Locale, items []event.Item) Message {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		head := fmt.Sprintf("%s x%d %s", r.cat.Glyph(it.ID), it.Quantity, html.EscapeString(r.cat.Display(it.ID, loc)))
		if r.cat.Bold(it.ID) {
			head = "<b>" + head + "</b>"
		}
		lines = append(lines, head+" — stock")
	}
	return Message{Text: strings.Join(lines, "\n"), Format: transport.FormatHTML}
}

// Token renders the tier title as a link followed by the post body.
func (r *Renderer) Token(loc subscriber.Locale, tok event.Token) Message {
	tt, ok := tokenTitles[tok.Tier]
	if !ok {
		tt = tokenTitles[event.TierFree]
	}
	title := tt.title[loc]
	if title == "" {
		title = tt.title[subscriber.LocaleEN]
	}
	link := strings.NewReplacer("(", `\(`, ")", `\)`).Replace(tok.Link)
	return Message{
		Text:   fmt.Sprintf("%s [%s](%s):\n\n%s", tt.glyph, title, link, tok.Body),
		Format: transport.FormatMarkdown,
	}
}

// Unsubscribed is the one-shot notice sent when membership is lost.
func (r *Renderer) Unsubscribed(loc subscriber.Locale) Message {
	text, ok := unsubscribedNotice[loc]
	if !ok {
		text = unsubscribedNotice[subscriber.LocaleRU]
	}
	return Message{Text: text, Format: transport.FormatPlain}
}
