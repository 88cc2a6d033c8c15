package event

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"stockbot/internal/catalog"
)

var (
	restockLine = regexp.MustCompile(`^x(\d+)\s+(.+)$`)
	spaceRun    = regexp.MustCompile(`\s+`)
)

const (
	DefaultFreeMarker = "totem-free:"
	DefaultPaidMarker = "totem-paid:"
	DefaultLinkPrefix = "https://www.roblox.com/"
	DefaultLinkSuffix = "Server"
)

// DefaultRestockMarkers must all occur (case-insensitively) in a restock post.
func DefaultRestockMarkers() []string { return []string{"stock:", "foodstock update"} }

// LinkRule matches prefix + non-space run + suffix.
type LinkRule struct {
	Prefix string
	Suffix string
}

func (r LinkRule) compile() (*regexp.Regexp, error) {
	if r.Prefix == "" {
		return nil, errors.New("link rule: empty prefix")
	}
	return regexp.Compile(regexp.QuoteMeta(r.Prefix) + `\S+` + regexp.QuoteMeta(r.Suffix))
}

type Config struct {
	RestockMarkers []string
	FreeMarker     string
	PaidMarker     string
	FreeLink       LinkRule
	PaidLink       LinkRule
}

func (c *Config) withDefaults() {
	if len(c.RestockMarkers) == 0 {
		c.RestockMarkers = DefaultRestockMarkers()
	}
	if c.FreeMarker == "" {
		c.FreeMarker = DefaultFreeMarker
	}
	if c.PaidMarker == "" {
		c.PaidMarker = DefaultPaidMarker
	}
	def := LinkRule{Prefix: DefaultLinkPrefix, Suffix: DefaultLinkSuffix}
	if c.FreeLink.Prefix == "" {
		c.FreeLink = def
	}
	if c.PaidLink.Prefix == "" {
		c.PaidLink = def
	}
}

type Option func(*Parser)

// WithDropHook observes restock tokens that did not resolve to a catalog item.
// It does not change the parse result.
func WithDropHook(fn func(token string)) Option {
	return func(p *Parser) { p.onDrop = fn }
}

// Parser is stateless after construction; Parse is safe for concurrent use.
type Parser struct {
	cat     *catalog.Catalog
	markers []string
	tiers   []tierRule
	onDrop  func(string)
}

type tierRule struct {
	tier   Tier
	marker *regexp.Regexp
	link   *regexp.Regexp
	lower  string
}

func NewParser(cat *catalog.Catalog, cfg Config, opts ...Option) (*Parser, error) {
	if cat == nil {
		return nil, errors.New("parser: nil catalog")
	}
	cfg.withDefaults()
	p := &Parser{cat: cat}
	for _, m := range cfg.RestockMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			p.markers = append(p.markers, m)
		}
	}
	if len(p.markers) == 0 {
		return nil, errors.New("parser: no restock markers")
	}
	// Free is checked first so it wins when both markers occur.
	for _, t := range []struct {
		tier   Tier
		marker string
		link   LinkRule
	}{
		{TierFree, cfg.FreeMarker, cfg.FreeLink},
		{TierPaid, cfg.PaidMarker, cfg.PaidLink},
	} {
		link, err := t.link.compile()
		if err != nil {
			return nil, err
		}
		p.tiers = append(p.tiers, tierRule{
			tier:   t.tier,
			marker: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(t.marker)),
			link:   link,
			lower:  strings.ToLower(t.marker),
		})
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return p, nil
}

// Parse returns the event carried by raw, or false when the post is not one.
// Restock detection takes priority; a restock post with no recognizable
// items falls through to token detection.
func (p *Parser) Parse(raw string) (Event, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Event{}, false
	}
	lower := strings.ToLower(text)
	if p.isRestock(lower) {
		if ev, ok := p.parseRestock(text); ok {
			return ev, true
		}
	}
	for _, t := range p.tiers {
		if strings.Contains(lower, t.lower) {
			return p.parseToken(text, t)
		}
	}
	return Event{}, false
}

func (p *Parser) isRestock(lower string) bool {
	for _, m := range p.markers {
		if !strings.Contains(lower, m) {
			return false
		}
	}
	return true
}

func (p *Parser) parseRestock(text string) (Event, bool) {
	var items []Item
	seen := make(map[string]struct{})
	for _, line := range strings.Split(text, "\n") {
		m := restockLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		qty, err := strconv.Atoi(m[1])
		if err != nil || qty <= 0 {
			p.drop(m[2])
			continue
		}
		id, ok := p.cat.Canonical(m[2])
		if !ok {
			p.drop(m[2])
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, Item{ID: id, Quantity: qty})
	}
	if len(items) == 0 {
		return Event{}, false
	}
	return Event{Kind: KindRestock, Items: items}, true
}

func (p *Parser) parseToken(text string, t tierRule) (Event, bool) {
	body := t.marker.ReplaceAllString(text, "")
	link := t.link.FindString(body)
	if link == "" {
		return Event{}, false
	}
	body = strings.ReplaceAll(body, "("+link+")", "")
	body = strings.ReplaceAll(body, link, "")
	body = strings.TrimSpace(spaceRun.ReplaceAllString(body, " "))
	return Event{
		Kind:  KindToken,
		Token: Token{Tier: t.tier, Body: body, Link: link},
	}, true
}

func (p *Parser) drop(token string) {
	if p.onDrop != nil {
		p.onDrop(strings.TrimSpace(token))
	}
}
