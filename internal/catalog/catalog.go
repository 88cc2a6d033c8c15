// Package catalog is the fixed item catalog plus the tables used to clean
// upstream item tokens and render items per locale.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"stockbot/internal/subscriber"
)

// DefaultGlyph is used for items without a glyph.
const DefaultGlyph = "🍎"

type Item struct {
	ID    string                       `yaml:"id"`
	Glyph string                       `yaml:"glyph"`
	Bold  bool                         `yaml:"bold"`
	Names map[subscriber.Locale]string `yaml:"names"`
}

// Rule is a literal pattern -> replacement fix applied after alias lookup.
type Rule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Catalog is read-only after construction and safe for concurrent use.
type Catalog struct {
	items   []Item
	byID    map[string]int
	aliases map[string]string
	rules   []Rule
	sigil   string
}

// New validates and indexes the tables.
func New(items []Item, aliases map[string]string, rules []Rule) (*Catalog, error) {
	if len(items) == 0 {
		return nil, errors.New("catalog: no items")
	}
	c := &Catalog{
		items:   make([]Item, 0, len(items)),
		byID:    make(map[string]int, len(items)),
		aliases: make(map[string]string, len(aliases)),
		rules:   append([]Rule(nil), rules...),
		sigil:   "@",
	}
	for _, it := range items {
		it.ID = strings.TrimSpace(it.ID)
		if it.ID == "" {
			return nil, errors.New("catalog: item with empty id")
		}
		if _, dup := c.byID[it.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate item %q", it.ID)
		}
		c.byID[it.ID] = len(c.items)
		c.items = append(c.items, it)
	}
	for from, to := range aliases {
		if _, ok := c.byID[to]; !ok {
			return nil, fmt.Errorf("catalog: alias %q points to unknown item %q", from, to)
		}
		c.aliases[from] = to
	}
	for i, r := range c.rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("catalog: rule %d has empty pattern", i)
		}
	}
	return c, nil
}

// Items returns the catalog in display order.
func (c *Catalog) Items() []Item { return append([]Item(nil), c.items...) }

func (c *Catalog) Contains(id string) bool {
	_, ok := c.byID[id]
	return ok
}

func (c *Catalog) Lookup(id string) (Item, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Item{}, false
	}
	return c.items[i], true
}

// Canonical cleans an upstream token: strip one leading sigil, exact alias
// lookup, ordered fix rules, trim. ok is false when the result is not a
// catalog item.
func (c *Catalog) Canonical(token string) (string, bool) {
	name := strings.TrimSpace(token)
	name = strings.TrimPrefix(name, c.sigil)
	if to, ok := c.aliases[name]; ok {
		name = to
	}
	for _, r := range c.rules {
		name = strings.ReplaceAll(name, r.Pattern, r.Replacement)
	}
	name = strings.TrimSpace(name)
	if !c.Contains(name) {
		return name, false
	}
	return name, true
}

// Find resolves user input (case-insensitive id, alias or localized name).
func (c *Catalog) Find(name string) (Item, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Item{}, false
	}
	if id, ok := c.Canonical(name); ok {
		return c.items[c.byID[id]], true
	}
	for _, it := range c.items {
		if strings.EqualFold(it.ID, name) {
			return it, true
		}
		for _, n := range it.Names {
			if strings.EqualFold(n, name) {
				return it, true
			}
		}
	}
	return Item{}, false
}

// Display returns the localized name, falling back to the item id.
func (c *Catalog) Display(id string, loc subscriber.Locale) string {
	it, ok := c.Lookup(id)
	if !ok {
		return id
	}
	if n := it.Names[loc]; n != "" {
		return n
	}
	return it.ID
}

func (c *Catalog) Glyph(id string) string {
	it, ok := c.Lookup(id)
	if !ok || it.Glyph == "" {
		return DefaultGlyph
	}
	return it.Glyph
}

// Bold reports the static emphasis flag for an item.
func (c *Catalog) Bold(id string) bool {
	it, ok := c.Lookup(id)
	return ok && it.Bold
}
