package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbot/internal/catalog"
)

func newTestParser(t *testing.T, opts ...Option) *Parser {
	t.Helper()
	rule := LinkRule{Prefix: "https://link/", Suffix: "Server"}
	p, err := NewParser(catalog.Default(), Config{FreeLink: rule, PaidLink: rule}, opts...)
	require.NoError(t, err)
	return p
}

func TestParseRestock(t *testing.T) {
	t.Parallel()
	var dropped []string
	p := newTestParser(t, WithDropHook(func(tok string) { dropped = append(dropped, tok) }))

	ev, ok := p.Parse("〔🍇〕stock: FoodStock Update\nx2 @Pear\nx1 @UnknownThing")
	require.True(t, ok)
	assert.Equal(t, KindRestock, ev.Kind)
	assert.Equal(t, []Item{{ID: "Pear", Quantity: 2}}, ev.Items)
	assert.Equal(t, []string{"@UnknownThing"}, dropped)
}

func TestParseRestockCleansTokens(t *testing.T) {
	t.Parallel()
	p := newTestParser(t)
	ev, ok := p.Parse("STOCK: foodstock update\n  x3 @DragonFruit  \nx1 @VoltGinkgo\nx5 Acorn\nx4 @DragonFruit\nnoise line")
	require.True(t, ok)
	assert.Equal(t, []Item{
		{ID: "Dragon Fruit", Quantity: 3},
		{ID: "Volt Ginkgo", Quantity: 1},
		{ID: "Acorn", Quantity: 5},
	}, ev.Items)
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	p := newTestParser(t)
	cases := map[string]string{
		"empty":                  "   ",
		"plain chatter":          "hello everyone, x2 @Pear",
		"one restock marker":     "stock:\nx2 @Pear",
		"markers without items":  "stock: FoodStock Update\nx1 @Banana\nnothing",
		"zero quantity":          "stock: FoodStock Update\nx0 @Pear",
		"paid tier without link": "totem-paid: no link here",
		"free link wrong host":   "totem-free: go https://other/to/Server",
		"link without suffix":    "totem-free: go https://link/to/Lobby",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			ev, ok := p.Parse(raw)
			assert.False(t, ok)
			assert.Equal(t, Event{}, ev)
		})
	}
}

func TestParseEmptyRestockFallsThroughToToken(t *testing.T) {
	t.Parallel()
	p := newTestParser(t)
	ev, ok := p.Parse("stock: FoodStock Update\nx1 @Banana\ntotem-free: grab https://link/games/1?x=Server")
	require.True(t, ok)
	assert.Equal(t, KindToken, ev.Kind)
	assert.Equal(t, TierFree, ev.Token.Tier)
	assert.Equal(t, "https://link/games/1?x=Server", ev.Token.Link)

	ev, ok = p.Parse("stock: FoodStock Update\nx2 @Pear\ntotem-free: https://link/to/Server")
	require.True(t, ok)
	assert.Equal(t, KindRestock, ev.Kind)
}

func TestParseToken(t *testing.T) {
	t.Parallel()
	p := newTestParser(t)

	ev, ok := p.Parse("totem-free: Get it now https://link/to/Server")
	require.True(t, ok)
	assert.Equal(t, KindToken, ev.Kind)
	assert.Equal(t, Token{Tier: TierFree, Body: "Get it now", Link: "https://link/to/Server"}, ev.Token)

	ev, ok = p.Parse("TOTEM-PAID:\n  Join   fast\n(https://link/abc?x=1Server)  before it ends")
	require.True(t, ok)
	assert.Equal(t, TierPaid, ev.Token.Tier)
	assert.Equal(t, "https://link/abc?x=1Server", ev.Token.Link)
	assert.Equal(t, "Join fast before it ends", ev.Token.Body)
	assert.NotContains(t, ev.Token.Body, "totem")
}

func TestParseTokenFreeWins(t *testing.T) {
	t.Parallel()
	p := newTestParser(t)
	ev, ok := p.Parse("totem-paid: totem-free: https://link/a/Server")
	require.True(t, ok)
	assert.Equal(t, TierFree, ev.Token.Tier)
}

func TestParseDefaultLinkRule(t *testing.T) {
	t.Parallel()
	p, err := NewParser(catalog.Default(), Config{})
	require.NoError(t, err)
	ev, ok := p.Parse("totem-free: https://www.roblox.com/share?code=abc&type=Server")
	require.True(t, ok)
	assert.Equal(t, "https://www.roblox.com/share?code=abc&type=Server", ev.Token.Link)
	assert.Equal(t, "", ev.Token.Body)
}

func TestParseIsIdempotent(t *testing.T) {
	t.Parallel()
	p := newTestParser(t)
	for _, raw := range []string{
		"stock: FoodStock Update\nx2 @Pear\nx7 @FrankenKiwi",
		"totem-free: Get it now https://link/to/Server",
		"nothing to see",
	} {
		a, okA := p.Parse(raw)
		b, okB := p.Parse(raw)
		assert.Equal(t, okA, okB)
		assert.Equal(t, a, b)
	}
}
