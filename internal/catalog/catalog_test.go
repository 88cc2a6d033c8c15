package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbot/internal/subscriber"
)

func TestCanonical(t *testing.T) {
	t.Parallel()
	c := Default()
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"@Pear", "Pear", true},
		{"Pear", "Pear", true},
		{"@DragonFruit", "Dragon Fruit", true},
		{"@DeepseaPearlFruit", "Deepsea Pearl Fruit", true},
		{"@GoldMango", "Gold Mango", true},
		{"@Volt Gingko", "Volt Ginkgo", true},
		{"@Gold Mango ", "Gold Mango", true},
		{"@UnknownThing", "UnknownThing", false},
		{"@@Pear", "@Pear", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := c.Canonical(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLocaleTables(t *testing.T) {
	t.Parallel()
	c := Default()
	assert.Equal(t, "Груша", c.Display("Pear", subscriber.LocaleRU))
	assert.Equal(t, "Pear", c.Display("Pear", subscriber.LocaleEN))
	assert.Equal(t, "🐲", c.Glyph("Dragon Fruit"))
	assert.Equal(t, DefaultGlyph, c.Glyph("Nope"))
	assert.False(t, c.Bold("Colossal Pinecone"))
	assert.True(t, c.Bold("Franken Kiwi"))
	assert.True(t, c.Bold("Candycane"))
}

func TestFind(t *testing.T) {
	t.Parallel()
	c := Default()
	it, ok := c.Find("dragon fruit")
	require.True(t, ok)
	assert.Equal(t, "Dragon Fruit", it.ID)
	it, ok = c.Find("Желудь")
	require.True(t, ok)
	assert.Equal(t, "Acorn", it.ID)
	_, ok = c.Find("banana")
	assert.False(t, ok)
}

func TestNewRejectsBadTables(t *testing.T) {
	t.Parallel()
	_, err := New(nil, nil, nil)
	require.Error(t, err)
	_, err = New([]Item{{ID: "A"}, {ID: "A"}}, nil, nil)
	require.Error(t, err)
	_, err = New([]Item{{ID: "A"}}, map[string]string{"x": "B"}, nil)
	require.Error(t, err)
}

func TestParseOverride(t *testing.T) {
	t.Parallel()
	c, err := Parse([]byte(`
items:
  - id: Cherry
    glyph: "🍒"
    bold: true
    names: {ru: Вишня, en: Cherry}
aliases:
  Cherries: Cherry
`))
	require.NoError(t, err)
	assert.True(t, c.Contains("Cherry"))
	assert.False(t, c.Contains("Pear"))
	got, ok := c.Canonical("@Cherries")
	assert.True(t, ok)
	assert.Equal(t, "Cherry", got)
	assert.Equal(t, "Вишня", c.Display("Cherry", subscriber.LocaleRU))

	_, err = Parse([]byte("itemz: []"))
	require.Error(t, err)
}
