package catalog

import "stockbot/internal/subscriber"

func item(id, glyph string, bold bool, ru string) Item {
	return Item{
		ID:    id,
		Glyph: glyph,
		Bold:  bold,
		Names: map[subscriber.Locale]string{
			subscriber.LocaleEN: id,
			subscriber.LocaleRU: ru,
		},
	}
}

// DefaultItems is the built-in catalog in display order.
func DefaultItems() []Item {
	return []Item{
		item("Pear", "🍐", false, "Груша"),
		item("Pineapple", "🍍", false, "Ананас"),
		item("Gold Mango", "🥭", false, "Манго"),
		item("Dragon Fruit", "🐲", false, "Драконий фрукт"),
		item("Bloodstone Cycad", "🩸", false, "Bloodstone Cycad"),
		item("Colossal Pinecone", "❇️", false, "Colossal Pinecone"),
		item("Franken Kiwi", "🥝", true, "Франкен Киви"),
		item("Pumpkin", "🎃", true, "Тыква"),
		item("Durian", "❄️", true, "Дуриан"),
		item("Candy Corn", "🍬", true, "Конфета"),
		item("Deepsea Pearl Fruit", "🐚", true, "Ракушка"),
		item("Volt Ginkgo", "⚡️🦕", true, "Volt Ginkgo"),
		item("Cranberry", "🍇", true, "Клюква"),
		item("Acorn", "🌰", true, "Желудь"),
		item("Gingerbread", "🍪", true, "Пряничный человечек"),
		item("Candycane", "🎄🍭", true, "Конфетная трость"),
	}
}

// DefaultAliases maps whole upstream tokens (sigil already stripped) to ids.
func DefaultAliases() map[string]string {
	return map[string]string{
		"GoldMango":   "Gold Mango",
		"Volt Gingko": "Volt Ginkgo",
		"VoltGingko":  "Volt Ginkgo",
		"Candy Cane":  "Candycane",
		"CandyCane":   "Candycane",
		"Deepsea":     "Deepsea Pearl Fruit",
	}
}

// DefaultRules restores spaces in tokens historically posted without them.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "DragonFruit", Replacement: "Dragon Fruit"},
		{Pattern: "BloodstoneCycad", Replacement: "Bloodstone Cycad"},
		{Pattern: "ColossalPinecone", Replacement: "Colossal Pinecone"},
		{Pattern: "FrankenKiwi", Replacement: "Franken Kiwi"},
		{Pattern: "DeepseaPearlFruit", Replacement: "Deepsea Pearl Fruit"},
		{Pattern: "VoltGinkgo", Replacement: "Volt Ginkgo"},
		{Pattern: "CandyCorn", Replacement: "Candy Corn"},
	}
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(DefaultItems(), DefaultAliases(), DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}
