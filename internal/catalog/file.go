package catalog

import (
	"bytes"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// fileTables is the on-disk override format (YAML or JSON).
// Sections left out keep the built-in tables.
type fileTables struct {
	Items   []Item            `yaml:"items"`
	Aliases map[string]string `yaml:"aliases"`
	Rules   []Rule            `yaml:"rules"`
}

// LoadFile builds a catalog from an override file. An empty path returns Default().
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(b)
}

// Parse decodes override tables strictly; unknown keys are rejected.
func Parse(b []byte) (*Catalog, error) {
	var ft fileTables
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&ft); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	items := ft.Items
	if len(items) == 0 {
		items = DefaultItems()
	}
	aliases := ft.Aliases
	if aliases == nil {
		known := make(map[string]bool, len(items))
		for _, it := range items {
			known[it.ID] = true
		}
		aliases = make(map[string]string)
		for from, to := range DefaultAliases() {
			if known[to] {
				aliases[from] = to
			}
		}
	}
	rules := ft.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	return New(items, aliases, rules)
}
