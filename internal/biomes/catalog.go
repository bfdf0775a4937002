package biomes

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"biomewatch/internal/logging"
)

// Info is the display metadata for one biome. Membership in the catalog is
// the validity check for any extracted event name.
type Info struct {
	Emoji       string `yaml:"emoji"`
	Color       string `yaml:"color"`
	Description string `yaml:"description"`
	Thumbnail   string `yaml:"thumbnail"`
	// Notify defaults to true when omitted; NORMAL ships with false.
	Notify *bool `yaml:"notify"`
	// Rare biomes get the longer notification cooldown.
	Rare bool `yaml:"rare"`
}

type Catalog struct {
	entries map[string]Info
	display map[string]string
}

func Normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func NewCatalog(entries map[string]Info) *Catalog {
	catalog := &Catalog{
		entries: make(map[string]Info, len(entries)),
		display: make(map[string]string, len(entries)),
	}
	for name, info := range entries {
		key := Normalize(name)
		if key == "" {
			continue
		}
		catalog.entries[key] = info
		catalog.display[key] = strings.TrimSpace(name)
	}
	return catalog
}

// LoadCatalog reads a YAML biome catalog. Entries with empty names are
// skipped with a log line; the rest of the catalog remains usable.
func LoadCatalog(path string, logger *logging.Logger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read biome catalog: %w", err)
	}
	raw := map[string]Info{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse biome catalog: %w", err)
	}
	entries := make(map[string]Info, len(raw))
	for name, info := range raw {
		if strings.TrimSpace(name) == "" {
			logger.Warn("skipping catalog entry with empty name")
			continue
		}
		entries[name] = info
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("biome catalog %s has no usable entries", path)
	}
	return NewCatalog(entries), nil
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.entries[Normalize(name)]
	return ok
}

func (c *Catalog) Lookup(name string) (Info, bool) {
	info, ok := c.entries[Normalize(name)]
	return info, ok
}

// DisplayName returns the catalog's original casing for a biome key.
func (c *Catalog) DisplayName(name string) string {
	if display, ok := c.display[Normalize(name)]; ok {
		return display
	}
	return name
}

func (c *Catalog) NotifyEnabled(name string) bool {
	info, ok := c.entries[Normalize(name)]
	if !ok {
		return false
	}
	if info.Notify == nil {
		return true
	}
	return *info.Notify
}

func (c *Catalog) IsRare(name string) bool {
	info, ok := c.entries[Normalize(name)]
	return ok && info.Rare
}

// Keys returns the normalized biome names, longest first so that multi-word
// names win fuzzy matching over their substrings (SAND STORM before STORM-ish
// single words), with an alphabetical tiebreak for determinism.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

func (c *Catalog) Len() int {
	return len(c.entries)
}
