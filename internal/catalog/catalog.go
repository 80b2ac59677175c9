// Package catalog loads the capped-supply item definitions the drop lottery
// draws from. Definitions are validated once at load time so the lottery
// never has to second-guess a field.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrInvalidItem is returned when an item definition fails validation.
var ErrInvalidItem = errors.New("catalog: invalid item definition")

// Item is a capped-supply game item.
type Item struct {
	ID           string            `yaml:"id" json:"id"`
	Titles       map[string]string `yaml:"titles" json:"titles"`
	Descriptions map[string]string `yaml:"descriptions" json:"descriptions"`
	DropChance   float64           `yaml:"drop_chance" json:"drop_chance"`       // probability per activity unit
	MaxQuantity  int64             `yaml:"maximum_amount" json:"maximum_amount"` // total that may ever drop
	ImageID      int               `yaml:"image_id" json:"image_id"`
}

// Title returns the item title in lang, falling back to English and then
// to the id.
func (i Item) Title(lang string) string {
	if t, ok := i.Titles[lang]; ok && t != "" {
		return t
	}
	if t, ok := i.Titles["en"]; ok && t != "" {
		return t
	}
	return i.ID
}

func (i Item) validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidItem)
	}
	if i.DropChance < 0 || i.DropChance > 1 {
		return fmt.Errorf("%w: %s drop_chance %v outside [0,1]", ErrInvalidItem, i.ID, i.DropChance)
	}
	if i.MaxQuantity <= 0 {
		return fmt.Errorf("%w: %s maximum_amount must be positive", ErrInvalidItem, i.ID)
	}
	return nil
}

// Catalog is an immutable set of items.
type Catalog struct {
	items map[string]Item
	ids   []string
}

// New validates items and builds a catalog.
func New(items []Item) (*Catalog, error) {
	c := &Catalog{items: make(map[string]Item, len(items))}
	for _, it := range items {
		if err := it.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.items[it.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidItem, it.ID)
		}
		c.items[it.ID] = it
		c.ids = append(c.ids, it.ID)
	}
	sort.Strings(c.ids)
	return c, nil
}

// Parse decodes a YAML document of the form `items: [...]`.
func Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Items []Item `yaml:"items"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse items: %w", err)
	}
	return New(doc.Items)
}

// Load reads and parses an items file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	return Parse(data)
}

// Get returns an item by id.
func (c *Catalog) Get(id string) (Item, bool) {
	it, ok := c.items[id]
	return it, ok
}

// All returns every item ordered by id.
func (c *Catalog) All() []Item {
	out := make([]Item, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.items[id])
	}
	return out
}

// IDs returns every item id, sorted.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.ids...)
}

// Len returns the number of items.
func (c *Catalog) Len() int { return len(c.ids) }
