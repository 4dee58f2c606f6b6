// Package catalog holds the process-wide reward table.
//
// Loaded once at startup from YAML (embedded default or CATALOG_PATH) and never
// mutated afterwards. Safe for concurrent reads without locking.
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category is the fixed set of reward categories.
type Category string

const (
	Food      Category = "food"
	Transport Category = "transport"
	Fashion   Category = "fashion"
	Tech      Category = "tech"
	Donation  Category = "donation"
)

// Categories lists every valid category in display order.
var Categories = []Category{Food, Transport, Fashion, Tech, Donation}

// ParseCategory returns the category for s (case-insensitive).
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// RewardDefinition is one catalog entry.
// WeeklyCap of 0 means no cap.
type RewardDefinition struct {
	ID          string
	Name        string
	Description string
	Icon        string
	Price       int64
	Category    Category
	Cooldown    time.Duration
	WeeklyCap   int
}

// Unbounded reports whether the reward has no weekly cap.
func (d RewardDefinition) Unbounded() bool {
	return d.WeeklyCap == 0
}

// ErrInvalidDefinition is wrapped by every validation failure in New.
var ErrInvalidDefinition = errors.New("invalid reward definition")

// Catalog is an immutable, ordered reward table.
type Catalog struct {
	defs []RewardDefinition
	byID map[string]int
}

// New validates defs and returns a catalog preserving their order.
// Categories are stored in their canonical lower-case form.
func New(defs ...RewardDefinition) (*Catalog, error) {
	c := &Catalog{
		defs: make([]RewardDefinition, 0, len(defs)),
		byID: make(map[string]int, len(defs)),
	}
	for i, d := range defs {
		if err := validate(d); err != nil {
			return nil, fmt.Errorf("reward %d (%q): %w", i, d.ID, err)
		}
		d.Category, _ = ParseCategory(string(d.Category))
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("reward %d: %w: duplicate id %q", i, ErrInvalidDefinition, d.ID)
		}
		c.byID[d.ID] = len(c.defs)
		c.defs = append(c.defs, d)
	}
	return c, nil
}

func validate(d RewardDefinition) error {
	switch {
	case strings.TrimSpace(d.ID) == "":
		return fmt.Errorf("%w: empty id", ErrInvalidDefinition)
	case d.Price <= 0:
		return fmt.Errorf("%w: price must be positive, got %d", ErrInvalidDefinition, d.Price)
	case d.Cooldown < 0:
		return fmt.Errorf("%w: negative cooldown %s", ErrInvalidDefinition, d.Cooldown)
	case d.WeeklyCap < 0:
		return fmt.Errorf("%w: negative weekly cap %d", ErrInvalidDefinition, d.WeeklyCap)
	}
	if _, ok := ParseCategory(string(d.Category)); !ok {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidDefinition, d.Category)
	}
	return nil
}

// Get returns the definition for id.
func (c *Catalog) Get(id string) (RewardDefinition, bool) {
	i, ok := c.byID[id]
	if !ok {
		return RewardDefinition{}, false
	}
	return c.defs[i], true
}

// List returns all definitions in configuration order.
// The returned slice is a copy.
func (c *Catalog) List() []RewardDefinition {
	out := make([]RewardDefinition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Len returns the number of rewards.
func (c *Catalog) Len() int {
	return len(c.defs)
}

// FindByName returns the first definition whose name contains name, or is
// contained by it, ignoring case. Empty names never match.
func (c *Catalog) FindByName(name string) (RewardDefinition, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return RewardDefinition{}, false
	}
	for _, d := range c.defs {
		hay := strings.ToLower(d.Name)
		if hay == "" {
			continue
		}
		if strings.Contains(hay, needle) || strings.Contains(needle, hay) {
			return d, true
		}
	}
	return RewardDefinition{}, false
}
