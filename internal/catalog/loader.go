package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// file is the on-disk YAML shape.
type file struct {
	Rewards []struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Icon        string `yaml:"icon"`
		Price       int64  `yaml:"price"`
		Category    string `yaml:"category"`
		Cooldown    string `yaml:"cooldown"`
		WeeklyCap   int    `yaml:"weekly_cap"`
	} `yaml:"rewards"`
}

// LoadYAML parses and validates a catalog document.
// Missing cooldown means no cooldown; missing weekly_cap means unbounded.
func LoadYAML(r io.Reader) (*Catalog, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}

	defs := make([]RewardDefinition, 0, len(f.Rewards))
	for _, raw := range f.Rewards {
		var cooldown time.Duration
		if raw.Cooldown != "" {
			d, err := time.ParseDuration(raw.Cooldown)
			if err != nil {
				return nil, fmt.Errorf("reward %q: %w: cooldown %q: %v", raw.ID, ErrInvalidDefinition, raw.Cooldown, err)
			}
			cooldown = d
		}
		// Unknown categories pass through raw so New reports them.
		category, ok := ParseCategory(raw.Category)
		if !ok {
			category = Category(raw.Category)
		}
		icon := raw.Icon
		if icon == "" {
			icon = CategoryIcon(category)
		}
		defs = append(defs, RewardDefinition{
			ID:          raw.ID,
			Name:        raw.Name,
			Description: raw.Description,
			Icon:        icon,
			Price:       raw.Price,
			Category:    category,
			Cooldown:    cooldown,
			WeeklyCap:   raw.WeeklyCap,
		})
	}
	return New(defs...)
}

// LoadFile reads the catalog at path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()
	return LoadYAML(f)
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return LoadYAML(bytes.NewReader(defaultCatalog))
}
