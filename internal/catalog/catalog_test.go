package catalog

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// --- Default ---

func TestDefault(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if c.Len() == 0 {
		t.Fatal("expected embedded catalog to have rewards")
	}

	t.Run("keeps configuration order", func(t *testing.T) {
		list := c.List()
		if list[0].ID != "coffee-voucher" {
			t.Errorf("first reward: expected coffee-voucher, got %q", list[0].ID)
		}
	})

	t.Run("parses cooldown and cap", func(t *testing.T) {
		d, ok := c.Get("coffee-voucher")
		if !ok {
			t.Fatal("coffee-voucher not found")
		}
		if d.Cooldown != 24*time.Hour {
			t.Errorf("Cooldown: expected 24h, got %s", d.Cooldown)
		}
		if d.WeeklyCap != 5 {
			t.Errorf("WeeklyCap: expected 5, got %d", d.WeeklyCap)
		}
	})

	t.Run("missing cooldown and cap mean none and unbounded", func(t *testing.T) {
		d, ok := c.Get("plant-a-tree")
		if !ok {
			t.Fatal("plant-a-tree not found")
		}
		if d.Cooldown != 0 {
			t.Errorf("Cooldown: expected 0, got %s", d.Cooldown)
		}
		if !d.Unbounded() {
			t.Error("expected unbounded weekly cap")
		}
	})

	t.Run("fills icon from category when absent", func(t *testing.T) {
		d, _ := c.Get("bakery-treat")
		if d.Icon != "utensils" {
			t.Errorf("Icon: expected utensils, got %q", d.Icon)
		}
	})
}

// --- New ---

func TestNewValidation(t *testing.T) {
	valid := RewardDefinition{ID: "a", Name: "A", Price: 10, Category: Food}

	tests := []struct {
		name string
		defs []RewardDefinition
	}{
		{"empty id", []RewardDefinition{{Price: 10, Category: Food}}},
		{"zero price", []RewardDefinition{{ID: "x", Category: Food}}},
		{"negative cooldown", []RewardDefinition{{ID: "x", Price: 1, Category: Food, Cooldown: -time.Second}}},
		{"negative cap", []RewardDefinition{{ID: "x", Price: 1, Category: Food, WeeklyCap: -1}}},
		{"unknown category", []RewardDefinition{{ID: "x", Price: 1, Category: "toys"}}},
		{"duplicate id", []RewardDefinition{valid, valid}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.defs...)
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("expected ErrInvalidDefinition, got %v", err)
			}
		})
	}
}

func TestNewNormalizesCategory(t *testing.T) {
	c, err := New(RewardDefinition{ID: "a", Name: "A", Price: 10, Category: "TECH"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, _ := c.Get("a")
	if got.Category != Tech {
		t.Errorf("category: expected %q, got %q", Tech, got.Category)
	}
}

func TestListReturnsCopy(t *testing.T) {
	c, err := New(RewardDefinition{ID: "a", Name: "A", Price: 10, Category: Food})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	list := c.List()
	list[0].Price = 1

	got, _ := c.Get("a")
	if got.Price != 10 {
		t.Errorf("catalog mutated through List(): price %d", got.Price)
	}
}

// --- LoadYAML ---

func TestLoadYAML(t *testing.T) {
	t.Run("rejects unknown fields", func(t *testing.T) {
		doc := "rewards:\n  - id: a\n    price: 1\n    category: food\n    colour: red\n"
		if _, err := LoadYAML(strings.NewReader(doc)); err == nil {
			t.Fatal("expected error for unknown field")
		}
	})

	t.Run("normalizes category case", func(t *testing.T) {
		doc := "rewards:\n  - id: a\n    price: 1\n    category: \" Food \"\n"
		c, err := LoadYAML(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("LoadYAML: %v", err)
		}
		got, _ := c.Get("a")
		if got.Category != Food {
			t.Errorf("category: expected %q, got %q", Food, got.Category)
		}
		if got.Icon != CategoryIcon(Food) {
			t.Errorf("icon: expected %q, got %q", CategoryIcon(Food), got.Icon)
		}
	})

	t.Run("rejects unknown category", func(t *testing.T) {
		doc := "rewards:\n  - id: a\n    price: 1\n    category: toys\n"
		_, err := LoadYAML(strings.NewReader(doc))
		if !errors.Is(err, ErrInvalidDefinition) {
			t.Fatalf("expected ErrInvalidDefinition, got %v", err)
		}
	})

	t.Run("rejects bad duration", func(t *testing.T) {
		doc := "rewards:\n  - id: a\n    price: 1\n    category: food\n    cooldown: tomorrow\n"
		_, err := LoadYAML(strings.NewReader(doc))
		if !errors.Is(err, ErrInvalidDefinition) {
			t.Fatalf("expected ErrInvalidDefinition, got %v", err)
		}
	})
}

// --- Lookup helpers ---

func TestFindByName(t *testing.T) {
	c, _ := New(
		RewardDefinition{ID: "coffee", Name: "Free Coffee", Price: 1, Category: Food},
		RewardDefinition{ID: "bus", Name: "Bus Day Pass", Price: 1, Category: Transport},
	)

	tests := []struct {
		query  string
		wantID string
		found  bool
	}{
		{"free coffee", "coffee", true},
		{"COFFEE", "coffee", true},
		{"Bus Day Pass (weekend)", "bus", true},
		{"", "", false},
		{"tote", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			d, ok := c.FindByName(tt.query)
			if ok != tt.found {
				t.Fatalf("found: expected %v, got %v", tt.found, ok)
			}
			if ok && d.ID != tt.wantID {
				t.Errorf("ID: expected %q, got %q", tt.wantID, d.ID)
			}
		})
	}
}

func TestGuessCategory(t *testing.T) {
	tests := []struct {
		texts []string
		want  Category
		found bool
	}{
		{[]string{"Large Latte Coffee"}, Food, true},
		{[]string{"Metro Ticket"}, Transport, true},
		{[]string{"mystery", "tech"}, Tech, true},
		{[]string{"Tree Planting Donation"}, Donation, true},
		{[]string{"mystery box"}, "", false},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.texts, "|"), func(t *testing.T) {
			got, ok := GuessCategory(tt.texts...)
			if ok != tt.found || got != tt.want {
				t.Errorf("expected (%q, %v), got (%q, %v)", tt.want, tt.found, got, ok)
			}
		})
	}
}
