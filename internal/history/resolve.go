package history

import (
	"time"

	"github.com/MGallo-Code/greenpoints/internal/catalog"
	"github.com/MGallo-Code/greenpoints/internal/store"
)

// UnknownName is shown for entries with no usable name snapshot.
const UnknownName = "Unknown reward"

// Match records which step of the fallback chain resolved an entry.
type Match string

const (
	MatchExact    Match = "exact"    // reward id still in the catalog
	MatchName     Match = "name"     // name snapshot matches a catalog name
	MatchCategory Match = "category" // category guessed from the snapshots
	MatchUnknown  Match = "unknown"  // placeholder
)

// Display is the renderable metadata for one ledger entry.
type Display struct {
	Name     string
	Category catalog.Category // empty when unknown
	Icon     string
	Match    Match

	// Cooldown is the catalog's current cooldown for exact matches,
	// otherwise the cooldown recorded on the entry.
	Cooldown time.Duration
}

// Resolver maps ledger entries to display metadata. Catalog entries may be
// renamed or retired after a redemption, so resolution degrades in a fixed order:
// exact id, name substring, category keyword, placeholder.
type Resolver struct {
	Catalog *catalog.Catalog
}

// Resolve never fails; the worst case is the placeholder.
func (r Resolver) Resolve(e store.LedgerEntry) Display {
	stored := e.UnlockAt.Sub(e.RedeemedAt)

	if def, ok := r.Catalog.Get(e.RewardID); ok {
		return Display{Name: def.Name, Category: def.Category, Icon: def.Icon, Match: MatchExact, Cooldown: def.Cooldown}
	}

	name := e.RewardName
	if name == "" {
		name = UnknownName
	}

	if def, ok := r.Catalog.FindByName(e.RewardName); ok {
		return Display{Name: name, Category: def.Category, Icon: def.Icon, Match: MatchName, Cooldown: stored}
	}

	if cat, ok := catalog.GuessCategory(e.RewardCategory, e.RewardName); ok {
		return Display{Name: name, Category: cat, Icon: catalog.CategoryIcon(cat), Match: MatchCategory, Cooldown: stored}
	}

	return Display{Name: name, Icon: catalog.UnknownIcon, Match: MatchUnknown, Cooldown: stored}
}
