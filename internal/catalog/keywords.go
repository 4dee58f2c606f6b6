package catalog

import "strings"

// UnknownIcon is shown when no category can be determined.
const UnknownIcon = "gift"

var categoryIcons = map[Category]string{
	Food:      "utensils",
	Transport: "bus",
	Fashion:   "shirt",
	Tech:      "cpu",
	Donation:  "heart",
}

// CategoryIcon returns the placeholder icon for c, or UnknownIcon.
func CategoryIcon(c Category) string {
	if icon, ok := categoryIcons[c]; ok {
		return icon
	}
	return UnknownIcon
}

// Ordered so that overlapping words resolve the same way every time.
var categoryKeywords = []struct {
	category Category
	words    []string
}{
	{Donation, []string{"donat", "tree", "plant", "charity", "ocean", "cleanup", "shelter", "fund"}},
	{Transport, []string{"bus", "metro", "ride", "bike", "train", "transit", "scooter", "ticket", "taxi", "pass"}},
	{Food, []string{"coffee", "meal", "food", "snack", "lunch", "pizza", "drink", "restaurant", "cafe", "bakery", "treat"}},
	{Fashion, []string{"shirt", "tote", "bag", "clothing", "fashion", "apparel", "shoe", "hoodie", "sock"}},
	{Tech, []string{"headphone", "earbud", "charger", "tech", "phone", "gadget", "speaker", "power bank", "usb"}},
}

// GuessCategory applies the keyword heuristic to each text in turn and
// returns the first category whose keyword appears in it.
func GuessCategory(texts ...string) (Category, bool) {
	for _, t := range texts {
		t = strings.ToLower(t)
		if t == "" {
			continue
		}
		if c, ok := ParseCategory(t); ok {
			return c, true
		}
		for _, kw := range categoryKeywords {
			for _, w := range kw.words {
				if strings.Contains(t, w) {
					return kw.category, true
				}
			}
		}
	}
	return "", false
}
