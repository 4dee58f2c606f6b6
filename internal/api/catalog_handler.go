// catalog_handler.go -- GET /catalog.
package api

import (
	"net/http"
)

type rewardJSON struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Icon            string `json:"icon"`
	Price           int64  `json:"price"`
	Category        string `json:"category"`
	CooldownSeconds int64  `json:"cooldown_seconds"`
	WeeklyCap       int    `json:"weekly_cap,omitempty"`
}

// ListCatalog handles GET /catalog -- every reward in configuration order.
func (h *Handler) ListCatalog(w http.ResponseWriter, r *http.Request) {
	defs := h.Catalog.List()
	out := make([]rewardJSON, 0, len(defs))
	for _, d := range defs {
		out = append(out, rewardJSON{
			ID:              d.ID,
			Name:            d.Name,
			Description:     d.Description,
			Icon:            d.Icon,
			Price:           d.Price,
			Category:        string(d.Category),
			CooldownSeconds: int64(d.Cooldown.Seconds()),
			WeeklyCap:       d.WeeklyCap,
		})
	}
	writeJSON(w, r, http.StatusOK, struct {
		Rewards []rewardJSON `json:"rewards"`
	}{out})
}
