// health_handler.go -- Health check handler for GET /health.
package api

import (
	"net/http"
)

// CheckHealth handles GET /health -- pings the ledger store and the broker,
// returns per-dependency status. 200 if all configured dependencies are up, 503 otherwise.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	ledgerStatus := "ok"
	brokerStatus := "disabled"

	if err := h.Ledger.CheckHealth(r.Context()); err != nil {
		logError(r, "ledger health check failed", "error", err)
		ledgerStatus = "error"
	}
	if h.Broker != nil {
		brokerStatus = "ok"
		if err := h.Broker.CheckHealth(r.Context()); err != nil {
			logError(r, "broker health check failed", "error", err)
			brokerStatus = "error"
		}
	}

	status := http.StatusOK
	if ledgerStatus == "error" || brokerStatus == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, struct {
		Ledger string `json:"ledger"`
		Broker string `json:"broker"`
	}{ledgerStatus, brokerStatus})
}
