package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/username/ionbridge/src/utils"
)

// HealthHandler answers liveness probes with a database ping.
type HealthHandler struct {
	db *sql.DB
}

func NewHealthHandler(db *sql.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		utils.SendJSON(w, map[string]string{"status": "unhealthy", "error": err.Error()}, http.StatusServiceUnavailable)
		return
	}
	utils.SendJSON(w, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}, http.StatusOK)
}
