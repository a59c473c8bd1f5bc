package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/username/ionbridge/src/store"
	"github.com/username/ionbridge/src/utils"
)

// StatsHandler serves the read-only aggregates consumed by the dashboard.
// These are plain queries over the core tables, not pipeline logic.
type StatsHandler struct {
	store *store.Store
}

func NewStatsHandler(st *store.Store) *StatsHandler {
	return &StatsHandler{store: st}
}

// HandleDailySummary returns the order/amount aggregates for one UTC day
// (?date=YYYY-MM-DD, default today).
func (h *StatsHandler) HandleDailySummary(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		parsed, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			utils.SendJSONError(w, "invalid date, expected YYYY-MM-DD: "+dateStr, http.StatusBadRequest)
			return
		}
		day = parsed
	}

	summary, err := h.store.DailySummary(r.Context(), day)
	if err != nil {
		utils.SendJSONError(w, "error computing daily summary: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, summary, http.StatusOK)
}

// HandleEventStats returns counts and average durations per event type and
// status.
func (h *StatsHandler) HandleEventStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.EventStats(r.Context())
	if err != nil {
		utils.SendJSONError(w, "error computing event stats: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, stats, http.StatusOK)
}

// HandleErrorStats returns dead-letter counts grouped by error type.
func (h *StatsHandler) HandleErrorStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.ErrorStats(r.Context())
	if err != nil {
		utils.SendJSONError(w, "error computing error stats: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, stats, http.StatusOK)
}

// HandleRateTrend returns the recent rate history for a currency pair.
func (h *StatsHandler) HandleRateTrend(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		utils.SendJSONError(w, "query parameters 'from' and 'to' are required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	rates, err := h.store.RateHistory(r.Context(), from, to, limit)
	if err != nil {
		utils.SendJSONError(w, "error querying rate history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, rates, http.StatusOK)
}
