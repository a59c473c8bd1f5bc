package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/username/ionbridge/src/store"
	"github.com/username/ionbridge/src/utils"
)

// ErrorHandler exposes the dead-letter table for inspection and resolution.
type ErrorHandler struct {
	store *store.Store
}

func NewErrorHandler(st *store.Store) *ErrorHandler {
	return &ErrorHandler{store: st}
}

// HandleListErrors returns dead-letter records (?unresolved=true to filter).
func (h *ErrorHandler) HandleListErrors(w http.ResponseWriter, r *http.Request) {
	onlyUnresolved := r.URL.Query().Get("unresolved") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	result, err := h.store.ListErrors(r.Context(), onlyUnresolved, limit)
	if err != nil {
		utils.SendJSONError(w, "error listing integration errors: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

// HandleResolveError marks one dead-letter record resolved. This is the only
// mutation the dead-letter table accepts.
func (h *ErrorHandler) HandleResolveError(w http.ResponseWriter, r *http.Request) {
	errorID := r.PathValue("errorID")

	var body struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.SendJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.ResolveError(r.Context(), errorID, body.Notes); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			utils.SendJSONError(w, "integration error not found or already resolved: "+errorID, http.StatusNotFound)
			return
		}
		utils.SendJSONError(w, "error resolving integration error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, map[string]string{"status": "resolved", "id": errorID}, http.StatusOK)
}
