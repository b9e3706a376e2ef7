package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sceneforge/sceneforge/internal/domain"
)

// QuotaAllocations handles GET /v1/quota/allocations.
func (a *App) QuotaAllocations(w http.ResponseWriter, r *http.Request) {
	alloc, err := a.Ledger.Allocations(r.Context())
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load allocations")
		return
	}
	a.json(w, http.StatusOK, alloc)
}

// QuotaSetAllocations handles PUT /v1/quota/allocations, the admin surface
// for the per-mode split. A split that does not sum to the daily budget is
// rejected and the previous split stays in force.
func (a *App) QuotaSetAllocations(w http.ResponseWriter, r *http.Request) {
	var alloc domain.Allocation
	if err := json.NewDecoder(r.Body).Decode(&alloc); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if err := a.Ledger.SetAllocations(r.Context(), alloc); err != nil {
		if errors.Is(err, domain.ErrInvalidAllocation) {
			a.error(w, http.StatusBadRequest, "invalid_allocation", "split must sum to the daily budget")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to store allocations")
		return
	}
	a.json(w, http.StatusOK, alloc)
}

// QuotaUsage handles GET /v1/quota/usage for the calling user.
func (a *App) QuotaUsage(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	usage, err := a.Ledger.Usage(r.Context(), userID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load usage")
		return
	}
	alloc, err := a.Ledger.Allocations(r.Context())
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load allocations")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"usage":      usage,
		"allocation": alloc,
		"privileged": a.Ledger.Privileged(userID),
	})
}
