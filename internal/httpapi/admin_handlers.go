package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

func (a *API) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}

	page, err := parsePositiveInt(r.URL.Query().Get("page"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "page must be a non-negative integer")
		return
	}
	size, err := parsePositiveInt(r.URL.Query().Get("size"), 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	users, err := a.svc.List(r.Context(), page, size)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	items := make([]*userResponse, 0, len(users))
	for _, u := range users {
		items = append(items, userResponseFrom(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"page":  page,
		"size":  size,
	})
}

// handleAdminUserResource serves /v1/admin/users/{id} (get, delete)
// and the activate/deactivate subresources.
func (a *API) handleAdminUserResource(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/users/")
	action := ""
	idRaw := rest
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		idRaw, action = rest[:i], rest[i+1:]
	}
	id, err := strconv.ParseInt(idRaw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusNotFound, "user not found")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			user, err := a.svc.GetByID(r.Context(), id)
			if err != nil {
				writeEngineError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, userResponseFrom(user))
		case http.MethodDelete:
			user, err := a.svc.GetByID(r.Context(), id)
			if err != nil {
				writeEngineError(w, r, err)
				return
			}
			if err := a.svc.Delete(r.Context(), user.ExternalID); err != nil {
				writeEngineError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
	case "activate", "deactivate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if err := a.svc.SetActive(r.Context(), id, action == "activate"); err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": action + "d"})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// handleConsistency runs a local-to-remote verification pass and
// returns the report.
func (a *API) handleConsistency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}

	if r.Method == http.MethodPost && a.sweepTrigger != nil {
		// The trigger runs the sweep to completion before returning.
		if !a.sweepTrigger(r.Context()) {
			writeError(w, r, http.StatusConflict, "a sweep is already running")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "sweep_completed"})
		return
	}

	report := a.svc.VerifyConsistency(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"total_db_users":     report.TotalDBUsers,
		"consistent_users":   report.ConsistentUsers,
		"inconsistent_users": report.Inconsistent,
		"consistent":         report.Consistent(),
		"error":              report.Err,
		"checked_at":         report.CheckedAt,
	})
}

type cleanupRequest struct {
	ExternalID string `json:"external_id"`
	Reason     string `json:"reason"`
}

// handleCleanup deletes a provider-only identity.
func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	var req cleanupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		writeError(w, r, http.StatusBadRequest, "external_id is required")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual cleanup"
	}
	if err := a.svc.CleanupOrphan(r.Context(), req.ExternalID, reason); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleaned"})
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}
