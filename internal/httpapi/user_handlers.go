package httpapi

import (
	"net/http"
	"time"

	"github.com/careersync/identity/internal/identity"
)

type userResponse struct {
	ID             int64      `json:"id"`
	ExternalID     string     `json:"external_id"`
	Email          string     `json:"email"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	PhoneNumber    string     `json:"phone_number,omitempty"`
	City           string     `json:"city,omitempty"`
	Country        string     `json:"country,omitempty"`
	EmailVerified  bool       `json:"email_verified"`
	Active         bool       `json:"active"`
	Role           string     `json:"role"`
	ConsentAI      bool       `json:"consent_ai"`
	ConsentVersion int        `json:"consent_version"`
	CreatedAt      time.Time  `json:"created_at"`
	LastLogin      *time.Time `json:"last_login,omitempty"`
}

func userResponseFrom(u *identity.User) *userResponse {
	if u == nil {
		return nil
	}
	out := &userResponse{
		ID:             u.ID,
		ExternalID:     u.ExternalID,
		Email:          u.Email,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		PhoneNumber:    u.PhoneNumber,
		City:           u.City,
		Country:        u.Country,
		EmailVerified:  u.EmailVerified,
		Active:         u.Active,
		Role:           u.Role,
		ConsentAI:      u.ConsentAI,
		ConsentVersion: u.ConsentVersion,
		CreatedAt:      u.CreatedAt,
	}
	if !u.LastLogin.IsZero() {
		t := u.LastLogin
		out.LastLogin = &t
	}
	return out
}

type updateProfileRequest struct {
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	PhoneNumber *string `json:"phone_number"`
	City        *string `json:"city"`
	Country     *string `json:"country"`
}

type consentRequest struct {
	ConsentAI bool `json:"consent_ai"`
}

type auditEventResponse struct {
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type,omitempty"`
	Status       string    `json:"status"`
	Detail       string    `json:"detail,omitempty"`
	IP           string    `json:"ip,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func auditEventsFrom(events []*identity.AuditEvent) []auditEventResponse {
	out := make([]auditEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, auditEventResponse{
			Action:       e.Action,
			ResourceType: e.ResourceType,
			Status:       e.Status,
			Detail:       e.Detail,
			IP:           e.IP,
			CreatedAt:    e.CreatedAt,
		})
	}
	return out
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		user, ok := a.currentUser(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, userResponseFrom(user))
	case http.MethodPatch:
		a.updateMe(w, r)
	case http.MethodDelete:
		a.deleteMe(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) updateMe(w http.ResponseWriter, r *http.Request) {
	user, ok := a.currentUser(w, r)
	if !ok {
		return
	}
	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := a.svc.UpdateProfile(r.Context(), user.ExternalID, identity.ProfilePatch{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		PhoneNumber: req.PhoneNumber,
		City:        req.City,
		Country:     req.Country,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponseFrom(updated))
}

func (a *API) deleteMe(w http.ResponseWriter, r *http.Request) {
	user, ok := a.currentUser(w, r)
	if !ok {
		return
	}
	if err := a.svc.Delete(r.Context(), user.ExternalID); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (a *API) handleConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	user, ok := a.currentUser(w, r)
	if !ok {
		return
	}
	var req consentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := a.svc.UpdateConsent(r.Context(), user.ExternalID, req.ConsentAI)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponseFrom(updated))
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := a.currentUser(w, r)
	if !ok {
		return
	}
	bundle, err := a.svc.ExportData(r.Context(), user.ExternalID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   userResponseFrom(bundle.User),
		"events": auditEventsFrom(bundle.Events),
	})
}

func (a *API) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := a.currentUser(w, r)
	if !ok {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	events, err := a.svc.AuditTrail(r.Context(), user.ID, limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": auditEventsFrom(events)})
}
