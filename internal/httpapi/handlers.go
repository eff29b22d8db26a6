package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/careersync/identity/internal/identity"
	"github.com/careersync/identity/internal/obs"
)

// ReadyProbe pings the backing database for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// TokenAuthenticator extracts identity claims from an access token.
// The provider client satisfies this.
type TokenAuthenticator interface {
	Claims(accessToken string) (identity.Claims, error)
}

// API is the HTTP layer over the identity engine.
type API struct {
	mux        *http.ServeMux
	svc        *identity.Service
	authn      TokenAuthenticator
	readyProbe ReadyProbe
	version    string

	bodyLimit    int64
	ratePerMin   int
	sweepTrigger func(context.Context) bool
}

// Config wires the API's collaborators.
type Config struct {
	Service    *identity.Service
	Authn      TokenAuthenticator
	ReadyProbe ReadyProbe
	Version    string

	// BodyLimit caps request bodies; zero means 1 MiB.
	BodyLimit int64
	// RatePerMin is the per-IP request budget; zero disables limiting.
	RatePerMin int
	// SweepTrigger runs an on-demand reconciliation sweep; nil hides
	// the endpoint's trigger form.
	SweepTrigger func(context.Context) bool
}

func New(cfg Config) *API {
	a := &API{
		mux:          http.NewServeMux(),
		svc:          cfg.Service,
		authn:        cfg.Authn,
		readyProbe:   cfg.ReadyProbe,
		version:      cfg.Version,
		bodyLimit:    cfg.BodyLimit,
		ratePerMin:   cfg.RatePerMin,
		sweepTrigger: cfg.SweepTrigger,
	}
	if a.bodyLimit <= 0 {
		a.bodyLimit = 1 << 20
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// session lifecycle
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)

	// authenticated user surface
	a.mux.HandleFunc("/v1/users/me", a.handleMe)
	a.mux.HandleFunc("/v1/users/me/consent", a.handleConsent)
	a.mux.HandleFunc("/v1/users/me/export", a.handleExport)
	a.mux.HandleFunc("/v1/users/me/audit", a.handleAuditTrail)

	// admin surface
	a.mux.HandleFunc("/v1/admin/users", a.handleAdminUsers)
	a.mux.HandleFunc("/v1/admin/users/", a.handleAdminUserResource)
	a.mux.HandleFunc("/v1/admin/consistency", a.handleConsistency)
	a.mux.HandleFunc("/v1/admin/cleanup", a.handleCleanup)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.bodyLimit)
	if a.ratePerMin > 0 {
		h = RateLimit(h, a.ratePerMin, a.ratePerMin/60+1)
	}
	h = LoggingJSON(h)
	h = SecurityHeaders(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- health handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "careersync-identity",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "careersync-identity",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeEngineError maps the engine's error kinds to HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	msg := "internal error"
	var e *identity.Error
	if errors.As(err, &e) {
		msg = e.Msg
	}
	switch identity.KindOf(err) {
	case identity.KindValidation:
		writeError(w, r, http.StatusBadRequest, msg)
	case identity.KindConflict:
		writeError(w, r, http.StatusConflict, msg)
	case identity.KindNotFound:
		writeError(w, r, http.StatusNotFound, msg)
	case identity.KindAuthentication:
		writeError(w, r, http.StatusUnauthorized, msg)
	case identity.KindProvider:
		writeError(w, r, http.StatusBadGateway, "identity provider unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
