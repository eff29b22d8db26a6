package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/careersync/identity/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
}

type claimsKeyType int

const claimsKey claimsKeyType = iota

// withAuth authenticates every non-public request by extracting claims
// from the bearer access token and stashing them in the context.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a.authn == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.authn.Claims(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsFrom returns the authenticated claims for the request.
func claimsFrom(ctx context.Context) (identity.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(identity.Claims)
	return c, ok
}

// currentUser resolves the authenticated caller's local record,
// materializing it from the provider when it does not exist yet.
func (a *API) currentUser(w http.ResponseWriter, r *http.Request) (*identity.User, bool) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	user, err := a.svc.EnsureLocal(r.Context(), claims.Subject, &claims, clientIP(r), r.UserAgent())
	if err != nil {
		writeEngineError(w, r, err)
		return nil, false
	}
	return user, true
}

// requireAdmin resolves the caller and checks the admin role.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) (*identity.User, bool) {
	user, ok := a.currentUser(w, r)
	if !ok {
		return nil, false
	}
	if user.Role != identity.RoleAdmin {
		writeError(w, r, http.StatusForbidden, "admin role required")
		return nil, false
	}
	return user, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
