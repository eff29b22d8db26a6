// Package keycloak adapts the Keycloak REST surface to the engine's
// Provider contract. Admin calls authenticate with the client
// credentials grant; the token endpoint handles password and refresh
// exchanges directly.
package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/careersync/identity/internal/identity"
)

// Config carries the realm coordinates. ClientSecret belongs to a
// confidential client with realm user-management roles.
type Config struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string

	// HTTPClient overrides the transport (tests). nil means a default
	// client with a sane timeout.
	HTTPClient *http.Client
}

// Client implements identity.Provider against one Keycloak realm.
type Client struct {
	base         string
	realm        string
	clientID     string
	clientSecret string

	admin *http.Client // bearer-authenticated via client credentials
	plain *http.Client // unauthenticated, for the token endpoint
}

var _ identity.Provider = (*Client)(nil)

// New validates cfg and builds the client. The admin token is fetched
// lazily and refreshed automatically.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Realm == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("keycloak: base url, realm and client id are required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	plain := cfg.HTTPClient
	if plain == nil {
		plain = &http.Client{Timeout: 10 * time.Second}
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/realms/" + cfg.Realm + "/protocol/openid-connect/token",
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, plain)

	return &Client{
		base:         base,
		realm:        cfg.Realm,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		admin:        cc.Client(ctx),
		plain:        plain,
	}, nil
}

func (c *Client) adminURL(parts ...string) string {
	return c.base + "/admin/realms/" + c.realm + "/" + path.Join(parts...)
}

func (c *Client) tokenURL() string {
	return c.base + "/realms/" + c.realm + "/protocol/openid-connect/token"
}

func (c *Client) logoutURL() string {
	return c.base + "/realms/" + c.realm + "/protocol/openid-connect/logout"
}

// userRepresentation is the subset of Keycloak's user resource the
// engine reads and writes.
type userRepresentation struct {
	ID            string              `json:"id,omitempty"`
	Username      string              `json:"username,omitempty"`
	Email         string              `json:"email,omitempty"`
	FirstName     string              `json:"firstName,omitempty"`
	LastName      string              `json:"lastName,omitempty"`
	Enabled       *bool               `json:"enabled,omitempty"`
	EmailVerified *bool               `json:"emailVerified,omitempty"`
	Credentials   []credentialRepr    `json:"credentials,omitempty"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
}

type credentialRepr struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

func boolPtr(b bool) *bool { return &b }

// CreateUser provisions the identity with its password credential and
// returns the new id from the Location header.
func (c *Client) CreateUser(ctx context.Context, p identity.Profile, password string) (string, error) {
	repr := userRepresentation{
		Username:      p.Email,
		Email:         p.Email,
		FirstName:     p.FirstName,
		LastName:      p.LastName,
		Enabled:       boolPtr(true),
		EmailVerified: boolPtr(false),
		Credentials:   []credentialRepr{{Type: "password", Value: password, Temporary: false}},
	}
	body, err := json.Marshal(repr)
	if err != nil {
		return "", identity.E(identity.KindProvider, "keycloak.create", "encode user", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.adminURL("users"), bytes.NewReader(body))
	if err != nil {
		return "", identity.E(identity.KindProvider, "keycloak.create", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.admin.Do(req)
	if err != nil {
		return "", identity.E(identity.KindProvider, "keycloak.create", "request failed", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusCreated {
		return "", c.errorFrom(resp, "keycloak.create")
	}
	loc := resp.Header.Get("Location")
	id := path.Base(loc)
	if loc == "" || id == "" || id == "." || id == "/" {
		return "", identity.E(identity.KindProvider, "keycloak.create", "missing user id in response", nil)
	}
	return id, nil
}

// FetchUser reads the provider's record. A 404 maps to the engine's
// not-found kind so reconciliation can tell drift from outage.
func (c *Client) FetchUser(ctx context.Context, externalID string) (identity.RemoteProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.adminURL("users", externalID), nil)
	if err != nil {
		return identity.RemoteProfile{}, identity.E(identity.KindProvider, "keycloak.fetch", "build request", err)
	}
	resp, err := c.admin.Do(req)
	if err != nil {
		return identity.RemoteProfile{}, identity.E(identity.KindProvider, "keycloak.fetch", "request failed", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return identity.RemoteProfile{}, c.errorFrom(resp, "keycloak.fetch")
	}
	var repr userRepresentation
	if err := json.NewDecoder(resp.Body).Decode(&repr); err != nil {
		return identity.RemoteProfile{}, identity.E(identity.KindProvider, "keycloak.fetch", "decode user", err)
	}
	out := identity.RemoteProfile{
		Email:     repr.Email,
		FirstName: repr.FirstName,
		LastName:  repr.LastName,
	}
	if repr.Enabled != nil {
		out.Enabled = *repr.Enabled
	}
	if repr.EmailVerified != nil {
		out.EmailVerified = *repr.EmailVerified
	}
	return out, nil
}

// UpdateUser pushes a name change.
func (c *Client) UpdateUser(ctx context.Context, externalID, firstName, lastName string) error {
	return c.putUser(ctx, externalID, userRepresentation{FirstName: firstName, LastName: lastName}, "keycloak.update")
}

// SetEnabled toggles the account.
func (c *Client) SetEnabled(ctx context.Context, externalID string, enabled bool) error {
	return c.putUser(ctx, externalID, userRepresentation{Enabled: boolPtr(enabled)}, "keycloak.enable")
}

func (c *Client) putUser(ctx context.Context, externalID string, repr userRepresentation, op string) error {
	body, err := json.Marshal(repr)
	if err != nil {
		return identity.E(identity.KindProvider, op, "encode user", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.adminURL("users", externalID), bytes.NewReader(body))
	if err != nil {
		return identity.E(identity.KindProvider, op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.admin.Do(req)
	if err != nil {
		return identity.E(identity.KindProvider, op, "request failed", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp, op)
	}
	return nil
}

// DeleteUser removes the identity. Deleting an unknown id reports
// not-found; orphan cleanup treats that as already gone.
func (c *Client) DeleteUser(ctx context.Context, externalID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.adminURL("users", externalID), nil)
	if err != nil {
		return identity.E(identity.KindProvider, "keycloak.delete", "build request", err)
	}
	resp, err := c.admin.Do(req)
	if err != nil {
		return identity.E(identity.KindProvider, "keycloak.delete", "request failed", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp, "keycloak.delete")
	}
	return nil
}

// SendVerification triggers the verify-email flow.
func (c *Client) SendVerification(ctx context.Context, externalID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.adminURL("users", externalID, "send-verify-email"), nil)
	if err != nil {
		return identity.E(identity.KindProvider, "keycloak.verify", "build request", err)
	}
	resp, err := c.admin.Do(req)
	if err != nil {
		return identity.E(identity.KindProvider, "keycloak.verify", "request failed", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp, "keycloak.verify")
	}
	return nil
}

// tokenResponse mirrors the token endpoint payload.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
	TokenType        string `json:"token_type"`
}

// ExchangePassword runs the resource-owner password grant.
func (c *Client) ExchangePassword(ctx context.Context, email, password string) (identity.TokenGrant, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {email},
		"password":   {password},
		"scope":      {"openid"},
	}
	return c.exchange(ctx, form, "keycloak.password_grant")
}

// ExchangeRefresh rotates a refresh token. Keycloak invalidates the
// presented token as part of the grant.
func (c *Client) ExchangeRefresh(ctx context.Context, refreshToken string) (identity.TokenGrant, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.exchange(ctx, form, "keycloak.refresh_grant")
}

func (c *Client) exchange(ctx context.Context, form url.Values, op string) (identity.TokenGrant, error) {
	form.Set("client_id", c.clientID)
	if c.clientSecret != "" {
		form.Set("client_secret", c.clientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return identity.TokenGrant{}, identity.E(identity.KindProvider, op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.plain.Do(req)
	if err != nil {
		return identity.TokenGrant{}, identity.E(identity.KindProvider, op, "request failed", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return identity.TokenGrant{}, c.errorFrom(resp, op)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return identity.TokenGrant{}, identity.E(identity.KindProvider, op, "decode token response", err)
	}
	if tok.AccessToken == "" {
		return identity.TokenGrant{}, identity.E(identity.KindProvider, op, "empty access token", nil)
	}
	return identity.TokenGrant{
		AccessToken:      tok.AccessToken,
		RefreshToken:     tok.RefreshToken,
		ExpiresIn:        tok.ExpiresIn,
		RefreshExpiresIn: tok.RefreshExpiresIn,
	}, nil
}

// InvalidateSession ends the provider session behind a refresh token.
func (c *Client) InvalidateSession(ctx context.Context, refreshToken string) error {
	form := url.Values{
		"client_id":     {c.clientID},
		"refresh_token": {refreshToken},
	}
	if c.clientSecret != "" {
		form.Set("client_secret", c.clientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.logoutURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return identity.E(identity.KindProvider, "keycloak.logout", "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.plain.Do(req)
	if err != nil {
		return identity.E(identity.KindProvider, "keycloak.logout", "request failed", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp, "keycloak.logout")
	}
	return nil
}

// accessClaims is the claim subset the engine consumes.
type accessClaims struct {
	Email         string `json:"email"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// Claims extracts identity facts from an access token the provider
// itself just issued over the exchange, so the transport is the trust
// boundary and no second signature check is needed here.
func (c *Client) Claims(accessToken string) (identity.Claims, error) {
	var claims accessClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return identity.Claims{}, identity.E(identity.KindAuthentication, "keycloak.claims", "malformed access token", err)
	}
	if claims.Subject == "" {
		return identity.Claims{}, identity.E(identity.KindAuthentication, "keycloak.claims", "token has no subject", nil)
	}
	return identity.Claims{
		Subject:       claims.Subject,
		Email:         claims.Email,
		GivenName:     claims.GivenName,
		FamilyName:    claims.FamilyName,
		EmailVerified: claims.EmailVerified,
	}, nil
}

// keycloakError is the error payload shape; admin endpoints use
// errorMessage, the token endpoint uses error/error_description.
type keycloakError struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorCode    string `json:"error"`
	Description  string `json:"error_description"`
}

func (c *Client) errorFrom(resp *http.Response, op string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ke keycloakError
	_ = json.Unmarshal(raw, &ke)

	msg := ke.ErrorMessage
	if msg == "" {
		msg = ke.Description
	}
	if msg == "" {
		msg = ke.ErrorCode
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	kind := kindFromStatus(resp.StatusCode)
	return identity.E(kind, op, fmt.Sprintf("%s (status %d)", msg, resp.StatusCode), nil)
}

func kindFromStatus(status int) identity.Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return identity.KindAuthentication
	case http.StatusNotFound:
		return identity.KindNotFound
	case http.StatusConflict:
		return identity.KindConflict
	case http.StatusBadRequest:
		return identity.KindValidation
	default:
		return identity.KindProvider
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
