package identity

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/careersync/identity/internal/obs"
)

// Audit action names recorded by the engine.
const (
	ActionRegister       = "REGISTER"
	ActionLogin          = "LOGIN"
	ActionLogout         = "LOGOUT"
	ActionTokenRefresh   = "TOKEN_REFRESH"
	ActionUserSync       = "USER_SYNC"
	ActionUpdateProfile  = "UPDATE_PROFILE"
	ActionUpdateConsent  = "UPDATE_CONSENT"
	ActionActivateUser   = "ACTIVATE_USER"
	ActionDeactivateUser = "DEACTIVATE_USER"
	ActionDeleteAccount  = "DELETE_ACCOUNT"
	ActionExportData     = "EXPORT_DATA"
	ActionCleanupOrphan  = "CLEANUP_ORPHANED_USER"

	resourceUser   = "user"
	resourceSystem = "system"
)

// Service is the consistency engine. It owns no state of its own: the
// two stores' uniqueness constraints are the only concurrency control,
// and every collaborator is passed in at construction.
type Service struct {
	provider Provider
	users    UserStore
	tokens   TokenStore
	audit    *Recorder
	hasher   TokenHasher
	clock    func() time.Time
	logger   *log.Logger
	clientID string
	limit    *rate.Limiter
}

// Option configures Service behavior.
type Option func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.clock = fn
		}
		return nil
	}
}

// WithTokenHasher replaces the default ledger hasher.
func WithTokenHasher(h TokenHasher) Option {
	return func(s *Service) error {
		if h != nil {
			s.hasher = h
		}
		return nil
	}
}

// WithLogger overrides the structured logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithClientID records the issuing client identifier on ledger entries.
func WithClientID(id string) Option {
	return func(s *Service) error {
		s.clientID = strings.TrimSpace(id)
		return nil
	}
}

// WithProviderLimit paces reconciliation calls against the provider so
// a full sweep cannot stampede it.
func WithProviderLimit(perSecond float64, burst int) Option {
	return func(s *Service) error {
		if perSecond > 0 && burst > 0 {
			s.limit = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
		return nil
	}
}

// NewService constructs the engine with its collaborators.
func NewService(provider Provider, users UserStore, tokens TokenStore, audit *Recorder, opts ...Option) (*Service, error) {
	if provider == nil {
		return nil, errors.New("identity: provider is required")
	}
	if users == nil || tokens == nil {
		return nil, errors.New("identity: stores are required")
	}
	svc := &Service{
		provider: provider,
		users:    users,
		tokens:   tokens,
		audit:    audit,
		hasher:   NewHMACHasher(nil),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.logger == nil {
		svc.logger = obs.Logger()
	}
	return svc, nil
}

// Register creates the identity in the provider first, then locally.
// On a local failure the just-created remote identity is deleted; a
// failed compensation is logged and left for reconciliation, and the
// original local error is what the caller sees. A success means both
// stores hold matching records.
func (s *Service) Register(ctx context.Context, p Profile, password, ip, userAgent string) (*RegisterResult, error) {
	p.Email = normalizeEmail(p.Email)
	if p.Email == "" || !strings.Contains(p.Email, "@") {
		return nil, E(KindValidation, "register", "a valid email is required", nil)
	}
	if password == "" {
		return nil, E(KindValidation, "register", "a password is required", nil)
	}

	// Fast-fail before any remote call.
	exists, err := s.users.ExistsByEmail(ctx, p.Email)
	if err != nil {
		return nil, E(KindStore, "register", "email existence check failed", err)
	}
	if exists {
		obs.IncRegistration(StatusFailed)
		return nil, E(KindConflict, "register", "email already registered", nil)
	}

	externalID, err := s.provider.CreateUser(ctx, p, password)
	if err != nil {
		obs.IncRegistration(StatusFailed)
		s.audit.Record(ctx, eventFor(0, ActionRegister, resourceUser, ip, userAgent, StatusFailed, err.Error()))
		return nil, wrapKind(KindProvider, "register", "provider create failed", err)
	}

	now := s.clock().UTC()
	user := &User{
		ExternalID:      externalID,
		Email:           p.Email,
		FirstName:       p.FirstName,
		LastName:        p.LastName,
		PhoneNumber:     p.PhoneNumber,
		City:            p.City,
		Country:         p.Country,
		EmailVerified:   false,
		Active:          true,
		Role:            RoleUser,
		ConsentAI:       p.ConsentAI,
		ConsentVersion:  1,
		TermsAcceptedAt: now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		// Compensation: remove the remote identity so no orphan is left
		// behind. A failing compensation is logged, not raised; the
		// reconciler will find the orphan.
		if delErr := s.provider.DeleteUser(ctx, externalID); delErr != nil {
			obs.Event("register.compensation_failed", map[string]any{
				"external_id": externalID,
				"error":       delErr.Error(),
			})
		}
		obs.IncRegistration(StatusFailed)
		s.audit.Record(ctx, eventFor(0, ActionRegister, resourceUser, ip, userAgent, StatusFailed, err.Error()))
		return nil, wrapKind(KindStore, "register", "local create failed", err)
	}

	// Best-effort: verification delivery must not roll back the creates.
	if err := s.provider.SendVerification(ctx, externalID); err != nil {
		obs.Event("register.verification_failed", map[string]any{
			"external_id": externalID,
			"error":       err.Error(),
		})
	}

	obs.IncRegistration(StatusSuccess)
	s.audit.Record(ctx, eventFor(user.ID, ActionRegister, resourceUser, ip, userAgent, StatusSuccess, ""))
	return &RegisterResult{UserID: user.ID, ExternalID: externalID}, nil
}

// Login exchanges credentials with the provider, materializes the
// local record if needed, and opens a ledger entry for the refresh
// credential. Every failure surfaces as the same generic
// authentication error; the real cause lands in the audit trail and
// logs only.
func (s *Service) Login(ctx context.Context, email, password, ip, userAgent string) (*Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, s.failLogin(ctx, email, ip, userAgent, errors.New("missing credentials"))
	}

	grant, err := s.provider.ExchangePassword(ctx, email, password)
	if err != nil {
		return nil, s.failLogin(ctx, email, ip, userAgent, err)
	}
	claims, err := s.provider.Claims(grant.AccessToken)
	if err != nil {
		return nil, s.failLogin(ctx, email, ip, userAgent, err)
	}

	user, err := s.EnsureLocal(ctx, claims.Subject, &claims, ip, userAgent)
	if err != nil {
		return nil, s.failLogin(ctx, email, ip, userAgent, err)
	}

	user.LastLogin = s.clock().UTC()
	if err := s.users.Update(ctx, user); err != nil {
		return nil, s.failLogin(ctx, email, ip, userAgent, err)
	}

	if err := s.storeGrant(ctx, user.ID, grant); err != nil {
		return nil, s.failLogin(ctx, email, ip, userAgent, err)
	}

	obs.IncLogin(StatusSuccess)
	s.audit.Record(ctx, eventFor(user.ID, ActionLogin, resourceUser, ip, userAgent, StatusSuccess, ""))
	return s.session(grant, user), nil
}

// failLogin records the real cause against the identity when it can be
// resolved by email, then returns the normalized credential error.
func (s *Service) failLogin(ctx context.Context, email, ip, userAgent string, cause error) error {
	obs.IncLogin(StatusFailed)
	obs.Event("login.failed", map[string]any{"email": email, "error": cause.Error()})
	if user, err := s.users.ByEmail(ctx, email); err == nil {
		s.audit.Record(ctx, eventFor(user.ID, ActionLogin, resourceUser, ip, userAgent, StatusFailed, cause.Error()))
	}
	return E(KindAuthentication, "login", "invalid credentials", nil)
}

// Refresh rotates a refresh credential: the provider issues a new
// pair, the ledger entry for the old credential is revoked (absence is
// treated as already revoked) and a new entry is opened.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		obs.IncRefresh(StatusFailed)
		return nil, E(KindValidation, "refresh", "a refresh token is required", nil)
	}

	grant, err := s.provider.ExchangeRefresh(ctx, refreshToken)
	if err != nil {
		obs.IncRefresh(StatusFailed)
		return nil, E(KindAuthentication, "refresh", "invalid refresh token", err)
	}
	claims, err := s.provider.Claims(grant.AccessToken)
	if err != nil {
		obs.IncRefresh(StatusFailed)
		return nil, E(KindAuthentication, "refresh", "invalid refresh token", err)
	}

	user, err := s.users.ByExternalID(ctx, claims.Subject)
	if err != nil {
		obs.IncRefresh(StatusFailed)
		return nil, wrapKind(KindNotFound, "refresh", "no local identity for token subject", err)
	}

	if err := s.revokeByHash(ctx, s.hasher.Hash(refreshToken)); err != nil {
		obs.IncRefresh(StatusFailed)
		return nil, err
	}
	if err := s.storeGrant(ctx, user.ID, grant); err != nil {
		obs.IncRefresh(StatusFailed)
		return nil, err
	}

	obs.IncRefresh(StatusSuccess)
	s.audit.Record(ctx, eventFor(user.ID, ActionTokenRefresh, resourceUser, "", "", StatusSuccess, ""))
	return s.session(grant, user), nil
}

// Logout revokes the supplied refresh credential's ledger entry,
// best-effort invalidates the provider session, and audits.
func (s *Service) Logout(ctx context.Context, externalID, refreshToken, ip string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken != "" {
		if err := s.revokeByHash(ctx, s.hasher.Hash(refreshToken)); err != nil {
			return err
		}
		if err := s.provider.InvalidateSession(ctx, refreshToken); err != nil {
			obs.Event("logout.provider_invalidate_failed", map[string]any{
				"external_id": externalID,
				"error":       err.Error(),
			})
		}
	}

	user, err := s.users.ByExternalID(ctx, externalID)
	if err != nil {
		return wrapKind(KindNotFound, "logout", "user not found", err)
	}
	s.audit.Record(ctx, eventFor(user.ID, ActionLogout, resourceUser, ip, "", StatusSuccess, ""))
	return nil
}

// revokeByHash marks the active entry matching hash as revoked. An
// already-revoked or unknown credential is a no-op, not an error.
func (s *Service) revokeByHash(ctx context.Context, hash string) error {
	entry, err := s.tokens.FindActive(ctx, hash, TokenTypeRefresh)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil
		}
		return wrapKind(KindStore, "revoke", "ledger lookup failed", err)
	}
	if err := s.tokens.Revoke(ctx, entry.ID, s.clock().UTC()); err != nil {
		return wrapKind(KindStore, "revoke", "ledger revoke failed", err)
	}
	return nil
}

// storeGrant opens a ledger entry for the grant's refresh credential.
// A hash collision means another worker already recorded the same
// credential; that duplicate is benign and swallowed.
func (s *Service) storeGrant(ctx context.Context, userID int64, grant TokenGrant) error {
	now := s.clock().UTC()
	entry := &UserToken{
		UserID:    userID,
		TokenHash: s.hasher.Hash(grant.RefreshToken),
		TokenType: TokenTypeRefresh,
		ClientID:  s.clientID,
		ExpiresAt: now.Add(time.Duration(grant.RefreshExpiresIn) * time.Second),
		CreatedAt: now,
	}
	if err := s.tokens.Insert(ctx, entry); err != nil {
		if IsKind(err, KindConflict) {
			return nil
		}
		return wrapKind(KindStore, "store_grant", "ledger insert failed", err)
	}
	return nil
}

func (s *Service) session(grant TokenGrant, user *User) *Session {
	return &Session{
		AccessToken:      grant.AccessToken,
		RefreshToken:     grant.RefreshToken,
		ExpiresIn:        grant.ExpiresIn,
		RefreshExpiresIn: grant.RefreshExpiresIn,
		User:             user,
	}
}

// GetByExternalID returns the local record for an external identity.
func (s *Service) GetByExternalID(ctx context.Context, externalID string) (*User, error) {
	user, err := s.users.ByExternalID(ctx, externalID)
	if err != nil {
		return nil, wrapKind(KindNotFound, "get", "user not found", err)
	}
	return user, nil
}

// GetByID returns the local record by its store-assigned id.
func (s *Service) GetByID(ctx context.Context, id int64) (*User, error) {
	user, err := s.users.ByID(ctx, id)
	if err != nil {
		return nil, wrapKind(KindNotFound, "get", "user not found", err)
	}
	return user, nil
}

// List returns one page of local records.
func (s *Service) List(ctx context.Context, page, size int) ([]*User, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 || size > 500 {
		size = 50
	}
	users, err := s.users.List(ctx, page*size, size)
	if err != nil {
		return nil, wrapKind(KindStore, "list", "listing failed", err)
	}
	return users, nil
}

// UpdateProfile applies the patch locally and pushes name changes to
// the provider.
func (s *Service) UpdateProfile(ctx context.Context, externalID string, patch ProfilePatch) (*User, error) {
	user, err := s.users.ByExternalID(ctx, externalID)
	if err != nil {
		return nil, wrapKind(KindNotFound, "update_profile", "user not found", err)
	}

	nameChanged := false
	if patch.FirstName != nil {
		user.FirstName = *patch.FirstName
		nameChanged = true
	}
	if patch.LastName != nil {
		user.LastName = *patch.LastName
		nameChanged = true
	}
	if patch.PhoneNumber != nil {
		user.PhoneNumber = *patch.PhoneNumber
	}
	if patch.City != nil {
		user.City = *patch.City
	}
	if patch.Country != nil {
		user.Country = *patch.Country
	}

	if err := s.users.Update(ctx, user); err != nil {
		return nil, wrapKind(KindStore, "update_profile", "local update failed", err)
	}
	if nameChanged {
		if err := s.provider.UpdateUser(ctx, externalID, user.FirstName, user.LastName); err != nil {
			return nil, wrapKind(KindProvider, "update_profile", "provider update failed", err)
		}
	}

	s.audit.Record(ctx, eventFor(user.ID, ActionUpdateProfile, resourceUser, "", "", StatusSuccess, ""))
	return user, nil
}

// UpdateConsent sets the AI-processing consent flag and bumps the
// consent version.
func (s *Service) UpdateConsent(ctx context.Context, externalID string, granted bool) (*User, error) {
	user, err := s.users.ByExternalID(ctx, externalID)
	if err != nil {
		return nil, wrapKind(KindNotFound, "update_consent", "user not found", err)
	}
	user.ConsentAI = granted
	user.ConsentVersion++
	if err := s.users.Update(ctx, user); err != nil {
		return nil, wrapKind(KindStore, "update_consent", "local update failed", err)
	}
	detail := "ai consent: false"
	if granted {
		detail = "ai consent: true"
	}
	s.audit.Record(ctx, eventFor(user.ID, ActionUpdateConsent, resourceUser, "", "", StatusSuccess, detail))
	return user, nil
}

// SetActive toggles the account locally and in the provider.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) error {
	user, err := s.users.ByID(ctx, id)
	if err != nil {
		return wrapKind(KindNotFound, "set_active", "user not found", err)
	}
	user.Active = active
	if err := s.users.Update(ctx, user); err != nil {
		return wrapKind(KindStore, "set_active", "local update failed", err)
	}
	if err := s.provider.SetEnabled(ctx, user.ExternalID, active); err != nil {
		return wrapKind(KindProvider, "set_active", "provider toggle failed", err)
	}
	action := ActionDeactivateUser
	if active {
		action = ActionActivateUser
	}
	s.audit.Record(ctx, eventFor(user.ID, action, resourceUser, "", "", StatusSuccess, ""))
	return nil
}

// Delete removes the identity from the provider, drops its ledger
// entries, and deletes the local record. The provider delete runs
// first so a failure leaves both stores intact.
func (s *Service) Delete(ctx context.Context, externalID string) error {
	user, err := s.users.ByExternalID(ctx, externalID)
	if err != nil {
		return wrapKind(KindNotFound, "delete", "user not found", err)
	}
	if err := s.provider.DeleteUser(ctx, externalID); err != nil {
		return wrapKind(KindProvider, "delete", "provider delete failed", err)
	}
	if err := s.tokens.DeleteByUser(ctx, user.ID, false); err != nil {
		return wrapKind(KindStore, "delete", "token cleanup failed", err)
	}
	if err := s.users.Delete(ctx, user.ID); err != nil {
		return wrapKind(KindStore, "delete", "local delete failed", err)
	}
	s.audit.Record(ctx, eventFor(user.ID, ActionDeleteAccount, resourceUser, "", "", StatusSuccess, ""))
	return nil
}

// ExportData returns the profile with its audit history.
func (s *Service) ExportData(ctx context.Context, externalID string) (*ExportBundle, error) {
	user, err := s.users.ByExternalID(ctx, externalID)
	if err != nil {
		return nil, wrapKind(KindNotFound, "export", "user not found", err)
	}
	events, err := s.auditStore().ByUser(ctx, user.ID, 1000)
	if err != nil {
		return nil, wrapKind(KindStore, "export", "audit lookup failed", err)
	}
	s.audit.Record(ctx, eventFor(user.ID, ActionExportData, resourceUser, "", "", StatusSuccess, ""))
	return &ExportBundle{User: user, Events: events}, nil
}

// AuditTrail returns the most recent audit events for a user.
func (s *Service) AuditTrail(ctx context.Context, userID int64, limit int) ([]*AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	events, err := s.auditStore().ByUser(ctx, userID, limit)
	if err != nil {
		return nil, wrapKind(KindStore, "audit_trail", "audit lookup failed", err)
	}
	return events, nil
}

// CountFailedLogins reports how many failed login events a user has
// accumulated.
func (s *Service) CountFailedLogins(ctx context.Context, userID int64) (int64, error) {
	n, err := s.auditStore().CountByUserActionStatus(ctx, userID, ActionLogin, StatusFailed)
	if err != nil {
		return 0, wrapKind(KindStore, "count_failed_logins", "audit count failed", err)
	}
	return n, nil
}

func (s *Service) auditStore() AuditStore { return s.audit.store }

func (s *Service) waitProvider(ctx context.Context) error {
	if s.limit == nil {
		return nil
	}
	return s.limit.Wait(ctx)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// wrapKind keeps an existing engine error as-is and wraps anything
// else with the fallback kind, so adapter-classified kinds survive the
// trip through the service.
func wrapKind(fallback Kind, op, msg string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return E(fallback, op, msg, err)
}
