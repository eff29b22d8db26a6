package identity

import "time"

// Default values applied to users materialized by registration or
// sync-on-read.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	TokenTypeRefresh = "refresh"

	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// User is the local profile record. Credentials live in the identity
// provider; ExternalID is the join key between the two stores and is
// immutable once set.
type User struct {
	ID              int64
	ExternalID      string
	Email           string
	FirstName       string
	LastName        string
	PhoneNumber     string
	City            string
	Country         string
	EmailVerified   bool
	Active          bool
	Role            string
	ConsentAI       bool
	ConsentVersion  int
	TermsAcceptedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastLogin       time.Time
}

// UserToken is one ledger entry for an issued refresh credential.
// Only an irreversible hash of the credential is stored; lookups are
// comparison-only.
type UserToken struct {
	ID        int64
	UserID    int64
	TokenHash string
	TokenType string
	ClientID  string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
	RevokedAt time.Time
}

// Expired reports whether the entry is past its expiry at the given
// instant. The ledger never auto-purges; callers check.
func (t *UserToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// AuditEvent is an immutable record of an engine action. UserID is nil
// when the subject does not (or no longer) exists locally.
type AuditEvent struct {
	ID           int64
	UserID       *int64
	Action       string
	ResourceType string
	ResourceID   *int64
	IP           string
	UserAgent    string
	Status       string
	Detail       string
	CreatedAt    time.Time
}

// Profile is the registration input. The credential secret travels
// separately and is never persisted locally.
type Profile struct {
	Email       string
	FirstName   string
	LastName    string
	PhoneNumber string
	City        string
	Country     string
	ConsentAI   bool
}

// Claims are the authenticated facts extracted from an access token
// issued by the provider. Sync-on-read prefers these over a remote
// fetch because they are already verified.
type Claims struct {
	Subject       string
	Email         string
	GivenName     string
	FamilyName    string
	EmailVerified bool
}

// RemoteProfile is the provider's view of an identity.
type RemoteProfile struct {
	Email         string
	FirstName     string
	LastName      string
	EmailVerified bool
	Enabled       bool
}

// TokenGrant is the raw result of a credential exchange with the
// provider. Expiries are in seconds, as the wire protocol reports them.
type TokenGrant struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int
	RefreshExpiresIn int
}

// Session is what a successful login or refresh hands back upward.
type Session struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int
	RefreshExpiresIn int
	User             *User
}

// RegisterResult identifies the records created by registration in
// both stores.
type RegisterResult struct {
	UserID     int64
	ExternalID string
}

// ProfilePatch holds optional profile updates; nil fields are left
// untouched.
type ProfilePatch struct {
	FirstName   *string
	LastName    *string
	PhoneNumber *string
	City        *string
	Country     *string
}

// ConsistencyReport summarizes one local-to-remote verification pass.
// Inconsistent lists the external ids present locally but missing at
// the provider. Err carries a failure that interrupted the pass;
// counts collected before the failure remain valid.
type ConsistencyReport struct {
	TotalDBUsers    int
	ConsistentUsers int
	Inconsistent    []string
	Err             string
	CheckedAt       time.Time
}

// Consistent reports whether the pass completed and found no drift.
func (r *ConsistencyReport) Consistent() bool {
	return r.Err == "" && len(r.Inconsistent) == 0
}

// ExportBundle is the full data export for one user.
type ExportBundle struct {
	User   *User
	Events []*AuditEvent
}
