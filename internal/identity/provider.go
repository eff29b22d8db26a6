package identity

import "context"

// Provider is the identity provider capability the engine consumes.
// Implementations own timeouts and report failures as *Error with
// KindProvider (or KindAuthentication when credentials are rejected,
// KindNotFound when the identity does not exist remotely).
type Provider interface {
	// CreateUser provisions the identity remotely and returns its
	// external id.
	CreateUser(ctx context.Context, p Profile, password string) (string, error)

	// FetchUser returns the provider's view of an identity.
	FetchUser(ctx context.Context, externalID string) (RemoteProfile, error)

	// UpdateUser pushes name changes to the provider.
	UpdateUser(ctx context.Context, externalID, firstName, lastName string) error

	// DeleteUser removes the identity remotely.
	DeleteUser(ctx context.Context, externalID string) error

	// SetEnabled toggles the remote account.
	SetEnabled(ctx context.Context, externalID string, enabled bool) error

	// SendVerification asks the provider to send a verification
	// notification. Callers treat failures as best-effort.
	SendVerification(ctx context.Context, externalID string) error

	// ExchangePassword trades credentials for a token pair.
	ExchangePassword(ctx context.Context, email, password string) (TokenGrant, error)

	// ExchangeRefresh trades a refresh credential for a new pair.
	ExchangeRefresh(ctx context.Context, refreshToken string) (TokenGrant, error)

	// InvalidateSession terminates the provider-side session for the
	// refresh credential. Best-effort; callers swallow failures.
	InvalidateSession(ctx context.Context, refreshToken string) error

	// Claims extracts the authenticated claims from an access token the
	// provider just issued.
	Claims(accessToken string) (Claims, error)
}
