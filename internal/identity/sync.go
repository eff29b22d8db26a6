package identity

import (
	"context"
	"strings"

	"github.com/careersync/identity/internal/obs"
)

// EnsureLocal returns the local record for externalID, materializing
// one when the identity exists only at the provider. Claims are the
// preferred source because they are already authenticated; a remote
// fetch is the fallback when no claims are available.
//
// Two concurrent calls may both decide to insert; the store's unique
// constraint on external id picks the winner and the loser retries as
// a lookup. Either way the caller gets the one record that exists.
func (s *Service) EnsureLocal(ctx context.Context, externalID string, claims *Claims, ip, userAgent string) (*User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, E(KindValidation, "sync", "an external id is required", nil)
	}

	user, err := s.users.ByExternalID(ctx, externalID)
	if err == nil {
		return user, nil
	}
	if !IsKind(err, KindNotFound) {
		return nil, wrapKind(KindStore, "sync", "lookup failed", err)
	}

	candidate, err := s.userFromSource(ctx, externalID, claims)
	if err != nil {
		return nil, err
	}

	if err := s.users.Create(ctx, candidate); err != nil {
		if IsKind(err, KindConflict) {
			// Lost the materialization race; the row exists now.
			existing, lookupErr := s.users.ByExternalID(ctx, externalID)
			if lookupErr != nil {
				return nil, wrapKind(KindStore, "sync", "post-conflict lookup failed", lookupErr)
			}
			return existing, nil
		}
		return nil, wrapKind(KindStore, "sync", "local create failed", err)
	}

	obs.IncSyncCreate()
	s.audit.Record(ctx, eventFor(candidate.ID, ActionUserSync, resourceUser, ip, userAgent, StatusSuccess, ""))
	return candidate, nil
}

// ResolveCurrent is EnsureLocal without claims: the upward-facing
// lookup for an authenticated external identity.
func (s *Service) ResolveCurrent(ctx context.Context, externalID string) (*User, error) {
	return s.EnsureLocal(ctx, externalID, nil, "", "")
}

// userFromSource builds the candidate record from claims when present,
// otherwise from a provider fetch.
func (s *Service) userFromSource(ctx context.Context, externalID string, claims *Claims) (*User, error) {
	now := s.clock().UTC()
	user := &User{
		ExternalID:      externalID,
		Active:          true,
		Role:            RoleUser,
		ConsentAI:       false,
		ConsentVersion:  1,
		TermsAcceptedAt: now,
		LastLogin:       now,
	}

	if claims != nil {
		user.Email = normalizeEmail(claims.Email)
		user.FirstName = claims.GivenName
		user.LastName = claims.FamilyName
		user.EmailVerified = claims.EmailVerified
	} else {
		remote, err := s.provider.FetchUser(ctx, externalID)
		if err != nil {
			return nil, wrapKind(KindProvider, "sync", "provider fetch failed", err)
		}
		user.Email = normalizeEmail(remote.Email)
		user.FirstName = remote.FirstName
		user.LastName = remote.LastName
		user.EmailVerified = remote.EmailVerified
	}

	if user.Email == "" {
		return nil, E(KindValidation, "sync", "identity has no email", nil)
	}
	if user.FirstName == "" {
		user.FirstName = emailLocalPart(user.Email)
	}
	return user, nil
}

func emailLocalPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
