package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeProvider simulates the remote IdP: it provisions identities,
// issues token grants and enforces refresh-token rotation the way a
// real provider would.
type fakeProvider struct {
	mu sync.Mutex

	users     map[string]RemoteProfile
	passwords map[string]string
	emailToID map[string]string
	refresh   map[string]string // refresh token -> external id
	claims    map[string]Claims // access token -> claims
	seq       int

	createErr error
	deleteErr error
	verifyErr error

	deleted    []string
	verifySent []string

	fetchGate  chan struct{}
	fetchCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		users:     make(map[string]RemoteProfile),
		passwords: make(map[string]string),
		emailToID: make(map[string]string),
		refresh:   make(map[string]string),
		claims:    make(map[string]Claims),
	}
}

func (p *fakeProvider) CreateUser(ctx context.Context, profile Profile, password string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return "", p.createErr
	}
	p.seq++
	id := fmt.Sprintf("ext-%d", p.seq)
	p.users[id] = RemoteProfile{
		Email:     profile.Email,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
		Enabled:   true,
	}
	p.passwords[profile.Email] = password
	p.emailToID[profile.Email] = id
	return id, nil
}

func (p *fakeProvider) FetchUser(ctx context.Context, externalID string) (RemoteProfile, error) {
	if p.fetchGate != nil {
		<-p.fetchGate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalls++
	u, ok := p.users[externalID]
	if !ok {
		return RemoteProfile{}, E(KindNotFound, "fake.fetch", "no such user", nil)
	}
	return u, nil
}

func (p *fakeProvider) UpdateUser(ctx context.Context, externalID, firstName, lastName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[externalID]
	if !ok {
		return E(KindNotFound, "fake.update", "no such user", nil)
	}
	u.FirstName, u.LastName = firstName, lastName
	p.users[externalID] = u
	return nil
}

func (p *fakeProvider) DeleteUser(ctx context.Context, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleteErr != nil {
		return p.deleteErr
	}
	delete(p.users, externalID)
	p.deleted = append(p.deleted, externalID)
	return nil
}

func (p *fakeProvider) SetEnabled(ctx context.Context, externalID string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[externalID]
	if !ok {
		return E(KindNotFound, "fake.enable", "no such user", nil)
	}
	u.Enabled = enabled
	p.users[externalID] = u
	return nil
}

func (p *fakeProvider) SendVerification(ctx context.Context, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verifyErr != nil {
		return p.verifyErr
	}
	p.verifySent = append(p.verifySent, externalID)
	return nil
}

func (p *fakeProvider) issueGrant(externalID string) TokenGrant {
	p.seq++
	access := fmt.Sprintf("acc-%d", p.seq)
	refresh := fmt.Sprintf("ref-%d", p.seq)
	u := p.users[externalID]
	p.claims[access] = Claims{
		Subject:       externalID,
		Email:         u.Email,
		GivenName:     u.FirstName,
		FamilyName:    u.LastName,
		EmailVerified: u.EmailVerified,
	}
	p.refresh[refresh] = externalID
	return TokenGrant{AccessToken: access, RefreshToken: refresh, ExpiresIn: 300, RefreshExpiresIn: 1800}
}

func (p *fakeProvider) ExchangePassword(ctx context.Context, email, password string) (TokenGrant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stored, ok := p.passwords[email]; !ok || stored != password {
		return TokenGrant{}, E(KindAuthentication, "fake.password", "bad credentials", nil)
	}
	return p.issueGrant(p.emailToID[email]), nil
}

func (p *fakeProvider) ExchangeRefresh(ctx context.Context, refreshToken string) (TokenGrant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	externalID, ok := p.refresh[refreshToken]
	if !ok {
		return TokenGrant{}, E(KindAuthentication, "fake.refresh", "unknown refresh token", nil)
	}
	delete(p.refresh, refreshToken) // rotation invalidates the old one
	return p.issueGrant(externalID), nil
}

func (p *fakeProvider) InvalidateSession(ctx context.Context, refreshToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.refresh, refreshToken)
	return nil
}

func (p *fakeProvider) Claims(accessToken string) (Claims, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.claims[accessToken]
	if !ok {
		return Claims{}, E(KindAuthentication, "fake.claims", "unknown access token", nil)
	}
	return c, nil
}

// newTestService wires a fresh engine around an InMemory store and a
// fake provider.
func newTestService(t *testing.T, opts ...Option) (*Service, *fakeProvider, *InMemory) {
	t.Helper()
	prov := newFakeProvider()
	mem := NewInMemory()
	svc, err := NewService(prov, mem, mem, NewRecorder(mem, nil), opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, prov, mem
}

func testProfile(email string) Profile {
	return Profile{Email: email, FirstName: "Ada", LastName: "Lovelace", Country: "UK", ConsentAI: true}
}

func TestRegisterSuccess(t *testing.T) {
	svc, prov, mem := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, testProfile("a@x.com"), "s3cret", "1.2.3.4", "go-test")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.ExternalID == "" || res.UserID == 0 {
		t.Fatalf("incomplete result: %+v", res)
	}

	user, err := mem.ByExternalID(ctx, res.ExternalID)
	if err != nil {
		t.Fatalf("local record missing: %v", err)
	}
	if user.Email != "a@x.com" || !user.Active || user.Role != RoleUser {
		t.Fatalf("unexpected user: %+v", user)
	}
	if _, ok := prov.users[res.ExternalID]; !ok {
		t.Fatal("remote record missing")
	}
	if len(prov.verifySent) != 1 {
		t.Fatalf("expected one verification send, got %d", len(prov.verifySent))
	}

	events := mem.Events()
	if len(events) != 1 || events[0].Action != ActionRegister || events[0].Status != StatusSuccess {
		t.Fatalf("unexpected audit trail: %+v", events)
	}
}

func TestRegisterDuplicateEmailFastFails(t *testing.T) {
	svc, prov, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, testProfile("a@x.com"), "pw", "", ""); err != nil {
		t.Fatalf("first register: %v", err)
	}
	remoteBefore := len(prov.users)

	_, err := svc.Register(ctx, testProfile("a@x.com"), "pw", "", "")
	if !IsKind(err, KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(prov.users) != remoteBefore {
		t.Fatal("duplicate registration reached the provider")
	}
}

func TestRegisterVerificationFailureIsBestEffort(t *testing.T) {
	svc, prov, _ := newTestService(t)
	prov.verifyErr = E(KindProvider, "fake.verify", "smtp down", nil)

	if _, err := svc.Register(context.Background(), testProfile("a@x.com"), "pw", "", ""); err != nil {
		t.Fatalf("Register should succeed despite verification failure: %v", err)
	}
}

// failingUserStore rejects creates so the compensation path runs.
type failingUserStore struct {
	*InMemory
}

func (f *failingUserStore) Create(ctx context.Context, u *User) error {
	return E(KindStore, "test.create", "disk full", nil)
}

func TestRegisterCompensatesOnLocalFailure(t *testing.T) {
	prov := newFakeProvider()
	mem := NewInMemory()
	svc, err := NewService(prov, &failingUserStore{mem}, mem, NewRecorder(mem, nil))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	_, err = svc.Register(context.Background(), testProfile("a@x.com"), "pw", "", "")
	if !IsKind(err, KindStore) {
		t.Fatalf("expected the original store error, got %v", err)
	}
	if len(prov.deleted) != 1 {
		t.Fatalf("expected one compensating delete, got %d", len(prov.deleted))
	}
	if len(prov.users) != 0 {
		t.Fatal("remote orphan left behind despite successful compensation")
	}
}

func TestRegisterCompensationFailureSurfacesOriginalError(t *testing.T) {
	prov := newFakeProvider()
	prov.deleteErr = E(KindProvider, "fake.delete", "provider down", nil)
	mem := NewInMemory()
	svc, err := NewService(prov, &failingUserStore{mem}, mem, NewRecorder(mem, nil))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	_, err = svc.Register(context.Background(), testProfile("a@x.com"), "pw", "", "")
	if !IsKind(err, KindStore) {
		t.Fatalf("compensation failure must not replace the original error, got %v", err)
	}
	// The orphan is still remote; reconciliation is the safety net.
	if len(prov.users) != 1 {
		t.Fatalf("expected remote orphan, found %d remote users", len(prov.users))
	}
}

func TestLoginSyncsUserAndOpensLedgerEntry(t *testing.T) {
	svc, prov, mem := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, testProfile("a@x.com"), "pw", "", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	sess, err := svc.Login(ctx, "a@x.com", "pw", "9.9.9.9", "go-test")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.AccessToken == "" || sess.RefreshToken == "" {
		t.Fatalf("incomplete session: %+v", sess)
	}
	if sess.User.ExternalID != res.ExternalID {
		t.Fatalf("session bound to wrong user: %s", sess.User.ExternalID)
	}
	if sess.User.LastLogin.IsZero() {
		t.Fatal("last login not updated")
	}

	hash := NewHMACHasher(nil).Hash(sess.RefreshToken)
	entry, err := mem.FindActive(ctx, hash, TokenTypeRefresh)
	if err != nil {
		t.Fatalf("ledger entry missing: %v", err)
	}
	if entry.UserID != sess.User.ID {
		t.Fatalf("ledger entry owned by %d, want %d", entry.UserID, sess.User.ID)
	}
	_ = prov
}

func TestLoginFailureIsGenericButAudited(t *testing.T) {
	svc, _, mem := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, testProfile("a@x.com"), "pw", "", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Materialize the local record so the failed attempt can be
	// attributed.
	if _, err := svc.Login(ctx, "a@x.com", "pw", "", ""); err != nil {
		t.Fatalf("good login: %v", err)
	}

	_, err := svc.Login(ctx, "a@x.com", "wrong", "1.1.1.1", "go-test")
	if !IsKind(err, KindAuthentication) {
		t.Fatalf("expected authentication kind, got %v", err)
	}
	if got := err.Error(); got != "identity: login: invalid credentials" {
		t.Fatalf("cause leaked to caller: %q", got)
	}

	var failed *AuditEvent
	for _, e := range mem.Events() {
		if e.Action == ActionLogin && e.Status == StatusFailed {
			failed = e
		}
	}
	if failed == nil {
		t.Fatal("failed login was not audited")
	}
	if failed.Detail == "" {
		t.Fatal("audit event should carry the internal cause")
	}
}

func TestRefreshRotatesLedgerEntries(t *testing.T) {
	svc, _, mem := newTestService(t)
	ctx := context.Background()
	hasher := NewHMACHasher(nil)

	if _, err := svc.Register(ctx, testProfile("a@x.com"), "pw", "", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sess, err := svc.Login(ctx, "a@x.com", "pw", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	r1 := sess.RefreshToken

	next, err := svc.Refresh(ctx, r1)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == r1 {
		t.Fatal("refresh token was not rotated")
	}

	if _, err := mem.FindActive(ctx, hasher.Hash(r1), TokenTypeRefresh); !IsKind(err, KindNotFound) {
		t.Fatalf("old entry should be revoked, got %v", err)
	}
	if _, err := mem.FindActive(ctx, hasher.Hash(next.RefreshToken), TokenTypeRefresh); err != nil {
		t.Fatalf("new entry should be active: %v", err)
	}

	// Replaying the rotated credential fails.
	if _, err := svc.Refresh(ctx, r1); !IsKind(err, KindAuthentication) {
		t.Fatalf("expected authentication failure on replay, got %v", err)
	}
}

func TestLogoutRevokesAndSecondRevokeIsNoop(t *testing.T) {
	svc, _, mem := newTestService(t)
	ctx := context.Background()
	hasher := NewHMACHasher(nil)

	if _, err := svc.Register(ctx, testProfile("a@x.com"), "pw", "", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sess, err := svc.Login(ctx, "a@x.com", "pw", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := svc.Logout(ctx, sess.User.ExternalID, sess.RefreshToken, "1.1.1.1"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := mem.FindActive(ctx, hasher.Hash(sess.RefreshToken), TokenTypeRefresh); !IsKind(err, KindNotFound) {
		t.Fatalf("entry should be revoked, got %v", err)
	}

	// Revoking again is a no-op, not an error.
	if err := svc.Logout(ctx, sess.User.ExternalID, sess.RefreshToken, "1.1.1.1"); err != nil {
		t.Fatalf("second logout: %v", err)
	}
}

// Full lifecycle: register, login, rotate, replay old, logout, replay
// current.
func TestSessionLifecycleScenario(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, testProfile("a@x.com"), "pw", "", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sess, err := svc.Login(ctx, "a@x.com", "pw", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	r1 := sess.RefreshToken

	next, err := svc.Refresh(ctx, r1)
	if err != nil {
		t.Fatalf("Refresh(r1): %v", err)
	}
	r2 := next.RefreshToken

	if _, err := svc.Refresh(ctx, r1); err == nil {
		t.Fatal("Refresh(r1) after rotation should fail")
	}
	if err := svc.Logout(ctx, sess.User.ExternalID, r2, ""); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.Refresh(ctx, r2); err == nil {
		t.Fatal("Refresh(r2) after logout should fail")
	}
}

func TestUpdateProfilePushesNameChanges(t *testing.T) {
	svc, prov, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, testProfile("a@x.com"), "pw", "", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	first := "Grace"
	city := "London"
	user, err := svc.UpdateProfile(ctx, res.ExternalID, ProfilePatch{FirstName: &first, City: &city})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if user.FirstName != "Grace" || user.City != "London" {
		t.Fatalf("patch not applied: %+v", user)
	}
	if prov.users[res.ExternalID].FirstName != "Grace" {
		t.Fatal("name change did not reach the provider")
	}
}

func TestUpdateConsentBumpsVersion(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, testProfile("a@x.com"), "pw", "", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	user, err := svc.UpdateConsent(ctx, res.ExternalID, false)
	if err != nil {
		t.Fatalf("UpdateConsent: %v", err)
	}
	if user.ConsentAI || user.ConsentVersion != 2 {
		t.Fatalf("unexpected consent state: %+v", user)
	}
}

func TestDeleteRemovesBothStoresAndTokens(t *testing.T) {
	svc, prov, mem := newTestService(t)
	ctx := context.Background()
	hasher := NewHMACHasher(nil)

	res, err := svc.Register(ctx, testProfile("a@x.com"), "pw", "", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	// First session is logged out so its ledger entry sits revoked;
	// the second stays active. Deletion must remove both.
	first, err := svc.Login(ctx, "a@x.com", "pw", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.Logout(ctx, res.ExternalID, first.RefreshToken, ""); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	sess, err := svc.Login(ctx, "a@x.com", "pw", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := svc.Delete(ctx, res.ExternalID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := prov.users[res.ExternalID]; ok {
		t.Fatal("remote record survived deletion")
	}
	if _, err := mem.ByExternalID(ctx, res.ExternalID); !IsKind(err, KindNotFound) {
		t.Fatalf("local record survived deletion: %v", err)
	}
	if _, err := mem.FindActive(ctx, hasher.Hash(sess.RefreshToken), TokenTypeRefresh); !IsKind(err, KindNotFound) {
		t.Fatal("ledger entries survived deletion")
	}
	mem.mu.RLock()
	remaining := len(mem.tokensByID)
	mem.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("account deleted but %d ledger entries remain", remaining)
	}
}

func TestSetActiveTogglesProvider(t *testing.T) {
	svc, prov, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, testProfile("a@x.com"), "pw", "", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	user, err := svc.GetByExternalID(ctx, res.ExternalID)
	if err != nil {
		t.Fatalf("GetByExternalID: %v", err)
	}

	if err := svc.SetActive(ctx, user.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if prov.users[res.ExternalID].Enabled {
		t.Fatal("provider account still enabled")
	}
	got, _ := svc.GetByID(ctx, user.ID)
	if got.Active {
		t.Fatal("local record still active")
	}
}

func TestCountFailedLogins(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, testProfile("a@x.com"), "pw", "", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sess, err := svc.Login(ctx, "a@x.com", "pw", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, _ = svc.Login(ctx, "a@x.com", "nope", "", "")
	}

	n, err := svc.CountFailedLogins(ctx, sess.User.ID)
	if err != nil {
		t.Fatalf("CountFailedLogins: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 failed logins, got %d", n)
	}
}

func TestClockInjection(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, _, mem := newTestService(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	if _, err := svc.Register(ctx, testProfile("a@x.com"), "pw", "", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sess, err := svc.Login(ctx, "a@x.com", "pw", "", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !sess.User.LastLogin.Equal(fixed) {
		t.Fatalf("last login %v, want %v", sess.User.LastLogin, fixed)
	}

	entry, err := mem.FindActive(ctx, NewHMACHasher(nil).Hash(sess.RefreshToken), TokenTypeRefresh)
	if err != nil {
		t.Fatalf("ledger lookup: %v", err)
	}
	if want := fixed.Add(1800 * time.Second); !entry.ExpiresAt.Equal(want) {
		t.Fatalf("expiry %v, want %v", entry.ExpiresAt, want)
	}
	if !entry.Expired(fixed.Add(2000 * time.Second)) {
		t.Fatal("entry should report expired past its deadline")
	}
}
