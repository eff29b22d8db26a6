package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/careersync/identity/internal/identity"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func userRow(u *identity.User, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "external_id", "email", "first_name", "last_name", "phone_number", "city", "country",
		"email_verified", "active", "role", "consent_ai", "consent_version", "terms_accepted_at",
		"created_at", "updated_at", "last_login",
	}).AddRow(
		u.ID, u.ExternalID, u.Email, u.FirstName, u.LastName, u.PhoneNumber, u.City, u.Country,
		u.EmailVerified, u.Active, u.Role, u.ConsentAI, u.ConsentVersion, now,
		now, now, nil,
	)
}

func TestCreateUserFillsGeneratedColumns(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("insert into users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(7), now, now))

	u := &identity.User{ExternalID: "ext-1", Email: "a@x.com", Active: true, Role: identity.RoleUser, ConsentVersion: 1, TermsAcceptedAt: now}
	if err := s.Create(context.Background(), u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID != 7 || u.CreatedAt.IsZero() {
		t.Fatalf("generated columns not applied: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserUniqueViolationMapsToConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("insert into users").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_users_email"})

	err := s.Create(context.Background(), &identity.User{ExternalID: "ext-1", Email: "a@x.com"})
	if !identity.IsKind(err, identity.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestByExternalID(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	want := &identity.User{ID: 7, ExternalID: "ext-1", Email: "a@x.com", Active: true, Role: identity.RoleUser, ConsentVersion: 1}

	mock.ExpectQuery("select (.+) from users where external_id=").
		WithArgs("ext-1").
		WillReturnRows(userRow(want, now))

	got, err := s.ByExternalID(context.Background(), "ext-1")
	if err != nil {
		t.Fatalf("ByExternalID: %v", err)
	}
	if got.ID != 7 || got.Email != "a@x.com" || !got.LastLogin.IsZero() {
		t.Fatalf("unexpected user: %+v", got)
	}
}

func TestByExternalIDNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select (.+) from users where external_id=").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.ByExternalID(context.Background(), "ghost")
	if !identity.IsKind(err, identity.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExistsByEmail(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select exists").
		WithArgs("a@x.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.ExistsByEmail(context.Background(), "a@x.com")
	if err != nil || !ok {
		t.Fatalf("ExistsByEmail: ok=%v err=%v", ok, err)
	}
}

func TestUpdateUserNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("update users set").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Update(context.Background(), &identity.User{ID: 99, Email: "a@x.com"})
	if !identity.IsKind(err, identity.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInsertTokenConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("insert into user_tokens").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_user_tokens_hash"})

	err := s.Insert(context.Background(), &identity.UserToken{UserID: 7, TokenHash: "h", TokenType: identity.TokenTypeRefresh})
	if !identity.IsKind(err, identity.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestFindActiveFiltersRevoked(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("from user_tokens").
		WithArgs("h", identity.TokenTypeRefresh).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "token_hash", "token_type", "client_id", "expires_at", "created_at", "revoked", "revoked_at",
		}).AddRow(int64(3), int64(7), "h", "refresh", "careersync-api", now.Add(time.Hour), now, false, nil))

	entry, err := s.FindActive(context.Background(), "h", identity.TokenTypeRefresh)
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if entry.ID != 3 || entry.UserID != 7 || entry.Revoked {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	mock.ExpectQuery("from user_tokens").
		WithArgs("gone", identity.TokenTypeRefresh).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.FindActive(context.Background(), "gone", identity.TokenTypeRefresh); !identity.IsKind(err, identity.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRevokeUnknownEntry(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("update user_tokens set revoked=true").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Revoke(context.Background(), 42, time.Now())
	if !identity.IsKind(err, identity.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendAuditNullableSubject(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("insert into audit_logs").
		WithArgs(nil, "CLEANUP_ORPHANED_USER", "system", nil, "system", "system", identity.StatusSuccess, "never synced", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	e := &identity.AuditEvent{
		Action:       "CLEANUP_ORPHANED_USER",
		ResourceType: "system",
		IP:           "system",
		UserAgent:    "system",
		Status:       identity.StatusSuccess,
		Detail:       "never synced",
		CreatedAt:    now,
	}
	if err := s.Append(context.Background(), e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.ID != 1 {
		t.Fatal("generated id not applied")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCountByUserActionStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select count").
		WithArgs(int64(7), "LOGIN", identity.StatusFailed).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	n, err := s.CountByUserActionStatus(context.Background(), 7, "LOGIN", identity.StatusFailed)
	if err != nil || n != 3 {
		t.Fatalf("count=%d err=%v", n, err)
	}
}
