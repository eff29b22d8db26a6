package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/careersync/identity/internal/identity"
)

// Store implements the engine's three store contracts over Postgres.
// Uniqueness on email, external id and token hash is enforced by the
// schema; violation maps to the engine's conflict kind so callers can
// branch on races the same way they do with the in-memory store.
type Store struct {
	db *sql.DB
}

var (
	_ identity.UserStore  = (*Store)(nil)
	_ identity.TokenStore = (*Store)(nil)
	_ identity.AuditStore = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool (tests use sqlmock).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// uniqueViolation reports whether err is a Postgres 23505.
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const userColumns = `id, external_id, email, first_name, last_name, phone_number, city, country,
	email_verified, active, role, consent_ai, consent_version, terms_accepted_at,
	created_at, updated_at, last_login`

func scanUser(row interface{ Scan(...any) error }) (*identity.User, error) {
	var u identity.User
	var lastLogin sql.NullTime
	err := row.Scan(
		&u.ID, &u.ExternalID, &u.Email, &u.FirstName, &u.LastName, &u.PhoneNumber, &u.City, &u.Country,
		&u.EmailVerified, &u.Active, &u.Role, &u.ConsentAI, &u.ConsentVersion, &u.TermsAcceptedAt,
		&u.CreatedAt, &u.UpdatedAt, &lastLogin,
	)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		u.LastLogin = lastLogin.Time
	}
	return &u, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *Store) Create(ctx context.Context, u *identity.User) error {
	err := s.db.QueryRowContext(ctx, `
		insert into users(external_id, email, first_name, last_name, phone_number, city, country,
			email_verified, active, role, consent_ai, consent_version, terms_accepted_at,
			created_at, updated_at, last_login)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13, now(), now(), $14)
		returning id, created_at, updated_at
	`, u.ExternalID, u.Email, u.FirstName, u.LastName, u.PhoneNumber, u.City, u.Country,
		u.EmailVerified, u.Active, u.Role, u.ConsentAI, u.ConsentVersion, u.TermsAcceptedAt,
		nullTime(u.LastLogin),
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if uniqueViolation(err) {
		return identity.E(identity.KindConflict, "pg.create_user", "user already exists", err)
	}
	if err != nil {
		return identity.E(identity.KindStore, "pg.create_user", "insert failed", err)
	}
	return nil
}

func (s *Store) ByID(ctx context.Context, id int64) (*identity.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id))
	return wrapUserErr(u, err, "pg.user_by_id")
}

func (s *Store) ByExternalID(ctx context.Context, externalID string) (*identity.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where external_id=$1`, externalID))
	return wrapUserErr(u, err, "pg.user_by_external_id")
}

func (s *Store) ByEmail(ctx context.Context, email string) (*identity.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email=$1`, email))
	return wrapUserErr(u, err, "pg.user_by_email")
}

func wrapUserErr(u *identity.User, err error, op string) (*identity.User, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.E(identity.KindNotFound, op, "user not found", nil)
	}
	if err != nil {
		return nil, identity.E(identity.KindStore, op, "query failed", err)
	}
	return u, nil
}

func (s *Store) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from users where email=$1)`, email).Scan(&exists)
	if err != nil {
		return false, identity.E(identity.KindStore, "pg.exists_by_email", "query failed", err)
	}
	return exists, nil
}

func (s *Store) ExistsByExternalID(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from users where external_id=$1)`, externalID).Scan(&exists)
	if err != nil {
		return false, identity.E(identity.KindStore, "pg.exists_by_external_id", "query failed", err)
	}
	return exists, nil
}

func (s *Store) Update(ctx context.Context, u *identity.User) error {
	res, err := s.db.ExecContext(ctx, `
		update users set
			email=$2, first_name=$3, last_name=$4, phone_number=$5, city=$6, country=$7,
			email_verified=$8, active=$9, role=$10, consent_ai=$11, consent_version=$12,
			last_login=$13, updated_at=now()
		where id=$1
	`, u.ID, u.Email, u.FirstName, u.LastName, u.PhoneNumber, u.City, u.Country,
		u.EmailVerified, u.Active, u.Role, u.ConsentAI, u.ConsentVersion,
		nullTime(u.LastLogin),
	)
	if uniqueViolation(err) {
		return identity.E(identity.KindConflict, "pg.update_user", "email already taken", err)
	}
	if err != nil {
		return identity.E(identity.KindStore, "pg.update_user", "update failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return identity.E(identity.KindStore, "pg.update_user", "rows affected", err)
	}
	if n == 0 {
		return identity.E(identity.KindNotFound, "pg.update_user", "user not found", nil)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id=$1`, id)
	if err != nil {
		return identity.E(identity.KindStore, "pg.delete_user", "delete failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return identity.E(identity.KindStore, "pg.delete_user", "rows affected", err)
	}
	if n == 0 {
		return identity.E(identity.KindNotFound, "pg.delete_user", "user not found", nil)
	}
	return nil
}

func (s *Store) List(ctx context.Context, offset, limit int) ([]*identity.User, error) {
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users order by id limit $1 offset $2`, limit, offset)
	if err != nil {
		return nil, identity.E(identity.KindStore, "pg.list_users", "query failed", err)
	}
	defer rows.Close()
	return collectUsers(rows, "pg.list_users")
}

func (s *Store) All(ctx context.Context) ([]*identity.User, error) {
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users order by id`)
	if err != nil {
		return nil, identity.E(identity.KindStore, "pg.all_users", "query failed", err)
	}
	defer rows.Close()
	return collectUsers(rows, "pg.all_users")
}

func collectUsers(rows *sql.Rows, op string) ([]*identity.User, error) {
	var out []*identity.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, identity.E(identity.KindStore, op, "scan failed", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, identity.E(identity.KindStore, op, "iteration failed", err)
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, t *identity.UserToken) error {
	err := s.db.QueryRowContext(ctx, `
		insert into user_tokens(user_id, token_hash, token_type, client_id, expires_at, created_at, revoked)
		values ($1,$2,$3,$4,$5,$6,false)
		returning id
	`, t.UserID, t.TokenHash, t.TokenType, t.ClientID, t.ExpiresAt, t.CreatedAt).Scan(&t.ID)
	if uniqueViolation(err) {
		return identity.E(identity.KindConflict, "pg.insert_token", "token hash already recorded", err)
	}
	if err != nil {
		return identity.E(identity.KindStore, "pg.insert_token", "insert failed", err)
	}
	return nil
}

func (s *Store) FindActive(ctx context.Context, tokenHash, tokenType string) (*identity.UserToken, error) {
	var t identity.UserToken
	var revokedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, token_type, client_id, expires_at, created_at, revoked, revoked_at
		from user_tokens
		where token_hash=$1 and token_type=$2 and revoked=false
	`, tokenHash, tokenType).Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.TokenType, &t.ClientID, &t.ExpiresAt, &t.CreatedAt, &t.Revoked, &revokedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.E(identity.KindNotFound, "pg.find_token", "no active entry", nil)
	}
	if err != nil {
		return nil, identity.E(identity.KindStore, "pg.find_token", "query failed", err)
	}
	if revokedAt.Valid {
		t.RevokedAt = revokedAt.Time
	}
	return &t, nil
}

func (s *Store) Revoke(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update user_tokens set revoked=true, revoked_at=$2 where id=$1`, id, at)
	if err != nil {
		return identity.E(identity.KindStore, "pg.revoke_token", "update failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return identity.E(identity.KindStore, "pg.revoke_token", "rows affected", err)
	}
	if n == 0 {
		return identity.E(identity.KindNotFound, "pg.revoke_token", "entry not found", nil)
	}
	return nil
}

func (s *Store) DeleteByUser(ctx context.Context, userID int64, revoked bool) error {
	_, err := s.db.ExecContext(ctx, `delete from user_tokens where user_id=$1 and revoked=$2`, userID, revoked)
	if err != nil {
		return identity.E(identity.KindStore, "pg.delete_tokens", "delete failed", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, e *identity.AuditEvent) error {
	var userID, resourceID sql.NullInt64
	if e.UserID != nil {
		userID = sql.NullInt64{Int64: *e.UserID, Valid: true}
	}
	if e.ResourceID != nil {
		resourceID = sql.NullInt64{Int64: *e.ResourceID, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, `
		insert into audit_logs(user_id, action, resource_type, resource_id, ip_address, user_agent, status, detail, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		returning id
	`, userID, e.Action, e.ResourceType, resourceID, e.IP, e.UserAgent, e.Status, e.Detail, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return identity.E(identity.KindStore, "pg.append_audit", "insert failed", err)
	}
	return nil
}

func (s *Store) ByUser(ctx context.Context, userID int64, limit int) ([]*identity.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, action, resource_type, resource_id, ip_address, user_agent, status, detail, created_at
		from audit_logs
		where user_id=$1
		order by created_at desc, id desc
		limit $2
	`, userID, limit)
	if err != nil {
		return nil, identity.E(identity.KindStore, "pg.audit_by_user", "query failed", err)
	}
	defer rows.Close()

	var out []*identity.AuditEvent
	for rows.Next() {
		var e identity.AuditEvent
		var uid, rid sql.NullInt64
		if err := rows.Scan(&e.ID, &uid, &e.Action, &e.ResourceType, &rid, &e.IP, &e.UserAgent, &e.Status, &e.Detail, &e.CreatedAt); err != nil {
			return nil, identity.E(identity.KindStore, "pg.audit_by_user", "scan failed", err)
		}
		if uid.Valid {
			v := uid.Int64
			e.UserID = &v
		}
		if rid.Valid {
			v := rid.Int64
			e.ResourceID = &v
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, identity.E(identity.KindStore, "pg.audit_by_user", "iteration failed", err)
	}
	return out, nil
}

func (s *Store) CountByUserActionStatus(ctx context.Context, userID int64, action, status string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		select count(*) from audit_logs where user_id=$1 and action=$2 and status=$3
	`, userID, action, status).Scan(&n)
	if err != nil {
		return 0, identity.E(identity.KindStore, "pg.count_audit", "query failed", err)
	}
	return n, nil
}
