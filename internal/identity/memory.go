package identity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements UserStore, TokenStore and AuditStore with
// in-process concurrency safety, enforcing the same uniqueness
// constraints a relational schema would. It backs tests and local
// development; production uses the Postgres store.
type InMemory struct {
	mu sync.RWMutex

	nextUserID  int64
	nextTokenID int64
	nextEventID int64

	usersByID  map[int64]*User
	byExternal map[string]int64
	byEmail    map[string]int64

	tokensByID map[int64]*UserToken
	byHash     map[string]int64

	events []*AuditEvent
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		usersByID:  make(map[int64]*User),
		byExternal: make(map[string]int64),
		byEmail:    make(map[string]int64),
		tokensByID: make(map[int64]*UserToken),
		byHash:     make(map[string]int64),
	}
}

var (
	_ UserStore  = (*InMemory)(nil)
	_ TokenStore = (*InMemory)(nil)
	_ AuditStore = (*InMemory)(nil)
)

func (m *InMemory) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byExternal[u.ExternalID]; ok {
		return E(KindConflict, "memory.create", "external id already exists", nil)
	}
	if _, ok := m.byEmail[u.Email]; ok {
		return E(KindConflict, "memory.create", "email already exists", nil)
	}
	m.nextUserID++
	u.ID = m.nextUserID
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	m.usersByID[u.ID] = &cp
	m.byExternal[u.ExternalID] = u.ID
	m.byEmail[u.Email] = u.ID
	return nil
}

func (m *InMemory) ByID(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.usersByID[id]
	if !ok {
		return nil, E(KindNotFound, "memory.by_id", "user not found", nil)
	}
	cp := *u
	return &cp, nil
}

func (m *InMemory) ByExternalID(ctx context.Context, externalID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, E(KindNotFound, "memory.by_external", "user not found", nil)
	}
	cp := *m.usersByID[id]
	return &cp, nil
}

func (m *InMemory) ByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, E(KindNotFound, "memory.by_email", "user not found", nil)
	}
	cp := *m.usersByID[id]
	return &cp, nil
}

func (m *InMemory) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byEmail[email]
	return ok, nil
}

func (m *InMemory) ExistsByExternalID(ctx context.Context, externalID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byExternal[externalID]
	return ok, nil
}

func (m *InMemory) Update(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.usersByID[u.ID]
	if !ok {
		return E(KindNotFound, "memory.update", "user not found", nil)
	}
	if current.Email != u.Email {
		if _, taken := m.byEmail[u.Email]; taken {
			return E(KindConflict, "memory.update", "email already exists", nil)
		}
		delete(m.byEmail, current.Email)
		m.byEmail[u.Email] = u.ID
	}
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	m.usersByID[u.ID] = &cp
	return nil
}

func (m *InMemory) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usersByID[id]
	if !ok {
		return E(KindNotFound, "memory.delete", "user not found", nil)
	}
	delete(m.byExternal, u.ExternalID)
	delete(m.byEmail, u.Email)
	delete(m.usersByID, id)
	// The schema cascades user_tokens on user delete; mirror that here
	// so revoked entries do not outlive their owner.
	for tid, t := range m.tokensByID {
		if t.UserID == id {
			delete(m.byHash, t.TokenHash)
			delete(m.tokensByID, tid)
		}
	}
	return nil
}

func (m *InMemory) List(ctx context.Context, offset, limit int) ([]*User, error) {
	all, err := m.All(ctx)
	if err != nil {
		return nil, err
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *InMemory) All(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*User, 0, len(m.usersByID))
	for _, u := range m.usersByID {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) Insert(ctx context.Context, t *UserToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[t.TokenHash]; ok {
		return E(KindConflict, "memory.insert_token", "token hash already exists", nil)
	}
	m.nextTokenID++
	t.ID = m.nextTokenID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	cp := *t
	m.tokensByID[t.ID] = &cp
	m.byHash[t.TokenHash] = t.ID
	return nil
}

func (m *InMemory) FindActive(ctx context.Context, tokenHash, tokenType string) (*UserToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[tokenHash]
	if !ok {
		return nil, E(KindNotFound, "memory.find_token", "no active entry", nil)
	}
	t := m.tokensByID[id]
	if t.TokenType != tokenType || t.Revoked {
		return nil, E(KindNotFound, "memory.find_token", "no active entry", nil)
	}
	cp := *t
	return &cp, nil
}

func (m *InMemory) Revoke(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokensByID[id]
	if !ok {
		return E(KindNotFound, "memory.revoke", "entry not found", nil)
	}
	t.Revoked = true
	t.RevokedAt = at
	return nil
}

func (m *InMemory) DeleteByUser(ctx context.Context, userID int64, revoked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tokensByID {
		if t.UserID == userID && t.Revoked == revoked {
			delete(m.byHash, t.TokenHash)
			delete(m.tokensByID, id)
		}
	}
	return nil
}

func (m *InMemory) Append(ctx context.Context, e *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	e.ID = m.nextEventID
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *InMemory) ByUser(ctx context.Context, userID int64, limit int) ([]*AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if e.UserID != nil && *e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *InMemory) CountByUserActionStatus(ctx context.Context, userID int64, action, status string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, e := range m.events {
		if e.UserID != nil && *e.UserID == userID && e.Action == action && e.Status == status {
			n++
		}
	}
	return n, nil
}

// Events returns a snapshot of all recorded audit events, oldest
// first. Test helper.
func (m *InMemory) Events() []*AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AuditEvent, 0, len(m.events))
	for _, e := range m.events {
		cp := *e
		out = append(out, &cp)
	}
	return out
}
