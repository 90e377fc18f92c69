package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthgate/gateway/pkg/model"
)

// Memory is an in-process Repository implementation, used by the core's own
// tests and viable for small single-node deployments that don't need
// Postgres durability.
type Memory struct {
	mu sync.Mutex

	apps        map[uuid.UUID]model.App
	permissions map[string]model.ResourcePermission // key: appID|resourceID|action
	secrets     map[string]model.ResourceSecret     // key: resourceID
	pairing     map[string]model.PairingCode        // key: code
	sessions    map[string]model.ConnectSession     // key: token
	logs        []model.RequestLog

	now func() time.Time
}

// NewMemory creates an empty in-memory Repository.
func NewMemory() *Memory {
	return &Memory{
		apps:        make(map[uuid.UUID]model.App),
		permissions: make(map[string]model.ResourcePermission),
		secrets:     make(map[string]model.ResourceSecret),
		pairing:     make(map[string]model.PairingCode),
		sessions:    make(map[string]model.ConnectSession),
		now:         time.Now,
	}
}

func permKey(appID uuid.UUID, resourceID, action string) string {
	return appID.String() + "|" + resourceID + "|" + action
}

// FindAppByID implements Repository.
func (m *Memory) FindAppByID(_ context.Context, id uuid.UUID) (*model.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := a
	return &cp, nil
}

// InsertApp implements Repository.
func (m *Memory) InsertApp(_ context.Context, app *model.App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = m.now()
	}
	m.apps[app.ID] = *app
	return nil
}

// SetAppStatus implements Repository.
func (m *Memory) SetAppStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	m.apps[id] = a
	return nil
}

// FindPermission implements Repository.
func (m *Memory) FindPermission(_ context.Context, appID uuid.UUID, resourceID, action string) (*model.ResourcePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[permKey(appID, resourceID, action)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p
	return &cp, nil
}

// ListPermissions implements Repository.
func (m *Memory) ListPermissions(_ context.Context, appID uuid.UUID) ([]model.ResourcePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ResourcePermission
	for _, p := range m.permissions {
		if p.AppID == appID {
			out = append(out, p)
		}
	}
	return out, nil
}

// BindPermissions implements Repository.
func (m *Memory) BindPermissions(_ context.Context, perms []model.ResourcePermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range perms {
		p := perms[i]
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = m.now()
		}
		m.permissions[permKey(p.AppID, p.ResourceID, p.Action)] = p
	}
	return nil
}

// FindResourceSecret implements Repository.
func (m *Memory) FindResourceSecret(_ context.Context, resourceID string) (*model.ResourceSecret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[resourceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s
	return &cp, nil
}

// UpsertResourceSecret implements Repository.
func (m *Memory) UpsertResourceSecret(_ context.Context, secret *model.ResourceSecret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if secret.CreatedAt.IsZero() {
		secret.CreatedAt = m.now()
	}
	m.secrets[secret.ResourceID] = *secret
	return nil
}

// InsertPairingCode implements Repository.
func (m *Memory) InsertPairingCode(_ context.Context, code *model.PairingCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairing[code.Code] = *code
	return nil
}

// ConsumePairingCode implements Repository.
func (m *Memory) ConsumePairingCode(_ context.Context, code string, now time.Time) (*model.PairingCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pairing[code]
	if !ok {
		return nil, ErrNotFound
	}
	if pc.ConsumedAt != nil {
		return nil, ErrConflict
	}
	if now.After(pc.ExpiresAt) {
		return nil, ErrConflict
	}
	consumed := now
	pc.ConsumedAt = &consumed
	m.pairing[code] = pc
	cp := pc
	return &cp, nil
}

// CreateConnectSession implements Repository.
func (m *Memory) CreateConnectSession(_ context.Context, session *model.ConnectSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = m.now()
	}
	m.sessions[session.Token] = *session
	return nil
}

// FindConnectSession implements Repository.
func (m *Memory) FindConnectSession(_ context.Context, token string) (*model.ConnectSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s
	return &cp, nil
}

// ApproveConnectSession implements Repository, applying the App insert,
// permission binds, and session status flip as a single critical section —
// the in-memory analogue of a Postgres transaction.
func (m *Memory) ApproveConnectSession(_ context.Context, token string, app *model.App, perms []model.ResourcePermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return ErrNotFound
	}
	if s.Status != model.ConnectSessionPending {
		return ErrConflict
	}

	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = m.now()
	}
	m.apps[app.ID] = *app

	for i := range perms {
		p := perms[i]
		p.AppID = app.ID
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = m.now()
		}
		m.permissions[permKey(p.AppID, p.ResourceID, p.Action)] = p
	}

	boundID := app.ID
	s.Status = model.ConnectSessionApproved
	s.BoundAppID = &boundID
	m.sessions[token] = s
	return nil
}

// RejectConnectSession implements Repository.
func (m *Memory) RejectConnectSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return ErrNotFound
	}
	if s.Status != model.ConnectSessionPending {
		return ErrConflict
	}
	s.Status = model.ConnectSessionRejected
	m.sessions[token] = s
	return nil
}

// ExpireStaleConnectSessions implements Repository.
func (m *Memory) ExpireStaleConnectSessions(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for token, s := range m.sessions {
		if s.Status == model.ConnectSessionPending && now.After(s.ExpiresAt) {
			s.Status = model.ConnectSessionExpired
			m.sessions[token] = s
			n++
		}
	}
	return n, nil
}

// AppendRequestLog implements Repository.
func (m *Memory) AppendRequestLog(_ context.Context, entry *model.RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	m.logs = append(m.logs, *entry)
	return nil
}

// Logs returns a snapshot of every appended RequestLog; used by tests.
func (m *Memory) Logs() []model.RequestLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.RequestLog, len(m.logs))
	copy(out, m.logs)
	return out
}
