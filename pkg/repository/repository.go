// Package repository defines the storage contract for gateway entities and
// provides two implementations: an in-memory store for tests and small
// deployments, and a Postgres-backed store grounded in pkg/apikey/store.go's
// raw-SQL, manual-Scan conventions.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hearthgate/gateway/pkg/model"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict is returned when a state precondition fails, e.g. consuming a
// pairing code that is already consumed or expired, or approving or
// rejecting a connect session that is not PENDING. BindPermissions upserts
// and does not return it.
var ErrConflict = errors.New("repository: conflict")

// Repository is the storage contract the gateway pipeline, pairing flow and
// discovery endpoint depend on. Every method is context-aware so a Postgres
// implementation can honor cancellation and timeouts.
type Repository interface {
	// Apps

	FindAppByID(ctx context.Context, id uuid.UUID) (*model.App, error)
	InsertApp(ctx context.Context, app *model.App) error
	SetAppStatus(ctx context.Context, id uuid.UUID, status string) error

	// Permissions

	FindPermission(ctx context.Context, appID uuid.UUID, resourceID, action string) (*model.ResourcePermission, error)
	ListPermissions(ctx context.Context, appID uuid.UUID) ([]model.ResourcePermission, error)
	BindPermissions(ctx context.Context, perms []model.ResourcePermission) error

	// Resource secrets

	FindResourceSecret(ctx context.Context, resourceID string) (*model.ResourceSecret, error)
	UpsertResourceSecret(ctx context.Context, secret *model.ResourceSecret) error

	// Pairing codes

	InsertPairingCode(ctx context.Context, code *model.PairingCode) error
	ConsumePairingCode(ctx context.Context, code string, now time.Time) (*model.PairingCode, error)

	// Connect sessions

	CreateConnectSession(ctx context.Context, session *model.ConnectSession) error
	FindConnectSession(ctx context.Context, token string) (*model.ConnectSession, error)
	// ApproveConnectSession atomically binds a new App, its permissions, and
	// flips the session to APPROVED. Returns ErrConflict if the session is
	// not PENDING.
	ApproveConnectSession(ctx context.Context, token string, app *model.App, perms []model.ResourcePermission) error
	// RejectConnectSession flips a PENDING session to REJECTED.
	RejectConnectSession(ctx context.Context, token string) error
	ExpireStaleConnectSessions(ctx context.Context, now time.Time) (int, error)

	// Request log

	AppendRequestLog(ctx context.Context, entry *model.RequestLog) error
}
