package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthgate/gateway/pkg/model"
)

func TestMemory_AppLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	app := &model.App{Name: "demo", PublicKey: []byte("pubkey"), Status: model.AppStatusActive}
	require.NoError(t, repo.InsertApp(ctx, app))
	assert.NotEqual(t, uuid.Nil, app.ID)

	got, err := repo.FindAppByID(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)

	require.NoError(t, repo.SetAppStatus(ctx, app.ID, model.AppStatusSuspended))
	got, err = repo.FindAppByID(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppStatusSuspended, got.Status)

	_, err = repo.FindAppByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_PermissionLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	appID := uuid.New()

	require.NoError(t, repo.BindPermissions(ctx, []model.ResourcePermission{
		{AppID: appID, ResourceID: "llm-primary", Action: "chat.completions", Status: model.PermissionStatusActive},
	}))

	perm, err := repo.FindPermission(ctx, appID, "llm-primary", "chat.completions")
	require.NoError(t, err)
	assert.True(t, perm.Active())

	_, err = repo.FindPermission(ctx, appID, "llm-primary", "embeddings")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := repo.ListPermissions(ctx, appID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemory_PairingCodeSingleUse(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	now := time.Now()

	require.NoError(t, repo.InsertPairingCode(ctx, &model.PairingCode{
		Code:      "ABCD-1234",
		ExpiresAt: now.Add(time.Hour),
	}))

	pc, err := repo.ConsumePairingCode(ctx, "ABCD-1234", now)
	require.NoError(t, err)
	assert.NotNil(t, pc.ConsumedAt)

	_, err = repo.ConsumePairingCode(ctx, "ABCD-1234", now)
	assert.ErrorIs(t, err, ErrConflict, "a second consumption of the same code must be rejected")
}

func TestMemory_PairingCodeExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	now := time.Now()

	require.NoError(t, repo.InsertPairingCode(ctx, &model.PairingCode{
		Code:      "EXPIRED-1",
		ExpiresAt: now.Add(-time.Minute),
	}))

	_, err := repo.ConsumePairingCode(ctx, "EXPIRED-1", now)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemory_ApproveConnectSession(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	session := &model.ConnectSession{
		Token:     "tok_1",
		Status:    model.ConnectSessionPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, repo.CreateConnectSession(ctx, session))

	app := &model.App{Name: "new-app", PublicKey: []byte("pk"), Status: model.AppStatusActive}
	perms := []model.ResourcePermission{
		{ResourceID: "llm-primary", Action: "chat.completions", Status: model.PermissionStatusActive},
	}
	require.NoError(t, repo.ApproveConnectSession(ctx, "tok_1", app, perms))

	got, err := repo.FindConnectSession(ctx, "tok_1")
	require.NoError(t, err)
	assert.Equal(t, model.ConnectSessionApproved, got.Status)
	require.NotNil(t, got.BoundAppID)
	assert.Equal(t, app.ID, *got.BoundAppID)

	boundPerm, err := repo.FindPermission(ctx, app.ID, "llm-primary", "chat.completions")
	require.NoError(t, err)
	assert.Equal(t, app.ID, boundPerm.AppID)

	// Approving an already-approved session must fail.
	err = repo.ApproveConnectSession(ctx, "tok_1", &model.App{Name: "again"}, nil)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemory_RejectConnectSession(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	require.NoError(t, repo.CreateConnectSession(ctx, &model.ConnectSession{
		Token: "tok_2", Status: model.ConnectSessionPending, ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, repo.RejectConnectSession(ctx, "tok_2"))

	got, err := repo.FindConnectSession(ctx, "tok_2")
	require.NoError(t, err)
	assert.Equal(t, model.ConnectSessionRejected, got.Status)

	assert.ErrorIs(t, repo.RejectConnectSession(ctx, "tok_2"), ErrConflict)
}

func TestMemory_ExpireStaleConnectSessions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	now := time.Now()

	require.NoError(t, repo.CreateConnectSession(ctx, &model.ConnectSession{
		Token: "stale", Status: model.ConnectSessionPending, ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, repo.CreateConnectSession(ctx, &model.ConnectSession{
		Token: "fresh", Status: model.ConnectSessionPending, ExpiresAt: now.Add(time.Hour),
	}))

	n, err := repo.ExpireStaleConnectSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stale, err := repo.FindConnectSession(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, model.ConnectSessionExpired, stale.Status)

	fresh, err := repo.FindConnectSession(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.ConnectSessionPending, fresh.Status)
}

func TestMemory_AppendRequestLog(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	require.NoError(t, repo.AppendRequestLog(ctx, &model.RequestLog{
		ResourceID: "llm-primary",
		Action:     "chat.completions",
		Decision:   model.DecisionAllowed,
	}))
	require.NoError(t, repo.AppendRequestLog(ctx, &model.RequestLog{
		ResourceID: "llm-primary",
		Action:     "chat.completions",
		Decision:   model.DecisionDeniedRateLimit,
	}))

	logs := repo.Logs()
	assert.Len(t, logs, 2)
	for _, l := range logs {
		assert.NotEqual(t, uuid.Nil, l.ID)
	}
}
