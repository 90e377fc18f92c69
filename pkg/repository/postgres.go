package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hearthgate/gateway/pkg/model"
)

const appColumns = `id, name, description, homepage, public_key, status, created_at`

// Postgres is a Repository backed by the global connection pool, following
// pkg/apikey/store.go's raw-SQL, manual-Scan conventions rather than an ORM.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed Repository.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func scanApp(row pgx.Row) (*model.App, error) {
	var a model.App
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Homepage, &a.PublicKey, &a.Status, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FindAppByID implements Repository.
func (p *Postgres) FindAppByID(ctx context.Context, id uuid.UUID) (*model.App, error) {
	query := `SELECT ` + appColumns + ` FROM public.apps WHERE id = $1`
	app, err := scanApp(p.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding app: %w", err)
	}
	return app, nil
}

// InsertApp implements Repository.
func (p *Postgres) InsertApp(ctx context.Context, app *model.App) error {
	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	query := `INSERT INTO public.apps (id, name, description, homepage, public_key, status)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING created_at`
	err := p.pool.QueryRow(ctx, query, app.ID, app.Name, app.Description, app.Homepage, app.PublicKey, app.Status).
		Scan(&app.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting app: %w", err)
	}
	return nil
}

// SetAppStatus implements Repository.
func (p *Postgres) SetAppStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE public.apps SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("updating app status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const permissionColumns = `id, app_id, resource_id, action, status, constraints, valid_from, expires_at,
	time_window, rate_limit_requests, rate_limit_window_secs, burst_limit, burst_window_secs,
	daily_quota, monthly_quota, daily_token_budget, monthly_token_budget, created_at`

func scanPermission(row pgx.Row) (*model.ResourcePermission, error) {
	var perm model.ResourcePermission
	err := row.Scan(
		&perm.ID, &perm.AppID, &perm.ResourceID, &perm.Action, &perm.Status, &perm.Constraints,
		&perm.ValidFrom, &perm.ExpiresAt, &perm.TimeWindow, &perm.RateLimitRequests, &perm.RateLimitWindowSecs,
		&perm.BurstLimit, &perm.BurstWindowSecs, &perm.DailyQuota, &perm.MonthlyQuota,
		&perm.DailyTokenBudget, &perm.MonthlyTokenBudget, &perm.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &perm, nil
}

// FindPermission implements Repository.
func (p *Postgres) FindPermission(ctx context.Context, appID uuid.UUID, resourceID, action string) (*model.ResourcePermission, error) {
	query := `SELECT ` + permissionColumns + ` FROM public.resource_permissions
	WHERE app_id = $1 AND resource_id = $2 AND action = $3`
	perm, err := scanPermission(p.pool.QueryRow(ctx, query, appID, resourceID, action))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding permission: %w", err)
	}
	return perm, nil
}

// ListPermissions implements Repository.
func (p *Postgres) ListPermissions(ctx context.Context, appID uuid.UUID) ([]model.ResourcePermission, error) {
	query := `SELECT ` + permissionColumns + ` FROM public.resource_permissions WHERE app_id = $1 ORDER BY created_at`
	rows, err := p.pool.Query(ctx, query, appID)
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	defer rows.Close()

	var out []model.ResourcePermission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning permission row: %w", err)
		}
		out = append(out, *perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating permission rows: %w", err)
	}
	return out, nil
}

// BindPermissions implements Repository. Each permission is upserted on the
// (app_id, resource_id, action) unique key within a single transaction.
func (p *Postgres) BindPermissions(ctx context.Context, perms []model.ResourcePermission) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range perms {
		if err := upsertPermissionTx(ctx, tx, &perms[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing permission bind: %w", err)
	}
	return nil
}

func upsertPermissionTx(ctx context.Context, tx pgx.Tx, perm *model.ResourcePermission) error {
	if perm.ID == uuid.Nil {
		perm.ID = uuid.New()
	}
	query := `INSERT INTO public.resource_permissions
		(id, app_id, resource_id, action, status, constraints, valid_from, expires_at, time_window,
		 rate_limit_requests, rate_limit_window_secs, burst_limit, burst_window_secs,
		 daily_quota, monthly_quota, daily_token_budget, monthly_token_budget)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (app_id, resource_id, action) DO UPDATE SET
		status = EXCLUDED.status,
		constraints = EXCLUDED.constraints,
		valid_from = EXCLUDED.valid_from,
		expires_at = EXCLUDED.expires_at,
		time_window = EXCLUDED.time_window,
		rate_limit_requests = EXCLUDED.rate_limit_requests,
		rate_limit_window_secs = EXCLUDED.rate_limit_window_secs,
		burst_limit = EXCLUDED.burst_limit,
		burst_window_secs = EXCLUDED.burst_window_secs,
		daily_quota = EXCLUDED.daily_quota,
		monthly_quota = EXCLUDED.monthly_quota,
		daily_token_budget = EXCLUDED.daily_token_budget,
		monthly_token_budget = EXCLUDED.monthly_token_budget
	RETURNING created_at`
	err := tx.QueryRow(ctx, query,
		perm.ID, perm.AppID, perm.ResourceID, perm.Action, perm.Status, perm.Constraints,
		perm.ValidFrom, perm.ExpiresAt, perm.TimeWindow, perm.RateLimitRequests, perm.RateLimitWindowSecs,
		perm.BurstLimit, perm.BurstWindowSecs, perm.DailyQuota, perm.MonthlyQuota,
		perm.DailyTokenBudget, perm.MonthlyTokenBudget,
	).Scan(&perm.CreatedAt)
	if err != nil {
		return fmt.Errorf("binding permission: %w", err)
	}
	return nil
}

// FindResourceSecret implements Repository.
func (p *Postgres) FindResourceSecret(ctx context.Context, resourceID string) (*model.ResourceSecret, error) {
	query := `SELECT resource_id, status, encrypted_key, key_iv, config, created_at
	FROM public.resource_secrets WHERE resource_id = $1`
	var s model.ResourceSecret
	err := p.pool.QueryRow(ctx, query, resourceID).
		Scan(&s.ResourceID, &s.Status, &s.EncryptedKey, &s.KeyIV, &s.Config, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding resource secret: %w", err)
	}
	return &s, nil
}

// UpsertResourceSecret implements Repository.
func (p *Postgres) UpsertResourceSecret(ctx context.Context, secret *model.ResourceSecret) error {
	query := `INSERT INTO public.resource_secrets (resource_id, status, encrypted_key, key_iv, config)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (resource_id) DO UPDATE SET
		status = EXCLUDED.status,
		encrypted_key = EXCLUDED.encrypted_key,
		key_iv = EXCLUDED.key_iv,
		config = EXCLUDED.config
	RETURNING created_at`
	err := p.pool.QueryRow(ctx, query, secret.ResourceID, secret.Status, secret.EncryptedKey, secret.KeyIV, secret.Config).
		Scan(&secret.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting resource secret: %w", err)
	}
	return nil
}

// InsertPairingCode implements Repository.
func (p *Postgres) InsertPairingCode(ctx context.Context, code *model.PairingCode) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO public.pairing_codes (code, expires_at) VALUES ($1, $2)`,
		code.Code, code.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting pairing code: %w", err)
	}
	return nil
}

// ConsumePairingCode implements Repository, relying on the UPDATE ... WHERE
// consumed_at IS NULL predicate to make consumption atomic against
// concurrent callers racing the same code.
func (p *Postgres) ConsumePairingCode(ctx context.Context, code string, now time.Time) (*model.PairingCode, error) {
	query := `UPDATE public.pairing_codes SET consumed_at = $2
	WHERE code = $1 AND consumed_at IS NULL AND expires_at > $2
	RETURNING code, expires_at, consumed_at`
	var pc model.PairingCode
	err := p.pool.QueryRow(ctx, query, code, now).Scan(&pc.Code, &pc.ExpiresAt, &pc.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("consuming pairing code: %w", err)
	}
	return &pc, nil
}

const connectSessionColumns = `token, pairing_code_id, public_key, app_metadata, requested_permissions,
	redirect_uri, status, bound_app_id, expires_at, created_at`

func scanConnectSession(row pgx.Row) (*model.ConnectSession, error) {
	var s model.ConnectSession
	err := row.Scan(
		&s.Token, &s.PairingCodeID, &s.PublicKey, &s.AppMetadata, &s.RequestedPermissions,
		&s.RedirectURI, &s.Status, &s.BoundAppID, &s.ExpiresAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateConnectSession implements Repository.
func (p *Postgres) CreateConnectSession(ctx context.Context, session *model.ConnectSession) error {
	query := `INSERT INTO public.connect_sessions
		(token, pairing_code_id, public_key, app_metadata, requested_permissions, redirect_uri, status, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING created_at`
	err := p.pool.QueryRow(ctx, query,
		session.Token, session.PairingCodeID, session.PublicKey, session.AppMetadata,
		session.RequestedPermissions, session.RedirectURI, session.Status, session.ExpiresAt,
	).Scan(&session.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating connect session: %w", err)
	}
	return nil
}

// FindConnectSession implements Repository.
func (p *Postgres) FindConnectSession(ctx context.Context, token string) (*model.ConnectSession, error) {
	query := `SELECT ` + connectSessionColumns + ` FROM public.connect_sessions WHERE token = $1`
	s, err := scanConnectSession(p.pool.QueryRow(ctx, query, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding connect session: %w", err)
	}
	return s, nil
}

// ApproveConnectSession implements Repository as a single transaction:
// insert the App, bind its permissions, and flip the session to APPROVED.
// Any failure rolls the whole operation back, so a reader never observes an
// App without its permissions or a session marked approved without one.
func (p *Postgres) ApproveConnectSession(ctx context.Context, token string, app *model.App, perms []model.ResourcePermission) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM public.connect_sessions WHERE token = $1 FOR UPDATE`, token).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("locking connect session: %w", err)
	}
	if status != model.ConnectSessionPending {
		return ErrConflict
	}

	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO public.apps (id, name, description, homepage, public_key, status)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		app.ID, app.Name, app.Description, app.Homepage, app.PublicKey, app.Status,
	).Scan(&app.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting bound app: %w", err)
	}

	for i := range perms {
		perms[i].AppID = app.ID
		if err := upsertPermissionTx(ctx, tx, &perms[i]); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE public.connect_sessions SET status = $2, bound_app_id = $3 WHERE token = $1`,
		token, model.ConnectSessionApproved, app.ID,
	)
	if err != nil {
		return fmt.Errorf("marking connect session approved: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing connect session approval: %w", err)
	}
	return nil
}

// RejectConnectSession implements Repository.
func (p *Postgres) RejectConnectSession(ctx context.Context, token string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE public.connect_sessions SET status = $2 WHERE token = $1 AND status = $3`,
		token, model.ConnectSessionRejected, model.ConnectSessionPending,
	)
	if err != nil {
		return fmt.Errorf("rejecting connect session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ExpireStaleConnectSessions implements Repository.
func (p *Postgres) ExpireStaleConnectSessions(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE public.connect_sessions SET status = $2 WHERE status = $3 AND expires_at <= $1`,
		now, model.ConnectSessionExpired, model.ConnectSessionPending,
	)
	if err != nil {
		return 0, fmt.Errorf("expiring connect sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendRequestLog implements Repository.
func (p *Postgres) AppendRequestLog(ctx context.Context, entry *model.RequestLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	query := `INSERT INTO public.request_logs
		(id, app_id, resource_id, action, endpoint, method, decision, decision_reason,
		 latency_ms, model, tokens_in, tokens_out)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	RETURNING created_at`
	err := p.pool.QueryRow(ctx, query,
		entry.ID, entry.AppID, entry.ResourceID, entry.Action, entry.Endpoint, entry.Method,
		entry.Decision, entry.DecisionReason, entry.LatencyMs, entry.Model, entry.TokensIn, entry.TokensOut,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending request log: %w", err)
	}
	return nil
}
