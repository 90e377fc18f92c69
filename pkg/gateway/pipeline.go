// Package gateway implements the data-plane request pipeline: the strict
// stage order that turns a signed HTTP request into an authenticated,
// policy-enforced, rate-limited upstream call. It is grounded in the
// teacher's auth.Middleware chain-of-responsibility style, expressed as
// explicit sequential method calls rather than an http.Handler chain
// because later stages need richly-typed intermediate data (the resolved
// App and ResourcePermission) that doesn't fit naturally through
// context.Context the way the teacher threads Identity/TenantInfo.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hearthgate/gateway/pkg/adapter"
	"github.com/hearthgate/gateway/pkg/enforcement"
	"github.com/hearthgate/gateway/pkg/gwerr"
	"github.com/hearthgate/gateway/pkg/limiter"
	"github.com/hearthgate/gateway/pkg/model"
	"github.com/hearthgate/gateway/pkg/nonce"
	"github.com/hearthgate/gateway/pkg/repository"
	"github.com/hearthgate/gateway/pkg/signer"
	"github.com/hearthgate/gateway/pkg/vault"
)

// NonceTTL is how long a reserved (appId, nonce) pair blocks replay, chosen
// to comfortably exceed the ±300s skew window on both sides of now.
const NonceTTL = 600 * time.Second

// Request is everything the pipeline needs from an inbound HTTP request,
// assembled by Handler before calling Pipeline.Handle.
type Request struct {
	Headers       http.Header
	Method        string
	PathWithQuery string
	ResourceID    string // "<type>:<provider>", resolved by the router from path or header
	Action        string
	Body          []byte
}

// Result is the terminal outcome of a pipeline run, used both to write the
// HTTP response and to build the RequestLog entry.
type Result struct {
	Err      *gwerr.Error
	Decision string

	AppID       *uuid.UUID
	Model       string
	Response    json.RawMessage
	ContentType string
	Stream      io.ReadCloser // set instead of Response when the adapter streamed
	Usage       *adapter.Usage
}

// Pipeline wires together every subsystem the data-plane request touches.
type Pipeline struct {
	Repo       repository.Repository
	Verifier   *signer.Verifier
	Nonces     nonce.Store
	Limits     limiter.Store
	Vault      *vault.Vault
	Adapters   *adapter.Registry
	Now        func() time.Time
	SkewWindow time.Duration
}

// New builds a Pipeline from its collaborators, defaulting Now to time.Now
// and SkewWindow to signer.SkewWindow when left zero.
func New(repo repository.Repository, verifier *signer.Verifier, nonces nonce.Store, limits limiter.Store, v *vault.Vault, adapters *adapter.Registry) *Pipeline {
	return &Pipeline{
		Repo:       repo,
		Verifier:   verifier,
		Nonces:     nonces,
		Limits:     limits,
		Vault:      v,
		Adapters:   adapters,
		Now:        time.Now,
		SkewWindow: signer.SkewWindow,
	}
}

// Handle runs the full nine-stage pipeline for req. The returned Result is
// never nil; ctx cancellation during Execute produces a Result with
// ErrInternal-shaped but cancellation-specific decision/reason handling.
func (p *Pipeline) Handle(ctx context.Context, req *Request) *Result {
	now := p.now()

	headers, perr := signer.ParseHeaders(req.Headers)
	if perr != nil {
		code := gwerr.ErrMissingAuth
		if pe, ok := perr.(*signer.ParseError); ok && pe.Reason == "unsupported_version" {
			code = gwerr.ErrUnsupportedPopVersion
		}
		return errResult(gwerr.New(code, perr.Error()))
	}

	if req.ResourceID == "" {
		return errResult(gwerr.New(gwerr.ErrResourceRequired, "no resource identified in URL path or x-gateway-resource header"))
	}

	a, err := p.Adapters.Get(req.ResourceID)
	if err != nil {
		if gerr, ok := err.(*gwerr.Error); ok {
			return errResult(gerr)
		}
		return errResult(gwerr.New(gwerr.ErrUnknownResource, err.Error()))
	}
	if !supportsAction(a, req.Action) {
		return errResult(gwerr.New(gwerr.ErrUnsupportedAction, "action "+req.Action+" is not supported by resource "+req.ResourceID))
	}

	// --- stage 2: authenticate ---
	app, gerr := p.authenticate(ctx, headers, req, now)
	if gerr != nil {
		return errResult(gerr)
	}

	// --- stage 3: permission lookup ---
	perm, gerr := p.lookupPermission(ctx, app.ID, req.ResourceID, req.Action, now)
	if gerr != nil {
		return errResultForApp(gerr, app.ID)
	}

	// --- stage 4: rate limit ---
	if gerr := p.checkRateLimit(ctx, app.ID, perm, now); gerr != nil {
		return errResultForApp(gerr, app.ID)
	}

	// --- stage 5: budget ---
	if gerr := p.checkBudget(ctx, app.ID, perm, now); gerr != nil {
		return errResultForApp(gerr, app.ID)
	}

	// --- stage 6: policy enforcement + shaping ---
	shape, gerr := p.enforceAndShape(ctx, a, req, perm)
	if gerr != nil {
		return errResultForApp(gerr, app.ID)
	}

	if gerr := p.checkModelRateLimit(ctx, app.ID, perm, req, shape, now); gerr != nil {
		return errResultForApp(gerr, app.ID)
	}

	// --- stage 7: secret decrypt ---
	secret, cfg, gerr := p.decryptSecret(ctx, req.ResourceID)
	if gerr != nil {
		return errResultForApp(gerr, app.ID)
	}

	// --- stage 8: execute ---
	execRes, err := a.Execute(ctx, req.Action, shape.ShapedInput, adapter.ExecContext{Secret: secret, Config: cfg}, adapter.ExecOptions{Stream: isStreamRequested(shape)})
	if err != nil {
		if ctx.Err() != nil {
			return &Result{Err: gwerr.New(gwerr.ErrInternal, "request cancelled").WithRetryable(false), Decision: model.DecisionError, AppID: &app.ID, Model: modelFromShape(shape)}
		}
		gerr := a.MapError(err)
		return errResultForApp(gerr, app.ID)
	}

	res := &Result{
		Decision:    model.DecisionAllowed,
		AppID:       &app.ID,
		Model:       modelFromShape(shape),
		Response:    execRes.Response,
		ContentType: execRes.ContentType,
		Usage:       execRes.Usage,
	}
	if execRes.Stream != nil {
		res.Stream = execRes.Stream
	}
	return res
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func supportsAction(a adapter.Adapter, action string) bool {
	for _, s := range a.SupportedActions() {
		if s == action {
			return true
		}
	}
	return false
}

func modelFromShape(shape *adapter.ShapeResult) string {
	if shape == nil || shape.Enforcement.Model == nil {
		return ""
	}
	return *shape.Enforcement.Model
}

func isStreamRequested(shape *adapter.ShapeResult) bool {
	return shape != nil && shape.Enforcement.Stream != nil && *shape.Enforcement.Stream
}

func errResult(e *gwerr.Error) *Result {
	return &Result{Err: e, Decision: e.Decision()}
}

func errResultForApp(e *gwerr.Error, appID uuid.UUID) *Result {
	return &Result{Err: e, Decision: e.Decision(), AppID: &appID}
}

// --- stage implementations ---

func (p *Pipeline) authenticate(ctx context.Context, headers *signer.Headers, req *Request, now time.Time) (*model.App, *gwerr.Error) {
	if !signer.CheckSkew(headers.TS, now) {
		return nil, gwerr.New(gwerr.ErrExpiredTimestamp, "request timestamp is outside the allowed clock skew window")
	}

	appUUID, err := uuid.Parse(headers.AppID)
	if err != nil {
		return nil, gwerr.New(gwerr.ErrAppNotFound, "app id is not a valid identifier")
	}
	app, err := p.Repo.FindAppByID(ctx, appUUID)
	if err != nil {
		return nil, gwerr.New(gwerr.ErrAppNotFound, "no app registered for this id")
	}
	if !app.Active() {
		return nil, gwerr.New(gwerr.ErrAppDisabled, "app is not active")
	}

	ok, err := p.Verifier.VerifyRequest(headers, req.Method, req.PathWithQuery, req.Body, app.PublicKey)
	if err != nil || !ok {
		return nil, gwerr.New(gwerr.ErrInvalidSignature, "signature verification failed")
	}

	result, err := p.Nonces.Reserve(ctx, headers.AppID, headers.Nonce, NonceTTL)
	if err != nil {
		return nil, gwerr.New(gwerr.ErrInternal, "nonce store unavailable: "+err.Error())
	}
	if result == nonce.Replay {
		return nil, gwerr.New(gwerr.ErrInvalidNonce, "nonce has already been used")
	}

	return app, nil
}

func (p *Pipeline) lookupPermission(ctx context.Context, appID uuid.UUID, resourceID, action string, now time.Time) (*model.ResourcePermission, *gwerr.Error) {
	perm, err := p.Repo.FindPermission(ctx, appID, resourceID, action)
	if err != nil {
		return nil, gwerr.New(gwerr.ErrPermissionDenied, "no permission granted for this resource and action")
	}
	if !perm.Active() {
		return nil, gwerr.New(gwerr.ErrPermissionDenied, "permission has been revoked")
	}
	if !enforcement.TimeWindowValid(perm, now) {
		return nil, gwerr.New(gwerr.ErrPermissionExpired, "permission is not valid at this time")
	}
	return perm, nil
}

func (p *Pipeline) checkRateLimit(ctx context.Context, appID uuid.UUID, perm *model.ResourcePermission, now time.Time) *gwerr.Error {
	reqLimit := limiter.DefaultRateLimitRequests
	windowSecs := limiter.DefaultRateLimitWindowSecs
	if perm.RateLimitRequests != nil {
		reqLimit = *perm.RateLimitRequests
	}
	if perm.RateLimitWindowSecs != nil {
		windowSecs = *perm.RateLimitWindowSecs
	}

	key := limiter.RateLimitKey(appID.String(), perm.ResourceID, perm.Action)
	result, err := p.Limits.CheckAndIncrRateLimit(ctx, key, reqLimit, time.Duration(windowSecs)*time.Second)
	if err != nil {
		return gwerr.New(gwerr.ErrInternal, "rate limit store unavailable: "+err.Error())
	}
	if !result.Allowed {
		return gwerr.New(gwerr.ErrRateLimitExceeded, "rate limit exceeded").WithResetAt(result.ResetAt.Unix())
	}
	return nil
}

func (p *Pipeline) checkBudget(ctx context.Context, appID uuid.UUID, perm *model.ResourcePermission, now time.Time) *gwerr.Error {
	daily := limiter.DefaultDailyBudget
	if perm.DailyQuota != nil {
		daily = *perm.DailyQuota
	}
	if gerr := p.checkOneBudget(ctx, appID, limiter.PeriodDaily, daily, now); gerr != nil {
		return gerr
	}
	if perm.MonthlyQuota != nil {
		if gerr := p.checkOneBudget(ctx, appID, limiter.PeriodMonthly, *perm.MonthlyQuota, now); gerr != nil {
			return gerr
		}
	}
	return nil
}

func (p *Pipeline) checkOneBudget(ctx context.Context, appID uuid.UUID, period limiter.Period, limit int, now time.Time) *gwerr.Error {
	key := limiter.BudgetKey(appID.String(), period)
	result, err := p.Limits.CheckAndIncrBudget(ctx, key, limit, period, now)
	if err != nil {
		return gwerr.New(gwerr.ErrInternal, "budget store unavailable: "+err.Error())
	}
	if !result.Allowed {
		return gwerr.New(gwerr.ErrBudgetExceeded, "request budget exceeded for this period")
	}
	return nil
}

func (p *Pipeline) enforceAndShape(ctx context.Context, a adapter.Adapter, req *Request, perm *model.ResourcePermission) (*adapter.ShapeResult, *gwerr.Error) {
	shape, err := a.ValidateAndShape(ctx, req.Action, req.Body, perm.Constraints)
	if err != nil {
		return nil, gwerr.New(gwerr.ErrInternal, "shaping request: "+err.Error())
	}
	if !shape.Valid {
		if shape.Error != nil {
			return nil, shape.Error
		}
		return nil, gwerr.New(gwerr.ErrContractValidationFailed, "request failed adapter validation")
	}

	if enforcement.HasEnforceableConstraints(perm.Constraints) {
		policy, perr := enforcement.DerivePolicy(perm.Constraints)
		if perr != nil {
			return nil, gwerr.New(gwerr.ErrInternal, "deriving policy: "+perr.Error())
		}
		if gerr := enforcement.Enforce(policy, shape.Enforcement); gerr != nil {
			return nil, gerr
		}
	}

	return shape, nil
}

func (p *Pipeline) checkModelRateLimit(ctx context.Context, appID uuid.UUID, perm *model.ResourcePermission, req *Request, shape *adapter.ShapeResult, now time.Time) *gwerr.Error {
	if len(perm.Constraints) == 0 || shape.Enforcement.Model == nil {
		return nil
	}
	policy, err := enforcement.DerivePolicy(perm.Constraints)
	if err != nil || len(policy.ModelRateLimits) == 0 {
		return nil
	}
	for _, mrl := range policy.ModelRateLimits {
		if mrl.Model != *shape.Enforcement.Model {
			continue
		}
		key := limiter.ModelRateLimitKey(appID.String(), req.ResourceID, req.Action, mrl.Model)
		result, err := p.Limits.CheckAndIncrRateLimit(ctx, key, mrl.Max, time.Duration(mrl.Window)*time.Second)
		if err != nil {
			return gwerr.New(gwerr.ErrInternal, "model rate limit store unavailable: "+err.Error())
		}
		if !result.Allowed {
			return gwerr.New(gwerr.ErrRateLimitExceeded, "per-model rate limit exceeded").WithResetAt(result.ResetAt.Unix())
		}
	}
	return nil
}

func (p *Pipeline) decryptSecret(ctx context.Context, resourceID string) ([]byte, json.RawMessage, *gwerr.Error) {
	secret, err := p.Repo.FindResourceSecret(ctx, resourceID)
	if err != nil {
		return nil, nil, gwerr.New(gwerr.ErrResourceNotConfigured, "no secret configured for this resource")
	}
	if secret.Status != model.SecretStatusActive {
		return nil, nil, gwerr.New(gwerr.ErrResourceNotConfigured, "resource secret is disabled")
	}
	plaintext, err := p.Vault.Open(secret.EncryptedKey, secret.KeyIV)
	if err != nil {
		return nil, nil, gwerr.New(gwerr.ErrResourceNotConfigured, "failed to decrypt resource secret")
	}
	return plaintext, secret.Config, nil
}
