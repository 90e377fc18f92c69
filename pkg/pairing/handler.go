package pairing

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hearthgate/gateway/internal/auth"
	"github.com/hearthgate/gateway/internal/httpserver"
	"github.com/hearthgate/gateway/internal/telemetry"
)

// Handler exposes the prepare/approve/reject HTTP surface over a Service,
// grounded in the teacher's pkg/apikey/handler.go Handler/Routes split.
type Handler struct {
	logger *slog.Logger
	admin  *auth.AdminAuthenticator
	svc    *Service
}

// NewHandler creates a pairing Handler. admin gates every endpoint except
// Prepare, which the pairing protocol itself requires to be reachable by an
// unauthenticated app.
func NewHandler(logger *slog.Logger, admin *auth.AdminAuthenticator, svc *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, admin: admin, svc: svc}
}

// Routes mounts the connect/pairing endpoints. r is expected to be mounted
// at /api/connect by the caller.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/prepare", h.handlePrepare)
	return r
}

// AdminRoutes mounts the admin-gated pairing-code issuance and
// approve/reject endpoints, optional plumbing behind the core state
// machine per §4.8.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.admin.Middleware)
	r.Post("/pairing-codes", h.handleIssueCode)
	r.Post("/connect/{token}/approve", h.handleApprove)
	r.Post("/connect/{token}/reject", h.handleReject)
	return r
}

type prepareAppRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Homepage    string `json:"homepage"`
}

type prepareRequestedPermission struct {
	ResourceID        string          `json:"resourceId" validate:"required"`
	Actions           []string        `json:"actions" validate:"required,min=1"`
	Constraints       json.RawMessage `json:"constraints"`
	RequestedDuration string          `json:"requestedDuration"`
}

type prepareRequest struct {
	ConnectCode          string                       `json:"connectCode" validate:"required,min=16"`
	App                  prepareAppRequest            `json:"app" validate:"required"`
	PublicKey            string                       `json:"publicKey" validate:"required"`
	RequestedPermissions []prepareRequestedPermission `json:"requestedPermissions" validate:"required,min=1"`
	RedirectURI          string                       `json:"redirectUri" validate:"required,url"`
}

type prepareResponse struct {
	ApprovalURL  string `json:"approvalUrl"`
	SessionToken string `json:"sessionToken"`
	ExpiresAt    string `json:"expiresAt"`
}

func (h *Handler) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	publicKey, err := DecodePublicKey(req.PublicKey)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "ERR_INVALID_REQUEST", "publicKey must be base64")
		return
	}

	perms := make([]RequestedPermission, 0, len(req.RequestedPermissions))
	for _, rp := range req.RequestedPermissions {
		perms = append(perms, RequestedPermission{
			ResourceID:        rp.ResourceID,
			Actions:           rp.Actions,
			Constraints:       rp.Constraints,
			RequestedDuration: rp.RequestedDuration,
		})
	}

	out, gerr := h.svc.Prepare(r.Context(), &PrepareInput{
		ConnectCode: req.ConnectCode,
		App: AppMeta{
			Name:        req.App.Name,
			Description: req.App.Description,
			Homepage:    req.App.Homepage,
		},
		PublicKey:            publicKey,
		RequestedPermissions: perms,
		RedirectURI:          req.RedirectURI,
	})
	if gerr != nil {
		httpserver.RespondGatewayError(w, httpserver.RequestIDFromContext(r.Context()), gerr)
		return
	}

	httpserver.Respond(w, http.StatusOK, prepareResponse{
		ApprovalURL:  out.ApprovalURL,
		SessionToken: out.SessionToken,
		ExpiresAt:    out.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

type issueCodeRequest struct {
	Code string `json:"code" validate:"required,min=16"`
}

func (h *Handler) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	var req issueCodeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	pc, err := h.svc.IssuePairingCode(r.Context(), req.Code)
	if err != nil {
		h.logger.Error("issuing pairing code", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "ERR_INTERNAL", "failed to issue pairing code")
		return
	}
	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"code":      pc.Code,
		"expiresAt": pc.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

type approveRequest struct {
	Overrides []struct {
		ResourceID  string          `json:"resourceId" validate:"required"`
		Action      string          `json:"action" validate:"required"`
		Constraints json.RawMessage `json:"constraints"`
	} `json:"overrides"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req approveRequest
	if err := httpserver.Decode(r, &req); err != nil && r.ContentLength > 0 {
		httpserver.RespondError(w, http.StatusBadRequest, "ERR_INVALID_REQUEST", err.Error())
		return
	}

	overrides := make([]ApprovalOverride, 0, len(req.Overrides))
	for _, o := range req.Overrides {
		overrides = append(overrides, ApprovalOverride{ResourceID: o.ResourceID, Action: o.Action, Constraints: o.Constraints})
	}

	app, gerr := h.svc.Approve(r.Context(), token, overrides)
	if gerr != nil {
		telemetry.PairingSessionsTotal.WithLabelValues("denied").Inc()
		httpserver.RespondGatewayError(w, httpserver.RequestIDFromContext(r.Context()), gerr)
		return
	}
	telemetry.PairingSessionsTotal.WithLabelValues("approved").Inc()
	httpserver.Respond(w, http.StatusOK, map[string]any{"appId": app.ID, "status": "approved"})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if gerr := h.svc.Reject(r.Context(), token); gerr != nil {
		httpserver.RespondGatewayError(w, httpserver.RequestIDFromContext(r.Context()), gerr)
		return
	}
	telemetry.PairingSessionsTotal.WithLabelValues("rejected").Inc()
	httpserver.Respond(w, http.StatusOK, map[string]any{"status": "rejected"})
}
