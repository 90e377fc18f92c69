// Package pairing implements the pairing-string parsing and the
// prepare/approve/reject connect-session state machine, grounded in the
// teacher's layered handler/service/store split (e.g. pkg/apikey's
// handler.go calling into a service backed by a store), generalized from
// API-key issuance to PoP app registration.
package pairing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearthgate/gateway/pkg/adapter"
	"github.com/hearthgate/gateway/pkg/gwerr"
	"github.com/hearthgate/gateway/pkg/model"
	"github.com/hearthgate/gateway/pkg/repository"
)

// PairingCodeTTL is how long an admin-issued pairing code remains
// consumable before it expires unused.
const PairingCodeTTL = 10 * time.Minute

// ConnectSessionTTL is how long a prepared session waits for approval
// before ExpireStale reclaims it.
const ConnectSessionTTL = 15 * time.Minute

// MinConnectCodeLen is the minimum entropy-bearing length of the connect
// code portion of a pairing string (≥96 bits at a 6-bit-per-char alphabet).
const MinConnectCodeLen = 16

var resourceIDPattern = regexp.MustCompile(`^[a-z]+:[a-z0-9-]+$`)

// ParsedPairingString is the decomposed form of "pair::<proxyUrl>::<code>".
type ParsedPairingString struct {
	ProxyURL    string
	ConnectCode string
}

// ParsePairingString splits and validates a pairing string.
func ParsePairingString(s string) (*ParsedPairingString, error) {
	parts := strings.Split(s, "::")
	if len(parts) != 3 || parts[0] != "pair" {
		return nil, fmt.Errorf("pairing string must have the form pair::<proxyUrl>::<connectCode>")
	}
	proxyURL, code := parts[1], parts[2]

	u, err := url.Parse(proxyURL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("proxy URL must be an absolute URL")
	}
	if len(code) < MinConnectCodeLen {
		return nil, fmt.Errorf("connect code must be at least %d characters", MinConnectCodeLen)
	}

	return &ParsedPairingString{ProxyURL: proxyURL, ConnectCode: code}, nil
}

// AppMeta mirrors the "app" object of a prepare request.
type AppMeta struct {
	Name        string
	Description string
	Homepage    string
}

// RequestedPermission mirrors one entry of a prepare request's
// requestedPermissions array.
type RequestedPermission struct {
	ResourceID        string
	Actions           []string
	Constraints       []byte
	RequestedDuration string
}

// PrepareInput is the validated input to Service.Prepare.
type PrepareInput struct {
	ConnectCode          string
	App                  AppMeta
	PublicKey             []byte
	RequestedPermissions []RequestedPermission
	RedirectURI          string
}

// PrepareOutput is returned to the app that called prepare.
type PrepareOutput struct {
	ApprovalURL  string
	SessionToken string
	ExpiresAt    time.Time
}

// Service implements the pairing & approval state machine over a Repository.
type Service struct {
	Repo          repository.Repository
	Resources     *adapter.Registry
	GatewayOrigin string // base URL used to build ApprovalURL
	Now           func() time.Time
}

// New creates a pairing Service.
func New(repo repository.Repository, resources *adapter.Registry, gatewayOrigin string) *Service {
	return &Service{Repo: repo, Resources: resources, GatewayOrigin: gatewayOrigin, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// IssuePairingCode creates a new admin-issued PairingCode, the admin-side
// counterpart of ParsePairingString; it is not itself gated by this
// package (the admin endpoint enforces that).
func (s *Service) IssuePairingCode(ctx context.Context, code string) (*model.PairingCode, error) {
	pc := &model.PairingCode{Code: code, ExpiresAt: s.now().Add(PairingCodeTTL)}
	if err := s.Repo.InsertPairingCode(ctx, pc); err != nil {
		return nil, fmt.Errorf("issuing pairing code: %w", err)
	}
	return pc, nil
}

// Prepare consumes a pairing code and creates a PENDING ConnectSession.
// Concurrent Prepare calls with the same code race on the repository's
// atomic ConsumePairingCode; exactly one succeeds.
func (s *Service) Prepare(ctx context.Context, in *PrepareInput) (*PrepareOutput, *gwerr.Error) {
	if len(in.PublicKey) != ed25519.PublicKeySize {
		return nil, gwerr.New(gwerr.ErrInvalidRequest, "publicKey must decode to 32 Ed25519 bytes").WithField("publicKey")
	}
	u, err := url.Parse(in.RedirectURI)
	if err != nil || !u.IsAbs() {
		return nil, gwerr.New(gwerr.ErrInvalidRequest, "redirectUri must be an absolute URL").WithField("redirectUri")
	}

	perms, gerr := s.normalizePermissions(in.RequestedPermissions)
	if gerr != nil {
		return nil, gerr
	}

	now := s.now()
	if _, err := s.Repo.ConsumePairingCode(ctx, in.ConnectCode, now); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, gwerr.New(gwerr.ErrInvalidConnectCode, "connect code has already been used or has expired")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, gwerr.New(gwerr.ErrInvalidConnectCode, "unknown connect code")
		}
		return nil, gwerr.New(gwerr.ErrInternal, "consuming connect code: "+err.Error())
	}

	token := uuid.NewString()
	session := &model.ConnectSession{
		Token:       token,
		PublicKey:   in.PublicKey,
		AppMetadata: model.AppMetadata{Name: in.App.Name, Description: in.App.Description, Homepage: in.App.Homepage},
		RequestedPermissions: perms,
		RedirectURI: in.RedirectURI,
		Status:      model.ConnectSessionPending,
		ExpiresAt:   now.Add(ConnectSessionTTL),
	}
	if err := s.Repo.CreateConnectSession(ctx, session); err != nil {
		return nil, gwerr.New(gwerr.ErrInternal, "creating connect session: "+err.Error())
	}

	return &PrepareOutput{
		ApprovalURL:  s.GatewayOrigin + "/admin/connect/" + token,
		SessionToken: token,
		ExpiresAt:    session.ExpiresAt,
	}, nil
}

// normalizePermissions validates each requested permission and collapses
// duplicate (resourceId, action) pairs, per §4.8.
func (s *Service) normalizePermissions(in []RequestedPermission) ([]model.RequestedPermission, *gwerr.Error) {
	seen := make(map[string]bool)
	var out []model.RequestedPermission
	for _, rp := range in {
		if !resourceIDPattern.MatchString(rp.ResourceID) {
			return nil, gwerr.New(gwerr.ErrInvalidRequest, fmt.Sprintf("resourceId %q does not match the required pattern", rp.ResourceID)).WithField("requestedPermissions.resourceId")
		}
		if s.Resources != nil {
			if _, err := s.Resources.Get(rp.ResourceID); err != nil {
				return nil, gwerr.New(gwerr.ErrUnknownResource, "no adapter registered for resource "+rp.ResourceID).WithField("requestedPermissions.resourceId")
			}
		}
		for _, action := range rp.Actions {
			key := rp.ResourceID + "|" + action
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, model.RequestedPermission{
				ResourceID:        rp.ResourceID,
				Actions:           []string{action},
				Constraints:       rp.Constraints,
				RequestedDuration: rp.RequestedDuration,
			})
		}
	}
	return out, nil
}

// ApprovalOverride lets an admin tighten or annotate a requested permission
// before it is bound, e.g. attaching constraints the app did not request.
type ApprovalOverride struct {
	ResourceID  string
	Action      string
	Constraints []byte
}

// Approve binds a new App and its ResourcePermissions and flips the session
// to APPROVED, atomically, via Repository.ApproveConnectSession.
func (s *Service) Approve(ctx context.Context, token string, overrides []ApprovalOverride) (*model.App, *gwerr.Error) {
	session, err := s.Repo.FindConnectSession(ctx, token)
	if err != nil {
		return nil, gwerr.New(gwerr.ErrInvalidRequest, "unknown connect session")
	}
	if session.Status != model.ConnectSessionPending {
		return nil, gwerr.New(gwerr.ErrSessionExpired, "connect session is no longer pending")
	}
	if s.now().After(session.ExpiresAt) {
		return nil, gwerr.New(gwerr.ErrSessionExpired, "connect session has expired")
	}

	overrideIdx := make(map[string][]byte, len(overrides))
	for _, o := range overrides {
		overrideIdx[o.ResourceID+"|"+o.Action] = o.Constraints
	}

	app := &model.App{
		Name:        session.AppMetadata.Name,
		Description: session.AppMetadata.Description,
		Homepage:    session.AppMetadata.Homepage,
		PublicKey:   session.PublicKey,
		Status:      model.AppStatusActive,
	}

	var perms []model.ResourcePermission
	for _, rp := range session.RequestedPermissions {
		for _, action := range rp.Actions {
			constraints := rp.Constraints
			if override, ok := overrideIdx[rp.ResourceID+"|"+action]; ok {
				constraints = override
			}
			perms = append(perms, model.ResourcePermission{
				ResourceID:  rp.ResourceID,
				Action:      action,
				Status:      model.PermissionStatusActive,
				Constraints: constraints,
			})
		}
	}

	if err := s.Repo.ApproveConnectSession(ctx, token, app, perms); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, gwerr.New(gwerr.ErrSessionExpired, "connect session is no longer pending")
		}
		return nil, gwerr.New(gwerr.ErrInternal, "approving connect session: "+err.Error())
	}

	return app, nil
}

// Reject flips a PENDING session to REJECTED.
func (s *Service) Reject(ctx context.Context, token string) *gwerr.Error {
	if err := s.Repo.RejectConnectSession(ctx, token); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return gwerr.New(gwerr.ErrSessionExpired, "connect session is no longer pending")
		}
		if errors.Is(err, repository.ErrNotFound) {
			return gwerr.New(gwerr.ErrInvalidRequest, "unknown connect session")
		}
		return gwerr.New(gwerr.ErrInternal, "rejecting connect session: "+err.Error())
	}
	return nil
}

// ExpireStale sweeps PENDING sessions past their expiry into EXPIRED,
// grounded in the teacher's periodic-loop worker pattern (e.g.
// roster.RunScheduleTopUpLoop), generalized to connect-session cleanup.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	return s.Repo.ExpireStaleConnectSessions(ctx, s.now())
}

// RedirectURL builds the final redirect URL for a terminal session,
// appending status and, on approval, app_id.
func RedirectURL(redirectURI, status string, appID *uuid.UUID) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("status", status)
	if appID != nil {
		q.Set("app_id", appID.String())
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// DecodePublicKey base64-decodes a public key field from a JSON request.
func DecodePublicKey(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}
