// Package model defines the entity types shared across the gateway core.
// These are storage-agnostic: pkg/repository maps them onto whatever
// persistent store backs a deployment.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// App status values.
const (
	AppStatusActive    = "ACTIVE"
	AppStatusSuspended = "SUSPENDED"
	AppStatusRevoked   = "REVOKED"
)

// App is a registered third-party application bound to an Ed25519 public key.
type App struct {
	ID          uuid.UUID
	Name        string
	Description string
	Homepage    string
	PublicKey   []byte // 32-byte Ed25519 public key
	Status      string
	CreatedAt   time.Time
}

// Active reports whether the app may authenticate.
func (a *App) Active() bool {
	return a != nil && a.Status == AppStatusActive
}

// ResourcePermission status values.
const (
	PermissionStatusActive  = "ACTIVE"
	PermissionStatusRevoked = "REVOKED"
)

// TimeWindow restricts a permission to certain hours/weekdays in a timezone.
type TimeWindow struct {
	Timezone    string `json:"timezone"`
	StartHour   int    `json:"startHour"`
	EndHour     int    `json:"endHour"`
	AllowedDays []int  `json:"allowedDays,omitempty"` // 0=Sunday .. 6=Saturday
}

// ResourcePermission grants an App an action on a resource, subject to
// constraints and limits. (appId, resourceId, action) is unique.
type ResourcePermission struct {
	ID                  uuid.UUID
	AppID               uuid.UUID
	ResourceID          string
	Action              string
	Status              string
	Constraints         json.RawMessage
	ValidFrom           *time.Time
	ExpiresAt           *time.Time
	TimeWindow          *TimeWindow
	RateLimitRequests   *int
	RateLimitWindowSecs *int
	BurstLimit          *int
	BurstWindowSecs     *int
	DailyQuota          *int
	MonthlyQuota        *int
	DailyTokenBudget    *int
	MonthlyTokenBudget  *int
	CreatedAt           time.Time
}

// Active reports whether the permission is usable right now.
func (p *ResourcePermission) Active() bool {
	return p != nil && p.Status == PermissionStatusActive
}

// ResourceSecret status values.
const (
	SecretStatusActive   = "ACTIVE"
	SecretStatusDisabled = "DISABLED"
)

// ResourceSecret is the envelope-encrypted upstream credential for a resource.
type ResourceSecret struct {
	ResourceID    string
	Status        string
	EncryptedKey  []byte // ciphertext, GCM tag appended
	KeyIV         []byte // 12-byte nonce
	Config        json.RawMessage
	CreatedAt     time.Time
}

// PairingCode is a one-time, short-lived credential issued by an admin and
// consumed by an app's "prepare" call.
type PairingCode struct {
	Code        string
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
}

// ConnectSession status values.
const (
	ConnectSessionPending  = "PENDING"
	ConnectSessionApproved = "APPROVED"
	ConnectSessionRejected = "REJECTED"
	ConnectSessionExpired  = "EXPIRED"
)

// RequestedPermission is one entry of a connect session's requested scope.
type RequestedPermission struct {
	ResourceID        string          `json:"resourceId"`
	Actions           []string        `json:"actions"`
	Constraints       json.RawMessage `json:"constraints,omitempty"`
	RequestedDuration string          `json:"requestedDuration,omitempty"`
}

// AppMetadata describes the app being registered during pairing.
type AppMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
}

// ConnectSession is the pending-approval record created by "prepare".
type ConnectSession struct {
	Token                string
	PairingCodeID        string
	PublicKey            []byte
	AppMetadata          AppMetadata
	RequestedPermissions []RequestedPermission
	RedirectURI          string
	Status               string
	BoundAppID           *uuid.UUID
	ExpiresAt            time.Time
	CreatedAt            time.Time
}

// RequestLog is an append-only record of one data-plane request attempt.
type RequestLog struct {
	ID             uuid.UUID
	AppID          *uuid.UUID
	ResourceID     string
	Action         string
	Endpoint       string
	Method         string
	Decision       string
	DecisionReason string
	LatencyMs      *int64
	Model          string
	TokensIn       *int
	TokensOut      *int
	CreatedAt      time.Time
}

// Decision values for RequestLog.Decision.
const (
	DecisionAllowed         = "ALLOWED"
	DecisionDeniedAuth      = "DENIED_AUTH"
	DecisionDeniedPerm      = "DENIED_PERMISSION"
	DecisionDeniedConstr    = "DENIED_CONSTRAINT"
	DecisionDeniedRateLimit = "DENIED_RATE_LIMIT"
	DecisionDeniedBudget    = "DENIED_BUDGET"
	DecisionError           = "ERROR"
)
