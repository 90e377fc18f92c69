// Package enforcement derives an EnforcementPolicy from a permission's raw
// constraints blob and evaluates it against the enforcement fields an
// adapter emits, schema-first and fail-closed.
package enforcement

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hearthgate/gateway/pkg/adapter"
	"github.com/hearthgate/gateway/pkg/gwerr"
	"github.com/hearthgate/gateway/pkg/model"
)

// ModelRateLimit is one entry of the modelRateLimits constraint.
type ModelRateLimit struct {
	Model  string `json:"model"`
	Max    int    `json:"max"`
	Window int    `json:"window"` // seconds
}

// Policy is the set of recognised constraint keys extracted from a
// permission's constraints blob. Unrecognised keys are ignored rather than
// rejected, matching the schema-first/fail-closed design.
type Policy struct {
	AllowedModels   []string         `json:"allowedModels,omitempty"`
	MaxOutputTokens *int             `json:"maxOutputTokens,omitempty"`
	AllowTools      *bool            `json:"allowTools,omitempty"`
	AllowStreaming  *bool            `json:"allowStreaming,omitempty"`
	ModelRateLimits []ModelRateLimit `json:"modelRateLimits,omitempty"`
}

// DerivePolicy parses the recognised keys out of a constraints blob. A nil
// or empty blob yields a zero-value Policy (nothing enforced).
func DerivePolicy(constraints json.RawMessage) (*Policy, error) {
	if len(constraints) == 0 {
		return &Policy{}, nil
	}
	var p Policy
	if err := json.Unmarshal(constraints, &p); err != nil {
		return nil, fmt.Errorf("parsing constraints: %w", err)
	}
	return &p, nil
}

// HasEnforceableConstraints reports whether any rule in constraints could
// deny a request, letting the pipeline skip the full body parse when it
// cannot.
func HasEnforceableConstraints(constraints json.RawMessage) bool {
	p, err := DerivePolicy(constraints)
	if err != nil || p == nil {
		return false
	}
	return len(p.AllowedModels) > 0 ||
		p.MaxOutputTokens != nil ||
		(p.AllowTools != nil && !*p.AllowTools) ||
		(p.AllowStreaming != nil && !*p.AllowStreaming)
}

// normalizeModel strips an optional "models/" prefix for comparison.
func normalizeModel(m string) string {
	return strings.TrimPrefix(m, "models/")
}

func modelAllowed(allowed []string, model string) bool {
	want := normalizeModel(model)
	for _, a := range allowed {
		if normalizeModel(a) == want {
			return true
		}
	}
	return false
}

// Enforce evaluates policy against the enforcement fields an adapter
// emitted for the current request, in the fixed rule order: allowedModels,
// maxOutputTokens, allowTools, allowStreaming. Returns nil when allowed.
func Enforce(p *Policy, fields adapter.EnforcementFields) *gwerr.Error {
	if len(p.AllowedModels) > 0 {
		if fields.Model == nil {
			return gwerr.New(gwerr.ErrPolicyViolation, "request does not declare a model, but this permission restricts allowed models").WithField("model")
		}
		if !modelAllowed(p.AllowedModels, *fields.Model) {
			return gwerr.New(gwerr.ErrModelNotAllowed, fmt.Sprintf("model %q is not in the allowed list", *fields.Model)).WithField("model")
		}
	}

	if p.MaxOutputTokens != nil {
		if fields.MaxOutputTokens != nil && *fields.MaxOutputTokens > *p.MaxOutputTokens {
			return gwerr.New(gwerr.ErrMaxTokensExceeded, fmt.Sprintf("requested output cap %d exceeds permitted %d", *fields.MaxOutputTokens, *p.MaxOutputTokens))
		}
	}

	if p.AllowTools != nil && !*p.AllowTools {
		if fields.UsesTools == nil {
			return gwerr.New(gwerr.ErrPolicyViolation, "request does not declare tool usage, but this permission forbids tools").WithField("tools")
		}
		if *fields.UsesTools {
			return gwerr.New(gwerr.ErrToolsNotAllowed, "this permission does not allow tool use")
		}
	}

	if p.AllowStreaming != nil && !*p.AllowStreaming {
		if fields.Stream == nil {
			return gwerr.New(gwerr.ErrPolicyViolation, "request does not declare streaming mode, but this permission forbids streaming").WithField("stream")
		}
		if *fields.Stream {
			return gwerr.New(gwerr.ErrStreamingNotAllowed, "this permission does not allow streaming responses")
		}
	}

	return nil
}

// TimeWindowValid reports whether now (in the permission's evaluation
// timezone) falls within the permission's validity window and, if a
// TimeWindow is set, within its hour-of-day and weekday restrictions.
func TimeWindowValid(perm *model.ResourcePermission, now time.Time) bool {
	if perm.ValidFrom != nil && now.Before(*perm.ValidFrom) {
		return false
	}
	if perm.ExpiresAt != nil && now.After(*perm.ExpiresAt) {
		return false
	}
	if perm.TimeWindow == nil {
		return true
	}
	return inTimeWindow(*perm.TimeWindow, now)
}

func inTimeWindow(tw model.TimeWindow, now time.Time) bool {
	loc, err := time.LoadLocation(tw.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	if len(tw.AllowedDays) > 0 {
		weekday := int(local.Weekday())
		ok := false
		for _, d := range tw.AllowedDays {
			if d == weekday {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	hour := local.Hour()
	if tw.StartHour <= tw.EndHour {
		return hour >= tw.StartHour && hour < tw.EndHour
	}
	// Overnight wrap, e.g. startHour=22, endHour=6.
	return hour >= tw.StartHour || hour < tw.EndHour
}
