// Package adapter defines the resource adapter contract and an immutable
// registry of adapters keyed by resource id, grounded directly in
// pkg/messaging/registry.go's Register/Get/All pattern, generalized from
// messaging providers to upstream LLM resources.
package adapter

import (
	"context"
	"encoding/json"
	"io"

	"github.com/hearthgate/gateway/pkg/gwerr"
)

// EnforcementFields is the normalised view of a request an adapter emits
// during validation for the enforcement engine to evaluate. A nil pointer
// means the field is absent from the request, which fail-closed rules
// treat differently from an explicit false/zero value.
type EnforcementFields struct {
	Model           *string
	Stream          *bool
	UsesTools       *bool
	MaxOutputTokens *int
}

// ShapeResult is the outcome of ValidateAndShape.
type ShapeResult struct {
	Valid       bool
	Error       *gwerr.Error
	ShapedInput json.RawMessage
	Enforcement EnforcementFields
}

// ExecContext carries the decrypted upstream secret and the resource's
// stored configuration, scoped to a single Execute call.
type ExecContext struct {
	Secret []byte
	Config json.RawMessage
}

// ExecOptions controls how Execute should run the request.
type ExecOptions struct {
	Stream bool
}

// Usage is the token accounting extracted from an upstream response.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Model        string
}

// ExecResult is the outcome of Execute. Exactly one of Response or Stream is
// set, matching whether the caller requested streaming.
type ExecResult struct {
	Response    json.RawMessage
	ContentType string
	Usage       *Usage

	Stream io.ReadCloser // set instead of Response when opts.Stream is true
}

// CredentialField describes one field of an adapter's upstream credential,
// consumed by an admin UI that is outside this core's scope; the core still
// carries the contract so a future admin surface has something to render.
type CredentialField struct {
	Name        string
	Type        string // "string", "secret", "url"
	Required    bool
	Description string
}

// Adapter is a pluggable resource integration, identified by
// "<resourceType>:<provider>" (e.g. "llm:groq").
type Adapter interface {
	ResourceType() string
	Provider() string
	ID() string

	SupportedActions() []string
	CredentialSchema() []CredentialField

	// ValidateAndShape validates input against the adapter's schema and
	// constraints, producing a shaped request body and the enforcement
	// fields the policy engine will consult. It is a fixed point:
	// reshaping an already-shaped input must be a no-op.
	ValidateAndShape(ctx context.Context, action string, input json.RawMessage, constraints json.RawMessage) (*ShapeResult, error)

	// Execute issues the upstream call. ctx governs cancellation; callers
	// must close ExecResult.Stream when done with it.
	Execute(ctx context.Context, action string, shapedInput json.RawMessage, execCtx ExecContext, opts ExecOptions) (*ExecResult, error)

	// ExtractUsage parses token accounting out of a non-streaming response.
	ExtractUsage(response json.RawMessage) (Usage, error)

	// MapError translates an upstream failure into a gateway error.
	MapError(err error) *gwerr.Error
}

// Registry holds every adapter available to the pipeline, assembled once at
// process start and never mutated afterward.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds an immutable registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Get returns the adapter registered for resourceID, or ErrUnknownResource.
func (r *Registry) Get(resourceID string) (Adapter, error) {
	a, ok := r.adapters[resourceID]
	if !ok {
		return nil, gwerr.New(gwerr.ErrUnknownResource, "no adapter registered for resource "+resourceID).WithField("resourceId")
	}
	return a, nil
}

// All returns every registered adapter, used by the discovery endpoint.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}
