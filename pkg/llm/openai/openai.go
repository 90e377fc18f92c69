// Package openai implements the OpenAI-compatible chat-completions
// adapter: requests are forwarded unchanged and non-streaming responses
// are returned verbatim, grounded in pkg/bookowl/client.go's outbound
// http.Client usage pattern, generalized from a fixed integration endpoint
// to a per-resource configured base URL.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hearthgate/gateway/pkg/adapter"
	"github.com/hearthgate/gateway/pkg/gwerr"
	"github.com/hearthgate/gateway/pkg/llm/chatschema"
)

// DefaultMaxOutputTokens is the provider default output cap when neither
// the request nor the permission's constraints specify one.
const DefaultMaxOutputTokens = 4096

// Config is the adapter's per-resource configuration, stored as the
// resource secret's Config JSON.
type Config struct {
	BaseURL string `json:"baseUrl"`
}

// Adapter is the OpenAI-compatible chat-completions adapter. provider
// distinguishes multiple deployments of the same shape (e.g. "groq",
// "openai", "together").
type Adapter struct {
	provider   string
	httpClient *http.Client
}

// New creates an OpenAI-compatible adapter for the given provider name.
func New(provider string) *Adapter {
	return &Adapter{
		provider:   provider,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// ResourceType implements adapter.Adapter.
func (a *Adapter) ResourceType() string { return "llm" }

// Provider implements adapter.Adapter.
func (a *Adapter) Provider() string { return a.provider }

// ID implements adapter.Adapter.
func (a *Adapter) ID() string { return a.ResourceType() + ":" + a.provider }

// SupportedActions implements adapter.Adapter.
func (a *Adapter) SupportedActions() []string { return []string{"chat.completions"} }

// CredentialSchema implements adapter.Adapter.
func (a *Adapter) CredentialSchema() []adapter.CredentialField {
	return []adapter.CredentialField{
		{Name: "apiKey", Type: "secret", Required: true, Description: "Bearer token for the upstream API"},
		{Name: "baseUrl", Type: "url", Required: true, Description: "Base URL, e.g. https://api.groq.com/openai/v1"},
	}
}

// ValidateAndShape implements adapter.Adapter.
func (a *Adapter) ValidateAndShape(_ context.Context, action string, input json.RawMessage, constraints json.RawMessage) (*adapter.ShapeResult, error) {
	if action != "chat.completions" {
		return &adapter.ShapeResult{Valid: false, Error: gwerr.New(gwerr.ErrUnsupportedAction, "unsupported action: "+action)}, nil
	}

	req, err := chatschema.Parse(input)
	if err != nil {
		return &adapter.ShapeResult{Valid: false, Error: gwerr.New(gwerr.ErrContractValidationFailed, err.Error())}, nil
	}

	// Enforcement must see the requested cap, not a constraint-clamped one,
	// or a maxOutputTokens limit could never be exceeded.
	requestedCap := chatschema.RequestedOutputCap(req, DefaultMaxOutputTokens)

	model := req.Model
	usesTools := chatschema.UsesTools(req)
	stream := req.Stream

	return &adapter.ShapeResult{
		Valid:       true,
		ShapedInput: input,
		Enforcement: adapter.EnforcementFields{
			Model:           &model,
			Stream:          &stream,
			UsesTools:       &usesTools,
			MaxOutputTokens: &requestedCap,
		},
	}, nil
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, action string, shapedInput json.RawMessage, execCtx adapter.ExecContext, opts adapter.ExecOptions) (*adapter.ExecResult, error) {
	if action != "chat.completions" {
		return nil, gwerr.New(gwerr.ErrUnsupportedAction, "unsupported action: "+action)
	}

	var cfg Config
	if err := json.Unmarshal(execCtx.Config, &cfg); err != nil {
		return nil, gwerr.New(gwerr.ErrResourceNotConfigured, "invalid adapter configuration: "+err.Error())
	}

	url := cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(shapedInput))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+string(execCtx.Secret))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, a.MapError(err)
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, adapter.MapUpstreamStatus(resp.StatusCode, string(body))
	}

	if opts.Stream {
		return &adapter.ExecResult{ContentType: "text/event-stream", Stream: resp.Body}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	usage, _ := a.ExtractUsage(body)
	return &adapter.ExecResult{Response: body, ContentType: "application/json", Usage: &usage}, nil
}

// ExtractUsage implements adapter.Adapter.
func (a *Adapter) ExtractUsage(response json.RawMessage) (adapter.Usage, error) {
	var parsed struct {
		Model string `json:"model"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(response, &parsed); err != nil {
		return adapter.Usage{}, fmt.Errorf("parsing usage: %w", err)
	}
	return adapter.Usage{
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		TotalTokens:  parsed.Usage.TotalTokens,
		Model:        parsed.Model,
	}, nil
}

// MapError implements adapter.Adapter.
func (a *Adapter) MapError(err error) *gwerr.Error {
	return gwerr.New(gwerr.ErrUpstreamError, "calling upstream provider: "+err.Error()).WithRetryable(true)
}
