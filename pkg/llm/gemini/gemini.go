package gemini

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

// DefaultMaxOutputTokens is Gemini's provider default output cap.
const DefaultMaxOutputTokens = 8192

// Config is the adapter's per-resource configuration.
type Config struct {
	BaseURL string `json:"baseUrl"` // e.g. https://generativelanguage.googleapis.com
}

// Adapter is the Gemini-translating chat-completions adapter.
type Adapter struct {
	httpClient *http.Client
	nowMs      func() int64
}

// New creates a Gemini adapter.
func New() *Adapter {
	return &Adapter{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		nowMs:      func() int64 { return time.Now().UnixMilli() },
	}
}

// ResourceType implements adapter.Adapter.
func (a *Adapter) ResourceType() string { return "llm" }

// Provider implements adapter.Adapter.
func (a *Adapter) Provider() string { return "gemini" }

// ID implements adapter.Adapter.
func (a *Adapter) ID() string { return a.ResourceType() + ":" + a.Provider() }

// SupportedActions implements adapter.Adapter.
func (a *Adapter) SupportedActions() []string { return []string{"chat.completions"} }

// CredentialSchema implements adapter.Adapter.
func (a *Adapter) CredentialSchema() []adapter.CredentialField {
	return []adapter.CredentialField{
		{Name: "apiKey", Type: "secret", Required: true, Description: "Gemini API key"},
		{Name: "baseUrl", Type: "url", Required: false, Description: "Override base URL for testing"},
	}
}

// shapedEnvelope is what ValidateAndShape hands to Execute: the original
// validated request plus the effective output cap, so Execute doesn't
// reparse and recompute it.
type shapedEnvelope struct {
	Request      *chatschema.Request `json:"request"`
	EffectiveCap int                 `json:"effectiveCap"`
}

// ValidateAndShape implements adapter.Adapter.
func (a *Adapter) ValidateAndShape(_ context.Context, action string, input json.RawMessage, constraints json.RawMessage) (*adapter.ShapeResult, error) {
	if action != "chat.completions" {
		return &adapter.ShapeResult{Valid: false, Error: gwerr.New(gwerr.ErrUnsupportedAction, "unsupported action: "+action)}, nil
	}

	// Idempotency: if input is already a shapedEnvelope (re-shaping a
	// previously shaped input), unwrap it instead of re-deriving.
	var existing shapedEnvelope
	req := (*chatschema.Request)(nil)
	if json.Unmarshal(input, &existing) == nil && existing.Request != nil {
		req = existing.Request
	} else {
		parsed, err := chatschema.Parse(input)
		if err != nil {
			return &adapter.ShapeResult{Valid: false, Error: gwerr.New(gwerr.ErrContractValidationFailed, err.Error())}, nil
		}
		req = parsed
	}

	var constraintCap *int
	if len(constraints) > 0 {
		var c struct {
			MaxOutputTokens *int `json:"maxOutputTokens"`
		}
		_ = json.Unmarshal(constraints, &c)
		constraintCap = c.MaxOutputTokens
	}
	// effectiveCap is the constraint-clamped value forwarded to Gemini's
	// generationConfig.maxOutputTokens. Enforcement must instead see the
	// requested cap, not this clamped one, or a maxOutputTokens limit
	// could never be exceeded.
	effectiveCap := chatschema.EffectiveOutputCap(req, constraintCap, DefaultMaxOutputTokens)
	requestedCap := chatschema.RequestedOutputCap(req, DefaultMaxOutputTokens)

	shaped, err := json.Marshal(shapedEnvelope{Request: req, EffectiveCap: effectiveCap})
	if err != nil {
		return nil, fmt.Errorf("marshaling shaped input: %w", err)
	}

	model := req.Model
	usesTools := chatschema.UsesTools(req)
	stream := req.Stream

	return &adapter.ShapeResult{
		Valid:       true,
		ShapedInput: shaped,
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

	var env shapedEnvelope
	if err := json.Unmarshal(shapedInput, &env); err != nil || env.Request == nil {
		return nil, gwerr.New(gwerr.ErrInternal, "shaped input was not produced by this adapter")
	}

	var cfg Config
	_ = json.Unmarshal(execCtx.Config, &cfg)
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}

	geminiReq := toGeminiRequest(env.Request, env.EffectiveCap)
	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling gemini request: %w", err)
	}

	endpoint := "generateContent"
	if opts.Stream {
		endpoint = "streamGenerateContent?alt=sse"
	}
	sep := "?"
	if opts.Stream {
		sep = "&"
	}
	url := fmt.Sprintf("%s/v1beta/%s:%s%skey=%s", baseURL, env.Request.Model, endpoint, sep, string(execCtx.Secret))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, a.MapError(err)
	}

	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, adapter.MapUpstreamStatus(resp.StatusCode, string(errBody))
	}

	if opts.Stream {
		pr, pw := io.Pipe()
		go func() {
			err := TranslateStream(pw, resp.Body, env.Request.Model, a.nowMs())
			_ = resp.Body.Close()
			_ = pw.CloseWithError(err)
		}()
		return &adapter.ExecResult{ContentType: "text/event-stream", Stream: pr}, nil
	}

	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(raw, &geminiResp); err != nil {
		return nil, fmt.Errorf("parsing gemini response: %w", err)
	}
	translated := toOpenAIResponse(&geminiResp, env.Request.Model, a.nowMs())
	translatedBody, err := json.Marshal(translated)
	if err != nil {
		return nil, fmt.Errorf("marshaling translated response: %w", err)
	}

	usage, _ := a.ExtractUsage(translatedBody)
	return &adapter.ExecResult{Response: translatedBody, ContentType: "application/json", Usage: &usage}, nil
}

// ExtractUsage implements adapter.Adapter. It parses the already-translated
// OpenAI-shaped response, since Execute always translates before returning.
func (a *Adapter) ExtractUsage(response json.RawMessage) (adapter.Usage, error) {
	var parsed openAIResponse
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
	return gwerr.New(gwerr.ErrUpstreamError, "calling gemini: "+err.Error()).WithRetryable(true)
}
