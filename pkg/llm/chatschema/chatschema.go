// Package chatschema defines the chat-completions request shape shared by
// every LLM adapter, validated with github.com/go-playground/validator/v10
// the same way internal/httpserver/validate.go validates admin payloads.
package chatschema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Message is one entry of a chat-completions conversation. Content may be a
// plain string or a multi-part array; both are accepted by leaving it as
// raw JSON and letting each adapter interpret it.
type Message struct {
	Role    string          `json:"role" validate:"required,oneof=system user assistant tool"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// ToolChoice carries either a literal string ("auto", "none") or a typed
// object; kept as raw JSON since the core does not interpret it.
type ToolChoice = json.RawMessage

// Request is the common OpenAI-compatible chat-completions body.
type Request struct {
	Model             string          `json:"model" validate:"required"`
	Messages          []Message       `json:"messages" validate:"required,min=1,dive"`
	Temperature       *float64        `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP              *float64        `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	N                 *int            `json:"n,omitempty" validate:"omitempty,gte=1,lte=10"`
	MaxTokens         *int            `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	MaxCompletionToks *int            `json:"max_completion_tokens,omitempty" validate:"omitempty,gt=0"`
	Stop              json.RawMessage `json:"stop,omitempty"`
	Stream            bool            `json:"stream,omitempty"`
	Tools             json.RawMessage `json:"tools,omitempty"`
	ToolChoice        ToolChoice      `json:"tool_choice,omitempty"`
	ResponseFormat    json.RawMessage `json:"response_format,omitempty"`
	Seed              *int            `json:"seed,omitempty"`
}

// Parse decodes and validates a chat-completions request body.
func Parse(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(&req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return nil, fmt.Errorf("field %q failed validation: %s", fe.Field(), fe.Tag())
		}
		return nil, err
	}
	return &req, nil
}

// EffectiveOutputCap computes the output cap forwarded upstream, per the
// shared adapter rule: request.max_tokens falls back to
// request.max_completion_tokens, then to providerDefault, and is clamped by
// constraintCap when one is configured.
func EffectiveOutputCap(req *Request, constraintCap *int, providerDefault int) int {
	effective := providerDefault
	if req.MaxTokens != nil {
		effective = *req.MaxTokens
	} else if req.MaxCompletionToks != nil {
		effective = *req.MaxCompletionToks
	}
	if constraintCap != nil && *constraintCap < effective {
		effective = *constraintCap
	}
	return effective
}

// RequestedOutputCap returns the cap the caller asked for, before any
// constraint clamp: request.max_tokens falls back to
// request.max_completion_tokens, then to providerDefault. This is the value
// the enforcement engine must see, since EffectiveOutputCap's constraint
// clamp would otherwise make maxOutputTokens policy unobservable.
func RequestedOutputCap(req *Request, providerDefault int) int {
	if req.MaxTokens != nil {
		return *req.MaxTokens
	}
	if req.MaxCompletionToks != nil {
		return *req.MaxCompletionToks
	}
	return providerDefault
}

// UsesTools reports whether the request declares any tool use.
func UsesTools(req *Request) bool {
	return len(req.Tools) > 0 && string(req.Tools) != "null"
}
