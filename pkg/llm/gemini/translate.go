// Package gemini implements the translating Gemini adapter: OpenAI-shaped
// requests are translated to Gemini's contents/generationConfig shape, and
// Gemini responses (including SSE streams) are translated back, grounded in
// the teacher's pkg/mattermost and pkg/alert "translate third-party payload
// to our internal shape" handlers generalized to response translation.
package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/hearthgate/gateway/pkg/llm/chatschema"
)

// geminiPart is one part of a Gemini content entry.
type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

func messageText(content json.RawMessage) string {
	var s string
	if json.Unmarshal(content, &s) == nil {
		return s
	}
	// Multi-part content: concatenate any "text" fields, best effort.
	var parts []struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(content, &parts) == nil {
		out := ""
		for _, p := range parts {
			out += p.Text
		}
		return out
	}
	return ""
}

// translateRole maps an OpenAI-style role to Gemini's role vocabulary.
func translateRole(role string) string {
	switch role {
	case "assistant":
		return "model"
	default: // "user", "tool"
		return "user"
	}
}

// toGeminiRequest translates a validated chat-completions request into
// Gemini's wire shape, applying effectiveCap as generationConfig.maxOutputTokens.
func toGeminiRequest(req *chatschema.Request, effectiveCap int) geminiRequest {
	out := geminiRequest{
		GenerationConfig: generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: &effectiveCap,
		},
	}
	if req.Stop != nil {
		var stop []string
		if json.Unmarshal(req.Stop, &stop) != nil {
			var single string
			if json.Unmarshal(req.Stop, &single) == nil {
				stop = []string{single}
			}
		}
		out.GenerationConfig.StopSequences = stop
	}

	for _, m := range req.Messages {
		text := messageText(m.Content)
		if m.Role == "system" {
			out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: text}}}
			continue
		}
		out.Contents = append(out.Contents, geminiContent{
			Role:  translateRole(m.Role),
			Parts: []geminiPart{{Text: text}},
		})
	}
	return out
}

// geminiUsageMetadata mirrors Gemini's usageMetadata object.
type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

// finishReason maps Gemini's finish reason vocabulary to OpenAI's.
func finishReason(r string) string {
	switch r {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}

func candidateText(c geminiCandidate) string {
	var text string
	for _, p := range c.Content.Parts {
		text += p.Text
	}
	return text
}

// openAIChoice mirrors one entry of an OpenAI chat-completions response.
type openAIChoice struct {
	Index        int            `json:"index"`
	Message      openAIMessage  `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// openAIResponse mirrors the OpenAI-compatible chat.completion response
// shape the pipeline and downstream clients expect.
type openAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

// toOpenAIResponse translates a non-streaming Gemini response into an
// OpenAI-shaped chat.completion object. nowMs seeds the synthetic id.
func toOpenAIResponse(resp *geminiResponse, model string, nowMs int64) *openAIResponse {
	out := &openAIResponse{
		ID:     fmt.Sprintf("chatcmpl-%d", nowMs),
		Object: "chat.completion",
		Model:  model,
		Usage: openAIUsage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}
	for i, c := range resp.Candidates {
		out.Choices = append(out.Choices, openAIChoice{
			Index:        i,
			Message:      openAIMessage{Role: "assistant", Content: candidateText(c)},
			FinishReason: finishReason(c.FinishReason),
		})
	}
	return out
}
