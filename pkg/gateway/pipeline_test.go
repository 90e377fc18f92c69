package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hearthgate/gateway/pkg/adapter"
	"github.com/hearthgate/gateway/pkg/gwerr"
	"github.com/hearthgate/gateway/pkg/limiter"
	"github.com/hearthgate/gateway/pkg/model"
	"github.com/hearthgate/gateway/pkg/nonce"
	"github.com/hearthgate/gateway/pkg/repository"
	"github.com/hearthgate/gateway/pkg/signer"
	"github.com/hearthgate/gateway/pkg/vault"
)

// fakeAdapter is a minimal adapter.Adapter used to exercise the pipeline
// without a real upstream call, mirroring the spec's OpenAI-compatible
// chat-completions shape closely enough to drive enforcement.
type fakeAdapter struct{}

func (fakeAdapter) ResourceType() string      { return "llm" }
func (fakeAdapter) Provider() string          { return "groq" }
func (fakeAdapter) ID() string                { return "llm:groq" }
func (fakeAdapter) SupportedActions() []string { return []string{"chat.completions"} }
func (fakeAdapter) CredentialSchema() []adapter.CredentialField { return nil }

type fakeChatBody struct {
	Model     string `json:"model"`
	MaxTokens *int   `json:"max_tokens,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

func (fakeAdapter) ValidateAndShape(_ context.Context, action string, input json.RawMessage, constraints json.RawMessage) (*adapter.ShapeResult, error) {
	var body fakeChatBody
	if err := json.Unmarshal(input, &body); err != nil {
		return &adapter.ShapeResult{Valid: false, Error: gwerr.New(gwerr.ErrContractValidationFailed, err.Error())}, nil
	}
	model := body.Model
	stream := body.Stream
	cap := 4096
	if body.MaxTokens != nil {
		cap = *body.MaxTokens
	}
	return &adapter.ShapeResult{
		Valid:       true,
		ShapedInput: input,
		Enforcement: adapter.EnforcementFields{Model: &model, Stream: &stream, MaxOutputTokens: &cap},
	}, nil
}

func (fakeAdapter) Execute(_ context.Context, _ string, shapedInput json.RawMessage, _ adapter.ExecContext, _ adapter.ExecOptions) (*adapter.ExecResult, error) {
	resp, _ := json.Marshal(map[string]any{"model": "x", "usage": map[string]int{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}})
	return &adapter.ExecResult{Response: resp, ContentType: "application/json", Usage: &adapter.Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2}}, nil
}

func (fakeAdapter) ExtractUsage(json.RawMessage) (adapter.Usage, error) { return adapter.Usage{}, nil }
func (fakeAdapter) MapError(err error) *gwerr.Error {
	return gwerr.New(gwerr.ErrUpstreamError, err.Error())
}

type harness struct {
	pipeline *Pipeline
	repo     *repository.Memory
	appID    uuid.UUID
	priv     ed25519.PrivateKey
	now      time.Time
}

func setup(t *testing.T, constraints string) *harness {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo := repository.NewMemory()
	appID := uuid.New()
	require.NoError(t, repo.InsertApp(context.Background(), &model.App{ID: appID, Name: "test", PublicKey: pub, Status: model.AppStatusActive}))
	require.NoError(t, repo.BindPermissions(context.Background(), []model.ResourcePermission{{
		AppID: appID, ResourceID: "llm:groq", Action: "chat.completions",
		Status: model.PermissionStatusActive, Constraints: json.RawMessage(constraints),
	}}))

	v, err := vault.New(make([]byte, vault.KeySize))
	require.NoError(t, err)
	ciphertext, iv, err := v.Seal([]byte("upstream-secret"))
	require.NoError(t, err)
	require.NoError(t, repo.UpsertResourceSecret(context.Background(), &model.ResourceSecret{
		ResourceID: "llm:groq", Status: model.SecretStatusActive, EncryptedKey: ciphertext, KeyIV: iv,
	}))

	p := New(repo, signer.NewVerifier(), nonce.NewMemory(), limiter.NewMemory(), v, adapter.NewRegistry(fakeAdapter{}))
	p.Now = func() time.Time { return now }

	return &harness{pipeline: p, repo: repo, appID: appID, priv: priv, now: now}
}

func (h *harness) sign(t *testing.T, method, path string, ts int64, nonceVal string, body []byte) http.Header {
	t.Helper()
	bodyHash := signer.BodyHash(body)
	canonical := signer.BuildCanonical(method, path, h.appID.String(), ts, nonceVal, bodyHash)
	sig := ed25519.Sign(h.priv, canonical)
	hdr := http.Header{}
	hdr.Set(signer.HeaderVersion, signer.Version)
	hdr.Set(signer.HeaderAppID, h.appID.String())
	hdr.Set(signer.HeaderTS, strconv.FormatInt(ts, 10))
	hdr.Set(signer.HeaderNonce, nonceVal)
	hdr.Set(signer.HeaderSig, base64.StdEncoding.EncodeToString(sig))
	return hdr
}

func TestPipeline_HappyPath(t *testing.T) {
	h := setup(t, "")
	body := []byte(`{"model":"llama-3.1-8b-instant","messages":[{"role":"user","content":"hi"}]}`)
	path := "/r/llm/groq/v1/chat/completions"
	ts := h.now.Unix()
	hdr := h.sign(t, http.MethodPost, path, ts, "abcdefghijklmnop01", body)

	res := h.pipeline.Handle(context.Background(), &Request{
		Headers: hdr, Method: http.MethodPost, PathWithQuery: path,
		ResourceID: "llm:groq", Action: "chat.completions", Body: body,
	})
	require.Nil(t, res.Err)
	require.Equal(t, model.DecisionAllowed, res.Decision)
}

func TestPipeline_ModelNotAllowed(t *testing.T) {
	h := setup(t, `{"allowedModels":["llama-3.1-8b-instant"]}`)
	body := []byte(`{"model":"mixtral-8x7b-32768","messages":[{"role":"user","content":"hi"}]}`)
	path := "/r/llm/groq/v1/chat/completions"
	ts := h.now.Unix()
	hdr := h.sign(t, http.MethodPost, path, ts, "abcdefghijklmnop02", body)

	res := h.pipeline.Handle(context.Background(), &Request{
		Headers: hdr, Method: http.MethodPost, PathWithQuery: path,
		ResourceID: "llm:groq", Action: "chat.completions", Body: body,
	})
	require.NotNil(t, res.Err)
	require.Equal(t, gwerr.ErrModelNotAllowed, res.Err.Code)
	require.Equal(t, model.DecisionDeniedConstr, res.Decision)
}

func TestPipeline_TokensExceeded(t *testing.T) {
	h := setup(t, `{"maxOutputTokens":1000}`)
	body := []byte(`{"model":"llama-3.1-8b-instant","messages":[{"role":"user","content":"hi"}],"max_tokens":5000}`)
	path := "/r/llm/groq/v1/chat/completions"
	ts := h.now.Unix()
	hdr := h.sign(t, http.MethodPost, path, ts, "abcdefghijklmnop03", body)

	res := h.pipeline.Handle(context.Background(), &Request{
		Headers: hdr, Method: http.MethodPost, PathWithQuery: path,
		ResourceID: "llm:groq", Action: "chat.completions", Body: body,
	})
	require.NotNil(t, res.Err)
	require.Equal(t, gwerr.ErrMaxTokensExceeded, res.Err.Code)
}

func TestPipeline_StreamingBlocked(t *testing.T) {
	h := setup(t, `{"allowStreaming":false}`)
	body := []byte(`{"model":"llama-3.1-8b-instant","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	path := "/r/llm/groq/v1/chat/completions"
	ts := h.now.Unix()
	hdr := h.sign(t, http.MethodPost, path, ts, "abcdefghijklmnop04", body)

	res := h.pipeline.Handle(context.Background(), &Request{
		Headers: hdr, Method: http.MethodPost, PathWithQuery: path,
		ResourceID: "llm:groq", Action: "chat.completions", Body: body,
	})
	require.NotNil(t, res.Err)
	require.Equal(t, gwerr.ErrStreamingNotAllowed, res.Err.Code)
}

func TestPipeline_Replay(t *testing.T) {
	h := setup(t, "")
	body := []byte(`{"model":"llama-3.1-8b-instant","messages":[{"role":"user","content":"hi"}]}`)
	path := "/r/llm/groq/v1/chat/completions"
	ts := h.now.Unix()
	hdr := h.sign(t, http.MethodPost, path, ts, "abcdefghijklmnop05", body)

	req := &Request{Headers: hdr, Method: http.MethodPost, PathWithQuery: path, ResourceID: "llm:groq", Action: "chat.completions", Body: body}
	first := h.pipeline.Handle(context.Background(), req)
	require.Nil(t, first.Err)

	second := h.pipeline.Handle(context.Background(), req)
	require.NotNil(t, second.Err)
	require.Equal(t, gwerr.ErrInvalidNonce, second.Err.Code)
}

func TestPipeline_Skew(t *testing.T) {
	h := setup(t, "")
	body := []byte(`{"model":"llama-3.1-8b-instant","messages":[{"role":"user","content":"hi"}]}`)
	path := "/r/llm/groq/v1/chat/completions"
	ts := h.now.Add(-10 * time.Minute).Unix()
	hdr := h.sign(t, http.MethodPost, path, ts, "abcdefghijklmnop06", body)

	res := h.pipeline.Handle(context.Background(), &Request{
		Headers: hdr, Method: http.MethodPost, PathWithQuery: path,
		ResourceID: "llm:groq", Action: "chat.completions", Body: body,
	})
	require.NotNil(t, res.Err)
	require.Equal(t, gwerr.ErrExpiredTimestamp, res.Err.Code)
}

func TestPipeline_RateLimit(t *testing.T) {
	h := setup(t, "")
	perm, err := h.repo.FindPermission(context.Background(), h.appID, "llm:groq", "chat.completions")
	require.NoError(t, err)
	limit := 2
	perm.RateLimitRequests = &limit
	require.NoError(t, h.repo.BindPermissions(context.Background(), []model.ResourcePermission{*perm}))

	body := []byte(`{"model":"llama-3.1-8b-instant","messages":[{"role":"user","content":"hi"}]}`)
	path := "/r/llm/groq/v1/chat/completions"

	for i := 0; i < 2; i++ {
		ts := h.now.Unix()
		hdr := h.sign(t, http.MethodPost, path, ts, "abcdefghijklmnop1"+string(rune('a'+i)), body)
		res := h.pipeline.Handle(context.Background(), &Request{Headers: hdr, Method: http.MethodPost, PathWithQuery: path, ResourceID: "llm:groq", Action: "chat.completions", Body: body})
		require.Nil(t, res.Err, "request %d should succeed", i)
	}

	ts := h.now.Unix()
	hdr := h.sign(t, http.MethodPost, path, ts, "abcdefghijklmnop1z", body)
	res := h.pipeline.Handle(context.Background(), &Request{Headers: hdr, Method: http.MethodPost, PathWithQuery: path, ResourceID: "llm:groq", Action: "chat.completions", Body: body})
	require.NotNil(t, res.Err)
	require.Equal(t, gwerr.ErrRateLimitExceeded, res.Err.Code)
}
