package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hearthgate/gateway/internal/httpserver"
	"github.com/hearthgate/gateway/internal/telemetry"
	"github.com/hearthgate/gateway/pkg/model"
	"github.com/hearthgate/gateway/pkg/signer"
	"github.com/hearthgate/gateway/pkg/usage"
)

// resourceHeader is the header form of resource addressing, equivalent to
// the POST /r/<type>/<provider>/... path form per §4.10.
const resourceHeader = "X-Gateway-Resource"

// maxRequestBody bounds the data-plane request body the pipeline will read;
// larger bodies fail closed rather than risk unbounded buffering.
const maxRequestBody = 4 << 20

// Handler exposes the data-plane resource router over a Pipeline, grounded
// in the teacher's pkg/apikey/handler.go Handler/Routes split.
type Handler struct {
	logger   *slog.Logger
	pipeline *Pipeline
	usage    *usage.Recorder
}

// NewHandler creates a gateway data-plane Handler.
func NewHandler(logger *slog.Logger, pipeline *Pipeline, rec *usage.Recorder) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, pipeline: pipeline, usage: rec}
}

// Routes mounts both resource-addressing forms described in §4.10: the
// path-based /r/{type}/{provider}/v1/chat/completions and the
// header-addressed /v1/chat/completions.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/r/{type}/{provider}/v1/chat/completions", h.handlePathAddressed)
	r.Post("/v1/chat/completions", h.handleHeaderAddressed)
	return r
}

func (h *Handler) handlePathAddressed(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "type") + ":" + chi.URLParam(r, "provider")
	h.serve(w, r, resourceID)
}

func (h *Handler) handleHeaderAddressed(w http.ResponseWriter, r *http.Request) {
	resourceID := strings.TrimSpace(r.Header.Get(resourceHeader))
	h.serve(w, r, resourceID)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, resourceID string) {
	start := time.Now()
	requestID := httpserver.RequestIDFromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "ERR_INVALID_REQUEST", "failed to read request body")
		return
	}
	if len(body) > maxRequestBody {
		httpserver.RespondError(w, http.StatusBadRequest, "ERR_INVALID_REQUEST", "request body too large")
		return
	}

	req := &Request{
		Headers:       r.Header,
		Method:        r.Method,
		PathWithQuery: signer.PathWithQuery(r),
		ResourceID:    resourceID,
		Action:        "chat.completions",
		Body:          body,
	}

	result := h.pipeline.Handle(r.Context(), req)
	latencyMs := time.Since(start).Milliseconds()

	telemetry.RequestsTotal.WithLabelValues(resourceID, result.Decision).Inc()
	telemetry.RequestDuration.WithLabelValues(resourceID).Observe(time.Since(start).Seconds())

	h.record(r, resourceID, result, latencyMs)

	if result.Err != nil {
		httpserver.RespondGatewayError(w, requestID, result.Err)
		return
	}

	if result.Stream != nil {
		defer result.Stream.Close()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Request-Id", requestID)
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		buf := make([]byte, 4096)
		for {
			n, rerr := result.Stream.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if rerr != nil {
				return
			}
		}
	}

	contentType := result.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Request-Id", requestID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Response)
}

func (h *Handler) record(r *http.Request, resourceID string, result *Result, latencyMs int64) {
	if h.usage == nil {
		return
	}
	latency := latencyMs
	entry := usage.Entry{
		Log: model.RequestLog{
			AppID:      result.AppID,
			ResourceID: resourceID,
			Action:     "chat.completions",
			Endpoint:   r.URL.Path,
			Method:     r.Method,
			Decision:   result.Decision,
			LatencyMs:  &latency,
			Model:      result.Model,
		},
		ResourceID: resourceID,
		Model:      result.Model,
	}
	if result.Err != nil {
		entry.Log.DecisionReason = result.Err.Message
	}
	if result.AppID != nil {
		appIDStr := result.AppID.String()
		entry.AppID = &appIDStr
	}
	if result.Usage != nil {
		entry.InputTokens = result.Usage.InputTokens
		entry.OutputTokens = result.Usage.OutputTokens
		entry.TotalTokens = result.Usage.TotalTokens
		tokensIn, tokensOut := result.Usage.InputTokens, result.Usage.OutputTokens
		entry.Log.TokensIn, entry.Log.TokensOut = &tokensIn, &tokensOut
	}
	h.usage.Record(entry)

	if result.Usage != nil {
		telemetry.TokensTotal.WithLabelValues(resourceID, result.Model, "input").Add(float64(result.Usage.InputTokens))
		telemetry.TokensTotal.WithLabelValues(resourceID, result.Model, "output").Add(float64(result.Usage.OutputTokens))
	}
	if result.Err != nil {
		switch result.Err.Code {
		case "ERR_RATE_LIMIT_EXCEEDED":
			telemetry.LimitsDeniedTotal.WithLabelValues("rate_limit").Inc()
		case "ERR_BUDGET_EXCEEDED":
			telemetry.LimitsDeniedTotal.WithLabelValues("budget").Inc()
		}
	}
}
