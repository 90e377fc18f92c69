package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/hearthgate/gateway/pkg/gwerr"
)

// Respond writes v as a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error envelope used across admin and data-plane
// responses: {"error":{"code","message"}}.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RespondError writes the uniform error envelope with the given status,
// code, and message.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	Respond(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// gatewayErrorBody extends errorBody with the optional fields the
// data-plane error envelope carries: requestId for correlation and
// details for retry hints on rate-limit/budget denials.
type gatewayErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// RespondGatewayError writes a *gwerr.Error using its own HTTPStatus(),
// including a reset-at detail for rate-limit/budget denials.
func RespondGatewayError(w http.ResponseWriter, requestID string, e *gwerr.Error) {
	body := gatewayErrorBody{Code: string(e.Code), Message: e.Message, RequestID: requestID}
	if e.ResetAt != nil {
		body.Details = map[string]any{"resetAt": *e.ResetAt, "retryable": e.Retryable}
	} else if e.Retryable {
		body.Details = map[string]any{"retryable": true}
	}
	Respond(w, e.HTTPStatus(), map[string]gatewayErrorBody{"error": body})
}
