package adapter

import "github.com/hearthgate/gateway/pkg/gwerr"

// MapUpstreamStatus implements the shared HTTP status → gateway error
// mapping every provider adapter uses for upstream failures.
func MapUpstreamStatus(status int, body string) *gwerr.Error {
	switch status {
	case 400:
		return gwerr.New(gwerr.ErrUpstreamError, "upstream rejected the request: "+body)
	case 401, 403:
		return gwerr.New(gwerr.ErrUpstreamError, "upstream rejected the configured credential: "+body)
	case 404:
		return gwerr.New(gwerr.ErrUpstreamError, "upstream resource not found: "+body)
	case 429:
		return gwerr.New(gwerr.ErrUpstreamError, "upstream rate limit exceeded: "+body).WithRetryable(true)
	case 500, 502, 503:
		return gwerr.New(gwerr.ErrUpstreamError, "upstream provider error: "+body).WithRetryable(true)
	default:
		return gwerr.New(gwerr.ErrUpstreamError, "unexpected upstream response: "+body)
	}
}
