package openai

import (
	"encoding/json"
	"net/http"

	"github.com/kiroproxy/gateway/internal/claude"
)

// openAIErrorType renders an internal claude.ErrorType in OpenAI's flatter
// error vocabulary.
func openAIErrorType(t claude.ErrorType) string {
	switch t {
	case claude.ErrorTypeInvalidRequest:
		return "invalid_request_error"
	case claude.ErrorTypeAuthentication:
		return "authentication_error"
	case claude.ErrorTypePermissionDenied:
		return "permission_error"
	case claude.ErrorTypeNotFound:
		return "not_found_error"
	case claude.ErrorTypeRateLimit:
		return "rate_limit_error"
	case claude.ErrorTypeOverloaded:
		return "server_error"
	default:
		return "api_error"
	}
}

// WriteError renders a *claude.APIError as an OpenAI-shaped error body.
// The underlying error taxonomy is shared with /v1/messages; only the
// envelope differs (flat {error:{message,type}} rather than Anthropic's
// {type:"error", error:{...}}).
func WriteError(w http.ResponseWriter, apiErr *claude.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorBody{
			Message: apiErr.Message,
			Type:    openAIErrorType(apiErr.Type),
		},
	})
}
