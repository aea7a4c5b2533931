package providers

import (
	"net/http"
	"strings"

	"github.com/llmrank/runner/internal/llm/llmerrors"
)

// classifyErrorType determines ErrorType from HTTP status and provider error
// codes. Provider-specific code strings take precedence over the raw status
// so a 400 carrying "model_not_found" triggers model fallback rather than a
// credential penalty.
func classifyErrorType(statusCode int, errorCode string) llmerrors.ErrorType {
	lowerCode := strings.ToLower(errorCode)
	if strings.Contains(lowerCode, "model_not_found") || strings.Contains(lowerCode, "model_decommissioned") {
		return llmerrors.ErrorTypeModelUnsupported
	}
	if strings.Contains(lowerCode, "rate") || strings.Contains(lowerCode, "limit") {
		return llmerrors.ErrorTypeRateLimit
	}
	if strings.Contains(lowerCode, "timeout") {
		return llmerrors.ErrorTypeTimeout
	}
	if strings.Contains(lowerCode, "auth") || strings.Contains(lowerCode, "unauthorized") ||
		strings.Contains(lowerCode, "api_key") || strings.Contains(lowerCode, "permission") {
		return llmerrors.ErrorTypeAuth
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		return llmerrors.ErrorTypeRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		return llmerrors.ErrorTypeAuth
	case http.StatusNotFound:
		return llmerrors.ErrorTypeModelUnsupported
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return llmerrors.ErrorTypeTimeout
	default:
		if statusCode >= http.StatusInternalServerError {
			return llmerrors.ErrorTypeProvider
		}
		return llmerrors.ErrorTypeUnknown
	}
}
