package reliability

import "net/http"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return code >= 500
	}
}

// IsRejectionHTTPStatus reports provider statuses that mean the request
// itself was refused and resending it unchanged would not help.
func IsRejectionHTTPStatus(code int) bool {
	return code >= 400 && code < 500 && !IsRetryableHTTPStatus(code)
}

// IsRetryableRealtimeErrorType classifies retryable upstream realtime error events.
func IsRetryableRealtimeErrorType(errorType string) bool {
	switch errorType {
	case "rate_limit_exceeded", "server_error", "resource_exhausted":
		return true
	default:
		return false
	}
}
