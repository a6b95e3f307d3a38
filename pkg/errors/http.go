package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HTTP status code mappings
var errorStatusCodes = map[error]int{
	ErrNotFound:          http.StatusNotFound,
	ErrInvalidInput:      http.StatusBadRequest,
	ErrInternalError:     http.StatusInternalServerError,
	ErrTimeout:           http.StatusGatewayTimeout,
	ErrUnavailable:       http.StatusServiceUnavailable,
	ErrUnauthenticated:   http.StatusUnauthorized,
	ErrResourceExhausted: http.StatusTooManyRequests,
	ErrCanceled:          http.StatusRequestTimeout,

	// Domain-specific error mappings
	ErrUnsupportedEncoding: http.StatusBadRequest,
	ErrChunkTooLarge:       http.StatusBadRequest,
	ErrDecodeFailure:       http.StatusBadRequest,
	ErrAlertNotFound:       http.StatusNotFound,
	ErrBufferUnavailable:   http.StatusNotFound,
	ErrUpstreamUnavailable: http.StatusBadGateway,
	ErrProtocolViolation:   http.StatusBadRequest,
}

// WriteError writes a standardized error response to the HTTP response writer.
// The body shape is {"detail": "<message>"} so dashboards and the ingest
// clients can surface the message directly.
func WriteError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	detail := "unknown error"

	if err != nil {
		statusCode = HTTPStatusFromError(err)
		detail = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{"detail": detail})
}

// HTTPStatusFromError determines the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	for err != nil {
		if code, ok := errorStatusCodes[err]; ok {
			return code
		}

		unwrapped := errors.Unwrap(err)
		if unwrapped == err || unwrapped == nil {
			break
		}
		err = unwrapped
	}

	return http.StatusInternalServerError
}
