package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/transubtil/sharebox/internal/catalog"
	"github.com/transubtil/sharebox/internal/logging"
	"github.com/transubtil/sharebox/internal/quota"
	"github.com/transubtil/sharebox/internal/remote"
	"github.com/transubtil/sharebox/internal/sandbox"
	"github.com/transubtil/sharebox/internal/sharing"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// requestError carries a client-facing message and status.
type requestError struct {
	code    int
	message string
}

func (e *requestError) Error() string { return e.message }

func errBadRequest(message string) error {
	return &requestError{code: http.StatusBadRequest, message: message}
}

func sendError(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, ErrorResponse{Error: message, Code: code})
}

// writeError maps err to a status code and writes it. Unexpected errors
// are logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		reqErr  *requestError
		connErr *remote.ConnectionError
		opErr   *remote.OpError
	)
	switch {
	case errors.As(err, &reqErr):
		sendError(w, reqErr.code, reqErr.message)
	case errors.Is(err, sandbox.ErrPathViolation):
		sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, catalog.ErrEmptyQuery):
		sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sharing.ErrInvalidOptions):
		sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, remote.ErrNotFound):
		sendError(w, http.StatusNotFound, "path not found")
	case errors.Is(err, sharing.ErrNotFound):
		sendError(w, http.StatusNotFound, "share link not found")
	case errors.Is(err, quota.ErrNotFound):
		sendError(w, http.StatusNotFound, "submission not found")
	case errors.Is(err, quota.ErrQuotaExceeded):
		sendError(w, http.StatusTooManyRequests, "too many active submissions")
	case errors.Is(err, sharing.ErrLimitReached):
		sendError(w, http.StatusGone, "download limit reached")
	case errors.As(err, &connErr):
		logging.WithContext(r.Context()).Warn("remote unavailable", zap.Error(err))
		sendError(w, http.StatusServiceUnavailable, "remote storage unavailable")
	case errors.As(err, &opErr):
		logging.WithContext(r.Context()).Error("remote operation failed", zap.Error(err))
		sendError(w, http.StatusBadGateway, "remote storage error")
	default:
		logging.WithContext(r.Context()).Error("request failed", zap.Error(err))
		sendJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:     "internal error",
			Code:      http.StatusInternalServerError,
			RequestID: logging.GetRequestID(r.Context()),
		})
	}
}
