package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/chatcore/core/internal/chat"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}

// writeError logs the full error server-side and maps it to an HTTP status
// via the chat package's sentinel error taxonomy, the same errors.Is switch
// the rest of this codebase uses for its own error tables.
func writeError(w http.ResponseWriter, ctx context.Context, err error) {
	status := errorStatus(err)
	slog.LogAttrs(ctx, slog.LevelError, "request error",
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	writeJSON(w, status, errorResponse(err.Error()))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, chat.ErrSafetyBlocked):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrProviderError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
