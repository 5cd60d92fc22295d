package transport

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
)

var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

const maxRequestBody = 1 << 20

// decodeJSON reads the request body via bodyPool, unmarshals JSON into v,
// and returns false (having written a 400) on error.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bodyPool.Put(buf)

	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	if buf.Len() == 0 {
		return true
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}
