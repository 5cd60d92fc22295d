package transport

import (
	"net/http"

	"github.com/chatcore/core/internal/transport/wsframe"
)

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsframe.NewHandler(s.deps.TokenAuth, s.deps.Orchestrator).ServeHTTP(w, r)
}
