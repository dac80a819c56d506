package api

import (
	"net/http"
	"strings"

	"github.com/basket/conductor/internal/shared"
)

// AgentAuth takes the caller's agent id from the X-Agent-Id header, or the
// agent_id query parameter for websocket clients that cannot set headers.
func AgentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := strings.TrimSpace(r.Header.Get("X-Agent-Id"))
		if agentID == "" {
			agentID = strings.TrimSpace(r.URL.Query().Get("agent_id"))
		}
		if agentID == "" {
			httpError(w, http.StatusUnauthorized, "authentication_error", "missing agent id")
			return
		}
		ctx := shared.WithSubject(r.Context(), agentID)
		if r.Header.Get("X-Trace-Id") != "" {
			ctx = shared.WithTraceID(ctx, r.Header.Get("X-Trace-Id"))
		} else {
			ctx = shared.WithTraceID(ctx, shared.NewTraceID())
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
