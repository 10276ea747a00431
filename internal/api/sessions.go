package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/pool"
)

type sessionsResp struct {
	Sessions []pool.SessionInfo `json:"sessions"`
	Stats    pool.Stats         `json:"stats"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sessionsResp{Sessions: s.deps.Pool.Sessions(), Stats: s.deps.Pool.Stats()})
}

func (s *Server) handleReleaseSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("project_key")
	if !s.deps.Pool.Release(r.Context(), key) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "No session for project"})
		return
	}
	s.deps.Logger.Info("session released by operator", zap.String("project_key", key))
	w.WriteHeader(http.StatusNoContent)
}
