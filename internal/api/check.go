package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/safety"
	"github.com/triage-ai/warden/internal/store"
)

// handleCheck implements POST /v1/safety/check. Rules are evaluated in
// order: request rules, the project's rules, then operator rules.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req CheckRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Action == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "action is required"})
		return
	}
	if err := safety.ValidateRules(req.CustomRules); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}

	rules := req.CustomRules
	if req.ProjectID != "" && s.deps.Projects != nil {
		p, err := s.deps.Projects.GetProject(r.Context(), req.ProjectID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Project not found"})
			return
		case err != nil:
			s.deps.Logger.Error("failed to load project rules", zap.String("project_id", req.ProjectID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to load project"})
			return
		}
		rules = append(rules, p.CustomRules...)
	}
	rules = append(rules, s.deps.Rules...)

	res := s.deps.Gate.Check(req.Action, rules)
	writeJSON(w, http.StatusOK, CheckResponse{
		CheckResult: res,
		LatencyMs:   float64(time.Since(start)) / float64(time.Millisecond),
	})
}

// handleValidateRules implements POST /v1/safety/rules/validate.
func (s *Server) handleValidateRules(w http.ResponseWriter, r *http.Request) {
	var req ValidateRulesRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if err := safety.ValidateRules(req.Rules); err != nil {
		writeJSON(w, http.StatusOK, ValidateRulesResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ValidateRulesResponse{Valid: true})
}
