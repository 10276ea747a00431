package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/audit"
	"github.com/triage-ai/warden/internal/execution"
)

const cancelWait = 30 * time.Second

func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req SubmitExecutionReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.ProjectID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "project_id is required"})
		return
	}
	if len(req.Steps) == 0 && (req.Goal == "" || s.deps.Planner == nil) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "steps are required when no planner is configured or no goal is given"})
		return
	}
	steps := make([]execution.StepSpec, 0, len(req.Steps))
	for i, st := range req.Steps {
		if !st.Tool.Valid() {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "steps[" + strconv.Itoa(i) + "]: unknown tool " + string(st.Tool)})
			return
		}
		steps = append(steps, execution.StepSpec{Tool: st.Tool, Input: st.Input, Description: st.Description})
	}

	ec, err := s.executionContext(r.Context(), req.UserID, req.AgentType, req.ProjectID, req.Limits)
	if err != nil {
		s.writeContextError(w, err)
		return
	}
	ec.Goal = req.Goal

	t, err := s.newExecution(ec, steps, req.AutoApprove)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: err.Error()})
		return
	}
	e := t.engine
	s.goRun(func(ctx context.Context) { _ = e.Start(ctx) })
	writeJSON(w, http.StatusAccepted, e.Snapshot())
}

func (s *Server) writeContextError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUnknownProject) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Project not found"})
		return
	}
	s.deps.Logger.Error("failed to prepare execution", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to prepare execution"})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project_id")
	out := make([]ExecutionSummary, 0)
	for _, t := range s.execs.list() {
		snap := t.engine.Snapshot()
		if project != "" && snap.Context.ProjectID != project {
			continue
		}
		out = append(out, summarize(snap))
	}
	writeJSON(w, http.StatusOK, out)
}

// lookup resolves {id} or writes a 404.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*tracked, bool) {
	t, ok := s.execs.get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Execution not found"})
	}
	return t, ok
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if t, ok := s.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, t.engine.Snapshot())
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := t.engine.Pause(); err != nil {
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, t.engine.Snapshot())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	e := t.engine
	if st := e.Snapshot().State; st != execution.StatePaused {
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "execution is " + string(st) + ", not paused"})
		return
	}
	s.goRun(func(ctx context.Context) {
		if err := e.Resume(ctx); err != nil {
			s.deps.Logger.Warn("resume failed", zap.String("execution_id", e.ID()), zap.Error(err))
		}
	})
	writeJSON(w, http.StatusAccepted, e.Snapshot())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), cancelWait)
	defer cancel()
	err := t.engine.Cancel(ctx)
	switch {
	case errors.Is(err, execution.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: err.Error()})
		return
	case err != nil:
		// Cancelled, but the in-flight step has not returned yet.
		writeJSON(w, http.StatusAccepted, t.engine.Snapshot())
		return
	}
	writeJSON(w, http.StatusOK, t.engine.Snapshot())
}

func (s *Server) handleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req LimitsReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	limits := req.apply(t.engine.Snapshot().Context.Limits)
	if err := t.engine.UpdateLimits(limits); err != nil {
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, t.engine.Snapshot())
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req UsageReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Tokens < 0 || req.CostUSD < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "usage must not be negative"})
		return
	}
	t.engine.RecordUsage(req.Tokens, req.CostUSD)
	if req.UncertaintyPct != nil {
		t.engine.SetUncertainty(*req.UncertaintyPct)
	}
	writeJSON(w, http.StatusOK, t.engine.Snapshot().Counters)
}

func (s *Server) handleListConfirmations(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	pending := []execution.Step{}
	if t.mailbox != nil {
		pending = t.mailbox.Pending()
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req ConfirmReq
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if t.mailbox == nil {
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "execution auto-approves confirmations"})
		return
	}
	if err := t.mailbox.Resolve(r.PathValue("step_id"), req.Approved); err != nil {
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: err.Error()})
		return
	}
	s.deps.Logger.Info("confirmation resolved",
		zap.String("execution_id", t.engine.ID()),
		zap.String("step_id", r.PathValue("step_id")),
		zap.Bool("approved", req.Approved),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"approved": req.Approved})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}
	q := r.URL.Query()
	params := audit.ListParams{
		ExecutionID: r.PathValue("id"),
		Page:        max(queryInt(q, "page", 1), 1),
		PageSize:    min(max(queryInt(q, "page_size", 50), 1), 200),
	}
	if v := q.Get("level"); v != "" {
		l := audit.Level(v)
		params.Level = &l
	}
	if v := q.Get("name"); v != "" {
		params.Name = &v
	}
	if v := q.Get("start_time"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &ts
		}
	}

	events, total, err := s.deps.Events.ListEvents(r.Context(), params)
	if err != nil {
		s.deps.Logger.Error("failed to list audit events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list events"})
		return
	}
	resp := AuditEventListResp{
		Events:   make([]AuditEventResp, 0, len(events)),
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	}
	for _, e := range events {
		resp.Events = append(resp.Events, s.eventToResp(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) eventToResp(e audit.Event) AuditEventResp {
	out := AuditEventResp{
		EventID:     e.EventID,
		Timestamp:   e.Timestamp,
		ExecutionID: e.ExecutionID,
		ProjectID:   e.ProjectID,
		SessionID:   e.SessionID,
		Name:        e.Name,
		Level:       string(e.Level),
		PayloadHash: e.PayloadHash,
	}
	switch {
	case e.Data == "":
	case json.Valid([]byte(e.Data)):
		out.Data = json.RawMessage(e.Data)
	default:
		// Truncated preview; hand it back as a string.
		out.Data, _ = json.Marshal(e.Data)
	}
	if len(e.Output) > 0 {
		text, err := audit.DecodeOutput(e.Output)
		if err != nil {
			s.deps.Logger.Warn("undecodable audit output", zap.String("event_id", e.EventID), zap.Error(err))
		}
		out.Output = text
	}
	return out
}

