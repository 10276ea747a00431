// Package api is the HTTP surface over the safety gate, the session pool
// and the execution engine.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/audit"
	"github.com/triage-ai/warden/internal/execution"
	"github.com/triage-ai/warden/internal/pool"
	"github.com/triage-ai/warden/internal/safety"
	"github.com/triage-ai/warden/internal/sandbox"
	"github.com/triage-ai/warden/internal/store"
	"github.com/triage-ai/warden/internal/strategy"
)

// SessionPool is the part of pool.Manager the API uses.
type SessionPool interface {
	Acquire(ctx context.Context, projectKey string) (sandbox.Session, error)
	Release(ctx context.Context, projectKey string) bool
	Sessions() []pool.SessionInfo
	Stats() pool.Stats
}

// LimitsSource resolves stored governance ceilings.
type LimitsSource interface {
	GetLimits(ctx context.Context, userID, agentType string) (*store.Limits, error)
}

// EventLister reads recorded audit events.
type EventLister interface {
	ListEvents(ctx context.Context, p audit.ListParams) ([]audit.Event, int, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
// Optional collaborators are nil when not configured.
type Dependencies struct {
	Gate          *safety.Gate
	Rules         []safety.Rule // operator rules applied after project rules
	Pool          SessionPool
	Tools         execution.ToolRunner
	Hydrator      execution.Hydrator
	Planner       execution.Planner
	Projects      store.ProjectSource
	Limits        LimitsSource
	DefaultLimits execution.Limits
	Strategy      *strategy.Controller
	Audit         *audit.Recorder
	Events        EventLister
	Token         string
	Logger        *zap.Logger
}

// Server owns the execution and task registries behind the router.
type Server struct {
	deps  Dependencies
	execs *registry
	tasks *taskRegistry

	// base outlives requests; executions run on it until Shutdown.
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewServer(deps Dependencies) *Server {
	if deps.Gate == nil {
		deps.Gate = safety.NewGate()
	}
	if deps.Strategy == nil {
		deps.Strategy = strategy.NewController(nil, strategy.Config{}, deps.Logger)
	}
	base, stop := context.WithCancel(context.Background())
	return &Server{
		deps:  deps,
		execs: newRegistry(maxTracked),
		tasks: newTaskRegistry(maxTracked),
		base:  base,
		stop:  stop,
	}
}

// Handler builds the HTTP mux with all routes wired up.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/safety/check", s.handleCheck)
	mux.HandleFunc("POST /v1/safety/rules/validate", s.handleValidateRules)

	mux.HandleFunc("POST /v1/executions", s.handleSubmitExecution)
	mux.HandleFunc("GET /v1/executions", s.handleListExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /v1/executions/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /v1/executions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("PUT /v1/executions/{id}/limits", s.handleUpdateLimits)
	mux.HandleFunc("POST /v1/executions/{id}/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/executions/{id}/confirmations", s.handleListConfirmations)
	mux.HandleFunc("POST /v1/executions/{id}/steps/{step_id}/confirm", s.handleConfirm)
	mux.HandleFunc("GET /v1/executions/{id}/events", s.handleListEvents)

	mux.HandleFunc("POST /v1/tasks", s.handleSubmitTask)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)

	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /v1/sessions/{project_key}", s.handleReleaseSession)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requireToken(s.deps.Token, requestLogging(mux, s.deps.Logger)))
}

// Shutdown cancels every unfinished execution and waits for their loops,
// or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, t := range s.execs.list() {
		if !t.engine.Snapshot().State.IsTerminal() {
			_ = t.engine.Cancel(ctx)
		}
	}
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// goRun runs fn on the server's base context, tracked for Shutdown.
func (s *Server) goRun(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.base)
	}()
}

var errUnknownProject = errors.New("unknown project")

// executionContext resolves rules and limits for a new execution.
func (s *Server) executionContext(ctx context.Context, userID, agentType, projectID string, override *LimitsReq) (execution.Context, error) {
	ec := execution.Context{
		UserID:    userID,
		AgentType: agentType,
		ProjectID: projectID,
		Limits:    override.apply(s.resolveLimits(ctx, userID, agentType)),
	}
	if s.deps.Projects != nil && projectID != "" {
		p, err := s.deps.Projects.GetProject(ctx, projectID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return ec, fmt.Errorf("%w: %s", errUnknownProject, projectID)
		case err != nil:
			return ec, fmt.Errorf("load project: %w", err)
		}
		ec.CustomRules = append(ec.CustomRules, p.CustomRules...)
	}
	ec.CustomRules = append(ec.CustomRules, s.deps.Rules...)
	return ec, nil
}

func (s *Server) resolveLimits(ctx context.Context, userID, agentType string) execution.Limits {
	if s.deps.Limits == nil {
		return s.deps.DefaultLimits
	}
	l, err := s.deps.Limits.GetLimits(ctx, userID, agentType)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.deps.Logger.Warn("limits lookup failed, using defaults",
				zap.String("user_id", userID),
				zap.String("agent_type", agentType),
				zap.Error(err),
			)
		}
		return s.deps.DefaultLimits
	}
	return execution.Limits{
		BudgetUSD:          l.BudgetLimitUSD,
		MaxSteps:           l.MaxSteps,
		UncertaintyPct:     l.UncertaintyThresholdPct,
		RequireCheckpoints: l.RequireCheckpoints,
	}
}

// newExecution builds and registers an engine without starting it.
func (s *Server) newExecution(ec execution.Context, steps []execution.StepSpec, autoApprove bool) (*tracked, error) {
	t := &tracked{createdAt: time.Now()}
	var confirmer execution.Confirmer
	if !autoApprove {
		t.mailbox = execution.NewMailbox()
		confirmer = t.mailbox
	}
	t.engine = execution.New(ec, execution.Deps{
		Sessions:  s.deps.Pool,
		Tools:     s.deps.Tools,
		Gate:      s.deps.Gate,
		Hydrator:  s.deps.Hydrator,
		Planner:   s.deps.Planner,
		Confirmer: confirmer,
		Audit:     s.deps.Audit,
		Logger:    s.deps.Logger,
	})
	if len(steps) > 0 {
		if _, err := t.engine.AddSteps(steps...); err != nil {
			return nil, err
		}
	}
	s.execs.add(t)
	return t, nil
}

const maxTracked = 1024

type tracked struct {
	engine    *execution.Engine
	mailbox   *execution.Mailbox // nil when auto-approving
	createdAt time.Time
}

// registry keeps engines by execution ID. Past its limit it forgets the
// oldest finished executions.
type registry struct {
	mu    sync.RWMutex
	limit int
	byID  map[string]*tracked
	order []string
}

func newRegistry(limit int) *registry {
	return &registry{limit: limit, byID: make(map[string]*tracked)}
}

func (r *registry) add(t *tracked) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := t.engine.ID()
	r.byID[id] = t
	r.order = append(r.order, id)
	if len(r.order) <= r.limit {
		return
	}
	kept := r.order[:0]
	excess := len(r.order) - r.limit
	for _, id := range r.order {
		if excess > 0 && r.byID[id].engine.Snapshot().State.IsTerminal() {
			delete(r.byID, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

func (r *registry) get(id string) (*tracked, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// list returns tracked executions, oldest first.
func (r *registry) list() []*tracked {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*tracked, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}
