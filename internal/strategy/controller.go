package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config tunes the controller. Zero values take the defaults below.
type Config struct {
	MaxAttempts         int
	EscalationThreshold float64
	SuccessDelta        float64
	FailureDelta        float64
	Strategies          map[Complexity][]Strategy
	InitialConfidence   map[Complexity]float64
}

var defaultStrategies = map[Complexity][]Strategy{
	Simple:   {DirectExecution, PlanAndExecute},
	Moderate: {PlanAndExecute, DirectExecution},
	Complex:  {PlanAndExecute, ReflectiveAnalysis},
	Critical: {MultiAgentCollaboration, ReflectiveAnalysis, PlanAndExecute},
}

var defaultConfidence = map[Complexity]float64{
	Simple:   0.9,
	Moderate: 0.85,
	Complex:  0.8,
	Critical: 0.3,
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = 0.2
	}
	if c.SuccessDelta <= 0 {
		c.SuccessDelta = 0.1
	}
	if c.FailureDelta <= 0 {
		c.FailureDelta = 0.2
	}
	if c.Strategies == nil {
		c.Strategies = defaultStrategies
	}
	if c.InitialConfidence == nil {
		c.InitialConfidence = defaultConfidence
	}
	return c
}

// Controller runs tasks through an Executor with fallback and
// escalation. Safe for concurrent use; per-task state lives on the stack
// of ExecuteTask.
type Controller struct {
	classifier Classifier
	cfg        Config
	tracer     trace.Tracer
	logger     *zap.Logger
}

func NewController(classifier Classifier, cfg Config, logger *zap.Logger) *Controller {
	if classifier == nil {
		classifier = Heuristic{}
	}
	return &Controller{
		classifier: classifier,
		cfg:        cfg.withDefaults(),
		tracer:     otel.Tracer("github.com/triage-ai/warden/internal/strategy"),
		logger:     logger,
	}
}

// Strategies returns the ordered strategy list for a complexity.
func (c *Controller) Strategies(cx Complexity) []Strategy {
	if s := c.cfg.Strategies[cx]; len(s) > 0 {
		return s
	}
	return c.cfg.Strategies[Moderate]
}

// ExecuteTask classifies task and runs exec until it succeeds, the
// controller escalates, or attempts run out.
func (c *Controller) ExecuteTask(ctx context.Context, task Task, exec Executor) *Outcome {
	ctx, span := c.tracer.Start(ctx, "warden.strategy.task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.Type),
	))
	defer span.End()

	cx, err := c.classifier.Classify(ctx, task)
	if err != nil || !cx.Valid() {
		c.logger.Warn("classification failed, assuming moderate", zap.String("task_id", task.ID), zap.Error(err))
		cx = Moderate
	}
	strategies := c.Strategies(cx)
	confidence, ok := c.cfg.InitialConfidence[cx]
	if !ok {
		confidence = 0.5
	}

	out := &Outcome{Metrics: Metrics{Confidence: confidence, Complexity: cx, CurrentStrategy: strategies[0]}}
	span.SetAttributes(attribute.String("task.complexity", string(cx)))

	next := 0
	for {
		current := strategies[next]
		out.Metrics.CurrentStrategy = current
		out.Metrics.Attempts++
		out.ExecutionPath = append(out.ExecutionPath, current)

		start := time.Now()
		res := c.attempt(ctx, task, exec, Attempt{
			Number:   out.Metrics.Attempts,
			Strategy: current,
			Previous: append([]AttemptRecord(nil), out.Attempts...),
		})
		out.Result = res
		out.Attempts = append(out.Attempts, AttemptRecord{
			Strategy: current,
			Success:  res.Success,
			Error:    res.Error,
			Duration: time.Since(start),
		})

		if res.Success {
			out.Metrics.Confidence = clamp(out.Metrics.Confidence + c.cfg.SuccessDelta)
			out.Decision = DecisionComplete
			c.finish(span, task, out)
			return out
		}
		out.Metrics.Confidence = clamp(out.Metrics.Confidence - c.cfg.FailureDelta)

		if ctx.Err() != nil {
			out.Decision = DecisionAbort
			out.Reason = fmt.Sprintf("cancelled after %d attempt(s): %v", out.Metrics.Attempts, ctx.Err())
			c.finish(span, task, out)
			return out
		}

		switch {
		case out.Metrics.Confidence < c.cfg.EscalationThreshold:
			out.Decision = DecisionEscalateHuman
			out.Reason = fmt.Sprintf("confidence %.2f below %.2f after %s failed: %s",
				out.Metrics.Confidence, c.cfg.EscalationThreshold, current, res.Error)
		case next+1 < len(strategies) && out.Metrics.Attempts < c.cfg.MaxAttempts:
			next++
			c.logger.Info("switching strategy",
				zap.String("task_id", task.ID),
				zap.String("from", string(current)),
				zap.String("to", string(strategies[next])),
				zap.Float64("confidence", out.Metrics.Confidence),
			)
			continue
		case out.Metrics.Attempts < c.cfg.MaxAttempts:
			c.logger.Info("retrying strategy",
				zap.String("task_id", task.ID),
				zap.String("strategy", string(current)),
				zap.Float64("confidence", out.Metrics.Confidence),
			)
			continue
		default:
			out.Decision = DecisionAbort
			out.Reason = fmt.Sprintf("%d attempt(s) exhausted; last error: %s", out.Metrics.Attempts, res.Error)
		}
		c.finish(span, task, out)
		return out
	}
}

// attempt runs exec, converting errors and panics into failed results.
func (c *Controller) attempt(ctx context.Context, task Task, exec Executor, a Attempt) (res *Result) {
	ctx, span := c.tracer.Start(ctx, "warden.strategy.attempt", trace.WithAttributes(
		attribute.String("strategy", string(a.Strategy)),
		attribute.Int("attempt", a.Number),
	))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("executor panicked",
				zap.String("task_id", task.ID),
				zap.String("strategy", string(a.Strategy)),
				zap.Any("panic", p),
			)
			res = &Result{Error: fmt.Sprintf("executor panic: %v", p)}
		}
		if !res.Success {
			span.SetStatus(codes.Error, res.Error)
		}
	}()

	r, err := exec(ctx, task, a)
	switch {
	case err != nil:
		msg := err.Error()
		if r != nil && r.Error != "" {
			msg = r.Error + ": " + msg
		}
		return &Result{Error: msg}
	case r == nil:
		return &Result{Error: "executor returned no result"}
	}
	return r
}

func (c *Controller) finish(span trace.Span, task Task, out *Outcome) {
	span.SetAttributes(
		attribute.String("decision", string(out.Decision)),
		attribute.Int("attempts", out.Metrics.Attempts),
		attribute.Float64("confidence", out.Metrics.Confidence),
	)
	if out.Decision != DecisionComplete {
		span.SetStatus(codes.Error, out.Reason)
	}
	c.logger.Info("task finished",
		zap.String("task_id", task.ID),
		zap.String("decision", string(out.Decision)),
		zap.String("complexity", string(out.Metrics.Complexity)),
		zap.Int("attempts", out.Metrics.Attempts),
		zap.Float64("confidence", out.Metrics.Confidence),
		zap.String("reason", out.Reason),
	)
}

// clamp bounds v to [0,1], rounded to two decimals.
func clamp(v float64) float64 {
	v = math.Round(v*100) / 100
	return math.Max(0, math.Min(1, v))
}
