package strategy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/llm"
)

// Classifier assigns a complexity to a task.
type Classifier interface {
	Classify(ctx context.Context, task Task) (Complexity, error)
}

var (
	criticalTerms = regexp.MustCompile(`(?i)\b(production|prod|deploy(ment)?|migrations?|database schema|credentials?|secrets?|security|payments?|billing|auth(entication|orization)?|drop table|data loss)\b`)
	complexTerms  = regexp.MustCompile(`(?i)\b(refactor|architecture|redesign|rewrite|across (the )?(codebase|services|modules)|integrat(e|ion)|concurren(t|cy)|performance|migrate|multiple (files|services|modules))\b`)
	simpleTerms   = regexp.MustCompile(`(?i)\b(typo|rename|comment|readme|format(ting)?|lint|bump|version|spelling|whitespace)\b`)
)

const (
	complexWords  = 150
	moderateWords = 50
	simpleWords   = 20
)

// Heuristic classifies by keywords and description length. It never
// fails.
type Heuristic struct{}

func (Heuristic) Classify(_ context.Context, task Task) (Complexity, error) {
	return classifyText(task.Description), nil
}

func classifyText(desc string) Complexity {
	words := len(strings.Fields(desc))
	switch {
	case criticalTerms.MatchString(desc):
		return Critical
	case complexTerms.MatchString(desc) || words > complexWords:
		return Complex
	case simpleTerms.MatchString(desc) && words <= moderateWords:
		return Simple
	case words > moderateWords:
		return Moderate
	case words <= simpleWords:
		return Simple
	default:
		return Moderate
	}
}

const classifyPrompt = `Classify the complexity of this software task as exactly one word: simple, moderate, complex, or critical.
critical: touches production, security, credentials, payments, or risks data loss.
complex: spans many files or modules, or needs design work.
moderate: a contained feature or fix.
simple: a trivial, local change.

Task:
%s`

// ModelClassifier asks a model for the complexity and falls back to
// another Classifier when the call fails or the reply is unusable.
type ModelClassifier struct {
	invoker  llm.Invoker
	fallback Classifier
	logger   *zap.Logger
}

func NewModelClassifier(invoker llm.Invoker, fallback Classifier, logger *zap.Logger) *ModelClassifier {
	if fallback == nil {
		fallback = Heuristic{}
	}
	return &ModelClassifier{invoker: invoker, fallback: fallback, logger: logger}
}

func (m *ModelClassifier) Classify(ctx context.Context, task Task) (Complexity, error) {
	resp, err := m.invoker.Invoke(ctx,
		[]llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(classifyPrompt, task.Description)}},
		llm.WithMaxTokens(8),
	)
	if err != nil {
		m.logger.Warn("model classification failed, using fallback", zap.String("task_id", task.ID), zap.Error(err))
		return m.fallback.Classify(ctx, task)
	}
	c, ok := parseComplexity(resp.Text)
	if !ok {
		m.logger.Warn("unusable classification reply, using fallback",
			zap.String("task_id", task.ID),
			zap.String("reply", resp.Text),
		)
		return m.fallback.Classify(ctx, task)
	}
	return c, nil
}

func parseComplexity(reply string) (Complexity, bool) {
	word := strings.ToLower(strings.Trim(strings.TrimSpace(reply), ".!\"'`*"))
	if i := strings.IndexAny(word, " \n\t"); i >= 0 {
		word = word[:i]
	}
	c := Complexity(word)
	return c, c.Valid()
}
