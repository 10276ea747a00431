package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Wildcard matches any user or agent type in the agent_limits table.
const Wildcard = "*"

// Limits are the governance ceilings applied to an execution.
type Limits struct {
	UserID                  string
	AgentType               string
	BudgetLimitUSD          float64
	MaxSteps                int
	UncertaintyThresholdPct float64
	RequireCheckpoints      bool
	UpdatedAt               time.Time
}

// GetLimits returns the most specific limits row for a user and agent
// type. An exact match beats a user-wide row, which beats an agent-wide
// row, which beats the global "*"/"*" row. ErrNotFound when none apply.
func (s *Store) GetLimits(ctx context.Context, userID, agentType string) (*Limits, error) {
	var l Limits
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, agent_type, budget_limit_usd, max_steps,
		       uncertainty_threshold_pct, require_checkpoints, updated_at
		FROM agent_limits
		WHERE user_id IN ($1, '*') AND agent_type IN ($2, '*')
		ORDER BY (user_id = $1) DESC, (agent_type = $2) DESC
		LIMIT 1`, userID, agentType,
	).Scan(&l.UserID, &l.AgentType, &l.BudgetLimitUSD, &l.MaxSteps,
		&l.UncertaintyThresholdPct, &l.RequireCheckpoints, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetLimits: %w", err)
	}
	return &l, nil
}

// UpsertLimits inserts or replaces the limits row for l.UserID and
// l.AgentType.
func (s *Store) UpsertLimits(ctx context.Context, l Limits) (*Limits, error) {
	if l.UserID == "" {
		l.UserID = Wildcard
	}
	if l.AgentType == "" {
		l.AgentType = Wildcard
	}
	var out Limits
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agent_limits (user_id, agent_type, budget_limit_usd, max_steps,
		                          uncertainty_threshold_pct, require_checkpoints)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, agent_type) DO UPDATE SET
			budget_limit_usd          = EXCLUDED.budget_limit_usd,
			max_steps                 = EXCLUDED.max_steps,
			uncertainty_threshold_pct = EXCLUDED.uncertainty_threshold_pct,
			require_checkpoints       = EXCLUDED.require_checkpoints,
			updated_at                = now()
		RETURNING user_id, agent_type, budget_limit_usd, max_steps,
		          uncertainty_threshold_pct, require_checkpoints, updated_at`,
		l.UserID, l.AgentType, l.BudgetLimitUSD, l.MaxSteps,
		l.UncertaintyThresholdPct, l.RequireCheckpoints,
	).Scan(&out.UserID, &out.AgentType, &out.BudgetLimitUSD, &out.MaxSteps,
		&out.UncertaintyThresholdPct, &out.RequireCheckpoints, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("UpsertLimits: %w", err)
	}
	return &out, nil
}
