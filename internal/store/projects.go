package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/warden/internal/safety"
)

// Project represents a row in the projects table.
type Project struct {
	ID            string
	Name          string
	RepoURL       string
	DefaultBranch string
	// SealedSecrets is an XChaCha20-Poly1305 box (nonce || ciphertext)
	// holding a JSON object of environment variables. Nil when unset.
	SealedSecrets []byte
	CustomRules   []safety.Rule
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UpdateProjectParams holds optional fields for partial project updates.
type UpdateProjectParams struct {
	Name          *string
	RepoURL       *string
	DefaultBranch *string
	CustomRules   *[]safety.Rule
}

const projectColumns = `id, name, repo_url, default_branch, sealed_secrets,
		       COALESCE(custom_rules, '[]'::jsonb), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*Project, error) {
	var (
		p     Project
		rules []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.RepoURL, &p.DefaultBranch, &p.SealedSecrets,
		&rules, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &p.CustomRules); err != nil {
			return nil, fmt.Errorf("custom_rules: %w", err)
		}
	}
	return &p, nil
}

func encodeRules(rules []safety.Rule) ([]byte, error) {
	if err := safety.ValidateRules(rules); err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []safety.Rule{}
	}
	return json.Marshal(rules)
}

// CreateProject inserts a new project. Custom rules are validated before
// they are stored.
func (s *Store) CreateProject(ctx context.Context, name, repoURL, branch string, rules []safety.Rule) (*Project, error) {
	if branch == "" {
		branch = "main"
	}
	encoded, err := encodeRules(rules)
	if err != nil {
		return nil, fmt.Errorf("CreateProject: %w", err)
	}
	p, err := scanProject(s.db.QueryRowContext(ctx, `
		INSERT INTO projects (name, repo_url, default_branch, custom_rules)
		VALUES ($1, $2, $3, $4)
		RETURNING `+projectColumns,
		name, repoURL, branch, encoded,
	))
	if err != nil {
		return nil, fmt.Errorf("CreateProject: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by created_at DESC.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListProjects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("ListProjects: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// GetProject returns a project by ID, or ErrNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetProject: %w", err)
	}
	return p, nil
}

// UpdateProject applies a partial update. Only non-nil fields change.
func (s *Store) UpdateProject(ctx context.Context, id string, params UpdateProjectParams) (*Project, error) {
	var rules any
	if params.CustomRules != nil {
		encoded, err := encodeRules(*params.CustomRules)
		if err != nil {
			return nil, fmt.Errorf("UpdateProject: %w", err)
		}
		rules = encoded
	}
	p, err := scanProject(s.db.QueryRowContext(ctx, `
		UPDATE projects SET
			name           = COALESCE($2, name),
			repo_url       = COALESCE($3, repo_url),
			default_branch = COALESCE($4, default_branch),
			custom_rules   = COALESCE($5, custom_rules),
			updated_at     = now()
		WHERE id = $1
		RETURNING `+projectColumns,
		id, params.Name, params.RepoURL, params.DefaultBranch, rules,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("UpdateProject: %w", err)
	}
	return p, nil
}

// SetProjectSecrets replaces a project's sealed secrets. Passing nil
// clears them.
func (s *Store) SetProjectSecrets(ctx context.Context, id string, sealed []byte) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET sealed_secrets = $2, updated_at = now()
		WHERE id = $1`, id, sealed)
	if err != nil {
		return fmt.Errorf("SetProjectSecrets: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProject deletes a project by ID.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeleteProject: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
