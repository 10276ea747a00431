// Package hydrate populates a sandbox session with a project's source
// tree and its decrypted environment.
package hydrate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/sandbox"
	"github.com/triage-ai/warden/internal/store"
)

var (
	ErrNoRepository = errors.New("project has no repository configured")
	ErrCloneFailed  = errors.New("git clone failed")
)

const dotenvPath = ".env"

// Config configures a Hydrator.
type Config struct {
	// SecretsKey opens project secrets. Nil disables secret injection;
	// projects that carry secrets then fail to hydrate.
	SecretsKey []byte
	// GitToken authenticates HTTPS clones. Optional.
	GitToken     string
	CloneTimeout time.Duration
	GitUserName  string
	GitUserEmail string
}

// Result reports one hydration.
type Result struct {
	Success         bool   `json:"success"`
	FilesCloned     int    `json:"files_cloned"`
	SecretsInjected int    `json:"secrets_injected"`
	Error           string `json:"error,omitempty"`
}

// Hydrator clones a project's repository into a session and writes its
// secrets to an ignored .env file.
type Hydrator struct {
	projects store.ProjectSource
	cfg      Config
	logger   *zap.Logger
}

func New(projects store.ProjectSource, cfg Config, logger *zap.Logger) (*Hydrator, error) {
	if cfg.SecretsKey != nil && len(cfg.SecretsKey) != 32 {
		return nil, ErrInvalidKey
	}
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = 5 * time.Minute
	}
	if cfg.GitUserName == "" {
		cfg.GitUserName = "warden"
	}
	if cfg.GitUserEmail == "" {
		cfg.GitUserEmail = "warden@localhost"
	}
	return &Hydrator{projects: projects, cfg: cfg, logger: logger}, nil
}

// Hydrate looks up projectID and populates s. A failed hydration returns
// both a Result describing it and an error.
func (h *Hydrator) Hydrate(ctx context.Context, s sandbox.Session, projectID string) (*Result, error) {
	p, err := h.projects.GetProject(ctx, projectID)
	if err != nil {
		return &Result{Error: err.Error()}, fmt.Errorf("Hydrate(%s): %w", projectID, err)
	}
	return h.HydrateProject(ctx, s, p)
}

// HydrateProject populates s from an already loaded project.
func (h *Hydrator) HydrateProject(ctx context.Context, s sandbox.Session, p *store.Project) (*Result, error) {
	fail := func(err error) (*Result, error) {
		msg := h.redact(err.Error())
		h.logger.Warn("hydration failed",
			zap.String("project_id", p.ID),
			zap.String("session_id", s.ID()),
			zap.String("error", msg),
		)
		return &Result{Error: msg}, &redactedError{msg: "Hydrate(" + p.ID + "): " + msg, err: err}
	}

	if p.RepoURL == "" {
		return fail(fmt.Errorf("%s: %w", p.ID, ErrNoRepository))
	}

	branch := p.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	clone := fmt.Sprintf("git clone --depth 1 --branch %s %s . && git config user.name %s && git config user.email %s",
		sandbox.Quote(branch),
		sandbox.Quote(h.cloneURL(p.RepoURL)),
		sandbox.Quote(h.cfg.GitUserName),
		sandbox.Quote(h.cfg.GitUserEmail),
	)
	res, err := s.Run(ctx, clone, h.cfg.CloneTimeout)
	if err != nil {
		return fail(fmt.Errorf("clone: %w", err))
	}
	if res.ExitCode != 0 {
		return fail(fmt.Errorf("exit %d: %s: %w", res.ExitCode, strings.TrimSpace(res.Stderr), ErrCloneFailed))
	}

	files := 0
	if res, err := s.Run(ctx, "git ls-files | wc -l", time.Minute); err == nil && res.ExitCode == 0 {
		files, _ = strconv.Atoi(strings.TrimSpace(res.Stdout))
	}

	injected, err := h.injectSecrets(ctx, s, p)
	if err != nil {
		return fail(err)
	}

	h.logger.Info("project hydrated",
		zap.String("project_id", p.ID),
		zap.String("session_id", s.ID()),
		zap.String("branch", branch),
		zap.Int("files_cloned", files),
		zap.Int("secrets_injected", injected),
	)
	return &Result{Success: true, FilesCloned: files, SecretsInjected: injected}, nil
}

func (h *Hydrator) injectSecrets(ctx context.Context, s sandbox.Session, p *store.Project) (int, error) {
	if len(p.SealedSecrets) == 0 {
		return 0, nil
	}
	if h.cfg.SecretsKey == nil {
		return 0, fmt.Errorf("secrets: %w", ErrMissingSecretsKey)
	}
	env, err := OpenSecrets(h.cfg.SecretsKey, p.ID, p.SealedSecrets)
	if err != nil {
		return 0, fmt.Errorf("secrets: %w", err)
	}
	body, skipped := renderDotenv(env)
	if len(skipped) > 0 {
		h.logger.Warn("skipping invalid secret names", zap.String("project_id", p.ID), zap.Strings("keys", skipped))
	}

	// Exclude first so the file is never visible to git as untracked.
	if err := h.excludeFromGit(ctx, s); err != nil {
		return 0, fmt.Errorf("secrets: %w", err)
	}
	if err := s.WriteFile(ctx, dotenvPath, []byte(body)); err != nil {
		return 0, fmt.Errorf("secrets: %w", err)
	}
	return len(env) - len(skipped), nil
}

// excludeFromGit adds .env to .git/info/exclude unless git already
// ignores it. The exclude file is local, so the worktree stays clean.
func (h *Hydrator) excludeFromGit(ctx context.Context, s sandbox.Session) error {
	cmd := "git check-ignore -q " + dotenvPath + " || { mkdir -p .git/info && printf '\\n%s\\n' " +
		sandbox.Quote("/"+dotenvPath) + " >> .git/info/exclude; }"
	res, err := s.Run(ctx, cmd, time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exclude %s: exit %d: %s", dotenvPath, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// cloneURL embeds the token in HTTPS URLs. Other schemes pass through.
func (h *Hydrator) cloneURL(raw string) string {
	if h.cfg.GitToken == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.User != nil {
		return raw
	}
	u.User = url.UserPassword("x-access-token", h.cfg.GitToken)
	return u.String()
}

func (h *Hydrator) redact(s string) string {
	if h.cfg.GitToken == "" {
		return s
	}
	return strings.ReplaceAll(s, h.cfg.GitToken, "***")
}

// redactedError keeps the error chain while hiding the git token from
// its message.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
