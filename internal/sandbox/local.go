package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalProvider runs sessions as host processes confined to a private
// temporary directory. It offers no isolation beyond the working
// directory and is meant for the CLI and development.
type LocalProvider struct {
	baseDir string
	env     []string
	logger  *zap.Logger
}

// NewLocalProvider creates sessions under baseDir (os.TempDir() when
// empty). env entries are KEY=VALUE pairs appended to a minimal
// environment.
func NewLocalProvider(baseDir string, env []string, logger *zap.Logger) *LocalProvider {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &LocalProvider{baseDir: baseDir, env: env, logger: logger}
}

func (p *LocalProvider) Create(ctx context.Context, projectKey string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(p.baseDir, "warden-")
	if err != nil {
		return nil, fmt.Errorf("LocalProvider.Create(%s): %w", projectKey, err)
	}
	env := append([]string{
		"HOME=" + dir,
		"PATH=" + os.Getenv("PATH"),
	}, p.env...)

	s := &localSession{
		id:         uuid.NewString(),
		projectKey: projectKey,
		root:       dir,
		env:        env,
	}
	p.logger.Debug("local session created", zap.String("session_id", s.id), zap.String("dir", dir))
	return s, nil
}

type localSession struct {
	id         string
	projectKey string
	root       string
	env        []string

	mu        sync.Mutex
	destroyed bool
}

func (s *localSession) ID() string         { return s.id }
func (s *localSession) ProjectKey() string { return s.projectKey }
func (s *localSession) Workdir() string    { return s.root }

func (s *localSession) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrSessionDestroyed
	}
	return nil
}

// resolve maps path into the session directory. Absolute paths are
// re-rooted and ".." cannot climb above the root.
func (s *localSession) resolve(path string) string {
	if strings.HasPrefix(path, s.root+string(filepath.Separator)) || path == s.root {
		return filepath.Clean(path)
	}
	return filepath.Join(s.root, filepath.Clean("/"+path))
}

func (s *localSession) Run(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout(timeout))
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.root
	cmd.Env = s.env
	cmd.WaitDelay = 500 * time.Millisecond
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s: %s", ErrCommandTimeout, commandTimeout(timeout), command)
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("Run: %w", err)
	}
	return res, nil
}

func (s *localSession) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("ReadFile(%s): %w", path, err)
	}
	return data, nil
}

func (s *localSession) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := s.alive(); err != nil {
		return err
	}
	full := s.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("WriteFile(%s): %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("WriteFile(%s): %w", path, err)
	}
	return nil
}

func (s *localSession) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrSessionDestroyed
	}
	s.destroyed = true
	s.mu.Unlock()

	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("Destroy: %w", err)
	}
	return nil
}
