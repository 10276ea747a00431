package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"dagger.io/dagger"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DaggerConfig describes the container every session starts from.
type DaggerConfig struct {
	Image   string
	Workdir string
	Env     map[string]string

	// Optional private registry credentials. A username without a token
	// is a configuration error.
	RegistryAddress  string
	RegistryUsername string
	RegistryToken    string

	// ConnectTimeout bounds the retried engine connection.
	ConnectTimeout time.Duration
	LogOutput      io.Writer
}

// DaggerProvider runs sessions as Dagger containers. Each session keeps
// the container produced by its last mutation so filesystem changes
// carry over between commands.
type DaggerProvider struct {
	client *dagger.Client
	cfg    DaggerConfig
	logger *zap.Logger
}

// NewDaggerProvider connects to the Dagger engine, retrying with
// exponential backoff until cfg.ConnectTimeout elapses.
func NewDaggerProvider(ctx context.Context, cfg DaggerConfig, logger *zap.Logger) (*DaggerProvider, error) {
	if cfg.Image == "" {
		cfg.Image = "alpine/git:latest"
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "/workspace"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.RegistryUsername != "" && cfg.RegistryToken == "" {
		return nil, fmt.Errorf("NewDaggerProvider: registry %s: %w", cfg.RegistryAddress, ErrMissingCredentials)
	}

	var opts []dagger.ClientOpt
	if cfg.LogOutput != nil {
		opts = append(opts, dagger.WithLogOutput(cfg.LogOutput))
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.ConnectTimeout

	var client *dagger.Client
	err := backoff.RetryNotify(func() error {
		c, err := dagger.Connect(ctx, opts...)
		if err != nil {
			return err
		}
		client = c
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		logger.Warn("dagger connect failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		return nil, fmt.Errorf("NewDaggerProvider: connect: %w", err)
	}

	logger.Info("dagger provider ready", zap.String("image", cfg.Image), zap.String("workdir", cfg.Workdir))
	return &DaggerProvider{client: client, cfg: cfg, logger: logger}, nil
}

// Create starts a fresh container for projectKey and forces it to
// resolve so image pull failures surface here instead of on first use.
func (p *DaggerProvider) Create(ctx context.Context, projectKey string) (Session, error) {
	ctr := p.client.Container().From(p.cfg.Image).WithWorkdir(p.cfg.Workdir)
	if p.cfg.RegistryUsername != "" {
		secret := p.client.SetSecret("registry-token", p.cfg.RegistryToken)
		ctr = ctr.WithRegistryAuth(p.cfg.RegistryAddress, p.cfg.RegistryUsername, secret)
	}
	for k, v := range p.cfg.Env {
		ctr = ctr.WithEnvVariable(k, v)
	}
	ctr = ctr.WithExec([]string{"mkdir", "-p", p.cfg.Workdir})

	ctr, err := ctr.Sync(ctx)
	if err != nil {
		return nil, fmt.Errorf("DaggerProvider.Create(%s): %w", projectKey, err)
	}

	s := &daggerSession{
		id:         uuid.NewString(),
		projectKey: projectKey,
		workdir:    p.cfg.Workdir,
		ctr:        ctr,
		logger:     p.logger,
	}
	p.logger.Debug("dagger session created", zap.String("session_id", s.id), zap.String("project_key", projectKey))
	return s, nil
}

// Close disconnects from the engine.
func (p *DaggerProvider) Close() error {
	return p.client.Close()
}

type daggerSession struct {
	id         string
	projectKey string
	workdir    string
	logger     *zap.Logger

	mu        sync.Mutex
	ctr       *dagger.Container
	destroyed bool
}

func (s *daggerSession) ID() string         { return s.id }
func (s *daggerSession) ProjectKey() string { return s.projectKey }
func (s *daggerSession) Workdir() string    { return s.workdir }

func (s *daggerSession) current() (*dagger.Container, error) {
	if s.destroyed {
		return nil, ErrSessionDestroyed
	}
	return s.ctr, nil
}

// Run executes command through sh -c. The cache-bust variable keeps the
// engine from replaying a cached result for a repeated command.
func (s *daggerSession) Run(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctr, err := s.current()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout(timeout))
	defer cancel()

	start := time.Now()
	exec := ctr.
		WithEnvVariable("WARDEN_RUN_ID", uuid.NewString()).
		WithExec([]string{"sh", "-c", command}, dagger.ContainerWithExecOpts{Expect: dagger.ReturnTypeAny})

	exec, err = exec.Sync(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s", ErrCommandTimeout, commandTimeout(timeout), command)
		}
		return nil, fmt.Errorf("Run: %w", err)
	}

	stdout, err := exec.Stdout(ctx)
	if err != nil {
		return nil, fmt.Errorf("Run: stdout: %w", err)
	}
	stderr, err := exec.Stderr(ctx)
	if err != nil {
		return nil, fmt.Errorf("Run: stderr: %w", err)
	}
	code, err := exec.ExitCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("Run: exit code: %w", err)
	}

	s.ctr = exec
	return &ExecResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: code,
		Duration: time.Since(start),
	}, nil
}

func (s *daggerSession) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	ctr, err := s.current()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	contents, err := ctr.File(path).Contents(ctx)
	if err != nil {
		return nil, fmt.Errorf("ReadFile(%s): %w", path, err)
	}
	return []byte(contents), nil
}

func (s *daggerSession) WriteFile(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctr, err := s.current()
	if err != nil {
		return err
	}
	next, err := ctr.WithNewFile(path, string(data)).Sync(ctx)
	if err != nil {
		return fmt.Errorf("WriteFile(%s): %w", path, err)
	}
	s.ctr = next
	return nil
}

// Destroy drops the container reference. The engine garbage-collects
// unreferenced layers; a second Destroy reports ErrSessionDestroyed.
func (s *daggerSession) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return ErrSessionDestroyed
	}
	s.destroyed = true
	s.ctr = nil
	s.logger.Debug("dagger session destroyed", zap.String("session_id", s.id), zap.String("project_key", s.projectKey))
	return nil
}
