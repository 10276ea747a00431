// Package sandboxtest provides in-memory sandbox sessions for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/triage-ai/warden/internal/sandbox"
)

// RunFunc scripts a fake session's command results.
type RunFunc func(ctx context.Context, s *Session, command string) (*sandbox.ExecResult, error)

// Session is an in-memory sandbox.Session. Commands are recorded and
// answered by Runner, or succeed with empty output when Runner is nil.
type Session struct {
	id         string
	projectKey string
	Runner     RunFunc

	mu        sync.Mutex
	files     map[string][]byte
	commands  []string
	destroyed bool
	// DestroyErr is returned by Destroy after marking the session dead.
	DestroyErr error
}

// NewSession returns an empty session.
func NewSession(id, projectKey string) *Session {
	return &Session{id: id, projectKey: projectKey, files: make(map[string][]byte)}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) ProjectKey() string { return s.projectKey }
func (s *Session) Workdir() string    { return "/workspace" }

func (s *Session) abs(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = path.Join(s.Workdir(), p)
	}
	return path.Clean(p)
}

func (s *Session) Run(ctx context.Context, command string, timeout time.Duration) (*sandbox.ExecResult, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, sandbox.ErrSessionDestroyed
	}
	s.commands = append(s.commands, command)
	runner := s.Runner
	s.mu.Unlock()

	if runner != nil {
		return runner(ctx, s, command)
	}
	if command == "echo ok" {
		return &sandbox.ExecResult{Stdout: "ok\n"}, nil
	}
	return &sandbox.ExecResult{}, nil
}

func (s *Session) ReadFile(ctx context.Context, p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, sandbox.ErrSessionDestroyed
	}
	data, ok := s.files[s.abs(p)]
	if !ok {
		return nil, fmt.Errorf("ReadFile(%s): no such file", p)
	}
	return append([]byte(nil), data...), nil
}

func (s *Session) WriteFile(ctx context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return sandbox.ErrSessionDestroyed
	}
	s.files[s.abs(p)] = append([]byte(nil), data...)
	return nil
}

func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return sandbox.ErrSessionDestroyed
	}
	s.destroyed = true
	return s.DestroyErr
}

// Destroyed reports whether Destroy has been called.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Commands returns every command run so far, in order.
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// File returns a file's contents and whether it exists.
func (s *Session) File(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[s.abs(p)]
	return data, ok
}

// Files lists every path written to the session, sorted.
func (s *Session) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// DeleteFile removes a file, reporting whether it existed.
func (s *Session) DeleteFile(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[s.abs(p)]
	delete(s.files, s.abs(p))
	return ok
}

// Provider hands out fake sessions and counts creations per key.
type Provider struct {
	// Delay is slept before each creation so concurrent callers overlap.
	Delay time.Duration
	// Runner is installed on every new session.
	Runner RunFunc
	// Fail makes Create return an error while set.
	Fail atomic.Bool

	created atomic.Int64
	mu      sync.Mutex
	perKey  map[string]int
	all     []*Session
}

var errCreateFailed = errors.New("sandboxtest: create failed")

func (p *Provider) Create(ctx context.Context, projectKey string) (sandbox.Session, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.Fail.Load() {
		return nil, errCreateFailed
	}
	n := p.created.Add(1)
	s := NewSession(fmt.Sprintf("fake-%d", n), projectKey)
	s.Runner = p.Runner

	p.mu.Lock()
	if p.perKey == nil {
		p.perKey = make(map[string]int)
	}
	p.perKey[projectKey]++
	p.all = append(p.all, s)
	p.mu.Unlock()
	return s, nil
}

// Created is the total number of sessions created.
func (p *Provider) Created() int { return int(p.created.Load()) }

// CreatedFor is the number of sessions created for projectKey.
func (p *Provider) CreatedFor(projectKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.perKey[projectKey]
}

// Sessions returns every session created, oldest first.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.all...)
}
