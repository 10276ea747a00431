// Package sandbox provisions isolated execution environments ("sessions")
// bound to a project. Sessions run shell commands and read/write files;
// the pool owns their lifecycle.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrSessionDestroyed   = errors.New("sandbox session destroyed")
	ErrMissingCredentials = errors.New("sandbox provider credentials missing")
	ErrCommandTimeout     = errors.New("sandbox command timed out")
)

// DefaultCommandTimeout bounds a Run call when the caller passes zero.
const DefaultCommandTimeout = 2 * time.Minute

// ExecResult is the outcome of one command. A non-zero exit is a
// result, not an error.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Session is one exclusively-owned execution environment.
type Session interface {
	ID() string
	ProjectKey() string
	// Workdir is the directory relative paths resolve against.
	Workdir() string
	Run(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Destroy(ctx context.Context) error
}

// Provider creates sessions.
type Provider interface {
	Create(ctx context.Context, projectKey string) (Session, error)
}

func commandTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultCommandTimeout
	}
	return timeout
}

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@,+%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
