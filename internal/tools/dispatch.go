package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/sandbox"
)

// maxOutput caps the output kept on a Result.
const maxOutput = 64 << 10

var ErrUnknownTool = errors.New("unknown tool")

// Dispatcher runs tool calls against a sandbox session.
type Dispatcher struct {
	schemas map[Name]*jsonschema.Schema
	host    RepoHost
	logger  *zap.Logger
}

// NewDispatcher compiles the tool schemas. host may be nil, in which case
// pr_create fails with a descriptive error.
func NewDispatcher(host RepoHost, logger *zap.Logger) (*Dispatcher, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Dispatcher{schemas: schemas, host: host, logger: logger}, nil
}

// Validate checks input against the tool's schema without running it.
func (d *Dispatcher) Validate(tool Name, input json.RawMessage) error {
	sch, ok := d.schemas[tool]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	return validateInput(sch, input)
}

// Execute runs one tool call. It never returns nil and never panics on
// bad input; every failure is reported on the Result.
func (d *Dispatcher) Execute(ctx context.Context, s sandbox.Session, tool Name, input json.RawMessage) *Result {
	start := time.Now()
	if err := d.Validate(tool, input); err != nil {
		return &Result{Error: err.Error(), ExitCode: -1}
	}

	var res *Result
	switch tool {
	case FileRead:
		res = run(ctx, s, input, d.fileRead)
	case FileWrite:
		res = run(ctx, s, input, d.fileWrite)
	case FileEdit:
		res = run(ctx, s, input, d.fileEdit)
	case FileDelete:
		res = run(ctx, s, input, d.fileDelete)
	case FileList:
		res = run(ctx, s, input, d.fileList)
	case Shell:
		res = run(ctx, s, input, d.shell)
	case PackageInstall:
		res = run(ctx, s, input, d.packageInstall)
	case GitStatus:
		res = run(ctx, s, input, d.gitStatus)
	case GitCommit:
		res = run(ctx, s, input, d.gitCommit)
	case GitPush:
		res = run(ctx, s, input, d.gitPush)
	case GitBranch:
		res = run(ctx, s, input, d.gitBranch)
	case GitDiff:
		res = run(ctx, s, input, d.gitDiff)
	case PRCreate:
		res = run(ctx, s, input, d.prCreate)
	default:
		res = &Result{Error: fmt.Sprintf("%s: %q", ErrUnknownTool, tool), ExitCode: -1}
	}

	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	if len(res.Output) > maxOutput {
		res.Output = res.Output[:maxOutput] + "\n[output truncated]"
	}
	d.logger.Debug("tool executed",
		zap.String("tool", string(tool)),
		zap.String("session_id", s.ID()),
		zap.Bool("success", res.Success),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
	)
	return res
}

func run[T any](ctx context.Context, s sandbox.Session, input json.RawMessage, fn func(context.Context, sandbox.Session, T) *Result) *Result {
	in, err := decode[T](input)
	if err != nil {
		return failure("decode input", err)
	}
	return fn(ctx, s, in)
}

// runCommand runs command and maps its outcome onto a Result.
func runCommand(ctx context.Context, s sandbox.Session, command string, timeout time.Duration) *Result {
	er, err := s.Run(ctx, command, timeout)
	if err != nil {
		return failure("run", err)
	}
	res := &Result{
		Success:  er.ExitCode == 0,
		Output:   er.Stdout,
		ExitCode: er.ExitCode,
		Duration: er.Duration,
	}
	if !res.Success {
		res.Error = strings.TrimSpace(er.Stderr)
		if res.Error == "" {
			res.Error = fmt.Sprintf("exit status %d", er.ExitCode)
		}
	} else if er.Stderr != "" && er.Stdout == "" {
		res.Output = er.Stderr
	}
	return res
}

func (d *Dispatcher) fileRead(ctx context.Context, s sandbox.Session, in FileReadInput) *Result {
	data, err := s.ReadFile(ctx, in.Path)
	if err != nil {
		return failure("read "+in.Path, err)
	}
	return &Result{Success: true, Output: string(data), Metadata: map[string]string{"bytes": fmt.Sprint(len(data))}}
}

func (d *Dispatcher) fileWrite(ctx context.Context, s sandbox.Session, in FileWriteInput) *Result {
	if err := s.WriteFile(ctx, in.Path, []byte(in.Content)); err != nil {
		return failure("write "+in.Path, err)
	}
	return &Result{Success: true, Output: fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path)}
}

func (d *Dispatcher) fileEdit(ctx context.Context, s sandbox.Session, in FileEditInput) *Result {
	data, err := s.ReadFile(ctx, in.Path)
	if err != nil {
		return failure("read "+in.Path, err)
	}
	content := string(data)
	n := strings.Count(content, in.OldText)
	switch {
	case n == 0:
		return &Result{Error: "old_text not found in " + in.Path, ExitCode: -1}
	case n > 1 && !in.ReplaceAll:
		return &Result{Error: fmt.Sprintf("old_text matches %d times in %s; set replace_all or add context", n, in.Path), ExitCode: -1}
	}
	if in.ReplaceAll {
		content = strings.ReplaceAll(content, in.OldText, in.NewText)
	} else {
		content = strings.Replace(content, in.OldText, in.NewText, 1)
	}
	if err := s.WriteFile(ctx, in.Path, []byte(content)); err != nil {
		return failure("write "+in.Path, err)
	}
	return &Result{Success: true, Output: fmt.Sprintf("replaced %d occurrence(s) in %s", n, in.Path)}
}

func (d *Dispatcher) fileDelete(ctx context.Context, s sandbox.Session, in FileDeleteInput) *Result {
	return runCommand(ctx, s, deleteCommand(in), 0)
}

func (d *Dispatcher) fileList(ctx context.Context, s sandbox.Session, in FileListInput) *Result {
	p := in.Path
	if p == "" {
		p = "."
	}
	if in.Recursive {
		return runCommand(ctx, s, "find "+sandbox.Quote(p)+" -path '*/.git' -prune -o -type f -print | sort", 0)
	}
	return runCommand(ctx, s, "ls -la "+sandbox.Quote(p), 0)
}

func (d *Dispatcher) shell(ctx context.Context, s sandbox.Session, in ShellInput) *Result {
	return runCommand(ctx, s, in.Command, time.Duration(in.TimeoutMs)*time.Millisecond)
}

func (d *Dispatcher) packageInstall(ctx context.Context, s sandbox.Session, in PackageInstallInput) *Result {
	return runCommand(ctx, s, installCommand(in), 10*time.Minute)
}

func (d *Dispatcher) gitStatus(ctx context.Context, s sandbox.Session, _ GitStatusInput) *Result {
	return runCommand(ctx, s, "git status --porcelain=v1 --branch", 0)
}

func (d *Dispatcher) gitCommit(ctx context.Context, s sandbox.Session, in GitCommitInput) *Result {
	res := runCommand(ctx, s, commitCommand(in), 0)
	if !res.Success {
		return res
	}
	if head := runCommand(ctx, s, "git rev-parse HEAD", 0); head.Success {
		res.Metadata = map[string]string{"commit": strings.TrimSpace(head.Output)}
	}
	return res
}

func (d *Dispatcher) gitPush(ctx context.Context, s sandbox.Session, in GitPushInput) *Result {
	return runCommand(ctx, s, pushCommand(in), 5*time.Minute)
}

func (d *Dispatcher) gitBranch(ctx context.Context, s sandbox.Session, in GitBranchInput) *Result {
	return runCommand(ctx, s, branchCommand(in), 0)
}

func (d *Dispatcher) gitDiff(ctx context.Context, s sandbox.Session, in GitDiffInput) *Result {
	return runCommand(ctx, s, diffCommand(in), 0)
}

func (d *Dispatcher) prCreate(ctx context.Context, s sandbox.Session, in PRCreateInput) *Result {
	if d.host == nil {
		return &Result{Error: "pr_create: no repository host configured", ExitCode: -1}
	}
	remote := runCommand(ctx, s, "git remote get-url origin", 0)
	if !remote.Success {
		return &Result{Error: "pr_create: resolve origin: " + remote.Error, ExitCode: remote.ExitCode}
	}
	repo, err := ParseRepo(strings.TrimSpace(remote.Output))
	if err != nil {
		return failure("pr_create", err)
	}
	head := in.Head
	if head == "" {
		cur := runCommand(ctx, s, "git rev-parse --abbrev-ref HEAD", 0)
		if !cur.Success {
			return &Result{Error: "pr_create: resolve branch: " + cur.Error, ExitCode: cur.ExitCode}
		}
		head = strings.TrimSpace(cur.Output)
	}
	pr, err := d.host.CreatePullRequest(ctx, PullRequest{
		Repo:  repo,
		Title: in.Title,
		Body:  in.Body,
		Head:  head,
		Base:  in.Base,
		Draft: in.Draft,
	})
	if err != nil {
		return failure("pr_create", err)
	}
	return &Result{
		Success:  true,
		Output:   pr.URL,
		Metadata: map[string]string{"number": fmt.Sprint(pr.Number), "url": pr.URL, "head": head},
	}
}

// checkpointCommand yields a stash commit for a dirty tree, or HEAD when
// there is nothing to stash. Neither the index nor the branch changes.
const checkpointCommand = `ref=$(git stash create) && echo "${ref:-$(git rev-parse HEAD)}"`

// Checkpoint returns a commit-ish that restores the session's worktree to
// its current state.
func Checkpoint(ctx context.Context, s sandbox.Session) (string, error) {
	er, err := s.Run(ctx, checkpointCommand, time.Minute)
	if err != nil {
		return "", fmt.Errorf("Checkpoint: %w", err)
	}
	if er.ExitCode != 0 {
		return "", fmt.Errorf("Checkpoint: %s", strings.TrimSpace(er.Stderr))
	}
	ref := strings.TrimSpace(er.Stdout)
	if ref == "" {
		return "", errors.New("Checkpoint: no commit to anchor to")
	}
	return ref, nil
}
