// Package tools is the closed set of step actions an execution can run
// inside a sandbox session, with per-tool input schemas.
package tools

import (
	"encoding/json"
	"time"
)

// Name identifies one tool variant.
type Name string

const (
	FileRead       Name = "file_read"
	FileWrite      Name = "file_write"
	FileEdit       Name = "file_edit"
	FileDelete     Name = "file_delete"
	FileList       Name = "file_list"
	Shell          Name = "shell"
	PackageInstall Name = "package_install"
	GitStatus      Name = "git_status"
	GitCommit      Name = "git_commit"
	GitPush        Name = "git_push"
	GitBranch      Name = "git_branch"
	GitDiff        Name = "git_diff"
	PRCreate       Name = "pr_create"
)

// All lists every tool in dispatch-table order.
var All = []Name{
	FileRead, FileWrite, FileEdit, FileDelete, FileList,
	Shell, PackageInstall,
	GitStatus, GitCommit, GitPush, GitBranch, GitDiff, PRCreate,
}

func (n Name) Valid() bool {
	switch n {
	case FileRead, FileWrite, FileEdit, FileDelete, FileList,
		Shell, PackageInstall,
		GitStatus, GitCommit, GitPush, GitBranch, GitDiff, PRCreate:
		return true
	}
	return false
}

// Mutating reports whether the tool can change the working tree or a
// remote.
func (n Name) Mutating() bool {
	switch n {
	case FileWrite, FileEdit, FileDelete, Shell, PackageInstall, GitCommit, GitPush, GitBranch, PRCreate:
		return true
	}
	return false
}

// Result is the outcome of one tool call. Failures are results, not
// errors, so the step loop can record them.
type Result struct {
	Success  bool              `json:"success"`
	Output   string            `json:"output,omitempty"`
	Error    string            `json:"error,omitempty"`
	ExitCode int               `json:"exit_code"`
	Duration time.Duration     `json:"duration"`
	CostUSD  float64           `json:"cost_usd,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func failure(prefix string, err error) *Result {
	return &Result{Success: false, Error: prefix + ": " + err.Error(), ExitCode: -1}
}

// Inputs, one per tool.

type FileReadInput struct {
	Path string `json:"path"`
}

type FileWriteInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type FileEditInput struct {
	Path       string `json:"path"`
	OldText    string `json:"old_text"`
	NewText    string `json:"new_text"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

type FileDeleteInput struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

type FileListInput struct {
	Path      string `json:"path,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
}

type ShellInput struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type PackageInstallInput struct {
	Manager  string   `json:"manager"`
	Packages []string `json:"packages,omitempty"`
	Dev      bool     `json:"dev,omitempty"`
}

type GitStatusInput struct{}

type GitCommitInput struct {
	Message string   `json:"message"`
	Paths   []string `json:"paths,omitempty"`
}

type GitPushInput struct {
	Remote      string `json:"remote,omitempty"`
	Branch      string `json:"branch,omitempty"`
	SetUpstream bool   `json:"set_upstream,omitempty"`
	Force       bool   `json:"force,omitempty"`
}

type GitBranchInput struct {
	Name     string `json:"name"`
	From     string `json:"from,omitempty"`
	Checkout bool   `json:"checkout,omitempty"`
}

type GitDiffInput struct {
	Staged bool     `json:"staged,omitempty"`
	Ref    string   `json:"ref,omitempty"`
	Paths  []string `json:"paths,omitempty"`
}

type PRCreateInput struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Head  string `json:"head,omitempty"`
	Base  string `json:"base,omitempty"`
	Draft bool   `json:"draft,omitempty"`
}

func decode[T any](input json.RawMessage) (T, error) {
	var v T
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	err := json.Unmarshal(input, &v)
	return v, err
}
