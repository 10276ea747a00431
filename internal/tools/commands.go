package tools

import (
	"encoding/json"
	"strings"

	"github.com/triage-ai/warden/internal/sandbox"
)

// Action renders the string the safety gate evaluates for a tool call.
// Read-only and write file tools are checked by path; everything else,
// file_delete included, by the command line it would run, so command
// rules like "git push*" apply to the git tools too. Path returns the
// path of any file tool for a second, path-based check.
func Action(tool Name, input json.RawMessage) string {
	switch tool {
	case FileRead:
		in, _ := decode[FileReadInput](input)
		return in.Path
	case FileWrite:
		in, _ := decode[FileWriteInput](input)
		return in.Path
	case FileEdit:
		in, _ := decode[FileEditInput](input)
		return in.Path
	case FileDelete:
		in, _ := decode[FileDeleteInput](input)
		return deleteCommand(in)
	case FileList:
		in, _ := decode[FileListInput](input)
		if in.Path == "" {
			return "."
		}
		return in.Path
	case Shell:
		in, _ := decode[ShellInput](input)
		return in.Command
	case PackageInstall:
		in, _ := decode[PackageInstallInput](input)
		return installCommand(in)
	case GitStatus:
		return "git status"
	case GitCommit:
		in, _ := decode[GitCommitInput](input)
		return commitCommand(in)
	case GitPush:
		in, _ := decode[GitPushInput](input)
		return pushCommand(in)
	case GitBranch:
		in, _ := decode[GitBranchInput](input)
		return branchCommand(in)
	case GitDiff:
		in, _ := decode[GitDiffInput](input)
		return diffCommand(in)
	case PRCreate:
		in, _ := decode[PRCreateInput](input)
		return "gh pr create --title " + sandbox.Quote(in.Title)
	}
	return string(tool)
}

// Path returns the filesystem path a file tool touches, or "" for tools
// that are not file tools.
func Path(tool Name, input json.RawMessage) string {
	switch tool {
	case FileRead:
		in, _ := decode[FileReadInput](input)
		return in.Path
	case FileWrite:
		in, _ := decode[FileWriteInput](input)
		return in.Path
	case FileEdit:
		in, _ := decode[FileEditInput](input)
		return in.Path
	case FileDelete:
		in, _ := decode[FileDeleteInput](input)
		return in.Path
	case FileList:
		in, _ := decode[FileListInput](input)
		if in.Path == "" {
			return "."
		}
		return in.Path
	}
	return ""
}

func deleteCommand(in FileDeleteInput) string {
	flags := "-f"
	if in.Recursive {
		flags = "-rf"
	}
	return "rm " + flags + " -- " + sandbox.Quote(in.Path)
}

func quoteAll(args []string) string {
	q := make([]string, len(args))
	for i, a := range args {
		q[i] = sandbox.Quote(a)
	}
	return strings.Join(q, " ")
}

func installCommand(in PackageInstallInput) string {
	var cmd string
	switch in.Manager {
	case "npm":
		cmd = "npm install"
		if in.Dev {
			cmd += " --save-dev"
		}
	case "yarn":
		cmd = "yarn add"
		if len(in.Packages) == 0 {
			cmd = "yarn install"
		} else if in.Dev {
			cmd += " --dev"
		}
	case "pnpm":
		cmd = "pnpm add"
		if len(in.Packages) == 0 {
			cmd = "pnpm install"
		} else if in.Dev {
			cmd += " --save-dev"
		}
	case "pip":
		if len(in.Packages) == 0 {
			return "pip install -r requirements.txt"
		}
		cmd = "pip install"
	case "go":
		if len(in.Packages) == 0 {
			return "go mod download"
		}
		cmd = "go get"
	case "cargo":
		if len(in.Packages) == 0 {
			return "cargo fetch"
		}
		cmd = "cargo add"
		if in.Dev {
			cmd += " --dev"
		}
	default:
		cmd = sandbox.Quote(in.Manager) + " install"
	}
	if len(in.Packages) > 0 {
		cmd += " " + quoteAll(in.Packages)
	}
	return cmd
}

func commitCommand(in GitCommitInput) string {
	add := "git add -A"
	if len(in.Paths) > 0 {
		add = "git add -- " + quoteAll(in.Paths)
	}
	return add + " && git commit -m " + sandbox.Quote(in.Message)
}

func pushCommand(in GitPushInput) string {
	parts := []string{"git push"}
	if in.Force {
		parts = append(parts, "--force")
	}
	if in.SetUpstream {
		parts = append(parts, "-u")
	}
	remote := in.Remote
	if remote == "" {
		remote = "origin"
	}
	parts = append(parts, sandbox.Quote(remote))
	if in.Branch != "" {
		parts = append(parts, sandbox.Quote(in.Branch))
	}
	return strings.Join(parts, " ")
}

func branchCommand(in GitBranchInput) string {
	cmd := "git branch " + sandbox.Quote(in.Name)
	if in.Checkout {
		cmd = "git checkout -b " + sandbox.Quote(in.Name)
	}
	if in.From != "" {
		cmd += " " + sandbox.Quote(in.From)
	}
	return cmd
}

func diffCommand(in GitDiffInput) string {
	parts := []string{"git diff"}
	if in.Staged {
		parts = append(parts, "--staged")
	}
	if in.Ref != "" {
		parts = append(parts, sandbox.Quote(in.Ref))
	}
	if len(in.Paths) > 0 {
		parts = append(parts, "--", quoteAll(in.Paths))
	}
	return strings.Join(parts, " ")
}
