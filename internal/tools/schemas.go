package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var schemaSources = map[Name]string{
	FileRead: `{
		"type": "object",
		"required": ["path"],
		"properties": {"path": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`,
	FileWrite: `{
		"type": "object",
		"required": ["path", "content"],
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"content": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	FileEdit: `{
		"type": "object",
		"required": ["path", "old_text", "new_text"],
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"old_text": {"type": "string", "minLength": 1},
			"new_text": {"type": "string"},
			"replace_all": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	FileDelete: `{
		"type": "object",
		"required": ["path"],
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"recursive": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	FileList: `{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"recursive": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	Shell: `{
		"type": "object",
		"required": ["command"],
		"properties": {
			"command": {"type": "string", "minLength": 1},
			"timeout_ms": {"type": "integer", "minimum": 1, "maximum": 3600000}
		},
		"additionalProperties": false
	}`,
	PackageInstall: `{
		"type": "object",
		"required": ["manager"],
		"properties": {
			"manager": {"enum": ["npm", "yarn", "pnpm", "pip", "go", "cargo"]},
			"packages": {"type": "array", "items": {"type": "string", "minLength": 1, "pattern": "^[^\\s;&|$` + "`" + `]+$"}},
			"dev": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	GitStatus: `{"type": "object", "additionalProperties": false}`,
	GitCommit: `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string", "minLength": 1},
			"paths": {"type": "array", "items": {"type": "string", "minLength": 1}}
		},
		"additionalProperties": false
	}`,
	GitPush: `{
		"type": "object",
		"properties": {
			"remote": {"type": "string"},
			"branch": {"type": "string"},
			"set_upstream": {"type": "boolean"},
			"force": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	GitBranch: `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9._/-]+$"},
			"from": {"type": "string"},
			"checkout": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	GitDiff: `{
		"type": "object",
		"properties": {
			"staged": {"type": "boolean"},
			"ref": {"type": "string"},
			"paths": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	PRCreate: `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1, "maxLength": 256},
			"body": {"type": "string"},
			"head": {"type": "string"},
			"base": {"type": "string"},
			"draft": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
}

// compileSchemas compiles every tool's input schema once.
func compileSchemas() (map[Name]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	for _, name := range All {
		src, ok := schemaSources[name]
		if !ok {
			return nil, fmt.Errorf("compileSchemas: no schema for %s", name)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			return nil, fmt.Errorf("compileSchemas: %s: %w", name, err)
		}
		if err := c.AddResource(string(name)+".json", doc); err != nil {
			return nil, fmt.Errorf("compileSchemas: %s: %w", name, err)
		}
	}
	out := make(map[Name]*jsonschema.Schema, len(All))
	for _, name := range All {
		sch, err := c.Compile(string(name) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compileSchemas: %s: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
}

func validateInput(sch *jsonschema.Schema, input json.RawMessage) error {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("input schema validation failed: %w", err)
	}
	return nil
}

var descriptions = map[Name]string{
	FileRead:       "Read a file from the project workspace.",
	FileWrite:      "Create or overwrite a file with the given content.",
	FileEdit:       "Replace old_text with new_text in a file. old_text must match exactly once unless replace_all is set.",
	FileDelete:     "Delete a file, or a directory when recursive is set.",
	FileList:       "List a directory, or every file below it when recursive is set.",
	Shell:          "Run a shell command in the workspace root.",
	PackageInstall: "Install dependencies with a package manager; no packages installs from the lockfile.",
	GitStatus:      "Show the working tree status.",
	GitCommit:      "Stage the given paths, or everything, and commit.",
	GitPush:        "Push a branch to a remote.",
	GitBranch:      "Create a branch, optionally from a ref, and optionally check it out.",
	GitDiff:        "Show the diff of the working tree, the index, or against a ref.",
	PRCreate:       "Open a pull request for the current branch.",
}

// Describe returns a one-line description of a tool.
func Describe(n Name) string { return descriptions[n] }

// Schema returns the compacted JSON Schema for a tool's input.
func Schema(n Name) (json.RawMessage, bool) {
	src, ok := schemaSources[n]
	if !ok {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(src)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}
