package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Repo names a hosted repository.
type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// ParseRepo extracts owner/name from an HTTPS or scp-style git remote.
// Credentials embedded in the URL are ignored.
func ParseRepo(remote string) (Repo, error) {
	path := ""
	switch {
	case strings.Contains(remote, "://"):
		u, err := url.Parse(remote)
		if err != nil {
			return Repo{}, fmt.Errorf("ParseRepo: %w", err)
		}
		path = u.Path
	case strings.Contains(remote, ":"):
		// git@github.com:owner/name.git
		path = remote[strings.Index(remote, ":")+1:]
	default:
		return Repo{}, fmt.Errorf("ParseRepo: unrecognized remote %q", remote)
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("ParseRepo: remote %q is not owner/name", remote)
	}
	return Repo{Owner: parts[0], Name: parts[1]}, nil
}

// PullRequest is a request to open a pull request.
type PullRequest struct {
	Repo  Repo
	Title string
	Body  string
	Head  string
	// Base defaults to the repository's default branch when empty.
	Base  string
	Draft bool
}

type PullRequestResult struct {
	Number int    `json:"number"`
	URL    string `json:"html_url"`
}

// RepoHost opens pull requests on a code host.
type RepoHost interface {
	CreatePullRequest(ctx context.Context, pr PullRequest) (*PullRequestResult, error)
}

const (
	githubAPIVersion = "2022-11-28"
	githubBaseURL    = "https://api.github.com"
)

// GitHubConfig configures a GitHubHost.
type GitHubConfig struct {
	Token string
	// BaseURL defaults to the public API. Must be HTTPS.
	BaseURL    string
	HTTPClient *http.Client
}

// GitHubHost is a token-authenticated GitHub REST client limited to the
// calls tools need.
type GitHubHost struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewGitHubHost(cfg GitHubConfig) (*GitHubHost, error) {
	if cfg.Token == "" {
		return nil, errors.New("github: token is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = githubBaseURL
	}
	if !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", base)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &GitHubHost{baseURL: base, token: cfg.Token, client: client}, nil
}

// APIError is a non-2xx GitHub response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

func (g *GitHubHost) CreatePullRequest(ctx context.Context, pr PullRequest) (*PullRequestResult, error) {
	base := pr.Base
	if base == "" {
		var repo struct {
			DefaultBranch string `json:"default_branch"`
		}
		if err := g.do(ctx, http.MethodGet, "/repos/"+pr.Repo.String(), nil, &repo); err != nil {
			return nil, err
		}
		base = repo.DefaultBranch
	}
	body := map[string]any{
		"title": pr.Title,
		"body":  pr.Body,
		"head":  pr.Head,
		"base":  base,
		"draft": pr.Draft,
	}
	var out PullRequestResult
	if err := g.do(ctx, http.MethodPost, "/repos/"+pr.Repo.String()+"/pulls", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *GitHubHost) do(ctx context.Context, method, path string, reqBody, result any) error {
	var r io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("github: encoding request body: %w", err)
		}
		r = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("github: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("github: reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(data)}
		var wire struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &wire) == nil && wire.Message != "" {
			apiErr.Message = wire.Message
		}
		return apiErr
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("github: decoding response: %w", err)
		}
	}
	return nil
}
