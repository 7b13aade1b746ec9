// Package forge provides the GitHub REST client used to open pull
// requests for completed jobs.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.github.com"

// maxErrorBody bounds how much of an error response is echoed into logs.
const maxErrorBody = 2048

// scpLikePattern matches the git@host:owner/repo shorthand.
var scpLikePattern = regexp.MustCompile(`^git@([^:/]+):(.+)$`)

// RepoRef identifies a repository on the forge.
type RepoRef struct {
	Owner string
	Repo  string
}

func (r RepoRef) String() string {
	return r.Owner + "/" + r.Repo
}

// ParseRepoURL extracts owner/repo from a git remote URL. Accepts
// https://github.com/owner/repo(.git), ssh://git@github.com/owner/repo(.git)
// and the git@github.com:owner/repo shorthand.
func ParseRepoURL(remoteURL string) (RepoRef, error) {
	remoteURL = strings.TrimSpace(remoteURL)
	if remoteURL == "" {
		return RepoRef{}, fmt.Errorf("empty remote URL")
	}

	var path string
	if m := scpLikePattern.FindStringSubmatch(remoteURL); m != nil {
		path = m[2]
	} else {
		parsed, err := url.Parse(remoteURL)
		if err != nil {
			return RepoRef{}, fmt.Errorf("malformed remote URL: %w", err)
		}
		switch parsed.Scheme {
		case "https", "http", "ssh", "git":
		default:
			return RepoRef{}, fmt.Errorf("unsupported remote scheme %q", parsed.Scheme)
		}
		path = parsed.Path
	}

	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, fmt.Errorf("remote URL %q does not name an owner/repo pair", remoteURL)
	}

	return RepoRef{Owner: parts[0], Repo: parts[1]}, nil
}

// PullRequestParams carries the fields for PR creation.
type PullRequestParams struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
}

// PullRequest is the subset of the GitHub PR response the engine records.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// Client provides HTTP access to the GitHub REST API for pull request
// creation. A single instance is shared by the engine.
type Client struct {
	httpClient *http.Client
	token      string
	apiBase    string
	logger     *slog.Logger
}

// NewClient creates a forge client. token may be empty, in which case
// CreatePullRequest fails; apiBase defaults to the public GitHub API.
func NewClient(token, apiBase string, timeout time.Duration) *Client {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		token:      token,
		apiBase:    strings.TrimRight(apiBase, "/"),
		logger:     slog.Default(),
	}
}

// CreatePullRequest opens a PR from params.Head to params.Base and
// returns its number and HTML URL.
func (c *Client) CreatePullRequest(ctx context.Context, ref RepoRef, params PullRequestParams) (*PullRequest, error) {
	if c.token == "" {
		return nil, fmt.Errorf("forge token not configured")
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal PR request: %w", err)
	}

	apiURL := fmt.Sprintf("%s/repos/%s/%s/pulls", c.apiBase, ref.Owner, ref.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create PR for %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.apiError(resp, ref)
	}

	var pr PullRequest
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode PR response: %w", err)
	}
	if pr.HTMLURL == "" {
		return nil, fmt.Errorf("GitHub PR response missing html_url")
	}

	c.logger.Info("Pull request created", "repo", ref.String(), "number", pr.Number, "url", pr.HTMLURL)
	return &pr, nil
}

// githubErrorResponse is the GitHub error envelope.
type githubErrorResponse struct {
	Message string `json:"message"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) apiError(resp *http.Response, ref RepoRef) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var ghErr githubErrorResponse
	if err := json.Unmarshal(body, &ghErr); err == nil && ghErr.Message != "" {
		detail := ghErr.Message
		for _, e := range ghErr.Errors {
			if e.Message != "" {
				detail += "; " + e.Message
			}
		}
		return fmt.Errorf("GitHub API returned HTTP %d for %s: %s", resp.StatusCode, ref, detail)
	}

	return fmt.Errorf("GitHub API returned HTTP %d for %s", resp.StatusCode, ref)
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
