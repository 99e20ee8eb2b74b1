// Package gitutil resolves repository metadata from the GitHub REST API.
package gitutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultAPIURL = "https://api.github.com"

var ErrNoCommits = errors.New("no commits on branch")

// NormalizeRepoURL turns "https://github.com/owner/name(.git)" (or a bare
// "owner/name") into "owner/name".
func NormalizeRepoURL(repoURL string) (string, error) {
	repo := strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(repoURL), "/"), ".git")
	if i := strings.LastIndex(repo, "github.com/"); i >= 0 {
		repo = repo[i+len("github.com/"):]
	} else if i := strings.LastIndex(repo, "github.com:"); i >= 0 {
		repo = repo[i+len("github.com:"):]
	}
	parts := strings.Split(repo, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("not a github repository: %q", repoURL)
	}
	return parts[0] + "/" + parts[1], nil
}

type Commit struct {
	ShortSHA string
	Message  string
}

type Client struct {
	apiURL     string
	token      string
	httpClient *http.Client
}

// NewClient returns a client for apiURL (DefaultAPIURL when empty). token is
// optional; public repositories need none.
func NewClient(apiURL, token string) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// LatestCommit returns the newest commit on branch, its SHA shortened to six
// characters.
func (c *Client) LatestCommit(ctx context.Context, repoURL, branch string) (Commit, error) {
	repo, err := NormalizeRepoURL(repoURL)
	if err != nil {
		return Commit{}, err
	}
	q := url.Values{}
	q.Set("sha", branch)
	q.Set("per_page", "1")
	endpoint := fmt.Sprintf("%s/repos/%s/commits?%s", c.apiURL, repo, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Commit{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Commit{}, fmt.Errorf("latest commit %s@%s: %w", repo, branch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
		return Commit{}, fmt.Errorf("latest commit %s@%s: status=%d body=%s", repo, branch, resp.StatusCode, body)
	}

	var commits []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
		} `json:"commit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&commits); err != nil {
		return Commit{}, fmt.Errorf("latest commit %s@%s: decode: %w", repo, branch, err)
	}
	if len(commits) == 0 {
		return Commit{}, fmt.Errorf("latest commit %s@%s: %w", repo, branch, ErrNoCommits)
	}

	sha := commits[0].SHA
	if len(sha) > 6 {
		sha = sha[:6]
	}
	return Commit{ShortSHA: sha, Message: commits[0].Commit.Message}, nil
}
