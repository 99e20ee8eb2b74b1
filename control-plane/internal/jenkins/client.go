// Package jenkins talks to the Jenkins remote API: parameterized build
// triggers, queue items and progressive console text.
package jenkins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrQueueItemCancelled = errors.New("jenkins queue item cancelled")

type Client struct {
	baseURL    string
	username   string
	token      string
	jobName    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL, username, token, jobName string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		token:      token,
		jobName:    jobName,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type BuildParams struct {
	DeployID          int64
	Prefix            string
	GitRepo           string
	Branch            string
	UseRepoDockerfile bool
	FrontendStack     string
	GitPAT            string
}

func (p BuildParams) form() url.Values {
	v := url.Values{}
	v.Set("PREFIX", p.Prefix)
	v.Set("GIT_REPO", p.GitRepo)
	v.Set("BRANCH", p.Branch)
	v.Set("USE_REPO_DOCKERFILE", strconv.FormatBool(p.UseRepoDockerfile))
	v.Set("FRONTEND_STACK", p.FrontendStack)
	if p.DeployID > 0 {
		v.Set("DEPLOY_ID", strconv.FormatInt(p.DeployID, 10))
	}
	if p.GitPAT != "" {
		v.Set("GIT_PAT", p.GitPAT)
	}
	return v
}

// TriggerBuild calls buildWithParameters and returns the queue item id taken
// from the Location header, or -1 when Jenkins did not report one.
func (c *Client) TriggerBuild(ctx context.Context, p BuildParams) (int64, error) {
	endpoint := fmt.Sprintf("%s/job/%s/buildWithParameters", c.baseURL, url.PathEscape(c.jobName))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(p.form().Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Some Jenkins setups don't require a crumb.
	if field, crumb := c.crumb(ctx); field != "" && crumb != "" {
		req.Header.Set(field, crumb)
	}

	resp, err := c.do(req)
	if err != nil {
		return 0, fmt.Errorf("trigger build: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4000))
		c.logger.Error("jenkins buildWithParameters failed", "status", resp.StatusCode, "body", string(body))
		return 0, fmt.Errorf("trigger build: status=%d body=%s", resp.StatusCode, body)
	}

	return queueIDFromLocation(resp.Header.Get("Location")), nil
}

func queueIDFromLocation(location string) int64 {
	if location == "" {
		return -1
	}
	parts := strings.Split(strings.TrimRight(location, "/"), "/")
	id, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return -1
	}
	return id
}

func (c *Client) crumb(ctx context.Context) (string, string) {
	var data struct {
		CrumbRequestField string `json:"crumbRequestField"`
		Crumb             string `json:"crumb"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/crumbIssuer/api/json", &data); err != nil {
		c.logger.Debug("failed to get jenkins crumb", "error", err)
		return "", ""
	}
	return data.CrumbRequestField, data.Crumb
}

// BuildNumberFromQueue polls the queue item every interval until Jenkins
// assigns a build number, the item is cancelled, or ctx ends.
func (c *Client) BuildNumberFromQueue(ctx context.Context, queueID int64, interval time.Duration) (int64, error) {
	endpoint := fmt.Sprintf("%s/queue/item/%d/api/json", c.baseURL, queueID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var item struct {
			Cancelled  bool `json:"cancelled"`
			Executable *struct {
				Number int64 `json:"number"`
			} `json:"executable"`
		}
		if err := c.getJSON(ctx, endpoint, &item); err != nil {
			return 0, fmt.Errorf("queue item %d: %w", queueID, err)
		}
		if item.Cancelled {
			return 0, fmt.Errorf("queue item %d: %w", queueID, ErrQueueItemCancelled)
		}
		if item.Executable != nil && item.Executable.Number > 0 {
			return item.Executable.Number, nil
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("queue item %d: no build number yet: %w", queueID, ctx.Err())
		case <-ticker.C:
		}
	}
}

type LogChunk struct {
	Text      string
	NextStart int64
	MoreData  bool
}

// ProgressiveLog fetches console text from byte offset start.
func (c *Client) ProgressiveLog(ctx context.Context, buildNumber, start int64) (*LogChunk, error) {
	endpoint := fmt.Sprintf("%s/job/%s/%d/logText/progressiveText?start=%d",
		c.baseURL, url.PathEscape(c.jobName), buildNumber, start)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("progressive log: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("progressive log: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("progressive log: status=%d body=%s", resp.StatusCode, body)
	}

	next, _ := strconv.ParseInt(resp.Header.Get("X-Text-Size"), 10, 64)
	return &LogChunk{
		Text:      string(body),
		NextStart: next,
		MoreData:  resp.Header.Get("X-More-Data") == "true",
	}, nil
}

// BuildResult returns the build's result (SUCCESS, FAILURE, ABORTED, ...),
// or "" while it is still running.
func (c *Client) BuildResult(ctx context.Context, buildNumber int64) (string, error) {
	var build struct {
		Building bool    `json:"building"`
		Result   *string `json:"result"`
	}
	endpoint := fmt.Sprintf("%s/job/%s/%d/api/json", c.baseURL, url.PathEscape(c.jobName), buildNumber)
	if err := c.getJSON(ctx, endpoint, &build); err != nil {
		return "", fmt.Errorf("build %d result: %w", buildNumber, err)
	}
	if build.Building || build.Result == nil {
		return "", nil
	}
	return *build.Result, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
		return fmt.Errorf("GET %s: status=%d body=%s", req.URL.Path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(c.username, c.token)
	return c.httpClient.Do(req)
}
