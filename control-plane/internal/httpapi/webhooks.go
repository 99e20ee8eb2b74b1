package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const maxWebhookBody = 5 << 20

type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"` // commit SHA
	Repository struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"` // e.g., "user/repo"
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// POST /webhooks/github
//
// Query parameters configure the deploy a push triggers: prefix (defaults to
// the repository name), branch (defaults to main or master), frontend_stack,
// use_repo_dockerfile and user_id.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "ping" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if s.webhookSecret != "" && !verifyGitHubSignature(body, r.Header.Get("X-Hub-Signature-256"), s.webhookSecret) {
		s.logger.Warn("github webhook signature mismatch", "bytes", len(body))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if eventType != "" && eventType != "push" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "event " + eventType})
		return
	}

	payload, err := webhookPayload(r.Header.Get("Content-Type"), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	var event GitHubPushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	req, err := pushDeployRequest(event, r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	branch := strings.TrimPrefix(event.Ref, "refs/heads/")
	if !branchWanted(branch, r.URL.Query().Get("branch")) {
		s.logger.Info("ignoring push", "repo", event.Repository.FullName, "ref", event.Ref)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "branch " + branch})
		return
	}
	req.Branch = branch

	if s.jenkins == nil {
		writeError(w, http.StatusServiceUnavailable, "build trigger not configured")
		return
	}

	resp, err := s.startDeploy(r.Context(), req, "webhook")
	switch {
	case errors.Is(err, errTrigger):
		writeError(w, http.StatusBadGateway, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "triggered",
		"deploy_id":  resp.DeployID,
		"queue_id":   resp.QueueID,
		"repo":       event.Repository.FullName,
		"commit_sha": event.After,
		"pusher":     event.Pusher.Name,
	})
}

// webhookPayload extracts the JSON document from a raw or form-encoded body.
func webhookPayload(contentType string, body []byte) ([]byte, error) {
	if !strings.Contains(contentType, "application/x-www-form-urlencoded") {
		return body, nil
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	return []byte(values.Get("payload")), nil
}

func pushDeployRequest(event GitHubPushEvent, q url.Values) (deployRequest, error) {
	req := deployRequest{
		Prefix:        q.Get("prefix"),
		GitRepo:       event.Repository.HTMLURL,
		FrontendStack: q.Get("frontend_stack"),
	}
	if req.GitRepo == "" {
		req.GitRepo = event.Repository.CloneURL
	}
	if req.Prefix == "" {
		req.Prefix = event.Repository.Name
	}
	if v := q.Get("use_repo_dockerfile"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, errors.New("invalid use_repo_dockerfile")
		}
		req.UseRepoDockerfile = b
	}
	if v := q.Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return req, errors.New("invalid user_id")
		}
		req.UserID = id
	}
	if err := req.normalize(); err != nil {
		return req, err
	}
	return req, nil
}

func branchWanted(branch, want string) bool {
	if want != "" {
		return branch == want
	}
	return branch == "main" || branch == "master"
}

func verifyGitHubSignature(payload []byte, signature, secret string) bool {
	signature, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expectedMAC := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expectedMAC))
}
