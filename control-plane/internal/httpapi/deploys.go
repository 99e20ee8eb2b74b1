package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"deploy-relay/control-plane/internal/jenkins"
	"deploy-relay/control-plane/internal/logstream"
	"deploy-relay/control-plane/internal/store"
)

const (
	userDeployLimit = 4
	presignExpiry   = time.Hour
	relayStage      = "relay"
)

type deployRequest struct {
	Prefix            string `json:"prefix"`
	GitRepo           string `json:"git_repo"`
	Branch            string `json:"branch"`
	UseRepoDockerfile bool   `json:"use_repo_dockerfile"`
	FrontendStack     string `json:"frontend_stack"`
	UserID            int64  `json:"user_id"`
	GitPAT            string `json:"git_pat,omitempty"`
}

func (req *deployRequest) normalize() error {
	req.Prefix = strings.TrimSpace(req.Prefix)
	req.GitRepo = strings.TrimSpace(req.GitRepo)
	req.Branch = strings.TrimSpace(req.Branch)
	if req.Prefix == "" || req.GitRepo == "" {
		return errors.New("prefix and git_repo are required")
	}
	if req.Branch == "" {
		req.Branch = "main"
	}
	return nil
}

type deployResponse struct {
	Message   string `json:"message"`
	DeployID  int64  `json:"deploy_id"`
	Prefix    string `json:"prefix"`
	QueueID   int64  `json:"queue_id"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

// errTrigger marks a Jenkins failure, answered with 502.
var errTrigger = errors.New("jenkins trigger failed")

// POST /api/deploy/
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	if err := req.normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.jenkins == nil {
		writeError(w, http.StatusServiceUnavailable, "build trigger not configured")
		return
	}

	resp, err := s.startDeploy(r.Context(), req, "api")
	switch {
	case errors.Is(err, errTrigger):
		writeError(w, http.StatusBadGateway, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// startDeploy records a deploy, triggers its Jenkins build and, when console
// polling is on, starts relaying and archiving its log.
func (s *Server) startDeploy(ctx context.Context, req deployRequest, trigger string) (*deployResponse, error) {
	var sha, message string
	if s.commits != nil {
		commit, err := s.commits.LatestCommit(ctx, req.GitRepo, req.Branch)
		if err != nil {
			s.logger.Warn("could not resolve latest commit", "repo", req.GitRepo, "branch", req.Branch, "error", err)
		} else {
			sha, message = commit.ShortSHA, commit.Message
		}
	}

	deployID, err := s.store.CreateDeploy(ctx, store.NewDeploy{
		UserID:            req.UserID,
		Prefix:            req.Prefix,
		GitRepo:           req.GitRepo,
		Branch:            req.Branch,
		FrontendStack:     req.FrontendStack,
		UseRepoDockerfile: req.UseRepoDockerfile,
		CommitSHA:         sha,
		CommitMessage:     message,
		Trigger:           trigger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create deploy: %w", err)
	}
	logger := s.logger.With("deploy_id", deployID)

	tracking := s.watcher != nil
	if tracking && s.collector != nil {
		s.collector.Start(deployID)
	}

	queueID, err := s.jenkins.TriggerBuild(ctx, jenkins.BuildParams{
		DeployID:          deployID,
		Prefix:            req.Prefix,
		GitRepo:           req.GitRepo,
		Branch:            req.Branch,
		UseRepoDockerfile: req.UseRepoDockerfile,
		FrontendStack:     req.FrontendStack,
		GitPAT:            req.GitPAT,
	})
	if err != nil {
		logger.Error("jenkins trigger failed", "error", err)
		s.abandon(ctx, deployID, tracking, true, fmt.Sprintf("jenkins trigger failed: %v", err))
		return nil, fmt.Errorf("%w: %v", errTrigger, err)
	}

	if queueID > 0 {
		if err := s.store.SetQueueID(ctx, deployID, queueID); err != nil {
			logger.Warn("failed to record queue id", "queue_id", queueID, "error", err)
		}
	}

	if tracking {
		if queueID > 0 {
			s.watcher.Watch(deployID, queueID)
		} else {
			s.abandon(ctx, deployID, true, false, "jenkins reported no queue item, console relay disabled")
		}
	}

	logger.Info("deploy triggered", "queue_id", queueID, "trigger", trigger, "commit", sha)
	return &deployResponse{
		Message:   "Deploy pipeline triggered",
		DeployID:  deployID,
		Prefix:    req.Prefix,
		QueueID:   queueID,
		CommitSHA: sha,
	}, nil
}

// abandon tells subscribers why the relayed log ends here and flushes the
// archive in the background. failed also marks the deploy failed.
func (s *Server) abandon(ctx context.Context, deployID int64, tracking, failed bool, reason string) {
	ctx = context.WithoutCancel(ctx)
	_ = s.sink.Emit(ctx, logstream.Event{BuildID: deployID, Stage: relayStage, Message: reason})

	if failed {
		if err := s.store.MarkDeployFinished(ctx, deployID, store.StatusFailed, &reason); err != nil {
			s.logger.Warn("failed to mark deploy failed", "deploy_id", deployID, "error", err)
		}
	}

	if tracking && s.collector != nil {
		go func() {
			ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if _, err := s.collector.Finish(ctx, deployID); err != nil {
				s.logger.Warn("archive deploy log failed", "deploy_id", deployID, "error", err)
			}
		}()
	}
}

// GET /api/deploy/{id}
func (s *Server) handleGetDeploy(w http.ResponseWriter, r *http.Request) {
	deployID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	d, err := s.store.GetDeploy(r.Context(), deployID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deploy not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get deploy: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GET /api/deploy/user/{user_id}
func (s *Server) handleUserDeploys(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	deploys, err := s.store.ListDeploysByUser(r.Context(), userID, userDeployLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list deploys: %v", err))
		return
	}
	if deploys == nil {
		deploys = []store.Deploy{}
	}
	writeJSON(w, http.StatusOK, deploys)
}

// POST /api/deploy/log/{deploy_id}
func (s *Server) handleReportLog(w http.ResponseWriter, r *http.Request) {
	deployID, ok := pathID(w, r, "deploy_id")
	if !ok {
		return
	}
	var body struct {
		Stage string `json:"stage"`
		Log   string `json:"log"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	ev := logstream.Event{BuildID: deployID, Stage: body.Stage, Message: body.Log}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sink.Emit(r.Context(), ev); err != nil {
		s.logger.Error("log event not relayed", "deploy_id", deployID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "log relay unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Log received and broadcasted"})
}

// GET /api/deploy/log/{deploy_id}
func (s *Server) handleArchivedLog(w http.ResponseWriter, r *http.Request) {
	deployID, ok := pathID(w, r, "deploy_id")
	if !ok {
		return
	}
	if s.presigner == nil {
		writeError(w, http.StatusServiceUnavailable, "log archive not configured")
		return
	}
	d, err := s.store.GetDeploy(r.Context(), deployID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deploy not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get deploy: %v", err))
		return
	}
	if d.ArchiveKey == nil {
		writeError(w, http.StatusNotFound, "log not archived yet")
		return
	}

	url, err := s.presigner.PresignedGetURL(r.Context(), *d.ArchiveKey, presignExpiry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to generate download URL: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"download_url": url})
}
