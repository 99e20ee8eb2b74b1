package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("deploy not found")

const (
	StatusPending = "pending"
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusAborted = "aborted"
)

type Deploy struct {
	ID                int64      `json:"id"`
	UserID            int64      `json:"user_id"`
	Prefix            string     `json:"prefix"`
	GitRepo           string     `json:"git_repo"`
	Branch            string     `json:"branch"`
	FrontendStack     string     `json:"frontend_stack"`
	UseRepoDockerfile bool       `json:"use_repo_dockerfile"`
	CommitSHA         string     `json:"commit_sha"`
	CommitMessage     string     `json:"commit_message"`
	Trigger           string     `json:"trigger"`
	Status            string     `json:"status"`
	QueueID           *int64     `json:"queue_id,omitempty"`
	BuildNumber       *int64     `json:"build_number,omitempty"`
	ArchiveKey        *string    `json:"archive_key,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

type NewDeploy struct {
	UserID            int64
	Prefix            string
	GitRepo           string
	Branch            string
	FrontendStack     string
	UseRepoDockerfile bool
	CommitSHA         string
	CommitMessage     string
	Trigger           string
}

// Store persists deploy metadata. The log relay never reads it.
type Store interface {
	CreateDeploy(ctx context.Context, d NewDeploy) (int64, error)
	GetDeploy(ctx context.Context, deployID int64) (*Deploy, error)
	ListDeploysByUser(ctx context.Context, userID int64, limit int) ([]Deploy, error)

	SetQueueID(ctx context.Context, deployID, queueID int64) error
	SetBuildNumber(ctx context.Context, deployID, buildNumber int64) error
	MarkDeployRunning(ctx context.Context, deployID int64) error
	MarkDeployFinished(ctx context.Context, deployID int64, status string, errorMessage *string) error
	SetArchiveKey(ctx context.Context, deployID int64, key string) error
}
