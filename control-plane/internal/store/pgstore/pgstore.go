package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"deploy-relay/control-plane/internal/store"
)

type PGStore struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS deploys (
	id                  BIGSERIAL PRIMARY KEY,
	user_id             BIGINT      NOT NULL DEFAULT 0,
	prefix              TEXT        NOT NULL,
	git_repo            TEXT        NOT NULL,
	branch              TEXT        NOT NULL,
	frontend_stack      TEXT        NOT NULL DEFAULT '',
	use_repo_dockerfile BOOLEAN     NOT NULL DEFAULT FALSE,
	commit_sha          TEXT        NOT NULL DEFAULT '',
	commit_message      TEXT        NOT NULL DEFAULT '',
	trigger             TEXT        NOT NULL DEFAULT 'api',
	status              TEXT        NOT NULL DEFAULT 'pending',
	queue_id            BIGINT,
	build_number        BIGINT,
	archive_key         TEXT,
	error_message       TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at          TIMESTAMPTZ,
	finished_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS deploys_user_id_idx ON deploys (user_id, created_at DESC);
`

// EnsureSchema creates the deploys table if it does not exist yet.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const deployColumns = `id, user_id, prefix, git_repo, branch, frontend_stack, use_repo_dockerfile,
	commit_sha, commit_message, trigger, status, queue_id, build_number, archive_key,
	error_message, created_at, started_at, finished_at`

func scanDeploy(row pgx.Row) (*store.Deploy, error) {
	var d store.Deploy
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.Prefix,
		&d.GitRepo,
		&d.Branch,
		&d.FrontendStack,
		&d.UseRepoDockerfile,
		&d.CommitSHA,
		&d.CommitMessage,
		&d.Trigger,
		&d.Status,
		&d.QueueID,
		&d.BuildNumber,
		&d.ArchiveKey,
		&d.ErrorMessage,
		&d.CreatedAt,
		&d.StartedAt,
		&d.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PGStore) CreateDeploy(ctx context.Context, d store.NewDeploy) (int64, error) {
	trigger := d.Trigger
	if trigger == "" {
		trigger = "api"
	}
	var deployID int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO deploys (user_id, prefix, git_repo, branch, frontend_stack, use_repo_dockerfile,
		                      commit_sha, commit_message, trigger)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		d.UserID, d.Prefix, d.GitRepo, d.Branch, d.FrontendStack, d.UseRepoDockerfile,
		d.CommitSHA, d.CommitMessage, trigger).Scan(&deployID)
	if err != nil {
		return 0, fmt.Errorf("create deploy: %w", err)
	}
	return deployID, nil
}

func (s *PGStore) GetDeploy(ctx context.Context, deployID int64) (*store.Deploy, error) {
	d, err := scanDeploy(s.pool.QueryRow(ctx,
		`SELECT `+deployColumns+` FROM deploys WHERE id = $1`, deployID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deploy %d: %w", deployID, err)
	}
	return d, nil
}

func (s *PGStore) ListDeploysByUser(ctx context.Context, userID int64, limit int) ([]store.Deploy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deployColumns+`
		 FROM deploys
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deploys for user %d: %w", userID, err)
	}
	defer rows.Close()

	deploys := []store.Deploy{}
	for rows.Next() {
		d, err := scanDeploy(rows)
		if err != nil {
			return nil, err
		}
		deploys = append(deploys, *d)
	}
	return deploys, rows.Err()
}

func (s *PGStore) SetQueueID(ctx context.Context, deployID, queueID int64) error {
	return s.exec(ctx,
		`UPDATE deploys SET queue_id = $2, status = 'queued' WHERE id = $1`,
		deployID, queueID)
}

func (s *PGStore) SetBuildNumber(ctx context.Context, deployID, buildNumber int64) error {
	return s.exec(ctx,
		`UPDATE deploys SET build_number = $2 WHERE id = $1`,
		deployID, buildNumber)
}

// started_at keeps the first time the deploy was seen running.
func (s *PGStore) MarkDeployRunning(ctx context.Context, deployID int64) error {
	return s.exec(ctx,
		`UPDATE deploys
		 SET status = 'running', started_at = COALESCE(started_at, NOW())
		 WHERE id = $1`,
		deployID)
}

func (s *PGStore) MarkDeployFinished(ctx context.Context, deployID int64, status string, errMsg *string) error {
	return s.exec(ctx,
		`UPDATE deploys
		 SET status = $2, finished_at = NOW(), error_message = $3
		 WHERE id = $1`,
		deployID, status, errMsg)
}

func (s *PGStore) SetArchiveKey(ctx context.Context, deployID int64, key string) error {
	return s.exec(ctx,
		`UPDATE deploys SET archive_key = $2 WHERE id = $1`,
		deployID, key)
}

func (s *PGStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
