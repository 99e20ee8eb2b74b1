// Package memstore is an in-process store.Store used when no database is
// configured and in tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"deploy-relay/control-plane/internal/store"
)

type MemStore struct {
	mu      sync.Mutex
	nextID  int64
	deploys map[int64]*store.Deploy
	now     func() time.Time
}

func New() *MemStore {
	return &MemStore{
		deploys: make(map[int64]*store.Deploy),
		now:     time.Now,
	}
}

func (m *MemStore) CreateDeploy(ctx context.Context, d store.NewDeploy) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	trigger := d.Trigger
	if trigger == "" {
		trigger = "api"
	}
	m.deploys[m.nextID] = &store.Deploy{
		ID:                m.nextID,
		UserID:            d.UserID,
		Prefix:            d.Prefix,
		GitRepo:           d.GitRepo,
		Branch:            d.Branch,
		FrontendStack:     d.FrontendStack,
		UseRepoDockerfile: d.UseRepoDockerfile,
		CommitSHA:         d.CommitSHA,
		CommitMessage:     d.CommitMessage,
		Trigger:           trigger,
		Status:            store.StatusPending,
		CreatedAt:         m.now(),
	}
	return m.nextID, nil
}

func (m *MemStore) GetDeploy(ctx context.Context, deployID int64) (*store.Deploy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deploys[deployID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemStore) ListDeploysByUser(ctx context.Context, userID int64, limit int) ([]store.Deploy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []store.Deploy{}
	for _, d := range m.deploys {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) SetQueueID(ctx context.Context, deployID, queueID int64) error {
	return m.update(deployID, func(d *store.Deploy) {
		d.QueueID = &queueID
		d.Status = store.StatusQueued
	})
}

func (m *MemStore) SetBuildNumber(ctx context.Context, deployID, buildNumber int64) error {
	return m.update(deployID, func(d *store.Deploy) { d.BuildNumber = &buildNumber })
}

func (m *MemStore) MarkDeployRunning(ctx context.Context, deployID int64) error {
	return m.update(deployID, func(d *store.Deploy) {
		d.Status = store.StatusRunning
		if d.StartedAt == nil {
			now := m.now()
			d.StartedAt = &now
		}
	})
}

func (m *MemStore) MarkDeployFinished(ctx context.Context, deployID int64, status string, errMsg *string) error {
	return m.update(deployID, func(d *store.Deploy) {
		now := m.now()
		d.Status = status
		d.FinishedAt = &now
		d.ErrorMessage = errMsg
	})
}

func (m *MemStore) SetArchiveKey(ctx context.Context, deployID int64, key string) error {
	return m.update(deployID, func(d *store.Deploy) { d.ArchiveKey = &key })
}

func (m *MemStore) update(deployID int64, fn func(d *store.Deploy)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deploys[deployID]
	if !ok {
		return store.ErrNotFound
	}
	fn(d)
	return nil
}
