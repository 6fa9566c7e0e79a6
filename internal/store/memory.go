package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/errand-dispatch/internal/models"
)

// MemoryStore is the in-process JobStore used in tests and single-node runs.
// Every committed write fans a fresh snapshot out to subscribers.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	subs map[string][]chan *models.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		subs: make(map[string][]chan *models.Job),
	}
}

func (m *MemoryStore) Create(ctx context.Context, j *models.Job) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := j.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if len(cp.History) == 0 {
		cp.History = []models.StatusEntry{{Status: cp.Status, Timestamp: now, Note: "created"}}
	}
	m.jobs[cp.ID] = cp
	m.notifyLocked(cp)
	return cp.Clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) ConditionalUpdate(ctx context.Context, jobID string, expect Expect, upd Update) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if expect.Status != nil && j.Status != *expect.Status {
		return nil, ErrPreconditionFailed
	}
	if expect.RunnerID != nil && j.RunnerID != *expect.RunnerID {
		return nil, ErrPreconditionFailed
	}
	if upd.Status != nil {
		j.Status = *upd.Status
	}
	if upd.RunnerID != nil {
		j.RunnerID = *upd.RunnerID
	}
	if upd.CustomerLoc != nil {
		loc := *upd.CustomerLoc
		j.CustomerLoc = &loc
	}
	if upd.AssignedAt != nil {
		t := *upd.AssignedAt
		j.AssignedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		j.CompletedAt = &t
	}
	if upd.AppendHistory != nil {
		j.History = append(j.History, *upd.AppendHistory)
	}
	j.UpdatedAt = time.Now()
	m.notifyLocked(j)
	return j.Clone(), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, jobID string) (<-chan *models.Job, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan *models.Job, 16)
	m.subs[jobID] = append(m.subs[jobID], ch)
	if j, ok := m.jobs[jobID]; ok {
		ch <- j.Clone()
	}
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[jobID]
		for i, c := range list {
			if c == ch {
				m.subs[jobID] = append(list[:i], list[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel, nil
}

// notifyLocked sends a snapshot to every subscriber. Slow subscribers with a
// full buffer miss intermediate snapshots but always get the next one, which
// is enough for a feed of full-document snapshots.
func (m *MemoryStore) notifyLocked(j *models.Job) {
	for _, ch := range m.subs[j.ID] {
		select {
		case ch <- j.Clone():
		default:
		}
	}
}
