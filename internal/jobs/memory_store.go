package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/outbound-dialer/pkg/errors"
)

// MemoryStore is an in-process Store used by tests and the "memory" driver.
// It follows the same lane layout as RedisStore.
type MemoryStore struct {
	mu    sync.Mutex
	kinds map[Kind]*memoryLanes
}

type memoryLanes struct {
	jobs      map[string]*Job
	wait      []string // oldest first
	delayed   map[string]time.Time
	active    map[string]time.Time
	completed []string // newest first
	failed    []string // newest first
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{kinds: make(map[Kind]*memoryLanes)}
}

func (s *MemoryStore) lanes(kind Kind) *memoryLanes {
	l, ok := s.kinds[kind]
	if !ok {
		l = &memoryLanes{
			jobs:    make(map[string]*Job),
			delayed: make(map[string]time.Time),
			active:  make(map[string]time.Time),
		}
		s.kinds[kind] = l
	}
	return l
}

func (s *MemoryStore) Add(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes(job.Kind)
	if _, exists := l.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	stored := job.clone()
	stored.State = StateWaiting
	l.jobs[job.ID] = stored
	if job.RunAt.After(job.CreatedAt) {
		l.delayed[job.ID] = job.RunAt
	} else {
		l.wait = append(l.wait, job.ID)
	}
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, kind Kind, now time.Time, lease time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes(kind)
	for len(l.wait) > 0 {
		id := l.wait[0]
		l.wait = l.wait[1:]
		job, ok := l.jobs[id]
		if !ok {
			continue
		}
		lockUntil := now.Add(lease)
		processed := now
		job.Attempts++
		job.State = StateActive
		job.token = uuid.NewString()
		job.LockUntil = &lockUntil
		job.ProcessedAt = &processed
		l.active[id] = lockUntil
		return job.clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) owned(l *memoryLanes, job *Job) (*Job, error) {
	stored, ok := l.jobs[job.ID]
	if !ok || stored.State != StateActive || stored.token != job.token {
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, job.ID)
	}
	return stored, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, job *Job, now time.Time, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes(job.Kind)
	stored, err := s.owned(l, job)
	if err != nil {
		return err
	}
	lockUntil := now.Add(lease)
	stored.LockUntil = &lockUntil
	l.active[job.ID] = lockUntil
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, job *Job, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes(job.Kind)
	stored, err := s.owned(l, job)
	if err != nil {
		return err
	}
	delete(l.active, job.ID)
	l.finish(stored, StateCompleted, now, "")
	return nil
}

func (s *MemoryStore) Retry(_ context.Context, job *Job, runAt time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes(job.Kind)
	stored, err := s.owned(l, job)
	if err != nil {
		return err
	}
	delete(l.active, job.ID)
	stored.State = StateWaiting
	stored.LastError = reason
	stored.RunAt = runAt
	stored.LockUntil = nil
	stored.token = ""
	l.delayed[job.ID] = runAt
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, job *Job, now time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes(job.Kind)
	stored, err := s.owned(l, job)
	if err != nil {
		return err
	}
	delete(l.active, job.ID)
	l.finish(stored, StateFailed, now, reason)
	return nil
}

func (s *MemoryStore) PromoteDue(_ context.Context, kind Kind, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes(kind)
	due := dueIDs(l.delayed, now, limit)
	for _, id := range due {
		delete(l.delayed, id)
		l.wait = append(l.wait, id)
	}
	return len(due), nil
}

func (s *MemoryStore) ReapStalled(_ context.Context, kind Kind, now time.Time, limit int) (int, []*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes(kind)
	stalled := dueIDs(l.active, now.Add(-time.Nanosecond), limit)
	requeued := 0
	var failed []*Job
	for _, id := range stalled {
		delete(l.active, id)
		job, ok := l.jobs[id]
		if !ok {
			continue
		}
		if job.Attempts >= job.Policy.Attempts {
			snapshot := job.clone()
			snapshot.State = StateFailed
			snapshot.LastError = ErrStalled.Error()
			failed = append(failed, snapshot)
			l.finish(job, StateFailed, now, ErrStalled.Error())
			continue
		}
		job.State = StateWaiting
		job.LastError = ErrStalled.Error()
		job.LockUntil = nil
		job.token = ""
		l.wait = append(l.wait, id)
		requeued++
	}
	return requeued, failed, nil
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.lanes(kind).jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", apperrors.ErrNotFound, id)
	}
	return job.clone(), nil
}

func (s *MemoryStore) List(_ context.Context, kind Kind, state State, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes(kind)
	var ids []string
	switch state {
	case StateWaiting:
		ids = append(ids, l.wait...)
		ids = append(ids, sortedIDs(l.delayed)...)
	case StateActive:
		ids = sortedIDs(l.active)
	case StateCompleted:
		ids = l.completed
	case StateFailed:
		ids = l.failed
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		if job, ok := l.jobs[id]; ok {
			out = append(out, job.clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Counts(_ context.Context, kind Kind) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes(kind)
	return Counts{
		Waiting:   int64(len(l.wait)),
		Delayed:   int64(len(l.delayed)),
		Active:    int64(len(l.active)),
		Completed: int64(len(l.completed)),
		Failed:    int64(len(l.failed)),
	}, nil
}

func (s *MemoryStore) RetryFailed(_ context.Context, kind Kind, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes(kind)
	job, ok := l.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", apperrors.ErrNotFound, id)
	}
	if job.State != StateFailed {
		return fmt.Errorf("%w: job %s is %s", apperrors.ErrConflict, id, job.State)
	}
	l.failed = removeID(l.failed, id)
	job.State = StateWaiting
	job.Attempts = 0
	job.LastError = ""
	job.FinishedAt = nil
	job.RunAt = now
	l.wait = append(l.wait, id)
	return nil
}

// finish records a terminal state and evicts the oldest jobs beyond the
// job's retention bound.
func (l *memoryLanes) finish(job *Job, state State, now time.Time, reason string) {
	keep := job.Policy.RemoveOnComplete.Keep
	lane := &l.completed
	if state == StateFailed {
		keep = job.Policy.RemoveOnFail.Keep
		lane = &l.failed
	}

	job.token = ""
	job.LockUntil = nil
	if keep == 0 {
		delete(l.jobs, job.ID)
		return
	}

	finished := now
	job.State = state
	job.FinishedAt = &finished
	if reason != "" {
		job.LastError = reason
	}
	*lane = append([]string{job.ID}, *lane...)
	if keep > 0 {
		for len(*lane) > keep {
			oldest := (*lane)[len(*lane)-1]
			*lane = (*lane)[:len(*lane)-1]
			delete(l.jobs, oldest)
		}
	}
}

// dueIDs returns ids whose score is <= now, lowest score first.
func dueIDs(scores map[string]time.Time, now time.Time, limit int) []string {
	type scored struct {
		id string
		at time.Time
	}
	var due []scored
	for id, at := range scores {
		if !at.After(now) {
			due = append(due, scored{id: id, at: at})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, d := range due {
		ids[i] = d.id
	}
	return ids
}

func sortedIDs(scores map[string]time.Time) []string {
	return dueIDs(scores, time.Unix(1<<40, 0), 0)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
