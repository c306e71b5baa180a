package task

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vyvo/pagesmith/pkg/hosting"
)

var (
	// ErrTaskRunning is returned by Admit while a pipeline owns the task.
	ErrTaskRunning = errors.New("task is already in progress")
	// ErrNotFound is returned for unknown task identifiers.
	ErrNotFound = errors.New("task not found")
)

type record struct {
	state State
	prev  *State
}

// Store tracks task state in memory and doubles as the deduplicator: a single mutex
// serialises admissions so that only one pipeline per repository is ever in flight.
// Task identifiers that map to the same repository share one record. State lives for
// the process lifetime only.
type Store struct {
	mu    sync.Mutex
	items map[string]*record
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{
		items: make(map[string]*record),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Admit claims the task for a new pipeline run. Requests for a task that is pending
// or running are rejected with ErrTaskRunning regardless of round.
func (s *Store) Admit(req BuildRequest) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.items[key(req.Task)]
	if ok && rec.state.Status.InFlight() {
		return rec.state, ErrTaskRunning
	}

	next := State{
		TaskID:    req.Task,
		Status:    StatusPending,
		Round:     req.Round,
		Nonce:     req.Nonce,
		RunID:     uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if ok {
		prev := rec.state
		next.CreatedAt = prev.CreatedAt
		next.HostingURL = prev.HostingURL
		rec.prev = &prev
		rec.state = next
		return next, nil
	}

	s.items[key(req.Task)] = &record{state: next}
	return next, nil
}

// Release undoes an admission whose pipeline never started, restoring the previous
// terminal state or forgetting a task that had none.
func (s *Store) Release(taskID, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[key(taskID)]
	if !ok || rec.state.RunID != runID || rec.state.Status != StatusPending {
		return
	}
	if rec.prev == nil {
		delete(s.items, key(taskID))
		return
	}
	rec.state = *rec.prev
	rec.prev = nil
}

// MarkRunning moves a pending run to running. It returns false if runID no longer
// owns the task.
func (s *Store) MarkRunning(taskID, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[key(taskID)]
	if !ok || rec.state.RunID != runID || rec.state.Status != StatusPending {
		return false
	}
	rec.state.Status = StatusRunning
	rec.state.UpdatedAt = s.now()
	return true
}

// Finish records the terminal outcome of runID and releases the task for later rounds.
func (s *Store) Finish(taskID, runID string, res Result) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[key(taskID)]
	if !ok || rec.state.RunID != runID {
		return State{}, ErrNotFound
	}
	if !rec.state.Status.InFlight() {
		return rec.state, nil
	}

	status := res.Status
	if status != StatusSucceeded {
		status = StatusFailed
	}

	now := s.now()
	rec.state.Status = status
	rec.state.Error = res.Error
	rec.state.Ready = res.Ready
	if res.HostingURL != "" {
		rec.state.HostingURL = res.HostingURL
	}
	rec.state.UpdatedAt = now
	rec.state.FinishedAt = now
	rec.prev = nil
	return rec.state, nil
}

func (s *Store) Get(taskID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[key(taskID)]
	if !ok {
		return State{}, ErrNotFound
	}
	return rec.state, nil
}

// List returns every known task, most recently updated first.
func (s *Store) List() []State {
	s.mu.Lock()
	result := make([]State, 0, len(s.items))
	for _, rec := range s.items {
		result = append(result, rec.state)
	}
	s.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result
}

// InFlight counts tasks that currently own a pipeline.
func (s *Store) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.items {
		if rec.state.Status.InFlight() {
			n++
		}
	}
	return n
}

// key maps a task identifier to the repository it publishes to.
func key(taskID string) string {
	if k := hosting.RepoKey(taskID); k != "" {
		return k
	}
	return strings.TrimSpace(taskID)
}
