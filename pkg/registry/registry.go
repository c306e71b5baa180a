package registry

import (
    "sync"
    "time"
)

// HostingRecord describes where a task's application is published.
type HostingRecord struct {
    TaskID     string    `json:"task"`
    Repository string    `json:"repository"`
    RepoURL    string    `json:"repo_url"`
    HostingURL string    `json:"pages_url"`
    Enabled    bool      `json:"enabled"`
    Ready      bool      `json:"ready"`
    Round      int       `json:"round"`
    CommitSHA  string    `json:"commit_sha,omitempty"`
    UpdatedAt  time.Time `json:"updated_at"`
}

// Registry keeps one hosting record per task identifier. Records are never deleted.
type Registry struct {
    mu      sync.RWMutex
    entries map[string]HostingRecord
}

// New returns an empty registry.
func New() *Registry {
    return &Registry{entries: map[string]HostingRecord{}}
}

// Set stores or replaces the record for rec.TaskID.
func (r *Registry) Set(rec HostingRecord) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.entries[rec.TaskID] = rec
}

// Get retrieves a record by task identifier and a boolean indicating its presence.
func (r *Registry) Get(taskID string) (HostingRecord, bool) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    rec, ok := r.entries[taskID]
    return rec, ok
}

// SetReady updates the last observed readiness for a task, if it has a record.
func (r *Registry) SetReady(taskID string, ready bool) {
    r.mu.Lock()
    defer r.mu.Unlock()
    rec, ok := r.entries[taskID]
    if !ok {
        return
    }
    rec.Ready = ready
    rec.UpdatedAt = time.Now().UTC()
    r.entries[taskID] = rec
}

// Len reports how many tasks have been published.
func (r *Registry) Len() int {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return len(r.entries)
}
