package task

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// InFlight reports whether a pipeline currently owns the task.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusRunning
}

// Attachment is a named file reference supplied with a brief.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// BuildRequest captures the payload posted by the evaluator for a build or revision.
type BuildRequest struct {
	Email         string       `json:"email"`
	Secret        string       `json:"secret"`
	Task          string       `json:"task"`
	Round         int          `json:"round"`
	Nonce         string       `json:"nonce"`
	Brief         string       `json:"brief"`
	Checks        []string     `json:"checks"`
	EvaluationURL string       `json:"evaluation_url"`
	Attachments   []Attachment `json:"attachments,omitempty"`
}

// IsRevision reports whether the request modifies an existing deployment.
func (r BuildRequest) IsRevision() bool {
	return r.Round >= 2
}

// Normalize applies defaults in place. A missing round means round 1.
func (r *BuildRequest) Normalize() {
	r.Task = strings.TrimSpace(r.Task)
	r.EvaluationURL = strings.TrimSpace(r.EvaluationURL)
	if r.Round == 0 {
		r.Round = 1
	}
}

// Validate checks required fields. It does not check the secret.
func (r BuildRequest) Validate() error {
	var errs []error
	if r.Task == "" {
		errs = append(errs, errors.New("task is required"))
	}
	if strings.TrimSpace(r.Brief) == "" {
		errs = append(errs, errors.New("brief is required"))
	}
	if r.Round < 1 {
		errs = append(errs, fmt.Errorf("round must be >= 1, got %d", r.Round))
	}
	if r.EvaluationURL != "" {
		u, err := url.Parse(r.EvaluationURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, errors.New("evaluation_url must be an absolute http(s) URL"))
		}
	}
	for i, a := range r.Attachments {
		if strings.TrimSpace(a.Name) == "" {
			errs = append(errs, fmt.Errorf("attachments[%d].name is required", i))
		}
	}
	return errors.Join(errs...)
}

// State is the per-task record kept by the Store.
type State struct {
	TaskID     string    `json:"task"`
	Status     Status    `json:"status"`
	Round      int       `json:"round"`
	Nonce      string    `json:"nonce,omitempty"`
	RunID      string    `json:"run_id"`
	HostingURL string    `json:"hosting_url,omitempty"`
	Ready      bool      `json:"ready"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Result is what a finished pipeline reports back to the Store.
type Result struct {
	Status     Status
	HostingURL string
	Ready      bool
	Error      string
}
