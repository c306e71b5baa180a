// Package client talks to a running pagesmith server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyvo/pagesmith/pkg/registry"
	"github.com/vyvo/pagesmith/pkg/task"
)

var (
	ErrNotFound     = errors.New("task not found")
	ErrUnauthorized = errors.New("secret rejected")
	ErrTaskRunning  = errors.New("task is already in progress")
	ErrSaturated    = errors.New("server is saturated")
)

// Client submits build requests and reads task status.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client with a 15s request timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Accepted is the server's reply to an admitted build request.
type Accepted struct {
	Task   string `json:"task"`
	Round  int    `json:"round"`
	Status string `json:"status"`
	RunID  string `json:"run_id"`
}

// TaskStatus is the server's view of one task.
type TaskStatus struct {
	Task    task.State              `json:"task"`
	Hosting *registry.HostingRecord `json:"hosting,omitempty"`
}

// Submit posts req to /api-endpoint.
func (c *Client) Submit(ctx context.Context, req task.BuildRequest) (Accepted, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Accepted{}, fmt.Errorf("marshal build request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api-endpoint", bytes.NewReader(body))
	if err != nil {
		return Accepted{}, fmt.Errorf("create submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Accepted{}, fmt.Errorf("submit build: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
	case http.StatusUnauthorized:
		return Accepted{}, fmt.Errorf("%w: %s", ErrUnauthorized, errorMessage(resp.Body))
	case http.StatusConflict:
		return Accepted{}, ErrTaskRunning
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return Accepted{}, ErrSaturated
	default:
		return Accepted{}, fmt.Errorf("submit build failed (%d): %s", resp.StatusCode, errorMessage(resp.Body))
	}

	var out Accepted
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Accepted{}, fmt.Errorf("decode submit response: %w", err)
	}
	return out, nil
}

// Task fetches the state of taskID.
func (c *Client) Task(ctx context.Context, taskID string) (TaskStatus, error) {
	endpoint := fmt.Sprintf("%s/tasks/%s", c.baseURL, url.PathEscape(taskID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("create task request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("get task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return TaskStatus{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return TaskStatus{}, fmt.Errorf("get task failed (%d): %s", resp.StatusCode, errorMessage(resp.Body))
	}

	var status TaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return TaskStatus{}, fmt.Errorf("decode task status: %w", err)
	}
	return status, nil
}

// Wait polls taskID every interval until runID is no longer in flight.
func (c *Client) Wait(ctx context.Context, taskID, runID string, interval time.Duration) (TaskStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Task(ctx, taskID)
		if err != nil {
			return TaskStatus{}, err
		}
		if status.Task.RunID != runID {
			return status, fmt.Errorf("run %s was replaced by %s", runID, status.Task.RunID)
		}
		if !status.Task.Status.InFlight() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func errorMessage(r io.Reader) string {
	payload, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(payload, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(payload))
}
