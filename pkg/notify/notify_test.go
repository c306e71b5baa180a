package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyvo/pagesmith/pkg/retry"
)

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type memorySink struct {
	mu      sync.Mutex
	letters []Notification
	urls    []string
}

func (s *memorySink) Save(_ context.Context, callbackURL string, n Notification, _ error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, n)
	s.urls = append(s.urls, callbackURL)
	return "dl-1", nil
}

func sample() Notification {
	return Notification{
		Email:     "student@example.com",
		Task:      "captcha-solver-a1b2",
		Round:     1,
		Nonce:     "ab12",
		Status:    StatusSuccess,
		RepoURL:   "https://github.com/octo/captcha-solver-a1b2",
		CommitSHA: "abc123",
		PagesURL:  "https://octo.github.io/captcha-solver-a1b2/",
		Ready:     true,
	}
}

func TestNotifyDelivers(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(Options{Policy: fastPolicy, Logger: zerolog.Nop()})
	if err := n.Notify(context.Background(), srv.URL, sample()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if got != sample() {
		t.Fatalf("callback received %+v", got)
	}
}

func TestNotifyRetriesTransient(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := New(Options{Policy: fastPolicy, Logger: zerolog.Nop()})
	if err := n.Notify(context.Background(), srv.URL, sample()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestNotifyAttemptsBounded(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := &memorySink{}
	n := New(Options{Policy: fastPolicy, Sink: sink, Logger: zerolog.Nop()})
	err := n.Notify(context.Background(), srv.URL, sample())

	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if int(hits.Load()) != fastPolicy.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", fastPolicy.MaxAttempts, hits.Load())
	}
	if len(sink.letters) != 1 || sink.urls[0] != srv.URL || sink.letters[0].Task != "captcha-solver-a1b2" {
		t.Fatalf("expected one dead letter, got %+v", sink.letters)
	}
}

func TestNotifyTerminalStatusNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := New(Options{Policy: fastPolicy, Logger: zerolog.Nop()})
	if err := n.Notify(context.Background(), srv.URL, sample()); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", hits.Load())
	}
}

func TestNotifyNoCallback(t *testing.T) {
	sink := &memorySink{}
	n := New(Options{Policy: fastPolicy, Sink: sink, Logger: zerolog.Nop()})
	if err := n.Notify(context.Background(), "  ", sample()); !errors.Is(err, ErrNoCallback) {
		t.Fatalf("expected ErrNoCallback, got %v", err)
	}
	if len(sink.letters) != 0 {
		t.Fatal("missing callback must not be dead-lettered")
	}
}

func TestNotificationJSONFieldNames(t *testing.T) {
	raw, err := json.Marshal(sample())
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"email", "task", "round", "nonce", "status", "repo_url", "commit_sha", "pages_url", "ready"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("payload missing %q: %s", key, raw)
		}
	}
}
