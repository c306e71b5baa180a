package task

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func request(id string, round int) BuildRequest {
	return BuildRequest{Task: id, Round: round, Brief: "make a page", Nonce: "n-" + id}
}

// ---------------------------------------------------------------------------
// Admission
// ---------------------------------------------------------------------------

func TestAdmitCreatesPendingState(t *testing.T) {
	s := NewStore()
	st, err := s.Admit(request("t1", 1))
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if st.Status != StatusPending || st.Round != 1 || st.RunID == "" {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestAdmitRejectsInFlightRegardlessOfRound(t *testing.T) {
	s := NewStore()
	first, _ := s.Admit(request("t1", 1))

	if _, err := s.Admit(request("t1", 2)); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("expected ErrTaskRunning while pending, got %v", err)
	}

	s.MarkRunning("t1", first.RunID)
	if _, err := s.Admit(request("t1", 1)); !errors.Is(err, ErrTaskRunning) {
		t.Fatalf("expected ErrTaskRunning while running, got %v", err)
	}
}

func TestAdmitAfterFinishStartsNewRun(t *testing.T) {
	s := NewStore()
	first, _ := s.Admit(request("t1", 1))
	s.MarkRunning("t1", first.RunID)
	if _, err := s.Finish("t1", first.RunID, Result{Status: StatusSucceeded, HostingURL: "https://o.github.io/t1/"}); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	second, err := s.Admit(request("t1", 2))
	if err != nil {
		t.Fatalf("round 2 should be admitted after success, got %v", err)
	}
	if second.RunID == first.RunID {
		t.Fatal("expected a fresh run id")
	}
	if second.HostingURL != "https://o.github.io/t1/" {
		t.Fatalf("hosting url should carry over, got %q", second.HostingURL)
	}
	if second.Round != 2 || second.Status != StatusPending {
		t.Fatalf("unexpected state %+v", second)
	}
}

func TestConcurrentAdmissionSingleWinner(t *testing.T) {
	s := NewStore()
	const attempts = 64

	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(round int) {
			defer wg.Done()
			if _, err := s.Admit(request("same", round)); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrTaskRunning) {
				t.Errorf("unexpected error %v", err)
			}
		}(i%3 + 1)
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one admission, got %d", got)
	}
	if s.InFlight() != 1 {
		t.Fatalf("expected one in-flight task, got %d", s.InFlight())
	}
}

func TestConcurrentAdmissionDistinctTasks(t *testing.T) {
	s := NewStore()
	const tasks = 32

	var wg sync.WaitGroup
	wg.Add(tasks)
	for i := 0; i < tasks; i++ {
		go func(i int) {
			defer wg.Done()
			if _, err := s.Admit(request(fmt.Sprintf("task-%d", i), 1)); err != nil {
				t.Errorf("admit task-%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if len(s.List()) != tasks {
		t.Fatalf("expected %d tasks, got %d", tasks, len(s.List()))
	}
}

func TestConcurrentAdmissionSameRepository(t *testing.T) {
	s := NewStore()
	ids := []string{"weather app", "weather/app", "Weather-App", "WEATHER APP"}

	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(len(ids))
	for _, id := range ids {
		go func(id string) {
			defer wg.Done()
			if _, err := s.Admit(request(id, 1)); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrTaskRunning) {
				t.Errorf("unexpected error %v", err)
			}
		}(id)
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("ids sharing a repository must be admitted once, got %d", got)
	}
	if s.InFlight() != 1 {
		t.Fatalf("expected one in-flight task, got %d", s.InFlight())
	}
	for _, id := range ids {
		if _, err := s.Get(id); err != nil {
			t.Fatalf("Get(%q) error = %v", id, err)
		}
	}
}

func TestFinishReleasesRepositoryForOtherSpelling(t *testing.T) {
	s := NewStore()
	st, err := s.Admit(request("weather app", 1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Finish("weather app", st.RunID, Result{Status: StatusSucceeded}); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if _, err := s.Admit(request("Weather-App", 2)); err != nil {
		t.Fatalf("Admit() after finish error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func TestMarkRunningOnlyFromPending(t *testing.T) {
	s := NewStore()
	st, _ := s.Admit(request("t1", 1))

	if !s.MarkRunning("t1", st.RunID) {
		t.Fatal("MarkRunning should succeed from pending")
	}
	if s.MarkRunning("t1", st.RunID) {
		t.Fatal("MarkRunning should fail from running")
	}
	if s.MarkRunning("t1", "other-run") {
		t.Fatal("MarkRunning should fail for a foreign run id")
	}
}

func TestFinishFailureRecordsError(t *testing.T) {
	s := NewStore()
	st, _ := s.Admit(request("t1", 2))
	s.MarkRunning("t1", st.RunID)

	got, err := s.Finish("t1", st.RunID, Result{Status: StatusFailed, Error: "repository not found"})
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if got.Status != StatusFailed || got.Error != "repository not found" || got.FinishedAt.IsZero() {
		t.Fatalf("unexpected state %+v", got)
	}
}

func TestFinishUnknownRun(t *testing.T) {
	s := NewStore()
	if _, err := s.Finish("missing", "r", Result{Status: StatusSucceeded}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseForgetsFreshAdmission(t *testing.T) {
	s := NewStore()
	st, _ := s.Admit(request("t1", 1))
	s.Release("t1", st.RunID)

	if _, err := s.Get("t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected task to be forgotten, got %v", err)
	}
}

func TestReleaseRestoresPreviousState(t *testing.T) {
	s := NewStore()
	first, _ := s.Admit(request("t1", 1))
	s.MarkRunning("t1", first.RunID)
	s.Finish("t1", first.RunID, Result{Status: StatusSucceeded})

	second, _ := s.Admit(request("t1", 2))
	s.Release("t1", second.RunID)

	got, err := s.Get("t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusSucceeded || got.RunID != first.RunID || got.Round != 1 {
		t.Fatalf("expected previous state restored, got %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Request validation
// ---------------------------------------------------------------------------

func TestBuildRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     BuildRequest
		wantErr bool
	}{
		{name: "minimal", req: BuildRequest{Task: "t", Brief: "b"}},
		{name: "missing task", req: BuildRequest{Brief: "b"}, wantErr: true},
		{name: "missing brief", req: BuildRequest{Task: "t"}, wantErr: true},
		{name: "negative round", req: BuildRequest{Task: "t", Brief: "b", Round: -1}, wantErr: true},
		{name: "relative callback", req: BuildRequest{Task: "t", Brief: "b", EvaluationURL: "/cb"}, wantErr: true},
		{name: "https callback", req: BuildRequest{Task: "t", Brief: "b", EvaluationURL: "https://eval.example/cb"}},
		{name: "unnamed attachment", req: BuildRequest{Task: "t", Brief: "b", Attachments: []Attachment{{URL: "data:,x"}}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Normalize()
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeDefaultsRound(t *testing.T) {
	req := BuildRequest{Task: "  t1 "}
	req.Normalize()
	if req.Round != 1 || req.Task != "t1" {
		t.Fatalf("unexpected normalized request %+v", req)
	}
	if req.IsRevision() {
		t.Fatal("round 1 is not a revision")
	}
}
