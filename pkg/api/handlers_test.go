package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/vyvo/pagesmith/pkg/pipeline"
	"github.com/vyvo/pagesmith/pkg/registry"
	"github.com/vyvo/pagesmith/pkg/task"
)

const secret = "s3cret"

type storeSubmitter struct {
	store *task.Store
	err   error
	calls int
}

func (f *storeSubmitter) Submit(req task.BuildRequest) (task.State, error) {
	f.calls++
	if f.err != nil {
		return task.State{}, f.err
	}
	return f.store.Admit(req)
}

func newTestServer(t *testing.T, opts Options) (*Server, *storeSubmitter, *registry.Registry) {
	t.Helper()
	store := task.NewStore()
	sub := &storeSubmitter{store: store}
	reg := registry.New()
	if opts.Secret == "" {
		opts.Secret = secret
	}
	opts.Gatherer = prometheus.NewRegistry()
	opts.Logger = zerolog.Nop()
	return New(sub, store, reg, opts), sub, reg
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api-endpoint", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func buildBody(secret, taskID string, round int) string {
	payload := map[string]any{
		"email":          "student@example.com",
		"secret":         secret,
		"task":           taskID,
		"nonce":          "n-1",
		"brief":          "Render a markdown file",
		"checks":         []string{"Has a README"},
		"evaluation_url": "https://eval.example.com/notify",
	}
	if round > 0 {
		payload["round"] = round
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

func TestBuildRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{name: "invalid json", body: "{", want: http.StatusBadRequest},
		{name: "wrong secret", body: buildBody("nope", "md-viewer", 1), want: http.StatusUnauthorized},
		{name: "missing secret", body: buildBody("", "md-viewer", 1), want: http.StatusUnauthorized},
		{name: "missing task", body: buildBody(secret, "", 1), want: http.StatusBadRequest},
		{name: "negative round", body: buildBody(secret, "md-viewer", -1), want: http.StatusBadRequest},
		{name: "unusable task name", body: buildBody(secret, "!!!", 1), want: http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, sub, _ := newTestServer(t, Options{})

			rec := post(t, srv.Handler(), tc.body)

			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
			if sub.calls != 0 {
				t.Fatal("rejected request reached the pipeline")
			}
			if len(srv.store.List()) != 0 {
				t.Fatal("rejected request created task state")
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] == "" {
				t.Fatalf("expected error body, got %q", rec.Body.String())
			}
		})
	}
}

func TestBuildSecretNotConfigured(t *testing.T) {
	store := task.NewStore()
	srv := New(&storeSubmitter{store: store}, store, nil, Options{Gatherer: prometheus.NewRegistry(), Logger: zerolog.Nop()})

	rec := post(t, srv.Handler(), buildBody(secret, "md-viewer", 1))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestBuildAccepted(t *testing.T) {
	srv, sub, _ := newTestServer(t, Options{})

	rec := post(t, srv.Handler(), buildBody(secret, "md-viewer", 0))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp acceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Task != "md-viewer" || resp.Round != 1 || resp.Status != "accepted" || resp.RunID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if sub.calls != 1 {
		t.Fatalf("expected one submission, got %d", sub.calls)
	}
}

func TestBuildDuplicateInFlight(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	h := srv.Handler()

	if rec := post(t, h, buildBody(secret, "md-viewer", 1)); rec.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := post(t, h, buildBody(secret, "md-viewer", 1))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second status = %d, want 409", rec.Code)
	}
}

func TestBuildSaturated(t *testing.T) {
	srv, sub, _ := newTestServer(t, Options{})
	sub.err = pipeline.ErrSaturated

	rec := post(t, srv.Handler(), buildBody(secret, "md-viewer", 1))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestBuildRateLimited(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{RateLimit: 1})
	h := srv.Handler()

	if rec := post(t, h, buildBody(secret, "first", 1)); rec.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec := post(t, h, buildBody(secret, "second", 1)); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
}

func TestGetTask(t *testing.T) {
	srv, _, reg := newTestServer(t, Options{})
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/md-viewer", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	if r := post(t, h, buildBody(secret, "md-viewer", 1)); r.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d", r.Code)
	}
	reg.Set(registry.HostingRecord{TaskID: "md-viewer", HostingURL: "https://octo.github.io/md-viewer/", Enabled: true, Round: 1})

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/md-viewer", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp taskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Task.TaskID != "md-viewer" || resp.Task.Status != task.StatusPending {
		t.Fatalf("unexpected state %+v", resp.Task)
	}
	if resp.Hosting == nil || resp.Hosting.HostingURL != "https://octo.github.io/md-viewer/" {
		t.Fatalf("unexpected hosting %+v", resp.Hosting)
	}
}

func TestProbes(t *testing.T) {
	srv, _, _ := newTestServer(t, Options{})
	h := srv.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}

	srv.Drain()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining /readyz status = %d, want 503", rec.Code)
	}
}
