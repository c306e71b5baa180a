package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setup("debug", "json", &buf)
	logger.Debug().Str("task", "t1").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if entry["task"] != "t1" || entry["message"] != "hello" {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if entry["service"] != "pagesmith" {
		t.Fatalf("missing service field: %#v", entry)
	}
}

func TestSetupUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	setup("loud", "json", &buf)
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", zerolog.GlobalLevel())
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setup("info", "json", &buf)

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode access log: %v", err)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected status field %#v", entry["status"])
	}
	if entry["path"] != "/healthz" {
		t.Fatalf("unexpected path field %#v", entry["path"])
	}
}
