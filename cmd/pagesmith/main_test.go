package main

import (
	"strings"
	"testing"
	"time"

	"github.com/vyvo/pagesmith/pkg/config"
	"github.com/vyvo/pagesmith/pkg/generator"
	"github.com/vyvo/pagesmith/pkg/retry"
)

func TestBasePolicy(t *testing.T) {
	p := basePolicy(config.RetryConfig{BaseDelay: 2 * time.Second, JitterPercent: 5})
	if p.BaseDelay != 2*time.Second || p.MaxDelay != retry.Default.MaxDelay || p.JitterPercent != 5 {
		t.Fatalf("unexpected policy %+v", p)
	}
	if p.MaxAttempts != retry.Default.MaxAttempts {
		t.Fatalf("MaxAttempts = %d", p.MaxAttempts)
	}
}

func TestNotifyBudgetCoversEveryAttempt(t *testing.T) {
	policy := retry.Policy{MaxDelay: 30 * time.Second}

	got := notifyBudget(config.NotifyConfig{Attempts: 10, Timeout: 20 * time.Second}, policy)
	if want := 10 * (20*time.Second + 30*time.Second); got != want {
		t.Fatalf("notifyBudget() = %v, want %v", got, want)
	}
	if got <= 2*time.Minute {
		t.Fatalf("budget %v would cut attempts short", got)
	}

	if got := notifyBudget(config.NotifyConfig{}, policy); got != 45*time.Second {
		t.Fatalf("notifyBudget() with zero config = %v", got)
	}
}

func TestNewBackend(t *testing.T) {
	b, err := newBackend(config.GeneratorConfig{Provider: "openai", BaseURL: "http://localhost", APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("openai backend: %v", err)
	}
	if _, ok := b.(*generator.OpenAIClient); !ok || b.Model() != "m" {
		t.Fatalf("unexpected backend %T", b)
	}

	b, err = newBackend(config.GeneratorConfig{Provider: "ollama", BaseURL: "http://localhost:11434", Model: "llama3"})
	if err != nil {
		t.Fatalf("ollama backend: %v", err)
	}
	if _, ok := b.(*generator.OllamaClient); !ok {
		t.Fatalf("unexpected backend %T", b)
	}

	if _, err := newBackend(config.GeneratorConfig{Provider: "bard"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand()
	for _, path := range [][]string{{"serve"}, {"submit"}, {"status"}, {"deadletters", "list"}, {"deadletters", "resend"}, {"history"}} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Fatalf("command %v not found: %v", path, err)
		}
	}
}

func TestReadRequestFromStdin(t *testing.T) {
	req, err := readRequest(strings.NewReader(`{"task":"site","round":2,"brief":"b"}`), "-")
	if err != nil {
		t.Fatalf("readRequest() error = %v", err)
	}
	if req.Task != "site" || req.Round != 2 || req.Brief != "b" {
		t.Fatalf("unexpected request %+v", req)
	}
	if _, err := readRequest(strings.NewReader("{"), "-"); err == nil {
		t.Fatal("expected decode error")
	}
}
