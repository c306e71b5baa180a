package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmorganca/ollama/api"

	"github.com/vyvo/pagesmith/pkg/retry"
)

// OllamaClient generates with a model served by an Ollama instance.
type OllamaClient struct {
	client *api.Client
	model  string
}

var _ Backend = (*OllamaClient)(nil)

func NewOllamaClient(baseURL, model string, timeout time.Duration) (*OllamaClient, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OllamaClient{
		client: api.NewClient(u, &http.Client{Timeout: timeout}),
		model:  model,
	}, nil
}

func (c *OllamaClient) Model() string { return c.model }

// Complete runs a non-streaming chat and returns the assistant message.
func (c *OllamaClient) Complete(ctx context.Context, system, user string) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream: &stream,
	}

	var b strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		b.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			if retry.StatusTransient(statusErr.StatusCode) {
				return "", retry.Transient(err)
			}
			return "", fmt.Errorf("ollama chat: %w", err)
		}
		return "", retry.Transient(fmt.Errorf("ollama chat: %w", err))
	}

	return b.String(), nil
}
