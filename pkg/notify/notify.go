// Package notify reports pipeline outcomes to the evaluator's callback URL.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyvo/pagesmith/pkg/retry"
)

var (
	// ErrNoCallback is returned when the request carried no evaluation URL.
	ErrNoCallback = errors.New("no callback url")
	// ErrDeliveryFailed is returned once every delivery attempt has failed.
	ErrDeliveryFailed = errors.New("notification delivery failed")
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Notification is the JSON body posted to the callback.
type Notification struct {
	Email     string `json:"email"`
	Task      string `json:"task"`
	Round     int    `json:"round"`
	Nonce     string `json:"nonce"`
	Status    string `json:"status"`
	RepoURL   string `json:"repo_url,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	PagesURL  string `json:"pages_url,omitempty"`
	Ready     bool   `json:"ready"`
	Message   string `json:"message,omitempty"`
}

// DeadLetterSink keeps notifications that could not be delivered so an operator can
// resend them. Save returns the stored letter's id.
type DeadLetterSink interface {
	Save(ctx context.Context, callbackURL string, n Notification, cause error) (string, error)
}

type Notifier struct {
	client *http.Client
	policy retry.Policy
	sink   DeadLetterSink
	logger zerolog.Logger
}

// Options tunes a Notifier. A nil Sink drops undeliverable notifications after
// logging them.
type Options struct {
	Policy  retry.Policy
	Timeout time.Duration
	Sink    DeadLetterSink
	Logger  zerolog.Logger
}

func New(opts Options) *Notifier {
	policy := opts.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.Default.WithAttempts(5)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Notifier{
		client: &http.Client{Timeout: timeout},
		policy: policy,
		sink:   opts.Sink,
		logger: opts.Logger,
	}
}

// Notify posts n to callbackURL with bounded retries. Exhausted deliveries go to the
// dead-letter sink, if any, and return ErrDeliveryFailed.
func (n *Notifier) Notify(ctx context.Context, callbackURL string, note Notification) error {
	logger := n.logger.With().Str("task", note.Task).Int("round", note.Round).Str("status", note.Status).Logger()

	callbackURL = strings.TrimSpace(callbackURL)
	if callbackURL == "" {
		logger.Warn().Msg("no evaluation url, skipping notification")
		return ErrNoCallback
	}

	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attempts := 0
	err = n.policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		return n.post(ctx, callbackURL, body)
	})
	if err == nil {
		logger.Info().Int("attempts", attempts).Msg("notification delivered")
		return nil
	}

	logger.Error().Err(err).Int("attempts", attempts).Msg("notification not delivered")
	if n.sink != nil {
		// The caller's context may already be done; the letter must still be written.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		id, saveErr := n.sink.Save(saveCtx, callbackURL, note, err)
		if saveErr != nil {
			logger.Error().Err(saveErr).Msg("store dead letter")
		} else {
			logger.Warn().Str("dead_letter", id).Msg("notification stored for manual resend")
		}
	}
	return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
}

// Send performs a single delivery attempt without retries or dead-lettering.
func (n *Notifier) Send(ctx context.Context, callbackURL string, note Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return n.post(ctx, callbackURL, body)
}

func (n *Notifier) post(ctx context.Context, callbackURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return retry.Transient(fmt.Errorf("post callback: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("callback returned %d", resp.StatusCode)
	if retry.StatusTransient(resp.StatusCode) {
		return retry.Transient(err)
	}
	return err
}
