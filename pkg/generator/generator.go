package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vyvo/pagesmith/pkg/retry"
	"github.com/vyvo/pagesmith/pkg/task"
)

// ErrInvalidDocument is returned when the model output is not a complete HTML document.
var ErrInvalidDocument = errors.New("generated output is not a complete HTML document")

// Backend sends one prompt to a language model and returns the raw reply.
// Retryable failures must be marked with retry.Transient.
type Backend interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Model() string
}

// Input is everything the prompt is built from.
type Input struct {
	Brief       string
	Checks      []string
	Attachments []task.Attachment
	Round       int
	// Prior is the currently published index.html; only used for revisions.
	Prior string
}

// Artifact is the generated single-page application.
type Artifact struct {
	HTML  string
	Model string
	Round int
}

// Error is a GenerationError. Transient errors were retried until the budget ran out.
type Error struct {
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("generation failed (%s): %v", kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Adapter wraps a Backend with prompt construction, retries and output validation.
type Adapter struct {
	backend Backend
	policy  retry.Policy
}

func NewAdapter(backend Backend, policy retry.Policy) *Adapter {
	return &Adapter{backend: backend, policy: policy}
}

// Generate produces a complete HTML document for in.
func (a *Adapter) Generate(ctx context.Context, in Input) (Artifact, error) {
	system := SystemPrompt
	user := BuildPrompt(in)

	var html string
	err := a.policy.Do(ctx, func(ctx context.Context) error {
		reply, err := a.backend.Complete(ctx, system, user)
		if err != nil {
			return err
		}
		html, err = Sanitize(reply)
		return err
	})
	if err != nil {
		return Artifact{}, &Error{Transient: retry.IsTransient(err), Err: err}
	}

	round := in.Round
	if round < 1 {
		round = 1
	}
	return Artifact{HTML: html, Model: a.backend.Model(), Round: round}, nil
}

const SystemPrompt = `You are an expert front-end developer. You write complete, self-contained
single-page web applications in one index.html file. Inline all CSS and JavaScript;
load third-party libraries only from public CDNs. The page must work when served as a
static file from GitHub Pages. Reply with the HTML document only, starting with
<!DOCTYPE html> and ending with </html>. Do not add explanations.`

// BuildPrompt renders the user prompt. Revisions embed the prior document so the model
// edits it rather than starting over.
func BuildPrompt(in Input) string {
	var b strings.Builder

	if in.Round >= 2 && strings.TrimSpace(in.Prior) != "" {
		fmt.Fprintf(&b, "This is revision round %d of an existing application.\n", in.Round)
		b.WriteString("Modify the current index.html below to satisfy the change request. ")
		b.WriteString("Keep existing behaviour unless the request changes it.\n\n")
		b.WriteString("Current index.html:\n```html\n")
		b.WriteString(strings.TrimSpace(in.Prior))
		b.WriteString("\n```\n\nChange request:\n")
	} else {
		b.WriteString("Build a single-page web application for this brief:\n")
	}
	b.WriteString(strings.TrimSpace(in.Brief))
	b.WriteString("\n")

	if len(in.Checks) > 0 {
		b.WriteString("\nThe result will be evaluated against these checks:\n")
		for i, c := range in.Checks {
			fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(c))
		}
	}

	if len(in.Attachments) > 0 {
		b.WriteString("\nAttachments (reference them by URL; data URIs may be embedded directly):\n")
		for _, a := range in.Attachments {
			fmt.Fprintf(&b, "- %s: %s\n", a.Name, truncate(a.URL, 2048))
		}
	}

	return b.String()
}

// Sanitize extracts the HTML document from a model reply and checks that it is
// complete. Markdown fences and prose outside the document are dropped; fences
// inside it are page content and are kept.
func Sanitize(reply string) (string, error) {
	out := strings.TrimSpace(reply)
	lower := strings.ToLower(out)

	start := strings.Index(lower, "<!doctype html")
	if start < 0 {
		start = strings.Index(lower, "<html")
	}
	end := strings.LastIndex(lower, "</html>")
	if start < 0 || end < start {
		return "", ErrInvalidDocument
	}

	return out[start : end+len("</html>")], nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
