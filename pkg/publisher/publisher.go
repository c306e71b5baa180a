// Package publisher turns a generated artifact into a published repository: it
// creates or locates the repository, writes index.html, README.md and LICENSE, and
// turns on static hosting.
package publisher

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyvo/pagesmith/pkg/generator"
	"github.com/vyvo/pagesmith/pkg/hosting"
	"github.com/vyvo/pagesmith/pkg/registry"
	"github.com/vyvo/pagesmith/pkg/retry"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const (
	StepLocate           = "locate"
	StepCreateRepository = "create_repository"
	StepEnablePages      = "enable_pages"
	StepHeadCommit       = "head_commit"

	indexPath   = "index.html"
	readmePath  = "README.md"
	licensePath = "LICENSE"
)

// StepWriteFile names the step that writes path.
func StepWriteFile(path string) string { return "write_file:" + path }

// StepReadFile names the step that reads path.
func StepReadFile(path string) string { return "read_file:" + path }

// PublishError reports which publish step failed.
type PublishError struct {
	Step string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Step, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Input is one round's publish request.
type Input struct {
	TaskID   string
	Round    int
	Brief    string
	Checks   []string
	Artifact generator.Artifact
}

// Result describes the repository after a successful publish.
type Result struct {
	Repository string
	RepoURL    string
	HostingURL string
	CommitSHA  string
	Created    bool
	README     string
	License    string
}

// Options tunes a Publisher.
type Options struct {
	// Holder is the copyright holder named in LICENSE. Defaults to the repository owner.
	Holder string
	Policy retry.Policy
	Logger zerolog.Logger
}

type Publisher struct {
	provider  hosting.Provider
	registry  *registry.Registry
	policy    retry.Policy
	holder    string
	templates *template.Template
	logger    zerolog.Logger
	now       func() time.Time
}

func New(provider hosting.Provider, reg *registry.Registry, opts Options) (*Publisher, error) {
	if provider == nil {
		return nil, errors.New("hosting provider is required")
	}
	if reg == nil {
		reg = registry.New()
	}
	t, err := template.New("publisher").ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	policy := opts.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.Default
	}
	return &Publisher{
		provider:  provider,
		registry:  reg,
		policy:    policy,
		holder:    strings.TrimSpace(opts.Holder),
		templates: t,
		logger:    opts.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Publish writes in.Artifact to the task's repository. Round 1 creates the repository
// (an existing one is updated in place); later rounds require it to exist.
func (p *Publisher) Publish(ctx context.Context, in Input) (Result, error) {
	name := hosting.RepoName(in.TaskID)
	if name == "" {
		return Result{}, &PublishError{Step: StepLocate, Err: fmt.Errorf("task %q yields an empty repository name", in.TaskID)}
	}
	logger := p.logger.With().Str("task", in.TaskID).Int("round", in.Round).Str("repository", name).Logger()

	var (
		repo    hosting.Repository
		created bool
	)
	if in.Round <= 1 {
		err := p.step(ctx, StepCreateRepository, func(ctx context.Context) error {
			r, err := p.provider.CreateRepository(ctx, name, description(in))
			if errors.Is(err, hosting.ErrAlreadyExists) {
				logger.Info().Msg("repository already exists, updating in place")
				repo, created = r, false
				return nil
			}
			if err != nil {
				return err
			}
			repo, created = r, true
			return nil
		})
		if err != nil {
			return Result{}, err
		}
	} else {
		r, err := p.locate(ctx, name)
		if err != nil {
			return Result{}, err
		}
		repo = r
	}

	pagesURL := hosting.PagesURL(repo.Owner, repo.Name)
	readme, err := p.render("readme.md.tmpl", readmeData{
		Name:       repo.Name,
		TaskID:     in.TaskID,
		Brief:      strings.TrimSpace(in.Brief),
		Checks:     in.Checks,
		Round:      in.Round,
		Revision:   in.Round >= 2,
		HostingURL: pagesURL,
		Model:      in.Artifact.Model,
		Branch:     branch(repo),
	})
	if err != nil {
		return Result{}, &PublishError{Step: StepWriteFile(readmePath), Err: err}
	}
	holder := p.holder
	if holder == "" {
		holder = repo.Owner
	}
	license, err := p.render("license.tmpl", licenseData{Year: p.now().Year(), Holder: holder})
	if err != nil {
		return Result{}, &PublishError{Step: StepWriteFile(licensePath), Err: err}
	}

	files := []struct {
		path    string
		content string
		message string
	}{
		{indexPath, in.Artifact.HTML, fmt.Sprintf("Round %d: update application", in.Round)},
		{readmePath, readme, fmt.Sprintf("Round %d: update README", in.Round)},
		{licensePath, license, "Add MIT license"},
	}

	var commit string
	for _, f := range files {
		if in.Round >= 2 && f.path == licensePath {
			// Revisions never touch an existing LICENSE.
			exists, err := p.fileExists(ctx, repo, licensePath)
			if err != nil {
				return Result{}, err
			}
			if exists {
				continue
			}
		}
		err := p.step(ctx, StepWriteFile(f.path), func(ctx context.Context) error {
			sha, err := p.provider.PutFile(ctx, repo, f.path, []byte(f.content), f.message)
			if err != nil {
				return err
			}
			if sha != "" {
				commit = sha
			}
			return nil
		})
		if err != nil {
			return Result{}, err
		}
	}

	if commit == "" {
		err := p.step(ctx, StepHeadCommit, func(ctx context.Context) error {
			sha, err := p.provider.HeadCommit(ctx, repo)
			commit = sha
			return err
		})
		if err != nil {
			return Result{}, err
		}
		logger.Debug().Str("commit", commit).Msg("content unchanged, reusing head commit")
	}

	err = p.step(ctx, StepEnablePages, func(ctx context.Context) error {
		u, err := p.provider.EnablePages(ctx, repo)
		if err != nil {
			return err
		}
		if u != "" {
			pagesURL = u
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Repository: fullName(repo),
		RepoURL:    repoURL(repo),
		HostingURL: pagesURL,
		CommitSHA:  commit,
		Created:    created,
		README:     readme,
		License:    license,
	}

	p.registry.Set(registry.HostingRecord{
		TaskID:     in.TaskID,
		Repository: res.Repository,
		RepoURL:    res.RepoURL,
		HostingURL: res.HostingURL,
		Enabled:    true,
		Round:      in.Round,
		CommitSHA:  res.CommitSHA,
		UpdatedAt:  p.now(),
	})

	logger.Info().
		Str("commit", res.CommitSHA).
		Str("pages_url", res.HostingURL).
		Bool("created", created).
		Msg("published")
	return res, nil
}

// Prior returns the index.html currently published for taskID.
func (p *Publisher) Prior(ctx context.Context, taskID string) (string, error) {
	name := hosting.RepoName(taskID)
	if name == "" {
		return "", &PublishError{Step: StepLocate, Err: fmt.Errorf("task %q: %w", taskID, hosting.ErrNotFound)}
	}
	repo, err := p.locate(ctx, name)
	if err != nil {
		return "", err
	}

	var file hosting.File
	err = p.step(ctx, StepReadFile(indexPath), func(ctx context.Context) error {
		f, err := p.provider.GetFile(ctx, repo, indexPath)
		file = f
		return err
	})
	if err != nil {
		return "", err
	}
	return string(file.Content), nil
}

func (p *Publisher) locate(ctx context.Context, name string) (hosting.Repository, error) {
	var repo hosting.Repository
	err := p.step(ctx, StepLocate, func(ctx context.Context) error {
		r, err := p.provider.GetRepository(ctx, name)
		repo = r
		return err
	})
	return repo, err
}

// fileExists reports whether path is present. Only ErrNotFound means absent; other
// failures are retried and then returned as a read_file step error.
func (p *Publisher) fileExists(ctx context.Context, repo hosting.Repository, path string) (bool, error) {
	exists := false
	err := p.step(ctx, StepReadFile(path), func(ctx context.Context) error {
		_, err := p.provider.GetFile(ctx, repo, path)
		switch {
		case err == nil:
			exists = true
		case errors.Is(err, hosting.ErrNotFound):
			exists = false
		default:
			return err
		}
		return nil
	})
	return exists, err
}

func (p *Publisher) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := p.policy.Do(ctx, fn); err != nil {
		return &PublishError{Step: name, Err: err}
	}
	return nil
}

type readmeData struct {
	Name       string
	TaskID     string
	Brief      string
	Checks     []string
	Round      int
	Revision   bool
	HostingURL string
	Model      string
	Branch     string
}

type licenseData struct {
	Year   int
	Holder string
}

func (p *Publisher) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := p.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func description(in Input) string {
	d := []rune(strings.Join(strings.Fields(in.Brief), " "))
	if len(d) > 300 {
		d = d[:300]
	}
	return string(d)
}

func branch(repo hosting.Repository) string {
	if repo.DefaultBranch != "" {
		return repo.DefaultBranch
	}
	return "main"
}

func fullName(repo hosting.Repository) string {
	if repo.FullName != "" {
		return repo.FullName
	}
	return repo.Owner + "/" + repo.Name
}

func repoURL(repo hosting.Repository) string {
	if repo.HTMLURL != "" {
		return repo.HTMLURL
	}
	return "https://github.com/" + fullName(repo)
}
