package hosting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/vyvo/pagesmith/pkg/retry"
)

// GitHubOptions configures the GitHub provider.
type GitHubOptions struct {
	Token      string
	Owner      string
	OwnerIsOrg bool
	Branch     string
	// BaseURL overrides the REST endpoint (GitHub Enterprise or tests).
	BaseURL string
}

// GitHub implements Provider on top of the GitHub REST API.
type GitHub struct {
	client     *github.Client
	owner      string
	ownerIsOrg bool
	branch     string
}

var _ Provider = (*GitHub)(nil)

func NewGitHub(opts GitHubOptions) (*GitHub, error) {
	if strings.TrimSpace(opts.Owner) == "" {
		return nil, errors.New("github owner is required")
	}

	client := github.NewClient(&http.Client{Timeout: 30 * time.Second})
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = u
	}

	branch := opts.Branch
	if branch == "" {
		branch = "main"
	}

	return &GitHub{
		client:     client,
		owner:      opts.Owner,
		ownerIsOrg: opts.OwnerIsOrg,
		branch:     branch,
	}, nil
}

func (g *GitHub) GetRepository(ctx context.Context, name string) (Repository, error) {
	repo, resp, err := g.client.Repositories.Get(ctx, g.owner, name)
	if err != nil {
		return Repository{}, classify(resp, err)
	}
	return g.toRepository(repo), nil
}

func (g *GitHub) CreateRepository(ctx context.Context, name, description string) (Repository, error) {
	org := ""
	if g.ownerIsOrg {
		org = g.owner
	}

	repo, resp, err := g.client.Repositories.Create(ctx, org, &github.Repository{
		Name:        github.String(name),
		Description: github.String(description),
		Private:     github.Bool(false),
		AutoInit:    github.Bool(true),
		HasWiki:     github.Bool(false),
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			existing, getErr := g.GetRepository(ctx, name)
			if getErr == nil {
				return existing, ErrAlreadyExists
			}
		}
		return Repository{}, classify(resp, err)
	}
	return g.toRepository(repo), nil
}

func (g *GitHub) GetFile(ctx context.Context, repo Repository, path string) (File, error) {
	fc, _, resp, err := g.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, &github.RepositoryContentGetOptions{
		Ref: g.branchFor(repo),
	})
	if err != nil {
		return File{}, classify(resp, err)
	}
	if fc == nil {
		return File{}, fmt.Errorf("%s is a directory: %w", path, ErrNotFound)
	}

	content, err := fc.GetContent()
	if err != nil {
		return File{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return File{Path: path, Content: []byte(content), SHA: fc.GetSHA()}, nil
}

func (g *GitHub) PutFile(ctx context.Context, repo Repository, path string, content []byte, message string) (string, error) {
	var sha *string
	existing, err := g.GetFile(ctx, repo, path)
	switch {
	case err == nil:
		if bytes.Equal(existing.Content, content) {
			return "", nil
		}
		sha = github.String(existing.SHA)
	case errors.Is(err, ErrNotFound):
	default:
		return "", err
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: content,
		SHA:     sha,
		Branch:  github.String(g.branchFor(repo)),
	}

	var (
		res  *github.RepositoryContentResponse
		resp *github.Response
	)
	if sha == nil {
		res, resp, err = g.client.Repositories.CreateFile(ctx, repo.Owner, repo.Name, path, opts)
	} else {
		res, resp, err = g.client.Repositories.UpdateFile(ctx, repo.Owner, repo.Name, path, opts)
	}
	if err != nil {
		// A conflict means the blob SHA moved underneath us; re-reading fixes it.
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return "", retry.Transient(err)
		}
		return "", classify(resp, err)
	}
	return res.Commit.GetSHA(), nil
}

func (g *GitHub) HeadCommit(ctx context.Context, repo Repository) (string, error) {
	sha, resp, err := g.client.Repositories.GetCommitSHA1(ctx, repo.Owner, repo.Name, g.branchFor(repo), "")
	if err != nil {
		return "", classify(resp, err)
	}
	return sha, nil
}

func (g *GitHub) EnablePages(ctx context.Context, repo Repository) (string, error) {
	pages, resp, err := g.client.Repositories.EnablePages(ctx, repo.Owner, repo.Name, &github.Pages{
		Source: &github.PagesSource{
			Branch: github.String(g.branchFor(repo)),
			Path:   github.String("/"),
		},
	})
	if err != nil {
		if resp == nil || resp.StatusCode != http.StatusConflict {
			return "", classify(resp, err)
		}
		// Already enabled.
		pages, resp, err = g.client.Repositories.GetPagesInfo(ctx, repo.Owner, repo.Name)
		if err != nil {
			return "", classify(resp, err)
		}
	}

	if u := pages.GetHTMLURL(); u != "" {
		return u, nil
	}
	return PagesURL(repo.Owner, repo.Name), nil
}

// PagesURL is the default project-site URL for owner/name.
func PagesURL(owner, name string) string {
	return fmt.Sprintf("https://%s.github.io/%s/", strings.ToLower(owner), name)
}

func (g *GitHub) branchFor(repo Repository) string {
	if repo.DefaultBranch != "" {
		return repo.DefaultBranch
	}
	return g.branch
}

func (g *GitHub) toRepository(repo *github.Repository) Repository {
	owner := repo.GetOwner().GetLogin()
	if owner == "" {
		owner = g.owner
	}
	return Repository{
		Owner:         owner,
		Name:          repo.GetName(),
		FullName:      repo.GetFullName(),
		HTMLURL:       repo.GetHTMLURL(),
		DefaultBranch: repo.GetDefaultBranch(),
	}
}

// classify maps a go-github failure onto ErrNotFound or a transient error.
func classify(resp *github.Response, err error) error {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return retry.Transient(err)
	}
	if resp == nil || resp.Response == nil {
		// No response at all: transport failure or timeout.
		return retry.Transient(err)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case retry.StatusTransient(code):
		return retry.Transient(err)
	default:
		return err
	}
}
