// Package hostingtest provides an in-memory hosting.Provider for tests.
package hostingtest

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/vyvo/pagesmith/pkg/hosting"
)

// Provider keeps repositories and files in memory. Every effective file write counts
// as one commit; identical writes are no-ops, as with the real provider.
type Provider struct {
	mu       sync.Mutex
	owner    string
	repos    map[string]hosting.Repository
	files    map[string]map[string][]byte
	commits  int
	creates  int
	pages    int
	failPuts map[string]error
	failGets map[string]error
}

var _ hosting.Provider = (*Provider)(nil)

func New(owner string) *Provider {
	return &Provider{
		owner:    owner,
		repos:    map[string]hosting.Repository{},
		files:    map[string]map[string][]byte{},
		failPuts: map[string]error{},
		failGets: map[string]error{},
	}
}

// FailPut makes every PutFile for path return err until cleared with a nil err.
func (p *Provider) FailPut(path string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failPuts, path)
		return
	}
	p.failPuts[path] = err
}

// FailGet makes every GetFile for path return err until cleared with a nil err.
func (p *Provider) FailGet(path string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failGets, path)
		return
	}
	p.failGets[path] = err
}

// RemoveFile deletes path from repository name without counting a commit.
func (p *Provider) RemoveFile(name, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.files[name], path)
}

func (p *Provider) Creates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates
}

func (p *Provider) Commits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commits
}

func (p *Provider) PagesEnabled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pages
}

// File returns the content of path in repository name, or "" if absent.
func (p *Provider) File(name, path string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.files[name][path])
}

func (p *Provider) GetRepository(_ context.Context, name string) (hosting.Repository, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	repo, ok := p.repos[name]
	if !ok {
		return hosting.Repository{}, fmt.Errorf("repository %s: %w", name, hosting.ErrNotFound)
	}
	return repo, nil
}

func (p *Provider) CreateRepository(_ context.Context, name, _ string) (hosting.Repository, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if repo, ok := p.repos[name]; ok {
		return repo, hosting.ErrAlreadyExists
	}
	p.creates++
	repo := hosting.Repository{
		Owner:         p.owner,
		Name:          name,
		FullName:      p.owner + "/" + name,
		HTMLURL:       "https://github.com/" + p.owner + "/" + name,
		DefaultBranch: "main",
	}
	p.repos[name] = repo
	p.files[name] = map[string][]byte{}
	p.commits++
	return repo, nil
}

func (p *Provider) GetFile(_ context.Context, repo hosting.Repository, path string) (hosting.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failGets[path]; err != nil {
		return hosting.File{}, err
	}
	content, ok := p.files[repo.Name][path]
	if !ok {
		return hosting.File{}, fmt.Errorf("%s: %w", path, hosting.ErrNotFound)
	}
	return hosting.File{Path: path, Content: content, SHA: "blob-" + path}, nil
}

func (p *Provider) PutFile(_ context.Context, repo hosting.Repository, path string, content []byte, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failPuts[path]; err != nil {
		return "", err
	}
	files, ok := p.files[repo.Name]
	if !ok {
		return "", fmt.Errorf("repository %s: %w", repo.Name, hosting.ErrNotFound)
	}
	if existing, ok := files[path]; ok && bytes.Equal(existing, content) {
		return "", nil
	}
	files[path] = append([]byte(nil), content...)
	p.commits++
	return fmt.Sprintf("commit-%d", p.commits), nil
}

func (p *Provider) HeadCommit(_ context.Context, repo hosting.Repository) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.repos[repo.Name]; !ok {
		return "", fmt.Errorf("repository %s: %w", repo.Name, hosting.ErrNotFound)
	}
	return fmt.Sprintf("commit-%d", p.commits), nil
}

func (p *Provider) EnablePages(_ context.Context, repo hosting.Repository) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages++
	return hosting.PagesURL(repo.Owner, repo.Name), nil
}
