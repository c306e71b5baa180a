// Package hosting talks to the repository-hosting provider: repositories, file
// contents and static-site (Pages) activation.
package hosting

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a repository or file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by CreateRepository alongside the existing repository.
	ErrAlreadyExists = errors.New("repository already exists")
)

// Repository identifies a hosted repository.
type Repository struct {
	Owner         string
	Name          string
	FullName      string
	HTMLURL       string
	DefaultBranch string
}

// File is the current content of a path on the default branch.
type File struct {
	Path    string
	Content []byte
	SHA     string
}

// Provider is the subset of the hosting API the publisher needs. Implementations
// mark retryable failures with retry.Transient.
type Provider interface {
	GetRepository(ctx context.Context, name string) (Repository, error)
	// CreateRepository creates a public repository. When the name is taken it returns
	// the existing repository together with ErrAlreadyExists.
	CreateRepository(ctx context.Context, name, description string) (Repository, error)
	GetFile(ctx context.Context, repo Repository, path string) (File, error)
	// PutFile creates or overwrites path and returns the resulting commit SHA. Writing
	// identical content is a no-op that returns an empty SHA.
	PutFile(ctx context.Context, repo Repository, path string, content []byte, message string) (string, error)
	HeadCommit(ctx context.Context, repo Repository) (string, error)
	// EnablePages turns on static hosting for the default branch and returns the site
	// URL. Enabling twice is not an error.
	EnablePages(ctx context.Context, repo Repository) (string, error)
}

const maxRepoName = 100

// RepoKey identifies the repository a task maps to. Repository names are compared
// case-insensitively by the provider.
func RepoKey(taskID string) string {
	return strings.ToLower(RepoName(taskID))
}

// RepoName derives the deterministic repository name for a task identifier.
// Characters outside [A-Za-z0-9._-] collapse into a single '-'.
func RepoName(taskID string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.TrimSpace(taskID) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			dash = r == '-'
		default:
			if !dash {
				b.WriteRune('-')
				dash = true
			}
		}
	}

	name := strings.Trim(b.String(), "-.")
	if len(name) > maxRepoName {
		name = strings.Trim(name[:maxRepoName], "-.")
	}
	return name
}
