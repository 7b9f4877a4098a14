package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/google/go-github/v66/github"
)

const (
	upstreamOwner  = "llvm"
	upstreamRepo   = "llvm-project"
	upstreamBranch = "main"
	upstreamGitURL = "https://github.com/llvm/llvm-project.git"

	envCommitOverride = "LLVM_GIT_SHA"
)

// CommitResolver finds the upstream commit a snapshot is built from.
type CommitResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// FixedCommit resolves to a pinned commit.
type FixedCommit string

// Resolve returns the pinned commit.
func (f FixedCommit) Resolve(context.Context) (string, error) {
	sha := strings.TrimSpace(string(f))
	if sha == "" {
		return "", errors.New("empty commit override")
	}
	return sha, nil
}

// GitHubResolver asks the GitHub commits API for the head of a branch.
type GitHubResolver struct {
	Client *github.Client
	Owner  string
	Repo   string
	Branch string
}

// NewGitHubResolver resolves the head of llvm/llvm-project main.
func NewGitHubResolver(client *github.Client) *GitHubResolver {
	return &GitHubResolver{
		Client: client,
		Owner:  upstreamOwner,
		Repo:   upstreamRepo,
		Branch: upstreamBranch,
	}
}

// Resolve returns the full SHA of the branch head.
func (r *GitHubResolver) Resolve(ctx context.Context) (string, error) {
	sha, _, err := r.Client.Repositories.GetCommitSHA1(ctx, r.Owner, r.Repo, r.Branch, "")
	if err != nil {
		return "", fmt.Errorf("get %s/%s@%s: %w", r.Owner, r.Repo, r.Branch, err)
	}
	return sha, nil
}

// GitResolver lists the remote refs over the git protocol without cloning.
type GitResolver struct {
	URL    string
	Branch string
}

// Resolve returns the hash of refs/heads/<Branch>.
func (r GitResolver) Resolve(ctx context.Context) (string, error) {
	url, branch := r.URL, r.Branch
	if url == "" {
		url = upstreamGitURL
	}
	if branch == "" {
		branch = upstreamBranch
	}
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("ls-remote %s: %w", url, err)
	}
	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("ls-remote %s: %s not found", url, want)
}

// ResolverFor picks the commit source: an explicit override, then
// LLVM_GIT_SHA, then the given mode ("github" or "git").
func ResolverFor(override, mode string, client *github.Client) (CommitResolver, error) {
	if override == "" {
		override = os.Getenv(envCommitOverride)
	}
	if override != "" {
		return FixedCommit(override), nil
	}
	switch mode {
	case "", "github":
		if client == nil {
			return nil, errors.New("github client is required")
		}
		return NewGitHubResolver(client), nil
	case "git":
		return GitResolver{}, nil
	default:
		return nil, fmt.Errorf("unknown commit resolver %q", mode)
	}
}
