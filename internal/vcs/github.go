// Package vcs implements the kernel's view of the VCS platform: webhook
// verification, PR comments, and source archive retrieval.
package vcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-github/v66/github"
)

// commentTagPrefix marks kernel-owned PR comments so they can be found and
// updated in place.
const commentTagPrefix = "<!-- exec-engine:"

// CommentTag returns the hidden marker embedded in kernel-owned comments.
func CommentTag(id string) string {
	return commentTagPrefix + id + " -->"
}

// Provider implements contracts.VcsProvider against the GitHub API.
type Provider struct {
	httpClient *http.Client
}

// NewProvider creates a Provider. httpClient may be nil.
func NewProvider(httpClient *http.Client) *Provider {
	return &Provider{httpClient: httpClient}
}

func (p *Provider) client(token string) *github.Client {
	client := github.NewClient(p.httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return client
}

// splitRepo parses "owner/name".
func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("malformed repository %q, want owner/name", repo)
	}
	return owner, name, nil
}

// VerifyWebhook checks the platform signature on a webhook delivery.
func (p *Provider) VerifyWebhook(headers http.Header, body []byte, secret string) bool {
	signature := headers.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = headers.Get("X-Hub-Signature")
	}
	if signature == "" {
		return false
	}
	return github.ValidateSignature(signature, body, []byte(secret)) == nil
}

// CreateComment posts a new PR comment and returns its id.
func (p *Provider) CreateComment(ctx context.Context, repo string, pr int, body, token string) (int64, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return 0, err
	}
	comment, _, err := p.client(token).Issues.CreateComment(ctx, owner, name, pr, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return 0, fmt.Errorf("creating comment on %s#%d: %w", repo, pr, err)
	}
	return comment.GetID(), nil
}

// UpdateComment replaces the body of an existing PR comment.
func (p *Provider) UpdateComment(ctx context.Context, repo string, id int64, body, token string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, _, err = p.client(token).Issues.EditComment(ctx, owner, name, id, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return fmt.Errorf("updating comment %d on %s: %w", id, repo, err)
	}
	return nil
}

// FindCommentByTag locates a kernel-owned comment by its hidden tag.
func (p *Provider) FindCommentByTag(ctx context.Context, repo string, pr int, tag, token string) (int64, bool, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return 0, false, err
	}
	client := p.client(token)
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		comments, resp, err := client.Issues.ListComments(ctx, owner, name, pr, opts)
		if err != nil {
			return 0, false, fmt.Errorf("listing comments on %s#%d: %w", repo, pr, err)
		}
		for _, comment := range comments {
			if strings.Contains(comment.GetBody(), tag) {
				return comment.GetID(), true, nil
			}
		}
		if resp.NextPage == 0 {
			return 0, false, nil
		}
		opts.Page = resp.NextPage
	}
}

// FetchArchive downloads the repository tarball at the given ref. The caller
// must close the returned reader.
func (p *Provider) FetchArchive(ctx context.Context, repo, ref, token string) (io.ReadCloser, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	opts := &github.RepositoryContentGetOptions{Ref: ref}
	link, _, err := p.client(token).Repositories.GetArchiveLink(ctx, owner, name, github.Tarball, opts, 3)
	if err != nil {
		return nil, fmt.Errorf("resolving archive link for %s@%s: %w", repo, ref, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.String(), nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	httpClient := p.httpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading archive for %s@%s: %w", repo, ref, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading archive for %s@%s: status %d", repo, ref, resp.StatusCode)
	}
	return resp.Body, nil
}
