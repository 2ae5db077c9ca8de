package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/saint0x/incident-copilot/pkg/incident"
	"github.com/saint0x/incident-copilot/pkg/log"
	"golang.org/x/oauth2"
)

// Client handles GitHub operations for projects hosted on GitHub
type Client struct {
	client *github.Client
	logger *log.Logger
}

// New creates a new GitHub client. baseURL overrides the API endpoint (GitHub Enterprise, tests).
func New(logger *log.Logger, token, baseURL string, hc *http.Client) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github token not configured")
	}

	ctx := context.Background()
	if hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)

	client := github.NewClient(tc)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = u
	}

	return &Client{
		client: client,
		logger: logger,
	}, nil
}

// ParseRepoURL parses a GitHub URL into owner and repo
func (c *Client) ParseRepoURL(repoURL string) (owner, repo string, err error) {
	return ParseRepoURL(repoURL)
}

// ParseRepoURL parses a GitHub URL into owner and repo
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	// Handle different URL formats
	repoURL = strings.TrimSuffix(repoURL, ".git")

	// Handle SSH URLs (git@github.com:owner/repo)
	if strings.HasPrefix(repoURL, "git@github.com:") {
		parts := strings.Split(strings.TrimPrefix(repoURL, "git@github.com:"), "/")
		if len(parts) != 2 {
			return "", "", fmt.Errorf("invalid SSH repository URL format")
		}
		return parts[0], parts[1], nil
	}

	// Handle HTTPS URLs
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid repository URL format")
	}

	return parts[0], parts[1], nil
}

// GetDefaultBranch gets the default branch for a repository
func (c *Client) GetDefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	repository, _, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", remoteError("get repository", err)
	}

	return repository.GetDefaultBranch(), nil
}

// CreateBranch points a new ref at the head of base
func (c *Client) CreateBranch(ctx context.Context, p *incident.Project, branch, base string) error {
	owner, repo, err := ParseRepoURL(p.WebURL)
	if err != nil {
		return err
	}

	baseRef, _, err := c.client.Git.GetRef(ctx, owner, repo, "heads/"+base)
	if err != nil {
		return remoteError("get base ref", err)
	}

	_, _, err = c.client.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	})
	if err != nil {
		var er *github.ErrorResponse
		if errors.As(err, &er) && er.Response != nil && er.Response.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(strings.ToLower(er.Message), "already exists") {
			return incident.ErrBranchExists
		}
		return remoteError("create ref", err)
	}

	c.logger.Branch("Created branch %s from %s", branch, base)
	return nil
}

// GetFile reads a file at ref
func (c *Client) GetFile(ctx context.Context, p *incident.Project, path, ref string) (string, error) {
	owner, repo, err := ParseRepoURL(p.WebURL)
	if err != nil {
		return "", err
	}

	content, _, _, err := c.client.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return "", remoteError("get contents", err)
	}
	if content == nil {
		return "", &incident.RemoteError{Op: "get contents", Status: http.StatusUnprocessableEntity, Message: path + " is a directory"}
	}
	decoded, err := content.GetContent()
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return decoded, nil
}

// CommitFile creates or updates a single file on a branch
func (c *Client) CommitFile(ctx context.Context, p *incident.Project, fc incident.FileCommit) error {
	owner, repo, err := ParseRepoURL(p.WebURL)
	if err != nil {
		return err
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(fc.Message),
		Content: []byte(fc.Content),
		Branch:  github.String(fc.Branch),
	}

	if fc.Create {
		_, _, err = c.client.Repositories.CreateFile(ctx, owner, repo, fc.Path, opts)
		if err != nil {
			return remoteError("create file", err)
		}
	} else {
		current, _, _, err := c.client.Repositories.GetContents(ctx, owner, repo, fc.Path, &github.RepositoryContentGetOptions{Ref: fc.Branch})
		if err != nil {
			return remoteError("get contents", err)
		}
		if current == nil {
			return &incident.RemoteError{Op: "get contents", Status: http.StatusUnprocessableEntity, Message: fc.Path + " is a directory"}
		}
		opts.SHA = current.SHA
		if _, _, err := c.client.Repositories.UpdateFile(ctx, owner, repo, fc.Path, opts); err != nil {
			return remoteError("update file", err)
		}
	}

	c.logger.Git("Committed %s to %s", fc.Path, fc.Branch)
	return nil
}

// CreateMergeRequest opens a pull request. Squash and branch deletion are
// merge-time repository settings on GitHub and are not sent.
func (c *Client) CreateMergeRequest(ctx context.Context, p *incident.Project, d incident.MergeRequestDraft) (*incident.MergeRequestRef, error) {
	owner, repo, err := ParseRepoURL(p.WebURL)
	if err != nil {
		return nil, err
	}

	pr, _, err := c.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title:               github.String(d.Title),
		Body:                github.String(d.Description),
		Head:                github.String(d.SourceBranch),
		Base:                github.String(d.TargetBranch),
		MaintainerCanModify: github.Bool(true),
	})
	if err != nil {
		return nil, remoteError("create pull request", err)
	}

	c.logger.MR("Opened pull request #%d: %s", pr.GetNumber(), pr.GetHTMLURL())
	return &incident.MergeRequestRef{
		ID:     pr.GetID(),
		IID:    int64(pr.GetNumber()),
		URL:    pr.GetHTMLURL(),
		Branch: d.SourceBranch,
		Status: pr.GetState(),
	}, nil
}

func remoteError(op string, err error) error {
	re := &incident.RemoteError{Op: op, Message: err.Error()}
	var er *github.ErrorResponse
	if errors.As(err, &er) {
		re.Message = er.Message
		if er.Response != nil {
			re.Status = er.Response.StatusCode
		}
	}
	return re
}
