// Package gitlab wraps the GitLab REST API for remediation and webhook intake.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/saint0x/incident-copilot/pkg/incident"
	"github.com/saint0x/incident-copilot/pkg/log"
	gl "github.com/xanzy/go-gitlab"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://gitlab.com/api/v4"
	ciConfigPath   = ".gitlab-ci.yml"
	jobsPerPage    = 100
)

// Config holds the settings shared by every project client
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	HTTPClient *http.Client
}

// Client talks to one GitLab instance. Each project's access token gets
// its own API client; all of them share one rate limiter.
type Client struct {
	logger     *log.Logger
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu   sync.Mutex
	apis map[string]*gl.Client
}

// Job is the part of a pipeline job the intake needs
type Job struct {
	ID         int64
	Name       string
	Status     string
	Stage      string
	FinishedAt *time.Time
}

// PipelineStatus is the state of a pipeline after a retry
type PipelineStatus struct {
	ID     int64  `json:"pipelineId"`
	Status string `json:"status"`
	WebURL string `json:"pipelineUrl"`
}

// ProjectInfo is GitLab's view of a project
type ProjectInfo struct {
	ID                int64
	Name              string
	PathWithNamespace string
	Namespace         string
	WebURL            string
	DefaultBranch     string
}

// New creates a GitLab client
func New(logger *log.Logger, cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	} else if cfg.Timeout > 0 {
		copied := *hc
		copied.Timeout = cfg.Timeout
		hc = &copied
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		logger:     logger,
		baseURL:    baseURL,
		httpClient: hc,
		limiter:    rate.NewLimiter(limit, burst),
		apis:       make(map[string]*gl.Client),
	}
}

func (c *Client) api(token string) (*gl.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if api, ok := c.apis[token]; ok {
		return api, nil
	}
	api, err := gl.NewClient(token,
		gl.WithBaseURL(c.baseURL),
		gl.WithHTTPClient(c.httpClient),
		gl.WithoutRetries(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gitlab client: %w", err)
	}
	c.apis[token] = api
	return api, nil
}

// begin waits for the rate limiter and returns the project's API client
func (c *Client) begin(ctx context.Context, token string) (*gl.Client, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.api(token)
}

// projectID prefers the numeric id and falls back to the path in the web URL
func projectID(p *incident.Project) (interface{}, error) {
	if p.GitLabProjectID != 0 {
		return int(p.GitLabProjectID), nil
	}
	path, err := ExtractProjectPath(p.WebURL)
	if err != nil {
		return nil, err
	}
	return path, nil
}

// ExtractProjectPath turns https://gitlab.com/org/service into org/service
func ExtractProjectPath(projectURL string) (string, error) {
	u, err := url.Parse(projectURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid GitLab project URL %q", projectURL)
	}
	path := strings.Trim(strings.TrimSuffix(u.Path, ".git"), "/")
	if path == "" {
		return "", fmt.Errorf("invalid GitLab project URL %q", projectURL)
	}
	return path, nil
}

// remoteError converts a go-gitlab failure into a RemoteError
func remoteError(op string, resp *gl.Response, err error) error {
	re := &incident.RemoteError{Op: op, Message: err.Error()}
	var er *gl.ErrorResponse
	if errors.As(err, &er) {
		re.Message = er.Message
		if er.Response != nil {
			re.Status = er.Response.StatusCode
		}
	}
	if re.Status == 0 && resp != nil && resp.Response != nil {
		re.Status = resp.StatusCode
	}
	return re
}

func isStatus(resp *gl.Response, code int) bool {
	return resp != nil && resp.Response != nil && resp.StatusCode == code
}

// CreateBranch creates branch from ref. An existing branch yields incident.ErrBranchExists.
func (c *Client) CreateBranch(ctx context.Context, p *incident.Project, branch, ref string) error {
	api, err := c.begin(ctx, p.AccessToken)
	if err != nil {
		return err
	}
	pid, err := projectID(p)
	if err != nil {
		return err
	}

	_, resp, err := api.Branches.CreateBranch(pid, &gl.CreateBranchOptions{
		Branch: gl.Ptr(branch),
		Ref:    gl.Ptr(ref),
	}, gl.WithContext(ctx))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return incident.ErrBranchExists
		}
		return remoteError("create branch", resp, err)
	}

	c.logger.Branch("Created branch %s from %s", branch, ref)
	return nil
}

// GetFile reads a file at ref
func (c *Client) GetFile(ctx context.Context, p *incident.Project, path, ref string) (string, error) {
	api, err := c.begin(ctx, p.AccessToken)
	if err != nil {
		return "", err
	}
	pid, err := projectID(p)
	if err != nil {
		return "", err
	}

	data, resp, err := api.RepositoryFiles.GetRawFile(pid, path, &gl.GetRawFileOptions{
		Ref: gl.Ptr(ref),
	}, gl.WithContext(ctx))
	if err != nil {
		return "", remoteError("get file", resp, err)
	}
	return string(data), nil
}

// CommitFile commits one file with a create or update action
func (c *Client) CommitFile(ctx context.Context, p *incident.Project, fc incident.FileCommit) error {
	api, err := c.begin(ctx, p.AccessToken)
	if err != nil {
		return err
	}
	pid, err := projectID(p)
	if err != nil {
		return err
	}

	action := gl.FileUpdate
	if fc.Create {
		action = gl.FileCreate
	}

	commit, resp, err := api.Commits.CreateCommit(pid, &gl.CreateCommitOptions{
		Branch:        gl.Ptr(fc.Branch),
		CommitMessage: gl.Ptr(fc.Message),
		Actions: []*gl.CommitActionOptions{{
			Action:   gl.Ptr(action),
			FilePath: gl.Ptr(fc.Path),
			Content:  gl.Ptr(fc.Content),
		}},
	}, gl.WithContext(ctx))
	if err != nil {
		return remoteError("commit", resp, err)
	}

	c.logger.Git("Committed %s to %s (%s)", fc.Path, fc.Branch, commit.ShortID)
	return nil
}

// CreateMergeRequest opens a merge request
func (c *Client) CreateMergeRequest(ctx context.Context, p *incident.Project, d incident.MergeRequestDraft) (*incident.MergeRequestRef, error) {
	api, err := c.begin(ctx, p.AccessToken)
	if err != nil {
		return nil, err
	}
	pid, err := projectID(p)
	if err != nil {
		return nil, err
	}

	mr, resp, err := api.MergeRequests.CreateMergeRequest(pid, &gl.CreateMergeRequestOptions{
		Title:              gl.Ptr(d.Title),
		Description:        gl.Ptr(d.Description),
		SourceBranch:       gl.Ptr(d.SourceBranch),
		TargetBranch:       gl.Ptr(d.TargetBranch),
		Squash:             gl.Ptr(d.Squash),
		RemoveSourceBranch: gl.Ptr(d.RemoveSourceBranch),
	}, gl.WithContext(ctx))
	if err != nil {
		return nil, remoteError("create merge request", resp, err)
	}

	c.logger.MR("Opened merge request !%d: %s", mr.IID, mr.WebURL)
	return &incident.MergeRequestRef{
		ID:     int64(mr.ID),
		IID:    int64(mr.IID),
		URL:    mr.WebURL,
		Branch: d.SourceBranch,
		Status: mr.State,
	}, nil
}

// FetchPipelineJobs lists the first page of jobs for a pipeline
func (c *Client) FetchPipelineJobs(ctx context.Context, p *incident.Project, pipelineID int64) ([]Job, error) {
	api, err := c.begin(ctx, p.AccessToken)
	if err != nil {
		return nil, err
	}
	pid, err := projectID(p)
	if err != nil {
		return nil, err
	}

	jobs, resp, err := api.Jobs.ListPipelineJobs(pid, int(pipelineID), &gl.ListJobsOptions{
		ListOptions: gl.ListOptions{PerPage: jobsPerPage},
	}, gl.WithContext(ctx))
	if err != nil {
		return nil, remoteError("list pipeline jobs", resp, err)
	}

	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, Job{
			ID:         int64(j.ID),
			Name:       j.Name,
			Status:     j.Status,
			Stage:      j.Stage,
			FinishedAt: j.FinishedAt,
		})
	}
	return out, nil
}

// FetchJobLog downloads a job's trace
func (c *Client) FetchJobLog(ctx context.Context, p *incident.Project, jobID int64) (string, error) {
	api, err := c.begin(ctx, p.AccessToken)
	if err != nil {
		return "", err
	}
	pid, err := projectID(p)
	if err != nil {
		return "", err
	}

	trace, resp, err := api.Jobs.GetTraceFile(pid, int(jobID), gl.WithContext(ctx))
	if err != nil {
		return "", remoteError("get job trace", resp, err)
	}
	data, err := io.ReadAll(trace)
	if err != nil {
		return "", fmt.Errorf("failed to read job trace: %w", err)
	}
	return string(data), nil
}

// FetchCIConfig reads .gitlab-ci.yml at ref. A missing file is not an error.
func (c *Client) FetchCIConfig(ctx context.Context, p *incident.Project, ref string) (string, error) {
	api, err := c.begin(ctx, p.AccessToken)
	if err != nil {
		return "", err
	}
	pid, err := projectID(p)
	if err != nil {
		return "", err
	}

	data, resp, err := api.RepositoryFiles.GetRawFile(pid, ciConfigPath, &gl.GetRawFileOptions{
		Ref: gl.Ptr(ref),
	}, gl.WithContext(ctx))
	if err != nil {
		if isStatus(resp, http.StatusNotFound) {
			return "", nil
		}
		return "", remoteError("get ci config", resp, err)
	}
	return string(data), nil
}

// RetryPipeline retries the failed jobs of a pipeline
func (c *Client) RetryPipeline(ctx context.Context, p *incident.Project, pipelineID int64) (*PipelineStatus, error) {
	api, err := c.begin(ctx, p.AccessToken)
	if err != nil {
		return nil, err
	}
	pid, err := projectID(p)
	if err != nil {
		return nil, err
	}

	pl, resp, err := api.Pipelines.RetryPipelineBuild(pid, int(pipelineID), gl.WithContext(ctx))
	if err != nil {
		return nil, remoteError("retry pipeline", resp, err)
	}

	c.logger.Info("Retried pipeline %d, status %s", pl.ID, pl.Status)
	return &PipelineStatus{ID: int64(pl.ID), Status: pl.Status, WebURL: pl.WebURL}, nil
}

// FetchProject looks a project up by its web URL
func (c *Client) FetchProject(ctx context.Context, webURL, token string) (*ProjectInfo, error) {
	path, err := ExtractProjectPath(webURL)
	if err != nil {
		return nil, err
	}
	api, err := c.begin(ctx, token)
	if err != nil {
		return nil, err
	}

	proj, resp, err := api.Projects.GetProject(path, nil, gl.WithContext(ctx))
	if err != nil {
		return nil, remoteError("get project", resp, err)
	}

	info := &ProjectInfo{
		ID:                int64(proj.ID),
		Name:              proj.Name,
		PathWithNamespace: proj.PathWithNamespace,
		WebURL:            proj.WebURL,
		DefaultBranch:     proj.DefaultBranch,
	}
	if proj.Namespace != nil {
		info.Namespace = proj.Namespace.FullPath
	}
	return info, nil
}
