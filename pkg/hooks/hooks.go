// Package hooks turns GitLab pipeline webhooks into incidents.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/saint0x/incident-copilot/pkg/gitlab"
	"github.com/saint0x/incident-copilot/pkg/incident"
	"github.com/saint0x/incident-copilot/pkg/log"
	"github.com/saint0x/incident-copilot/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// PipelineHookEvent is the X-Gitlab-Event value for pipeline webhooks
const PipelineHookEvent = "Pipeline Hook"

const (
	maxSnippetBytes = 1000
	tailLines       = 20
)

var errorLine = regexp.MustCompile(`(?i)error|failed|failure|exception`)

// PipelineEvent is the subset of a GitLab pipeline webhook payload the intake reads
type PipelineEvent struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes *struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
		Ref    string `json:"ref"`
		SHA    string `json:"sha"`
		WebURL string `json:"web_url"`
	} `json:"object_attributes"`
	Project struct {
		ID                int64  `json:"id"`
		WebURL            string `json:"web_url"`
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
}

// Result of handling one webhook delivery
type Result struct {
	Ignored    bool   `json:"ignored,omitempty"`
	Reason     string `json:"reason,omitempty"`
	IncidentID string `json:"incidentId,omitempty"`
}

// ProjectFinder resolves the registered project a webhook belongs to
type ProjectFinder interface {
	FindProjectByGitLab(ctx context.Context, gitlabID int64, webURL string) (*incident.Project, error)
}

// IncidentCreator persists new incidents
type IncidentCreator interface {
	CreateIncident(ctx context.Context, inc *incident.Incident) error
}

// PipelineSource reads pipeline details from GitLab
type PipelineSource interface {
	FetchPipelineJobs(ctx context.Context, p *incident.Project, pipelineID int64) ([]gitlab.Job, error)
	FetchJobLog(ctx context.Context, p *incident.Project, jobID int64) (string, error)
	FetchCIConfig(ctx context.Context, p *incident.Project, ref string) (string, error)
}

// Intake handles failed-pipeline webhooks
type Intake struct {
	logger    *log.Logger
	projects  ProjectFinder
	incidents IncidentCreator
	pipelines PipelineSource
	metrics   *metrics.Metrics
}

// New creates a webhook intake. m may be nil.
func New(logger *log.Logger, projects ProjectFinder, incidents IncidentCreator, pipelines PipelineSource, m *metrics.Metrics) *Intake {
	return &Intake{
		logger:    logger,
		projects:  projects,
		incidents: incidents,
		pipelines: pipelines,
		metrics:   m,
	}
}

// ParsePipelineEvent decodes a webhook body. A nil event with a reason means the
// delivery is valid but not something the intake acts on.
func ParsePipelineEvent(eventHeader string, body []byte) (*PipelineEvent, string, error) {
	if eventHeader != PipelineHookEvent {
		return nil, "Not a Pipeline Hook event", nil
	}

	var ev PipelineEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, "", fmt.Errorf("invalid webhook payload: %w", err)
	}
	if ev.ObjectKind != "pipeline" || ev.ObjectAttributes == nil {
		return nil, "object_kind != pipeline", nil
	}
	if ev.ObjectAttributes.Status != "failed" {
		return nil, "status=" + ev.ObjectAttributes.Status, nil
	}
	return &ev, "", nil
}

// Handle records an incident for a failed pipeline
func (in *Intake) Handle(ctx context.Context, ev *PipelineEvent) (*Result, error) {
	attrs := ev.ObjectAttributes
	in.logger.Step("Pipeline %d failed for %s", attrs.ID, ev.Project.PathWithNamespace)

	project, err := in.projects.FindProjectByGitLab(ctx, ev.Project.ID, ev.Project.WebURL)
	if errors.Is(err, incident.ErrNotFound) {
		in.logger.Warning("No registered project for GitLab project %d (%s)", ev.Project.ID, ev.Project.WebURL)
		in.metrics.ObserveWebhook("ignored")
		return &Result{Ignored: true, Reason: "Project not registered"}, nil
	}
	if err != nil {
		in.metrics.ObserveWebhook("error")
		return nil, fmt.Errorf("failed to resolve project: %w", err)
	}

	pipelineURL := attrs.WebURL
	if pipelineURL == "" {
		pipelineURL = fmt.Sprintf("%s/-/pipelines/%d", strings.TrimSuffix(project.WebURL, "/"), attrs.ID)
	}

	jobs, err := in.pipelines.FetchPipelineJobs(ctx, project, attrs.ID)
	if err != nil {
		in.logger.Warning("Failed to fetch jobs for pipeline %d: %v", attrs.ID, err)
	} else {
		in.logger.Debug("Fetched %d jobs for pipeline %d", len(jobs), attrs.ID)
	}
	target := latestFailedJob(jobs)

	var fullLogs, ciConfig string
	var g errgroup.Group
	if target != nil {
		g.Go(func() error {
			logs, err := in.pipelines.FetchJobLog(ctx, project, target.ID)
			if err != nil {
				in.logger.Warning("Failed to fetch log for job %d: %v", target.ID, err)
				return nil
			}
			fullLogs = logs
			return nil
		})
	} else {
		in.logger.Info("No failed jobs found for pipeline %d", attrs.ID)
	}
	g.Go(func() error {
		cfg, err := in.pipelines.FetchCIConfig(ctx, project, attrs.Ref)
		if err != nil {
			in.logger.Warning("Failed to fetch .gitlab-ci.yml: %v", err)
			return nil
		}
		ciConfig = cfg
		return nil
	})
	_ = g.Wait()

	inc := &incident.Incident{
		ProjectID:    project.ID,
		PipelineID:   attrs.ID,
		PipelineURL:  pipelineURL,
		Status:       incident.StatusOpen,
		GitRef:       attrs.Ref,
		CommitSHA:    attrs.SHA,
		ErrorSnippet: extractErrorSnippet(fullLogs),
		LogsStored:   fullLogs != "",
		FullLogs:     fullLogs,
		CIConfig:     ciConfig,
	}
	if target != nil {
		inc.JobID = target.ID
		inc.JobName = target.Name
	}

	if err := in.incidents.CreateIncident(ctx, inc); err != nil {
		in.metrics.ObserveWebhook("error")
		return nil, fmt.Errorf("failed to create incident: %w", err)
	}

	in.metrics.ObserveWebhook("created")
	in.metrics.IncidentOpened()
	in.logger.Success("Incident %s created for pipeline %d", inc.ID, attrs.ID)
	return &Result{IncidentID: inc.ID}, nil
}

// latestFailedJob picks the failed job that finished last. Jobs without a
// finish time sort after those with one.
func latestFailedJob(jobs []gitlab.Job) *gitlab.Job {
	var failed []gitlab.Job
	for _, j := range jobs {
		if j.Status == "failed" {
			failed = append(failed, j)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	sort.SliceStable(failed, func(i, k int) bool {
		a, b := failed[i].FinishedAt, failed[k].FinishedAt
		if a == nil || b == nil {
			return a != nil
		}
		return a.After(*b)
	})
	return &failed[0]
}

// extractErrorSnippet returns the first line that looks like an error, or the
// last lines of the log when none does.
func extractErrorSnippet(logs string) string {
	if logs == "" {
		return ""
	}

	lines := strings.Split(logs, "\n")
	snippet := ""
	for _, l := range lines {
		if errorLine.MatchString(l) {
			snippet = l
			break
		}
	}
	if snippet == "" {
		if len(lines) > tailLines {
			lines = lines[len(lines)-tailLines:]
		}
		snippet = strings.Join(lines, "\n")
	}
	return truncate(snippet, maxSnippetBytes)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	// drop a rune split by the cut
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-size]
	}
	return s
}
