// Package remediate turns a stored patch into a branch, a commit and a merge request.
package remediate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/saint0x/incident-copilot/pkg/diff"
	"github.com/saint0x/incident-copilot/pkg/incident"
	"github.com/saint0x/incident-copilot/pkg/log"
	"github.com/saint0x/incident-copilot/pkg/metrics"
	"github.com/saint0x/incident-copilot/pkg/patch"
)

// BranchPrefix is prepended to the incident ID to name the fix branch
const BranchPrefix = "incident-fix-"

// IncidentStore reads incidents and their patches and records merge requests
type IncidentStore interface {
	FindIncident(ctx context.Context, id string) (*incident.Incident, error)
	FindPatch(ctx context.Context, incidentID string) (*incident.PatchRecord, error)
	SetMergeRequest(ctx context.Context, incidentID string, mr *incident.MergeRequestRef) error
}

// ProjectStore loads registered projects
type ProjectStore interface {
	FindProject(ctx context.Context, id string) (*incident.Project, error)
}

// Repository is the git host surface the remediation pipeline writes to
type Repository interface {
	CreateBranch(ctx context.Context, p *incident.Project, branch, ref string) error
	GetFile(ctx context.Context, p *incident.Project, path, ref string) (string, error)
	CommitFile(ctx context.Context, p *incident.Project, fc incident.FileCommit) error
	CreateMergeRequest(ctx context.Context, p *incident.Project, d incident.MergeRequestDraft) (*incident.MergeRequestRef, error)
}

// Remediator runs the remediation pipeline. It holds no per-incident state.
type Remediator struct {
	logger    *log.Logger
	incidents IncidentStore
	projects  ProjectStore
	repos     map[incident.Host]Repository
	metrics   *metrics.Metrics
}

// New creates a Remediator. repos maps each supported host to its client; m may be nil.
func New(logger *log.Logger, incidents IncidentStore, projects ProjectStore, repos map[incident.Host]Repository, m *metrics.Metrics) (*Remediator, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if incidents == nil || projects == nil {
		return nil, fmt.Errorf("incident and project stores are required")
	}
	if len(repos) == 0 {
		return nil, fmt.Errorf("at least one repository client is required")
	}

	return &Remediator{
		logger:    logger,
		incidents: incidents,
		projects:  projects,
		repos:     repos,
		metrics:   m,
	}, nil
}

// BranchName is the fix branch for an incident
func BranchName(incidentID string) string {
	return BranchPrefix + incidentID
}

// Remediate applies the incident's current patch and opens a merge request.
// Every failure is an *Error. A branch left over from an earlier attempt is reused.
func (r *Remediator) Remediate(ctx context.Context, incidentID string) (*incident.RemediationResult, error) {
	res, err := r.remediate(ctx, incidentID)
	if err != nil {
		r.metrics.ObserveRemediation(string(CodeOf(err)))
		r.logger.Error("Remediation of incident %s failed: %v", incidentID, err)
		return nil, err
	}
	r.metrics.ObserveRemediation("success")
	return res, nil
}

func (r *Remediator) remediate(ctx context.Context, incidentID string) (*incident.RemediationResult, error) {
	r.logger.Step("Remediating incident %s...", incidentID)

	inc, err := r.incidents.FindIncident(ctx, incidentID)
	if err != nil {
		return nil, lookupError("incident", err)
	}
	project, err := r.projects.FindProject(ctx, inc.ProjectID)
	if err != nil {
		return nil, lookupError("project", err)
	}
	rec, err := r.incidents.FindPatch(ctx, inc.ID)
	if errors.Is(err, incident.ErrNotFound) {
		return nil, newError(CodePatchMissing, "incident has no generated patch", nil)
	}
	if err != nil {
		return nil, newError(CodeInternal, "failed to load patch", err)
	}
	if strings.TrimSpace(rec.Diff) == "" {
		return nil, newError(CodePatchMissing, "incident patch is empty", nil)
	}

	repo, ok := r.repos[project.Host]
	if !ok {
		return nil, newError(CodeInternal, fmt.Sprintf("no repository client for host %q", project.Host), nil)
	}

	d, err := diff.Normalize(rec.Diff)
	switch {
	case errors.Is(err, diff.ErrNoPath):
		return nil, newError(CodePathNotFound, "could not find a target file path in the diff", err)
	case err != nil:
		return nil, newError(CodeInvalidDiff, "diff is empty or malformed", err)
	}
	r.logger.Diff("Patch targets %s (new file: %t)", d.Path, d.NewFile)

	base := project.BaseBranch()
	branch := BranchName(inc.ID)
	if err := repo.CreateBranch(ctx, project, branch, base); err != nil {
		if !errors.Is(err, incident.ErrBranchExists) {
			return nil, remoteError("failed to create branch "+branch, err)
		}
		r.logger.Branch("Branch %s already exists, reusing it", branch)
	}

	var content, original string
	if d.NewFile {
		content = patch.NewFile(d.Text)
		if strings.TrimSpace(content) == "" {
			return nil, newError(CodeEmptyContent, "new file diff has no content", nil)
		}
	} else {
		original, err = repo.GetFile(ctx, project, d.Path, base)
		if err != nil {
			return nil, newError(CodeFileFetchFailed, "failed to fetch "+d.Path, err)
		}
		content, ok = patch.Existing(original, d.Text)
		if !ok {
			return nil, newError(CodePatchFailed, "patch produced no content for "+d.Path, nil)
		}
	}

	verb := "patched"
	if d.NewFile {
		verb = "created"
	}
	err = repo.CommitFile(ctx, project, incident.FileCommit{
		Branch:  branch,
		Path:    d.Path,
		Content: content,
		Message: fmt.Sprintf("AI %s %s", verb, d.Path),
		Create:  d.NewFile,
	})
	if err != nil {
		return nil, remoteError("failed to commit "+d.Path, err)
	}
	r.logger.Git("Committed %s to %s", d.Path, branch)

	mr, err := repo.CreateMergeRequest(ctx, project, incident.MergeRequestDraft{
		SourceBranch:       branch,
		TargetBranch:       base,
		Title:              "AI fix for incident " + inc.ID,
		Description:        description(inc, rec, d, patch.Summarize(original, content)),
		Squash:             true,
		RemoveSourceBranch: true,
	})
	if err != nil {
		return nil, remoteError("failed to create merge request", err)
	}
	if mr.Branch == "" {
		mr.Branch = branch
	}
	r.logger.MR("Opened merge request %s", mr.URL)

	if err := r.incidents.SetMergeRequest(ctx, inc.ID, mr); err != nil {
		return nil, newError(CodeInternal, "merge request opened but not recorded", err)
	}

	r.logger.Success("Incident %s remediated", inc.ID)
	return &incident.RemediationResult{
		FilePath:           d.Path,
		IsNewFile:          d.NewFile,
		Content:            content,
		Branch:             branch,
		MergeRequestID:     mr.IID,
		MergeRequestURL:    mr.URL,
		MergeRequestStatus: mr.Status,
	}, nil
}

func lookupError(what string, err error) *Error {
	if errors.Is(err, incident.ErrNotFound) {
		return newError(CodeNotFound, what+" not found", err)
	}
	return newError(CodeInternal, "failed to load "+what, err)
}

func description(inc *incident.Incident, rec *incident.PatchRecord, d *diff.Diff, s patch.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated fix for incident %s", inc.ID)
	if inc.PipelineURL != "" {
		fmt.Fprintf(&b, " (pipeline %s)", inc.PipelineURL)
	}
	b.WriteString(".\n\n")
	if rec.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", rec.Description)
	}
	fmt.Fprintf(&b, "- File: `%s`\n", d.Path)
	fmt.Fprintf(&b, "- Risk: %s\n", rec.RiskLevel)
	fmt.Fprintf(&b, "- Lines: +%d -%d (%d unchanged)\n", s.Added, s.Removed, s.Unchanged)
	if s.Removed > 0 && !d.NewFile {
		b.WriteString("\nThe file was rebuilt from the patch's added lines. Check that no existing content was dropped.\n")
	}
	return b.String()
}
