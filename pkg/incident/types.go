package incident

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Host identifies the git hosting service a project lives on
type Host string

const (
	HostGitLab Host = "gitlab"
	HostGitHub Host = "github"
)

// Status of an incident
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusIgnored  Status = "ignored"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusResolved, StatusIgnored:
		return true
	}
	return false
}

// Category is the failure class assigned by root-cause analysis
type Category string

const (
	CategoryConfig     Category = "config"
	CategoryDependency Category = "dependency"
	CategoryTest       Category = "test"
	CategoryInfra      Category = "infra"
	CategoryTimeout    Category = "timeout"
	CategoryOther      Category = "other"
)

// ParseCategory maps free text onto a known category, defaulting to other
func ParseCategory(s string) Category {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryConfig, CategoryDependency, CategoryTest, CategoryInfra, CategoryTimeout, CategoryOther:
		return c
	}
	return CategoryOther
}

// RiskLevel of a proposed patch
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParseRiskLevel maps free text onto a risk level, defaulting to medium
func ParseRiskLevel(s string) RiskLevel {
	switch r := RiskLevel(strings.ToLower(strings.TrimSpace(s))); r {
	case RiskLow, RiskMedium, RiskHigh:
		return r
	}
	return RiskMedium
}

// Project is a registered repository whose pipelines are watched
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Host            Host      `json:"host"`
	GitLabProjectID int64     `json:"gitlabProjectId"`
	WebURL          string    `json:"webUrl"`
	Namespace       string    `json:"namespace"`
	AccessToken     string    `json:"-"`
	DefaultBranch   string    `json:"defaultBranch"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"createdAt"`
}

// BaseBranch is the branch merge requests target
func (p *Project) BaseBranch() string {
	if p.DefaultBranch == "" {
		return "main"
	}
	return p.DefaultBranch
}

// MergeRequestRef is the incident's current merge request
type MergeRequestRef struct {
	ID     int64  `json:"id"`
	IID    int64  `json:"iid"`
	URL    string `json:"url"`
	Branch string `json:"branch"`
	Status string `json:"status"`
}

// Incident records one failed pipeline
type Incident struct {
	ID           string           `json:"id"`
	ProjectID    string           `json:"projectId"`
	PipelineID   int64            `json:"pipelineId"`
	PipelineURL  string           `json:"pipelineUrl"`
	JobID        int64            `json:"jobId,omitempty"`
	JobName      string           `json:"jobName,omitempty"`
	Status       Status           `json:"status"`
	Category     Category         `json:"category,omitempty"`
	GitRef       string           `json:"gitRef"`
	CommitSHA    string           `json:"commitSha"`
	ErrorSnippet string           `json:"errorSnippet"`
	LogsStored   bool             `json:"logsStored"`
	FullLogs     string           `json:"fullLogs,omitempty"`
	CIConfig     string           `json:"gitlabCiConfig,omitempty"`
	AnalysisID   string           `json:"analysisId,omitempty"`
	PatchID      string           `json:"patchId,omitempty"`
	MergeRequest *MergeRequestRef `json:"mergeRequest,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// PatchRecord is an AI-proposed diff for an incident. Never mutated once stored.
type PatchRecord struct {
	ID          string    `json:"id"`
	IncidentID  string    `json:"incidentId"`
	Diff        string    `json:"diff"`
	Description string    `json:"description"`
	RiskLevel   RiskLevel `json:"riskLevel"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Analysis is a stored root-cause analysis
type Analysis struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incidentId"`
	Summary    string    `json:"summary"`
	RootCause  string    `json:"rootCause"`
	Category   Category  `json:"category"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RemediationResult describes one successful remediation attempt
type RemediationResult struct {
	FilePath           string `json:"filePath"`
	IsNewFile          bool   `json:"isNewFile"`
	Content            string `json:"reconstructedContent"`
	Branch             string `json:"branchName"`
	MergeRequestID     int64  `json:"mergeRequestId"`
	MergeRequestURL    string `json:"mergeRequestUrl"`
	MergeRequestStatus string `json:"mergeRequestStatus"`
}

// FileCommit writes one file to a branch
type FileCommit struct {
	Branch  string
	Path    string
	Content string
	Message string
	// Create selects the create action instead of update
	Create bool
}

// MergeRequestDraft is what a repository client needs to open a merge request
type MergeRequestDraft struct {
	SourceBranch       string
	TargetBranch       string
	Title              string
	Description        string
	Squash             bool
	RemoveSourceBranch bool
}

var (
	// ErrNotFound is returned by stores when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrBranchExists is returned by repository clients when the branch is already there
	ErrBranchExists = errors.New("branch already exists")
)

// RemoteError is a failed call to a git host
type RemoteError struct {
	Op      string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}
