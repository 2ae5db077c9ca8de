package ai

import (
	"context"

	"github.com/saint0x/incident-copilot/pkg/incident"
)

// Provider is one text-generation backend
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Request carries the failure context sent to the model
type Request struct {
	IncidentID string         `json:"incidentId"`
	Logs       string         `json:"logs"`
	CIConfig   string         `json:"gitlabCiConfig"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RCA is a root-cause analysis. Degraded is set when the model answer could not be parsed.
type RCA struct {
	IncidentID string            `json:"incidentId"`
	Summary    string            `json:"summary"`
	RootCause  string            `json:"rootCause"`
	Category   incident.Category `json:"category"`
	Confidence float64           `json:"confidence"`
	Degraded   bool              `json:"degraded,omitempty"`
}

// PatchProposal is a cleaned diff. Diff is empty when the model produced nothing usable.
type PatchProposal struct {
	IncidentID  string             `json:"incidentId"`
	Diff        string             `json:"diff"`
	Description string             `json:"description"`
	RiskLevel   incident.RiskLevel `json:"risk"`
}
