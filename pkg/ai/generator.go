package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/saint0x/incident-copilot/pkg/diff"
	"github.com/saint0x/incident-copilot/pkg/incident"
	"github.com/saint0x/incident-copilot/pkg/log"
	"github.com/saint0x/incident-copilot/pkg/metrics"
)

const (
	defaultMaxLogBytes = 12000
	defaultTimeout     = 60 * time.Second

	patchFailedDescription = "AI could not generate patch"
	patchDescription       = "AI-generated patch"
)

// ErrNoProviders is returned when every provider failed
var ErrNoProviders = errors.New("all AI providers failed")

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// Generator asks an ordered list of providers for analyses and patches
type Generator struct {
	logger      *log.Logger
	providers   []Provider
	metrics     *metrics.Metrics
	maxLogBytes int
	timeout     time.Duration
}

// Option configures a Generator
type Option func(*Generator)

// WithMaxLogBytes keeps only the tail of the logs in prompts
func WithMaxLogBytes(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxLogBytes = n
		}
	}
}

// WithTimeout bounds each provider call
func WithTimeout(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithMetrics records provider calls
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Generator) {
		g.metrics = m
	}
}

// New creates a Generator. Providers are tried in the order given.
func New(logger *log.Logger, providers []Provider, opts ...Option) (*Generator, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one AI provider is required")
	}

	g := &Generator{
		logger:      logger,
		providers:   providers,
		maxLogBytes: defaultMaxLogBytes,
		timeout:     defaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Providers returns provider names in fallback order
func (g *Generator) Providers() []string {
	names := make([]string, len(g.providers))
	for i, p := range g.providers {
		names[i] = p.Name()
	}
	return names
}

// RequestRCA asks for a root-cause analysis. Unparseable answers yield a degraded result, not an error.
func (g *Generator) RequestRCA(ctx context.Context, req Request) (*RCA, error) {
	g.logger.Step("Requesting root-cause analysis for incident %s", req.IncidentID)

	raw, err := g.generate(ctx, "rca", rcaPrompt(g.tail(req.Logs), req.CIConfig, req.Metadata))
	if err != nil {
		return nil, err
	}

	rca := ParseRCA(raw)
	rca.IncidentID = req.IncidentID
	if rca.Degraded {
		g.logger.Warning("Could not parse analysis for incident %s, using degraded result", req.IncidentID)
	}
	return rca, nil
}

// RequestPatch asks for a unified diff. A blank or too short answer yields an empty, high-risk proposal.
func (g *Generator) RequestPatch(ctx context.Context, req Request) (*PatchProposal, error) {
	g.logger.Step("Requesting patch for incident %s", req.IncidentID)

	raw, err := g.generate(ctx, "patch", patchPrompt(g.tail(req.Logs), req.CIConfig, req.Metadata))
	if err != nil {
		return nil, err
	}

	cleaned := diff.Clean(raw)
	if len(cleaned) < diff.MinLength {
		g.logger.Warning("Model returned no usable patch for incident %s", req.IncidentID)
		return &PatchProposal{
			IncidentID:  req.IncidentID,
			Diff:        "",
			Description: patchFailedDescription,
			RiskLevel:   incident.RiskHigh,
		}, nil
	}

	g.logger.Diff("Received %d byte patch for incident %s", len(cleaned), req.IncidentID)
	return &PatchProposal{
		IncidentID:  req.IncidentID,
		Diff:        cleaned,
		Description: patchDescription,
		RiskLevel:   incident.RiskMedium,
	}, nil
}

// generate tries each provider in order and returns the first success
func (g *Generator) generate(ctx context.Context, op, prompt string) (string, error) {
	var errs []error
	for i, p := range g.providers {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		start := time.Now()
		out, err := p.Generate(callCtx, prompt)
		cancel()

		status := "ok"
		if err != nil {
			status = "error"
		}
		g.metrics.ObserveLLM(p.Name(), op, status, time.Since(start))

		if err == nil {
			if i > 0 {
				g.logger.Info("%s answered after fallback", p.Name())
			}
			return out, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
		if i < len(g.providers)-1 {
			g.logger.Warning("%s failed, falling back to %s: %v", p.Name(), g.providers[i+1].Name(), err)
		}
	}

	g.logger.Error("All AI providers failed for %s", op)
	return "", fmt.Errorf("%w: %w", ErrNoProviders, errors.Join(errs...))
}

// tail keeps the last maxLogBytes of logs on a rune boundary
func (g *Generator) tail(logs string) string {
	if len(logs) <= g.maxLogBytes {
		return logs
	}
	start := len(logs) - g.maxLogBytes
	for start < len(logs) && !utf8.RuneStart(logs[start]) {
		start++
	}
	return logs[start:]
}

type rcaPayload struct {
	Summary    string  `json:"summary"`
	RootCause  string  `json:"rootCause"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// DegradedRCA is returned when a model answer holds no parseable JSON object
func DegradedRCA() *RCA {
	return &RCA{
		Summary:    "Unable to parse response",
		RootCause:  "Unknown",
		Category:   incident.CategoryOther,
		Confidence: 0.2,
		Degraded:   true,
	}
}

// ParseRCA decodes raw as JSON, then retries on the outermost {...} substring,
// then gives up with DegradedRCA.
func ParseRCA(raw string) *RCA {
	p, ok := decodeRCA(raw)
	if !ok {
		p, ok = extractJSONObject(raw)
	}
	if !ok {
		return DegradedRCA()
	}

	conf := p.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return &RCA{
		Summary:    strings.TrimSpace(p.Summary),
		RootCause:  strings.TrimSpace(p.RootCause),
		Category:   incident.ParseCategory(p.Category),
		Confidence: conf,
	}
}

func decodeRCA(raw string) (rcaPayload, bool) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return rcaPayload{}, false
	}
	var p rcaPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return rcaPayload{}, false
	}
	return p, true
}

// extractJSONObject is a heuristic, not a parser: it reparses the span from the first "{" to the last "}"
func extractJSONObject(raw string) (rcaPayload, bool) {
	m := jsonObjectRe.FindString(raw)
	if m == "" {
		return rcaPayload{}, false
	}
	return decodeRCA(m)
}
