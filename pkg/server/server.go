package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/saint0x/incident-copilot/pkg/ai"
	"github.com/saint0x/incident-copilot/pkg/gitlab"
	"github.com/saint0x/incident-copilot/pkg/hooks"
	"github.com/saint0x/incident-copilot/pkg/incident"
	"github.com/saint0x/incident-copilot/pkg/log"
	"github.com/saint0x/incident-copilot/pkg/remediate"
	"github.com/saint0x/incident-copilot/pkg/store"
)

const maxWebhookBytes = 5 << 20

// Store is the persistence the routes read and write
type Store interface {
	ListProjects(ctx context.Context) ([]*incident.Project, error)
	FindProject(ctx context.Context, id string) (*incident.Project, error)
	ListIncidents(ctx context.Context, f store.Filter) ([]*incident.Incident, error)
	FindIncident(ctx context.Context, id string) (*incident.Incident, error)
	UpdateIncidentStatus(ctx context.Context, id string, status incident.Status) error
	SaveAnalysis(ctx context.Context, a *incident.Analysis) error
	FindAnalysis(ctx context.Context, incidentID string) (*incident.Analysis, error)
	SavePatch(ctx context.Context, p *incident.PatchRecord) error
	FindPatch(ctx context.Context, incidentID string) (*incident.PatchRecord, error)
}

// Analyzer produces root-cause analyses and patches
type Analyzer interface {
	RequestRCA(ctx context.Context, req ai.Request) (*ai.RCA, error)
	RequestPatch(ctx context.Context, req ai.Request) (*ai.PatchProposal, error)
	Providers() []string
}

// Remediator applies a stored patch and opens a merge request
type Remediator interface {
	Remediate(ctx context.Context, incidentID string) (*incident.RemediationResult, error)
}

// WebhookHandler turns failed pipelines into incidents
type WebhookHandler interface {
	Handle(ctx context.Context, ev *hooks.PipelineEvent) (*hooks.Result, error)
}

// PipelineRetrier retries pipelines on GitLab
type PipelineRetrier interface {
	RetryPipeline(ctx context.Context, p *incident.Project, pipelineID int64) (*gitlab.PipelineStatus, error)
}

// Deps are the components the server routes to
type Deps struct {
	Store      Store
	Analyzer   Analyzer
	Remediator Remediator
	Webhooks   WebhookHandler
	Pipelines  PipelineRetrier
	// Metrics is served on /metrics when set
	Metrics http.Handler
}

// Server exposes the incident API and the GitLab webhook
type Server struct {
	logger *log.Logger
	deps   Deps
	port   string
	srv    *http.Server
	addr   net.Addr
	mu     sync.RWMutex
}

// New creates a new server instance
func New(logger *log.Logger, port string, deps Deps) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Analyzer == nil {
		return nil, fmt.Errorf("ai generator is required")
	}
	if deps.Remediator == nil {
		return nil, fmt.Errorf("remediator is required")
	}
	if deps.Webhooks == nil {
		return nil, fmt.Errorf("webhook handler is required")
	}
	if deps.Pipelines == nil {
		return nil, fmt.Errorf("pipeline client is required")
	}
	if port == "" {
		port = "8080"
	}

	if logger.IsDebug() {
		logger.Info("Initializing server with components:")
		logger.Info("- Store: ✓")
		logger.Info("- AI Generator: ✓ (%v)", deps.Analyzer.Providers())
		logger.Info("- Remediator: ✓")
		logger.Info("- Webhook Intake: ✓")
	}

	return &Server{
		logger: logger,
		deps:   deps,
		port:   port,
	}, nil
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/webhooks/gitlab", s.handleGitLabWebhook)
	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	mux.HandleFunc("GET /api/incidents", s.handleListIncidents)
	mux.HandleFunc("GET /api/incidents/{id}", s.handleGetIncident)
	mux.HandleFunc("PATCH /api/incidents/{id}", s.handleUpdateIncident)
	mux.HandleFunc("POST /api/incidents/{id}/analysis", s.handleAnalysis)
	mux.HandleFunc("POST /api/incidents/{id}/patch", s.handlePatch)
	mux.HandleFunc("POST /api/incidents/{id}/create-mr", s.handleCreateMR)
	mux.HandleFunc("POST /api/incidents/{id}/rerun", s.handleRerun)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	return s.withLogging(mux)
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()

	listener, err := s.findAvailablePort(s.port)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to find available port: %w", err)
	}
	s.addr = listener.Addr()
	actualPort := listener.Addr().(*net.TCPAddr).Port

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error: %v", err)
		}
	}()

	s.logger.Success("Server is running on port %d", actualPort)
	if s.logger.IsDebug() {
		s.logger.Info("Webhook URL: http://localhost:%d/api/webhooks/gitlab", actualPort)
		s.logger.Info("Press Ctrl+C to stop")
	}

	<-ctx.Done()
	return s.Stop()
}

// Addr is the bound address once Start has run
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// findAvailablePort tries the configured port first, then any free one
func (s *Server) findAvailablePort(startPort string) (net.Listener, error) {
	listener, err := net.Listen("tcp", ":"+startPort)
	if err == nil {
		return listener, nil
	}

	s.logger.Warning("Port %s is in use, searching for available port...", startPort)

	listener, err = net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}
	return listener, nil
}

// Stop stops the server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.srv.Shutdown(ctx); err != nil {
			s.logger.Error("Failed to stop server: %v", err)
			return fmt.Errorf("failed to stop server: %w", err)
		}
		s.srv = nil
		s.logger.Success("Server stopped")
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data"`
	Error   *apiError `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: &apiError{Code: code, Message: msg}}); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

// writeLookupError answers a failed load with 404 or 500
func (s *Server) writeLookupError(w http.ResponseWriter, err error, code, what string) {
	if errors.Is(err, incident.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, code, what+" not found")
		return
	}
	s.logger.Error("Failed to load %s: %v", what, err)
	s.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": s.deps.Analyzer.Providers(),
		"time":      time.Now().UTC(),
	})
}

func (s *Server) handleGitLabWebhook(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-Gitlab-Event")
	s.logger.Info("GitLab webhook received (%s)", event)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "failed to read body")
		return
	}

	ev, reason, err := hooks.ParsePipelineEvent(event, body)
	if err != nil {
		s.logger.Warning("Rejected webhook: %v", err)
		s.writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if ev == nil {
		s.logger.Debug("Ignoring webhook: %s", reason)
		s.writeJSON(w, http.StatusOK, &hooks.Result{Ignored: true, Reason: reason})
		return
	}

	res, err := s.deps.Webhooks.Handle(r.Context(), ev)
	if err != nil {
		s.logger.Error("Webhook handler error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to record incident")
		return
	}
	if res.Ignored {
		s.writeJSON(w, http.StatusOK, res)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Store.ListProjects(r.Context())
	if err != nil {
		s.writeLookupError(w, err, "PROJECT_NOT_FOUND", "projects")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.deps.Store.FindProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err, "PROJECT_NOT_FOUND", "project")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		ProjectID: q.Get("projectId"),
		Status:    incident.Status(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "INVALID_STATUS", "unknown status "+string(f.Status))
		return
	}
	if c := q.Get("category"); c != "" {
		f.Category = incident.Category(c)
	}

	items, err := s.deps.Store.ListIncidents(r.Context(), f)
	if err != nil {
		s.writeLookupError(w, err, "INCIDENT_NOT_FOUND", "incidents")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"page":     1,
		"pageSize": len(items),
		"total":    len(items),
	})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inc, err := s.deps.Store.FindIncident(ctx, r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err, "INCIDENT_NOT_FOUND", "incident")
		return
	}

	data := map[string]any{"incident": inc, "aiAnalysis": nil, "aiPatch": nil}
	if a, err := s.deps.Store.FindAnalysis(ctx, inc.ID); err == nil {
		data["aiAnalysis"] = a
	} else if !errors.Is(err, incident.ErrNotFound) {
		s.logger.Warning("Failed to load analysis for %s: %v", inc.ID, err)
	}
	if p, err := s.deps.Store.FindPatch(ctx, inc.ID); err == nil {
		data["aiPatch"] = p
	} else if !errors.Is(err, incident.ErrNotFound) {
		s.logger.Warning("Failed to load patch for %s: %v", inc.ID, err)
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleUpdateIncident(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status incident.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid JSON body")
		return
	}
	if !body.Status.Valid() {
		s.writeError(w, http.StatusBadRequest, "INVALID_STATUS", "status must be open, resolved or ignored")
		return
	}

	id := r.PathValue("id")
	if err := s.deps.Store.UpdateIncidentStatus(r.Context(), id, body.Status); err != nil {
		s.writeLookupError(w, err, "INCIDENT_NOT_FOUND", "incident")
		return
	}
	inc, err := s.deps.Store.FindIncident(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, err, "INCIDENT_NOT_FOUND", "incident")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"incident": inc})
}

func analysisRequest(inc *incident.Incident) ai.Request {
	logs := inc.FullLogs
	if logs == "" {
		logs = inc.ErrorSnippet
	}
	return ai.Request{
		IncidentID: inc.ID,
		Logs:       logs,
		CIConfig:   inc.CIConfig,
		Metadata: map[string]any{
			"pipelineId": inc.PipelineID,
			"jobName":    inc.JobName,
			"gitRef":     inc.GitRef,
			"commitSha":  inc.CommitSHA,
		},
	}
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inc, err := s.deps.Store.FindIncident(ctx, r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err, "INCIDENT_NOT_FOUND", "incident")
		return
	}

	rca, err := s.deps.Analyzer.RequestRCA(ctx, analysisRequest(inc))
	if err != nil {
		s.logger.Error("Analysis failed for incident %s: %v", inc.ID, err)
		s.writeError(w, http.StatusBadGateway, "AI_UNAVAILABLE", "no AI provider could analyze the incident")
		return
	}

	analysis := &incident.Analysis{
		IncidentID: inc.ID,
		Summary:    rca.Summary,
		RootCause:  rca.RootCause,
		Category:   rca.Category,
		Confidence: rca.Confidence,
	}
	if err := s.deps.Store.SaveAnalysis(ctx, analysis); err != nil {
		s.writeLookupError(w, err, "INCIDENT_NOT_FOUND", "incident")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"aiAnalysis": analysis, "degraded": rca.Degraded})
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inc, err := s.deps.Store.FindIncident(ctx, r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err, "INCIDENT_NOT_FOUND", "incident")
		return
	}

	proposal, err := s.deps.Analyzer.RequestPatch(ctx, analysisRequest(inc))
	if err != nil {
		s.logger.Error("Patch generation failed for incident %s: %v", inc.ID, err)
		s.writeError(w, http.StatusBadGateway, "AI_UNAVAILABLE", "no AI provider could generate a patch")
		return
	}
	if proposal.Diff == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "PATCH_GENERATION_FAILED", proposal.Description)
		return
	}

	rec := &incident.PatchRecord{
		IncidentID:  inc.ID,
		Diff:        proposal.Diff,
		Description: proposal.Description,
		RiskLevel:   proposal.RiskLevel,
	}
	if err := s.deps.Store.SavePatch(ctx, rec); err != nil {
		s.writeLookupError(w, err, "INCIDENT_NOT_FOUND", "incident")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"aiPatch": rec})
}

func (s *Server) handleCreateMR(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Remediator.Remediate(r.Context(), r.PathValue("id"))
	if err != nil {
		var re *remediate.Error
		if errors.As(err, &re) {
			s.writeError(w, re.HTTPStatus(), string(re.Code), re.Message)
			return
		}
		s.writeError(w, http.StatusInternalServerError, string(remediate.CodeInternal), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"mergeRequestUrl": res.MergeRequestURL,
		"branch":          res.Branch,
		"status":          res.MergeRequestStatus,
		"mergeRequest":    res,
	})
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inc, err := s.deps.Store.FindIncident(ctx, r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err, "INCIDENT_NOT_FOUND", "incident")
		return
	}
	project, err := s.deps.Store.FindProject(ctx, inc.ProjectID)
	if err != nil {
		s.writeLookupError(w, err, "PROJECT_NOT_FOUND", "project")
		return
	}
	if project.Host != incident.HostGitLab {
		s.writeError(w, http.StatusBadRequest, "UNSUPPORTED_HOST", "pipeline retry is only supported for GitLab projects")
		return
	}

	status, err := s.deps.Pipelines.RetryPipeline(ctx, project, inc.PipelineID)
	if err != nil {
		code := http.StatusBadGateway
		var re *incident.RemoteError
		if errors.As(err, &re) && re.Status >= 400 && re.Status < 600 {
			code = re.Status
		}
		s.writeError(w, code, string(remediate.CodeRemoteAPI), err.Error())
		return
	}
	if status.WebURL == "" {
		status.WebURL = inc.PipelineURL
	}
	s.logger.Success("Retried pipeline %d for incident %s", inc.PipelineID, inc.ID)
	s.writeJSON(w, http.StatusOK, status)
}
