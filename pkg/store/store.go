package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/saint0x/incident-copilot/pkg/incident"
	"go.uber.org/zap"
)

// DBPool is the subset of pgxpool.Pool the store needs, so tests can swap in pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists projects, incidents, analyses and patches in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

const projectColumns = `id, name, host, gitlab_project_id, web_url, namespace, access_token, default_branch, active, created_at`

const (
	sqlInsertProject = `
        INSERT INTO projects (id, name, host, gitlab_project_id, web_url, namespace, access_token, default_branch, active, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	sqlSelectProject       = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	sqlSelectProjectGitLab = `SELECT ` + projectColumns + ` FROM projects WHERE active AND (gitlab_project_id = $1 OR web_url = $2) ORDER BY (gitlab_project_id = $1) DESC LIMIT 1`
	sqlSelectProjects      = `SELECT ` + projectColumns + ` FROM projects ORDER BY created_at DESC`
)

// CreateProject registers a project and fills in its ID and creation time.
func (s *Store) CreateProject(ctx context.Context, p *incident.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Host == "" {
		p.Host = incident.HostGitLab
	}
	p.DefaultBranch = p.BaseBranch()
	p.CreatedAt = s.now()

	_, err := s.pool.Exec(ctx, sqlInsertProject,
		p.ID, p.Name, string(p.Host), p.GitLabProjectID, p.WebURL, p.Namespace,
		p.AccessToken, p.DefaultBranch, p.Active, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	s.log.Info("Project registered", zap.String("project_id", p.ID), zap.String("web_url", p.WebURL))
	return nil
}

// FindProject loads a project by ID.
func (s *Store) FindProject(ctx context.Context, id string) (*incident.Project, error) {
	if !validID(id) {
		return nil, incident.ErrNotFound
	}
	return s.queryProject(ctx, sqlSelectProject, id)
}

// FindProjectByGitLab resolves an active project by GitLab numeric ID, falling back to its web URL.
func (s *Store) FindProjectByGitLab(ctx context.Context, gitlabID int64, webURL string) (*incident.Project, error) {
	return s.queryProject(ctx, sqlSelectProjectGitLab, gitlabID, webURL)
}

// ListProjects returns every registered project, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]*incident.Project, error) {
	rows, err := s.pool.Query(ctx, sqlSelectProjects)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	projects := []*incident.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read projects: %w", err)
	}
	return projects, nil
}

func (s *Store) queryProject(ctx context.Context, sql string, args ...any) (*incident.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, incident.ErrNotFound
	}
	return p, err
}

func scanProject(row pgx.Row) (*incident.Project, error) {
	var (
		p    incident.Project
		host string
	)
	err := row.Scan(&p.ID, &p.Name, &host, &p.GitLabProjectID, &p.WebURL, &p.Namespace,
		&p.AccessToken, &p.DefaultBranch, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	p.Host = incident.Host(host)
	return &p, nil
}

const incidentColumns = `id, project_id, pipeline_id, pipeline_url, job_id, job_name, status, category, git_ref, commit_sha,
        error_snippet, logs_stored, full_logs, ci_config, COALESCE(analysis_id::text, ''), COALESCE(patch_id::text, ''),
        merge_request, created_at, updated_at`

const (
	sqlInsertIncident = `
        INSERT INTO incidents (id, project_id, pipeline_id, pipeline_url, job_id, job_name, status, category, git_ref,
            commit_sha, error_snippet, logs_stored, full_logs, ci_config, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	sqlSelectIncident       = `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	sqlUpdateIncidentStatus = `UPDATE incidents SET status = $2, updated_at = $3 WHERE id = $1`
	sqlSetMergeRequest      = `UPDATE incidents SET merge_request = $2, updated_at = $3 WHERE id = $1`
	sqlInsertAnalysis       = `
        INSERT INTO analyses (id, incident_id, summary, root_cause, category, confidence, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	sqlLinkAnalysis = `UPDATE incidents SET analysis_id = $2, category = $3, updated_at = $4 WHERE id = $1`
	sqlInsertPatch  = `
        INSERT INTO patches (id, incident_id, diff, description, risk_level, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`
	sqlLinkPatch    = `UPDATE incidents SET patch_id = $2, updated_at = $3 WHERE id = $1`
	sqlSelectPatch  = `
        SELECT p.id, p.incident_id, p.diff, p.description, p.risk_level, p.created_at
        FROM patches p JOIN incidents i ON i.patch_id = p.id
        WHERE i.id = $1`
	sqlSelectAnalysis = `
        SELECT a.id, a.incident_id, a.summary, a.root_cause, a.category, a.confidence, a.created_at
        FROM analyses a JOIN incidents i ON i.analysis_id = a.id
        WHERE i.id = $1`
)

// Filter narrows ListIncidents; zero fields match everything.
type Filter struct {
	ProjectID string
	Status    incident.Status
	Category  incident.Category
}

// CreateIncident stores a newly opened incident.
func (s *Store) CreateIncident(ctx context.Context, inc *incident.Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.Status == "" {
		inc.Status = incident.StatusOpen
	}
	now := s.now()
	inc.CreatedAt, inc.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx, sqlInsertIncident,
		inc.ID, inc.ProjectID, inc.PipelineID, inc.PipelineURL, inc.JobID, inc.JobName,
		string(inc.Status), string(inc.Category), inc.GitRef, inc.CommitSHA, inc.ErrorSnippet,
		inc.LogsStored, inc.FullLogs, inc.CIConfig, inc.CreatedAt, inc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

// FindIncident loads an incident by ID.
func (s *Store) FindIncident(ctx context.Context, id string) (*incident.Incident, error) {
	if !validID(id) {
		return nil, incident.ErrNotFound
	}
	inc, err := scanIncident(s.pool.QueryRow(ctx, sqlSelectIncident, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, incident.ErrNotFound
	}
	return inc, err
}

// ListIncidents returns incidents matching f, newest first. Full logs are omitted.
func (s *Store) ListIncidents(ctx context.Context, f Filter) ([]*incident.Incident, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != "" {
		if !validID(f.ProjectID) {
			return []*incident.Incident{}, nil
		}
		args = append(args, f.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Category != "" {
		args = append(args, string(f.Category))
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}

	sql := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	incidents := []*incident.Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		inc.FullLogs = ""
		incidents = append(incidents, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read incidents: %w", err)
	}
	return incidents, nil
}

// UpdateIncidentStatus moves an incident to status.
func (s *Store) UpdateIncidentStatus(ctx context.Context, id string, status incident.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	if !validID(id) {
		return incident.ErrNotFound
	}
	return s.execOne(ctx, "update incident status", sqlUpdateIncidentStatus, id, string(status), s.now())
}

// SetMergeRequest replaces the incident's merge request reference.
func (s *Store) SetMergeRequest(ctx context.Context, id string, mr *incident.MergeRequestRef) error {
	if !validID(id) {
		return incident.ErrNotFound
	}
	raw, err := json.Marshal(mr)
	if err != nil {
		return fmt.Errorf("failed to encode merge request: %w", err)
	}
	return s.execOne(ctx, "set merge request", sqlSetMergeRequest, id, raw, s.now())
}

// SaveAnalysis stores an analysis, links it to the incident and copies its category across.
func (s *Store) SaveAnalysis(ctx context.Context, a *incident.Analysis) error {
	if !validID(a.IncidentID) {
		return incident.ErrNotFound
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.now()

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlInsertAnalysis,
			a.ID, a.IncidentID, a.Summary, a.RootCause, string(a.Category), a.Confidence, a.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert analysis: %w", err)
		}
		return linkIncident(ctx, tx, sqlLinkAnalysis, a.IncidentID, a.ID, string(a.Category), a.CreatedAt)
	})
}

// SavePatch stores a new patch record and makes it the incident's current patch.
func (s *Store) SavePatch(ctx context.Context, p *incident.PatchRecord) error {
	if !validID(p.IncidentID) {
		return incident.ErrNotFound
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.RiskLevel == "" {
		p.RiskLevel = incident.RiskMedium
	}
	p.CreatedAt = s.now()

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlInsertPatch,
			p.ID, p.IncidentID, p.Diff, p.Description, string(p.RiskLevel), p.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert patch: %w", err)
		}
		return linkIncident(ctx, tx, sqlLinkPatch, p.IncidentID, p.ID, p.CreatedAt)
	})
}

// FindPatch returns the incident's current patch.
func (s *Store) FindPatch(ctx context.Context, incidentID string) (*incident.PatchRecord, error) {
	if !validID(incidentID) {
		return nil, incident.ErrNotFound
	}
	var (
		p    incident.PatchRecord
		risk string
	)
	err := s.pool.QueryRow(ctx, sqlSelectPatch, incidentID).
		Scan(&p.ID, &p.IncidentID, &p.Diff, &p.Description, &risk, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, incident.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load patch: %w", err)
	}
	p.RiskLevel = incident.ParseRiskLevel(risk)
	return &p, nil
}

// FindAnalysis returns the incident's current analysis.
func (s *Store) FindAnalysis(ctx context.Context, incidentID string) (*incident.Analysis, error) {
	if !validID(incidentID) {
		return nil, incident.ErrNotFound
	}
	var (
		a        incident.Analysis
		category string
	)
	err := s.pool.QueryRow(ctx, sqlSelectAnalysis, incidentID).
		Scan(&a.ID, &a.IncidentID, &a.Summary, &a.RootCause, &category, &a.Confidence, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, incident.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis: %w", err)
	}
	a.Category = incident.ParseCategory(category)
	return &a, nil
}

// validID reports whether id can match a UUID primary key. Anything else
// cannot exist and would fail to encode.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *Store) execOne(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func linkIncident(ctx context.Context, tx pgx.Tx, sql, incidentID string, args ...any) error {
	tag, err := tx.Exec(ctx, sql, append([]any{incidentID}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to link incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}
	return nil
}

func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc              incident.Incident
		status, category string
		mr               []byte
	)
	err := row.Scan(&inc.ID, &inc.ProjectID, &inc.PipelineID, &inc.PipelineURL, &inc.JobID, &inc.JobName,
		&status, &category, &inc.GitRef, &inc.CommitSHA, &inc.ErrorSnippet, &inc.LogsStored, &inc.FullLogs,
		&inc.CIConfig, &inc.AnalysisID, &inc.PatchID, &mr, &inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}
	inc.Status = incident.Status(status)
	if category != "" {
		inc.Category = incident.ParseCategory(category)
	}
	if len(mr) > 0 && string(mr) != "null" {
		inc.MergeRequest = &incident.MergeRequestRef{}
		if err := json.Unmarshal(mr, inc.MergeRequest); err != nil {
			return nil, fmt.Errorf("failed to decode merge request: %w", err)
		}
	}
	return &inc, nil
}
