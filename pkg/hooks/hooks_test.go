package hooks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/saint0x/incident-copilot/pkg/gitlab"
	"github.com/saint0x/incident-copilot/pkg/incident"
	"github.com/saint0x/incident-copilot/pkg/log"
	"github.com/saint0x/incident-copilot/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	project   *incident.Project
	findErr   error
	createErr error
	created   []*incident.Incident
}

func (f *fakeStore) FindProjectByGitLab(_ context.Context, gitlabID int64, webURL string) (*incident.Project, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.project == nil || (f.project.GitLabProjectID != gitlabID && f.project.WebURL != webURL) {
		return nil, incident.ErrNotFound
	}
	return f.project, nil
}

func (f *fakeStore) CreateIncident(_ context.Context, inc *incident.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	inc.ID = "inc-1"
	f.created = append(f.created, inc)
	return nil
}

type fakePipelines struct {
	jobs    []gitlab.Job
	jobsErr error
	logs    map[int64]string
	logErr  error
	ci      string
	ciErr   error
	ciRef   string
}

func (f *fakePipelines) FetchPipelineJobs(context.Context, *incident.Project, int64) ([]gitlab.Job, error) {
	return f.jobs, f.jobsErr
}

func (f *fakePipelines) FetchJobLog(_ context.Context, _ *incident.Project, jobID int64) (string, error) {
	if f.logErr != nil {
		return "", f.logErr
	}
	return f.logs[jobID], nil
}

func (f *fakePipelines) FetchCIConfig(_ context.Context, _ *incident.Project, ref string) (string, error) {
	f.ciRef = ref
	return f.ci, f.ciErr
}

const failedPipelineBody = `{
  "object_kind": "pipeline",
  "object_attributes": {"id": 100, "status": "failed", "ref": "main", "sha": "abc123", "web_url": ""},
  "project": {"id": 42, "web_url": "https://gitlab.example.com/org/service", "path_with_namespace": "org/service"}
}`

func TestParsePipelineEvent(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		body       string
		wantReason string
		wantErr    bool
	}{
		{"push event", "Push Hook", `{}`, "Not a Pipeline Hook event", false},
		{"wrong kind", PipelineHookEvent, `{"object_kind":"build"}`, "object_kind != pipeline", false},
		{"missing attributes", PipelineHookEvent, `{"object_kind":"pipeline"}`, "object_kind != pipeline", false},
		{"success", PipelineHookEvent, `{"object_kind":"pipeline","object_attributes":{"id":1,"status":"success"}}`, "status=success", false},
		{"bad json", PipelineHookEvent, `{`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, reason, err := ParsePipelineEvent(tt.header, []byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Nil(t, ev)
			assert.Equal(t, tt.wantReason, reason)
		})
	}

	ev, reason, err := ParsePipelineEvent(PipelineHookEvent, []byte(failedPipelineBody))
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.Equal(t, int64(100), ev.ObjectAttributes.ID)
	assert.Equal(t, int64(42), ev.Project.ID)
}

func failedEvent(t *testing.T) *PipelineEvent {
	t.Helper()
	ev, _, err := ParsePipelineEvent(PipelineHookEvent, []byte(failedPipelineBody))
	require.NoError(t, err)
	return ev
}

func TestHandleCreatesIncident(t *testing.T) {
	early := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	store := &fakeStore{project: &incident.Project{ID: "p1", GitLabProjectID: 42, WebURL: "https://gitlab.example.com/org/service"}}
	pipelines := &fakePipelines{
		jobs: []gitlab.Job{
			{ID: 1, Name: "build", Status: "success"},
			{ID: 2, Name: "lint", Status: "failed", FinishedAt: &early},
			{ID: 3, Name: "test", Status: "failed", FinishedAt: &late},
		},
		logs: map[int64]string{3: "Running tests\nERROR: assertion failed\nmore"},
		ci:   "test:\n  script: make test\n",
	}
	m := metrics.New()
	intake := New(log.NewNop(), store, store, pipelines, m)

	res, err := intake.Handle(context.Background(), failedEvent(t))
	require.NoError(t, err)
	assert.Equal(t, "inc-1", res.IncidentID)
	assert.False(t, res.Ignored)

	require.Len(t, store.created, 1)
	inc := store.created[0]
	assert.Equal(t, "p1", inc.ProjectID)
	assert.Equal(t, int64(3), inc.JobID)
	assert.Equal(t, "test", inc.JobName)
	assert.Equal(t, incident.StatusOpen, inc.Status)
	assert.Equal(t, "ERROR: assertion failed", inc.ErrorSnippet)
	assert.True(t, inc.LogsStored)
	assert.Equal(t, "https://gitlab.example.com/org/service/-/pipelines/100", inc.PipelineURL)
	assert.Equal(t, "main", pipelines.ciRef)
	assert.Contains(t, inc.CIConfig, "make test")
	assert.Equal(t, "abc123", inc.CommitSHA)

	count, err := testutil.GatherAndCount(m.Registry(), "incident_copilot_webhook_events_total", "incident_copilot_incident_opened_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestHandleToleratesFetchFailures(t *testing.T) {
	store := &fakeStore{project: &incident.Project{ID: "p1", GitLabProjectID: 42}}
	pipelines := &fakePipelines{
		jobsErr: errors.New("gitlab down"),
		ciErr:   errors.New("gitlab down"),
	}
	intake := New(log.NewNop(), store, store, pipelines, nil)

	res, err := intake.Handle(context.Background(), failedEvent(t))
	require.NoError(t, err)
	assert.Equal(t, "inc-1", res.IncidentID)

	inc := store.created[0]
	assert.Zero(t, inc.JobID)
	assert.False(t, inc.LogsStored)
	assert.Empty(t, inc.ErrorSnippet)
	assert.Empty(t, inc.CIConfig)
}

func TestHandleUnregisteredProject(t *testing.T) {
	store := &fakeStore{}
	intake := New(log.NewNop(), store, store, &fakePipelines{}, nil)

	res, err := intake.Handle(context.Background(), failedEvent(t))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, "Project not registered", res.Reason)
	assert.Empty(t, store.created)
}

func TestHandleStoreFailure(t *testing.T) {
	store := &fakeStore{
		project:   &incident.Project{ID: "p1", GitLabProjectID: 42},
		createErr: errors.New("connection reset"),
	}
	intake := New(log.NewNop(), store, store, &fakePipelines{}, nil)

	_, err := intake.Handle(context.Background(), failedEvent(t))
	assert.Error(t, err)
}

func TestExtractErrorSnippet(t *testing.T) {
	assert.Empty(t, extractErrorSnippet(""))
	assert.Equal(t, "npm ERR! Failure in install", extractErrorSnippet("step 1\nnpm ERR! Failure in install\nstep 3"))

	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, "line")
	}
	lines[29] = "last"
	got := extractErrorSnippet(strings.Join(lines, "\n"))
	assert.Equal(t, 20, len(strings.Split(got, "\n")))
	assert.True(t, strings.HasSuffix(got, "last"))

	long := "Exception: " + strings.Repeat("é", 1000)
	got = extractErrorSnippet(long)
	assert.LessOrEqual(t, len(got), maxSnippetBytes)
	assert.True(t, strings.HasPrefix(got, "Exception: "))
	assert.NotContains(t, got, "�")
}

func TestLatestFailedJob(t *testing.T) {
	assert.Nil(t, latestFailedJob(nil))
	assert.Nil(t, latestFailedJob([]gitlab.Job{{ID: 1, Status: "success"}}))

	now := time.Now()
	job := latestFailedJob([]gitlab.Job{
		{ID: 1, Status: "failed"},
		{ID: 2, Status: "failed", FinishedAt: &now},
	})
	require.NotNil(t, job)
	assert.Equal(t, int64(2), job.ID)
}
