package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/saint0x/incident-copilot/pkg/incident"
	"github.com/saint0x/incident-copilot/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, mux *http.ServeMux) (*Client, *incident.Project) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(log.NewNop(), Config{BaseURL: srv.URL + "/api/v4", HTTPClient: srv.Client()})
	p := &incident.Project{
		ID:              "p1",
		GitLabProjectID: 42,
		WebURL:          "https://gitlab.example.com/org/service",
		AccessToken:     "glpat-test",
		DefaultBranch:   "main",
	}
	return c, p
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestCreateBranch(t *testing.T) {
	mux := http.NewServeMux()
	var body map[string]string
	mux.HandleFunc("POST /api/v4/projects/42/repository/branches", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "glpat-test", r.Header.Get("Private-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["branch"] == "incident-fix-existing" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Branch already exists"})
			return
		}
		if body["branch"] == "incident-fix-denied" {
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "403 Forbidden"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"name": body["branch"]})
	})
	c, p := setup(t, mux)
	ctx := context.Background()

	require.NoError(t, c.CreateBranch(ctx, p, "incident-fix-1", "main"))
	assert.Equal(t, "main", body["ref"])

	err := c.CreateBranch(ctx, p, "incident-fix-existing", "main")
	assert.ErrorIs(t, err, incident.ErrBranchExists)

	err = c.CreateBranch(ctx, p, "incident-fix-denied", "main")
	var re *incident.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusForbidden, re.Status)
}

func TestGetFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/projects/42/repository/files/{file}/raw", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		if r.PathValue("file") != "ci.yml" {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "404 File Not Found"})
			return
		}
		w.Write([]byte("old: true\n"))
	})
	c, p := setup(t, mux)

	content, err := c.GetFile(context.Background(), p, "ci.yml", "main")
	require.NoError(t, err)
	assert.Equal(t, "old: true\n", content)

	_, err = c.GetFile(context.Background(), p, "missing.yml", "main")
	var re *incident.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusNotFound, re.Status)
}

func TestCommitFile(t *testing.T) {
	tests := []struct {
		name       string
		create     bool
		wantAction string
	}{
		{"create", true, "create"},
		{"update", false, "update"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got struct {
				Branch        string `json:"branch"`
				CommitMessage string `json:"commit_message"`
				Actions       []struct {
					Action   string `json:"action"`
					FilePath string `json:"file_path"`
					Content  string `json:"content"`
				} `json:"actions"`
			}
			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/v4/projects/42/repository/commits", func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				writeJSON(w, http.StatusCreated, map[string]string{"id": "abc123", "short_id": "abc"})
			})
			c, p := setup(t, mux)

			err := c.CommitFile(context.Background(), p, incident.FileCommit{
				Branch:  "incident-fix-1",
				Path:    "scripts/fix.sh",
				Content: "#!/bin/sh\necho fixed",
				Message: "AI created scripts/fix.sh",
				Create:  tt.create,
			})
			require.NoError(t, err)

			assert.Equal(t, "incident-fix-1", got.Branch)
			assert.Equal(t, "AI created scripts/fix.sh", got.CommitMessage)
			require.Len(t, got.Actions, 1)
			assert.Equal(t, tt.wantAction, got.Actions[0].Action)
			assert.Equal(t, "scripts/fix.sh", got.Actions[0].FilePath)
			assert.Equal(t, "#!/bin/sh\necho fixed", got.Actions[0].Content)
		})
	}
}

func TestCreateMergeRequest(t *testing.T) {
	var got map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v4/projects/42/merge_requests", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"id":      901,
			"iid":     7,
			"web_url": "https://gitlab.example.com/org/service/-/merge_requests/7",
			"state":   "opened",
		})
	})
	c, p := setup(t, mux)

	ref, err := c.CreateMergeRequest(context.Background(), p, incident.MergeRequestDraft{
		SourceBranch:       "incident-fix-1",
		TargetBranch:       "main",
		Title:              "AI fix for incident 1",
		Description:        "body",
		Squash:             true,
		RemoveSourceBranch: true,
	})
	require.NoError(t, err)

	assert.Equal(t, &incident.MergeRequestRef{
		ID:     901,
		IID:    7,
		URL:    "https://gitlab.example.com/org/service/-/merge_requests/7",
		Branch: "incident-fix-1",
		Status: "opened",
	}, ref)
	assert.Equal(t, true, got["squash"])
	assert.Equal(t, true, got["remove_source_branch"])
	assert.Equal(t, "main", got["target_branch"])
}

func TestPipelineCalls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/projects/42/pipelines/100/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		writeJSON(w, http.StatusOK, []map[string]interface{}{
			{"id": 1, "name": "build", "status": "success", "stage": "build"},
			{"id": 2, "name": "test", "status": "failed", "stage": "test", "finished_at": "2024-05-01T10:00:00Z"},
		})
	})
	mux.HandleFunc("GET /api/v4/projects/42/jobs/2/trace", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "Running tests\nERROR: assertion failed\n")
	})
	mux.HandleFunc("GET /api/v4/projects/42/repository/files/{file}/raw", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ref") == "no-ci" {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "404 File Not Found"})
			return
		}
		io.WriteString(w, "test:\n  script: make test\n")
	})
	mux.HandleFunc("POST /api/v4/projects/42/pipelines/100/retry", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]interface{}{"id": 100, "status": "pending", "web_url": "https://gitlab.example.com/org/service/-/pipelines/100"})
	})
	c, p := setup(t, mux)
	ctx := context.Background()

	jobs, err := c.FetchPipelineJobs(ctx, p, 100)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "failed", jobs[1].Status)
	require.NotNil(t, jobs[1].FinishedAt)

	trace, err := c.FetchJobLog(ctx, p, 2)
	require.NoError(t, err)
	assert.Contains(t, trace, "ERROR: assertion failed")

	ci, err := c.FetchCIConfig(ctx, p, "main")
	require.NoError(t, err)
	assert.Contains(t, ci, "make test")

	ci, err = c.FetchCIConfig(ctx, p, "no-ci")
	require.NoError(t, err)
	assert.Empty(t, ci)

	status, err := c.RetryPipeline(ctx, p, 100)
	require.NoError(t, err)
	assert.Equal(t, "pending", status.Status)
}

func TestFetchProject(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/projects/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/org%2Fservice", r.URL.EscapedPath())
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":                  42,
			"name":                "service",
			"path_with_namespace": "org/service",
			"web_url":             "https://gitlab.example.com/org/service",
			"default_branch":      "trunk",
			"namespace":           map[string]interface{}{"full_path": "org"},
		})
	})
	c, _ := setup(t, mux)

	info, err := c.FetchProject(context.Background(), "https://gitlab.example.com/org/service", "glpat-new")
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.ID)
	assert.Equal(t, "trunk", info.DefaultBranch)
	assert.Equal(t, "org", info.Namespace)
}

func TestExtractProjectPath(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"https://gitlab.com/org/sample-service", "org/sample-service", false},
		{"https://gitlab.com/group/sub/repo.git", "group/sub/repo", false},
		{"https://gitlab.com/", "", true},
		{"not a url", "", true},
	}

	for _, tt := range tests {
		got, err := ExtractProjectPath(tt.url)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got)
	}
}

func TestProjectIDFallsBackToPath(t *testing.T) {
	pid, err := projectID(&incident.Project{WebURL: "https://gitlab.com/org/service"})
	require.NoError(t, err)
	assert.Equal(t, "org/service", pid)

	_, err = projectID(&incident.Project{})
	assert.Error(t, err)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	c := New(log.NewNop(), Config{BaseURL: "http://127.0.0.1:1", RateLimit: 0.001, Burst: 1})
	p := &incident.Project{GitLabProjectID: 1, AccessToken: "t"}

	ctx, cancel := context.WithCancel(context.Background())
	// spend the only token
	c.limiter.Allow()
	cancel()

	err := c.CreateBranch(ctx, p, "b", "main")
	require.Error(t, err)
	assert.False(t, errors.Is(err, incident.ErrBranchExists))
}
