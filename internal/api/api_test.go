package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/tidings/internal/job"
	"github.com/btouchard/tidings/internal/notifier"
	"github.com/btouchard/tidings/internal/store"
)

type testJob struct {
	typ job.Type
	id  string
}

func (j testJob) JobType() job.Type { return j.typ }
func (j testJob) JobID() string     { return j.id }

func newTestServer(t *testing.T, seed func(n *notifier.Notifier)) *httptest.Server {
	t.Helper()
	n := notifier.New(store.NewLocalStore(), notifier.StaticSettings{
		MessagesPerJob: 10,
		JobsPerType:    10,
		GistOverview:   true,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = n.Close(ctx)
	})
	if seed != nil {
		seed(n)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, n.WaitIdle(ctx))
	}

	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	Mount(r, n, Info{Version: "test", Backend: "local"})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func seedJobs(n *notifier.Notifier) {
	export := testJob{typ: "export", id: "42"}
	_ = n.Info(export, "started")
	_ = n.Loop(export, "50%")
	_ = n.Info(export, "finished")
	_ = n.AddJobSummary(export, map[string]int{"rows": 7})
	_ = n.Info(testJob{typ: "import", id: "7"}, "queued")
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec // test server URL
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)

	var body map[string]string
	resp := getJSON(t, srv.URL+"/health", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestStatus(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)

	var body map[string]any
	resp := getJSON(t, srv.URL+"/status", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["idle"])
	assert.Equal(t, "local", body["backend"])
	assert.Equal(t, "test", body["version"])
	assert.NotEmpty(t, body["instance"])
}

func TestNotifications_OverviewUsesGistByDefault(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, seedJobs)

	var overview map[string]map[string][]job.Notification
	resp := getJSON(t, srv.URL+"/notifications", &overview)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	notes := overview["export"]["42"]
	require.Len(t, notes, 2)
	assert.Equal(t, "finished", notes[0].Message)
	assert.Equal(t, "started", notes[1].Message)
	assert.Len(t, overview["import"]["7"], 1)

	var full map[string]map[string][]job.Notification
	getJSON(t, srv.URL+"/notifications?gist=false", &full)
	assert.Len(t, full["export"]["42"], 3)
}

func TestNotifications_ByTypeAndJob(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, seedJobs)

	var byType map[string][]job.Notification
	getJSON(t, srv.URL+"/notifications/export", &byType)
	assert.Len(t, byType["42"], 3)

	var gist map[string][]job.Notification
	getJSON(t, srv.URL+"/notifications/export?gist=1", &gist)
	assert.Len(t, gist["42"], 2)

	var notes []job.Notification
	getJSON(t, srv.URL+"/notifications/export/42", &notes)
	require.Len(t, notes, 3)
	assert.Equal(t, job.LevelLoop, notes[1].Level)

	var missing []job.Notification
	resp := getJSON(t, srv.URL+"/notifications/export/nope", &missing)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, missing)
}

func TestNotifications_RejectsBadGist(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)

	var body map[string]string
	resp := getJSON(t, srv.URL+"/notifications?gist=maybe", &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "gist")
}

func TestSummaries(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, seedJobs)

	var all map[string]map[string]job.Summary
	getJSON(t, srv.URL+"/summaries", &all)
	require.Contains(t, all, "export")
	assert.JSONEq(t, `{"rows":7}`, string(all["export"]["42"].Data))

	var byType map[string]job.Summary
	getJSON(t, srv.URL+"/summaries/export", &byType)
	assert.Len(t, byType, 1)

	var one job.Summary
	resp := getJSON(t, srv.URL+"/summaries/export/42", &one)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "42", one.JobID)

	var errBody map[string]string
	resp = getJSON(t, srv.URL+"/summaries/import/7", &errBody)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, errBody["error"], "import/7")
}

func TestPathParamsAreUnescaped(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, func(n *notifier.Notifier) {
		_ = n.Info(testJob{typ: "nightly report", id: "a b"}, "hi")
		_ = n.Info(testJob{typ: "export", id: "eu/42"}, "slashed")
	})

	var notes []job.Notification
	getJSON(t, srv.URL+"/notifications/nightly%20report/a%20b", &notes)
	require.Len(t, notes, 1)
	assert.Equal(t, "hi", notes[0].Message)

	var slashed []job.Notification
	getJSON(t, srv.URL+"/notifications/export/eu%2F42", &slashed)
	require.Len(t, slashed, 1)
	assert.Equal(t, "slashed", slashed[0].Message)
}
