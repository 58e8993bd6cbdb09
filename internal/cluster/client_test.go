package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const allDocsBody = `{
  "total_rows": 4, "offset": 0,
  "rows": [
    {"id": "_design/_replicator", "doc": {"_id": "_design/_replicator", "language": "javascript"}},
    {"id": "r1", "doc": {"_id": "r1", "source": "db_a", "target": "http://h/db_b", "continuous": true}},
    {"id": "r2", "doc": {"_id": "r2", "source": {"url": "http://h/db_c", "headers": {}}, "target": 42,
      "_replication_state": "error", "_replication_state_time": "2024-01-02T03:04:05Z",
      "_replication_stats": {"docs_read": 5}}},
    {"id": "r3", "value": {"deleted": true}, "doc": null}
  ]
}`

const activeTasksBody = `[
  {"type": "indexer", "database": "shards/x/db", "progress": 50},
  {"type": "replication", "doc_id": "r1", "process_status": "waiting", "updated_on": 1700000000,
   "docs_read": 10, "docs_written": "oops", "revisions_checked": 7, "changes_pending": null},
  {"type": "replication", "doc_id": "r2", "process_status": "running", "updated_on": 1700000100,
   "changes_pending": 3}
]`

const schedulerJobsBody = `{
  "total_rows": 1, "offset": 0,
  "jobs": [
    {"id": "abc+continuous", "doc_id": "r1", "history": [
      {"type": "crashed", "timestamp": "2024-01-02T03:04:05Z", "reason": "db_not_found"},
      {"type": "started", "timestamp": "2024-01-02T03:00:00Z"},
      "garbage"
    ]},
    {"id": "def", "doc_id": "r2", "history": {"not": "an array"}}
  ]
}`

// fakeCouch serves canned CouchDB responses.
func fakeCouch(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/_replicator/_all_docs", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "true", r.URL.Query().Get("include_docs"))
		w.Write([]byte(allDocsBody))
	})
	mux.HandleFunc("/_replicator/r1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"_id": "r1", "source": "db_a", "target": "db_b", "_replication_state": "completed"}`))
	})
	mux.HandleFunc("/_replicator/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "not_found", "reason": "missing"}`))
	})
	mux.HandleFunc("/_active_tasks", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(activeTasksBody))
	})
	mux.HandleFunc("/_scheduler/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(schedulerJobsBody))
	})
	mux.HandleFunc("/_up", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "ok"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string) Client {
	t.Helper()
	c, err := NewClient(Options{URL: url + "/", Username: "admin", Password: "secret", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "empty", url: ""},
		{name: "no scheme", url: "localhost:5984"},
		{name: "unsupported scheme", url: "ftp://localhost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(Options{URL: tt.url})
			assert.Error(t, err)
		})
	}
}

func TestReplicationDocs(t *testing.T) {
	srv := fakeCouch(t)
	c := newTestClient(t, srv.URL)

	docs, err := c.ReplicationDocs(context.Background())
	require.NoError(t, err)

	// design doc and the null doc row are skipped
	require.Len(t, docs, 2)

	r1 := docs[0]
	assert.Equal(t, "r1", r1.ID)
	assert.True(t, r1.Continuous)
	assert.Equal(t, EndpointPlain, r1.Source.Kind)
	assert.Equal(t, "db_a", r1.Source.EffectiveURL())
	assert.Equal(t, "http://h/db_b", r1.Target.EffectiveURL())
	assert.False(t, r1.LegacyState.IsPresent())
	assert.Nil(t, r1.LegacyStats)

	r2 := docs[1]
	assert.Equal(t, EndpointStructured, r2.Source.Kind)
	assert.Equal(t, "http://h/db_c", r2.Source.EffectiveURL())
	_, plain := r2.Source.PlainString()
	assert.False(t, plain)
	assert.Equal(t, EndpointMissing, r2.Target.Kind)
	assert.Equal(t, "", r2.Target.EffectiveURL())
	assert.JSONEq(t, `42`, string(r2.Target.Raw))
	assert.False(t, r2.Continuous)
	assert.Equal(t, "error", r2.LegacyState.OrEmpty())
	assert.Equal(t, "2024-01-02T03:04:05Z", r2.LegacyStateTime.OrEmpty())
	assert.JSONEq(t, `{"docs_read": 5}`, string(r2.LegacyStats))
}

func TestReplicationDoc(t *testing.T) {
	srv := fakeCouch(t)
	c := newTestClient(t, srv.URL)

	doc, err := c.ReplicationDoc(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", doc.ID)
	src, ok := doc.Source.PlainString()
	assert.True(t, ok)
	assert.Equal(t, "db_a", src)
	assert.Equal(t, "completed", doc.LegacyState.OrEmpty())

	_, err = c.ReplicationDoc(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "not_found: missing")
}

func TestActiveTasks(t *testing.T) {
	srv := fakeCouch(t)
	c := newTestClient(t, srv.URL)

	tasks, err := c.ActiveTasks(context.Background())
	require.NoError(t, err)

	// the indexer task has no doc_id
	require.Len(t, tasks, 2)

	r1 := tasks[0]
	assert.Equal(t, "r1", r1.DocID)
	assert.Equal(t, "waiting", r1.ProcessStatus)
	assert.Equal(t, int64(1700000000), r1.UpdatedOn.OrEmpty())
	assert.Equal(t, int64(10), r1.DocsRead)
	assert.Equal(t, int64(0), r1.DocsWritten, "non-numeric counter defaults to zero")
	assert.Equal(t, int64(0), r1.DocWriteFailures)
	assert.Equal(t, int64(7), r1.RevisionsChecked)
	assert.False(t, r1.ChangesPending.IsPresent())

	pending, ok := tasks[1].ChangesPending.Get()
	assert.True(t, ok)
	assert.Equal(t, int64(3), pending)
}

func TestActiveTaskUpdatedOnMustBeNumeric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"type": "replication", "doc_id": "r1", "process_status": "running", "updated_on": "yesterday"},
			{"type": "replication", "doc_id": "r2", "process_status": "running"}
		]`))
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv.URL)

	tasks, err := c.ActiveTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.False(t, task.UpdatedOn.IsPresent(), task.DocID)
	}
}

func TestSchedulerJobs(t *testing.T) {
	srv := fakeCouch(t)
	c := newTestClient(t, srv.URL)

	jobs, err := c.SchedulerJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	r1 := jobs[0]
	assert.Equal(t, "r1", r1.DocID)
	require.Len(t, r1.History, 3, "non-object history entries keep their position")
	assert.True(t, r1.History[0].Crashed())
	assert.Equal(t, "db_not_found", r1.History[0].Reason.OrEmpty())
	assert.False(t, r1.History[1].Crashed())
	assert.False(t, r1.History[1].Reason.IsPresent())
	assert.Equal(t, HistoryEvent{}, r1.History[2])

	assert.Empty(t, jobs[1].History)
}

func TestSchedulerJobsMalformedHistoryKeepsOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jobs": [{"doc_id": "r1", "history": [
			"garbage",
			{"type": "started", "timestamp": "2024-01-02T03:00:00Z"},
			{"type": "crashed", "timestamp": "2024-01-02T02:00:00Z"}
		]}]}`))
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(t, srv.URL)

	jobs, err := c.SchedulerJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	history := jobs[0].History
	require.Len(t, history, 3)
	assert.Equal(t, "", history[0].Type)
	assert.Equal(t, "started", history[1].Type)
	assert.True(t, history[2].Crashed())
}

func TestUpAndRaw(t *testing.T) {
	srv := fakeCouch(t)
	c := newTestClient(t, srv.URL)

	require.NoError(t, c.Up(context.Background()))

	body, err := c.Raw(context.Background(), "_active_tasks")
	require.NoError(t, err)
	assert.JSONEq(t, activeTasksBody, string(body))
}

func TestInvalidJSONIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	_, err := c.ActiveTasks(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 0, apiErr.Status)
	assert.Contains(t, apiErr.Error(), "not valid JSON")
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url)
	_, err := c.SchedulerJobs(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 0, apiErr.Status)
	assert.False(t, IsNotFound(err))
}

func TestUnexpectedShapesDegradeToEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"unexpected": true}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	tasks, err := c.ActiveTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)

	jobs, err := c.SchedulerJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)

	docs, err := c.ReplicationDocs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestCouchReason(t *testing.T) {
	assert.Equal(t, "unauthorized: Name or password is incorrect.",
		couchReason([]byte(`{"error":"unauthorized","reason":"Name or password is incorrect."}`), "401 Unauthorized"))
	assert.Equal(t, "forbidden", couchReason([]byte(`{"error":"forbidden"}`), "403 Forbidden"))
	assert.Equal(t, "502 Bad Gateway", couchReason([]byte(`bad gateway`), "502 Bad Gateway"))
}
