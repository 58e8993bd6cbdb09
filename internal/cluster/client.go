package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dreamware/replmon/internal/observability"
)

// DefaultReplicatorDB is the database CouchDB reads replication documents from.
const DefaultReplicatorDB = "_replicator"

// Endpoint labels used for upstream metrics.
const (
	endpointReplicationDocs = "replicator_docs"
	endpointReplicationDoc  = "replicator_doc"
	endpointActiveTasks     = "active_tasks"
	endpointSchedulerJobs   = "scheduler_jobs"
	endpointUp              = "up"
	endpointRaw             = "raw"
)

// APIError describes a failed request to the cluster. Status is the HTTP
// status CouchDB answered with, or 0 when the request never got a response.
type APIError struct {
	Status   int
	Path     string
	Message  string
	Original error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("couchdb %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("couchdb %s: %d %s", e.Path, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Original
}

// IsNotFound reports whether err is an APIError carrying a 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client is the read-only view of a CouchDB cluster the monitor needs.
type Client interface {
	// ReplicationDocs lists every replication document of the replicator
	// database, design documents excluded.
	ReplicationDocs(ctx context.Context) ([]ReplicationDoc, error)
	// ReplicationDoc fetches a single replication document by id.
	ReplicationDoc(ctx context.Context, id string) (ReplicationDoc, error)
	// ActiveTasks lists the replication entries of /_active_tasks.
	ActiveTasks(ctx context.Context) ([]ActiveTask, error)
	// SchedulerJobs lists /_scheduler/jobs.
	SchedulerJobs(ctx context.Context) ([]SchedulerJob, error)
	// Up probes /_up.
	Up(ctx context.Context) error
	// Raw returns the body of an arbitrary GET below the cluster URL.
	Raw(ctx context.Context, path string) ([]byte, error)
}

type Options struct {
	URL          string
	Username     string
	Password     string
	ReplicatorDB string
	Timeout      time.Duration
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

type httpClient struct {
	client       *http.Client
	baseURL      string
	username     string
	password     string
	replicatorDB string
}

// NewClient returns a Client talking to the cluster at opts.URL. Credentials
// are sent with basic auth on every request.
func NewClient(opts Options) (Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.URL), "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid couchdb url %q: %w", opts.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid couchdb url %q: scheme must be http or https", opts.URL)
	}
	if opts.ReplicatorDB == "" {
		opts.ReplicatorDB = DefaultReplicatorDB
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &httpClient{
		client:       hc,
		baseURL:      base,
		username:     opts.Username,
		password:     opts.Password,
		replicatorDB: opts.ReplicatorDB,
	}, nil
}

func (c *httpClient) ReplicationDocs(ctx context.Context) ([]ReplicationDoc, error) {
	path := "/" + url.PathEscape(c.replicatorDB) + "/_all_docs?include_docs=true"
	body, err := c.getJSON(ctx, endpointReplicationDocs, path)
	if err != nil {
		return nil, err
	}
	var docs []ReplicationDoc
	rows := body.Get("rows")
	if !rows.IsArray() {
		return docs, nil
	}
	for _, row := range rows.Array() {
		doc := row.Get("doc")
		if !doc.IsObject() {
			continue
		}
		parsed := parseReplicationDoc(doc)
		if parsed.IsDesign() {
			continue
		}
		docs = append(docs, parsed)
	}
	return docs, nil
}

func (c *httpClient) ReplicationDoc(ctx context.Context, id string) (ReplicationDoc, error) {
	path := "/" + url.PathEscape(c.replicatorDB) + "/" + url.PathEscape(id)
	body, err := c.getJSON(ctx, endpointReplicationDoc, path)
	if err != nil {
		return ReplicationDoc{}, err
	}
	if !body.IsObject() {
		return ReplicationDoc{}, &APIError{Path: path, Message: "document is not a JSON object"}
	}
	return parseReplicationDoc(body), nil
}

func (c *httpClient) ActiveTasks(ctx context.Context) ([]ActiveTask, error) {
	body, err := c.getJSON(ctx, endpointActiveTasks, "/_active_tasks")
	if err != nil {
		return nil, err
	}
	var tasks []ActiveTask
	if !body.IsArray() {
		return tasks, nil
	}
	for _, v := range body.Array() {
		if !v.IsObject() {
			continue
		}
		task := parseActiveTask(v)
		// Indexer and compaction tasks carry no doc_id and can never join.
		if task.DocID == "" {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (c *httpClient) SchedulerJobs(ctx context.Context) ([]SchedulerJob, error) {
	body, err := c.getJSON(ctx, endpointSchedulerJobs, "/_scheduler/jobs")
	if err != nil {
		return nil, err
	}
	var jobs []SchedulerJob
	list := body.Get("jobs")
	if !list.IsArray() {
		return jobs, nil
	}
	for _, v := range list.Array() {
		if !v.IsObject() {
			continue
		}
		jobs = append(jobs, parseSchedulerJob(v))
	}
	return jobs, nil
}

func (c *httpClient) Up(ctx context.Context) error {
	_, err := c.get(ctx, endpointUp, "/_up")
	return err
}

func (c *httpClient) Raw(ctx context.Context, path string) ([]byte, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.get(ctx, endpointRaw, path)
}

func (c *httpClient) getJSON(ctx context.Context, endpoint, path string) (gjson.Result, error) {
	body, err := c.get(ctx, endpoint, path)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &APIError{Path: path, Message: "response is not valid JSON"}
	}
	return gjson.ParseBytes(body), nil
}

func (c *httpClient) get(ctx context.Context, endpoint, path string) ([]byte, error) {
	start := time.Now()
	body, err := c.do(ctx, path)
	outcome := observability.OutcomeOK
	switch {
	case IsNotFound(err):
		outcome = observability.OutcomeNotFound
	case err != nil:
		outcome = observability.OutcomeError
	}
	observability.RecordUpstreamRequest(endpoint, outcome, time.Since(start))
	return body, err
}

func (c *httpClient) do(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &APIError{Path: path, Message: err.Error(), Original: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &APIError{Path: path, Message: err.Error(), Original: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Status: resp.StatusCode, Path: path, Message: err.Error(), Original: err}
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Path: path, Message: couchReason(body, resp.Status)}
	}
	return body, nil
}

// couchReason extracts "error: reason" from a CouchDB error body, falling back
// to the HTTP status text.
func couchReason(body []byte, fallback string) string {
	if !gjson.ValidBytes(body) {
		return fallback
	}
	res := gjson.ParseBytes(body)
	code, reason := res.Get("error").String(), res.Get("reason").String()
	switch {
	case code != "" && reason != "":
		return code + ": " + reason
	case code != "":
		return code
	default:
		return fallback
	}
}
