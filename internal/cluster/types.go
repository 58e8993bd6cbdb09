package cluster

import (
	"encoding/json"
	"strings"

	"github.com/samber/mo"
	"github.com/tidwall/gjson"
)

// EndpointKind tags which shape a replication endpoint was declared in.
type EndpointKind int

const (
	// EndpointMissing means the field was absent or had an unusable type.
	EndpointMissing EndpointKind = iota
	// EndpointPlain is a bare string such as "db_a" or "http://host/db_a".
	EndpointPlain
	// EndpointStructured is an object carrying at least a "url" field.
	EndpointStructured
)

// Endpoint is the source or target of a replication document. CouchDB accepts
// either a plain string or an object ({"url": ..., "headers": ..., "auth": ...});
// both collapse to one effective URL through EffectiveURL.
type Endpoint struct {
	Kind EndpointKind
	URL  string
	// Raw is the field exactly as stored upstream, nil when absent.
	Raw json.RawMessage
}

// EffectiveURL returns the URL string the endpoint resolves to: the string
// itself for plain endpoints, the "url" member for structured ones, and ""
// when the endpoint is missing.
func (e Endpoint) EffectiveURL() string {
	return e.URL
}

// PlainString returns the raw string value and true only for plain endpoints.
func (e Endpoint) PlainString() (string, bool) {
	if e.Kind != EndpointPlain {
		return "", false
	}
	return e.URL, true
}

func parseEndpoint(v gjson.Result) Endpoint {
	if !v.Exists() {
		return Endpoint{Kind: EndpointMissing}
	}
	ep := Endpoint{Raw: json.RawMessage(v.Raw)}
	switch {
	case v.Type == gjson.String:
		ep.Kind = EndpointPlain
		ep.URL = v.String()
	case v.IsObject():
		ep.Kind = EndpointStructured
		if u := v.Get("url"); u.Type == gjson.String {
			ep.URL = u.String()
		}
	default:
		ep.Kind = EndpointMissing
	}
	return ep
}

// ReplicationDoc is a document from the replicator database declaring one
// replication job.
type ReplicationDoc struct {
	ID         string
	Source     Endpoint
	Target     Endpoint
	Continuous bool

	// Self-reported state written into the document by older CouchDB
	// releases (_replication_state, _replication_state_time,
	// _replication_stats). Absent on clusters using the scheduler.
	LegacyState     mo.Option[string]
	LegacyStateTime mo.Option[string]
	LegacyStats     json.RawMessage
}

// IsDesign reports whether the document is a design document rather than a
// replication definition.
func (d ReplicationDoc) IsDesign() bool {
	return strings.HasPrefix(d.ID, "_design/")
}

func parseReplicationDoc(v gjson.Result) ReplicationDoc {
	doc := ReplicationDoc{
		ID:         v.Get("_id").String(),
		Source:     parseEndpoint(v.Get("source")),
		Target:     parseEndpoint(v.Get("target")),
		Continuous: v.Get("continuous").Bool(),
	}
	if s := v.Get("_replication_state"); s.Exists() && s.Type != gjson.Null {
		doc.LegacyState = mo.Some(s.String())
	}
	if s := v.Get("_replication_state_time"); s.Exists() && s.Type != gjson.Null {
		doc.LegacyStateTime = mo.Some(s.String())
	}
	if s := v.Get("_replication_stats"); s.Exists() && s.Type != gjson.Null {
		doc.LegacyStats = json.RawMessage(s.Raw)
	}
	return doc
}

// ActiveTask is one entry of /_active_tasks. Counters missing or of the wrong
// type read as zero.
type ActiveTask struct {
	DocID         string
	Type          string
	ProcessStatus string
	// UpdatedOn is epoch seconds, None when missing or not a number.
	UpdatedOn        mo.Option[int64]
	DocsRead         int64
	DocsWritten      int64
	DocWriteFailures int64
	RevisionsChecked int64
	// ChangesPending is None when CouchDB reports null or omits it.
	ChangesPending mo.Option[int64]
}

func parseActiveTask(v gjson.Result) ActiveTask {
	task := ActiveTask{
		DocID:            v.Get("doc_id").String(),
		Type:             v.Get("type").String(),
		ProcessStatus:    v.Get("process_status").String(),
		DocsRead:         v.Get("docs_read").Int(),
		DocsWritten:      v.Get("docs_written").Int(),
		DocWriteFailures: v.Get("doc_write_failures").Int(),
		RevisionsChecked: v.Get("revisions_checked").Int(),
	}
	if u := v.Get("updated_on"); u.Type == gjson.Number {
		task.UpdatedOn = mo.Some(u.Int())
	}
	if cp := v.Get("changes_pending"); cp.Type == gjson.Number {
		task.ChangesPending = mo.Some(cp.Int())
	}
	return task
}

// HistoryEvent is one entry of a scheduler job's history.
type HistoryEvent struct {
	Type      string
	Timestamp string
	Reason    mo.Option[string]
}

// Crashed reports whether the event records a replication crash.
func (e HistoryEvent) Crashed() bool {
	return e.Type == "crashed"
}

// SchedulerJob is one entry of /_scheduler/jobs. History is newest first, as
// CouchDB returns it.
type SchedulerJob struct {
	ID      string
	DocID   string
	History []HistoryEvent
}

func parseSchedulerJob(v gjson.Result) SchedulerJob {
	job := SchedulerJob{
		ID:    v.Get("id").String(),
		DocID: v.Get("doc_id").String(),
	}
	history := v.Get("history")
	if !history.IsArray() {
		return job
	}
	for _, ev := range history.Array() {
		// Malformed entries keep their slot so the newest-first order holds.
		if !ev.IsObject() {
			job.History = append(job.History, HistoryEvent{})
			continue
		}
		event := HistoryEvent{
			Type:      ev.Get("type").String(),
			Timestamp: ev.Get("timestamp").String(),
		}
		if r := ev.Get("reason"); r.Exists() && r.Type != gjson.Null {
			event.Reason = mo.Some(r.String())
		}
		job.History = append(job.History, event)
	}
	return job
}
