package replication

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/samber/mo"
)

// Derived status values. Any other value in Status.Status is CouchDB's raw
// process_status passed through, or a legacy _replication_state.
const (
	StatusRunning  = "running"
	StatusRetrying = "retrying"
	StatusUnknown  = "unknown"
)

const (
	processStatusWaiting = "waiting"

	// crashWindow is how many of the newest scheduler history entries are
	// checked for a crash when deciding on StatusRetrying.
	crashWindow = 2
	// maxRecentErrors bounds Status.RecentErrors.
	maxRecentErrors = 3
)

var (
	// ErrNotFound means the replication document does not exist or does not
	// belong to the requested database.
	ErrNotFound = errors.New("replication not found")
	// ErrUpstreamUnavailable wraps every failure to read from the cluster.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInvalidDatabase is returned for an empty database name.
	ErrInvalidDatabase = errors.New("database is required")
)

// Status is the reconciled view of one replication document.
type Status struct {
	ID                       string               `json:"id"`
	Source                   string               `json:"source"`
	Target                   string               `json:"target"`
	Status                   string               `json:"status"`
	Continuous               bool                 `json:"continuous"`
	LastActivity             mo.Option[time.Time] `json:"last_activity"`
	SecondsSinceLastActivity mo.Option[int64]     `json:"time_since_last_activity_seconds"`
	Stats                    mo.Option[Stats]     `json:"stats"`
	RecentErrors             []RecentError        `json:"recent_errors"`
}

// Stats are the counters of the matching active task.
type Stats struct {
	DocsRead         int64            `json:"docs_read"`
	DocsWritten      int64            `json:"docs_written"`
	DocWriteFailures int64            `json:"doc_write_failures"`
	RevisionsChecked int64            `json:"revisions_checked"`
	ChangesPending   mo.Option[int64] `json:"changes_pending"`
}

// RecentError is a "crashed" event from the scheduler history.
type RecentError struct {
	Timestamp string            `json:"timestamp"`
	Reason    mo.Option[string] `json:"reason"`
}

// Detail is the declared, self-reported state of a single replication
// document. Source and Target are passed through exactly as stored.
type Detail struct {
	ID          string            `json:"id"`
	Source      json.RawMessage   `json:"source"`
	Target      json.RawMessage   `json:"target"`
	State       mo.Option[string] `json:"state"`
	LastUpdated mo.Option[string] `json:"last_updated"`
	Stats       json.RawMessage   `json:"stats"`
}
