// Package replication reconciles CouchDB's three views of replication state
// into one status record per replication document.
//
// # Sources
//
// A replication is declared by a document in the replicator database, run by
// the scheduler (/_scheduler/jobs) and, while it executes, reported in
// /_active_tasks. The three are joined on the replication document id; the
// live views are optional for any given document and the first entry wins if
// the cluster ever reports duplicates.
//
// # Filtering
//
// A document belongs to a database when its effective source or target URL is
// the database name itself or ends with "/<database>". The target-only mode
// keeps documents whose target matches.
//
// # Status Derivation
//
//	active task?  process_status   crash in 2 newest history entries   status
//	------------  ---------------  ----------------------------------  --------------------
//	no            -                -                                   unknown (or legacy)
//	yes           waiting          no                                  running
//	yes           waiting          yes                                 retrying
//	yes           anything else    -                                   process_status as is
//
// "retrying" surfaces a job that looks idle only because the scheduler is
// restarting it after a crash.
//
// # Single Document Lookup
//
// ReplicationDetail is deliberately narrower: it reads one document, accepts
// it only when its raw source or target string equals the database name, and
// reports the legacy _replication_state fields stored in the document without
// consulting live data.
package replication
