// Package cluster is the read-only client replmon uses to talk to the CouchDB
// cluster whose replications it reports on.
//
// # Overview
//
// CouchDB exposes replication state through three unrelated surfaces, each
// with its own shape:
//
//	┌──────────────────────────┐   declared jobs, one document per replication
//	│ /_replicator/_all_docs   │   source/target as string or {"url": ...}
//	└──────────────────────────┘
//	┌──────────────────────────┐   live telemetry while a job runs
//	│ /_active_tasks           │   keyed by doc_id, counters, updated_on
//	└──────────────────────────┘
//	┌──────────────────────────┐   scheduler bookkeeping
//	│ /_scheduler/jobs         │   keyed by doc_id, newest-first history
//	└──────────────────────────┘
//
// The package fetches each surface and converts it into plain Go values
// (ReplicationDoc, ActiveTask, SchedulerJob). It does not correlate them; that
// is the job of package replication.
//
// # Tolerant Decoding
//
// Documents are read field by field with gjson instead of being unmarshalled
// into structs. A counter of the wrong type, a missing history or an endpoint
// that is neither a string nor an object therefore degrades to its zero value
// instead of failing the whole listing. Only a body that is not JSON at all is
// reported as an error.
//
// # Errors
//
// Every failure is an *APIError. Status is 0 for transport failures (refused
// connection, timeout, cancelled context) and the upstream HTTP status
// otherwise; IsNotFound singles out 404s.
//
// # Example
//
//	client, err := cluster.NewClient(cluster.Options{
//	    URL:      "http://localhost:5984",
//	    Username: "admin",
//	    Password: "password",
//	    Timeout:  30 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	docs, err := client.ReplicationDocs(ctx)
package cluster
