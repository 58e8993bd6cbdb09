package replication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/replmon/internal/cluster"
	"github.com/dreamware/replmon/internal/observability"
)

// Upstream is the part of cluster.Client the reconciler reads from.
type Upstream interface {
	ReplicationDocs(ctx context.Context) ([]cluster.ReplicationDoc, error)
	ReplicationDoc(ctx context.Context, id string) (cluster.ReplicationDoc, error)
	ActiveTasks(ctx context.Context) ([]cluster.ActiveTask, error)
	SchedulerJobs(ctx context.Context) ([]cluster.SchedulerJob, error)
}

type Options struct {
	// LegacyFallback reports a document's _replication_state as its status
	// when no active task matches it.
	LegacyFallback bool
	Logger         zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Reconciler joins replicator documents, active tasks and scheduler jobs into
// per-replication Status records. It keeps no state between calls.
type Reconciler struct {
	upstream       Upstream
	legacyFallback bool
	logger         zerolog.Logger
	now            func() time.Time
}

func NewReconciler(upstream Upstream, opts Options) *Reconciler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		upstream:       upstream,
		legacyFallback: opts.LegacyFallback,
		logger:         opts.Logger,
		now:            now,
	}
}

// ReplicationStatus returns one Status per replication document whose source
// or target refers to database, in replicator database order. With targetOnly
// only documents replicating into database are kept.
//
// The three upstream listings are fetched concurrently and all of them must
// succeed; any failure is returned wrapped in ErrUpstreamUnavailable.
func (r *Reconciler) ReplicationStatus(ctx context.Context, database string, targetOnly bool) ([]Status, error) {
	if database == "" {
		return nil, ErrInvalidDatabase
	}

	var (
		docs  []cluster.ReplicationDoc
		tasks []cluster.ActiveTask
		jobs  []cluster.SchedulerJob
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		docs, err = r.upstream.ReplicationDocs(gctx)
		return r.upstreamErr("replicator_docs", err)
	})
	g.Go(func() (err error) {
		tasks, err = r.upstream.ActiveTasks(gctx)
		return r.upstreamErr("active_tasks", err)
	})
	g.Go(func() (err error) {
		jobs, err = r.upstream.SchedulerJobs(gctx)
		return r.upstreamErr("scheduler_jobs", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := r.now()
	out := make([]Status, 0)
	for _, doc := range docs {
		if !relevant(doc, database, targetOnly) {
			continue
		}
		var task *cluster.ActiveTask
		if i := slices.IndexFunc(tasks, func(t cluster.ActiveTask) bool { return t.DocID == doc.ID }); i >= 0 {
			task = &tasks[i]
		}
		var job *cluster.SchedulerJob
		if i := slices.IndexFunc(jobs, func(j cluster.SchedulerJob) bool { return j.DocID == doc.ID }); i >= 0 {
			job = &jobs[i]
		}
		st := r.reconcile(doc, task, job, now)
		observability.RecordReconciled(st.Status)
		out = append(out, st)
	}

	r.logger.Debug().
		Str("database", database).
		Bool("target_only", targetOnly).
		Int("documents", len(docs)).
		Int("active_tasks", len(tasks)).
		Int("scheduler_jobs", len(jobs)).
		Int("matched", len(out)).
		Msg("replication status reconciled")

	return out, nil
}

// ReplicationDetail returns the self-reported state of one replication
// document. Unlike ReplicationStatus it matches database only against a plain
// string source or target, exactly, and does not consult live task data.
func (r *Reconciler) ReplicationDetail(ctx context.Context, database, id string) (Detail, error) {
	if database == "" {
		return Detail{}, ErrInvalidDatabase
	}
	doc, err := r.upstream.ReplicationDoc(ctx, id)
	if err != nil {
		if cluster.IsNotFound(err) {
			return Detail{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Detail{}, r.upstreamErr("replicator_doc", err)
	}

	src, _ := doc.Source.PlainString()
	tgt, _ := doc.Target.PlainString()
	if src != database && tgt != database {
		return Detail{}, fmt.Errorf("%w: %s is not replicating %s", ErrNotFound, id, database)
	}

	return Detail{
		ID:          doc.ID,
		Source:      doc.Source.Raw,
		Target:      doc.Target.Raw,
		State:       doc.LegacyState,
		LastUpdated: doc.LegacyStateTime,
		Stats:       doc.LegacyStats,
	}, nil
}

func (r *Reconciler) upstreamErr(source string, err error) error {
	if err == nil {
		return nil
	}
	r.logger.Warn().Err(err).Str("source", source).Msg("upstream fetch failed")
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}

func (r *Reconciler) reconcile(doc cluster.ReplicationDoc, task *cluster.ActiveTask, job *cluster.SchedulerJob, now time.Time) Status {
	st := Status{
		ID:           doc.ID,
		Source:       doc.Source.EffectiveURL(),
		Target:       doc.Target.EffectiveURL(),
		Status:       StatusUnknown,
		Continuous:   doc.Continuous,
		RecentErrors: recentErrors(job),
	}

	waiting := false
	switch {
	case task != nil:
		switch task.ProcessStatus {
		case processStatusWaiting:
			st.Status = StatusRunning
			waiting = true
		case "":
			// no process_status reported; stays unknown
		default:
			st.Status = task.ProcessStatus
		}
	case r.legacyFallback && doc.LegacyState.IsPresent():
		st.Status = doc.LegacyState.MustGet()
	}

	// An idle task right after a crash is the scheduler restarting the job.
	if waiting && job != nil && crashedRecently(job.History) {
		st.Status = StatusRetrying
	}

	if task != nil {
		// A task without a usable updated_on has an unknown activity time.
		if updated, ok := task.UpdatedOn.Get(); ok {
			last := time.Unix(updated, 0).UTC()
			elapsed := int64(now.Sub(last) / time.Second)
			if elapsed < 0 {
				elapsed = 0
			}
			st.LastActivity = mo.Some(last)
			st.SecondsSinceLastActivity = mo.Some(elapsed)
		}
		st.Stats = mo.Some(Stats{
			DocsRead:         task.DocsRead,
			DocsWritten:      task.DocsWritten,
			DocWriteFailures: task.DocWriteFailures,
			RevisionsChecked: task.RevisionsChecked,
			ChangesPending:   task.ChangesPending,
		})
	}
	return st
}

// relevant applies the database filter: a match on the effective source or
// target URL, or on the target alone when targetOnly is set.
func relevant(doc cluster.ReplicationDoc, database string, targetOnly bool) bool {
	if matchesDatabase(doc.Target.EffectiveURL(), database) {
		return true
	}
	return !targetOnly && matchesDatabase(doc.Source.EffectiveURL(), database)
}

// matchesDatabase reports whether endpoint is database itself or a URL whose
// last path segment is database. One trailing slash is ignored.
func matchesDatabase(endpoint, database string) bool {
	if endpoint == "" || database == "" {
		return false
	}
	endpoint = strings.TrimSuffix(endpoint, "/")
	return endpoint == database || strings.HasSuffix(endpoint, "/"+database)
}

func crashedRecently(history []cluster.HistoryEvent) bool {
	window := history
	if len(window) > crashWindow {
		window = window[:crashWindow]
	}
	return slices.ContainsFunc(window, cluster.HistoryEvent.Crashed)
}

func recentErrors(job *cluster.SchedulerJob) []RecentError {
	out := make([]RecentError, 0)
	if job == nil {
		return out
	}
	for _, ev := range job.History {
		if !ev.Crashed() {
			continue
		}
		out = append(out, RecentError{Timestamp: ev.Timestamp, Reason: ev.Reason})
		if len(out) == maxRecentErrors {
			break
		}
	}
	return out
}
