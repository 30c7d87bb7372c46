// Package report builds the usage-status report: one grouped summary query
// over every study the caller can access, then a bounded-concurrency per-study
// fan-out that picks a bucket unit from the observed submission range and
// loads the bucketed submission series.
package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/delosis/psytools-server/pkg/auth"
	"github.com/delosis/psytools-server/pkg/observability"
	"github.com/delosis/psytools-server/pkg/predicate"
)

const defaultStudyQueryTimeout = 10 * time.Second

// Aggregator builds status reports against the relational store
type Aggregator struct {
	db      *sql.DB
	log     *observability.Logger
	metrics *observability.Metrics

	fanOutLimit   int64
	maxPeriodDays int
	studyTimeout  time.Duration
	now           func() time.Time
}

// NewAggregator creates an Aggregator. fanOutLimit bounds the number of
// concurrent per-study queries; maxPeriodDays caps the periodDays parameter.
func NewAggregator(db *sql.DB, log *observability.Logger, metrics *observability.Metrics, fanOutLimit, maxPeriodDays int) *Aggregator {
	if fanOutLimit < 1 {
		fanOutLimit = 1
	}
	if maxPeriodDays < 1 {
		maxPeriodDays = 365
	}
	return &Aggregator{
		db:            db,
		log:           log,
		metrics:       metrics,
		fanOutLimit:   int64(fanOutLimit),
		maxPeriodDays: maxPeriodDays,
		studyTimeout:  defaultStudyQueryTimeout,
		now:           time.Now,
	}
}

// BuildReport builds the status report for one caller. A caller with no
// grants gets a zeroed report, not an error. A failure of the grouped summary
// query is fatal (QueryError); per-study failures degrade that study to an
// empty day window and leave the rest of the report intact.
func (a *Aggregator) BuildReport(ctx context.Context, caller *auth.Caller, periodDays int) (*StatusReport, error) {
	if periodDays < 1 || periodDays > a.maxPeriodDays {
		a.countReport("invalid")
		return nil, &ValidationError{
			Field:  "periodDays",
			Reason: fmt.Sprintf("must be between 1 and %d", a.maxPeriodDays),
		}
	}

	start := a.now()
	report := &StatusReport{
		PeriodDays:      periodDays,
		GeneratedAt:     start.UTC(),
		TimeAggregation: UnitDay,
		ByStudy:         []StudyStatus{},
	}

	if len(caller.Grants) == 0 {
		a.countReport("empty")
		return report, nil
	}

	cutoff := start.AddDate(0, 0, -periodDays)
	if err := a.loadSummary(ctx, caller, cutoff, report); err != nil {
		a.countReport("error")
		return nil, err
	}

	a.fanOutStudies(ctx, caller, report)

	units := make([]Unit, 0, len(report.ByStudy))
	for _, st := range report.ByStudy {
		units = append(units, st.TimeAggregation.Unit)
	}
	report.TimeAggregation = modalUnit(units)

	if a.metrics != nil {
		a.metrics.ReportDuration.Observe(a.now().Sub(start).Seconds())
		a.metrics.ReportStudyFanOut.Observe(float64(len(report.ByStudy)))
	}
	a.countReport("ok")
	return report, nil
}

// summaryQuery groups usage counters by study over the caller's accessible
// rows. $1 is the recency cutoff; the scope predicate starts at $2.
const summaryQuery = `
SELECT
    u.study_id,
    COUNT(DISTINCT u.id) AS total_users,
    COUNT(DISTINCT s.user_id) FILTER (WHERE s.started_at >= $1) AS active_users,
    COUNT(DISTINCT a.id) AS assigned_tasks,
    COUNT(DISTINCT a.id) FILTER (WHERE a.enabled) AS enabled_tasks,
    COUNT(DISTINCT s.id) AS total_submissions,
    COUNT(DISTINCT s.id) FILTER (WHERE s.started_at >= $1) AS recent_submissions,
    COUNT(DISTINCT s.id) FILTER (WHERE s.processed_at IS NOT NULL) AS processed_submissions,
    AVG(EXTRACT(EPOCH FROM (s.completed_at - s.started_at)))
        FILTER (WHERE s.started_at >= $1 AND s.completed_at IS NOT NULL) AS avg_submission_lag,
    AVG(EXTRACT(EPOCH FROM (s.processed_at - s.completed_at)))
        FILTER (WHERE s.processed_at IS NOT NULL AND s.completed_at IS NOT NULL) AS avg_processing,
    MIN(s.started_at) AS first_submission,
    MAX(s.started_at) AS last_submission
FROM study_users u
LEFT JOIN task_assignments a ON a.study_id = u.study_id
LEFT JOIN submissions s ON s.user_id = u.id
WHERE NOT u.deactivated AND (%s)
GROUP BY u.study_id
ORDER BY u.study_id ASC`

func (a *Aggregator) loadSummary(ctx context.Context, caller *auth.Caller, cutoff time.Time, report *StatusReport) error {
	pred, err := predicate.Compile(caller.Grants, predicate.Columns("u.study_id", "u.sample_id"), 2)
	if err != nil {
		return fmt.Errorf("failed to compile study scope: %w", err)
	}

	query := fmt.Sprintf(summaryQuery, pred.Clause)
	args := append([]interface{}{cutoff}, pred.Params()...)

	queryStart := a.now()
	rows, err := a.db.QueryContext(ctx, query, args...)
	a.observeQuery("study_summary", queryStart, err)
	if err != nil {
		return &QueryError{Op: "study_summary", Err: err}
	}
	defer rows.Close()

	var (
		lagWeighted  float64
		lagWeight    int64
		procWeighted float64
		procWeight   int64
	)
	for rows.Next() {
		var (
			st      StudyStatus
			avgLag  sql.NullFloat64
			avgProc sql.NullFloat64
			first   sql.NullTime
			last    sql.NullTime
		)
		m := &st.Metrics
		if err := rows.Scan(
			&st.StudyID,
			&m.TotalUsers,
			&m.ActiveUsers,
			&m.AssignedTasks,
			&m.EnabledTasks,
			&m.TotalSubmissions,
			&m.RecentSubmissions,
			&m.ProcessedSubmissions,
			&avgLag,
			&avgProc,
			&first,
			&last,
		); err != nil {
			return &QueryError{Op: "study_summary", Err: err}
		}
		if avgLag.Valid {
			m.AvgSubmissionLagSeconds = avgLag.Float64
		}
		if avgProc.Valid {
			m.AvgProcessingSeconds = avgProc.Float64
		}
		if first.Valid {
			t := first.Time
			m.FirstSubmission = &t
		}
		if last.Valid {
			t := last.Time
			m.LastSubmission = &t
		}
		st.SubmissionsByBucket = []Bucket{}
		st.TimeAggregation = Window{Unit: UnitDay, RangeDays: 0}
		report.ByStudy = append(report.ByStudy, st)

		o := &report.Overall
		o.TotalUsers += m.TotalUsers
		o.ActiveUsers += m.ActiveUsers
		o.AssignedTasks += m.AssignedTasks
		o.EnabledTasks += m.EnabledTasks
		o.TotalSubmissions += m.TotalSubmissions
		o.RecentSubmissions += m.RecentSubmissions
		o.ProcessedSubmissions += m.ProcessedSubmissions
		if avgLag.Valid && m.RecentSubmissions > 0 {
			lagWeighted += avgLag.Float64 * float64(m.RecentSubmissions)
			lagWeight += m.RecentSubmissions
		}
		if avgProc.Valid && m.ProcessedSubmissions > 0 {
			procWeighted += avgProc.Float64 * float64(m.ProcessedSubmissions)
			procWeight += m.ProcessedSubmissions
		}
		if first.Valid && (o.FirstSubmission == nil || first.Time.Before(*o.FirstSubmission)) {
			t := first.Time
			o.FirstSubmission = &t
		}
		if last.Valid && (o.LastSubmission == nil || last.Time.After(*o.LastSubmission)) {
			t := last.Time
			o.LastSubmission = &t
		}
	}
	if err := rows.Err(); err != nil {
		return &QueryError{Op: "study_summary", Err: err}
	}

	if lagWeight > 0 {
		report.Overall.AvgSubmissionLagSeconds = lagWeighted / float64(lagWeight)
	}
	if procWeight > 0 {
		report.Overall.AvgProcessingSeconds = procWeighted / float64(procWeight)
	}
	return nil
}

// fanOutStudies runs the per-study range and bucket queries with bounded
// concurrency. Results land in each goroutine's own slice slot, so byStudy
// keeps the summary query's order regardless of completion order.
func (a *Aggregator) fanOutStudies(ctx context.Context, caller *auth.Caller, report *StatusReport) {
	sem := semaphore.NewWeighted(a.fanOutLimit)
	var wg sync.WaitGroup

	for i := range report.ByStudy {
		if err := sem.Acquire(ctx, 1); err != nil {
			a.markPartialFailure(&report.ByStudy[i], err)
			continue
		}
		wg.Add(1)
		go func(st *StudyStatus) {
			defer wg.Done()
			defer sem.Release(1)

			studyCtx, cancel := context.WithTimeout(ctx, a.studyTimeout)
			defer cancel()
			if err := a.loadStudySeries(studyCtx, caller, st); err != nil {
				a.markPartialFailure(st, err)
			}
		}(&report.ByStudy[i])
	}

	wg.Wait()
}

const rangeQuery = `
SELECT MIN(s.started_at) AS earliest, MAX(s.started_at) AS latest
FROM submissions s
JOIN study_users u ON u.id = s.user_id
WHERE %s`

const bucketQuery = `
SELECT date_trunc($1, s.started_at) AS bucket, COUNT(DISTINCT s.id) AS submissions
FROM submissions s
JOIN study_users u ON u.id = s.user_id
WHERE %s
GROUP BY bucket
ORDER BY bucket ASC`

// loadStudySeries fills one study's window and bucketed submission series.
// The scope predicate is recompiled from the caller's grants for this study
// only, so a sample-scoped grant never widens in the per-study queries.
func (a *Aggregator) loadStudySeries(ctx context.Context, caller *auth.Caller, st *StudyStatus) error {
	grants := caller.GrantsFor(st.StudyID)

	pred, err := predicate.Compile(grants, predicate.Columns("u.study_id", "u.sample_id"), 1)
	if err != nil {
		return fmt.Errorf("failed to compile scope for study %s: %w", st.StudyID, err)
	}

	queryStart := a.now()
	var earliest, latest sql.NullTime
	err = a.db.QueryRowContext(ctx, fmt.Sprintf(rangeQuery, pred.Clause), pred.Params()...).
		Scan(&earliest, &latest)
	a.observeQuery("study_range", queryStart, err)
	if err != nil {
		return &QueryError{Op: "study_range", Err: err}
	}

	var earliestT, latestT *time.Time
	if earliest.Valid {
		earliestT = &earliest.Time
	}
	if latest.Valid {
		latestT = &latest.Time
	}
	st.TimeAggregation = Plan(earliestT, latestT)
	if st.TimeAggregation.RangeDays == 0 {
		return nil
	}

	bucketPred, err := predicate.Compile(grants, predicate.Columns("u.study_id", "u.sample_id"), 2)
	if err != nil {
		return fmt.Errorf("failed to compile scope for study %s: %w", st.StudyID, err)
	}
	args := append([]interface{}{string(st.TimeAggregation.Unit)}, bucketPred.Params()...)

	queryStart = a.now()
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(bucketQuery, bucketPred.Clause), args...)
	a.observeQuery("study_buckets", queryStart, err)
	if err != nil {
		return &QueryError{Op: "study_buckets", Err: err}
	}
	defer rows.Close()

	buckets := []Bucket{}
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.BucketStart, &b.Count); err != nil {
			return &QueryError{Op: "study_buckets", Err: err}
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return &QueryError{Op: "study_buckets", Err: err}
	}

	st.SubmissionsByBucket = buckets
	return nil
}

// markPartialFailure degrades one study to the empty day window. The overall
// metrics were computed by the summary query and stay untouched.
func (a *Aggregator) markPartialFailure(st *StudyStatus, err error) {
	st.TimeAggregation = Window{Unit: UnitDay, RangeDays: 0}
	st.SubmissionsByBucket = []Bucket{}
	if a.log != nil {
		a.log.WithError(err).WithField("study_id", st.StudyID).
			Warn("Per-study aggregation failed, falling back to empty window")
	}
	if a.metrics != nil {
		a.metrics.ReportPartialFailures.Inc()
	}
}

func (a *Aggregator) countReport(outcome string) {
	if a.metrics != nil {
		a.metrics.ReportsTotal.WithLabelValues(outcome).Inc()
	}
}

func (a *Aggregator) observeQuery(name string, start time.Time, err error) {
	if a.metrics == nil {
		return
	}
	a.metrics.QueryDuration.WithLabelValues(name).Observe(a.now().Sub(start).Seconds())
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		a.metrics.QueryErrors.WithLabelValues(name).Inc()
	}
}
