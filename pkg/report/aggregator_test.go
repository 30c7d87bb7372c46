package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delosis/psytools-server/pkg/auth"
)

var summaryColumns = []string{
	"study_id", "total_users", "active_users", "assigned_tasks", "enabled_tasks",
	"total_submissions", "recent_submissions", "processed_submissions",
	"avg_submission_lag", "avg_processing", "first_submission", "last_submission",
}

func newTestAggregator(t *testing.T) (*Aggregator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewAggregator(db, nil, nil, 2, 365), mock
}

func viewerCaller(studyIDs ...string) *auth.Caller {
	grants := make([]auth.Grant, 0, len(studyIDs))
	for _, id := range studyIDs {
		grants = append(grants, auth.Grant{StudyID: id, Role: auth.RoleViewer})
	}
	return auth.NewCaller("caller-1", grants)
}

func TestBuildReportValidatesPeriodDays(t *testing.T) {
	agg, mock := newTestAggregator(t)

	for _, period := range []int{0, -1, 400} {
		_, err := agg.BuildReport(context.Background(), viewerCaller("A"), period)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr, "periodDays=%d", period)
		assert.Equal(t, "periodDays", vErr.Field)
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildReportEmptyGrants(t *testing.T) {
	agg, mock := newTestAggregator(t)

	report, err := agg.BuildReport(context.Background(), auth.NewCaller("caller-1", nil), 30)
	require.NoError(t, err)

	assert.Equal(t, Metrics{}, report.Overall)
	assert.Empty(t, report.ByStudy)
	assert.Equal(t, UnitDay, report.TimeAggregation)
	assert.Equal(t, 30, report.PeriodDays)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildReportSummaryFailureIsFatal(t *testing.T) {
	agg, mock := newTestAggregator(t)

	mock.ExpectQuery("FROM study_users").
		WillReturnError(errors.New("connection reset"))

	_, err := agg.BuildReport(context.Background(), viewerCaller("A"), 30)
	var qErr *QueryError
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, "study_summary", qErr.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildReportSingleStudy(t *testing.T) {
	agg, mock := newTestAggregator(t)

	first := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM study_users").
		WithArgs(sqlmock.AnyArg(), "IMAGEN").
		WillReturnRows(sqlmock.NewRows(summaryColumns).
			AddRow("IMAGEN", 120, 40, 8, 6, 900, 150, 800, 340.5, 12.25, first, last))

	mock.ExpectQuery(`MIN\(s\.started_at\)`).
		WithArgs("IMAGEN").
		WillReturnRows(sqlmock.NewRows([]string{"earliest", "latest"}).AddRow(first, last))

	// 100-day inclusive range buckets by week.
	mock.ExpectQuery("date_trunc").
		WithArgs("week", "IMAGEN").
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "submissions"}).
			AddRow(first, 60).
			AddRow(first.AddDate(0, 0, 7), 90))

	report, err := agg.BuildReport(context.Background(), viewerCaller("IMAGEN"), 30)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, report.ByStudy, 1)
	st := report.ByStudy[0]
	assert.Equal(t, "IMAGEN", st.StudyID)
	assert.Equal(t, int64(120), st.Metrics.TotalUsers)
	assert.Equal(t, int64(150), st.Metrics.RecentSubmissions)
	assert.Equal(t, 340.5, st.Metrics.AvgSubmissionLagSeconds)
	assert.Equal(t, UnitWeek, st.TimeAggregation.Unit)
	assert.Equal(t, 100, st.TimeAggregation.RangeDays)
	require.Len(t, st.SubmissionsByBucket, 2)
	assert.Equal(t, int64(60), st.SubmissionsByBucket[0].Count)

	assert.Equal(t, UnitWeek, report.TimeAggregation)
	assert.Equal(t, st.Metrics.TotalUsers, report.Overall.TotalUsers)
	assert.Equal(t, 340.5, report.Overall.AvgSubmissionLagSeconds)
	require.NotNil(t, report.Overall.FirstSubmission)
	assert.True(t, report.Overall.FirstSubmission.Equal(first))
}

func TestBuildReportPartialFailureKeepsAllStudies(t *testing.T) {
	agg, mock := newTestAggregator(t)
	mock.MatchExpectationsInOrder(false)

	first := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM study_users").
		WithArgs(sqlmock.AnyArg(), "A", "B").
		WillReturnRows(sqlmock.NewRows(summaryColumns).
			AddRow("A", 10, 5, 2, 2, 100, 20, 90, 30.0, 5.0, first, last).
			AddRow("B", 20, 8, 3, 1, 200, 40, 180, 60.0, 10.0, first, last))

	mock.ExpectQuery(`MIN\(s\.started_at\)`).
		WithArgs("A").
		WillReturnRows(sqlmock.NewRows([]string{"earliest", "latest"}).AddRow(first, last))
	mock.ExpectQuery("date_trunc").
		WithArgs("day", "A").
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "submissions"}).AddRow(first, 100))

	mock.ExpectQuery(`MIN\(s\.started_at\)`).
		WithArgs("B").
		WillReturnError(errors.New("statement timeout"))

	report, err := agg.BuildReport(context.Background(), viewerCaller("A", "B"), 30)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, report.ByStudy, 2)
	assert.Equal(t, "A", report.ByStudy[0].StudyID)
	assert.Equal(t, "B", report.ByStudy[1].StudyID)

	healthy := report.ByStudy[0]
	assert.Equal(t, UnitDay, healthy.TimeAggregation.Unit)
	assert.Equal(t, 10, healthy.TimeAggregation.RangeDays)
	require.Len(t, healthy.SubmissionsByBucket, 1)

	failed := report.ByStudy[1]
	assert.Equal(t, UnitDay, failed.TimeAggregation.Unit)
	assert.Equal(t, 0, failed.TimeAggregation.RangeDays)
	assert.Empty(t, failed.SubmissionsByBucket)
	// The failure never touches the summary totals.
	assert.Equal(t, int64(200), failed.Metrics.TotalSubmissions)
	assert.Equal(t, int64(30), report.Overall.TotalUsers)
	assert.Equal(t, int64(300), report.Overall.TotalSubmissions)
}

func TestBuildReportStudyWithoutSubmissions(t *testing.T) {
	agg, mock := newTestAggregator(t)

	mock.ExpectQuery("FROM study_users").
		WithArgs(sqlmock.AnyArg(), "A").
		WillReturnRows(sqlmock.NewRows(summaryColumns).
			AddRow("A", 15, 0, 4, 4, 0, 0, 0, nil, nil, nil, nil))

	mock.ExpectQuery(`MIN\(s\.started_at\)`).
		WithArgs("A").
		WillReturnRows(sqlmock.NewRows([]string{"earliest", "latest"}).AddRow(nil, nil))

	report, err := agg.BuildReport(context.Background(), viewerCaller("A"), 7)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, report.ByStudy, 1)
	st := report.ByStudy[0]
	assert.Equal(t, UnitDay, st.TimeAggregation.Unit)
	assert.Equal(t, 0, st.TimeAggregation.RangeDays)
	assert.Empty(t, st.SubmissionsByBucket)
	assert.Zero(t, report.Overall.AvgSubmissionLagSeconds)
	assert.Nil(t, report.Overall.FirstSubmission)
}

func TestBuildReportWeightedOverallAverages(t *testing.T) {
	agg, mock := newTestAggregator(t)
	mock.MatchExpectationsInOrder(false)

	mock.ExpectQuery("FROM study_users").
		WithArgs(sqlmock.AnyArg(), "A", "B").
		WillReturnRows(sqlmock.NewRows(summaryColumns).
			AddRow("A", 1, 1, 1, 1, 10, 10, 10, 100.0, 10.0, nil, nil).
			AddRow("B", 1, 1, 1, 1, 30, 30, 30, 200.0, 20.0, nil, nil))

	mock.ExpectQuery(`MIN\(s\.started_at\)`).
		WithArgs("A").
		WillReturnRows(sqlmock.NewRows([]string{"earliest", "latest"}).AddRow(nil, nil))
	mock.ExpectQuery(`MIN\(s\.started_at\)`).
		WithArgs("B").
		WillReturnRows(sqlmock.NewRows([]string{"earliest", "latest"}).AddRow(nil, nil))

	report, err := agg.BuildReport(context.Background(), viewerCaller("A", "B"), 30)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	// (100*10 + 200*30) / 40 and (10*10 + 20*30) / 40.
	assert.InDelta(t, 175.0, report.Overall.AvgSubmissionLagSeconds, 0.001)
	assert.InDelta(t, 17.5, report.Overall.AvgProcessingSeconds, 0.001)
}
