package report

import "time"

// Metrics is one row of the grouped summary query: usage counters and timing
// averages for a single study, or the merged totals in StatusReport.Overall.
type Metrics struct {
	TotalUsers           int64 `json:"totalUsers"`
	ActiveUsers          int64 `json:"activeUsers"`
	AssignedTasks        int64 `json:"assignedTasks"`
	EnabledTasks         int64 `json:"enabledTasks"`
	TotalSubmissions     int64 `json:"totalSubmissions"`
	RecentSubmissions    int64 `json:"recentSubmissions"`
	ProcessedSubmissions int64 `json:"processedSubmissions"`

	// Averages of per-row elapsed seconds; rows without the relevant
	// timestamps never count toward the denominator.
	AvgSubmissionLagSeconds float64 `json:"avgSubmissionLagSeconds"`
	AvgProcessingSeconds    float64 `json:"avgProcessingSeconds"`

	FirstSubmission *time.Time `json:"firstSubmission,omitempty"`
	LastSubmission  *time.Time `json:"lastSubmission,omitempty"`
}

// Bucket is one point of a study's submission time series
type Bucket struct {
	BucketStart time.Time `json:"bucketStart"`
	Count       int64     `json:"count"`
}

// StudyStatus is the per-study section of a StatusReport
type StudyStatus struct {
	StudyID             string   `json:"studyId"`
	Metrics             Metrics  `json:"metrics"`
	SubmissionsByBucket []Bucket `json:"submissionsByBucket"`
	TimeAggregation     Window   `json:"timeAggregation"`
}

// StatusReport is the response document of the usage-status endpoint. Built
// fresh per request; byStudy keeps the order of the grouped summary query.
type StatusReport struct {
	PeriodDays      int           `json:"periodDays"`
	GeneratedAt     time.Time     `json:"generatedAt"`
	Overall         Metrics       `json:"overall"`
	TimeAggregation Unit          `json:"timeAggregation"`
	ByStudy         []StudyStatus `json:"byStudy"`
}
