package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist or is outside
// the caller's scope. Match with errors.Is.
var ErrNotFound = errors.New("not found")

// User is one study participant row
type User struct {
	ID          string    `json:"id"`
	StudyID     string    `json:"studyId"`
	SampleID    *string   `json:"sampleId,omitempty"`
	Code        string    `json:"code"`
	CreatedAt   time.Time `json:"createdAt"`
	Deactivated bool      `json:"deactivated"`
}

// TaskLog is one task execution log row
type TaskLog struct {
	ID       string    `json:"id"`
	StudyID  string    `json:"studyId"`
	UserID   string    `json:"userId"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	LoggedAt time.Time `json:"loggedAt"`
}

// Dataset is one exportable dataset. A nil SampleID marks a study-wide
// dataset visible to every role with a grant on the study.
type Dataset struct {
	ID        string    `json:"id"`
	StudyID   string    `json:"studyId"`
	SampleID  *string   `json:"sampleId,omitempty"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// DatasetFile is the metadata of one file inside a dataset
type DatasetFile struct {
	DatasetID   string    `json:"datasetId"`
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"sizeBytes"`
	ContentHash string    `json:"contentHash"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListOptions carries the shared filters of the list endpoints
type ListOptions struct {
	// Search matches against the resource's text column (user code, log
	// message, dataset name). Empty disables the filter.
	Search string

	Limit  int
	Offset int
}
