package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/delosis/psytools-server/pkg/auth"
	"github.com/delosis/psytools-server/pkg/observability"
	"github.com/delosis/psytools-server/pkg/predicate"
)

const studyTitleCacheSize = 256

// Store executes scope-filtered queries for the list/read endpoints
type Store struct {
	db      *sql.DB
	log     *observability.Logger
	metrics *observability.Metrics

	queryTimeout time.Duration

	// Study titles change rarely; cache them across requests.
	titles *lru.Cache[string, string]
}

// New creates a Store on an open connection pool
func New(db *sql.DB, log *observability.Logger, metrics *observability.Metrics, queryTimeout time.Duration) (*Store, error) {
	titles, err := lru.New[string, string](studyTitleCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create study title cache: %w", err)
	}
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &Store{
		db:           db,
		log:          log,
		metrics:      metrics,
		queryTimeout: queryTimeout,
		titles:       titles,
	}, nil
}

// DB exposes the underlying pool for health checks and pool metrics
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *Store) observe(name string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.metrics.QueryErrors.WithLabelValues(name).Inc()
	}
}

// usersContext scopes study_users rows directly by their own columns
var usersContext = predicate.Columns("u.study_id", "u.sample_id")

// logsContext scopes task_logs through the submitting user, since log rows
// carry no sample column of their own.
var logsContext = predicate.Exists("l.study_id",
	"EXISTS (SELECT 1 FROM study_users su WHERE su.id = l.user_id AND (su.sample_id IS NULL OR su.sample_id = ANY($%d)))")

// datasetsContext scopes datasets; viewers only see study-wide (null sample)
// datasets.
var datasetsContext = func() predicate.TableContext {
	tc := predicate.Columns("d.study_id", "d.sample_id")
	tc.ViewerScope = "d.sample_id IS NULL"
	return tc
}()

// ListUsers returns the participants visible to the grant list, newest first
func (s *Store) ListUsers(ctx context.Context, grants []auth.Grant, opts ListOptions) ([]User, error) {
	pred, err := predicate.Compile(grants, usersContext, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to compile user scope: %w", err)
	}

	query := `
SELECT u.id, u.study_id, u.sample_id, u.code, u.created_at, u.deactivated
FROM study_users u
WHERE (` + pred.Clause + `)`
	args := pred.Params()
	next := pred.NextParamIndex()

	if opts.Search != "" {
		query += fmt.Sprintf(" AND u.code ILIKE $%d", next)
		args = append(args, "%"+opts.Search+"%")
		next++
	}
	query += fmt.Sprintf(" ORDER BY u.created_at DESC, u.id ASC LIMIT $%d OFFSET $%d", next, next+1)
	args = append(args, opts.Limit, opts.Offset)

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.observe("list_users", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		var sampleID sql.NullString
		if err := rows.Scan(&u.ID, &u.StudyID, &sampleID, &u.Code, &u.CreatedAt, &u.Deactivated); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		if sampleID.Valid {
			u.SampleID = &sampleID.String
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read user rows: %w", err)
	}
	return users, nil
}

// ListTaskLogs returns task log rows visible to the grant list, newest first
func (s *Store) ListTaskLogs(ctx context.Context, grants []auth.Grant, opts ListOptions) ([]TaskLog, error) {
	pred, err := predicate.Compile(grants, logsContext, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to compile log scope: %w", err)
	}

	query := `
SELECT l.id, l.study_id, l.user_id, l.level, l.message, l.logged_at
FROM task_logs l
WHERE (` + pred.Clause + `)`
	args := pred.Params()
	next := pred.NextParamIndex()

	if opts.Search != "" {
		query += fmt.Sprintf(" AND l.message ILIKE $%d", next)
		args = append(args, "%"+opts.Search+"%")
		next++
	}
	query += fmt.Sprintf(" ORDER BY l.logged_at DESC, l.id ASC LIMIT $%d OFFSET $%d", next, next+1)
	args = append(args, opts.Limit, opts.Offset)

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.observe("list_task_logs", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list task logs: %w", err)
	}
	defer rows.Close()

	logs := []TaskLog{}
	for rows.Next() {
		var l TaskLog
		if err := rows.Scan(&l.ID, &l.StudyID, &l.UserID, &l.Level, &l.Message, &l.LoggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task log row: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read task log rows: %w", err)
	}
	return logs, nil
}

// ListDatasets returns the datasets visible to the grant list, newest first
func (s *Store) ListDatasets(ctx context.Context, grants []auth.Grant, opts ListOptions) ([]Dataset, error) {
	pred, err := predicate.Compile(grants, datasetsContext, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to compile dataset scope: %w", err)
	}

	query := `
SELECT d.id, d.study_id, d.sample_id, d.name, d.created_at
FROM datasets d
WHERE (` + pred.Clause + `)`
	args := pred.Params()
	next := pred.NextParamIndex()

	if opts.Search != "" {
		query += fmt.Sprintf(" AND d.name ILIKE $%d", next)
		args = append(args, "%"+opts.Search+"%")
		next++
	}
	query += fmt.Sprintf(" ORDER BY d.created_at DESC, d.id ASC LIMIT $%d OFFSET $%d", next, next+1)
	args = append(args, opts.Limit, opts.Offset)

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.observe("list_datasets", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	datasets := []Dataset{}
	for rows.Next() {
		var d Dataset
		var sampleID sql.NullString
		if err := rows.Scan(&d.ID, &d.StudyID, &sampleID, &d.Name, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dataset row: %w", err)
		}
		if sampleID.Valid {
			d.SampleID = &sampleID.String
		}
		datasets = append(datasets, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset rows: %w", err)
	}
	return datasets, nil
}

// GetDataset loads one dataset by id. The caller is responsible for the
// visibility check against its grants.
func (s *Store) GetDataset(ctx context.Context, datasetID string) (*Dataset, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var d Dataset
	var sampleID sql.NullString
	start := time.Now()
	err := s.db.QueryRowContext(ctx, `
SELECT d.id, d.study_id, d.sample_id, d.name, d.created_at
FROM datasets d
WHERE d.id = $1`, datasetID).
		Scan(&d.ID, &d.StudyID, &sampleID, &d.Name, &d.CreatedAt)
	s.observe("get_dataset", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %s: %w", datasetID, err)
	}
	if sampleID.Valid {
		d.SampleID = &sampleID.String
	}
	return &d, nil
}

// ListDatasetFiles returns the file metadata of one dataset, path ascending
func (s *Store) ListDatasetFiles(ctx context.Context, datasetID string) ([]DatasetFile, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
SELECT f.dataset_id, f.path, f.size_bytes, f.content_hash, f.created_at
FROM dataset_files f
WHERE f.dataset_id = $1
ORDER BY f.path ASC`, datasetID)
	s.observe("list_dataset_files", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset files: %w", err)
	}
	defer rows.Close()

	files := []DatasetFile{}
	for rows.Next() {
		var f DatasetFile
		if err := rows.Scan(&f.DatasetID, &f.Path, &f.SizeBytes, &f.ContentHash, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dataset file row: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset file rows: %w", err)
	}
	return files, nil
}

// GetDatasetFile loads the metadata of one file inside a dataset
func (s *Store) GetDatasetFile(ctx context.Context, datasetID, path string) (*DatasetFile, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var f DatasetFile
	start := time.Now()
	err := s.db.QueryRowContext(ctx, `
SELECT f.dataset_id, f.path, f.size_bytes, f.content_hash, f.created_at
FROM dataset_files f
WHERE f.dataset_id = $1 AND f.path = $2`, datasetID, path).
		Scan(&f.DatasetID, &f.Path, &f.SizeBytes, &f.ContentHash, &f.CreatedAt)
	s.observe("get_dataset_file", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load file %s of dataset %s: %w", path, datasetID, err)
	}
	return &f, nil
}

// StudyTitle resolves a study's display title, cached across requests
func (s *Store) StudyTitle(ctx context.Context, studyID string) (string, error) {
	if title, ok := s.titles.Get(studyID); ok {
		return title, nil
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var title string
	start := time.Now()
	err := s.db.QueryRowContext(ctx, `SELECT title FROM studies WHERE id = $1`, studyID).Scan(&title)
	s.observe("study_title", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load study %s: %w", studyID, err)
	}

	s.titles.Add(studyID, title)
	return title, nil
}

// BusinessCounts are the slow-moving totals exported as gauges
type BusinessCounts struct {
	Studies     int64
	Users       int64
	Submissions int64
}

// Counts loads the business gauge totals in one round trip
func (s *Store) Counts(ctx context.Context) (BusinessCounts, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var c BusinessCounts
	start := time.Now()
	err := s.db.QueryRowContext(ctx, `
SELECT
    (SELECT COUNT(*) FROM studies),
    (SELECT COUNT(*) FROM study_users WHERE NOT deactivated),
    (SELECT COUNT(*) FROM submissions)`).
		Scan(&c.Studies, &c.Users, &c.Submissions)
	s.observe("business_counts", start, err)
	if err != nil {
		return BusinessCounts{}, fmt.Errorf("failed to load business counts: %w", err)
	}
	return c, nil
}
