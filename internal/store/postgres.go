package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"reconstruction-service/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrScanBusy is returned when a scan already has a pending or processing job.
var ErrScanBusy = errors.New("scan already has an active job")

const completedMessage = "3D reconstruction completed successfully!"

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// --- users ---

// EnsureUser returns the user with the given email, creating it on first use.
func (s *Store) EnsureUser(ctx context.Context, email, name string) (models.User, error) {
	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, name, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email, name, created_at
	`, id, email, name)

	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt); err != nil {
		return models.User{}, fmt.Errorf("ensure user: %w", err)
	}
	return u, nil
}

// --- projects ---

// CreateProject inserts a project for a user.
func (s *Store) CreateProject(ctx context.Context, userID, name, description, location string) (models.Project, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, user_id, name, description, location, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, userID, name, description, location, now)
	if err != nil {
		return models.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return models.Project{
		ID: id, UserID: userID, Name: name,
		Description: description, Location: location,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetProject fetches a project with its scan count.
func (s *Store) GetProject(ctx context.Context, id string) (models.Project, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT p.id, p.user_id, p.name, p.description, p.location,
		       (SELECT COUNT(*) FROM scans sc WHERE sc.project_id = p.id),
		       p.created_at, p.updated_at
		FROM projects p WHERE p.id = $1
	`, id)

	var p models.Project
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.Location, &p.ScanCount, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Project{}, ErrNotFound
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("scan project: %w", err)
	}
	return p, nil
}

// ListProjects returns a user's projects, newest first.
func (s *Store) ListProjects(ctx context.Context, userID string) ([]models.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.user_id, p.name, p.description, p.location,
		       (SELECT COUNT(*) FROM scans sc WHERE sc.project_id = p.id),
		       p.created_at, p.updated_at
		FROM projects p WHERE p.user_id = $1
		ORDER BY p.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &p.Location, &p.ScanCount, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject removes a project; scans and jobs cascade.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- scans ---

// CreateScanParams collects inputs required to insert a scan.
type CreateScanParams struct {
	ProjectID     string
	Name          string
	VideoFilename string
	VideoSize     int64
	Quality       string
}

// CreateScan inserts a scan in pending state.
func (s *Store) CreateScan(ctx context.Context, p CreateScanParams) (models.Scan, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scans (id, project_id, name, status, video_filename, video_size, quality, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.ProjectID, p.Name, models.StatusPending, p.VideoFilename, p.VideoSize, p.Quality, now)
	if err != nil {
		return models.Scan{}, fmt.Errorf("insert scan: %w", err)
	}
	return models.Scan{
		ID: id, ProjectID: p.ProjectID, Name: p.Name,
		Status: models.StatusPending, VideoFilename: p.VideoFilename,
		VideoSize: p.VideoSize, Quality: p.Quality,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetScan fetches a scan by id.
func (s *Store) GetScan(ctx context.Context, id string) (models.Scan, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, name, status, video_filename, video_size, quality, thumbnail_path, created_at, updated_at
		FROM scans WHERE id = $1
	`, id)

	var sc models.Scan
	var thumb pgtype.Text
	err := row.Scan(&sc.ID, &sc.ProjectID, &sc.Name, &sc.Status, &sc.VideoFilename, &sc.VideoSize, &sc.Quality, &thumb, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Scan{}, ErrNotFound
	}
	if err != nil {
		return models.Scan{}, fmt.Errorf("scan scan row: %w", err)
	}
	sc.ThumbnailPath = textPtr(thumb)
	return sc, nil
}

// ListScansByProject returns a project's scans, newest first.
func (s *Store) ListScansByProject(ctx context.Context, projectID string) ([]models.Scan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, name, status, video_filename, video_size, quality, thumbnail_path, created_at, updated_at
		FROM scans WHERE project_id = $1
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query scans: %w", err)
	}
	defer rows.Close()

	var out []models.Scan
	for rows.Next() {
		var sc models.Scan
		var thumb pgtype.Text
		if err := rows.Scan(&sc.ID, &sc.ProjectID, &sc.Name, &sc.Status, &sc.VideoFilename, &sc.VideoSize, &sc.Quality, &thumb, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan scan row: %w", err)
		}
		sc.ThumbnailPath = textPtr(thumb)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScanStatus overwrites a scan's status.
func (s *Store) UpdateScanStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scans SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// SetScanThumbnail records the thumbnail path for a scan.
func (s *Store) SetScanThumbnail(ctx context.Context, id, path string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scans SET thumbnail_path = $2, updated_at = NOW() WHERE id = $1
	`, id, path)
	return err
}

// DeleteScan removes a scan; its jobs and technical details cascade.
func (s *Store) DeleteScan(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- jobs ---

// CreateJob inserts a pending job for a scan. A scan carries at most one
// pending or processing job at a time; a second submission returns
// ErrScanBusy.
func (s *Store) CreateJob(ctx context.Context, scanID, quality string) (models.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, scan_id, status, progress, current_stage, message, quality, created_at, updated_at)
		SELECT $1, $2, $3, 0, '', 'Waiting for a worker...', $4, $5, $5
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs WHERE scan_id = $2 AND status IN ($6, $7)
		)
	`, id, scanID, models.StatusPending, quality, now, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, ErrScanBusy
	}

	return models.Job{
		ID: id, ScanID: scanID, Status: models.StatusPending,
		Message: "Waiting for a worker...", Quality: quality,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, scan_id, status, progress, current_stage, message, quality, results, error_details, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var resultsJSON, errorJSON []byte
	err := row.Scan(&job.ID, &job.ScanID, &job.Status, &job.Progress, &job.CurrentStage, &job.Message, &job.Quality, &resultsJSON, &errorJSON, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &job.Results); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		job.ErrorDetails = &models.ErrorDetails{}
		if err := json.Unmarshal(errorJSON, job.ErrorDetails); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal error details: %w", err)
		}
	}
	return job, nil
}

// MarkJobProcessing transitions a job from pending to processing. Returns
// ErrNotFound when the job is no longer pending, e.g. it was cancelled
// before a worker picked it up.
func (s *Store) MarkJobProcessing(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3
	`, id, models.StatusProcessing, models.StatusPending)
	if err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobProgress overwrites a job's visible progress fields.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress int, stage, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, current_stage = $3, message = $4, updated_at = NOW()
		WHERE id = $1
	`, id, progress, stage, message)
	return err
}

// MarkJobCompleted records the terminal success state with its results map.
func (s *Store) MarkJobCompleted(ctx context.Context, id string, results map[string]string) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, progress = 100, message = $3, results = $4, error_details = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusCompleted, completedMessage, resultsJSON)
	return err
}

// MarkJobFailed records the terminal failure state with structured details.
func (s *Store) MarkJobFailed(ctx context.Context, id string, details models.ErrorDetails) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal error details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, message = $3, error_details = $4, results = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, "Reconstruction failed: "+details.Message, detailsJSON)
	return err
}

// MarkJobCancelled records the terminal cancelled state.
func (s *Store) MarkJobCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, message = 'Cancelled by user', error_details = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusCancelled)
	return err
}

// ListJobIDsByScan returns the IDs of every job ever run for a scan.
func (s *Store) ListJobIDsByScan(ctx context.Context, scanID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM jobs WHERE scan_id = $1`, scanID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveJobCount counts pending and processing jobs, for telemetry.
func (s *Store) ActiveJobCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status IN ($1, $2)
	`, models.StatusPending, models.StatusProcessing).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// --- technical details ---

// SaveTechnicalDetails upserts the run summary for a scan. A rerun replaces
// the prior row wholesale.
func (s *Store) SaveTechnicalDetails(ctx context.Context, d models.TechnicalDetails) error {
	stagesJSON, err := json.Marshal(d.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	resultsJSON, err := json.Marshal(d.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scan_technical_details
			(scan_id, point_count, camera_count, feature_count, processing_time_seconds,
			 resolution, file_size_bytes, reconstruction_error, coverage_percentage,
			 stages, results, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (scan_id) DO UPDATE SET
			point_count = EXCLUDED.point_count,
			camera_count = EXCLUDED.camera_count,
			feature_count = EXCLUDED.feature_count,
			processing_time_seconds = EXCLUDED.processing_time_seconds,
			resolution = EXCLUDED.resolution,
			file_size_bytes = EXCLUDED.file_size_bytes,
			reconstruction_error = EXCLUDED.reconstruction_error,
			coverage_percentage = EXCLUDED.coverage_percentage,
			stages = EXCLUDED.stages,
			results = EXCLUDED.results,
			created_at = NOW()
	`, d.ScanID, d.PointCount, d.CameraCount, d.FeatureCount, d.ProcessingTimeSeconds,
		d.Resolution, d.FileSizeBytes, d.ReconstructionError, d.CoveragePercentage,
		stagesJSON, resultsJSON)
	if err != nil {
		return fmt.Errorf("upsert technical details: %w", err)
	}
	return nil
}

// GetTechnicalDetails fetches the run summary for a scan.
func (s *Store) GetTechnicalDetails(ctx context.Context, scanID string) (models.TechnicalDetails, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT scan_id, point_count, camera_count, feature_count, processing_time_seconds,
		       resolution, file_size_bytes, reconstruction_error, coverage_percentage,
		       stages, results, created_at
		FROM scan_technical_details WHERE scan_id = $1
	`, scanID)

	var d models.TechnicalDetails
	var stagesJSON, resultsJSON []byte
	err := row.Scan(&d.ScanID, &d.PointCount, &d.CameraCount, &d.FeatureCount, &d.ProcessingTimeSeconds,
		&d.Resolution, &d.FileSizeBytes, &d.ReconstructionError, &d.CoveragePercentage,
		&stagesJSON, &resultsJSON, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TechnicalDetails{}, ErrNotFound
	}
	if err != nil {
		return models.TechnicalDetails{}, fmt.Errorf("scan technical details: %w", err)
	}

	if len(stagesJSON) > 0 {
		if err := json.Unmarshal(stagesJSON, &d.Stages); err != nil {
			return models.TechnicalDetails{}, fmt.Errorf("unmarshal stages: %w", err)
		}
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &d.Results); err != nil {
			return models.TechnicalDetails{}, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	return d, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
