package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. Transitions are one-directional:
// pending -> processing -> completed | failed | cancelled.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Pipeline stage labels, in execution order.
const (
	StageFrameExtraction      = "frame_extraction"
	StageFeatureDetection     = "feature_detection"
	StageFeatureMatching      = "feature_matching"
	StageSparseReconstruction = "sparse_reconstruction"
	StageModelExport          = "model_export"
	StageDenseReconstruction  = "dense_reconstruction"
)

// Error kinds recorded in a failed job's ErrorDetails.
const (
	ErrKindExit    = "exit"     // external tool returned non-zero
	ErrKindTimeout = "timeout"  // stage exceeded its wall-clock budget
	ErrKindPolicy  = "policy"   // a policy threshold was not met (e.g. frame shortage)
	ErrKindNoModel = "no_model" // sparse reconstruction produced no component
)

// ErrorDetails captures where and why a job failed.
type ErrorDetails struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job is one execution attempt of the reconstruction pipeline for a scan.
// Results and ErrorDetails are never both set.
type Job struct {
	ID           string            `json:"id"`
	ScanID       string            `json:"scan_id"`
	Status       string            `json:"status"`
	Progress     int               `json:"progress"`
	CurrentStage string            `json:"current_stage"`
	Message      string            `json:"message"`
	Quality      string            `json:"quality"`
	Results      map[string]string `json:"results,omitempty"`
	ErrorDetails *ErrorDetails     `json:"error_details,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Scan is the durable, user-facing unit of work: one per uploaded video.
// A scan may be reprocessed by later jobs; its status outlives any one job.
type Scan struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	VideoFilename string    `json:"video_filename"`
	VideoSize     int64     `json:"video_size"`
	Quality       string    `json:"quality"`
	ThumbnailPath *string   `json:"thumbnail_path,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StageSummary is one entry in a pipeline run's stage history.
type StageSummary struct {
	Name     string         `json:"name"`
	Status   string         `json:"status"`
	Duration float64        `json:"duration_seconds"`
	Counters map[string]int `json:"counters,omitempty"`
}

// TechnicalDetails is the structured summary of one pipeline run, written
// once per completed or failed scan. A rerun replaces the prior row.
type TechnicalDetails struct {
	ScanID                string            `json:"scan_id"`
	PointCount            int64             `json:"point_count"`
	CameraCount           int               `json:"camera_count"`
	FeatureCount          int64             `json:"feature_count"`
	ProcessingTimeSeconds float64           `json:"processing_time_seconds"`
	Resolution            string            `json:"resolution"`
	FileSizeBytes         int64             `json:"file_size_bytes"`
	ReconstructionError   float64           `json:"reconstruction_error"`
	CoveragePercentage    float64           `json:"coverage_percentage"`
	Stages                []StageSummary    `json:"processing_stages"`
	Results               map[string]string `json:"results"`
	CreatedAt             time.Time         `json:"created_at"`
}

// Project groups scans for a user.
type Project struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	ScanCount   int       `json:"scan_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// User owns projects. Identified by email for the demo flow.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
