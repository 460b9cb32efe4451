package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"reconstruction-service/internal/config"
	"reconstruction-service/internal/models"
	"reconstruction-service/internal/profile"
	"reconstruction-service/internal/stage"
)

// ErrCancelled reports that the job was stopped at a stage boundary on the
// user's request.
var ErrCancelled = errors.New("job cancelled")

// JobStore is the persistence surface the driver needs. The Postgres store
// implements it; tests use an in-memory fake.
type JobStore interface {
	UpdateJobProgress(ctx context.Context, jobID string, progress int, stage, message string) error
	MarkJobCompleted(ctx context.Context, jobID string, results map[string]string) error
	MarkJobFailed(ctx context.Context, jobID string, details models.ErrorDetails) error
	MarkJobCancelled(ctx context.Context, jobID string) error
	UpdateScanStatus(ctx context.Context, scanID, status string) error
	SetScanThumbnail(ctx context.Context, scanID, path string) error
	SaveTechnicalDetails(ctx context.Context, details models.TechnicalDetails) error
}

// CancelChecker reports whether cancellation has been requested for a job.
type CancelChecker interface {
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
}

// Driver runs the reconstruction pipeline for one job at a time. External
// tool failures in mandatory stages fail the job; the dense pass, thumbnail,
// and feature-database statistics are advisory.
type Driver struct {
	Cfg      config.Config
	Store    JobStore
	Runner   stage.Runner
	Cancel   CancelChecker
	Packager *Packager

	// ObserveStage, when set, receives the wall-clock duration of each
	// completed stage.
	ObserveStage func(stage string, seconds float64)
}

type run struct {
	job     models.Job
	ws      Workspace
	cmds    commandSet
	started time.Time
	stages  []models.StageSummary
}

// Process executes the full pipeline for job against the uploaded video.
// It owns all terminal state transitions: every return path has marked the
// job completed, failed, or cancelled.
func (d *Driver) Process(ctx context.Context, job models.Job, videoPath string) error {
	ws, err := NewWorkspace(d.Cfg.WorkDir, job.ID)
	if err != nil {
		return d.fail(ctx, &run{job: job, started: time.Now()}, models.ErrorDetails{
			Stage:   models.StageFrameExtraction,
			Kind:    models.ErrKindExit,
			Message: err.Error(),
		})
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			log.Printf("remove workspace for job %s: %v", job.ID, err)
		}
	}()

	params := profile.Resolve(job.Quality)
	r := &run{
		job:     job,
		ws:      ws,
		cmds:    commandSet{cfg: d.Cfg, params: params, ws: ws},
		started: time.Now(),
	}

	if err := d.extractFrames(ctx, r, videoPath); err != nil {
		return d.finish(ctx, r, err)
	}
	d.generateThumbnail(ctx, r)

	if err := d.detectFeatures(ctx, r); err != nil {
		return d.finish(ctx, r, err)
	}
	if err := d.matchFeatures(ctx, r); err != nil {
		return d.finish(ctx, r, err)
	}
	best, err := d.reconstructSparse(ctx, r)
	if err != nil {
		return d.finish(ctx, r, err)
	}
	if err := d.exportModel(ctx, r, best); err != nil {
		return d.finish(ctx, r, err)
	}
	d.reconstructDense(ctx, r, best)

	return d.complete(ctx, r, best)
}

// finish routes a stage error to the right terminal transition.
func (d *Driver) finish(ctx context.Context, r *run, err error) error {
	if errors.Is(err, ErrCancelled) {
		return d.cancelled(ctx, r)
	}
	var details models.ErrorDetails
	var fe *failure
	if errors.As(err, &fe) {
		details = fe.details
	} else {
		details = models.ErrorDetails{Stage: r.currentStage(), Kind: models.ErrKindExit, Message: err.Error()}
	}
	return d.fail(ctx, r, details)
}

// failure carries structured error details out of a stage.
type failure struct {
	details models.ErrorDetails
}

func (f *failure) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", f.details.Stage, f.details.Kind, f.details.Message)
}

func stageFailure(stageName string, err error) error {
	kind := models.ErrKindExit
	if errors.Is(err, stage.ErrTimeout) {
		kind = models.ErrKindTimeout
	}
	return &failure{details: models.ErrorDetails{Stage: stageName, Kind: kind, Message: err.Error()}}
}

func policyFailure(stageName, message string) error {
	return &failure{details: models.ErrorDetails{Stage: stageName, Kind: models.ErrKindPolicy, Message: message}}
}

func (r *run) currentStage() string {
	if len(r.stages) == 0 {
		return models.StageFrameExtraction
	}
	return r.stages[len(r.stages)-1].Name
}

func (r *run) record(name, status string, d time.Duration, counters map[string]int) {
	r.stages = append(r.stages, models.StageSummary{
		Name:     name,
		Status:   status,
		Duration: d.Seconds(),
		Counters: counters,
	})
}

// runStage checks for cancellation, advances the job's visible progress, and
// executes one external command.
func (d *Driver) runStage(ctx context.Context, r *run, progress int, message string, cmd stage.Command) error {
	if cancelled, err := d.cancelRequested(ctx, r.job.ID); err != nil {
		log.Printf("cancel check for job %s: %v", r.job.ID, err)
	} else if cancelled {
		return ErrCancelled
	}

	if err := d.Store.UpdateJobProgress(ctx, r.job.ID, progress, cmd.Name, message); err != nil {
		log.Printf("update progress for job %s: %v", r.job.ID, err)
	}

	res, err := d.Runner.Run(ctx, cmd)
	if d.ObserveStage != nil {
		d.ObserveStage(cmd.Name, res.Duration.Seconds())
	}
	if err != nil {
		r.record(cmd.Name, models.StatusFailed, res.Duration, nil)
		return stageFailure(cmd.Name, err)
	}
	r.record(cmd.Name, models.StatusCompleted, res.Duration, nil)
	return nil
}

func (d *Driver) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	if d.Cancel == nil {
		return false, nil
	}
	return d.Cancel.IsCancelRequested(ctx, jobID)
}

func (d *Driver) extractFrames(ctx context.Context, r *run, videoPath string) error {
	err := d.runStage(ctx, r, 10, "Extracting frames from video...", r.cmds.frameExtraction(videoPath))
	if err != nil {
		return err
	}
	count, err := r.ws.CountFrames()
	if err != nil {
		return stageFailure(models.StageFrameExtraction, err)
	}
	r.stages[len(r.stages)-1].Counters = map[string]int{"frames": count}
	if count < d.Cfg.MinFrameCount {
		return policyFailure(models.StageFrameExtraction,
			fmt.Sprintf("extracted %d frames, need at least %d", count, d.Cfg.MinFrameCount))
	}
	return nil
}

// generateThumbnail renders the scan preview from the first frame. Failures
// here never affect the job outcome.
func (d *Driver) generateThumbnail(ctx context.Context, r *run) {
	dest := filepath.Join(d.Packager.ArtifactDir(r.job.ID), ThumbnailArtifact)
	if err := GenerateThumbnail(r.ws.ImagesDir, dest, d.Cfg.ThumbnailWidth); err != nil {
		log.Printf("thumbnail for job %s: %v", r.job.ID, err)
		return
	}
	if err := d.Store.SetScanThumbnail(ctx, r.job.ScanID, dest); err != nil {
		log.Printf("record thumbnail for scan %s: %v", r.job.ScanID, err)
	}
}

func (d *Driver) detectFeatures(ctx context.Context, r *run) error {
	return d.runStage(ctx, r, 20, "Detecting features...", r.cmds.featureDetection())
}

func (d *Driver) matchFeatures(ctx context.Context, r *run) error {
	return d.runStage(ctx, r, 40, "Matching features...", r.cmds.featureMatching())
}

// reconstructSparse runs the mapper and picks the best resulting component.
func (d *Driver) reconstructSparse(ctx context.Context, r *run) (string, error) {
	if err := d.runStage(ctx, r, 60, "Building sparse reconstruction...", r.cmds.sparseReconstruction()); err != nil {
		return "", err
	}
	components, err := ListComponents(r.ws.SparseDir)
	if err != nil {
		return "", stageFailure(models.StageSparseReconstruction, err)
	}
	r.stages[len(r.stages)-1].Counters = map[string]int{"components": len(components)}
	best, ok := SelectBest(components)
	if !ok {
		return "", &failure{details: models.ErrorDetails{
			Stage:   models.StageSparseReconstruction,
			Kind:    models.ErrKindNoModel,
			Message: "reconstruction produced no model, the video may lack sufficient overlap or texture",
		}}
	}
	return best, nil
}

func (d *Driver) exportModel(ctx context.Context, r *run, componentDir string) error {
	return d.runStage(ctx, r, 80, "Exporting point cloud...", r.cmds.modelExport(componentDir))
}

// reconstructDense runs the optional dense pass. Any failure downgrades the
// result to sparse-only; the job still completes.
func (d *Driver) reconstructDense(ctx context.Context, r *run, componentDir string) {
	if !r.cmds.params.DenseEnabled {
		r.record(models.StageDenseReconstruction, "skipped", 0, map[string]int{"tier_disabled": 1})
		return
	}
	if !d.Cfg.GPUEnabled {
		r.record(models.StageDenseReconstruction, "skipped", 0, map[string]int{"gpu_disabled": 1})
		return
	}
	for i, cmd := range []stage.Command{
		r.cmds.denseUndistort(componentDir),
		r.cmds.denseStereo(),
		r.cmds.denseFusion(),
	} {
		progress := 85
		if i > 0 {
			progress = 90
		}
		if err := d.runStage(ctx, r, progress, "Running dense reconstruction...", cmd); err != nil {
			if errors.Is(err, ErrCancelled) {
				// Let the next mandatory checkpoint handle it.
				return
			}
			log.Printf("dense pass for job %s: %v", r.job.ID, err)
			return
		}
	}
}

func (d *Driver) complete(ctx context.Context, r *run, best string) error {
	if cancelled, err := d.cancelRequested(ctx, r.job.ID); err != nil {
		log.Printf("cancel check for job %s: %v", r.job.ID, err)
	} else if cancelled {
		return d.cancelled(ctx, r)
	}

	if err := d.Store.UpdateJobProgress(ctx, r.job.ID, 95, models.StageModelExport, "Saving results..."); err != nil {
		log.Printf("update progress for job %s: %v", r.job.ID, err)
	}

	results, err := d.Packager.Package(ctx, r.job.ID, r.ws)
	if err != nil {
		return d.fail(ctx, r, models.ErrorDetails{
			Stage:   models.StageModelExport,
			Kind:    models.ErrKindExit,
			Message: err.Error(),
		})
	}

	d.saveTechnicalDetails(ctx, r, best, results)

	if err := d.Store.MarkJobCompleted(ctx, r.job.ID, results); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	if err := d.Store.UpdateScanStatus(ctx, r.job.ScanID, models.StatusCompleted); err != nil {
		log.Printf("update scan %s status: %v", r.job.ScanID, err)
	}
	return nil
}

// saveTechnicalDetails assembles the run summary from the chosen model, the
// feature database, and the packaged point cloud. Every input is advisory.
func (d *Driver) saveTechnicalDetails(ctx context.Context, r *run, best string, results map[string]string) {
	details := models.TechnicalDetails{
		ScanID:                r.job.ScanID,
		ProcessingTimeSeconds: time.Since(r.started).Seconds(),
		Stages:                r.stages,
		Results:               results,
	}

	if n, err := PointCount(best); err == nil {
		details.PointCount = n
	} else {
		log.Printf("point count for job %s: %v", r.job.ID, err)
	}
	if n, err := RegisteredImageCount(best); err == nil {
		details.CameraCount = int(n)
	}
	if stats, err := ReadDatabaseStats(r.ws.DatabasePath); err == nil {
		details.FeatureCount = stats.NumKeypoints
		details.CoveragePercentage = stats.CoveragePercentage()
	} else {
		log.Printf("feature database stats for job %s: %v", r.job.ID, err)
	}
	details.Resolution = d.frameResolution(r)
	if fi, err := os.Stat(filepath.Join(d.Packager.ArtifactDir(r.job.ID), PointCloudArtifact)); err == nil {
		details.FileSizeBytes = fi.Size()
	}

	if err := d.Store.SaveTechnicalDetails(ctx, details); err != nil {
		log.Printf("save technical details for scan %s: %v", r.job.ScanID, err)
	}
}

func (d *Driver) frameResolution(r *run) string {
	frames, err := filepath.Glob(filepath.Join(r.ws.ImagesDir, "*.jpg"))
	if err != nil || len(frames) == 0 {
		return ""
	}
	img, err := imaging.Open(frames[0])
	if err != nil {
		return ""
	}
	b := img.Bounds()
	return fmt.Sprintf("%dx%d", b.Dx(), b.Dy())
}

func (d *Driver) fail(ctx context.Context, r *run, details models.ErrorDetails) error {
	if err := d.Store.MarkJobFailed(ctx, r.job.ID, details); err != nil {
		log.Printf("mark job %s failed: %v", r.job.ID, err)
	}
	if err := d.Store.UpdateScanStatus(ctx, r.job.ScanID, models.StatusFailed); err != nil {
		log.Printf("update scan %s status: %v", r.job.ScanID, err)
	}
	return &failure{details: details}
}

func (d *Driver) cancelled(ctx context.Context, r *run) error {
	if err := d.Store.MarkJobCancelled(ctx, r.job.ID); err != nil {
		log.Printf("mark job %s cancelled: %v", r.job.ID, err)
	}
	if err := d.Store.UpdateScanStatus(ctx, r.job.ScanID, models.StatusCancelled); err != nil {
		log.Printf("update scan %s status: %v", r.job.ScanID, err)
	}
	return ErrCancelled
}
