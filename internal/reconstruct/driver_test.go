package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reconstruction-service/internal/config"
	"reconstruction-service/internal/models"
	"reconstruction-service/internal/stage"
)

// scriptRunner simulates the external tools by writing the files each stage
// would produce into the job workspace.
type scriptRunner struct {
	t        *testing.T
	frames   int            // frames "extracted" by ffmpeg
	models   map[string]int // component name -> point count created by the mapper
	failures map[string]error

	ran         []string // stage labels in execution order
	exportInput string   // component dir handed to the model converter
}

func (r *scriptRunner) Run(_ context.Context, cmd stage.Command) (stage.Result, error) {
	op := "ffmpeg"
	if len(cmd.Args) > 0 && cmd.Binary != "ffmpeg" {
		op = cmd.Args[0]
	}
	r.ran = append(r.ran, cmd.Name)

	if err := r.failures[op]; err != nil {
		return stage.Result{ExitCode: 1}, err
	}

	switch op {
	case "ffmpeg":
		pattern := cmd.Args[len(cmd.Args)-1]
		dir := filepath.Dir(pattern)
		for i := 1; i <= r.frames; i++ {
			name := filepath.Join(dir, fmt.Sprintf("frame_%06d.jpg", i))
			if err := os.WriteFile(name, []byte("jpg"), 0o644); err != nil {
				r.t.Fatalf("write frame: %v", err)
			}
		}
	case "mapper":
		out := argValue(cmd.Args, "--output_path")
		for name, points := range r.models {
			writeModel(r.t, out, name, points)
		}
	case "model_converter":
		r.exportInput = argValue(cmd.Args, "--input_path")
		if err := os.WriteFile(argValue(cmd.Args, "--output_path"), []byte("ply data"), 0o644); err != nil {
			r.t.Fatalf("write export: %v", err)
		}
	case "stereo_fusion":
		if err := os.WriteFile(argValue(cmd.Args, "--output_path"), []byte("dense ply data"), 0o644); err != nil {
			r.t.Fatalf("write fused cloud: %v", err)
		}
	}
	return stage.Result{}, nil
}

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// fakeJobStore records every transition the driver makes.
type fakeJobStore struct {
	progress  []int
	messages  []string
	completed bool
	results   map[string]string
	failed    *models.ErrorDetails
	cancelled bool
	scanState string
	thumbnail string
	details   *models.TechnicalDetails
}

func (s *fakeJobStore) UpdateJobProgress(_ context.Context, _ string, progress int, _, message string) error {
	s.progress = append(s.progress, progress)
	s.messages = append(s.messages, message)
	return nil
}

func (s *fakeJobStore) MarkJobCompleted(_ context.Context, _ string, results map[string]string) error {
	s.completed = true
	s.results = results
	return nil
}

func (s *fakeJobStore) MarkJobFailed(_ context.Context, _ string, details models.ErrorDetails) error {
	s.failed = &details
	return nil
}

func (s *fakeJobStore) MarkJobCancelled(_ context.Context, _ string) error {
	s.cancelled = true
	return nil
}

func (s *fakeJobStore) UpdateScanStatus(_ context.Context, _, status string) error {
	s.scanState = status
	return nil
}

func (s *fakeJobStore) SetScanThumbnail(_ context.Context, _, path string) error {
	s.thumbnail = path
	return nil
}

func (s *fakeJobStore) SaveTechnicalDetails(_ context.Context, details models.TechnicalDetails) error {
	s.details = &details
	return nil
}

// cancelAfter flags cancellation once the named stage has started.
type cancelAfter struct {
	runner *scriptRunner
	stage  string
}

func (c cancelAfter) IsCancelRequested(context.Context, string) (bool, error) {
	for _, s := range c.runner.ran {
		if s == c.stage {
			return true, nil
		}
	}
	return false, nil
}

func testDriver(t *testing.T, runner *scriptRunner, store *fakeJobStore, gpu bool) *Driver {
	t.Helper()
	cfg := config.Config{
		WorkDir:        t.TempDir(),
		FFmpegBinary:   "ffmpeg",
		ColmapBinary:   "colmap",
		GPUEnabled:     gpu,
		MinFrameCount:  15,
		ThumbnailWidth: 120,
	}
	return &Driver{
		Cfg:      cfg,
		Store:    store,
		Runner:   runner,
		Packager: &Packager{DataDir: t.TempDir(), SampleCount: 5},
	}
}

func testJob(quality string) models.Job {
	return models.Job{ID: "job-a", ScanID: "scan-a", Quality: quality, Status: models.StatusProcessing}
}

func TestProcessCompletesSparseOnly(t *testing.T) {
	runner := &scriptRunner{t: t, frames: 20, models: map[string]int{"0": 50, "1": 400}}
	store := &fakeJobStore{}
	d := testDriver(t, runner, store, false)

	if err := d.Process(context.Background(), testJob("medium"), "/tmp/video.mp4"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !store.completed {
		t.Fatal("job not marked completed")
	}
	if store.failed != nil {
		t.Fatalf("unexpected failure: %+v", store.failed)
	}
	if store.scanState != models.StatusCompleted {
		t.Fatalf("scan status = %q", store.scanState)
	}
	if store.results["point_cloud_type"] != "sparse" {
		t.Fatalf("point_cloud_type = %q, want sparse without a GPU", store.results["point_cloud_type"])
	}
	if store.results["point_cloud_url"] == "" || store.results["sparse_model_url"] == "" {
		t.Fatalf("incomplete results: %v", store.results)
	}
	if !strings.HasSuffix(runner.exportInput, filepath.Join("sparse", "1")) {
		t.Fatalf("exported %q, want the largest component", runner.exportInput)
	}
}

func TestProcessProgressNeverDecreases(t *testing.T) {
	runner := &scriptRunner{t: t, frames: 20, models: map[string]int{"0": 80}}
	store := &fakeJobStore{}
	d := testDriver(t, runner, store, false)

	if err := d.Process(context.Background(), testJob("medium"), "/tmp/video.mp4"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []int{10, 20, 40, 60, 80, 95}
	if len(store.progress) != len(want) {
		t.Fatalf("progress updates %v, want %v", store.progress, want)
	}
	for i, p := range store.progress {
		if p != want[i] {
			t.Fatalf("progress updates %v, want %v", store.progress, want)
		}
		if i > 0 && p < store.progress[i-1] {
			t.Fatalf("progress decreased at %d: %v", i, store.progress)
		}
	}
	if store.messages[len(store.messages)-1] != "Saving results..." {
		t.Fatalf("final message %q", store.messages[len(store.messages)-1])
	}
}

func TestProcessRecordsTechnicalDetails(t *testing.T) {
	runner := &scriptRunner{t: t, frames: 20, models: map[string]int{"0": 400}}
	store := &fakeJobStore{}
	d := testDriver(t, runner, store, false)

	if err := d.Process(context.Background(), testJob("medium"), "/tmp/video.mp4"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if store.details == nil {
		t.Fatal("technical details not saved")
	}
	if store.details.PointCount != 400 {
		t.Fatalf("point count = %d, want 400", store.details.PointCount)
	}
	if store.details.ProcessingTimeSeconds < 0 {
		t.Fatal("negative processing time")
	}
	var sawExtraction bool
	for _, s := range store.details.Stages {
		if s.Name == models.StageFrameExtraction && s.Counters["frames"] == 20 {
			sawExtraction = true
		}
	}
	if !sawExtraction {
		t.Fatalf("stage history missing frame extraction: %+v", store.details.Stages)
	}
}

func TestProcessFailsOnFrameShortage(t *testing.T) {
	runner := &scriptRunner{t: t, frames: 3}
	store := &fakeJobStore{}
	d := testDriver(t, runner, store, false)

	err := d.Process(context.Background(), testJob("medium"), "/tmp/video.mp4")
	if err == nil {
		t.Fatal("expected failure")
	}

	if store.failed == nil {
		t.Fatal("job not marked failed")
	}
	if store.failed.Stage != models.StageFrameExtraction || store.failed.Kind != models.ErrKindPolicy {
		t.Fatalf("error details = %+v", store.failed)
	}
	if store.scanState != models.StatusFailed {
		t.Fatalf("scan status = %q", store.scanState)
	}
	if store.completed {
		t.Fatal("job marked completed despite failure")
	}
	for _, s := range runner.ran {
		if s == models.StageFeatureDetection {
			t.Fatal("pipeline continued past the frame check")
		}
	}
}

func TestProcessClassifiesTimeout(t *testing.T) {
	runner := &scriptRunner{
		t: t, frames: 20,
		failures: map[string]error{"feature_extractor": fmt.Errorf("feature_detection after 10m: %w", stage.ErrTimeout)},
	}
	store := &fakeJobStore{}
	d := testDriver(t, runner, store, false)

	if err := d.Process(context.Background(), testJob("medium"), "/tmp/video.mp4"); err == nil {
		t.Fatal("expected failure")
	}

	if store.failed == nil || store.failed.Kind != models.ErrKindTimeout {
		t.Fatalf("error details = %+v, want timeout kind", store.failed)
	}
	if store.failed.Stage != models.StageFeatureDetection {
		t.Fatalf("failed stage = %q", store.failed.Stage)
	}
}

func TestProcessFailsWhenMapperProducesNoModel(t *testing.T) {
	runner := &scriptRunner{t: t, frames: 20, models: nil}
	store := &fakeJobStore{}
	d := testDriver(t, runner, store, false)

	if err := d.Process(context.Background(), testJob("medium"), "/tmp/video.mp4"); err == nil {
		t.Fatal("expected failure")
	}

	if store.failed == nil || store.failed.Kind != models.ErrKindNoModel {
		t.Fatalf("error details = %+v, want no_model kind", store.failed)
	}
	if store.failed.Stage != models.StageSparseReconstruction {
		t.Fatalf("failed stage = %q", store.failed.Stage)
	}
}

func TestProcessStopsAtCancellationBoundary(t *testing.T) {
	runner := &scriptRunner{t: t, frames: 20, models: map[string]int{"0": 80}}
	store := &fakeJobStore{}
	d := testDriver(t, runner, store, false)
	d.Cancel = cancelAfter{runner: runner, stage: models.StageFeatureDetection}

	err := d.Process(context.Background(), testJob("medium"), "/tmp/video.mp4")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	if !store.cancelled {
		t.Fatal("job not marked cancelled")
	}
	if store.scanState != models.StatusCancelled {
		t.Fatalf("scan status = %q", store.scanState)
	}
	for _, s := range runner.ran {
		if s == models.StageFeatureMatching {
			t.Fatal("stage ran after cancellation was requested")
		}
	}
}

func TestProcessPrefersDenseWithGPU(t *testing.T) {
	runner := &scriptRunner{t: t, frames: 20, models: map[string]int{"0": 80}}
	store := &fakeJobStore{}
	d := testDriver(t, runner, store, true)

	if err := d.Process(context.Background(), testJob("high"), "/tmp/video.mp4"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if store.results["point_cloud_type"] != "dense" {
		t.Fatalf("point_cloud_type = %q, want dense", store.results["point_cloud_type"])
	}
}

func TestProcessDenseFailureIsAdvisory(t *testing.T) {
	runner := &scriptRunner{
		t: t, frames: 20, models: map[string]int{"0": 80},
		failures: map[string]error{"patch_match_stereo": errors.New("CUDA out of memory")},
	}
	store := &fakeJobStore{}
	d := testDriver(t, runner, store, true)

	if err := d.Process(context.Background(), testJob("high"), "/tmp/video.mp4"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !store.completed {
		t.Fatal("job not marked completed")
	}
	if store.results["point_cloud_type"] != "sparse" {
		t.Fatalf("point_cloud_type = %q, want sparse fallback", store.results["point_cloud_type"])
	}
}

func TestProcessSkipsDenseForLowTier(t *testing.T) {
	runner := &scriptRunner{t: t, frames: 20, models: map[string]int{"0": 80}}
	store := &fakeJobStore{}
	d := testDriver(t, runner, store, true)

	if err := d.Process(context.Background(), testJob("low"), "/tmp/video.mp4"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	for _, s := range runner.ran {
		if s == models.StageDenseReconstruction {
			t.Fatal("dense pass ran for the low tier")
		}
	}
	if store.results["point_cloud_type"] != "sparse" {
		t.Fatalf("point_cloud_type = %q", store.results["point_cloud_type"])
	}
}
