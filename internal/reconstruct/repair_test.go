package reconstruct

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"reconstruction-service/internal/config"
	"reconstruction-service/internal/stage"
)

// exportRunner fakes the model converter by writing a PLY of a fixed size.
type exportRunner struct {
	t          *testing.T
	exportSize int
	gotInput   string
}

func (r *exportRunner) Run(_ context.Context, cmd stage.Command) (stage.Result, error) {
	r.gotInput = argValue(cmd.Args, "--input_path")
	out := argValue(cmd.Args, "--output_path")
	if err := os.WriteFile(out, make([]byte, r.exportSize), 0o644); err != nil {
		r.t.Fatalf("write export: %v", err)
	}
	return stage.Result{}, nil
}

func writeRepairArchive(t *testing.T, jobDir string, componentSizes map[string]int) {
	t.Helper()
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatal(err)
	}
	out, err := os.Create(filepath.Join(jobDir, SparseModelArchive))
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for name, size := range componentSizes {
		w, err := zw.Create("sparse/" + name + "/" + PointPayloadFile)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(make([]byte, size)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRepairReplacesSmallerCloud(t *testing.T) {
	dataDir := t.TempDir()
	jobDir := filepath.Join(dataDir, "job-1")
	writeRepairArchive(t, jobDir, map[string]int{"0": 100, "1": 4000})
	if err := os.WriteFile(filepath.Join(jobDir, PointCloudArtifact), make([]byte, 1000), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := &exportRunner{t: t, exportSize: 5000}
	rp := &Repairer{Cfg: config.Config{DataDir: dataDir, ColmapBinary: "colmap"}, Runner: runner}

	report, err := rp.RepairJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RepairJob: %v", err)
	}
	if !report.Replaced {
		t.Fatalf("report = %+v, want replacement", report)
	}
	if !filepath.IsAbs(runner.gotInput) || filepath.Base(filepath.Dir(runner.gotInput)) != "sparse" {
		t.Fatalf("converter input %q", runner.gotInput)
	}
	if filepath.Base(runner.gotInput) != "1" {
		t.Fatalf("re-exported component %q, want the largest", filepath.Base(runner.gotInput))
	}

	info, err := os.Stat(filepath.Join(jobDir, PointCloudArtifact))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 5000 {
		t.Fatalf("packaged cloud size = %d, want 5000", info.Size())
	}
}

func TestRepairKeepsCloudWhenGainIsSmall(t *testing.T) {
	dataDir := t.TempDir()
	jobDir := filepath.Join(dataDir, "job-1")
	writeRepairArchive(t, jobDir, map[string]int{"0": 4000})
	if err := os.WriteFile(filepath.Join(jobDir, PointCloudArtifact), make([]byte, 4000), 0o644); err != nil {
		t.Fatal(err)
	}

	// 5000 < 4000 * 1.5, so the packaged cloud stays.
	runner := &exportRunner{t: t, exportSize: 5000}
	rp := &Repairer{Cfg: config.Config{DataDir: dataDir, ColmapBinary: "colmap"}, Runner: runner}

	report, err := rp.RepairJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RepairJob: %v", err)
	}
	if report.Replaced {
		t.Fatalf("report = %+v, want no replacement", report)
	}

	info, _ := os.Stat(filepath.Join(jobDir, PointCloudArtifact))
	if info.Size() != 4000 {
		t.Fatalf("packaged cloud size = %d, want untouched 4000", info.Size())
	}
}

func TestRepairWritesMissingCloud(t *testing.T) {
	dataDir := t.TempDir()
	jobDir := filepath.Join(dataDir, "job-1")
	writeRepairArchive(t, jobDir, map[string]int{"0": 4000})

	runner := &exportRunner{t: t, exportSize: 2000}
	rp := &Repairer{Cfg: config.Config{DataDir: dataDir, ColmapBinary: "colmap"}, Runner: runner}

	report, err := rp.RepairJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("RepairJob: %v", err)
	}
	if !report.Replaced || report.OldSize != 0 {
		t.Fatalf("report = %+v, want replacement of missing cloud", report)
	}
}

func TestRepairAllSkipsDirsWithoutArchive(t *testing.T) {
	dataDir := t.TempDir()
	writeRepairArchive(t, filepath.Join(dataDir, "job-1"), map[string]int{"0": 4000})
	if err := os.MkdirAll(filepath.Join(dataDir, "job-2"), 0o755); err != nil {
		t.Fatal(err)
	}

	runner := &exportRunner{t: t, exportSize: 2000}
	rp := &Repairer{Cfg: config.Config{DataDir: dataDir, ColmapBinary: "colmap"}, Runner: runner}

	reports, err := rp.RepairAll(context.Background())
	if err != nil {
		t.Fatalf("RepairAll: %v", err)
	}
	if len(reports) != 1 || reports[0].JobID != "job-1" {
		t.Fatalf("reports = %+v, want only job-1", reports)
	}
}

func TestExtractArchiveRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	out, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(out)
	w, err := zw.Create("../outside.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	out.Close()

	if err := extractArchive(archive, filepath.Join(dir, "dest")); err == nil {
		t.Fatal("expected extraction to reject escaping entry")
	}
}
