package reconstruct

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"reconstruction-service/internal/config"
	"reconstruction-service/internal/models"
	"reconstruction-service/internal/stage"
)

// ErrNoArchive reports that a job's artifact directory has no sparse model
// archive to repair from.
var ErrNoArchive = errors.New("no sparse model archive")

// A repaired cloud replaces the packaged one only when it is clearly larger,
// so a borderline re-export never degrades an artifact users already have.
const repairGrowthFactor = 1.5

// RepairReport describes the outcome for one job's artifacts.
type RepairReport struct {
	JobID    string
	OldSize  int64
	NewSize  int64
	Replaced bool
}

// Repairer re-exports the best sparse component from each job's archived
// model and replaces the packaged point cloud when the export is
// substantially larger. It exists for artifact areas packaged before
// component selection compared sizes correctly.
type Repairer struct {
	Cfg    config.Config
	Runner stage.Runner
}

// RepairAll scans the artifact area and repairs every job directory that
// carries a sparse model archive.
func (rp *Repairer) RepairAll(ctx context.Context) ([]RepairReport, error) {
	entries, err := os.ReadDir(rp.Cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("read artifact dir: %w", err)
	}

	var reports []RepairReport
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		report, err := rp.RepairJob(ctx, e.Name())
		if errors.Is(err, ErrNoArchive) {
			continue
		}
		if err != nil {
			log.Printf("repair job %s: %v", e.Name(), err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// RepairJob re-exports one job's best component and swaps in the result if
// it beats the packaged cloud by the growth factor.
func (rp *Repairer) RepairJob(ctx context.Context, jobID string) (RepairReport, error) {
	report := RepairReport{JobID: jobID}
	jobDir := filepath.Join(rp.Cfg.DataDir, jobID)
	archive := filepath.Join(jobDir, SparseModelArchive)
	if _, err := os.Stat(archive); err != nil {
		return report, ErrNoArchive
	}

	tmp, err := os.MkdirTemp("", "repair-")
	if err != nil {
		return report, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := extractArchive(archive, tmp); err != nil {
		return report, fmt.Errorf("extract archive: %w", err)
	}

	components, err := ListComponents(filepath.Join(tmp, "sparse"))
	if err != nil {
		return report, err
	}
	best, ok := SelectBest(components)
	if !ok {
		return report, errors.New("archive holds no usable component")
	}

	candidate := filepath.Join(tmp, "repaired.ply")
	_, err = rp.Runner.Run(ctx, stage.Command{
		Name:   models.StageModelExport,
		Binary: rp.Cfg.ColmapBinary,
		Args: []string{
			"model_converter",
			"--input_path", best,
			"--output_path", candidate,
			"--output_type", "PLY",
		},
		Dir:     tmp,
		Timeout: rp.Cfg.ExportTimeout,
	})
	if err != nil {
		return report, fmt.Errorf("re-export model: %w", err)
	}

	newInfo, err := os.Stat(candidate)
	if err != nil {
		return report, fmt.Errorf("stat re-export: %w", err)
	}
	report.NewSize = newInfo.Size()

	packaged := filepath.Join(jobDir, PointCloudArtifact)
	if info, err := os.Stat(packaged); err == nil {
		report.OldSize = info.Size()
	}

	if report.OldSize > 0 && float64(report.NewSize) < float64(report.OldSize)*repairGrowthFactor {
		return report, nil
	}

	if err := copyFile(candidate, packaged); err != nil {
		return report, fmt.Errorf("replace point cloud: %w", err)
	}
	report.Replaced = true
	return report, nil
}

// extractArchive unpacks a zip into destDir, rejecting entries that would
// escape it.
func extractArchive(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		name := filepath.FromSlash(f.Name)
		dest := filepath.Join(destDir, name)
		rel, err := filepath.Rel(destDir, dest)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("archive entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := extractEntry(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, dest string) error {
	in, err := f.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
