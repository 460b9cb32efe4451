package reconstruct

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"

	"reconstruction-service/internal/storage"
)

// Canonical artifact names inside a job's artifact directory.
const (
	PointCloudArtifact = "point_cloud.ply"
	SparseModelArchive = "sparse_model.zip"
	ThumbnailArtifact  = "thumbnail.jpg"
	SampleImagesSubdir = "images"
)

// Packager copies a finished job's outputs into the per-job artifact area
// and returns the results map recorded on the job. Missing optional
// artifacts are omitted from the map, never reported as errors.
type Packager struct {
	// DataDir is the artifact root; each job gets DataDir/<jobID>/.
	DataDir     string
	SampleCount int
	// Mirror, when set, receives a copy of the point cloud in object
	// storage. Mirror failures are logged, not fatal.
	Mirror storage.Uploader
}

// ArtifactDir returns the artifact directory for a job.
func (p *Packager) ArtifactDir(jobID string) string {
	return filepath.Join(p.DataDir, jobID)
}

// Package assembles the artifact directory: the chosen point cloud (dense
// when present, else the sparse export), the archived sparse model tree,
// and a small sample of input frames.
func (p *Packager) Package(ctx context.Context, jobID string, ws Workspace) (map[string]string, error) {
	dir := p.ArtifactDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	results := make(map[string]string)

	cloudSrc := ws.DenseExportPath()
	cloudType := "dense"
	if _, err := os.Stat(cloudSrc); err != nil {
		cloudSrc = ws.SparseExportPath()
		cloudType = "sparse"
	}
	if _, err := os.Stat(cloudSrc); err == nil {
		dest := filepath.Join(dir, PointCloudArtifact)
		if err := copyFile(cloudSrc, dest); err != nil {
			return nil, fmt.Errorf("copy point cloud: %w", err)
		}
		results["point_cloud_url"] = artifactURL(jobID, PointCloudArtifact)
		results["point_cloud_type"] = cloudType
		p.mirror(ctx, jobID, dest, results)
	}

	if components, _ := ListComponents(ws.SparseDir); len(components) > 0 {
		archive := filepath.Join(dir, SparseModelArchive)
		if err := archiveSparseModels(ws.SparseDir, components, archive); err != nil {
			return nil, fmt.Errorf("archive sparse model: %w", err)
		}
		results["sparse_model_url"] = artifactURL(jobID, SparseModelArchive)
	}

	if err := p.copySampleFrames(ws.ImagesDir, filepath.Join(dir, SampleImagesSubdir)); err == nil {
		results["sample_images_url"] = artifactURL(jobID, SampleImagesSubdir) + "/"
	}

	if _, err := os.Stat(filepath.Join(dir, ThumbnailArtifact)); err == nil {
		results["thumbnail_url"] = artifactURL(jobID, ThumbnailArtifact)
	}

	return results, nil
}

func (p *Packager) mirror(ctx context.Context, jobID, cloudPath string, results map[string]string) {
	if p.Mirror == nil {
		return
	}
	body, err := os.ReadFile(cloudPath)
	if err != nil {
		log.Printf("mirror read %s: %v", cloudPath, err)
		return
	}
	url, err := p.Mirror.Upload(ctx, jobID+"/"+PointCloudArtifact, body, "application/octet-stream")
	if err != nil {
		log.Printf("mirror upload for job %s: %v", jobID, err)
		return
	}
	results["point_cloud_mirror_url"] = url
}

func (p *Packager) copySampleFrames(framesDir, destDir string) error {
	frames, err := filepath.Glob(filepath.Join(framesDir, "*.jpg"))
	if err != nil || len(frames) == 0 {
		return fmt.Errorf("no frames to sample")
	}
	sort.Strings(frames)
	if len(frames) > p.SampleCount {
		frames = frames[:p.SampleCount]
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	for _, f := range frames {
		if err := copyFile(f, filepath.Join(destDir, filepath.Base(f))); err != nil {
			return err
		}
	}
	return nil
}

func artifactURL(jobID, name string) string {
	return "/results/" + jobID + "/" + name
}

// archiveSparseModels zips every component directory so the repair utility
// can re-select among them later.
func archiveSparseModels(sparseDir string, components []string, destZip string) error {
	out, err := os.Create(destZip)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	for _, comp := range components {
		entries, err := os.ReadDir(comp)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			rel, err := filepath.Rel(filepath.Dir(sparseDir), filepath.Join(comp, e.Name()))
			if err != nil {
				return err
			}
			if err := addZipEntry(zw, filepath.Join(comp, e.Name()), filepath.ToSlash(rel)); err != nil {
				return err
			}
		}
	}
	return nil
}

func addZipEntry(zw *zip.Writer, path, name string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
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
