package reconstruct

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeUploader struct {
	keys []string
	fail bool
}

func (f *fakeUploader) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	if f.fail {
		return "", os.ErrPermission
	}
	f.keys = append(f.keys, key)
	return "s3://test-bucket/" + key, nil
}

func packagerWorkspace(t *testing.T) Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir(), "job-1")
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	return ws
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPackagePrefersDenseCloud(t *testing.T) {
	ws := packagerWorkspace(t)
	writeFile(t, ws.SparseExportPath(), "sparse ply")
	writeFile(t, ws.DenseExportPath(), "dense ply with more points")

	p := &Packager{DataDir: t.TempDir(), SampleCount: 5}
	results, err := p.Package(context.Background(), "job-1", ws)
	if err != nil {
		t.Fatalf("Package: %v", err)
	}

	if results["point_cloud_type"] != "dense" {
		t.Fatalf("point_cloud_type = %q, want dense", results["point_cloud_type"])
	}
	if results["point_cloud_url"] != "/results/job-1/point_cloud.ply" {
		t.Fatalf("unexpected point_cloud_url %q", results["point_cloud_url"])
	}
	data, err := os.ReadFile(filepath.Join(p.ArtifactDir("job-1"), PointCloudArtifact))
	if err != nil {
		t.Fatalf("read packaged cloud: %v", err)
	}
	if string(data) != "dense ply with more points" {
		t.Fatalf("packaged cloud holds %q", data)
	}
}

func TestPackageFallsBackToSparseCloud(t *testing.T) {
	ws := packagerWorkspace(t)
	writeFile(t, ws.SparseExportPath(), "sparse ply")

	p := &Packager{DataDir: t.TempDir(), SampleCount: 5}
	results, err := p.Package(context.Background(), "job-2", ws)
	if err != nil {
		t.Fatalf("Package: %v", err)
	}

	if results["point_cloud_type"] != "sparse" {
		t.Fatalf("point_cloud_type = %q, want sparse", results["point_cloud_type"])
	}
}

func TestPackageOmitsMissingArtifacts(t *testing.T) {
	ws := packagerWorkspace(t)

	p := &Packager{DataDir: t.TempDir(), SampleCount: 5}
	results, err := p.Package(context.Background(), "job-3", ws)
	if err != nil {
		t.Fatalf("Package: %v", err)
	}

	for _, key := range []string{"point_cloud_url", "sparse_model_url", "sample_images_url", "thumbnail_url"} {
		if _, ok := results[key]; ok {
			t.Errorf("results unexpectedly contains %q", key)
		}
	}
}

func TestPackageArchivesSparseComponents(t *testing.T) {
	ws := packagerWorkspace(t)
	writeFile(t, filepath.Join(ws.SparseDir, "0", PointPayloadFile), "points0")
	writeFile(t, filepath.Join(ws.SparseDir, "0", "cameras.bin"), "cams0")
	writeFile(t, filepath.Join(ws.SparseDir, "1", PointPayloadFile), "points1")

	p := &Packager{DataDir: t.TempDir(), SampleCount: 5}
	results, err := p.Package(context.Background(), "job-4", ws)
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	if results["sparse_model_url"] != "/results/job-4/sparse_model.zip" {
		t.Fatalf("unexpected sparse_model_url %q", results["sparse_model_url"])
	}

	zr, err := zip.OpenReader(filepath.Join(p.ArtifactDir("job-4"), SparseModelArchive))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"sparse/0/points3D.bin", "sparse/0/cameras.bin", "sparse/1/points3D.bin"} {
		if !names[want] {
			t.Errorf("archive missing %q (has %v)", want, names)
		}
	}
}

func TestPackageCapsSampleFrames(t *testing.T) {
	ws := packagerWorkspace(t)
	for _, name := range []string{"frame_000001.jpg", "frame_000002.jpg", "frame_000003.jpg", "frame_000004.jpg"} {
		writeFile(t, filepath.Join(ws.ImagesDir, name), "jpg")
	}

	p := &Packager{DataDir: t.TempDir(), SampleCount: 2}
	results, err := p.Package(context.Background(), "job-5", ws)
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	if !strings.HasSuffix(results["sample_images_url"], "/images/") {
		t.Fatalf("unexpected sample_images_url %q", results["sample_images_url"])
	}

	entries, err := os.ReadDir(filepath.Join(p.ArtifactDir("job-5"), SampleImagesSubdir))
	if err != nil {
		t.Fatalf("read samples: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("copied %d sample frames, want 2", len(entries))
	}
	if entries[0].Name() != "frame_000001.jpg" {
		t.Fatalf("first sample is %q", entries[0].Name())
	}
}

func TestPackageMirrorsPointCloud(t *testing.T) {
	ws := packagerWorkspace(t)
	writeFile(t, ws.SparseExportPath(), "sparse ply")

	mirror := &fakeUploader{}
	p := &Packager{DataDir: t.TempDir(), SampleCount: 5, Mirror: mirror}
	results, err := p.Package(context.Background(), "job-6", ws)
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	if results["point_cloud_mirror_url"] != "s3://test-bucket/job-6/point_cloud.ply" {
		t.Fatalf("unexpected mirror url %q", results["point_cloud_mirror_url"])
	}
}

func TestPackageMirrorFailureIsNotFatal(t *testing.T) {
	ws := packagerWorkspace(t)
	writeFile(t, ws.SparseExportPath(), "sparse ply")

	p := &Packager{DataDir: t.TempDir(), SampleCount: 5, Mirror: &fakeUploader{fail: true}}
	results, err := p.Package(context.Background(), "job-7", ws)
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	if _, ok := results["point_cloud_mirror_url"]; ok {
		t.Fatal("mirror url recorded despite upload failure")
	}
	if results["point_cloud_url"] == "" {
		t.Fatal("local point cloud url missing")
	}
}
