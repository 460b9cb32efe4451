package reconstruct

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the scratch directory layout for one job. All stage inputs
// and outputs live under Root; the packager copies what survives the job
// into the artifact area.
type Workspace struct {
	Root         string
	ImagesDir    string
	DatabasePath string
	SparseDir    string
	DenseDir     string
}

// NewWorkspace creates the per-job directory tree under workRoot.
func NewWorkspace(workRoot, jobID string) (Workspace, error) {
	root := filepath.Join(workRoot, jobID)
	ws := Workspace{
		Root:         root,
		ImagesDir:    filepath.Join(root, "images"),
		DatabasePath: filepath.Join(root, "database.db"),
		SparseDir:    filepath.Join(root, "sparse"),
		DenseDir:     filepath.Join(root, "dense"),
	}
	for _, dir := range []string{ws.ImagesDir, ws.SparseDir, ws.DenseDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Workspace{}, fmt.Errorf("create workspace dir: %w", err)
		}
	}
	return ws, nil
}

// SparseExportPath is where the exported sparse point cloud lands.
func (ws Workspace) SparseExportPath() string {
	return filepath.Join(ws.Root, "sparse_point_cloud.ply")
}

// DenseExportPath is where stereo fusion writes the dense point cloud.
func (ws Workspace) DenseExportPath() string {
	return filepath.Join(ws.DenseDir, "fused.ply")
}

// Remove tears the workspace down.
func (ws Workspace) Remove() error {
	return os.RemoveAll(ws.Root)
}

// CountFrames returns the number of extracted frame images.
func (ws Workspace) CountFrames() (int, error) {
	frames, err := filepath.Glob(filepath.Join(ws.ImagesDir, "*.jpg"))
	if err != nil {
		return 0, err
	}
	return len(frames), nil
}
