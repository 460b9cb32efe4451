package reconstruct

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// PointPayloadFile is the binary point record file the mapper writes into
// each reconstruction component directory.
const PointPayloadFile = "points3D.bin"

// ListComponents returns the component directories under sparseDir that hold
// a point payload, sorted lexically. Incremental mapping writes zero or more
// numbered components (0/, 1/, ...) when not all frames register into a
// single model.
func ListComponents(sparseDir string) ([]string, error) {
	entries, err := os.ReadDir(sparseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sparse dir: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(sparseDir, e.Name())
		if _, err := os.Stat(filepath.Join(dir, PointPayloadFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// SelectBest picks the component with the largest point payload, using file
// byte size as a proxy for point count. Ties go to the lexically first
// candidate. Returns false when there is no candidate. The selection reads
// only file metadata, so re-running it over the same set is idempotent.
func SelectBest(candidates []string) (string, bool) {
	sorted := make([]string, len(candidates))
	copy(sorted, candidates)
	sort.Strings(sorted)

	best := ""
	var bestSize int64 = -1
	for _, dir := range sorted {
		info, err := os.Stat(filepath.Join(dir, PointPayloadFile))
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			bestSize = info.Size()
			best = dir
		}
	}
	return best, best != ""
}
