package reconstruct

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// The mapper's binary model files open with a little-endian uint64 record
// count. Reading just that header gives exact point and registered-image
// counts without decoding the variable-length records that follow, which is
// all the technical summary needs.

// PointCount reads the number of 3D points recorded in a component's
// points3D.bin.
func PointCount(componentDir string) (int64, error) {
	return recordCount(filepath.Join(componentDir, PointPayloadFile))
}

// RegisteredImageCount reads the number of registered images from a
// component's images.bin.
func RegisteredImageCount(componentDir string) (int64, error) {
	return recordCount(filepath.Join(componentDir, "images.bin"))
}

func recordCount(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open model file: %w", err)
	}
	defer f.Close()

	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return 0, fmt.Errorf("read record count from %s: %w", filepath.Base(path), err)
	}
	return int64(n), nil
}
