package reconstruct

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/disintegration/imaging"
)

// ErrNoFrames is returned when thumbnail generation finds no extracted frame.
var ErrNoFrames = errors.New("no frames available for thumbnail")

// GenerateThumbnail resizes the first extracted frame down to width and
// writes it as a JPEG at destPath.
func GenerateThumbnail(framesDir, destPath string, width int) error {
	frames, err := filepath.Glob(filepath.Join(framesDir, "*.jpg"))
	if err != nil || len(frames) == 0 {
		return ErrNoFrames
	}
	sort.Strings(frames)

	src, err := imaging.Open(frames[0])
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	thumb := imaging.Resize(src, width, 0, imaging.Lanczos)

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}
	if err := imaging.Save(thumb, destPath, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("save thumbnail: %w", err)
	}
	return nil
}
