package reconstruct

import (
	"fmt"
	"os"
	"path/filepath"
)

// UploadPath returns where the API stores the uploaded video for a job. The
// worker finds it again with FindUpload; only the job ID is carried through
// the queue.
func UploadPath(workDir, jobID, ext string) string {
	return filepath.Join(workDir, "uploads", jobID+ext)
}

// FindUpload locates the uploaded video for a job, whatever its extension.
func FindUpload(workDir, jobID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(workDir, "uploads", jobID+".*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no upload found for job %s", jobID)
	}
	return matches[0], nil
}

// RemoveUpload deletes the uploaded video after the job finishes.
func RemoveUpload(workDir, jobID string) error {
	path, err := FindUpload(workDir, jobID)
	if err != nil {
		return nil
	}
	return os.Remove(path)
}
