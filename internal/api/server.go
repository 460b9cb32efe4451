package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"reconstruction-service/internal/config"
	"reconstruction-service/internal/models"
	"reconstruction-service/internal/profile"
	"reconstruction-service/internal/queue"
	"reconstruction-service/internal/ratelimit"
	"reconstruction-service/internal/reconstruct"
	"reconstruction-service/internal/store"
	"reconstruction-service/internal/telemetry"
)

var errInvalidPath = errors.New("invalid artifact path")

// Server wires HTTP handlers for scan uploads, job status, and artifact
// downloads.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/users", s.handleEnsureUser)

		r.Post("/projects", s.handleCreateProject)
		r.Get("/projects", s.handleListProjects)
		r.Get("/projects/{id}", s.handleGetProject)
		r.Delete("/projects/{id}", s.handleDeleteProject)
		r.Get("/projects/{id}/scans", s.handleListScans)

		r.Post("/scans", s.handleSubmitScan)
		r.Get("/scans/{id}", s.handleGetScan)
		r.Delete("/scans/{id}", s.handleDeleteScan)
		r.Get("/scans/{id}/thumbnail", s.handleScanThumbnail)
		r.Get("/scans/{id}/details", s.handleScanDetails)

		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	})

	r.Get("/results/{jobID}/*", s.handleArtifact)
	return r
}

// --- users and projects ---

func (s *Server) handleEnsureUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}
	user, err := s.store.EnsureUser(r.Context(), req.Email, req.Name)
	if err != nil {
		http.Error(w, "create user failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Location    string `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Name == "" {
		http.Error(w, "user_id and name are required", http.StatusBadRequest)
		return
	}
	project, err := s.store.CreateProject(r.Context(), req.UserID, req.Name, req.Description, req.Location)
	if err != nil {
		http.Error(w, "create project failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	projects, err := s.store.ListProjects(r.Context(), userID)
	if err != nil {
		http.Error(w, "list projects failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "get project failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteProject(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "delete project failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.store.ListScansByProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "list scans failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
}

// --- scan submission ---

var allowedVideoExts = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
}

func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("video")
	if err != nil {
		http.Error(w, "video file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedVideoExts[ext] {
		http.Error(w, fmt.Sprintf("unsupported video format %q", ext), http.StatusBadRequest)
		return
	}

	projectID := r.FormValue("project_id")
	if projectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetProject(r.Context(), projectID); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "get project failed", http.StatusInternalServerError)
		return
	}

	quality := r.FormValue("quality")
	if quality == "" {
		quality = profile.TierMedium
	}
	if !profile.Valid(quality) {
		http.Error(w, fmt.Sprintf("unknown quality %q", quality), http.StatusBadRequest)
		return
	}

	scanName := r.FormValue("scan_name")
	if scanName == "" {
		scanName = strings.TrimSuffix(header.Filename, ext)
	}

	scan, err := s.store.CreateScan(r.Context(), store.CreateScanParams{
		ProjectID:     projectID,
		Name:          scanName,
		VideoFilename: header.Filename,
		VideoSize:     header.Size,
		Quality:       quality,
	})
	if err != nil {
		http.Error(w, "create scan failed", http.StatusInternalServerError)
		return
	}

	job, err := s.store.CreateJob(r.Context(), scan.ID, quality)
	if err != nil {
		http.Error(w, "create job failed", http.StatusInternalServerError)
		return
	}

	videoPath := reconstruct.UploadPath(s.cfg.WorkDir, job.ID, ext)
	if err := saveUpload(file, videoPath); err != nil {
		log.Printf("save upload for job %s: %v", job.ID, err)
		http.Error(w, "store upload failed", http.StatusInternalServerError)
		return
	}

	if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
		_ = s.store.MarkJobFailed(r.Context(), job.ID, models.ErrorDetails{
			Stage:   models.StageFrameExtraction,
			Kind:    models.ErrKindExit,
			Message: "enqueue failed",
		})
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.JobsSubmitted.Inc()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":  job.ID,
		"scan_id": scan.ID,
		"status":  job.Status,
	})
}

func saveUpload(src io.Reader, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return err
	}
	return out.Close()
}

// --- scans ---

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	scan, err := s.store.GetScan(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "scan not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "get scan failed", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{"scan": scan}
	if details, err := s.store.GetTechnicalDetails(r.Context(), id); err == nil {
		resp["technical_details"] = details
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	jobIDs, err := s.store.ListJobIDsByScan(r.Context(), id)
	if err != nil {
		http.Error(w, "delete scan failed", http.StatusInternalServerError)
		return
	}

	if err := s.store.DeleteScan(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "scan not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "delete scan failed", http.StatusInternalServerError)
		return
	}

	for _, jobID := range jobIDs {
		if err := os.RemoveAll(filepath.Join(s.cfg.DataDir, jobID)); err != nil {
			log.Printf("remove artifacts for job %s: %v", jobID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleScanThumbnail(w http.ResponseWriter, r *http.Request) {
	scan, err := s.store.GetScan(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "scan not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "get scan failed", http.StatusInternalServerError)
		return
	}
	if scan.ThumbnailPath == nil {
		http.Error(w, "no thumbnail", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, *scan.ThumbnailPath)
}

func (s *Server) handleScanDetails(w http.ResponseWriter, r *http.Request) {
	details, err := s.store.GetTechnicalDetails(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "no technical details", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "get technical details failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// --- jobs ---

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "get job failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob stops a job. A still-queued job is cancelled immediately;
// a processing job gets a flag the worker honors at the next stage boundary.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "get job failed", http.StatusInternalServerError)
		return
	}

	switch job.Status {
	case models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		http.Error(w, "job already finished", http.StatusConflict)
		return
	}

	removed, err := s.queue.Remove(r.Context(), id)
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	if removed {
		if err := s.store.MarkJobCancelled(r.Context(), id); err != nil {
			http.Error(w, "cancel failed", http.StatusInternalServerError)
			return
		}
		if err := s.store.UpdateScanStatus(r.Context(), job.ScanID, models.StatusCancelled); err != nil {
			log.Printf("update scan %s status: %v", job.ScanID, err)
		}
		telemetry.JobsCancelled.Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
		return
	}

	if err := s.queue.RequestCancel(r.Context(), id); err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

// --- artifacts ---

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	name := chi.URLParam(r, "*")

	path, err := resolveArtifactPath(s.cfg.DataDir, jobID, name)
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

// resolveArtifactPath maps a request path onto the artifact area, rejecting
// anything that would escape the job's directory.
func resolveArtifactPath(dataDir, jobID, name string) (string, error) {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return "", errInvalidPath
	}
	base := filepath.Join(dataDir, jobID)
	full := filepath.Join(base, filepath.FromSlash(name))
	rel, err := filepath.Rel(base, full)
	if err != nil {
		return "", errInvalidPath
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errInvalidPath
	}
	return full, nil
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
