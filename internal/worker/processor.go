// Package worker polls the queue and runs the reconstruction pipeline for
// one job at a time. Jobs are not retried: a failed reconstruction stays
// failed until the user resubmits the scan.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"reconstruction-service/internal/config"
	"reconstruction-service/internal/models"
	"reconstruction-service/internal/queue"
	"reconstruction-service/internal/reconstruct"
	"reconstruction-service/internal/stage"
	"reconstruction-service/internal/storage"
	"reconstruction-service/internal/store"
	"reconstruction-service/internal/telemetry"
)

// Processor drives the worker execution loop.
type Processor struct {
	cfg    config.Config
	queue  *queue.RedisQueue
	store  *store.Store
	driver *reconstruct.Driver
}

// NewProcessor wires the pipeline driver to the queue and store.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st *store.Store, mirror storage.Uploader) *Processor {
	driver := &reconstruct.Driver{
		Cfg:    cfg,
		Store:  st,
		Runner: stage.ExecRunner{},
		Cancel: q,
		Packager: &reconstruct.Packager{
			DataDir:     cfg.DataDir,
			SampleCount: cfg.SampleFrameCount,
			Mirror:      mirror,
		},
		ObserveStage: func(stageName string, seconds float64) {
			telemetry.StageDuration.WithLabelValues(stageName).Observe(seconds)
		},
	}
	return &Processor{cfg: cfg, queue: q, store: st, driver: driver}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.processOne(ctx, jobID)
	}
}

// processOne runs a single dequeued job to a terminal state and acks it.
func (p *Processor) processOne(ctx context.Context, jobID string) {
	defer func() {
		if err := p.queue.Ack(ctx, jobID); err != nil {
			log.Printf("ack job %s: %v", jobID, err)
		}
		if err := reconstruct.RemoveUpload(p.cfg.WorkDir, jobID); err != nil {
			log.Printf("remove upload for job %s: %v", jobID, err)
		}
	}()

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("load job %s: %v", jobID, err)
		return
	}
	if job.Status != models.StatusPending {
		// Cancelled or already handled elsewhere.
		return
	}

	videoPath, err := reconstruct.FindUpload(p.cfg.WorkDir, jobID)
	if err != nil {
		log.Printf("job %s: %v", jobID, err)
		_ = p.store.MarkJobFailed(ctx, jobID, models.ErrorDetails{
			Stage:   models.StageFrameExtraction,
			Kind:    models.ErrKindExit,
			Message: "uploaded video is missing",
		})
		_ = p.store.UpdateScanStatus(ctx, job.ScanID, models.StatusFailed)
		telemetry.JobsFailed.Inc()
		return
	}

	if err := p.store.MarkJobProcessing(ctx, jobID); err != nil {
		log.Printf("job %s not claimable: %v", jobID, err)
		return
	}
	_ = p.store.UpdateScanStatus(ctx, job.ScanID, models.StatusProcessing)

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log.Printf("job %s: starting reconstruction for scan %s (quality=%s)", job.ID, job.ScanID, job.Quality)
	err = p.driver.Process(ctx, job, videoPath)
	switch {
	case err == nil:
		log.Printf("job %s: completed", job.ID)
		telemetry.JobsCompleted.Inc()
	case errors.Is(err, reconstruct.ErrCancelled):
		log.Printf("job %s: cancelled", job.ID)
		telemetry.JobsCancelled.Inc()
	default:
		log.Printf("job %s: failed: %v", job.ID, err)
		telemetry.JobsFailed.Inc()
	}
}
