package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"reconstruction-service/internal/config"
	"reconstruction-service/internal/queue"
	"reconstruction-service/internal/storage"
	"reconstruction-service/internal/store"
	"reconstruction-service/internal/telemetry"
	workerproc "reconstruction-service/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)

	var mirror storage.Uploader
	if cfg.S3Bucket != "" {
		s3up, err := storage.NewS3Uploader(ctx, cfg)
		if err != nil {
			log.Fatalf("init s3 mirror: %v", err)
		}
		mirror = s3up
	}

	processor := workerproc.NewProcessor(cfg, q, st, mirror)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started: colmap=%s gpu=%v work_dir=%s", cfg.ColmapBinary, cfg.GPUEnabled, cfg.WorkDir)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
