// Command repair walks the artifact area and re-exports each job's best
// archived sparse component, replacing the packaged point cloud when the
// re-export is substantially larger. It touches the filesystem only and can
// run while the services are up.
package main

import (
	"context"
	"flag"
	"log"

	"reconstruction-service/internal/config"
	"reconstruction-service/internal/reconstruct"
	"reconstruction-service/internal/stage"
)

func main() {
	jobID := flag.String("job", "", "repair a single job directory instead of all")
	flag.Parse()

	cfg := config.Load()
	rp := &reconstruct.Repairer{Cfg: cfg, Runner: stage.ExecRunner{}}
	ctx := context.Background()

	if *jobID != "" {
		report, err := rp.RepairJob(ctx, *jobID)
		if err != nil {
			log.Fatalf("repair %s: %v", *jobID, err)
		}
		logReport(report)
		return
	}

	reports, err := rp.RepairAll(ctx)
	if err != nil {
		log.Fatalf("repair: %v", err)
	}
	for _, r := range reports {
		logReport(r)
	}
	log.Printf("repaired %d job(s)", len(reports))
}

func logReport(r reconstruct.RepairReport) {
	if r.Replaced {
		log.Printf("job %s: replaced point cloud (%d -> %d bytes)", r.JobID, r.OldSize, r.NewSize)
		return
	}
	log.Printf("job %s: kept existing point cloud (%d bytes, re-export %d)", r.JobID, r.OldSize, r.NewSize)
}
