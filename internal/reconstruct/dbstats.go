package reconstruct

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DatabaseStats summarizes the feature database the external tool maintains
// in the job workspace. The counts feed the scan's technical summary; a
// missing or partial database is not fatal to the pipeline.
type DatabaseStats struct {
	NumImages    int64
	NumKeypoints int64
	NumMatches   int64
	NumVerified  int64 // geometrically verified image pairs
}

// CoveragePercentage is the share of matched pairs that survived geometric
// verification.
func (s DatabaseStats) CoveragePercentage() float64 {
	if s.NumMatches == 0 {
		return 0
	}
	return float64(s.NumVerified) / float64(s.NumMatches) * 100
}

// ReadDatabaseStats opens the workspace feature database read-only and
// counts images, keypoints, matches, and verified pairs.
func ReadDatabaseStats(path string) (DatabaseStats, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return DatabaseStats{}, fmt.Errorf("open feature database: %w", err)
	}
	defer db.Close()

	var stats DatabaseStats
	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM images", &stats.NumImages},
		{"SELECT COUNT(*) FROM keypoints", &stats.NumKeypoints},
		{"SELECT COUNT(*) FROM matches", &stats.NumMatches},
		{"SELECT COUNT(*) FROM two_view_geometries", &stats.NumVerified},
	}
	for _, c := range counts {
		if err := db.QueryRow(c.query).Scan(c.dest); err != nil {
			return DatabaseStats{}, fmt.Errorf("query feature database: %w", err)
		}
	}
	return stats, nil
}
