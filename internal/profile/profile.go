// Package profile maps a quality tier to the parameter bundle each pipeline
// stage passes to the external tool. Resolution is pure: same tier in, same
// parameters out.
package profile

// Quality tiers, ordered from cheapest to most expensive.
const (
	TierLow     = "low"
	TierMedium  = "medium"
	TierHigh    = "high"
	TierExtreme = "extreme"
)

// Matching strategies. Sequential matching exploits frame ordering in video
// and only compares nearby frames; exhaustive compares all pairs.
const (
	MatcherSequential = "sequential"
	MatcherExhaustive = "exhaustive"
)

// StageParams is the resolved parameter bundle for one tier. Caps grow
// monotonically with the tier: more frames, larger images, more features and
// more permissive triangulation, traded against longer stage durations.
type StageParams struct {
	Tier string

	// Frame extraction.
	MaxFrames     int
	FrameInterval int // seconds between sampled frames

	// Feature detection.
	MaxImageSize   int
	MaxFeatures    int
	EstimateAffine bool

	// Feature matching.
	Matcher           string
	MaxMatches        int
	SequentialOverlap int
	GuidedMatching    bool

	// Sparse reconstruction strictness. Higher tiers admit more points by
	// loosening the reprojection and triangulation thresholds.
	MaxReprojError float64
	MinTriAngle    float64
	MinNumMatches  int

	// Dense reconstruction.
	DenseEnabled      bool
	DenseMaxImageSize int
	DenseWindowRadius int
}

var tiers = map[string]StageParams{
	TierLow: {
		Tier:              TierLow,
		MaxFrames:         40,
		FrameInterval:     2,
		MaxImageSize:      1600,
		MaxFeatures:       8192,
		EstimateAffine:    false,
		Matcher:           MatcherSequential,
		MaxMatches:        32768,
		SequentialOverlap: 10,
		GuidedMatching:    false,
		MaxReprojError:    4.0,
		MinTriAngle:       1.5,
		MinNumMatches:     15,
		DenseEnabled:      false,
		DenseMaxImageSize: 800,
		DenseWindowRadius: 5,
	},
	TierMedium: {
		Tier:              TierMedium,
		MaxFrames:         60,
		FrameInterval:     2,
		MaxImageSize:      2048,
		MaxFeatures:       16384,
		EstimateAffine:    true,
		Matcher:           MatcherSequential,
		MaxMatches:        65536,
		SequentialOverlap: 10,
		GuidedMatching:    true,
		MaxReprojError:    6.0,
		MinTriAngle:       1.2,
		MinNumMatches:     12,
		DenseEnabled:      true,
		DenseMaxImageSize: 1600,
		DenseWindowRadius: 7,
	},
	TierHigh: {
		Tier:              TierHigh,
		MaxFrames:         80,
		FrameInterval:     1,
		MaxImageSize:      4096,
		MaxFeatures:       32768,
		EstimateAffine:    true,
		Matcher:           MatcherExhaustive,
		MaxMatches:        131072,
		SequentialOverlap: 10,
		GuidedMatching:    true,
		MaxReprojError:    8.0,
		MinTriAngle:       1.0,
		MinNumMatches:     10,
		DenseEnabled:      true,
		DenseMaxImageSize: 2400,
		DenseWindowRadius: 9,
	},
	TierExtreme: {
		Tier:              TierExtreme,
		MaxFrames:         120,
		FrameInterval:     1,
		MaxImageSize:      8192,
		MaxFeatures:       65536,
		EstimateAffine:    true,
		Matcher:           MatcherExhaustive,
		MaxMatches:        262144,
		SequentialOverlap: 10,
		GuidedMatching:    true,
		MaxReprojError:    8.0,
		MinTriAngle:       1.0,
		MinNumMatches:     10,
		DenseEnabled:      true,
		DenseMaxImageSize: 3200,
		DenseWindowRadius: 9,
	},
}

// Ordered returns the tier names from cheapest to most expensive.
func Ordered() []string {
	return []string{TierLow, TierMedium, TierHigh, TierExtreme}
}

// Valid reports whether tier names a known quality profile.
func Valid(tier string) bool {
	_, ok := tiers[tier]
	return ok
}

// Resolve returns the stage parameters for a tier. Unknown tiers fall back
// to medium.
func Resolve(tier string) StageParams {
	if p, ok := tiers[tier]; ok {
		return p
	}
	return tiers[TierMedium]
}
