package reconstruct

import (
	"fmt"
	"path/filepath"
	"strconv"

	"reconstruction-service/internal/config"
	"reconstruction-service/internal/models"
	"reconstruction-service/internal/profile"
	"reconstruction-service/internal/stage"
)

// commandSet builds the external-tool invocations for one job from the
// resolved quality profile. The pipeline driver decides when to run them
// and what their failures mean.
type commandSet struct {
	cfg    config.Config
	params profile.StageParams
	ws     Workspace
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// frameExtraction samples frames from the source video at a fixed interval,
// capped at the tier's frame budget, writing uniformly named JPEGs.
func (c commandSet) frameExtraction(videoPath string) stage.Command {
	return stage.Command{
		Name:   models.StageFrameExtraction,
		Binary: c.cfg.FFmpegBinary,
		Args: []string{
			"-i", videoPath,
			"-vf", fmt.Sprintf("fps=1/%d", c.params.FrameInterval),
			"-frames:v", strconv.Itoa(c.params.MaxFrames),
			"-q:v", "2",
			"-y",
			filepath.Join(c.ws.ImagesDir, "frame_%06d.jpg"),
		},
		Dir:     c.ws.Root,
		Timeout: c.cfg.FrameExtractionTimeout,
	}
}

func (c commandSet) featureDetection() stage.Command {
	return stage.Command{
		Name:   models.StageFeatureDetection,
		Binary: c.cfg.ColmapBinary,
		Args: []string{
			"feature_extractor",
			"--database_path", c.ws.DatabasePath,
			"--image_path", c.ws.ImagesDir,
			"--ImageReader.single_camera", "1",
			"--SiftExtraction.use_gpu", boolFlag(c.cfg.GPUEnabled),
			"--SiftExtraction.max_image_size", strconv.Itoa(c.params.MaxImageSize),
			"--SiftExtraction.max_num_features", strconv.Itoa(c.params.MaxFeatures),
			"--SiftExtraction.estimate_affine_shape", boolFlag(c.params.EstimateAffine),
			"--SiftExtraction.domain_size_pooling", "1",
		},
		Dir:     c.ws.Root,
		Timeout: c.cfg.FeatureTimeout,
	}
}

func (c commandSet) featureMatching() stage.Command {
	args := []string{
		"--database_path", c.ws.DatabasePath,
		"--SiftMatching.use_gpu", boolFlag(c.cfg.GPUEnabled),
		"--SiftMatching.guided_matching", boolFlag(c.params.GuidedMatching),
		"--SiftMatching.cross_check", "1",
		"--SiftMatching.max_num_matches", strconv.Itoa(c.params.MaxMatches),
		"--SiftMatching.max_ratio", "0.8",
		"--SiftMatching.max_distance", "0.7",
	}
	if c.params.Matcher == profile.MatcherSequential {
		args = append([]string{
			"sequential_matcher",
			"--SequentialMatching.overlap", strconv.Itoa(c.params.SequentialOverlap),
			"--SequentialMatching.quadratic_overlap", "0",
		}, args...)
	} else {
		args = append([]string{"exhaustive_matcher"}, args...)
	}
	return stage.Command{
		Name:    models.StageFeatureMatching,
		Binary:  c.cfg.ColmapBinary,
		Args:    args,
		Dir:     c.ws.Root,
		Timeout: c.cfg.MatchingTimeout,
	}
}

func (c commandSet) sparseReconstruction() stage.Command {
	return stage.Command{
		Name:   models.StageSparseReconstruction,
		Binary: c.cfg.ColmapBinary,
		Args: []string{
			"mapper",
			"--database_path", c.ws.DatabasePath,
			"--image_path", c.ws.ImagesDir,
			"--output_path", c.ws.SparseDir,
			"--Mapper.ba_refine_focal_length", "1",
			"--Mapper.ba_refine_extra_params", "1",
			"--Mapper.filter_max_reproj_error", strconv.FormatFloat(c.params.MaxReprojError, 'f', 1, 64),
			"--Mapper.tri_min_angle", strconv.FormatFloat(c.params.MinTriAngle, 'f', 1, 64),
			"--Mapper.min_num_matches", strconv.Itoa(c.params.MinNumMatches),
			"--Mapper.multiple_models", "1",
			"--Mapper.max_num_models", "10",
		},
		Dir:     c.ws.Root,
		Timeout: c.cfg.MapperTimeout,
	}
}

// modelExport converts the chosen component into a PLY point cloud.
func (c commandSet) modelExport(componentDir string) stage.Command {
	return stage.Command{
		Name:   models.StageModelExport,
		Binary: c.cfg.ColmapBinary,
		Args: []string{
			"model_converter",
			"--input_path", componentDir,
			"--output_path", c.ws.SparseExportPath(),
			"--output_type", "PLY",
		},
		Dir:     c.ws.Root,
		Timeout: c.cfg.ExportTimeout,
	}
}

// The dense pass is three invocations: undistort, stereo, fuse. They share
// the dense workspace and the advisory failure policy.
func (c commandSet) denseUndistort(componentDir string) stage.Command {
	return stage.Command{
		Name:   models.StageDenseReconstruction,
		Binary: c.cfg.ColmapBinary,
		Args: []string{
			"image_undistorter",
			"--image_path", c.ws.ImagesDir,
			"--input_path", componentDir,
			"--output_path", c.ws.DenseDir,
			"--output_type", "COLMAP",
		},
		Dir:     c.ws.Root,
		Timeout: c.cfg.UndistortTimeout,
	}
}

func (c commandSet) denseStereo() stage.Command {
	return stage.Command{
		Name:   models.StageDenseReconstruction,
		Binary: c.cfg.ColmapBinary,
		Args: []string{
			"patch_match_stereo",
			"--workspace_path", c.ws.DenseDir,
			"--workspace_format", "COLMAP",
			"--PatchMatchStereo.geom_consistency", "1",
			"--PatchMatchStereo.max_image_size", strconv.Itoa(c.params.DenseMaxImageSize),
			"--PatchMatchStereo.window_radius", strconv.Itoa(c.params.DenseWindowRadius),
		},
		Dir:     c.ws.Root,
		Timeout: c.cfg.StereoTimeout,
	}
}

func (c commandSet) denseFusion() stage.Command {
	return stage.Command{
		Name:   models.StageDenseReconstruction,
		Binary: c.cfg.ColmapBinary,
		Args: []string{
			"stereo_fusion",
			"--workspace_path", c.ws.DenseDir,
			"--workspace_format", "COLMAP",
			"--input_type", "geometric",
			"--output_path", c.ws.DenseExportPath(),
		},
		Dir:     c.ws.Root,
		Timeout: c.cfg.FusionTimeout,
	}
}
