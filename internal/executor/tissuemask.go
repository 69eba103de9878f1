package executor

import (
	"context"

	"github.com/slidewise/conveyor/internal/engine"
	"github.com/slidewise/conveyor/internal/model"
)

// TissueMask runs the tissue mask pipeline: per-tile tissue coverage
// estimation aggregated into a slide-level summary.
type TissueMask struct {
	pipeline
}

// NewTissueMask returns an executor for tissue_mask jobs.
func NewTissueMask(cfg Config, store ResultSaver) *TissueMask {
	return &TissueMask{pipeline: newPipeline(cfg, store)}
}

type maskRegion struct {
	Tile       [2]int `json:"tile"`
	PixelCount int    `json:"pixel_count"`
}

// Execute implements engine.Executor.
func (e *TissueMask) Execute(ctx context.Context, job *model.Job, report engine.ProgressFunc) error {
	width, height := e.dimensions(job)
	tiles := grid(width, height, e.cfg.TileSize, e.cfg.TileOverlap)
	logStart(job, width, height, len(tiles), e.cfg.WSILevel)

	regions := make([]maskRegion, 0, len(tiles))
	tissuePixels := 0
	processed, err := e.process(ctx, job.ID, tiles, report, func(t tile, seed uint32) {
		// Coverage fraction in [0, 1) per tile.
		frac := float64(seed%1000) / 1000
		count := int(frac * float64(t.W*t.H))
		tissuePixels += count
		regions = append(regions, maskRegion{Tile: [2]int{t.X, t.Y}, PixelCount: count})
	})
	if err != nil {
		return err
	}

	totalPixels := width * height
	percentage := 0.0
	if totalPixels > 0 {
		percentage = float64(tissuePixels) / float64(totalPixels) * 100
	}

	payload := map[string]any{
		"mask_regions":      regions,
		"total_regions":     len(regions),
		"tissue_pixels":     tissuePixels,
		"total_pixels":      totalPixels,
		"tissue_percentage": percentage,
		"tiles_processed":   processed,
		"method":            "tiled_parallel",
		"wsi_level":         e.cfg.WSILevel,
		"image_dimensions":  [2]int{width, height},
	}
	if err := e.save(ctx, job, payload); err != nil {
		return err
	}

	if job.Metadata == nil {
		job.Metadata = map[string]any{}
	}
	job.Metadata["tissue_percentage"] = percentage
	job.Metadata["method"] = "tiled_parallel"

	return nil
}
