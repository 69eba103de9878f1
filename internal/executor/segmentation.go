package executor

import (
	"context"

	"github.com/slidewise/conveyor/internal/engine"
	"github.com/slidewise/conveyor/internal/model"
)

// CellSegmentation runs the cell segmentation pipeline: per-tile nucleus
// detection over the slide grid, aggregated into one result document.
type CellSegmentation struct {
	pipeline
}

// NewCellSegmentation returns an executor for cell_segmentation jobs.
func NewCellSegmentation(cfg Config, store ResultSaver) *CellSegmentation {
	return &CellSegmentation{pipeline: newPipeline(cfg, store)}
}

type detection struct {
	Tile  [2]int `json:"tile"`
	Count int    `json:"count"`
}

// Execute implements engine.Executor.
func (e *CellSegmentation) Execute(ctx context.Context, job *model.Job, report engine.ProgressFunc) error {
	width, height := e.dimensions(job)
	tiles := grid(width, height, e.cfg.TileSize, e.cfg.TileOverlap)
	logStart(job, width, height, len(tiles), e.cfg.WSILevel)

	detections := make([]detection, 0, len(tiles))
	totalCells := 0
	processed, err := e.process(ctx, job.ID, tiles, report, func(t tile, seed uint32) {
		count := int(20 + seed%180)
		totalCells += count
		detections = append(detections, detection{Tile: [2]int{t.X, t.Y}, Count: count})
	})
	if err != nil {
		return err
	}

	payload := map[string]any{
		"cells":           detections,
		"total_cells":     totalCells,
		"tiles_processed": processed,
		"method":          "tiled_parallel",
	}
	if err := e.save(ctx, job, payload); err != nil {
		return err
	}

	if job.Metadata == nil {
		job.Metadata = map[string]any{}
	}
	job.Metadata["total_cells"] = totalCells
	job.Metadata["method"] = "tiled_parallel"

	return nil
}
