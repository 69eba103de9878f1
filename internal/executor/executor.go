// Package executor implements the tiled processing pipelines behind the
// two job types: cell segmentation and tissue mask generation. The
// pipelines are compute-shaped like real WSI inference (tile grid from
// size and overlap, batched processing, per-batch progress reports,
// cancellation between batches) while the per-tile outputs themselves
// are deterministic functions of the job ID and tile coordinates.
package executor

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/slidewise/conveyor/internal/engine"
	"github.com/slidewise/conveyor/internal/log"
	"github.com/slidewise/conveyor/internal/model"
)

const (
	DefaultTileSize    = 512
	DefaultTileOverlap = 64
	DefaultBatchSize   = 2
	DefaultBatchDelay  = 20 * time.Millisecond

	// Fallback slide dimensions when job metadata carries none.
	DefaultImageWidth  = 2048
	DefaultImageHeight = 2048
)

// ResultSaver persists a finished job's result document.
type ResultSaver interface {
	Save(ctx context.Context, jobID string, payload any) (path string, err error)
}

// Config tunes the tiled pipelines. Zero values fall back to defaults;
// WSILevel stays as given (level 0 is full resolution) and a negative
// BatchDelay disables the simulated compute time.
type Config struct {
	TileSize    int
	TileOverlap int
	BatchSize   int
	WSILevel    int
	BatchDelay  time.Duration
	ImageWidth  int
	ImageHeight int
}

func (c Config) withDefaults() Config {
	if c.TileSize <= 0 {
		c.TileSize = DefaultTileSize
	}
	if c.TileOverlap <= 0 {
		c.TileOverlap = DefaultTileOverlap
	}
	if c.TileOverlap >= c.TileSize {
		c.TileOverlap = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WSILevel < 0 {
		c.WSILevel = 0
	}
	if c.BatchDelay == 0 {
		c.BatchDelay = DefaultBatchDelay
	} else if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.ImageWidth <= 0 {
		c.ImageWidth = DefaultImageWidth
	}
	if c.ImageHeight <= 0 {
		c.ImageHeight = DefaultImageHeight
	}
	return c
}

// pipeline carries the tiling mechanics shared by both job types.
type pipeline struct {
	cfg   Config
	store ResultSaver
}

func newPipeline(cfg Config, store ResultSaver) pipeline {
	return pipeline{cfg: cfg.withDefaults(), store: store}
}

// dimensions resolves the slide size for a job: metadata width/height
// when present, configured fallbacks otherwise, scaled down by the
// pyramid level.
func (p pipeline) dimensions(job *model.Job) (int, int) {
	width := dimFromMetadata(job.Metadata, "width", p.cfg.ImageWidth)
	height := dimFromMetadata(job.Metadata, "height", p.cfg.ImageHeight)
	if level := p.cfg.WSILevel; level > 0 {
		width = max(1, width>>level)
		height = max(1, height>>level)
	}
	return width, height
}

// process walks the tile grid in batches, invoking onTile per tile and
// report after every batch. Cancellation is honored between batches;
// the per-batch delay stands in for inference time.
func (p pipeline) process(ctx context.Context, jobID string, tiles []tile, report engine.ProgressFunc, onTile func(t tile, seed uint32)) (int, error) {
	total := len(tiles)
	processed := 0
	for start := 0; start < total; start += p.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		end := min(start+p.cfg.BatchSize, total)
		for _, t := range tiles[start:end] {
			onTile(t, tileSeed(jobID, t))
		}
		if p.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return processed, ctx.Err()
			case <-time.After(p.cfg.BatchDelay):
			}
		}
		processed = end
		if report != nil {
			report(float64(processed)/float64(total), processed, total)
		}
	}
	return processed, nil
}

func (p pipeline) save(ctx context.Context, job *model.Job, payload map[string]any) error {
	if p.store == nil {
		return fmt.Errorf("no result store configured")
	}
	path, err := p.store.Save(ctx, job.ID, payload)
	if err != nil {
		return fmt.Errorf("saving result for %s: %w", job.ID, err)
	}
	job.ResultPath = path
	return nil
}

// tileSeed derives the deterministic per-tile randomness source.
func tileSeed(jobID string, t tile) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s:%d:%d", jobID, t.X, t.Y)
	return h.Sum32()
}

func dimFromMetadata(md map[string]any, key string, fallback int) int {
	switch v := md[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func logStart(job *model.Job, width, height, tiles, level int) {
	log.Info(log.CatExecutor, "tiled processing started",
		"job_id", job.ID,
		"job_type", string(job.Type),
		"width", width,
		"height", height,
		"tiles", tiles,
		"level", level,
	)
}
