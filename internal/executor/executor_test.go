package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slidewise/conveyor/internal/model"
)

// memStore collects saved payloads in memory.
type memStore struct {
	mu    sync.Mutex
	saved map[string]map[string]any
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]map[string]any)}
}

func (m *memStore) Save(ctx context.Context, jobID string, payload any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[jobID] = payload.(map[string]any)
	return fmt.Sprintf("/results/%s_result.json", jobID), nil
}

func (m *memStore) get(jobID string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[jobID]
}

type report struct {
	progress float64
	tiles    int
	total    int
}

// testJob is 896x896, which tiles 2x2 at the default 512/64 geometry.
func testJob(id string) *model.Job {
	job := model.NewJob(id, model.JobTypeCellSegmentation, "/slides/a.svs", "main", "t1")
	job.Metadata["width"] = 896
	job.Metadata["height"] = 896
	return job
}

func TestCellSegmentation_ExecuteSavesAndReports(t *testing.T) {
	store := newMemStore()
	exec := NewCellSegmentation(Config{BatchDelay: -1}, store)
	job := testJob("job-1")

	var reports []report
	err := exec.Execute(context.Background(), job, func(p float64, done, total int) {
		reports = append(reports, report{p, done, total})
	})
	require.NoError(t, err)

	require.Equal(t, []report{{0.5, 2, 4}, {1.0, 4, 4}}, reports)
	require.Equal(t, "/results/job-1_result.json", job.ResultPath)

	payload := store.get("job-1")
	require.NotNil(t, payload)
	require.Equal(t, "tiled_parallel", payload["method"])
	require.Equal(t, 4, payload["tiles_processed"])
	require.Len(t, payload["cells"], 4)
	require.Positive(t, payload["total_cells"])

	require.Equal(t, payload["total_cells"], job.Metadata["total_cells"])
}

func TestCellSegmentation_DeterministicForSameJob(t *testing.T) {
	store := newMemStore()
	exec := NewCellSegmentation(Config{BatchDelay: -1}, store)

	require.NoError(t, exec.Execute(context.Background(), testJob("job-1"), nil))
	first := store.get("job-1")

	require.NoError(t, exec.Execute(context.Background(), testJob("job-1"), nil))
	require.Equal(t, first, store.get("job-1"))
}

func TestTissueMask_Execute(t *testing.T) {
	store := newMemStore()
	exec := NewTissueMask(Config{BatchDelay: -1}, store)
	job := testJob("job-2")
	job.Type = model.JobTypeTissueMask

	err := exec.Execute(context.Background(), job, nil)
	require.NoError(t, err)

	payload := store.get("job-2")
	require.NotNil(t, payload)
	require.Equal(t, "tiled_parallel", payload["method"])
	require.Equal(t, 4, payload["total_regions"])
	require.Equal(t, 896*896, payload["total_pixels"])
	require.Equal(t, [2]int{896, 896}, payload["image_dimensions"])

	pct := payload["tissue_percentage"].(float64)
	require.GreaterOrEqual(t, pct, 0.0)
	require.Less(t, pct, 100.0)

	require.Equal(t, pct, job.Metadata["tissue_percentage"])
}

func TestPipeline_CancelledBetweenBatches(t *testing.T) {
	store := newMemStore()
	exec := NewCellSegmentation(Config{BatchDelay: -1}, store)
	job := testJob("job-3")

	ctx, cancel := context.WithCancel(context.Background())
	err := exec.Execute(ctx, job, func(p float64, done, total int) {
		cancel()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, job.ResultPath)
	require.Nil(t, store.get("job-3"))
}

func TestPipeline_CancelledDuringBatchDelay(t *testing.T) {
	store := newMemStore()
	exec := NewCellSegmentation(Config{}, store)
	job := testJob("job-4")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := exec.Execute(ctx, job, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, store.get("job-4"))
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, DefaultTileSize, cfg.TileSize)
	require.Equal(t, DefaultTileOverlap, cfg.TileOverlap)
	require.Equal(t, DefaultBatchSize, cfg.BatchSize)
	require.Equal(t, DefaultBatchDelay, cfg.BatchDelay)
	require.Equal(t, DefaultImageWidth, cfg.ImageWidth)
	require.Equal(t, DefaultImageHeight, cfg.ImageHeight)

	clamped := Config{TileSize: 32, TileOverlap: 64, WSILevel: -2}.withDefaults()
	require.Zero(t, clamped.TileOverlap, "overlap at or above tile size degenerates to none")
	require.Zero(t, clamped.WSILevel)

	require.Zero(t, Config{BatchDelay: -1}.withDefaults().BatchDelay)
}

func TestPipeline_DimensionsFromMetadata(t *testing.T) {
	p := newPipeline(Config{}, nil)

	job := model.NewJob("j", model.JobTypeCellSegmentation, "/s.svs", "main", "t1")
	w, h := p.dimensions(job)
	require.Equal(t, DefaultImageWidth, w)
	require.Equal(t, DefaultImageHeight, h)

	// JSON-decoded metadata arrives as float64; string and int forms
	// are accepted too.
	job.Metadata["width"] = float64(1200)
	job.Metadata["height"] = "900"
	w, h = p.dimensions(job)
	require.Equal(t, 1200, w)
	require.Equal(t, 900, h)

	leveled := newPipeline(Config{WSILevel: 1}, nil)
	w, h = leveled.dimensions(job)
	require.Equal(t, 600, w)
	require.Equal(t, 450, h)
}
