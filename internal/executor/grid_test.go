package executor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestGrid_CoversSlideWithOverlap(t *testing.T) {
	tiles := grid(1024, 1024, 512, 64)

	// Stride 448 gives origins 0, 448, 896 on both axes.
	require.Len(t, tiles, 9)
	require.Equal(t, tile{X: 0, Y: 0, W: 512, H: 512}, tiles[0])
	require.Equal(t, tile{X: 448, Y: 0, W: 512, H: 512}, tiles[1])
	require.Equal(t, tile{X: 896, Y: 0, W: 128, H: 512}, tiles[2])
	require.Equal(t, tile{X: 896, Y: 896, W: 128, H: 128}, tiles[8])
}

func TestGrid_SmallSlideIsOneTile(t *testing.T) {
	tiles := grid(100, 80, 512, 64)
	require.Equal(t, []tile{{X: 0, Y: 0, W: 100, H: 80}}, tiles)
}

func TestGrid_DegenerateOverlapFallsBackToFullStride(t *testing.T) {
	tiles := grid(1024, 512, 512, 512)
	require.Equal(t, []tile{
		{X: 0, Y: 0, W: 512, H: 512},
		{X: 512, Y: 0, W: 512, H: 512},
	}, tiles)
}

func TestGrid_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		width := rapid.IntRange(1, 200).Draw(t, "width")
		height := rapid.IntRange(1, 200).Draw(t, "height")
		size := rapid.IntRange(1, 64).Draw(t, "size")
		overlap := rapid.IntRange(0, size).Draw(t, "overlap")

		tiles := grid(width, height, size, overlap)

		covered := make([]bool, width*height)
		for _, tl := range tiles {
			require.GreaterOrEqual(t, tl.X, 0)
			require.GreaterOrEqual(t, tl.Y, 0)
			require.Positive(t, tl.W)
			require.Positive(t, tl.H)
			require.LessOrEqual(t, tl.W, size)
			require.LessOrEqual(t, tl.H, size)
			require.LessOrEqual(t, tl.X+tl.W, width)
			require.LessOrEqual(t, tl.Y+tl.H, height)
			for y := tl.Y; y < tl.Y+tl.H; y++ {
				for x := tl.X; x < tl.X+tl.W; x++ {
					covered[y*width+x] = true
				}
			}
		}
		for i, ok := range covered {
			require.True(t, ok, "pixel %d not covered", i)
		}
	})
}
