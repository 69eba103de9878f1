package executor

// tile is one region of the slide, full tiles except at the right and
// bottom edges.
type tile struct {
	X, Y, W, H int
}

// grid computes the tile coordinates covering a width x height slide.
// Consecutive tiles overlap by the configured amount; the stride is
// size minus overlap.
func grid(width, height, size, overlap int) []tile {
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var tiles []tile
	for y := 0; y < height; y += step {
		for x := 0; x < width; x += step {
			tiles = append(tiles, tile{
				X: x,
				Y: y,
				W: min(size, width-x),
				H: min(size, height-y),
			})
		}
	}
	return tiles
}
