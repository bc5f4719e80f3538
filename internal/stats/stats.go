// internal/stats/stats.go
package stats

import (
	"errors"
	"fmt"
	"image"
)

// ErrEmptyTile is returned when a tile buffer holds no samples.
var ErrEmptyTile = errors.New("empty tile")

// Mean returns the arithmetic mean of every sample in the tile.
func Mean(tile *image.Gray) (float64, error) {
	if tile == nil || tile.Rect.Empty() {
		return 0, ErrEmptyTile
	}
	w, h := tile.Rect.Dx(), tile.Rect.Dy()
	if len(tile.Pix) < (h-1)*tile.Stride+w {
		return 0, fmt.Errorf("%w: buffer shorter than %dx%d", ErrEmptyTile, w, h)
	}

	var sum uint64
	for y := 0; y < h; y++ {
		row := tile.Pix[y*tile.Stride : y*tile.Stride+w]
		for _, v := range row {
			sum += uint64(v)
		}
	}
	return float64(sum) / float64(w*h), nil
}

// Grid is the dense tile statistic grid, one value per tile, row-major.
type Grid struct {
	rows  int
	cols  int
	cells []float64
}

func NewGrid(rows, cols int) *Grid {
	if rows < 0 {
		rows = 0
	}
	if cols < 0 {
		cols = 0
	}
	return &Grid{rows: rows, cols: cols, cells: make([]float64, rows*cols)}
}

func (g *Grid) Rows() int { return g.rows }
func (g *Grid) Cols() int { return g.cols }
func (g *Grid) Len() int  { return len(g.cells) }

func (g *Grid) Set(row, col int, v float64) {
	g.cells[g.index(row, col)] = v
}

func (g *Grid) At(row, col int) float64 {
	return g.cells[g.index(row, col)]
}

// Bounds returns the minimum and maximum cell values. It reports false for an
// empty grid.
func (g *Grid) Bounds() (lo, hi float64, ok bool) {
	if len(g.cells) == 0 {
		return 0, 0, false
	}
	lo, hi = g.cells[0], g.cells[0]
	for _, v := range g.cells[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi, true
}

func (g *Grid) index(row, col int) int {
	if row < 0 || row >= g.rows || col < 0 || col >= g.cols {
		panic(fmt.Sprintf("stats: cell (%d,%d) outside %dx%d grid", row, col, g.rows, g.cols))
	}
	return row*g.cols + col
}
