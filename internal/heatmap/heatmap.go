// internal/heatmap/heatmap.go
package heatmap

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-heatmapper/internal/stats"
)

// Epsilon keeps the rescale finite when every cell holds the same value.
const Epsilon = 1e-5

// ErrEmptyGrid is returned when there are no tiles to render.
var ErrEmptyGrid = errors.New("empty grid")

type Options struct {
	// FalseColor maps intensities through the jet ramp into an RGB image.
	FalseColor bool
}

// Synthesize rescales the grid from its observed [min, max] range to 0..255
// and returns a raster with one pixel per tile: *image.Gray, or *image.NRGBA
// when FalseColor is set.
func Synthesize(grid *stats.Grid, opts Options) (image.Image, error) {
	if grid == nil {
		return nil, ErrEmptyGrid
	}
	lo, hi, ok := grid.Bounds()
	if !ok {
		return nil, ErrEmptyGrid
	}
	ptp := hi - lo

	rows, cols := grid.Rows(), grid.Cols()
	gray := image.NewGray(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			gray.Pix[r*gray.Stride+c] = Rescale(grid.At(r, c), lo, ptp)
		}
	}

	if !opts.FalseColor {
		return gray, nil
	}
	return Colorize(gray), nil
}

// Rescale maps v into 0..255 given the grid minimum and peak-to-peak range.
func Rescale(v, lo, ptp float64) uint8 {
	scaled := math.Round((v - lo) / (ptp + Epsilon) * 255)
	if math.IsNaN(scaled) || scaled < 0 {
		return 0
	}
	if scaled > 255 {
		return 255
	}
	return uint8(scaled)
}

// Colorize applies the jet ramp to a grayscale heatmap.
func Colorize(gray *image.Gray) *image.NRGBA {
	b := gray.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.SetNRGBA(x, y, jet[gray.GrayAt(x, y).Y])
		}
	}
	return out
}

// Save writes img as PNG. The file is written next to path and renamed into
// place, so readers never observe a partially written heatmap.
func Save(img image.Image, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".heatmap-*.png")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := imaging.Encode(tmp, img, imaging.PNG); err != nil {
		tmp.Close()
		return fmt.Errorf("encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

var jet = buildJet()

// buildJet follows the piecewise-linear "jet" colormap: blue at 0, cyan,
// yellow, red at 255.
func buildJet() [256]color.NRGBA {
	var lut [256]color.NRGBA
	for i := range lut {
		v := float64(i) / 255
		lut[i] = color.NRGBA{
			R: channel(1.5 - math.Abs(4*v-3)),
			G: channel(1.5 - math.Abs(4*v-2)),
			B: channel(1.5 - math.Abs(4*v-1)),
			A: 255,
		}
	}
	return lut
}

func channel(f float64) uint8 {
	f = math.Max(0, math.Min(1, f))
	return uint8(math.Round(f * 255))
}
