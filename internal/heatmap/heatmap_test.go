package heatmap

import (
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/tendant/simple-heatmapper/internal/stats"
)

func TestSynthesizeUniformGridIsZero(t *testing.T) {
	for _, v := range []float64{0, 1, 127.5, 255} {
		grid := stats.NewGrid(3, 4)
		for r := 0; r < 3; r++ {
			for c := 0; c < 4; c++ {
				grid.Set(r, c, v)
			}
		}

		img, err := Synthesize(grid, Options{})
		if err != nil {
			t.Fatalf("Synthesize(%v) returned error: %v", v, err)
		}
		gray, ok := img.(*image.Gray)
		if !ok {
			t.Fatalf("expected *image.Gray, got %T", img)
		}
		if gray.Bounds().Dx() != 4 || gray.Bounds().Dy() != 3 {
			t.Fatalf("unexpected shape %v", gray.Bounds())
		}
		for i, p := range gray.Pix {
			if p != 0 {
				t.Fatalf("value %v: pixel %d = %d, want 0", v, i, p)
			}
		}
	}
}

func TestSynthesizeMinMaxMapping(t *testing.T) {
	grid := stats.NewGrid(1, 3)
	grid.Set(0, 0, 10)
	grid.Set(0, 1, 105)
	grid.Set(0, 2, 200)

	img, err := Synthesize(grid, Options{})
	if err != nil {
		t.Fatalf("Synthesize returned error: %v", err)
	}
	gray := img.(*image.Gray)

	if got := gray.GrayAt(0, 0).Y; got != 0 {
		t.Fatalf("min cell = %d, want 0", got)
	}
	if got := gray.GrayAt(2, 0).Y; got < 254 {
		t.Fatalf("max cell = %d, want 255 within 1", got)
	}
	if got := gray.GrayAt(1, 0).Y; got < 127 || got > 128 {
		t.Fatalf("mid cell = %d, want ~128", got)
	}
}

func TestSynthesizeEmptyGrid(t *testing.T) {
	if _, err := Synthesize(stats.NewGrid(0, 0), Options{}); !errors.Is(err, ErrEmptyGrid) {
		t.Fatalf("expected ErrEmptyGrid, got %v", err)
	}
	if _, err := Synthesize(nil, Options{}); !errors.Is(err, ErrEmptyGrid) {
		t.Fatalf("expected ErrEmptyGrid for nil grid, got %v", err)
	}
}

func TestSynthesizeFalseColor(t *testing.T) {
	grid := stats.NewGrid(1, 2)
	grid.Set(0, 0, 0)
	grid.Set(0, 1, 50)

	img, err := Synthesize(grid, Options{FalseColor: true})
	if err != nil {
		t.Fatalf("Synthesize returned error: %v", err)
	}
	rgb, ok := img.(*image.NRGBA)
	if !ok {
		t.Fatalf("expected *image.NRGBA, got %T", img)
	}

	low, high := rgb.NRGBAAt(0, 0), rgb.NRGBAAt(1, 0)
	if low.B <= low.R || low.A != 255 {
		t.Fatalf("low end should be blue and opaque, got %+v", low)
	}
	if high.R <= high.B || high.A != 255 {
		t.Fatalf("high end should be red and opaque, got %+v", high)
	}
}

func TestSaveWritesPNG(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "heatmap.png")

	gray := image.NewGray(image.Rect(0, 0, 2, 2))
	gray.Pix[3] = 255
	if err := Save(gray, path); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open saved heatmap: %v", err)
	}
	defer f.Close()
	decoded, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode saved heatmap: %v", err)
	}
	if decoded.Bounds().Dx() != 2 || decoded.Bounds().Dy() != 2 {
		t.Fatalf("unexpected bounds %v", decoded.Bounds())
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the heatmap in the directory, got %d entries", len(entries))
	}
}
