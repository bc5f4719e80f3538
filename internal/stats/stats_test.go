package stats

import (
	"errors"
	"image"
	"math"
	"testing"
)

func TestMeanUniformTile(t *testing.T) {
	tile := image.NewGray(image.Rect(0, 0, 8, 4))
	for i := range tile.Pix {
		tile.Pix[i] = 77
	}

	got, err := Mean(tile)
	if err != nil {
		t.Fatalf("Mean returned error: %v", err)
	}
	if got != 77 {
		t.Fatalf("Mean = %v, want 77", got)
	}
}

func TestMeanRespectsStride(t *testing.T) {
	parent := image.NewGray(image.Rect(0, 0, 4, 2))
	copy(parent.Pix, []uint8{
		10, 20, 255, 255,
		30, 40, 255, 255,
	})
	sub := parent.SubImage(image.Rect(0, 0, 2, 2)).(*image.Gray)

	got, err := Mean(sub)
	if err != nil {
		t.Fatalf("Mean returned error: %v", err)
	}
	if math.Abs(got-25) > 1e-9 {
		t.Fatalf("Mean = %v, want 25", got)
	}
}

func TestMeanEmptyTile(t *testing.T) {
	if _, err := Mean(nil); !errors.Is(err, ErrEmptyTile) {
		t.Fatalf("expected ErrEmptyTile for nil tile, got %v", err)
	}
	if _, err := Mean(image.NewGray(image.Rect(0, 0, 0, 5))); !errors.Is(err, ErrEmptyTile) {
		t.Fatalf("expected ErrEmptyTile for zero-width tile, got %v", err)
	}
	short := &image.Gray{Rect: image.Rect(0, 0, 4, 4), Stride: 4, Pix: make([]uint8, 3)}
	if _, err := Mean(short); !errors.Is(err, ErrEmptyTile) {
		t.Fatalf("expected ErrEmptyTile for truncated buffer, got %v", err)
	}
}

func TestGridSetAtAndBounds(t *testing.T) {
	g := NewGrid(2, 3)
	if g.Len() != 6 {
		t.Fatalf("Len = %d, want 6", g.Len())
	}

	g.Set(0, 0, 10)
	g.Set(1, 2, 200)
	g.Set(0, 1, 50)

	if g.At(1, 2) != 200 {
		t.Fatalf("At(1,2) = %v", g.At(1, 2))
	}
	lo, hi, ok := g.Bounds()
	if !ok || lo != 0 || hi != 200 {
		t.Fatalf("Bounds = %v %v %v, want 0 200 true", lo, hi, ok)
	}
}

func TestGridEmptyBounds(t *testing.T) {
	if _, _, ok := NewGrid(0, 4).Bounds(); ok {
		t.Fatal("expected no bounds for empty grid")
	}
}

func TestGridOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range cell")
		}
	}()
	NewGrid(1, 1).Set(1, 0, 3)
}
