package decode

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/tendant/simple-heatmapper/internal/tile"
)

func TestOpenReportsDimensionsAndReadsTiles(t *testing.T) {
	tmp := t.TempDir()
	srcPath := filepath.Join(tmp, "source.png")
	fill := color.RGBA{R: 200, G: 100, B: 50, A: 255}
	createTestImage(t, srcPath, 400, 200, fill)

	dec, err := Open(context.Background(), srcPath, Options{MaxDimension: 2000, SpillDir: tmp})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer dec.Close()

	if dec.Width() != 400 || dec.Height() != 200 {
		t.Fatalf("unexpected working size %dx%d", dec.Width(), dec.Height())
	}
	if dec.Resampled() {
		t.Fatal("did not expect resampling below the max dimension")
	}
	if dec.Format() != "png" {
		t.Fatalf("unexpected format %q", dec.Format())
	}

	want := color.GrayModel.Convert(fill).(color.Gray).Y
	d := tile.Descriptor{Row: 0, Col: 1, Rect: image.Rect(256, 0, 400, 200)}
	got, err := dec.ReadTile(d, nil)
	if err != nil {
		t.Fatalf("ReadTile returned error: %v", err)
	}
	if got.Rect != d.Rect {
		t.Fatalf("tile rect = %v, want %v", got.Rect, d.Rect)
	}
	if len(got.Pix) != 144*200 {
		t.Fatalf("unexpected sample count %d", len(got.Pix))
	}
	for i, p := range got.Pix {
		if p != want {
			t.Fatalf("sample %d = %d, want %d", i, p, want)
		}
	}
}

func TestReadTileKeepsRowsApart(t *testing.T) {
	tmp := t.TempDir()
	srcPath := filepath.Join(tmp, "gradient.png")

	img := image.NewGray(image.Rect(0, 0, 6, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(y*10 + x)})
		}
	}
	writePNG(t, srcPath, img)

	dec, err := Open(context.Background(), srcPath, Options{SpillDir: tmp})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer dec.Close()

	buf := image.NewGray(image.Rect(0, 0, 16, 16))
	got, err := dec.ReadTile(tile.Descriptor{Row: 1, Col: 1, Rect: image.Rect(4, 2, 6, 4)}, buf)
	if err != nil {
		t.Fatalf("ReadTile returned error: %v", err)
	}
	want := []uint8{24, 25, 34, 35}
	for i, v := range want {
		if got.Pix[i] != v {
			t.Fatalf("sample %d = %d, want %d", i, got.Pix[i], v)
		}
	}
	if &got.Pix[0] != &buf.Pix[0] {
		t.Fatal("expected the destination buffer to be reused")
	}
}

func TestOpenResamplesOversizedSource(t *testing.T) {
	tmp := t.TempDir()
	srcPath := filepath.Join(tmp, "large.png")
	createTestImage(t, srcPath, 300, 150, color.RGBA{R: 10, G: 10, B: 10, A: 255})

	dec, err := Open(context.Background(), srcPath, Options{MaxDimension: 100, SpillDir: tmp})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer dec.Close()

	if !dec.Resampled() {
		t.Fatal("expected resampling above the max dimension")
	}
	if dec.Width() != 100 || dec.Height() != 50 {
		t.Fatalf("unexpected resampled size %dx%d, want 100x50", dec.Width(), dec.Height())
	}
	if w, h := dec.Original(); w != 300 || h != 150 {
		t.Fatalf("unexpected original size %dx%d", w, h)
	}

	info, err := os.Stat(dec.SpillPath())
	if err != nil {
		t.Fatalf("stat spill: %v", err)
	}
	if info.Size() != 100*50 {
		t.Fatalf("spill holds %d bytes, want %d", info.Size(), 100*50)
	}
}

func TestOpenRejectsCorruptSource(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "broken.tiff")
	if err := os.WriteFile(path, []byte("definitely not an image"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if _, err := Open(context.Background(), path, Options{SpillDir: tmp}); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if _, err := Open(context.Background(), filepath.Join(tmp, "missing.png"), Options{}); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for missing file, got %v", err)
	}
}

func TestOpenEnforcesPixelLimit(t *testing.T) {
	tmp := t.TempDir()
	srcPath := filepath.Join(tmp, "source.png")
	createTestImage(t, srcPath, 50, 50, color.RGBA{A: 255})

	if _, err := Open(context.Background(), srcPath, Options{MaxPixels: 100, SpillDir: tmp}); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode above the pixel limit, got %v", err)
	}
}

func TestCloseRemovesSpill(t *testing.T) {
	tmp := t.TempDir()
	srcPath := filepath.Join(tmp, "source.png")
	createTestImage(t, srcPath, 20, 20, color.RGBA{R: 1, A: 255})

	dec, err := Open(context.Background(), srcPath, Options{SpillDir: tmp})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	spill := dec.SpillPath()
	if filepath.Dir(spill) != tmp {
		t.Fatalf("spill %s not created in %s", spill, tmp)
	}

	if err := dec.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, err := os.Stat(spill); !os.IsNotExist(err) {
		t.Fatalf("expected spill to be removed, stat err = %v", err)
	}
	if err := dec.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if _, err := dec.ReadTile(tile.Descriptor{Rect: image.Rect(0, 0, 1, 1)}, nil); err == nil {
		t.Fatal("expected ReadTile to fail after Close")
	}
}

func TestReadTileOutsideBounds(t *testing.T) {
	tmp := t.TempDir()
	srcPath := filepath.Join(tmp, "source.png")
	createTestImage(t, srcPath, 10, 10, color.RGBA{A: 255})

	dec, err := Open(context.Background(), srcPath, Options{SpillDir: tmp})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer dec.Close()

	if _, err := dec.ReadTile(tile.Descriptor{Rect: image.Rect(5, 5, 15, 15)}, nil); err == nil {
		t.Fatal("expected error for a tile outside the raster")
	}
}

type invertModel struct{}

func (invertModel) Convert(c color.Color) color.Color { return c }

func TestCheckColorModel(t *testing.T) {
	tests := []struct {
		name    string
		model   color.Model
		wantErr bool
	}{
		{"gray", color.GrayModel, false},
		{"rgba64", color.RGBA64Model, false},
		{"ycbcr", color.YCbCrModel, false},
		{"cmyk", color.CMYKModel, false},
		{"palette", color.Palette{color.Black, color.White}, false},
		{"empty palette", color.Palette{}, true},
		{"custom", invertModel{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkColorModel(tt.model)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSupports(t *testing.T) {
	tests := []struct {
		mimeType string
		want     bool
	}{
		{"image/tiff", true},
		{"IMAGE/PNG", true},
		{"image/jpeg; charset=binary", true},
		{"video/mp4", false},
		{"application/pdf", false},
	}

	for _, tt := range tests {
		t.Run(tt.mimeType, func(t *testing.T) {
			if got := Supports(tt.mimeType); got != tt.want {
				t.Errorf("Supports(%s) = %v, want %v", tt.mimeType, got, tt.want)
			}
		})
	}

	if !SupportsPath("/data/scan.TIF") || SupportsPath("notes.txt") {
		t.Fatal("unexpected SupportsPath result")
	}
}

func createTestImage(t *testing.T, path string, w, h int, fill color.RGBA) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, fill)
		}
	}
	writePNG(t, path, img)
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create dir: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		t.Fatalf("encode png: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
}
