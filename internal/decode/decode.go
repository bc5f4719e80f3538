// internal/decode/decode.go
package decode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-heatmapper/internal/tile"
)

var (
	// ErrDecode marks a source that is missing, unreadable or not a valid image.
	ErrDecode = errors.New("decode error")
	// ErrUnsupportedFormat marks a color model that cannot be reduced to one channel.
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// DefaultMaxDimension bounds the longest edge of the working raster.
const DefaultMaxDimension = 2000

type Options struct {
	// MaxDimension triggers a Lanczos downscale when either edge exceeds it.
	// Zero disables resampling.
	MaxDimension int
	// MaxPixels rejects sources whose header announces more pixels. Zero means
	// unlimited.
	MaxPixels int64
	// SpillDir holds the working raster file. Empty uses os.TempDir.
	SpillDir string
	// FullFrameFallback lets oversized sources that cannot be decoded row by
	// row (JPEG, GIF, BMP, WebP, interlaced PNG) be decoded whole before
	// resampling. Without it they are rejected with ErrUnsupportedFormat.
	FullFrameFallback bool
}

// Decoder serves grayscale tiles of a decoded source. The working raster lives
// in an 8-bit spill file, one byte per pixel in row-major order, so reading a
// tile only touches that tile's rows.
type Decoder struct {
	spill     *os.File
	width     int
	height    int
	origW     int
	origH     int
	format    string
	resampled bool
}

// Open decodes the image at path into a grayscale working raster, resampling it
// first when it exceeds opts.MaxDimension. Oversized PNG and TIFF sources are
// decoded and resampled a scanline at a time, so no buffer of the original
// dimensions is ever allocated for them.
func Open(ctx context.Context, path string, opts Options) (*Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", ErrDecode, err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrDecode, err)
	}
	if err := checkColorModel(cfg.ColorModel); err != nil {
		return nil, err
	}
	if opts.MaxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > opts.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds pixel limit %d", ErrDecode, cfg.Width, cfg.Height, opts.MaxPixels)
	}

	d := &Decoder{format: format, origW: cfg.Width, origH: cfg.Height}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return d, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	oversized := opts.MaxDimension > 0 && max(cfg.Width, cfg.Height) > opts.MaxDimension
	if oversized {
		rows, err := openRows(f, format)
		switch {
		case err == nil:
			defer rows.Close()
			d.resampled = true
			if err := d.resampleRows(ctx, rows, opts.MaxDimension, opts.SpillDir); err != nil {
				d.Close()
				return nil, err
			}
			return d, nil
		case !errors.Is(err, errNotStreamable):
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		case !opts.FullFrameFallback:
			return nil, fmt.Errorf("%w: %s source %dx%d exceeds %d px and %w",
				ErrUnsupportedFormat, format, cfg.Width, cfg.Height, opts.MaxDimension, err)
		}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: rewind: %w", ErrDecode, err)
	}
	src, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	b := src.Bounds()
	d.origW, d.origH = b.Dx(), b.Dy()
	if opts.MaxDimension > 0 && max(d.origW, d.origH) > opts.MaxDimension {
		src = imaging.Fit(src, opts.MaxDimension, opts.MaxDimension, imaging.Lanczos)
		d.resampled = true
	}

	if err := d.writeSpill(ctx, src, opts.SpillDir); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Decoder) Width() int  { return d.width }
func (d *Decoder) Height() int { return d.height }

// Bounds is the working raster rectangle that tiles are cut from.
func (d *Decoder) Bounds() image.Rectangle { return image.Rect(0, 0, d.width, d.height) }

// Original returns the intrinsic dimensions before any resampling.
func (d *Decoder) Original() (width, height int) { return d.origW, d.origH }

func (d *Decoder) Resampled() bool { return d.resampled }

// Format is the registered codec name, e.g. "tiff" or "png".
func (d *Decoder) Format() string { return d.format }

// SpillPath returns the working raster file, or "" when nothing was decoded.
func (d *Decoder) SpillPath() string {
	if d.spill == nil {
		return ""
	}
	return d.spill.Name()
}

// ReadTile returns the samples of one tile. The buffer of dst is reused when it
// is large enough; the returned image is only valid until the next call that
// passes the same dst.
func (d *Decoder) ReadTile(t tile.Descriptor, dst *image.Gray) (*image.Gray, error) {
	r := t.Rect
	if r.Empty() || !r.In(d.Bounds()) {
		return nil, fmt.Errorf("tile (%d,%d) %v outside working raster %v", t.Row, t.Col, r, d.Bounds())
	}
	if d.spill == nil {
		return nil, fmt.Errorf("decoder closed")
	}

	w, h := r.Dx(), r.Dy()
	n := w * h
	if dst == nil {
		dst = &image.Gray{}
	}
	if cap(dst.Pix) >= n {
		dst.Pix = dst.Pix[:n]
	} else {
		dst.Pix = make([]uint8, n)
	}
	dst.Stride = w
	dst.Rect = r

	for y := 0; y < h; y++ {
		off := int64(r.Min.Y+y)*int64(d.width) + int64(r.Min.X)
		if _, err := d.spill.ReadAt(dst.Pix[y*w:(y+1)*w], off); err != nil {
			return nil, fmt.Errorf("read row %d: %w", r.Min.Y+y, err)
		}
	}
	return dst, nil
}

// Close removes the spill file. It is safe to call more than once.
func (d *Decoder) Close() error {
	if d == nil || d.spill == nil {
		return nil
	}
	name := d.spill.Name()
	closeErr := d.spill.Close()
	d.spill = nil
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return closeErr
}

func (d *Decoder) writeSpill(ctx context.Context, src image.Image, dir string) error {
	b := src.Bounds()
	w, err := d.createSpill(dir, b.Dx(), b.Dy())
	if err != nil {
		return err
	}
	row := make([]uint8, d.width)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		if (y-b.Min.Y)%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		grayRow(src, y, row)
		if _, err := w.Write(row); err != nil {
			return fmt.Errorf("write spill: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush spill: %w", err)
	}
	return nil
}

// grayRow converts row y of src to 8-bit luma using the ITU-R 601 weights of
// color.GrayModel. Alpha is dropped: luma is taken from the unpremultiplied
// color, so transparent areas keep their color instead of turning black.
func grayRow(src image.Image, y int, row []uint8) {
	b := src.Bounds()
	switch s := src.(type) {
	case *image.Gray:
		off := s.PixOffset(b.Min.X, y)
		copy(row, s.Pix[off:off+len(row)])
	case *image.NRGBA:
		off := s.PixOffset(b.Min.X, y)
		for x := range row {
			p := s.Pix[off+4*x : off+4*x+3 : off+4*x+3]
			row[x] = luma(uint32(p[0])*0x101, uint32(p[1])*0x101, uint32(p[2])*0x101)
		}
	default:
		for x := range row {
			row[x] = straightLuma(src.At(b.Min.X+x, y))
		}
	}
}

func straightLuma(c color.Color) uint8 {
	switch c := c.(type) {
	case color.Gray:
		return c.Y
	case color.NRGBA:
		return luma(uint32(c.R)*0x101, uint32(c.G)*0x101, uint32(c.B)*0x101)
	case color.NRGBA64:
		return luma(uint32(c.R), uint32(c.G), uint32(c.B))
	case color.NYCbCrA:
		r, g, b, _ := c.YCbCr.RGBA()
		return luma(r, g, b)
	}
	n := color.NRGBA64Model.Convert(c).(color.NRGBA64)
	return luma(uint32(n.R), uint32(n.G), uint32(n.B))
}

func luma(r, g, b uint32) uint8 {
	return uint8((19595*r + 38470*g + 7471*b + 1<<15) >> 24)
}

func checkColorModel(m color.Model) error {
	if p, ok := m.(color.Palette); ok {
		if len(p) == 0 {
			return fmt.Errorf("%w: empty palette", ErrUnsupportedFormat)
		}
		return nil
	}
	switch m {
	case color.GrayModel, color.Gray16Model,
		color.RGBAModel, color.RGBA64Model,
		color.NRGBAModel, color.NRGBA64Model,
		color.AlphaModel, color.Alpha16Model,
		color.YCbCrModel, color.NYCbCrAModel,
		color.CMYKModel:
		return nil
	}
	return fmt.Errorf("%w: color model %T", ErrUnsupportedFormat, m)
}
