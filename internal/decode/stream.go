package decode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

var errNotStreamable = errors.New("source cannot be decoded row by row")

// rowReader yields a source one 8-bit luma scanline at a time, top to bottom.
type rowReader interface {
	Size() (width, height int)
	ReadRow(dst []uint8) error
	Close() error
}

// openRows returns a scanline reader for formats that can be decoded without
// materializing the frame. Other formats yield errNotStreamable.
func openRows(f *os.File, format string) (rowReader, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	switch format {
	case "png":
		return newPNGRows(bufio.NewReaderSize(f, 64*1024))
	case "tiff":
		return newTIFFRows(f)
	}
	return nil, fmt.Errorf("%w: %s", errNotStreamable, format)
}

// resampleRows fits the rows of src into a maxDim box and writes the result to
// the spill file. Only the filter window is resident.
func (d *Decoder) resampleRows(ctx context.Context, src rowReader, maxDim int, dir string) error {
	srcW, srcH := src.Size()
	dstW, dstH := fitSize(srcW, srcH, maxDim)

	w, err := d.createSpill(dir, dstW, dstH)
	if err != nil {
		return err
	}
	rs := newRowResampler(srcW, srcH, dstW, dstH, func(row []uint8) error {
		if _, err := w.Write(row); err != nil {
			return fmt.Errorf("write spill: %w", err)
		}
		return nil
	})

	row := make([]uint8, srcW)
	for y := 0; y < srcH; y++ {
		if y%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := src.ReadRow(row); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("%w: row %d: %w", ErrDecode, y, err)
		}
		if err := rs.push(y, row); err != nil {
			return err
		}
	}
	if err := rs.done(); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush spill: %w", err)
	}
	return nil
}

func (d *Decoder) createSpill(dir string, width, height int) (*bufio.Writer, error) {
	spill, err := os.CreateTemp(dir, "working-*.gray")
	if err != nil {
		return nil, fmt.Errorf("create spill: %w", err)
	}
	d.spill = spill
	d.width, d.height = width, height
	return bufio.NewWriterSize(spill, 256*1024), nil
}
