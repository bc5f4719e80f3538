// internal/tile/tile.go
package tile

import (
	"fmt"
	"image"
	"iter"
)

// DefaultSize is the tile edge length used when none is configured.
const DefaultSize = 512

// Descriptor identifies one tile of an image grid. Rect is clipped to the image
// bounds, so tiles in the last row or column may be smaller than the edge length.
type Descriptor struct {
	Row  int
	Col  int
	Rect image.Rectangle
}

// Iterator walks the tiles of a width x height grid in row-major order.
// It holds no pixel data and can be restarted with Reset.
type Iterator struct {
	width  int
	height int
	size   int
	rows   int
	cols   int
	next   int
}

// New returns an iterator over the tiles of a width x height image using the
// given maximum edge length.
func New(width, height, size int) (*Iterator, error) {
	if size <= 0 {
		return nil, fmt.Errorf("tile size must be greater than zero (got %d)", size)
	}
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("invalid image dimensions %dx%d", width, height)
	}
	return &Iterator{
		width:  width,
		height: height,
		size:   size,
		rows:   ceilDiv(height, size),
		cols:   ceilDiv(width, size),
	}, nil
}

// GridShape returns the number of tile rows and columns for an image.
func GridShape(width, height, size int) (rows, cols int) {
	if size <= 0 || width <= 0 || height <= 0 {
		return 0, 0
	}
	return ceilDiv(height, size), ceilDiv(width, size)
}

func (it *Iterator) Rows() int { return it.rows }
func (it *Iterator) Cols() int { return it.cols }
func (it *Iterator) Size() int { return it.size }

// Len is the total number of tiles.
func (it *Iterator) Len() int { return it.rows * it.cols }

// Next returns the next descriptor, or false once every tile has been produced.
func (it *Iterator) Next() (Descriptor, bool) {
	if it.next >= it.Len() {
		return Descriptor{}, false
	}
	d := it.at(it.next)
	it.next++
	return d, true
}

// Reset rewinds the iterator to the first tile.
func (it *Iterator) Reset() { it.next = 0 }

// All yields every descriptor from the first tile, independent of the
// position of Next.
func (it *Iterator) All() iter.Seq[Descriptor] {
	return func(yield func(Descriptor) bool) {
		for i := 0; i < it.Len(); i++ {
			if !yield(it.at(i)) {
				return
			}
		}
	}
}

func (it *Iterator) at(i int) Descriptor {
	r, c := i/it.cols, i%it.cols
	x0, y0 := c*it.size, r*it.size
	return Descriptor{
		Row: r,
		Col: c,
		Rect: image.Rect(
			x0,
			y0,
			min(x0+it.size, it.width),
			min(y0+it.size, it.height),
		),
	}
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
