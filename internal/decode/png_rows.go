package decode

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

const (
	pngGray      = 0
	pngRGB       = 2
	pngPaletted  = 3
	pngGrayAlpha = 4
	pngRGBA      = 6
)

// pngRows decodes a non-interlaced PNG one scanline at a time. Only the
// current and previous raw scanlines are held, as the filters require.
type pngRows struct {
	width     int
	height    int
	depth     int
	colorType int
	channels  int
	// bpp is the filter distance in bytes: one pixel, rounded up to a byte.
	bpp     int
	palette []uint8

	z      io.ReadCloser
	filter [1]byte
	cur    []byte
	prev   []byte
}

func newPNGRows(r io.Reader) (*pngRows, error) {
	var sig [8]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(sig[:], pngSignature) {
		return nil, errors.New("png: bad signature")
	}

	p := &pngRows{}
	cr := &chunkReader{r: r}
	seenHeader := false
	for {
		length, typ, err := cr.next()
		if err != nil {
			return nil, err
		}
		switch typ {
		case "IHDR":
			data, err := cr.body(length, 13)
			if err != nil {
				return nil, err
			}
			if err := p.parseHeader(data); err != nil {
				return nil, err
			}
			seenHeader = true
		case "PLTE":
			data, err := cr.body(length, 3*256)
			if err != nil {
				return nil, err
			}
			if err := p.parsePalette(data); err != nil {
				return nil, err
			}
		case "IDAT":
			if !seenHeader {
				return nil, errors.New("png: IDAT before IHDR")
			}
			if p.colorType == pngPaletted && p.palette == nil {
				return nil, errors.New("png: missing palette")
			}
			z, err := zlib.NewReader(&idatReader{cr: cr, remaining: length})
			if err != nil {
				return nil, fmt.Errorf("png: %w", err)
			}
			p.z = z
			rowBytes := (p.width*p.depth*p.channels + 7) / 8
			p.cur = make([]byte, rowBytes)
			p.prev = make([]byte, rowBytes)
			return p, nil
		case "IEND":
			return nil, errors.New("png: no image data")
		default:
			if err := cr.skip(length); err != nil {
				return nil, err
			}
		}
	}
}

func (p *pngRows) parseHeader(b []byte) error {
	if len(b) != 13 {
		return errors.New("png: bad IHDR length")
	}
	w, h := binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8])
	if w == 0 || h == 0 || w > 1<<30 || h > 1<<30 {
		return fmt.Errorf("png: invalid dimensions %dx%d", w, h)
	}
	if b[10] != 0 || b[11] != 0 {
		return errors.New("png: unknown compression or filter method")
	}
	if b[12] != 0 {
		return fmt.Errorf("%w: interlaced png", errNotStreamable)
	}

	p.width, p.height = int(w), int(h)
	p.depth, p.colorType = int(b[8]), int(b[9])

	var depths []int
	switch p.colorType {
	case pngGray:
		p.channels, depths = 1, []int{1, 2, 4, 8, 16}
	case pngRGB:
		p.channels, depths = 3, []int{8, 16}
	case pngPaletted:
		p.channels, depths = 1, []int{1, 2, 4, 8}
	case pngGrayAlpha:
		p.channels, depths = 2, []int{8, 16}
	case pngRGBA:
		p.channels, depths = 4, []int{8, 16}
	default:
		return fmt.Errorf("png: unknown color type %d", p.colorType)
	}
	if !slices.Contains(depths, p.depth) {
		return fmt.Errorf("png: bit depth %d invalid for color type %d", p.depth, p.colorType)
	}
	p.bpp = max(1, p.depth*p.channels/8)
	return nil
}

func (p *pngRows) parsePalette(b []byte) error {
	if len(b)%3 != 0 || len(b) == 0 {
		return errors.New("png: bad palette length")
	}
	p.palette = make([]uint8, len(b)/3)
	for i := range p.palette {
		c := b[3*i : 3*i+3]
		p.palette[i] = luma(uint32(c[0])*0x101, uint32(c[1])*0x101, uint32(c[2])*0x101)
	}
	return nil
}

func (p *pngRows) Size() (int, int) { return p.width, p.height }

func (p *pngRows) ReadRow(dst []uint8) error {
	if _, err := io.ReadFull(p.z, p.filter[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(p.z, p.cur); err != nil {
		return err
	}
	if err := unfilter(p.filter[0], p.cur, p.prev, p.bpp); err != nil {
		return err
	}
	err := p.toGray(dst[:p.width])
	p.cur, p.prev = p.prev, p.cur
	return err
}

func (p *pngRows) Close() error {
	if p.z == nil {
		return nil
	}
	return p.z.Close()
}

// toGray reduces the current scanline to 8-bit luma. Alpha is dropped.
func (p *pngRows) toGray(dst []uint8) error {
	src := p.cur
	switch p.colorType {
	case pngGray:
		for x := range dst {
			switch p.depth {
			case 8:
				dst[x] = src[x]
			case 16:
				dst[x] = src[2*x]
			default:
				dst[x] = scaleBits(subSample(src, x, p.depth), p.depth)
			}
		}
	case pngGrayAlpha:
		step := 2 * p.depth / 8
		for x := range dst {
			dst[x] = src[x*step]
		}
	case pngRGB, pngRGBA:
		if p.depth == 8 {
			for x := range dst {
				c := src[x*p.channels:]
				dst[x] = luma(uint32(c[0])*0x101, uint32(c[1])*0x101, uint32(c[2])*0x101)
			}
			return nil
		}
		for x := range dst {
			c := src[2*x*p.channels:]
			dst[x] = luma(
				uint32(binary.BigEndian.Uint16(c[0:])),
				uint32(binary.BigEndian.Uint16(c[2:])),
				uint32(binary.BigEndian.Uint16(c[4:])),
			)
		}
	case pngPaletted:
		for x := range dst {
			idx := int(subSample(src, x, p.depth))
			if idx >= len(p.palette) {
				return fmt.Errorf("png: palette index %d out of range", idx)
			}
			dst[x] = p.palette[idx]
		}
	}
	return nil
}

func unfilter(ft byte, cur, prev []byte, bpp int) error {
	switch ft {
	case 0:
	case 1:
		for i := bpp; i < len(cur); i++ {
			cur[i] += cur[i-bpp]
		}
	case 2:
		for i := range cur {
			cur[i] += prev[i]
		}
	case 3:
		for i := range cur {
			var left int
			if i >= bpp {
				left = int(cur[i-bpp])
			}
			cur[i] += uint8((left + int(prev[i])) / 2)
		}
	case 4:
		for i := range cur {
			var a, c int
			if i >= bpp {
				a, c = int(cur[i-bpp]), int(prev[i-bpp])
			}
			cur[i] += paeth(a, int(prev[i]), c)
		}
	default:
		return fmt.Errorf("png: bad filter type %d", ft)
	}
	return nil
}

func paeth(a, b, c int) uint8 {
	p := a + b - c
	pa, pb, pc := abs(p-a), abs(p-b), abs(p-c)
	switch {
	case pa <= pb && pa <= pc:
		return uint8(a)
	case pb <= pc:
		return uint8(b)
	}
	return uint8(c)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// subSample returns sample i of a packed row with depth bits per sample.
func subSample(row []byte, i, depth int) uint8 {
	if depth == 8 {
		return row[i]
	}
	bit := i * depth
	shift := 8 - depth - bit%8
	return (row[bit/8] >> shift) & (1<<depth - 1)
}

// scaleBits stretches a depth-bit sample to 0..255.
func scaleBits(v uint8, depth int) uint8 {
	if depth == 8 {
		return v
	}
	return uint8(int(v) * 255 / (1<<depth - 1))
}

type chunkReader struct {
	r   io.Reader
	hdr [8]byte
}

// next reads the length and type of the following chunk.
func (c *chunkReader) next() (uint32, string, error) {
	if _, err := io.ReadFull(c.r, c.hdr[:]); err != nil {
		return 0, "", err
	}
	length := binary.BigEndian.Uint32(c.hdr[:4])
	if length > 0x7fffffff {
		return 0, "", errors.New("png: chunk too large")
	}
	return length, string(c.hdr[4:8]), nil
}

// body reads a whole chunk payload of at most limit bytes plus its CRC.
func (c *chunkReader) body(length uint32, limit int) ([]byte, error) {
	if int(length) > limit {
		return nil, fmt.Errorf("png: chunk of %d bytes exceeds %d", length, limit)
	}
	data := make([]byte, length+4)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return nil, err
	}
	return data[:length], nil
}

// skip discards a chunk payload and its CRC.
func (c *chunkReader) skip(length uint32) error {
	_, err := io.CopyN(io.Discard, c.r, int64(length)+4)
	return err
}

// idatReader joins the payloads of consecutive IDAT chunks into one stream.
type idatReader struct {
	cr        *chunkReader
	remaining uint32
	done      bool
}

func (r *idatReader) Read(p []byte) (int, error) {
	for r.remaining == 0 {
		if r.done {
			return 0, io.EOF
		}
		if _, err := io.ReadFull(r.cr.r, r.cr.hdr[:4]); err != nil {
			return 0, err
		}
		length, typ, err := r.cr.next()
		if err != nil {
			return 0, err
		}
		if typ != "IDAT" {
			r.done = true
			return 0, io.EOF
		}
		r.remaining = length
	}
	if uint32(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.cr.r.Read(p)
	r.remaining -= uint32(n)
	if err == io.EOF && r.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}
