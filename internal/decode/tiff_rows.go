package decode

import (
	"bufio"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/image/tiff/lzw"
)

const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagColorMap        = 320
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
)

const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionPackBits   = 32773
	compressionDeflateOld = 32946
)

const (
	photometricWhiteIsZero = 0
	photometricBlackIsZero = 1
	photometricRGB         = 2
	photometricPaletted    = 3
)

// maxTagValues bounds a single IFD entry so a corrupt count cannot force a
// huge allocation.
const maxTagValues = 1 << 22

// tiffRows reads a baseline TIFF scanline by scanline. Every strip or tile is
// decompressed as a stream, so one raw row per tile column is all that is
// resident at a time.
type tiffRows struct {
	r  io.ReaderAt
	bo binary.ByteOrder

	width       int
	height      int
	bps         int
	spp         int
	photometric int
	compression int
	predictor   int
	palette     []uint8

	// Strips are segments segW = width wide; tiles are laid out across
	// columns per band of segH rows.
	segW, segH  int
	across      int
	offsets     []uint64
	counts      []uint64
	segRowBytes int

	y       int
	streams []io.Reader
	closers []io.Closer
	raw     []byte
}

func newTIFFRows(r io.ReaderAt) (*tiffRows, error) {
	var hdr [8]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, err
	}
	t := &tiffRows{r: r}
	switch string(hdr[:4]) {
	case "II*\x00":
		t.bo = binary.LittleEndian
	case "MM\x00*":
		t.bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: not a classic tiff header", errNotStreamable)
	}

	tags, err := t.readIFD(int64(t.bo.Uint32(hdr[4:])))
	if err != nil {
		return nil, err
	}
	if err := t.configure(tags); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *tiffRows) readIFD(off int64) (map[uint16][]uint64, error) {
	var cnt [2]byte
	if _, err := t.r.ReadAt(cnt[:], off); err != nil {
		return nil, fmt.Errorf("tiff: read ifd: %w", err)
	}
	entries := make([]byte, 12*int(t.bo.Uint16(cnt[:])))
	if _, err := t.r.ReadAt(entries, off+2); err != nil {
		return nil, fmt.Errorf("tiff: read ifd: %w", err)
	}

	tags := make(map[uint16][]uint64)
	for i := 0; i < len(entries); i += 12 {
		e := entries[i : i+12]
		vals, err := t.values(t.bo.Uint16(e[2:]), t.bo.Uint32(e[4:]), e[8:12])
		if err != nil {
			return nil, err
		}
		if vals != nil {
			tags[t.bo.Uint16(e[0:])] = vals
		}
	}
	return tags, nil
}

// values decodes an entry of integer type. Other types are not needed to
// locate and interpret pixel data and yield nil.
func (t *tiffRows) values(typ uint16, count uint32, inline []byte) ([]uint64, error) {
	var size int
	switch typ {
	case 1: // BYTE
		size = 1
	case 3: // SHORT
		size = 2
	case 4: // LONG
		size = 4
	default:
		return nil, nil
	}
	if count > maxTagValues {
		return nil, fmt.Errorf("tiff: entry holds %d values", count)
	}
	n := int(count) * size
	buf := inline
	if n > 4 {
		buf = make([]byte, n)
		if _, err := t.r.ReadAt(buf, int64(t.bo.Uint32(inline))); err != nil {
			return nil, fmt.Errorf("tiff: read entry values: %w", err)
		}
	}

	vals := make([]uint64, count)
	for i := range vals {
		switch size {
		case 1:
			vals[i] = uint64(buf[i])
		case 2:
			vals[i] = uint64(t.bo.Uint16(buf[2*i:]))
		case 4:
			vals[i] = uint64(t.bo.Uint32(buf[4*i:]))
		}
	}
	return vals, nil
}

func (t *tiffRows) configure(tags map[uint16][]uint64) error {
	first := func(tag uint16, def uint64) uint64 {
		if v := tags[tag]; len(v) > 0 {
			return v[0]
		}
		return def
	}

	t.width = int(first(tagImageWidth, 0))
	t.height = int(first(tagImageLength, 0))
	if t.width <= 0 || t.height <= 0 {
		return fmt.Errorf("tiff: invalid dimensions %dx%d", t.width, t.height)
	}
	t.spp = int(first(tagSamplesPerPixel, 1))
	t.bps = int(first(tagBitsPerSample, 1))
	for _, b := range tags[tagBitsPerSample] {
		if int(b) != t.bps {
			return fmt.Errorf("%w: mixed bits per sample", errNotStreamable)
		}
	}
	t.compression = int(first(tagCompression, compressionNone))
	t.photometric = int(first(tagPhotometric, photometricBlackIsZero))
	t.predictor = int(first(tagPredictor, 1))

	switch {
	case first(tagPlanarConfig, 1) != 1:
		return fmt.Errorf("%w: planar tiff", errNotStreamable)
	case first(tagSampleFormat, 1) != 1:
		return fmt.Errorf("%w: non-integer samples", errNotStreamable)
	case t.bps != 1 && t.bps != 8 && t.bps != 16:
		return fmt.Errorf("%w: %d bits per sample", errNotStreamable, t.bps)
	case t.predictor != 1 && (t.predictor != 2 || t.bps == 1):
		return fmt.Errorf("%w: predictor %d", errNotStreamable, t.predictor)
	}
	switch t.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld, compressionPackBits:
	default:
		return fmt.Errorf("%w: compression %d", errNotStreamable, t.compression)
	}

	switch t.photometric {
	case photometricWhiteIsZero, photometricBlackIsZero:
	case photometricRGB:
		if t.spp < 3 || t.bps == 1 {
			return fmt.Errorf("tiff: rgb with %d samples of %d bits", t.spp, t.bps)
		}
	case photometricPaletted:
		if t.spp != 1 || t.bps == 16 {
			return fmt.Errorf("%w: paletted tiff with %d bits", errNotStreamable, t.bps)
		}
		cm := tags[tagColorMap]
		n := 1 << t.bps
		if len(cm) != 3*n {
			return errors.New("tiff: bad color map")
		}
		t.palette = make([]uint8, n)
		for i := range t.palette {
			t.palette[i] = luma(uint32(cm[i]), uint32(cm[n+i]), uint32(cm[2*n+i]))
		}
	default:
		return fmt.Errorf("%w: photometric %d", errNotStreamable, t.photometric)
	}

	var down int
	if offs, ok := tags[tagTileOffsets]; ok {
		t.segW, t.segH = int(first(tagTileWidth, 0)), int(first(tagTileLength, 0))
		if t.segW <= 0 || t.segH <= 0 || t.segW%8 != 0 {
			return fmt.Errorf("tiff: invalid tile size %dx%d", t.segW, t.segH)
		}
		t.across = ceilDiv(t.width, t.segW)
		down = ceilDiv(t.height, t.segH)
		t.offsets, t.counts = offs, tags[tagTileByteCounts]
	} else {
		t.segW = t.width
		t.segH = int(min(first(tagRowsPerStrip, uint64(t.height)), uint64(t.height)))
		if t.segH <= 0 {
			return errors.New("tiff: invalid rows per strip")
		}
		t.across = 1
		down = ceilDiv(t.height, t.segH)
		t.offsets, t.counts = tags[tagStripOffsets], tags[tagStripByteCounts]
	}
	t.segRowBytes = (t.segW*t.bps*t.spp + 7) / 8

	segments := t.across * down
	if len(t.offsets) < segments {
		return fmt.Errorf("tiff: %d segment offsets for %d segments", len(t.offsets), segments)
	}
	if len(t.counts) < segments {
		if t.compression != compressionNone {
			return errors.New("tiff: missing segment byte counts")
		}
		t.counts = make([]uint64, segments)
		for i := range t.counts {
			t.counts[i] = uint64(t.segRowBytes * t.segH)
		}
	}

	t.streams = make([]io.Reader, t.across)
	t.closers = make([]io.Closer, t.across)
	t.raw = make([]byte, t.across*t.segRowBytes)
	return nil
}

func (t *tiffRows) Size() (int, int) { return t.width, t.height }

func (t *tiffRows) ReadRow(dst []uint8) error {
	if t.y >= t.height {
		return io.EOF
	}
	band := t.y / t.segH
	if t.y%t.segH == 0 {
		if err := t.openBand(band); err != nil {
			return err
		}
	}
	for c := 0; c < t.across; c++ {
		seg := t.raw[c*t.segRowBytes : (c+1)*t.segRowBytes]
		if _, err := io.ReadFull(t.streams[c], seg); err != nil {
			return fmt.Errorf("tiff: segment %d: %w", band*t.across+c, err)
		}
		if t.predictor == 2 {
			t.undoPredictor(seg)
		}
	}
	t.y++
	return t.toGray(dst[:t.width])
}

func (t *tiffRows) Close() error {
	t.closeStreams()
	return nil
}

func (t *tiffRows) openBand(band int) error {
	t.closeStreams()
	for c := 0; c < t.across; c++ {
		i := band*t.across + c
		sr := io.NewSectionReader(t.r, int64(t.offsets[i]), int64(t.counts[i]))
		switch t.compression {
		case compressionNone:
			t.streams[c] = bufio.NewReader(sr)
		case compressionLZW:
			rc := lzw.NewReader(sr, lzw.MSB, 8)
			t.streams[c], t.closers[c] = rc, rc
		case compressionDeflate, compressionDeflateOld:
			rc, err := zlib.NewReader(sr)
			if err != nil {
				return fmt.Errorf("tiff: segment %d: %w", i, err)
			}
			t.streams[c], t.closers[c] = rc, rc
		case compressionPackBits:
			t.streams[c] = &packBitsReader{r: bufio.NewReader(sr)}
		}
	}
	return nil
}

func (t *tiffRows) closeStreams() {
	for c, cl := range t.closers {
		if cl != nil {
			_ = cl.Close()
			t.closers[c] = nil
		}
		t.streams[c] = nil
	}
}

// undoPredictor reverses horizontal differencing within one segment row.
func (t *tiffRows) undoPredictor(seg []byte) {
	switch t.bps {
	case 8:
		for i := t.spp; i < len(seg); i++ {
			seg[i] += seg[i-t.spp]
		}
	case 16:
		step := 2 * t.spp
		for i := step; i+1 < len(seg); i += 2 {
			v := t.bo.Uint16(seg[i:]) + t.bo.Uint16(seg[i-step:])
			t.bo.PutUint16(seg[i:], v)
		}
	}
}

// toGray reduces the assembled row to 8-bit luma. Extra samples are ignored.
func (t *tiffRows) toGray(dst []uint8) error {
	switch t.photometric {
	case photometricPaletted:
		for x := range dst {
			idx := int(subSample(t.raw, x, t.bps))
			if idx >= len(t.palette) {
				return fmt.Errorf("tiff: palette index %d out of range", idx)
			}
			dst[x] = t.palette[idx]
		}
	case photometricRGB:
		for x := range dst {
			i := x * t.spp
			dst[x] = luma(t.sample16(i), t.sample16(i+1), t.sample16(i+2))
		}
	default:
		for x := range dst {
			v := uint8(t.sample16(x*t.spp) >> 8)
			if t.photometric == photometricWhiteIsZero {
				v = 255 - v
			}
			dst[x] = v
		}
	}
	return nil
}

// sample16 returns sample i of the current row widened to 16 bits.
func (t *tiffRows) sample16(i int) uint32 {
	switch t.bps {
	case 16:
		return uint32(t.bo.Uint16(t.raw[2*i:]))
	case 8:
		return uint32(t.raw[i]) * 0x101
	}
	return uint32(scaleBits(subSample(t.raw, i, t.bps), t.bps)) * 0x101
}

// packBitsReader expands a PackBits stream.
type packBitsReader struct {
	r      *bufio.Reader
	n      int
	repeat bool
	b      byte
}

func (p *packBitsReader) Read(out []byte) (int, error) {
	i := 0
	for i < len(out) {
		if p.n == 0 {
			h, err := p.r.ReadByte()
			if err != nil {
				if i > 0 {
					return i, nil
				}
				return 0, err
			}
			switch c := int8(h); {
			case c >= 0:
				p.n, p.repeat = int(c)+1, false
			case c != -128:
				b, err := p.r.ReadByte()
				if err != nil {
					return i, io.ErrUnexpectedEOF
				}
				p.n, p.repeat, p.b = 1-int(c), true, b
			default:
				continue
			}
		}

		k := min(p.n, len(out)-i)
		if p.repeat {
			for j := range out[i : i+k] {
				out[i+j] = p.b
			}
		} else if _, err := io.ReadFull(p.r, out[i:i+k]); err != nil {
			return i, io.ErrUnexpectedEOF
		}
		i += k
		p.n -= k
	}
	return i, nil
}

func ceilDiv(n, d int) int { return (n + d - 1) / d }
