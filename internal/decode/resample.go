package decode

import (
	"fmt"
	"math"

	"github.com/disintegration/imaging"
)

// span holds the normalized filter weights of one output sample over the
// contiguous input range [first, first+len(weights)).
type span struct {
	first   int
	weights []float64
}

func (s span) last() int { return s.first + len(s.weights) - 1 }

// spans computes filter weights the same way imaging.Resize does, so a
// streamed resample and an in-memory imaging.Fit agree to within rounding.
func spans(dst, src int, filter imaging.ResampleFilter) []span {
	du := float64(src) / float64(dst)
	scale := max(du, 1)
	ru := math.Ceil(scale * filter.Support)

	out := make([]span, dst)
	for v := range out {
		fu := (float64(v)+0.5)*du - 0.5
		begin := max(int(math.Ceil(fu-ru)), 0)
		end := max(min(int(math.Floor(fu+ru)), src-1), begin)

		ws := make([]float64, end-begin+1)
		var sum float64
		for u := begin; u <= end; u++ {
			w := filter.Kernel((float64(u) - fu) / scale)
			ws[u-begin] = w
			sum += w
		}
		if sum != 0 {
			for i := range ws {
				ws[i] /= sum
			}
		}
		out[v] = span{first: begin, weights: ws}
	}
	return out
}

// fitSize returns the dimensions imaging.Fit picks for a source that exceeds
// a maxDim x maxDim box.
func fitSize(srcW, srcH, maxDim int) (int, int) {
	srcAspect := float64(srcW) / float64(srcH)
	var w, h int
	if srcAspect > 1 {
		w = maxDim
		h = int(float64(w) / srcAspect)
	} else {
		h = maxDim
		w = int(float64(h) * srcAspect)
	}
	return max(w, 1), max(h, 1)
}

// rowResampler downsizes a stream of 8-bit rows with a separable Lanczos
// filter. Each input row is filtered horizontally once and folded into the
// output rows it contributes to; only output rows still receiving input are
// held, so memory is a few output rows wide regardless of the source height.
type rowResampler struct {
	cols []span
	rows []span
	hrow []float64
	acc  map[int][]float64
	free [][]float64
	next int
	out  []uint8
	emit func(row []uint8) error
}

func newRowResampler(srcW, srcH, dstW, dstH int, emit func(row []uint8) error) *rowResampler {
	return &rowResampler{
		cols: spans(dstW, srcW, imaging.Lanczos),
		rows: spans(dstH, srcH, imaging.Lanczos),
		hrow: make([]float64, dstW),
		acc:  make(map[int][]float64),
		out:  make([]uint8, dstW),
		emit: emit,
	}
}

// push feeds source row y. Rows must arrive in order, starting at zero.
func (r *rowResampler) push(y int, src []uint8) error {
	for x, s := range r.cols {
		var sum float64
		for i, w := range s.weights {
			sum += float64(src[s.first+i]) * w
		}
		r.hrow[x] = sum
	}

	for v := r.next; v < len(r.rows) && r.rows[v].first <= y; v++ {
		s := r.rows[v]
		if y > s.last() {
			continue
		}
		w := s.weights[y-s.first]
		if w == 0 {
			continue
		}
		acc := r.accumulator(v)
		for x, h := range r.hrow {
			acc[x] += w * h
		}
	}

	for r.next < len(r.rows) && r.rows[r.next].last() <= y {
		if err := r.flush(r.next); err != nil {
			return err
		}
		r.next++
	}
	return nil
}

// done reports an error when some output rows never received all input.
func (r *rowResampler) done() error {
	if r.next != len(r.rows) {
		return fmt.Errorf("resample: %d of %d rows written", r.next, len(r.rows))
	}
	return nil
}

func (r *rowResampler) accumulator(v int) []float64 {
	if acc, ok := r.acc[v]; ok {
		return acc
	}
	var acc []float64
	if n := len(r.free); n > 0 {
		acc = r.free[n-1]
		r.free = r.free[:n-1]
		clear(acc)
	} else {
		acc = make([]float64, len(r.hrow))
	}
	r.acc[v] = acc
	return acc
}

func (r *rowResampler) flush(v int) error {
	acc := r.accumulator(v)
	for x, f := range acc {
		r.out[x] = clampByte(f)
	}
	delete(r.acc, v)
	r.free = append(r.free, acc)
	return r.emit(r.out)
}

func clampByte(f float64) uint8 {
	v := int64(f + 0.5)
	switch {
	case v > 255:
		return 255
	case v > 0:
		return uint8(v)
	}
	return 0
}
