package pyramid

import (
	"cmp"
	"encoding/binary"
	"math"
	"math/bits"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/failure"
)

// block maps a destination region onto the source region it is reduced
// from, twice as large along each halved axis. Both are C-order element
// grids over the same axes.
type block struct {
	dst, src []int
	// halved lists the axes reduced 2:1, x before y before z.
	halved []int
	c      int
	// channel0 is the absolute channel of index 0 along axis c.
	channel0 int
}

// each calls fn for every destination element with the source element
// offsets of its 2x2 (or 2x2x2) footprint, truncated at the source edge.
func (b *block) each(fn func(out int, taps []int, channel int)) {
	n := len(b.dst)
	srcStrides := make([]int, n)
	total := 1
	for ax, s := n-1, 1; ax >= 0; ax-- {
		srcStrides[ax] = s
		s *= b.src[ax]
		total *= b.dst[ax]
	}
	doubled := make([]bool, n)
	for _, ax := range b.halved {
		doubled[ax] = true
	}
	idx := make([]int, n)
	taps := make([]int, 0, 1<<len(b.halved))
	for out := 0; out < total; out++ {
		base := 0
		for ax, i := range idx {
			if doubled[ax] {
				i *= 2
			}
			base += i * srcStrides[ax]
		}
		taps = append(taps[:0], base)
		for _, ax := range b.halved {
			if 2*idx[ax]+1 >= b.src[ax] {
				continue
			}
			for _, t := range taps {
				taps = append(taps, t+srcStrides[ax])
			}
		}
		fn(out, taps, b.channel0+idx[b.c])

		for ax := n - 1; ax >= 0; ax-- {
			idx[ax]++
			if idx[ax] < b.dst[ax] {
				break
			}
			idx[ax] = 0
		}
	}
}

// sampler decodes, reduces and encodes one sample type.
type sampler[T any] struct {
	size  int
	load  func([]byte) T
	store func([]byte, T)
	mean  func([]T) T
	max   func([]T) T
	min   func([]T) T
}

func (s sampler[T]) reduce(b *block, src, dst []byte, reducers []Reducer) {
	vals := make([]T, 0, 1<<len(b.halved))
	b.each(func(out int, taps []int, channel int) {
		vals = vals[:0]
		for _, t := range taps {
			vals = append(vals, s.load(src[t*s.size:]))
		}
		var v T
		switch reducers[channel] {
		case Mean:
			v = s.mean(vals)
		case ModeMax:
			v = s.max(vals)
		default:
			v = s.min(vals)
		}
		s.store(dst[out*s.size:], v)
	})
}

func maxOf[T cmp.Ordered](v []T) T { return slices.Max(v) }
func minOf[T cmp.Ordered](v []T) T { return slices.Min(v) }

func meanUnsigned[T ~uint8 | ~uint16 | ~uint32](v []T) T {
	var sum uint64
	for _, x := range v {
		sum += uint64(x)
	}
	return T(sum / uint64(len(v)))
}

func meanSigned[T ~int8 | ~int16 | ~int32](v []T) T {
	var sum int64
	for _, x := range v {
		sum += int64(x)
	}
	n := int64(len(v))
	q := sum / n
	if sum%n != 0 && sum < 0 {
		q--
	}
	return T(q)
}

// meanUint64 sums in 128 bits.
func meanUint64(v []uint64) uint64 {
	var hi, lo, carry uint64
	for _, x := range v {
		lo, carry = bits.Add64(lo, x, 0)
		hi += carry
	}
	q, _ := bits.Div64(hi, lo, uint64(len(v)))
	return q
}

// meanInt64 shifts every sample by 2^63 so the floor of the unsigned mean,
// shifted back, is the floor of the signed one.
func meanInt64(v []int64) int64 {
	const bias = 1 << 63
	var hi, lo, carry uint64
	for _, x := range v {
		lo, carry = bits.Add64(lo, uint64(x)^bias, 0)
		hi += carry
	}
	q, _ := bits.Div64(hi, lo, uint64(len(v)))
	return int64(q ^ bias)
}

func meanFloat(v []float64) float64 { return stat.Mean(v, nil) }

var le = binary.LittleEndian

var (
	samplerU8 = sampler[uint8]{
		size:  1,
		load:  func(b []byte) uint8 { return b[0] },
		store: func(b []byte, v uint8) { b[0] = v },
		mean:  meanUnsigned[uint8], max: maxOf[uint8], min: minOf[uint8],
	}
	samplerU16 = sampler[uint16]{
		size: 2, load: le.Uint16, store: le.PutUint16,
		mean: meanUnsigned[uint16], max: maxOf[uint16], min: minOf[uint16],
	}
	samplerU32 = sampler[uint32]{
		size: 4, load: le.Uint32, store: le.PutUint32,
		mean: meanUnsigned[uint32], max: maxOf[uint32], min: minOf[uint32],
	}
	samplerU64 = sampler[uint64]{
		size: 8, load: le.Uint64, store: le.PutUint64,
		mean: meanUint64, max: maxOf[uint64], min: minOf[uint64],
	}
	samplerI8 = sampler[int8]{
		size:  1,
		load:  func(b []byte) int8 { return int8(b[0]) },
		store: func(b []byte, v int8) { b[0] = byte(v) },
		mean:  meanSigned[int8], max: maxOf[int8], min: minOf[int8],
	}
	samplerI16 = sampler[int16]{
		size:  2,
		load:  func(b []byte) int16 { return int16(le.Uint16(b)) },
		store: func(b []byte, v int16) { le.PutUint16(b, uint16(v)) },
		mean:  meanSigned[int16], max: maxOf[int16], min: minOf[int16],
	}
	samplerI32 = sampler[int32]{
		size:  4,
		load:  func(b []byte) int32 { return int32(le.Uint32(b)) },
		store: func(b []byte, v int32) { le.PutUint32(b, uint32(v)) },
		mean:  meanSigned[int32], max: maxOf[int32], min: minOf[int32],
	}
	samplerI64 = sampler[int64]{
		size:  8,
		load:  func(b []byte) int64 { return int64(le.Uint64(b)) },
		store: func(b []byte, v int64) { le.PutUint64(b, uint64(v)) },
		mean:  meanInt64, max: maxOf[int64], min: minOf[int64],
	}
	// float32 samples are reduced in float64 and rounded once on store.
	samplerF32 = sampler[float64]{
		size:  4,
		load:  func(b []byte) float64 { return float64(math.Float32frombits(le.Uint32(b))) },
		store: func(b []byte, v float64) { le.PutUint32(b, math.Float32bits(float32(v))) },
		mean:  meanFloat, max: floats.Max, min: floats.Min,
	}
	samplerF64 = sampler[float64]{
		size:  8,
		load:  func(b []byte) float64 { return math.Float64frombits(le.Uint64(b)) },
		store: func(b []byte, v float64) { le.PutUint64(b, math.Float64bits(v)) },
		mean:  meanFloat, max: floats.Max, min: floats.Min,
	}
)

// kernel reduces src into dst for one block.
type kernel func(b *block, src, dst []byte, reducers []Reducer)

func kernelFor(dt zarr.DType) (kernel, error) {
	switch dt.Kind {
	case zarr.KindBool:
		return samplerU8.reduce, nil
	case zarr.KindUint:
		switch dt.Size {
		case 1:
			return samplerU8.reduce, nil
		case 2:
			return samplerU16.reduce, nil
		case 4:
			return samplerU32.reduce, nil
		case 8:
			return samplerU64.reduce, nil
		}
	case zarr.KindInt:
		switch dt.Size {
		case 1:
			return samplerI8.reduce, nil
		case 2:
			return samplerI16.reduce, nil
		case 4:
			return samplerI32.reduce, nil
		case 8:
			return samplerI64.reduce, nil
		}
	case zarr.KindFloat:
		switch dt.Size {
		case 4:
			return samplerF32.reduce, nil
		case 8:
			return samplerF64.reduce, nil
		}
	}
	return nil, failure.Configf("no reducer kernel for sample type %s", dt)
}
