package pyramid

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	zarr "github.com/TuSKan/zarr-pyramid"
)

// reduce2x2 reduces one 2x2 block laid out as [c][z][y][x].
func reduce2x2(t *testing.T, dt zarr.DType, r Reducer, src []byte) []byte {
	t.Helper()
	k, err := kernelFor(dt)
	require.NoError(t, err)
	b := &block{dst: []int{1, 1, 1, 1}, src: []int{1, 1, 2, 2}, halved: []int{3, 2}, c: 0}
	out := make([]byte, dt.Size)
	k(b, src, out, []Reducer{r})
	return out
}

func TestReducers_OneTwoThreeFour(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	require.Equal(t, []byte{2}, reduce2x2(t, zarr.Uint8, Mean, src), "integer mean is floored")
	require.Equal(t, []byte{4}, reduce2x2(t, zarr.Uint8, ModeMax, src))
	require.Equal(t, []byte{1}, reduce2x2(t, zarr.Uint8, ModeMin, src))

	f := make([]byte, 16)
	for i, v := range []float32{1, 2, 3, 4} {
		binary.LittleEndian.PutUint32(f[4*i:], math.Float32bits(v))
	}
	out := reduce2x2(t, zarr.Float32, Mean, f)
	require.Equal(t, float32(2.5), math.Float32frombits(binary.LittleEndian.Uint32(out)))
	out = reduce2x2(t, zarr.Float32, ModeMax, f)
	require.Equal(t, float32(4), math.Float32frombits(binary.LittleEndian.Uint32(out)))
}

func TestMeanFloorsNegativeSamples(t *testing.T) {
	require.Equal(t, int16(-3), meanSigned([]int16{-1, -2, -3, -4}))
	require.Equal(t, int8(-1), meanSigned([]int8{-1, 0}))
	require.Equal(t, int32(2), meanSigned([]int32{2, 3}))
	require.Equal(t, int64(-3), meanInt64([]int64{-1, -2, -3, -4}))
	require.Equal(t, int64(2), meanInt64([]int64{1, 2, 3, 4}))
}

func TestMeanDoesNotOverflow(t *testing.T) {
	require.Equal(t, uint8(255), meanUnsigned([]uint8{255, 255, 255, 255}))
	require.Equal(t, uint32(math.MaxUint32), meanUnsigned([]uint32{math.MaxUint32, math.MaxUint32}))
	require.Equal(t, uint64(math.MaxUint64), meanUint64([]uint64{math.MaxUint64, math.MaxUint64, math.MaxUint64}))
	require.Equal(t, uint64(math.MaxUint64-1), meanUint64([]uint64{math.MaxUint64, math.MaxUint64 - 1, math.MaxUint64 - 2}))
	require.Equal(t, int64(math.MaxInt64), meanInt64([]int64{math.MaxInt64, math.MaxInt64}))
	require.Equal(t, int64(math.MinInt64), meanInt64([]int64{math.MinInt64, math.MinInt64, math.MinInt64, math.MinInt64}))
	require.Equal(t, int64(-1), meanInt64([]int64{math.MinInt64, math.MaxInt64}))
}

func TestBlockTruncatesAtEdges(t *testing.T) {
	// 3 wide, 1 tall source into 2 wide, 1 tall destination.
	b := &block{dst: []int{1, 1, 1, 2}, src: []int{1, 1, 1, 3}, halved: []int{3, 2}, c: 0}
	var got [][]int
	b.each(func(out int, taps []int, channel int) {
		require.Equal(t, 0, channel)
		got = append(got, append([]int(nil), taps...))
	})
	require.Equal(t, [][]int{{0, 1}, {2}}, got)
}

func TestBlockChannelsAndTranspose(t *testing.T) {
	// x, y, z, channel with two channels held in one chunk.
	b := &block{dst: []int{1, 1, 1, 2}, src: []int{2, 2, 1, 2}, halved: []int{0, 1}, c: 3, channel0: 0}
	src := []byte{
		// x=0: y=0 (c0,c1), y=1 (c0,c1)
		1, 10, 3, 30,
		// x=1
		2, 20, 4, 40,
	}
	k, err := kernelFor(zarr.Uint8)
	require.NoError(t, err)
	out := make([]byte, 2)
	k(b, src, out, []Reducer{ModeMin, ModeMax})
	require.Equal(t, []byte{1, 40}, out)
}

func TestBlockHalvesDepth(t *testing.T) {
	// c, z, y, x with a 3 deep, 2x2 source: the first output averages eight
	// samples, the second only the four of the last plane.
	b := &block{dst: []int{1, 2, 1, 1}, src: []int{1, 3, 2, 2}, halved: []int{3, 2, 1}, c: 0}
	var got [][]int
	b.each(func(out int, taps []int, channel int) {
		got = append(got, append([]int(nil), taps...))
	})
	require.Equal(t, [][]int{{0, 1, 2, 3, 4, 5, 6, 7}, {8, 9, 10, 11}}, got)

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8, 100, 100, 100, 104}
	k, err := kernelFor(zarr.Uint8)
	require.NoError(t, err)
	out := make([]byte, 2)
	k(b, src, out, []Reducer{Mean})
	require.Equal(t, []byte{4, 101}, out)
}

func TestKernelForRejectsUnknownTypes(t *testing.T) {
	_, err := kernelFor(zarr.DType{Kind: zarr.KindFloat, Size: 2})
	require.Error(t, err)
	for _, dt := range []zarr.DType{zarr.Uint8, zarr.Uint16, zarr.Uint32, zarr.Uint64, zarr.Int8, zarr.Int16, zarr.Int32, zarr.Int64, zarr.Float32, zarr.Float64} {
		_, err := kernelFor(dt)
		require.NoError(t, err, dt.Name())
	}
}
