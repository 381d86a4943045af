package dataset_test

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/dataset"
	"github.com/TuSKan/zarr-pyramid/layout"
)

func float32Bytes(vals []float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

// writePlane creates level 0 of root with one channel holding vals.
func writePlane(t *testing.T, tmpl zarr.Descriptor, l layout.Layout, root string, w, h, chunkW, chunkH int, dt zarr.DType, raw []byte) {
	t.Helper()
	ctx := context.Background()
	arr, err := zarr.Create(ctx, l.LevelDescriptor(tmpl, root, 0, l.Shape(w, h, 1), l.ChunkShape(chunkW, chunkH, 1), dt))
	require.NoError(t, err)
	defer arr.Close()
	start, shape := l.Region(0, 0, w, h, 0)
	require.NoError(t, arr.WriteRegion(ctx, start, shape, l.Arrange(raw, w, h, dt.Size)))
}

func TestDataset_NextBatch(t *testing.T) {
	tmpDir := t.TempDir()
	tmpl := zarr.Descriptor{URL: "file://" + filepath.ToSlash(tmpDir)}
	l, _ := layout.For(layout.NGZarr)

	// 2 wide, 10 tall, chunks of 5 rows.
	vals := make([]float32, 20)
	for i := range vals {
		vals[i] = float32(i)
	}
	writePlane(t, tmpl, l, "img.zarr", 2, 10, 2, 5, zarr.Float32, float32Bytes(vals))

	ctx := context.Background()
	ds, err := dataset.Open(ctx, tmpl, l, "img.zarr", 0, 0)
	require.NoError(t, err)
	defer ds.Close()
	require.Equal(t, 2, ds.Width())
	require.Equal(t, 10, ds.Height())

	batch1, err := ds.NextBatch(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, batch1.Shape().Dimensions)
	require.Equal(t, [][]float32{{0, 1}, {2, 3}, {4, 5}}, batch1.Value().([][]float32))

	// Crosses the chunk boundary.
	batch2, err := ds.NextBatch(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, [][]float32{{6, 7}, {8, 9}, {10, 11}}, batch2.Value().([][]float32))

	batch3, err := ds.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []int{4, 2}, batch3.Shape().Dimensions)
	require.Equal(t, [][]float32{{12, 13}, {14, 15}, {16, 17}, {18, 19}}, batch3.Value().([][]float32))

	_, err = ds.NextBatch(ctx, 1)
	require.ErrorIs(t, err, io.EOF)

	ds.Reset()
	again, err := ds.NextBatch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, [][]float32{{0, 1}}, again.Value().([][]float32))
}

func TestDataset_NextBatch_ZstdPrecomputed(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	ctx := context.Background()

	// The compressor is ignored by the precomputed driver and used by zarr.
	tmpl := zarr.Descriptor{Bucket: bucket, Compressor: &zarr.CompressorConfig{ID: "zstd", Level: 3}}
	raw := make([]byte, 2*4*3)
	for i := 0; i < 12; i++ {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(100+i))
	}
	want := [][]uint16{{100, 101, 102, 103}, {104, 105, 106, 107}, {108, 109, 110, 111}}

	for _, variant := range []layout.Variant{layout.Viv, layout.PCNG} {
		l, _ := layout.For(variant)
		root := l.ArrayRoot("zs")
		writePlane(t, tmpl, l, root, 4, 3, 3, 2, zarr.Uint16, raw)

		ds, err := dataset.Open(ctx, tmpl, l, root, 0, 0)
		require.NoError(t, err)
		batch, err := ds.NextBatch(ctx, 8)
		require.NoError(t, err)
		require.Equal(t, []int{3, 4}, batch.Shape().Dimensions)
		require.Equal(t, want, batch.Value().([][]uint16), variant.String())
		require.NoError(t, ds.Close())
	}
}

func TestDataset_Errors(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	ctx := context.Background()
	tmpl := zarr.Descriptor{Bucket: bucket}
	l, _ := layout.For(layout.NGZarr)
	writePlane(t, tmpl, l, "e.zarr", 2, 2, 2, 2, zarr.Uint8, []byte{1, 2, 3, 4})

	_, err := dataset.Open(ctx, tmpl, l, "e.zarr", 0, 1)
	require.Error(t, err)
	_, err = dataset.Open(ctx, tmpl, l, "e.zarr", 5, 0)
	require.Error(t, err)

	viv, _ := layout.For(layout.Viv)
	_, err = dataset.Open(ctx, tmpl, viv, "e.zarr", 0, 0)
	require.Error(t, err, "rank mismatch")

	ds, err := dataset.Open(ctx, tmpl, l, "e.zarr", 0, 0)
	require.NoError(t, err)
	_, err = ds.NextBatch(ctx, 0)
	require.Error(t, err)
	batch, err := ds.NextBatch(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, [][]uint8{{1, 2}, {3, 4}}, batch.Value().([][]uint8))
}
