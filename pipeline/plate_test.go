package pipeline_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/failure"
	"github.com/TuSKan/zarr-pyramid/grid"
	"github.com/TuSKan/zarr-pyramid/layout"
	"github.com/TuSKan/zarr-pyramid/pipeline"
)

// writeWells builds 8x6 Viv pyramids A1 (all 1) and A2 (all 2) with two levels.
func writeWells(t *testing.T, p *pipeline.Pipeline, bucket *blob.Bucket) {
	t.Helper()
	ctx := context.Background()
	for key, v := range map[string]byte{"in/A1.tif": 1, "in/A2.tif": 2} {
		putTile(t, bucket, key, 8, 6, v)
		res, err := p.GenerateFromSingleFile(ctx, pipeline.SingleFileRequest{Input: bucket, Key: key, Output: zarr.Descriptor{Bucket: bucket}})
		require.NoError(t, err)
		require.Len(t, res.Levels, 2)
	}
}

func readLevel(t *testing.T, bucket *blob.Bucket, root string, level int) []byte {
	t.Helper()
	viv, _ := layout.For(layout.Viv)
	arr, err := zarr.Open(context.Background(), viv.OpenDescriptor(zarr.Descriptor{Bucket: bucket}, root, level))
	require.NoError(t, err)
	defer arr.Close()
	data, err := arr.ReadFull(context.Background())
	require.NoError(t, err)
	return data
}

func repeatRow(row []byte, n int) []byte {
	var out []byte
	for range n {
		out = append(out, row...)
	}
	return out
}

func TestPlate_ComposeTiles(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	p := newPipeline(t, layout.Viv, 4)
	writeWells(t, p, bucket)

	plate, err := p.NewPlate(ctx, pipeline.PlateRequest{Wells: bucket, Name: "plate", Output: zarr.Descriptor{Bucket: bucket}, ChunkSize: 4})
	require.NoError(t, err)
	defer plate.Close()

	require.ErrorIs(t, plate.Tile(ctx, 0, 0, 0, 0), failure.ErrConfig, "no well map yet")
	require.NoError(t, plate.SetWellMap(ctx, map[grid.Coord]string{{X: 0}: "A1", {X: 1}: "A2"}))
	require.Equal(t, 2, plate.Levels())
	cols, rows, err := plate.TileGrid(0)
	require.NoError(t, err)
	assert.Equal(t, [2]int{4, 2}, [2]int{cols, rows})

	for _, key := range []string{"plate.zarr/METADATA.ome.xml", "plate.zarr/data.zarr/0/.zattrs", "plate.zarr/data.zarr/0/1/.zarray"} {
		assert.True(t, exists(t, bucket, key), key)
	}

	// Tile (1, 1) of level 0 is the lower 4x2 corner of A1's right half.
	require.NoError(t, plate.Tile(ctx, 0, 0, 1, 1))
	got := readLevel(t, bucket, "plate.zarr/data.zarr/0", 0)
	want := make([]byte, 6*16)
	for y := 4; y < 6; y++ {
		for x := 4; x < 8; x++ {
			want[y*16+x] = 1
		}
	}
	assert.Equal(t, want, got)

	require.ErrorIs(t, plate.Tile(ctx, 2, 0, 0, 0), failure.ErrConfig)
	require.ErrorIs(t, plate.Tile(ctx, 0, 1, 0, 0), failure.ErrConfig)
	require.ErrorIs(t, plate.Tile(ctx, 0, 0, 0, 4), failure.ErrConfig)
	require.ErrorIs(t, plate.Tile(ctx, 0, 0, 2, 0), failure.ErrConfig)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, plate.Tile(ctx, 1, 0, 0, 1))
		}()
	}
	wg.Wait()

	require.NoError(t, plate.ComposeAll(ctx))
	row := append(repeatRow([]byte{1}, 8), repeatRow([]byte{2}, 8)...)
	assert.Equal(t, repeatRow(row, 6), readLevel(t, bucket, "plate.zarr/data.zarr/0", 0))
	row = append(repeatRow([]byte{1}, 4), repeatRow([]byte{2}, 4)...)
	assert.Equal(t, repeatRow(row, 3), readLevel(t, bucket, "plate.zarr/data.zarr/0", 1))

	require.NoError(t, plate.Reset(ctx))
	assert.False(t, exists(t, bucket, "plate.zarr/data.zarr/0/0/.zarray"))
	require.ErrorIs(t, plate.Tile(ctx, 0, 0, 0, 0), failure.ErrConfig)
}

func TestPlate_GapsAndMissingWells(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	p := newPipeline(t, layout.Viv, 4)
	writeWells(t, p, bucket)

	plate, err := p.NewPlate(ctx, pipeline.PlateRequest{Wells: bucket, Name: "diag", Output: zarr.Descriptor{Bucket: bucket}})
	require.NoError(t, err)
	defer plate.Close()

	// A single default-sized tile covers the whole 16x12 diagonal plate.
	require.NoError(t, plate.SetWellMap(ctx, map[grid.Coord]string{{}: "A1", {X: 1, Y: 1}: "A2"}))
	require.NoError(t, plate.ComposeAll(ctx))
	got := readLevel(t, bucket, "diag.zarr/data.zarr/0", 0)
	require.Len(t, got, 12*16)
	assert.Equal(t, byte(1), got[0])
	assert.Equal(t, byte(0), got[8], "no well at column 1, row 0")
	assert.Equal(t, byte(0), got[6*16], "no well at column 0, row 1")
	assert.Equal(t, byte(2), got[11*16+15])

	require.NoError(t, plate.SetWellMap(ctx, map[grid.Coord]string{{}: "A1", {X: 1}: "B7"}))
	err = plate.ComposeAll(ctx)
	require.ErrorIs(t, err, failure.ErrPartialFailure)

	_, err = p.NewPlate(ctx, pipeline.PlateRequest{Name: "x", Output: zarr.Descriptor{Bucket: bucket}})
	require.ErrorIs(t, err, failure.ErrConfig)
	require.ErrorIs(t, plate.SetWellMap(ctx, nil), failure.ErrDiscovery)
	require.ErrorIs(t, plate.SetWellMap(ctx, map[grid.Coord]string{{X: -1}: "A1"}), failure.ErrConfig)
	require.ErrorIs(t, plate.SetWellMap(ctx, map[grid.Coord]string{{}: "B7"}), failure.ErrTileRead)

	pc := newPipeline(t, layout.PCNG, 4)
	_, err = pc.NewPlate(ctx, pipeline.PlateRequest{Wells: bucket, Name: "x", Output: zarr.Descriptor{Bucket: bucket}})
	require.ErrorIs(t, err, failure.ErrConfig)
}
