package metadata_test

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/grid"
	"github.com/TuSKan/zarr-pyramid/layout"
	"github.com/TuSKan/zarr-pyramid/metadata"
)

var info = grid.ImageInfo{FullHeight: 300, FullWidth: 400, TileHeight: 100, TileWidth: 100, Channels: 2, DType: zarr.Uint16}

func TestWrite_NGZarr(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	l, _ := layout.For(layout.NGZarr)
	require.NoError(t, metadata.NewWriter(bucket, nil).Write(ctx, l, "img", info, 3))

	data, err := bucket.ReadAll(ctx, "img.zarr/.zattrs")
	require.NoError(t, err)
	var attrs metadata.Attrs
	require.NoError(t, json.Unmarshal(data, &attrs))
	require.Len(t, attrs.Multiscales, 1)
	ms := attrs.Multiscales[0]
	assert.Equal(t, "0.4", ms.Version)
	assert.Equal(t, "img", ms.Name)
	assert.Equal(t, map[string]string{"method": "mean"}, ms.Metadata)
	require.Len(t, ms.Axes, 4)
	assert.Equal(t, metadata.Axis{Name: "c", Type: "channel"}, ms.Axes[0])
	assert.Equal(t, metadata.Axis{Name: "x", Type: "space", Unit: "micrometer"}, ms.Axes[3])
	require.Len(t, ms.Datasets, 3)
	assert.Equal(t, "2", ms.Datasets[2].Path)
	assert.Equal(t, []metadata.Transform{{Type: "scale", Scale: []float64{1, 1, 4, 4}}}, ms.Datasets[2].CoordinateTransformations)

	group, err := bucket.ReadAll(ctx, "img.zarr/.zgroup")
	require.NoError(t, err)
	assert.JSONEq(t, `{"zarr_format": 2}`, string(group))

	exists, err := bucket.Exists(ctx, "img.zarr/METADATA.ome.xml")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWrite_Viv(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	l, _ := layout.For(layout.Viv)
	require.NoError(t, metadata.NewWriter(bucket, nil).Write(ctx, l, "img", info, 2))

	data, err := bucket.ReadAll(ctx, "img.zarr/data.zarr/0/.zattrs")
	require.NoError(t, err)
	assert.JSONEq(t, `{"multiscales":[{"version":"0.1","name":"img","datasets":[{"path":"0"},{"path":"1"}],"metadata":{"method":"mean"}}]}`, string(data))

	for _, key := range []string{"img.zarr/data.zarr/.zgroup", "img.zarr/data.zarr/0/.zgroup"} {
		exists, err := bucket.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, exists, key)
	}

	raw, err := bucket.ReadAll(ctx, "img.zarr/METADATA.ome.xml")
	require.NoError(t, err)
	doc := string(raw)
	assert.True(t, strings.HasPrefix(doc, "<?xml"))
	assert.Contains(t, doc, `xmlns="http://www.openmicroscopy.org/Schemas/OME/2016-06"`)
	assert.Contains(t, doc, `xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"`)
	assert.Contains(t, doc, `xsi:schemaLocation="http://www.openmicroscopy.org/Schemas/OME/2016-06 http://www.openmicroscopy.org/Schemas/OME/2016-06/ome.xsd"`)

	var parsed struct {
		UUID  string `xml:"UUID,attr"`
		Image struct {
			Name   string `xml:"Name,attr"`
			Pixels struct {
				DimensionOrder string `xml:"DimensionOrder,attr"`
				SizeX          int    `xml:"SizeX,attr"`
				SizeY          int    `xml:"SizeY,attr"`
				SizeC          int    `xml:"SizeC,attr"`
				SizeZ          int    `xml:"SizeZ,attr"`
				SizeT          int    `xml:"SizeT,attr"`
				Type           string `xml:"Type,attr"`
				Channels       []struct {
					ID string `xml:"ID,attr"`
				} `xml:"Channel"`
			} `xml:"Pixels"`
		} `xml:"Image"`
	}
	require.NoError(t, xml.Unmarshal(raw, &parsed))
	px := parsed.Image.Pixels
	assert.Equal(t, "img", parsed.Image.Name)
	assert.Equal(t, "XYZCT", px.DimensionOrder)
	assert.Equal(t, [5]int{400, 300, 2, 1, 1}, [5]int{px.SizeX, px.SizeY, px.SizeC, px.SizeZ, px.SizeT})
	assert.Equal(t, "uint16", px.Type)
	require.Len(t, px.Channels, 2)
	assert.Equal(t, "Channel:0:1", px.Channels[1].ID)

	require.True(t, strings.HasPrefix(parsed.UUID, "urn:uuid:"))
	_, err = uuid.Parse(strings.TrimPrefix(parsed.UUID, "urn:uuid:"))
	require.NoError(t, err)
}

func TestWrite_PCNGWritesNothing(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	l, _ := layout.For(layout.PCNG)
	require.NoError(t, metadata.NewWriter(bucket, nil).Write(ctx, l, "img", info, 2))
	iter := bucket.List(nil)
	_, err := iter.Next(ctx)
	require.Error(t, err, "bucket stays empty")
}

func TestPixelTypeAndFreshUUIDs(t *testing.T) {
	assert.Equal(t, "uint8", metadata.PixelType(zarr.Uint8))
	assert.Equal(t, "int16", metadata.PixelType(zarr.Int16))
	assert.Equal(t, "float", metadata.PixelType(zarr.Float32))
	assert.Equal(t, "double", metadata.PixelType(zarr.Float64))

	a, b := metadata.NewOME("x", info), metadata.NewOME("x", info)
	assert.NotEqual(t, a.UUID, b.UUID)
}

func TestWriteVolumeAndReadAttrs(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	l, _ := layout.For(layout.Viv)
	w := metadata.NewWriter(bucket, nil)
	require.NoError(t, w.WriteVolume(ctx, l, "vol", []int{3, 2, 5, 60, 80}, zarr.Float32, 2))

	raw, err := bucket.ReadAll(ctx, "vol.zarr/METADATA.ome.xml")
	require.NoError(t, err)
	var doc metadata.OME
	require.NoError(t, xml.Unmarshal(raw, &doc))
	px := doc.Image.Pixels
	assert.Equal(t, [5]int{80, 60, 2, 5, 3}, [5]int{px.SizeX, px.SizeY, px.SizeC, px.SizeZ, px.SizeT})
	assert.Equal(t, "float", px.Type)

	attrs, err := metadata.ReadAttrs(ctx, bucket, l.ArrayRoot("vol"))
	require.NoError(t, err)
	require.Len(t, attrs.Multiscales[0].Datasets, 2)
	assert.Equal(t, "1", attrs.Multiscales[0].Datasets[1].Path)

	_, err = metadata.ReadAttrs(ctx, bucket, "missing")
	require.Error(t, err)
	require.NoError(t, bucket.WriteAll(ctx, "empty/.zattrs", []byte(`{"multiscales":[]}`), nil))
	_, err = metadata.ReadAttrs(ctx, bucket, "empty")
	require.Error(t, err)
}
