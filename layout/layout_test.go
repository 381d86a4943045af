package layout_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/failure"
	"github.com/TuSKan/zarr-pyramid/layout"
)

func TestParseVariant(t *testing.T) {
	for in, want := range map[string]layout.Variant{
		"Viv": layout.Viv, "viv": layout.Viv,
		"NG_Zarr": layout.NGZarr, "ngzarr": layout.NGZarr,
		"PCNG": layout.PCNG, "pcng": layout.PCNG,
	} {
		got, err := layout.ParseVariant(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := layout.ParseVariant("tiff")
	require.ErrorIs(t, err, failure.ErrConfig)

	var v layout.Variant
	require.NoError(t, v.UnmarshalText([]byte("NG_Zarr")))
	require.Equal(t, layout.NGZarr, v)
	text, err := layout.PCNG.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "PCNG", string(text))
}

func TestLayoutTable(t *testing.T) {
	viv, err := layout.For(layout.Viv)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 1, 300, 400}, viv.Shape(400, 300, 2))
	require.Equal(t, []int{1, 1, 1, 100, 100}, viv.ChunkShape(100, 100, 2))

	ng, err := layout.For(layout.NGZarr)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 200, 200}, ng.Shape(200, 200, 1))
	start, shape := ng.Region(100, 0, 100, 100, 0)
	require.Equal(t, []int{0, 0, 0, 100}, start)
	require.Equal(t, []int{1, 1, 100, 100}, shape)

	pc, err := layout.For(layout.PCNG)
	require.NoError(t, err)
	require.Equal(t, 4, pc.NumAxes)
	require.Equal(t, []int{400, 300, 1, 3}, pc.Shape(400, 300, 3))
	require.Equal(t, []int{100, 100, 1, 3}, pc.ChunkShape(100, 100, 3))
	start, shape = pc.Region(100, 50, 10, 20, 2)
	require.Equal(t, []int{100, 50, 0, 2}, start)
	require.Equal(t, []int{10, 20, 1, 1}, shape)
	require.Equal(t, 400, pc.Width([]int{400, 300, 1, 3}))
	require.Equal(t, 300, pc.Height([]int{400, 300, 1, 3}))
	require.Equal(t, 3, pc.Channels([]int{400, 300, 1, 3}))

	ti, ok := viv.Axis("t")
	require.True(t, ok)
	require.Equal(t, 0, ti)
	_, ok = ng.Axis("t")
	require.False(t, ok)
}

func TestValidateRejectsInconsistentAxes(t *testing.T) {
	// Channel axis 3 with only three axes declared.
	bad := layout.Layout{Variant: layout.PCNG, X: 0, Y: 1, Z: 2, C: 3, NumAxes: 3, Axes: []string{"x", "y", "z"}, Driver: zarr.DriverPrecomputed}
	require.ErrorIs(t, bad.Validate(), failure.ErrConfig)

	dup := layout.Layout{X: 1, Y: 1, Z: 2, C: 0, NumAxes: 4, Axes: []string{"c", "z", "y", "x"}}
	require.ErrorIs(t, dup.Validate(), failure.ErrConfig)
}

func TestArrangeTransposes(t *testing.T) {
	// 2 rows x 3 columns, one byte per sample.
	block := []byte{1, 2, 3, 4, 5, 6}

	ng, _ := layout.For(layout.NGZarr)
	require.Equal(t, block, ng.Arrange(block, 3, 2, 1))

	pc, _ := layout.For(layout.PCNG)
	arranged := pc.Arrange(block, 3, 2, 1)
	require.Equal(t, []byte{1, 4, 2, 5, 3, 6}, arranged)
	require.Equal(t, block, pc.Unarrange(arranged, 3, 2, 1))

	wide := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	require.Equal(t, []byte{1, 0, 3, 0, 2, 0, 4, 0}, pc.Arrange(wide, 2, 2, 2))
}

func TestPathsAndDescriptors(t *testing.T) {
	viv, _ := layout.For(layout.Viv)
	ng, _ := layout.For(layout.NGZarr)
	pc, _ := layout.For(layout.PCNG)
	require.Equal(t, "img.zarr/data.zarr/0", viv.ArrayRoot("img"))
	require.Equal(t, "img.zarr", ng.ArrayRoot("img"))
	require.Equal(t, "img", pc.ArrayRoot("img"))

	tmpl := zarr.Descriptor{URL: "mem://", Compressor: &zarr.CompressorConfig{ID: "zstd"}, DeleteExisting: true}
	d := ng.LevelDescriptor(tmpl, "img.zarr", 2, []int{1, 1, 50, 50}, []int{1, 1, 50, 50}, zarr.Uint16)
	require.Equal(t, zarr.DriverZarr, d.Driver)
	require.Equal(t, "img.zarr/2", d.Path)
	require.NotNil(t, d.Compressor)
	require.True(t, d.DeleteExisting)
	require.Nil(t, d.Precomputed)

	d = pc.LevelDescriptor(tmpl, "img", 2, []int{50, 50, 1, 3}, []int{50, 50, 1, 3}, zarr.Uint16)
	require.Equal(t, zarr.DriverPrecomputed, d.Driver)
	require.Equal(t, "img", d.Path)
	require.Nil(t, d.Compressor)
	require.Equal(t, "2", d.Precomputed.Key)
	require.Equal(t, [3]float64{4, 4, 1}, d.Precomputed.Resolution)
	require.Equal(t, 3, d.Precomputed.NumChannels)
	require.False(t, d.Precomputed.Base)
	require.True(t, pc.LevelDescriptor(tmpl, "img", 0, []int{1, 1, 1, 1}, []int{1, 1, 1, 1}, zarr.Uint8).Precomputed.Base)

	o := pc.OpenDescriptor(tmpl, "img", 1)
	require.Equal(t, "1", o.Precomputed.Key)
	o = viv.OpenDescriptor(tmpl, "img.zarr/data.zarr/0", 1)
	require.Equal(t, "img.zarr/data.zarr/0/1", o.Path)
}
