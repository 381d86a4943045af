// Package dataset reads one channel plane of a pyramid level back as row
// batches of gomlx tensors.
package dataset

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/layout"
)

// Dataset handles reading a level plane in batches of rows.
type Dataset struct {
	array   *zarr.Array
	owned   bool
	layout  layout.Layout
	channel int
	width   int
	height  int
	// CurrentIndex is the first row of the next batch.
	CurrentIndex int
}

// New creates a Dataset over channel of arr, which is laid out as l.
func New(arr *zarr.Array, l layout.Layout, channel int) (*Dataset, error) {
	shape := arr.Shape()
	if len(shape) != l.NumAxes {
		return nil, fmt.Errorf("array rank %d does not match %v layout", len(shape), l.Variant)
	}
	if channel < 0 || channel >= l.Channels(shape) {
		return nil, fmt.Errorf("channel %d outside [0, %d)", channel, l.Channels(shape))
	}
	if _, err := decoderFor(arr.DType()); err != nil {
		return nil, err
	}
	return &Dataset{
		array:   arr,
		layout:  l,
		channel: channel,
		width:   l.Width(shape),
		height:  l.Height(shape),
	}, nil
}

// Open opens level of the pyramid under root and reads channel from it.
// Close releases the array.
func Open(ctx context.Context, tmpl zarr.Descriptor, l layout.Layout, root string, level, channel int) (*Dataset, error) {
	arr, err := zarr.Open(ctx, l.OpenDescriptor(tmpl, root, level))
	if err != nil {
		return nil, err
	}
	ds, err := New(arr, l, channel)
	if err != nil {
		arr.Close()
		return nil, err
	}
	ds.owned = true
	return ds, nil
}

// Width returns the number of samples per row.
func (d *Dataset) Width() int { return d.width }

// Height returns the number of rows.
func (d *Dataset) Height() int { return d.height }

// Reset rewinds to the first row.
func (d *Dataset) Reset() { d.CurrentIndex = 0 }

// Close releases the array if Open created it.
func (d *Dataset) Close() error {
	if d.owned {
		return d.array.Close()
	}
	return nil
}

// NextBatch reads the next batchSize rows as a [rows, width] tensor of the
// array's sample type. The last batch may be shorter.
// Returns io.EOF if there is no more data.
func (d *Dataset) NextBatch(ctx context.Context, batchSize int) (*tensors.Tensor, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size %d < 1", batchSize)
	}
	if d.CurrentIndex >= d.height {
		return nil, io.EOF
	}
	start := d.CurrentIndex
	end := min(start+batchSize, d.height)
	rows := end - start

	regionStart, regionShape := d.layout.Region(0, start, d.width, rows, d.channel)
	raw, err := d.array.ReadRegion(ctx, regionStart, regionShape)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows [%d, %d): %w", start, end, err)
	}
	dt := d.array.DType()
	raw = d.layout.Unarrange(raw, d.width, rows, dt.Size)

	decode, _ := decoderFor(dt)
	t := decode(raw, rows, d.width)
	d.CurrentIndex = end
	return t, nil
}

type decoder func(raw []byte, dims ...int) *tensors.Tensor

func samples[T any](raw []byte, size int, load func([]byte) T) []T {
	data := make([]T, len(raw)/size)
	for i := range data {
		data[i] = load(raw[i*size:])
	}
	return data
}

var le = binary.LittleEndian

func decoderFor(dt zarr.DType) (decoder, error) {
	switch dt {
	case zarr.Uint8:
		return func(raw []byte, dims ...int) *tensors.Tensor {
			return tensors.FromFlatDataAndDimensions(append([]uint8(nil), raw...), dims...)
		}, nil
	case zarr.Uint16:
		return func(raw []byte, dims ...int) *tensors.Tensor {
			return tensors.FromFlatDataAndDimensions(samples(raw, 2, le.Uint16), dims...)
		}, nil
	case zarr.Uint32:
		return func(raw []byte, dims ...int) *tensors.Tensor {
			return tensors.FromFlatDataAndDimensions(samples(raw, 4, le.Uint32), dims...)
		}, nil
	case zarr.Uint64:
		return func(raw []byte, dims ...int) *tensors.Tensor {
			return tensors.FromFlatDataAndDimensions(samples(raw, 8, le.Uint64), dims...)
		}, nil
	case zarr.Int8:
		return func(raw []byte, dims ...int) *tensors.Tensor {
			return tensors.FromFlatDataAndDimensions(samples(raw, 1, func(b []byte) int8 { return int8(b[0]) }), dims...)
		}, nil
	case zarr.Int16:
		return func(raw []byte, dims ...int) *tensors.Tensor {
			return tensors.FromFlatDataAndDimensions(samples(raw, 2, func(b []byte) int16 { return int16(le.Uint16(b)) }), dims...)
		}, nil
	case zarr.Int32:
		return func(raw []byte, dims ...int) *tensors.Tensor {
			return tensors.FromFlatDataAndDimensions(samples(raw, 4, func(b []byte) int32 { return int32(le.Uint32(b)) }), dims...)
		}, nil
	case zarr.Int64:
		return func(raw []byte, dims ...int) *tensors.Tensor {
			return tensors.FromFlatDataAndDimensions(samples(raw, 8, func(b []byte) int64 { return int64(le.Uint64(b)) }), dims...)
		}, nil
	case zarr.Float32:
		return func(raw []byte, dims ...int) *tensors.Tensor {
			return tensors.FromFlatDataAndDimensions(samples(raw, 4, func(b []byte) float32 { return math.Float32frombits(le.Uint32(b)) }), dims...)
		}, nil
	case zarr.Float64:
		return func(raw []byte, dims ...int) *tensors.Tensor {
			return tensors.FromFlatDataAndDimensions(samples(raw, 8, func(b []byte) float64 { return math.Float64frombits(le.Uint64(b)) }), dims...)
		}, nil
	}
	return nil, fmt.Errorf("unsupported dtype: %s", dt)
}
