package zarr

import (
	"fmt"

	"gocloud.dev/blob"
)

// Driver selects the on-store format of an array.
type Driver string

const (
	DriverZarr        Driver = "zarr"
	DriverPrecomputed Driver = "neuroglancer_precomputed"
)

// Context bounds the resources an array handle may use.
type Context struct {
	// CacheChunks is the number of decoded chunks kept in memory. Zero uses
	// the default and a negative value disables caching.
	CacheChunks int
	// DataCopyConcurrency bounds the chunks processed in parallel by one region call.
	DataCopyConcurrency int
	// FileIOConcurrency bounds the bucket operations in flight across the handle.
	FileIOConcurrency int
}

// DefaultContext is used for zero fields of Descriptor.Context.
var DefaultContext = Context{
	CacheChunks:         32,
	DataCopyConcurrency: 8,
	FileIOConcurrency:   32,
}

// PrecomputedScale carries the neuroglancer-precomputed scale metadata of an array.
type PrecomputedScale struct {
	Key         string
	Resolution  [3]float64
	VoxelOffset [3]int
	NumChannels int
	// VolumeType is "image" unless set.
	VolumeType string
	// Encoding is "raw" unless set; no other encoding is supported.
	Encoding string
	// Base starts a new info document holding only this scale. Otherwise the
	// scale is added to, or replaces its namesake in, the existing document.
	Base bool
}

// Descriptor is a declarative description of an array: where it lives, how much
// concurrency and caching its handle may use and, for Create, its geometry.
type Descriptor struct {
	Driver Driver
	// URL is a gocloud bucket URL, e.g. file:///data or gs://bucket.
	URL string
	// Bucket, when set, is used instead of opening URL. It is not closed by Array.Close.
	Bucket *blob.Bucket
	// Path is the key prefix of the array inside the bucket. For the
	// precomputed driver it is the volume root holding the info file.
	Path    string
	Context Context

	Shape              []int
	Chunks             []int
	DType              DType
	FillValue          any
	Compressor         *CompressorConfig
	DimensionSeparator string
	Precomputed        *PrecomputedScale

	// DeleteExisting removes every object under the array path before creation.
	DeleteExisting bool
}

// Location returns a printable address of the array.
func (d Descriptor) Location() string {
	base := d.URL
	if d.Bucket != nil && base == "" {
		base = "bucket:"
	}
	if d.Path == "" {
		return base
	}
	return base + "#" + d.Path
}

func (d Descriptor) context() Context {
	c := d.Context
	if c.CacheChunks < 0 {
		c.CacheChunks = 0
	} else if c.CacheChunks == 0 {
		c.CacheChunks = DefaultContext.CacheChunks
	}
	if c.DataCopyConcurrency <= 0 {
		c.DataCopyConcurrency = DefaultContext.DataCopyConcurrency
	}
	if c.FileIOConcurrency <= 0 {
		c.FileIOConcurrency = DefaultContext.FileIOConcurrency
	}
	return c
}

func (d Descriptor) validateCreate() error {
	switch d.Driver {
	case DriverZarr, DriverPrecomputed:
	default:
		return fmt.Errorf("unknown driver %q", d.Driver)
	}
	if len(d.Shape) == 0 {
		return fmt.Errorf("shape must not be empty")
	}
	if len(d.Shape) != len(d.Chunks) {
		return fmt.Errorf("shape %v and chunks %v differ in rank", d.Shape, d.Chunks)
	}
	for i := range d.Shape {
		if d.Shape[i] <= 0 || d.Chunks[i] <= 0 {
			return fmt.Errorf("non-positive extent at dimension %d: shape %v chunks %v", i, d.Shape, d.Chunks)
		}
	}
	if err := d.DType.validate(); err != nil {
		return err
	}
	if d.Driver == DriverPrecomputed {
		if d.Precomputed == nil || d.Precomputed.Key == "" {
			return fmt.Errorf("precomputed arrays need a scale key")
		}
		if len(d.Shape) != 4 {
			return fmt.Errorf("precomputed arrays are [x, y, z, channel], got rank %d", len(d.Shape))
		}
		if d.Chunks[3] != d.Shape[3] {
			return fmt.Errorf("precomputed chunks must cover all %d channels, got %d", d.Shape[3], d.Chunks[3])
		}
		if d.Precomputed.NumChannels != 0 && d.Precomputed.NumChannels != d.Shape[3] {
			return fmt.Errorf("num_channels %d does not match shape %v", d.Precomputed.NumChannels, d.Shape)
		}
		if enc := d.Precomputed.Encoding; enc != "" && enc != "raw" {
			return fmt.Errorf("unsupported precomputed encoding %q", enc)
		}
	}
	return nil
}
