package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"path"
	"slices"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/TuSKan/zarr-pyramid/failure"
)

const lockStripes = 256

// Array is an open chunked array. Region reads and writes are safe for
// concurrent use. Concurrent writes to disjoint regions that share a chunk
// are serialized per chunk so no update is lost, and cache fills take the
// same lock so a read never caches bytes older than a finished write.
type Array struct {
	bucket     *blob.Bucket
	ownsBucket bool
	location   string

	driver Driver
	prefix string
	meta   *Metadata
	shape  []int
	chunks []int
	dtype  DType
	fill   []byte
	codec  codec

	ioSem     *semaphore.Weighted
	copyLimit int
	cache     *lru.Cache[string, []byte]
	locks     [lockStripes]sync.Mutex
}

func openBucket(ctx context.Context, desc Descriptor) (*blob.Bucket, bool, error) {
	if desc.Bucket != nil {
		return desc.Bucket, false, nil
	}
	if desc.URL == "" {
		return nil, false, fmt.Errorf("descriptor has neither a bucket nor a URL")
	}
	bucket, err := blob.OpenBucket(ctx, desc.URL)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open bucket: %w", err)
	}
	return bucket, true, nil
}

// Create writes the metadata of a new array described by desc and returns a
// handle to it. Any failure is reported as a *failure.StoreOpenError.
func Create(ctx context.Context, desc Descriptor) (*Array, error) {
	a, err := create(ctx, desc)
	return a, failure.StoreOpen(desc.Location(), err)
}

func create(ctx context.Context, desc Descriptor) (*Array, error) {
	if err := desc.validateCreate(); err != nil {
		return nil, err
	}
	cdc, err := newCodec(desc.Compressor)
	if err != nil {
		return nil, err
	}
	if desc.Driver == DriverPrecomputed && desc.Compressor != nil {
		return nil, fmt.Errorf("precomputed raw encoding takes no compressor")
	}
	fill, err := fillBytes(desc.FillValue, desc.DType)
	if err != nil {
		return nil, err
	}

	bucket, owned, err := openBucket(ctx, desc)
	if err != nil {
		return nil, err
	}
	closeOnErr := func(err error) (*Array, error) {
		if owned {
			bucket.Close()
		}
		return nil, err
	}

	prefix := desc.Path
	if desc.Driver == DriverPrecomputed {
		prefix = path.Join(desc.Path, desc.Precomputed.Key)
	}

	if desc.DeleteExisting {
		target := prefix
		if desc.Driver == DriverPrecomputed && desc.Precomputed.Base {
			target = desc.Path
		}
		if err := deletePrefix(ctx, bucket, target); err != nil {
			return closeOnErr(err)
		}
	}

	meta := &Metadata{
		ZarrFormat:         2,
		Shape:              slices.Clone(desc.Shape),
		Chunks:             slices.Clone(desc.Chunks),
		DType:              desc.DType.String(),
		Compressor:         desc.Compressor,
		FillValue:          desc.FillValue,
		Order:              "C",
		DimensionSeparator: desc.DimensionSeparator,
	}
	switch desc.Driver {
	case DriverZarr:
		if meta.FillValue == nil {
			meta.FillValue = 0
		}
		data, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return closeOnErr(err)
		}
		opts := &blob.WriterOptions{ContentType: "application/json"}
		if err := bucket.WriteAll(ctx, path.Join(desc.Path, ".zarray"), data, opts); err != nil {
			return closeOnErr(fmt.Errorf("failed to write .zarray: %w", err))
		}
	case DriverPrecomputed:
		meta.Order = "F"
		if err := createPrecomputed(ctx, bucket, desc); err != nil {
			return closeOnErr(err)
		}
	}

	return newArray(desc, bucket, owned, prefix, meta, desc.DType, fill, cdc)
}

// Open returns a handle to an existing array. For the precomputed driver the
// scale is selected by desc.Precomputed.Key, or the first scale if unset.
func Open(ctx context.Context, desc Descriptor) (*Array, error) {
	a, err := open(ctx, desc)
	return a, failure.StoreOpen(desc.Location(), err)
}

func open(ctx context.Context, desc Descriptor) (*Array, error) {
	bucket, owned, err := openBucket(ctx, desc)
	if err != nil {
		return nil, err
	}
	closeOnErr := func(err error) (*Array, error) {
		if owned {
			bucket.Close()
		}
		return nil, err
	}

	switch desc.Driver {
	case DriverZarr:
		reader, err := bucket.NewReader(ctx, path.Join(desc.Path, ".zarray"), nil)
		if err != nil {
			return closeOnErr(fmt.Errorf("failed to open .zarray: %w", err))
		}
		defer reader.Close()
		meta, err := LoadMetadata(reader)
		if err != nil {
			return closeOnErr(fmt.Errorf("failed to load metadata: %w", err))
		}
		dt, err := ParseDType(meta.DType)
		if err != nil {
			return closeOnErr(fmt.Errorf("invalid dtype: %w", err))
		}
		cdc, err := newCodec(meta.Compressor)
		if err != nil {
			return closeOnErr(err)
		}
		fill, err := fillBytes(meta.FillValue, dt)
		if err != nil {
			return closeOnErr(err)
		}
		return newArray(desc, bucket, owned, desc.Path, meta, dt, fill, cdc)

	case DriverPrecomputed:
		vol, err := readInfo(ctx, bucket, desc.Path)
		if err != nil {
			return closeOnErr(fmt.Errorf("failed to read info: %w", err))
		}
		if err := vol.validate(); err != nil {
			return closeOnErr(err)
		}
		key := ""
		if desc.Precomputed != nil {
			key = desc.Precomputed.Key
		}
		scale, err := vol.scale(key)
		if err != nil {
			return closeOnErr(err)
		}
		dt, err := DTypeFromName(vol.DataType)
		if err != nil {
			return closeOnErr(err)
		}
		cs := scale.ChunkSizes[0]
		meta := &Metadata{
			Shape:  []int{scale.Size[0], scale.Size[1], scale.Size[2], vol.NumChannels},
			Chunks: []int{cs[0], cs[1], cs[2], vol.NumChannels},
			DType:  dt.String(),
			Order:  "F",
		}
		prefix := path.Join(desc.Path, scale.Key)
		return newArray(desc, bucket, owned, prefix, meta, dt, make([]byte, dt.Size), rawCodec{})

	default:
		return closeOnErr(fmt.Errorf("unknown driver %q", desc.Driver))
	}
}

func newArray(desc Descriptor, bucket *blob.Bucket, owned bool, prefix string, meta *Metadata, dt DType, fill []byte, cdc codec) (*Array, error) {
	c := desc.context()
	a := &Array{
		bucket:     bucket,
		ownsBucket: owned,
		location:   desc.Location(),
		driver:     desc.Driver,
		prefix:     prefix,
		meta:       meta,
		shape:      meta.Shape,
		chunks:     meta.Chunks,
		dtype:      dt,
		fill:       fill,
		codec:      cdc,
		ioSem:      semaphore.NewWeighted(int64(c.FileIOConcurrency)),
		copyLimit:  c.DataCopyConcurrency,
	}
	if c.CacheChunks > 0 {
		cache, err := lru.New[string, []byte](c.CacheChunks)
		if err != nil {
			if owned {
				bucket.Close()
			}
			return nil, err
		}
		a.cache = cache
	}
	return a, nil
}

func deletePrefix(ctx context.Context, bucket *blob.Bucket, prefix string) error {
	opts := &blob.ListOptions{}
	if prefix != "" {
		opts.Prefix = strings.TrimSuffix(prefix, "/") + "/"
	}
	iter := bucket.List(opts)
	for {
		obj, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to list %q: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		if err := bucket.Delete(ctx, obj.Key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("failed to delete %s: %w", obj.Key, err)
		}
	}
}

// Shape returns the array extents.
func (a *Array) Shape() []int { return slices.Clone(a.shape) }

// Chunks returns the chunk extents.
func (a *Array) Chunks() []int { return slices.Clone(a.chunks) }

// DType returns the sample type.
func (a *Array) DType() DType { return a.dtype }

// Driver returns the store format of the array.
func (a *Array) Driver() Driver { return a.driver }

// Location returns the address the array was opened from.
func (a *Array) Location() string { return a.location }

// Metadata returns a copy of the array metadata. Precomputed arrays report a
// synthesized document with order "F".
func (a *Array) Metadata() *Metadata {
	m := *a.meta
	m.Shape = slices.Clone(a.meta.Shape)
	m.Chunks = slices.Clone(a.meta.Chunks)
	return &m
}

func (a *Array) chunkPath(coords []int) string {
	if a.driver == DriverPrecomputed {
		return path.Join(a.prefix, precomputedKey(coords, a.chunks, a.shape))
	}
	return path.Join(a.prefix, ChunkKey(coords, a.meta.separator()))
}

// chunkExtent is the stored extent of a chunk. Precomputed edge chunks are
// truncated to the volume; zarr chunks always have the full chunk shape.
func (a *Array) chunkExtent(coords []int) []int {
	ext := slices.Clone(a.chunks)
	if a.driver == DriverPrecomputed {
		for i := range ext {
			ext[i] = min(ext[i], a.shape[i]-coords[i]*a.chunks[i])
		}
	}
	return ext
}

func (a *Array) chunkStrides(extent []int) []int {
	if a.driver == DriverPrecomputed {
		return fortranStrides(extent)
	}
	return strides(extent)
}

func (a *Array) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &a.locks[h.Sum32()%lockStripes]
}

// loadChunk returns the decoded chunk, shared with the cache. Callers must
// not modify it. A miss is filled under the chunk lock so a concurrent write
// cannot be overtaken by the older bytes it replaced.
func (a *Array) loadChunk(ctx context.Context, coords []int) ([]byte, error) {
	key := a.chunkPath(coords)
	if a.cache == nil {
		return a.fetchChunk(ctx, key, coords)
	}
	if data, ok := a.cache.Get(key); ok {
		return data, nil
	}
	mu := a.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	if data, ok := a.cache.Get(key); ok {
		return data, nil
	}
	data, err := a.fetchChunk(ctx, key, coords)
	if err != nil {
		return nil, err
	}
	a.cache.Add(key, data)
	return data, nil
}

// fetchChunk reads and decodes a chunk from the bucket, bypassing the cache.
func (a *Array) fetchChunk(ctx context.Context, key string, coords []int) ([]byte, error) {
	extent := a.chunkExtent(coords)
	want := product(extent) * a.dtype.Size

	if err := a.ioSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	stored, err := a.bucket.ReadAll(ctx, key)
	a.ioSem.Release(1)

	switch {
	case err == nil:
		data, err := a.codec.decode(stored)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress chunk %s: %w", key, err)
		}
		if len(data) != want {
			return nil, fmt.Errorf("chunk %s has %d bytes, expected %d", key, len(data), want)
		}
		return data, nil
	case gcerrors.Code(err) == gcerrors.NotFound:
		data := make([]byte, want)
		fillElements(data, a.fill)
		return data, nil
	default:
		return nil, fmt.Errorf("failed to read chunk %s: %w", key, err)
	}
}

// storeChunk encodes and writes a chunk; the caller holds the chunk lock.
// Merged chunks stay cached since they were just read. A chunk written whole
// only evicts its stale entry: bulk writers rarely read back what they wrote.
func (a *Array) storeChunk(ctx context.Context, coords []int, data []byte, merged bool) error {
	key := a.chunkPath(coords)
	stored, err := a.codec.encode(data)
	if err != nil {
		return fmt.Errorf("failed to compress chunk %s: %w", key, err)
	}
	if err := a.ioSem.Acquire(ctx, 1); err != nil {
		return err
	}
	err = a.bucket.WriteAll(ctx, key, stored, nil)
	a.ioSem.Release(1)
	if err != nil {
		if a.cache != nil {
			a.cache.Remove(key)
		}
		return fmt.Errorf("failed to write chunk %s: %w", key, err)
	}
	if a.cache != nil {
		if merged {
			a.cache.Add(key, data)
		} else {
			a.cache.Remove(key)
		}
	}
	return nil
}

// ReadChunk reads a single chunk given its grid coordinates. A missing chunk
// reads as the fill value. The layout is the stored one: C order for zarr,
// F order over the truncated extent for precomputed.
func (a *Array) ReadChunk(ctx context.Context, coords []int) ([]byte, error) {
	if len(coords) != len(a.shape) {
		return nil, fmt.Errorf("chunk coordinates %v do not match rank %d", coords, len(a.shape))
	}
	grid := GridShape(a.shape, a.chunks)
	for i, c := range coords {
		if c < 0 || c >= grid[i] {
			return nil, fmt.Errorf("chunk coordinates %v outside grid %v", coords, grid)
		}
	}
	data, err := a.loadChunk(ctx, coords)
	if err != nil {
		return nil, err
	}
	return slices.Clone(data), nil
}

func (a *Array) checkRegion(start, shape []int) error {
	if len(start) != len(a.shape) || len(shape) != len(a.shape) {
		return fmt.Errorf("start and shape must match array dimensionality")
	}
	for i := range a.shape {
		if start[i] < 0 || shape[i] <= 0 || start[i]+shape[i] > a.shape[i] {
			return fmt.Errorf("region out of bounds at dimension %d: start %v shape %v array %v", i, start, shape, a.shape)
		}
	}
	return nil
}

// chunkSpan returns the inclusive-exclusive chunk grid range covering a region.
func (a *Array) chunkSpan(start, shape []int) (lo, hi []int) {
	lo = make([]int, len(start))
	hi = make([]int, len(start))
	for i := range start {
		lo[i] = start[i] / a.chunks[i]
		hi[i] = (start[i]+shape[i]-1)/a.chunks[i] + 1
	}
	return lo, hi
}

// overlap intersects chunk coords with the region, returning the copy shape
// and the offsets of the intersection inside the chunk and inside the region.
func (a *Array) overlap(coords, start, shape []int) (copyShape, inChunk, inRegion []int) {
	n := len(a.shape)
	copyShape = make([]int, n)
	inChunk = make([]int, n)
	inRegion = make([]int, n)
	for i := 0; i < n; i++ {
		chunkStart := coords[i] * a.chunks[i]
		chunkEnd := min(chunkStart+a.chunks[i], a.shape[i])
		lo := max(chunkStart, start[i])
		hi := min(chunkEnd, start[i]+shape[i])
		copyShape[i] = hi - lo
		inChunk[i] = lo - chunkStart
		inRegion[i] = lo - start[i]
	}
	return copyShape, inChunk, inRegion
}

// forEachChunk runs fn for every chunk overlapping the region, at most
// copyLimit at a time.
func (a *Array) forEachChunk(ctx context.Context, start, shape []int, fn func(ctx context.Context, coords []int) error) error {
	lo, hi := a.chunkSpan(start, shape)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.copyLimit)
	err := IterateSubGrid(lo, hi, func(idx []int) error {
		coords := slices.Clone(idx)
		g.Go(func() error { return fn(gctx, coords) })
		return gctx.Err()
	})
	if werr := g.Wait(); werr != nil {
		return werr
	}
	return err
}

// ReadRegion reads an N-dimensional region as a C-order little-endian buffer.
func (a *Array) ReadRegion(ctx context.Context, start, shape []int) ([]byte, error) {
	if len(a.shape) == 0 {
		return a.ReadChunk(ctx, []int{})
	}
	if err := a.checkRegion(start, shape); err != nil {
		return nil, err
	}

	size := a.dtype.Size
	out := make([]byte, product(shape)*size)
	dstStrides := strides(shape)

	err := a.forEachChunk(ctx, start, shape, func(ctx context.Context, coords []int) error {
		chunkData, err := a.loadChunk(ctx, coords)
		if err != nil {
			return err
		}
		copyShape, inChunk, inRegion := a.overlap(coords, start, shape)
		copyND(out, dstStrides, inRegion, chunkData, a.chunkStrides(a.chunkExtent(coords)), inChunk, copyShape, size)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadFull reads the entire array.
func (a *Array) ReadFull(ctx context.Context) ([]byte, error) {
	return a.ReadRegion(ctx, make([]int, len(a.shape)), a.Shape())
}

// WriteRegion writes a C-order little-endian buffer into the region. Chunks
// only partly covered by the region are read, merged and rewritten under a
// per-chunk lock.
func (a *Array) WriteRegion(ctx context.Context, start, shape []int, data []byte) error {
	if err := a.checkRegion(start, shape); err != nil {
		return err
	}
	size := a.dtype.Size
	if want := product(shape) * size; len(data) != want {
		return fmt.Errorf("region %v needs %d bytes, got %d", shape, want, len(data))
	}
	srcStrides := strides(shape)

	return a.forEachChunk(ctx, start, shape, func(ctx context.Context, coords []int) error {
		copyShape, inChunk, inRegion := a.overlap(coords, start, shape)
		extent := a.chunkExtent(coords)

		key := a.chunkPath(coords)
		mu := a.lockFor(key)
		mu.Lock()
		defer mu.Unlock()

		var buf []byte
		merged := !slices.Equal(copyShape, extent)
		if !merged {
			buf = make([]byte, product(extent)*size)
		} else {
			var current []byte
			var ok bool
			if a.cache != nil {
				current, ok = a.cache.Get(key)
			}
			if !ok {
				var err error
				if current, err = a.fetchChunk(ctx, key, coords); err != nil {
					return err
				}
			}
			buf = slices.Clone(current)
		}
		copyND(buf, a.chunkStrides(extent), inChunk, data, srcStrides, inRegion, copyShape, size)
		return a.storeChunk(ctx, coords, buf, merged)
	})
}

// Close releases the bucket if the array opened it.
func (a *Array) Close() error {
	if a.ownsBucket {
		return a.bucket.Close()
	}
	return nil
}
