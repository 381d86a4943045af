// Package pyramid derives the downsampled levels of a multiscale image from
// its base level, one level at a time.
package pyramid

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"runtime"

	"github.com/dustin/go-humanize"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/failure"
	"github.com/TuSKan/zarr-pyramid/internal/logging"
	"github.com/TuSKan/zarr-pyramid/internal/metrics"
	"github.com/TuSKan/zarr-pyramid/layout"
	"github.com/TuSKan/zarr-pyramid/pool"
)

// LevelDescriptor is the geometry of one pyramid level.
type LevelDescriptor struct {
	Level  int
	Shape  []int
	Chunks []int
	// Scale is the downsampling factor 2^Level relative to the base.
	Scale int
}

func ceilLog2(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// LevelCount returns the number of levels, base included, for a width x
// height base image:
//
//	ceil(log2(max(width, height))) - ceil(log2(minDim)) + 1
//
// clamped to at least one.
func LevelCount(width, height, minDim int) (int, error) {
	if minDim < 1 {
		return 0, failure.Configf("minimum dimension %d < 1", minDim)
	}
	n := ceilLog2(max(width, height)) - ceilLog2(minDim) + 1
	return max(n, 1), nil
}

// Levels returns the descriptors of count levels starting from a base of
// the given shape and chunk shape. Each level halves x and y, rounding up;
// its chunks are the base chunks clamped to its extent.
func Levels(l layout.Layout, base, baseChunks []int, count int) []LevelDescriptor {
	return levelsAlong([]int{l.X, l.Y}, base, baseChunks, count)
}

// VolumeLevels is Levels for volumes, halving z along with x and y.
func VolumeLevels(l layout.Layout, base, baseChunks []int, count int) []LevelDescriptor {
	return levelsAlong([]int{l.X, l.Y, l.Z}, base, baseChunks, count)
}

func levelsAlong(halved, base, baseChunks []int, count int) []LevelDescriptor {
	out := make([]LevelDescriptor, 0, count)
	shape := append([]int(nil), base...)
	for k := 0; k < count; k++ {
		if k > 0 {
			next := append([]int(nil), shape...)
			for _, ax := range halved {
				next[ax] = (shape[ax] + 1) / 2
			}
			shape = next
		}
		chunks := append([]int(nil), baseChunks...)
		for _, ax := range halved {
			chunks[ax] = min(chunks[ax], shape[ax])
		}
		out = append(out, LevelDescriptor{Level: k, Shape: shape, Chunks: chunks, Scale: 1 << k})
	}
	return out
}

// Options configures a Generator.
type Options struct {
	MinDim int
	// Volumetric halves z with x and y, averaging 2x2x2 footprints.
	Volumetric bool
	Reducers ReducerConfig
	Pool     *pool.Pool
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Generator writes levels 1..n-1 of a pyramid.
type Generator struct {
	layout   layout.Layout
	halved   []int
	minDim   int
	reducers ReducerConfig
	pool     *pool.Pool
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// New returns a Generator for arrays laid out as l.
func New(l layout.Layout, opts Options) (*Generator, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if opts.MinDim < 1 {
		return nil, failure.Configf("minimum dimension %d < 1", opts.MinDim)
	}
	g := &Generator{
		layout:   l,
		halved:   []int{l.X, l.Y},
		minDim:   opts.MinDim,
		reducers: opts.Reducers,
		pool:     opts.Pool,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
	if opts.Volumetric {
		if l.Driver == zarr.DriverPrecomputed {
			return nil, failure.Configf("%v: volumetric pyramids need a zarr layout", l.Variant)
		}
		g.halved = append(g.halved, l.Z)
	}
	if g.log == nil {
		g.log = logging.Discard()
	}
	if g.pool == nil {
		g.pool = pool.New(runtime.NumCPU(), pool.WithLogger(g.log))
	}
	return g, nil
}

// Generate derives every level above base, writing level k under root via
// the layout's level descriptor built from tmpl. It returns the descriptors
// of all levels written, base included. Levels are strictly sequential: if
// a level ends in a partial failure, generation stops there and the error
// is a *failure.PartialFailure; earlier levels stay in the store.
func (g *Generator) Generate(ctx context.Context, base *zarr.Array, tmpl zarr.Descriptor, root string) ([]LevelDescriptor, error) {
	l := g.layout
	shape := base.Shape()
	if len(shape) != l.NumAxes {
		return nil, failure.Configf("base array has %d axes, %v layout needs %d", len(shape), l.Variant, l.NumAxes)
	}
	count, err := LevelCount(l.Width(shape), l.Height(shape), g.minDim)
	if err != nil {
		return nil, err
	}
	reducers, err := g.reducers.Resolve(l.Channels(shape))
	if err != nil {
		return nil, err
	}
	dt := base.DType()
	reduce, err := kernelFor(dt)
	if err != nil {
		return nil, err
	}

	levels := levelsAlong(g.halved, shape, base.Chunks(), count)
	g.log.Info("generating pyramid", "levels", count, "min_dim", g.minDim, "volumetric", len(g.halved) == 3,
		"reducers", g.reducers.String())

	src := base
	defer func() {
		if src != base {
			src.Close()
		}
	}()
	for _, lv := range levels[1:] {
		dst, err := zarr.Create(ctx, l.LevelDescriptor(tmpl, root, lv.Level, lv.Shape, lv.Chunks, dt))
		if err != nil {
			return levels[:lv.Level], err
		}
		err = g.level(ctx, src, dst, lv, reducers, reduce)
		if src != base {
			src.Close()
		}
		src = dst
		if err != nil {
			return levels[:lv.Level], err
		}
	}
	return levels, nil
}

func (g *Generator) level(ctx context.Context, src, dst *zarr.Array, lv LevelDescriptor, reducers []Reducer, reduce kernel) error {
	l := g.layout
	stage := fmt.Sprintf("level-%d", lv.Level)
	srcShape := src.Shape()
	itemSize := dst.DType().Size
	tl := logging.NewTimeLog(g.log)

	chunkGrid := zarr.GridShape(lv.Shape, lv.Chunks)
	err := zarr.IterateSubGrid(make([]int, len(chunkGrid)), chunkGrid, func(coords []int) error {
		id := stage + "/" + zarr.ChunkKey(coords, ".")
		start := make([]int, len(coords))
		extent := make([]int, len(coords))
		for ax, c := range coords {
			start[ax] = c * lv.Chunks[ax]
			extent[ax] = min(lv.Chunks[ax], lv.Shape[ax]-start[ax])
		}
		g.pool.Submit(id, func() error {
			n, err := g.reduceChunk(ctx, src, dst, srcShape, start, extent, itemSize, reducers, reduce)
			if err == nil {
				g.metrics.BytesWritten(stage, n)
			}
			g.metrics.TaskDone(stage, err)
			return err
		})
		return nil
	})
	if err != nil {
		return err
	}
	err = g.pool.Barrier(stage)
	g.metrics.ObserveStage(stage, tl.Elapsed())
	if err != nil {
		return err
	}
	g.metrics.LevelWritten()
	size, chunks := uint64(itemSize), 1
	for ax, s := range lv.Shape {
		size *= uint64(s)
		chunks *= chunkGrid[ax]
	}
	tl.Info("level written", "level", lv.Level, "width", l.Width(lv.Shape), "height", l.Height(lv.Shape),
		"chunks", chunks, "size", humanize.IBytes(size))
	return nil
}

// reduceChunk reads the source footprint of one destination region, reduces
// it and writes the result. It returns the bytes written. Task errors carry
// no ID; the pool assigns the chunk's.
func (g *Generator) reduceChunk(ctx context.Context, src, dst *zarr.Array, srcShape, start, extent []int, itemSize int, reducers []Reducer, reduce kernel) (int, error) {
	l := g.layout
	srcStart := append([]int(nil), start...)
	srcExtent := append([]int(nil), extent...)
	for _, ax := range g.halved {
		srcStart[ax] = 2 * start[ax]
		srcExtent[ax] = min(2*extent[ax], srcShape[ax]-srcStart[ax])
	}
	data, err := src.ReadRegion(ctx, srcStart, srcExtent)
	if err != nil {
		return 0, failure.Read("", err)
	}

	n := itemSize
	for _, e := range extent {
		n *= e
	}
	out := make([]byte, n)
	b := &block{dst: extent, src: srcExtent, halved: g.halved, c: l.C, channel0: start[l.C]}
	reduce(b, data, out, reducers)

	if err := dst.WriteRegion(ctx, start, extent, out); err != nil {
		return 0, failure.Write("", err)
	}
	return n, nil
}
