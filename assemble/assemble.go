// Package assemble populates the full-resolution base array of a pyramid,
// either from source tiles or by re-projecting an existing base array onto
// a new tile arrangement.
package assemble

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/failure"
	"github.com/TuSKan/zarr-pyramid/grid"
	"github.com/TuSKan/zarr-pyramid/internal/logging"
	"github.com/TuSKan/zarr-pyramid/internal/metrics"
	"github.com/TuSKan/zarr-pyramid/layout"
	"github.com/TuSKan/zarr-pyramid/pool"
	"github.com/TuSKan/zarr-pyramid/tile"
)

const (
	stageAssemble = "assemble"
	stageRemap    = "remap"
)

// Options configures an Assembler. Zero values use a pool sized to the
// number of CPUs and a discarding logger.
type Options struct {
	Pool    *pool.Pool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Assembler writes base levels. It may be reused for several calls but not
// concurrently, since calls share the pool barrier.
type Assembler struct {
	src     tile.Source
	pool    *pool.Pool
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New returns an Assembler reading tiles from src.
func New(src tile.Source, opts Options) *Assembler {
	a := &Assembler{src: src, pool: opts.Pool, log: opts.Logger, metrics: opts.Metrics}
	if a.log == nil {
		a.log = logging.Discard()
	}
	if a.pool == nil {
		a.pool = pool.New(runtime.NumCPU(), pool.WithLogger(a.log))
	}
	return a
}

// Spacing is the margin, in pixels, inserted on each side of every tile
// along x and y.
type Spacing struct {
	X, Y int
}

// AssembleFromTiles creates level 0 of root under tmpl's location and writes
// every tile of g into it, one task per tile. The destination is created
// only after the representative tile has sized the canvas.
//
// If some tiles fail, the returned error is a *failure.PartialFailure and
// the array, holding every successfully written tile, is still returned.
func (a *Assembler) AssembleFromTiles(ctx context.Context, g *grid.Grid, l layout.Layout, tmpl zarr.Descriptor, root string) (*zarr.Array, grid.ImageInfo, error) {
	if err := l.Validate(); err != nil {
		return nil, grid.ImageInfo{}, err
	}
	rep := g.Representative()
	first, err := a.src.Open(ctx, rep.Source)
	if err != nil {
		return nil, grid.ImageInfo{}, failure.Read(rep.Source, err)
	}
	if err := first.Validate(); err != nil {
		return nil, grid.ImageInfo{}, failure.Read(rep.Source, err)
	}

	info := g.Canvas.ImageInfo(first.Width, first.Height, first.DType)
	shape := l.Shape(info.FullWidth, info.FullHeight, info.Channels)
	chunks := l.ChunkShape(info.TileWidth, info.TileHeight, info.Channels)
	dest, err := zarr.Create(ctx, l.LevelDescriptor(tmpl, root, 0, shape, chunks, info.DType))
	if err != nil {
		return nil, info, err
	}
	a.log.Info("assembling base level",
		"tiles", len(g.Tiles), "width", info.FullWidth, "height", info.FullHeight,
		"channels", info.Channels, "dtype", info.DType.Name(),
		"size", humanize.IBytes(uint64(info.FullWidth)*uint64(info.FullHeight)*uint64(info.Channels)*uint64(info.DType.Size)))

	start := time.Now()
	for _, t := range g.Tiles {
		a.pool.Submit(t.Source, func() error {
			err := a.placeTile(ctx, dest, l, g.Canvas, info, t)
			a.metrics.TaskDone(stageAssemble, err)
			return err
		})
	}
	err = a.pool.Barrier(stageAssemble)
	a.metrics.ObserveStage(stageAssemble, time.Since(start))
	if err == nil {
		a.metrics.LevelWritten()
	}
	return dest, info, err
}

func (a *Assembler) placeTile(ctx context.Context, dest *zarr.Array, l layout.Layout, cv grid.Canvas, info grid.ImageInfo, t grid.TileDescriptor) error {
	img, err := a.src.Open(ctx, t.Source)
	if err != nil {
		return failure.Read(t.Source, err)
	}
	if err := img.Validate(); err != nil {
		return failure.Read(t.Source, err)
	}
	if img.DType != info.DType {
		return failure.Read(t.Source, fmt.Errorf("sample type %s differs from %s", img.DType.Name(), info.DType.Name()))
	}
	if img.Width > info.TileWidth || img.Height > info.TileHeight {
		return failure.Write(t.Source, fmt.Errorf("tile %dx%d exceeds grid cell %dx%d", img.Width, img.Height, info.TileWidth, info.TileHeight))
	}

	nx, ny, nc := cv.Normalize(t)
	start, shape := l.Region(nx*info.TileWidth, ny*info.TileHeight, img.Width, img.Height, nc)
	block := l.Arrange(img.Data, img.Width, img.Height, img.DType.Size)
	if err := dest.WriteRegion(ctx, start, shape, block); err != nil {
		return failure.Write(t.Source, err)
	}
	a.metrics.BytesWritten(stageAssemble, len(block))
	return nil
}

// ReassembleWithRemap copies every tile of base from its position in oldMap
// to its position in newMap, inset by spacing on each side, into level 0 of
// a new array. The tile extent is the x/y chunk extent of base. Tiles missing
// from oldMap have no source data and are skipped; their cells keep the
// fill value.
func (a *Assembler) ReassembleWithRemap(ctx context.Context, base *zarr.Array, l layout.Layout, oldMap, newMap map[string]grid.Coord, spacing Spacing, tmpl zarr.Descriptor, root string) (*zarr.Array, grid.ImageInfo, error) {
	if err := l.Validate(); err != nil {
		return nil, grid.ImageInfo{}, err
	}
	if spacing.X < 0 || spacing.Y < 0 {
		return nil, grid.ImageInfo{}, failure.Configf("negative spacing %+v", spacing)
	}
	oldGrid, err := grid.FromMap(oldMap, a.log)
	if err != nil {
		return nil, grid.ImageInfo{}, fmt.Errorf("old map: %w", err)
	}
	newGrid, err := grid.FromMap(newMap, a.log)
	if err != nil {
		return nil, grid.ImageInfo{}, fmt.Errorf("new map: %w", err)
	}

	baseChunks := base.Chunks()
	tileW, tileH := l.Width(baseChunks), l.Height(baseChunks)
	cellW, cellH := tileW+2*spacing.X, tileH+2*spacing.Y
	info := newGrid.Canvas.ImageInfo(cellW, cellH, base.DType())
	shape := l.Shape(info.FullWidth, info.FullHeight, info.Channels)
	chunks := l.ChunkShape(cellW, cellH, info.Channels)
	dest, err := zarr.Create(ctx, l.LevelDescriptor(tmpl, root, 0, shape, chunks, info.DType))
	if err != nil {
		return nil, info, err
	}

	oldTiles := make(map[string]grid.TileDescriptor, len(oldGrid.Tiles))
	for _, t := range oldGrid.Tiles {
		oldTiles[t.Source] = t
	}
	baseShape := base.Shape()

	start := time.Now()
	skipped := 0
	for _, t := range newGrid.Tiles {
		old, ok := oldTiles[t.Source]
		if !ok {
			skipped++
			a.log.Debug("tile absent from old map, cell left empty", "tile", t.Source)
			continue
		}
		a.pool.Submit(t.Source, func() error {
			err := a.moveTile(ctx, base, dest, l, baseShape, oldGrid.Canvas, old, newGrid.Canvas, t, tileW, tileH, cellW, cellH, spacing)
			a.metrics.TaskDone(stageRemap, err)
			return err
		})
	}
	err = a.pool.Barrier(stageRemap)
	a.metrics.ObserveStage(stageRemap, time.Since(start))
	a.log.Info("remapped base level", "tiles", len(newGrid.Tiles)-skipped, "skipped", skipped,
		"width", info.FullWidth, "height", info.FullHeight)
	if err == nil {
		a.metrics.LevelWritten()
	}
	return dest, info, err
}

func (a *Assembler) moveTile(ctx context.Context, base, dest *zarr.Array, l layout.Layout, baseShape []int,
	oldCanvas grid.Canvas, old grid.TileDescriptor, newCanvas grid.Canvas, t grid.TileDescriptor,
	tileW, tileH, cellW, cellH int, spacing Spacing) error {

	ox, oy, oc := oldCanvas.Normalize(old)
	x0, y0 := ox*tileW, oy*tileH
	if x0+tileW > l.Width(baseShape) || y0+tileH > l.Height(baseShape) || oc >= l.Channels(baseShape) {
		return failure.Read(t.Source, fmt.Errorf("old position (%d, %d, %d) lies outside the base array", old.X, old.Y, old.C))
	}
	srcStart, srcShape := l.Region(x0, y0, tileW, tileH, oc)
	block, err := base.ReadRegion(ctx, srcStart, srcShape)
	if err != nil {
		return failure.Read(t.Source, err)
	}

	nx, ny, nc := newCanvas.Normalize(t)
	dstStart, dstShape := l.Region(nx*cellW+spacing.X, ny*cellH+spacing.Y, tileW, tileH, nc)
	if err := dest.WriteRegion(ctx, dstStart, dstShape, block); err != nil {
		return failure.Write(t.Source, err)
	}
	a.metrics.BytesWritten(stageRemap, len(block))
	return nil
}
