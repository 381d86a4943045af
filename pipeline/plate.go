package pipeline

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"gocloud.dev/blob"
	"golang.org/x/sync/singleflight"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/failure"
	"github.com/TuSKan/zarr-pyramid/grid"
	"github.com/TuSKan/zarr-pyramid/internal/logging"
	"github.com/TuSKan/zarr-pyramid/layout"
	"github.com/TuSKan/zarr-pyramid/metadata"
)

const (
	stageCompose = "compose"

	// DefaultPlateChunk is the x and y extent of plate chunks, and so of the
	// tiles Plate.Tile composes.
	DefaultPlateChunk = 1024
)

// PlateRequest describes a plate assembled from existing well pyramids.
type PlateRequest struct {
	// Wells holds the well pyramids, written by this package in the same
	// layout as the plate.
	Wells  *blob.Bucket
	Name   string
	Output zarr.Descriptor
	// ChunkSize is the tile extent; zero uses DefaultPlateChunk.
	ChunkSize int
}

// Plate composes a multi-well plate pyramid tile by tile from the levels of
// its well pyramids: plate level k places level k of the well at
// (column x, row y) in channel c of the grid. No pixel is downsampled again.
// Tile is safe for concurrent use and writes every tile at most once per
// well map; SetWellMap and Reset must not overlap it.
type Plate struct {
	p     *Pipeline
	out   *output
	wells zarr.Descriptor
	name  string
	chunk int

	mu       sync.Mutex
	wellMap  map[grid.Coord]string
	wellSize [][2]int // per level: width, height
	dtype    zarr.DType
	levels   []*zarr.Array
	sources  map[string]*zarr.Array
	done     map[string]bool
	inflight singleflight.Group
}

// NewPlate prepares a plate compositor. Only the zarr layouts are supported.
func (p *Pipeline) NewPlate(ctx context.Context, req PlateRequest) (*Plate, error) {
	if p.layout.Variant == layout.PCNG {
		return nil, failure.Configf("plates support Viv and NG_Zarr, not %v", p.layout.Variant)
	}
	if req.Name == "" {
		return nil, failure.Configf("output image name is empty")
	}
	if req.Wells == nil {
		return nil, failure.Configf("well bucket is not set")
	}
	chunk := req.ChunkSize
	if chunk <= 0 {
		chunk = DefaultPlateChunk
	}
	out, err := openOutput(ctx, req.Output)
	if err != nil {
		return nil, err
	}
	wells := out.template
	wells.Bucket, wells.URL = req.Wells, ""
	return &Plate{p: p, out: out, wells: wells, name: req.Name, chunk: chunk}, nil
}

// SetWellMap replaces the wells of the plate, keyed by grid position, with
// values naming each well image as passed to the Generate methods. The
// first well in channel, row, column order sets the level count, the
// per-level well size and the sample type. Every plate level array and
// the plate metadata are created empty; tiles are filled by Tile.
func (pl *Plate) SetWellMap(ctx context.Context, wells map[grid.Coord]string) error {
	if len(wells) == 0 {
		return failure.Discoveryf("well map is empty")
	}
	var cols, rows, channels int
	for c := range wells {
		if c.X < 0 || c.Y < 0 || c.C < 0 {
			return failure.Configf("well %q has negative grid position (%d, %d, %d)", wells[c], c.X, c.Y, c.C)
		}
		cols, rows, channels = max(cols, c.X+1), max(rows, c.Y+1), max(channels, c.C+1)
	}
	coords := slices.SortedFunc(maps.Keys(wells), func(a, b grid.Coord) int {
		return cmp.Or(cmp.Compare(a.C, b.C), cmp.Compare(a.Y, b.Y), cmp.Compare(a.X, b.X))
	})
	first := wells[coords[0]]

	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.closeArrays()
	pl.done = map[string]bool{}
	pl.wellMap = nil

	l := pl.p.layout
	sizes, dt, err := pl.probeWell(ctx, first)
	if err != nil {
		return err
	}
	tmpl := pl.out.template
	if err := clearPrefix(ctx, pl.out.bucket, imageDir(l, pl.name)); err != nil {
		return failure.StoreOpen(tmpl.Location(), err)
	}
	root := l.ArrayRoot(pl.name)
	for level, sz := range sizes {
		w, h := cols*sz[0], rows*sz[1]
		shape := l.Shape(w, h, channels)
		chunks := l.ChunkShape(min(pl.chunk, w), min(pl.chunk, h), channels)
		arr, err := zarr.Create(ctx, l.LevelDescriptor(tmpl, root, level, shape, chunks, dt))
		if err != nil {
			pl.closeArrays()
			return err
		}
		pl.levels = append(pl.levels, arr)
	}
	info := grid.ImageInfo{
		FullWidth: cols * sizes[0][0], FullHeight: rows * sizes[0][1],
		TileWidth: sizes[0][0], TileHeight: sizes[0][1],
		Channels: channels, DType: dt,
	}
	if err := metadata.NewWriter(pl.out.bucket, pl.p.log).Write(ctx, l, pl.name, info, len(sizes)); err != nil {
		pl.closeArrays()
		return err
	}
	pl.wellMap = maps.Clone(wells)
	pl.wellSize, pl.dtype = sizes, dt
	pl.p.log.Info("plate created", "name", pl.name, "columns", cols, "rows", rows, "channels", channels,
		"levels", len(sizes), "width", info.FullWidth, "height", info.FullHeight)
	return nil
}

// probeWell reads the level list of well and the size of every level.
func (pl *Plate) probeWell(ctx context.Context, well string) ([][2]int, zarr.DType, error) {
	l := pl.p.layout
	root := l.ArrayRoot(well)
	attrs, err := metadata.ReadAttrs(ctx, pl.wells.Bucket, root)
	if err != nil {
		return nil, zarr.DType{}, failure.Read(well, err)
	}
	var sizes [][2]int
	var dt zarr.DType
	for i, ds := range attrs.Multiscales[0].Datasets {
		if ds.Path != strconv.Itoa(i) {
			return nil, zarr.DType{}, failure.Read(well, fmt.Errorf("dataset %d has path %q", i, ds.Path))
		}
		arr, err := zarr.Open(ctx, l.OpenDescriptor(pl.wells, root, i))
		if err != nil {
			return nil, zarr.DType{}, failure.Read(well, err)
		}
		shape := arr.Shape()
		sizes = append(sizes, [2]int{l.Width(shape), l.Height(shape)})
		if i == 0 {
			dt = arr.DType()
		}
		arr.Close()
	}
	return sizes, dt, nil
}

// Levels returns the number of plate levels, zero before SetWellMap.
func (pl *Plate) Levels() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.levels)
}

// TileGrid returns the number of tile columns and rows of level.
func (pl *Plate) TileGrid(level int) (cols, rows int, err error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if level < 0 || level >= len(pl.levels) {
		return 0, 0, failure.Configf("plate %s has no level %d", pl.name, level)
	}
	shape := pl.levels[level].Shape()
	l := pl.p.layout
	return ceilDiv(l.Width(shape), pl.chunk), ceilDiv(l.Height(shape), pl.chunk), nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// Tile composes the chunk-sized tile (x, y) of channel in level from the
// wells it overlaps and writes it to the plate. A tile already composed
// for the current well map is not written again. Grid positions without a
// well stay at the fill value.
func (pl *Plate) Tile(ctx context.Context, level, channel, y, x int) error {
	pl.mu.Lock()
	if pl.wellMap == nil {
		pl.mu.Unlock()
		return failure.Configf("plate %s has no well map", pl.name)
	}
	if level < 0 || level >= len(pl.levels) {
		pl.mu.Unlock()
		return failure.Configf("plate %s has no level %d", pl.name, level)
	}
	dst := pl.levels[level]
	l := pl.p.layout
	shape := dst.Shape()
	w, h := l.Width(shape), l.Height(shape)
	if channel < 0 || channel >= l.Channels(shape) {
		pl.mu.Unlock()
		return failure.Configf("plate %s has no channel %d", pl.name, channel)
	}
	if x < 0 || y < 0 || x*pl.chunk >= w || y*pl.chunk >= h {
		pl.mu.Unlock()
		return failure.Configf("tile (%d, %d) lies outside level %d of plate %s", x, y, level, pl.name)
	}
	key := fmt.Sprintf("%d/%d/%d/%d", level, channel, y, x)
	if pl.done[key] {
		pl.mu.Unlock()
		return nil
	}
	wellMap, done := pl.wellMap, pl.done
	wellW, wellH := pl.wellSize[level][0], pl.wellSize[level][1]
	pl.mu.Unlock()

	_, err, _ := pl.inflight.Do(key, func() (any, error) {
		pl.mu.Lock()
		composed := done[key]
		pl.mu.Unlock()
		if composed {
			return nil, nil
		}
		x0, y0 := x*pl.chunk, y*pl.chunk
		tw, th := min(pl.chunk, w-x0), min(pl.chunk, h-y0)
		buf, err := pl.compose(ctx, wellMap, level, channel, x0, y0, tw, th, wellW, wellH)
		if err != nil {
			return nil, err
		}
		start, region := l.Region(x0, y0, tw, th, channel)
		if err := dst.WriteRegion(ctx, start, region, l.Arrange(buf, tw, th, dst.DType().Size)); err != nil {
			return nil, failure.Write(key, err)
		}
		pl.mu.Lock()
		done[key] = true
		pl.mu.Unlock()
		pl.p.metrics.BytesWritten(stageCompose, len(buf))
		return nil, nil
	})
	return err
}

// compose gathers the tw x th pixels at (x0, y0) of channel in level from
// the wells overlapping them, as a row-major block.
func (pl *Plate) compose(ctx context.Context, wellMap map[grid.Coord]string, level, channel, x0, y0, tw, th, wellW, wellH int) ([]byte, error) {
	l := pl.p.layout
	size := pl.dtype.Size
	buf := make([]byte, tw*th*size)
	for row := y0 / wellH; row <= (y0+th-1)/wellH; row++ {
		for col := x0 / wellW; col <= (x0+tw-1)/wellW; col++ {
			well, ok := wellMap[grid.Coord{X: col, Y: row, C: channel}]
			if !ok {
				continue
			}
			src, err := pl.source(ctx, well, level)
			if err != nil {
				return nil, err
			}
			if got := src.Shape(); l.Width(got) != wellW || l.Height(got) != wellH {
				return nil, failure.Read(well, fmt.Errorf("level %d is %dx%d, plate wells are %dx%d", level, l.Width(got), l.Height(got), wellW, wellH))
			}
			if src.DType() != pl.dtype {
				return nil, failure.Read(well, fmt.Errorf("sample type %s differs from %s", src.DType().Name(), pl.dtype.Name()))
			}
			ix0, ix1 := max(x0, col*wellW), min(x0+tw, (col+1)*wellW)
			iy0, iy1 := max(y0, row*wellH), min(y0+th, (row+1)*wellH)
			iw, ih := ix1-ix0, iy1-iy0
			start, region := l.Region(ix0-col*wellW, iy0-row*wellH, iw, ih, 0)
			data, err := src.ReadRegion(ctx, start, region)
			if err != nil {
				return nil, failure.Read(well, err)
			}
			data = l.Unarrange(data, iw, ih, size)
			for r := 0; r < ih; r++ {
				d := ((iy0-y0+r)*tw + ix0 - x0) * size
				copy(buf[d:d+iw*size], data[r*iw*size:(r+1)*iw*size])
			}
		}
	}
	return buf, nil
}

// source returns the opened level of well, reusing earlier handles.
func (pl *Plate) source(ctx context.Context, well string, level int) (*zarr.Array, error) {
	key := well + "@" + strconv.Itoa(level)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if arr, ok := pl.sources[key]; ok {
		return arr, nil
	}
	arr, err := zarr.Open(ctx, pl.p.layout.OpenDescriptor(pl.wells, pl.p.layout.ArrayRoot(well), level))
	if err != nil {
		return nil, failure.Read(well, err)
	}
	if pl.sources == nil {
		pl.sources = map[string]*zarr.Array{}
	}
	pl.sources[key] = arr
	return arr, nil
}

// ComposeAll composes every tile of every level and channel on the worker
// pool. A failed tile does not stop the others; the error is a
// *failure.PartialFailure naming them.
func (pl *Plate) ComposeAll(ctx context.Context) error {
	pl.mu.Lock()
	if pl.wellMap == nil {
		pl.mu.Unlock()
		return failure.Configf("plate %s has no well map", pl.name)
	}
	l := pl.p.layout
	var shapes [][]int
	for _, arr := range pl.levels {
		shapes = append(shapes, arr.Shape())
	}
	pl.mu.Unlock()

	timeLog := logging.NewTimeLog(pl.p.log)
	tiles := 0
	for level, shape := range shapes {
		cols, rows := ceilDiv(l.Width(shape), pl.chunk), ceilDiv(l.Height(shape), pl.chunk)
		for c := range l.Channels(shape) {
			for y := range rows {
				for x := range cols {
					tiles++
					pl.p.pool.Submit(fmt.Sprintf("%d/%d/%d/%d", level, c, y, x), func() error {
						err := pl.Tile(ctx, level, c, y, x)
						pl.p.metrics.TaskDone(stageCompose, err)
						return err
					})
				}
			}
		}
	}
	err := pl.p.pool.Barrier(stageCompose)
	pl.p.metrics.ObserveStage(stageCompose, timeLog.Elapsed())
	if err != nil {
		return fmt.Errorf("compose %s: %w", pl.name, err)
	}
	timeLog.Info("plate composed", "name", pl.name, "levels", len(shapes), "tiles", tiles)
	return nil
}

// Reset deletes the plate from the output and forgets the well map.
func (pl *Plate) Reset(ctx context.Context) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.closeArrays()
	pl.wellMap, pl.done = nil, nil
	if err := clearPrefix(ctx, pl.out.bucket, imageDir(pl.p.layout, pl.name)); err != nil {
		return failure.StoreOpen(pl.out.template.Location(), err)
	}
	return nil
}

// closeArrays releases every open plate and well array; pl.mu is held.
func (pl *Plate) closeArrays() {
	for _, arr := range pl.levels {
		arr.Close()
	}
	for _, arr := range pl.sources {
		arr.Close()
	}
	pl.levels, pl.sources = nil, nil
	pl.wellSize = nil
}

// Close releases the arrays and the output bucket. The plate stays in the
// store.
func (pl *Plate) Close() error {
	pl.mu.Lock()
	pl.closeArrays()
	pl.mu.Unlock()
	return pl.out.Close()
}
