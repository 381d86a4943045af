package pipeline

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"gocloud.dev/blob"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/failure"
	"github.com/TuSKan/zarr-pyramid/grid"
	"github.com/TuSKan/zarr-pyramid/internal/logging"
	"github.com/TuSKan/zarr-pyramid/layout"
	"github.com/TuSKan/zarr-pyramid/metadata"
	"github.com/TuSKan/zarr-pyramid/pyramid"
	"github.com/TuSKan/zarr-pyramid/tile"
)

const (
	stageStack = "stack"

	// DefaultVolumeChunk is the x and y chunk extent of stacked volumes.
	DefaultVolumeChunk = 1024
)

// VolumeRequest names a directory of same-sized images to stack along one
// axis into a single array.
type VolumeRequest struct {
	Input   *blob.Bucket
	Dir     string
	Pattern string
	// GroupBy is the pattern variable, and the axis, images are stacked
	// along: "z", "c" or "t". Images are placed in increasing order of it.
	GroupBy string
	Name    string
	Output  zarr.Descriptor
	// ChunkSize bounds the x and y chunk extent; zero uses DefaultVolumeChunk.
	ChunkSize int
}

type volumeSlice struct {
	key   string
	order int64
}

// GenerateVolume stacks the images of req into the base level of a volume
// and derives its levels by halving x, y and z together. Stacking is done
// by one task per image; a partial failure stops before the pyramid.
func (p *Pipeline) GenerateVolume(ctx context.Context, req VolumeRequest) (*Result, error) {
	if p.volume == nil {
		return nil, failure.Configf("volumes support Viv and NG_Zarr, not %v", p.layout.Variant)
	}
	if req.Name == "" {
		return nil, failure.Configf("output image name is empty")
	}
	l := p.layout
	axis, ok := l.Axis(req.GroupBy)
	if req.GroupBy == grid.VarX || req.GroupBy == grid.VarY || !ok {
		return nil, failure.Configf("cannot stack along %q in the %v layout (axes %s)", req.GroupBy, l.Variant, strings.Join(l.Axes, ","))
	}
	chunk := req.ChunkSize
	if chunk <= 0 {
		chunk = DefaultVolumeChunk
	}

	stack, err := p.volumeSlices(ctx, req)
	if err != nil {
		return nil, err
	}
	src := tile.NewTIFFSource(req.Input)
	first, err := src.Open(ctx, stack[0].key)
	if err != nil {
		return nil, failure.Read(stack[0].key, err)
	}
	w, h, dt := first.Width, first.Height, first.DType

	out, err := openOutput(ctx, req.Output)
	if err != nil {
		return nil, err
	}
	defer out.Close()
	tmpl := out.template
	if err := clearPrefix(ctx, out.bucket, imageDir(l, req.Name)); err != nil {
		return nil, failure.StoreOpen(tmpl.Location(), err)
	}

	shape := l.Shape(w, h, 1)
	shape[axis] = len(stack)
	chunks := l.ChunkShape(min(chunk, w), min(chunk, h), 1)
	root := l.ArrayRoot(req.Name)
	base, err := zarr.Create(ctx, l.LevelDescriptor(tmpl, root, 0, shape, chunks, dt))
	if err != nil {
		return nil, err
	}
	defer base.Close()

	timeLog := logging.NewTimeLog(p.log)
	res := &Result{
		Name: req.Name,
		Info: grid.ImageInfo{FullWidth: w, FullHeight: h, TileWidth: w, TileHeight: h, Channels: l.Channels(shape), DType: dt},
	}
	p.log.Info("stacking volume", "name", req.Name, "group_by", req.GroupBy, "images", len(stack), "width", w, "height", h)
	for i, sl := range stack {
		p.pool.Submit(sl.key, func() error {
			err := p.stackSlice(ctx, src, base, sl.key, axis, i, w, h, dt)
			p.metrics.TaskDone(stageStack, err)
			return err
		})
	}
	err = p.pool.Barrier(stageStack)
	p.metrics.ObserveStage(stageStack, timeLog.Elapsed())
	if err != nil {
		return res, fmt.Errorf("stack %s: %w", req.Name, err)
	}

	levels, err := p.volume.Generate(ctx, base, tmpl, root)
	res.Levels = levels
	if err != nil {
		return res, fmt.Errorf("pyramid %s: %w", req.Name, err)
	}
	if err := metadata.NewWriter(out.bucket, p.log).WriteVolume(ctx, l, req.Name, shape, dt, len(levels)); err != nil {
		return res, err
	}
	timeLog.Info("volume written", "name", req.Name, "variant", l.Variant.String(), "depth", len(stack), "levels", len(levels))
	return res, nil
}

// volumeSlices lists the images of req ordered by their GroupBy value.
func (p *Pipeline) volumeSlices(ctx context.Context, req VolumeRequest) ([]volumeSlice, error) {
	pat, err := grid.ParsePattern(req.Pattern)
	if err != nil {
		return nil, failure.Configf("%v", err)
	}
	if !slices.Contains(pat.Variables(), req.GroupBy) {
		return nil, failure.Configf("pattern %q has no {%s} variable", req.Pattern, req.GroupBy)
	}
	entries, err := grid.Match(ctx, req.Input, req.Dir, req.Pattern, p.log)
	if err != nil {
		return nil, err
	}
	var out []volumeSlice
	for key, vars := range entries {
		v, found := vars.Int(req.GroupBy)
		if found != grid.Found {
			p.log.Debug("image excluded from volume", "image", key, req.GroupBy, found)
			continue
		}
		out = append(out, volumeSlice{key: key, order: v})
	}
	if len(out) == 0 {
		return nil, failure.Discoveryf("no images in %q match %q", req.Dir, req.Pattern)
	}
	slices.SortFunc(out, func(a, b volumeSlice) int {
		return cmp.Or(cmp.Compare(a.order, b.order), strings.Compare(a.key, b.key))
	})
	for i := 1; i < len(out); i++ {
		if out[i].order == out[i-1].order {
			return nil, failure.Discoveryf("images %q and %q share %s=%d", out[i-1].key, out[i].key, req.GroupBy, out[i].order)
		}
	}
	return out, nil
}

// stackSlice writes image key at index along axis of base.
func (p *Pipeline) stackSlice(ctx context.Context, src tile.Source, base *zarr.Array, key string, axis, index, w, h int, dt zarr.DType) error {
	img, err := src.Open(ctx, key)
	if err != nil {
		return failure.Read(key, err)
	}
	if img.Width != w || img.Height != h || img.DType != dt {
		return failure.Read(key, fmt.Errorf("image is %dx%d %s, volume slices are %dx%d %s",
			img.Width, img.Height, img.DType.Name(), w, h, dt.Name()))
	}
	l := p.layout
	start, region := l.Region(0, 0, w, h, 0)
	start[axis] = index
	if err := base.WriteRegion(ctx, start, region, l.Arrange(img.Data, w, h, dt.Size)); err != nil {
		return failure.Write(key, err)
	}
	p.metrics.BytesWritten(stageStack, len(img.Data))
	return nil
}

// volumetric returns the z-halving generator of l, or nil when l cannot
// hold volumes.
func volumetric(l layout.Layout, opts pyramid.Options) (*pyramid.Generator, error) {
	if l.Driver == zarr.DriverPrecomputed {
		return nil, nil
	}
	opts.Volumetric = true
	return pyramid.New(l, opts)
}
