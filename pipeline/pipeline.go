// Package pipeline runs the whole conversion: tile discovery, base-level
// assembly, pyramid generation and the multiscale metadata of the chosen
// viewer layout.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"gocloud.dev/blob"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/assemble"
	"github.com/TuSKan/zarr-pyramid/failure"
	"github.com/TuSKan/zarr-pyramid/grid"
	"github.com/TuSKan/zarr-pyramid/internal/logging"
	"github.com/TuSKan/zarr-pyramid/internal/metrics"
	"github.com/TuSKan/zarr-pyramid/layout"
	"github.com/TuSKan/zarr-pyramid/metadata"
	"github.com/TuSKan/zarr-pyramid/pool"
	"github.com/TuSKan/zarr-pyramid/pyramid"
	"github.com/TuSKan/zarr-pyramid/tile"
)

// Options configures a Pipeline.
type Options struct {
	Variant  layout.Variant
	MinDim   int
	Reducers pyramid.ReducerConfig
	// Workers bounds concurrent tile and chunk tasks; zero uses the number of CPUs.
	Workers int
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Pipeline converts tile collections into viewer pyramids. Runs share one
// worker pool and must not overlap.
type Pipeline struct {
	layout  layout.Layout
	pool    *pool.Pool
	gen     *pyramid.Generator
	volume  *pyramid.Generator
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New validates opts and returns a Pipeline.
func New(opts Options) (*Pipeline, error) {
	l, err := layout.For(opts.Variant)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pipeline{
		layout:  l,
		pool:    pool.New(workers, pool.WithLogger(log)),
		log:     log,
		metrics: opts.Metrics,
	}
	genOpts := pyramid.Options{
		MinDim:   opts.MinDim,
		Reducers: opts.Reducers,
		Pool:     p.pool,
		Logger:   log,
		Metrics:  opts.Metrics,
	}
	if p.gen, err = pyramid.New(l, genOpts); err != nil {
		return nil, err
	}
	if p.volume, err = volumetric(l, genOpts); err != nil {
		return nil, err
	}
	return p, nil
}

// Layout returns the output layout.
func (p *Pipeline) Layout() layout.Layout { return p.layout }

// Result describes a written pyramid.
type Result struct {
	Name   string
	Info   grid.ImageInfo
	Levels []pyramid.LevelDescriptor
}

// CollectionRequest names a directory of tiles and the pattern their file
// names follow.
type CollectionRequest struct {
	// Input holds the tiles; Dir is the key prefix of the collection in it.
	Input   *blob.Bucket
	Dir     string
	Pattern string
	// Name is the output image name.
	Name string
	// Output is the template of every level array. Its URL is opened once
	// unless Bucket is set.
	Output zarr.Descriptor
}

// SingleFileRequest names one image to convert on its own.
type SingleFileRequest struct {
	Input  *blob.Bucket
	Key    string
	Output zarr.Descriptor
}

// GenerateFromCollection resolves the tiles of req, assembles them and
// builds the pyramid and metadata. An error from assembly or from any
// level is returned together with whatever was already written.
func (p *Pipeline) GenerateFromCollection(ctx context.Context, req CollectionRequest) (*Result, error) {
	if req.Name == "" {
		return nil, failure.Configf("output image name is empty")
	}
	g, err := grid.FromPattern(ctx, req.Input, req.Dir, req.Pattern, p.log)
	if err != nil {
		return nil, err
	}
	return p.generate(ctx, g, tile.NewTIFFSource(req.Input), req.Name, req.Output)
}

// GenerateFromSingleFile treats the image at req.Key as the only tile of a
// 1x1 grid and names the output after the file stem.
func (p *Pipeline) GenerateFromSingleFile(ctx context.Context, req SingleFileRequest) (*Result, error) {
	g, err := grid.FromMap(map[string]grid.Coord{req.Key: {}}, p.log)
	if err != nil {
		return nil, err
	}
	return p.generate(ctx, g, tile.NewTIFFSource(req.Input), tile.Stem(req.Key), req.Output)
}

func (p *Pipeline) generate(ctx context.Context, g *grid.Grid, src tile.Source, name string, tmpl zarr.Descriptor) (*Result, error) {
	out, err := openOutput(ctx, tmpl)
	if err != nil {
		return nil, err
	}
	defer out.Close()
	tmpl = out.template

	root := p.layout.ArrayRoot(name)
	if err := clearPrefix(ctx, out.bucket, imageDir(p.layout, name)); err != nil {
		return nil, failure.StoreOpen(tmpl.Location(), err)
	}

	timeLog := logging.NewTimeLog(p.log)
	asm := assemble.New(src, assemble.Options{Pool: p.pool, Logger: p.log, Metrics: p.metrics})
	base, info, err := asm.AssembleFromTiles(ctx, g, p.layout, tmpl, root)
	res := &Result{Name: name, Info: info}
	if base == nil {
		return nil, err
	}
	defer base.Close()
	if err != nil {
		return res, fmt.Errorf("assemble %s: %w", name, err)
	}
	return p.finish(ctx, out.bucket, base, tmpl, res, timeLog)
}

// finish builds levels above base and writes the metadata.
func (p *Pipeline) finish(ctx context.Context, bucket *blob.Bucket, base *zarr.Array, tmpl zarr.Descriptor, res *Result, timeLog logging.TimeLog) (*Result, error) {
	root := p.layout.ArrayRoot(res.Name)
	levels, err := p.gen.Generate(ctx, base, tmpl, root)
	res.Levels = levels
	if err != nil {
		return res, fmt.Errorf("pyramid %s: %w", res.Name, err)
	}
	if err := metadata.NewWriter(bucket, p.log).Write(ctx, p.layout, res.Name, res.Info, len(levels)); err != nil {
		return res, err
	}
	var total uint64
	for _, lv := range levels {
		n := uint64(res.Info.DType.Size)
		for _, d := range lv.Shape {
			n *= uint64(d)
		}
		total += n
	}
	timeLog.Info("pyramid written", "name", res.Name, "variant", p.layout.Variant.String(),
		"levels", len(levels), "size", humanize.IBytes(total))
	return res, nil
}

// output is the bucket every level array of one run shares.
type output struct {
	bucket   *blob.Bucket
	owned    bool
	template zarr.Descriptor
}

func openOutput(ctx context.Context, tmpl zarr.Descriptor) (*output, error) {
	if tmpl.Bucket != nil {
		return &output{bucket: tmpl.Bucket, template: tmpl}, nil
	}
	if tmpl.URL == "" {
		return nil, failure.Configf("output location is empty")
	}
	bucket, err := blob.OpenBucket(ctx, tmpl.URL)
	if err != nil {
		return nil, failure.StoreOpen(tmpl.URL, err)
	}
	tmpl.Bucket = bucket
	return &output{bucket: bucket, owned: true, template: tmpl}, nil
}

func (o *output) Close() error {
	if o.owned {
		return o.bucket.Close()
	}
	return nil
}

// imageDir is the top-level key prefix holding everything written for name.
func imageDir(l layout.Layout, name string) string {
	root := l.ArrayRoot(name)
	if i := strings.IndexByte(root, '/'); i >= 0 {
		return root[:i]
	}
	return root
}

// clearPrefix deletes every object under dir.
func clearPrefix(ctx context.Context, bucket *blob.Bucket, dir string) error {
	iter := bucket.List(&blob.ListOptions{Prefix: strings.TrimSuffix(dir, "/") + "/"})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := bucket.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
}
