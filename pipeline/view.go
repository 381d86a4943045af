package pipeline

import (
	"context"
	"fmt"
	"maps"
	"path"

	"gocloud.dev/blob"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/assemble"
	"github.com/TuSKan/zarr-pyramid/failure"
	"github.com/TuSKan/zarr-pyramid/grid"
	"github.com/TuSKan/zarr-pyramid/internal/logging"
	"github.com/TuSKan/zarr-pyramid/layout"
	"github.com/TuSKan/zarr-pyramid/tile"
)

// StagingDir is the key prefix, relative to the output, of staged base arrays.
const StagingDir = "base_zarr_loc"

// ViewRequest describes a tile collection placed by an explicit map.
type ViewRequest struct {
	Images *blob.Bucket
	Name   string
	// Map places each image key of Images on the grid.
	Map    map[string]grid.Coord
	Output zarr.Descriptor
}

// View assembles a collection once into a staging array and then renders
// pyramids of it under different tile arrangements without decoding the
// tiles again.
type View struct {
	p       *Pipeline
	out     *output
	src     tile.Source
	name    string
	staging string
	oldMap  map[string]grid.Coord
	base    *zarr.Array
	info    grid.ImageInfo
}

// NewView prepares a view. Only the zarr layouts are supported.
func (p *Pipeline) NewView(ctx context.Context, req ViewRequest) (*View, error) {
	if p.layout.Variant == layout.PCNG {
		return nil, failure.Configf("pyramid views support Viv and NG_Zarr, not %v", p.layout.Variant)
	}
	if req.Name == "" {
		return nil, failure.Configf("output image name is empty")
	}
	if len(req.Map) == 0 {
		return nil, failure.Discoveryf("image map is empty")
	}
	out, err := openOutput(ctx, req.Output)
	if err != nil {
		return nil, err
	}
	return &View{
		p:       p,
		out:     out,
		src:     tile.NewTIFFSource(req.Images),
		name:    req.Name,
		staging: path.Join(StagingDir, req.Name),
		oldMap:  maps.Clone(req.Map),
	}, nil
}

// Build assembles the staged base level from the request map. A partial
// failure keeps the staged array, so Generate still renders the tiles that
// were placed.
func (v *View) Build(ctx context.Context) error {
	g, err := grid.FromMap(v.oldMap, v.p.log)
	if err != nil {
		return err
	}
	if v.base != nil {
		v.base.Close()
		v.base = nil
	}
	tmpl := v.out.template
	if err := clearPrefix(ctx, v.out.bucket, v.staging); err != nil {
		return failure.StoreOpen(tmpl.Location(), err)
	}

	asm := assemble.New(v.src, assemble.Options{Pool: v.p.pool, Logger: v.p.log, Metrics: v.p.metrics})
	base, info, err := asm.AssembleFromTiles(ctx, g, v.p.layout, tmpl, v.staging)
	if base == nil {
		return err
	}
	v.base, v.info = base, info
	if err != nil {
		return fmt.Errorf("stage %s: %w", v.name, err)
	}
	v.p.log.Info("staged base level", "name", v.name, "location", base.Location())
	return nil
}

// Generate writes the pyramid of the staged base rearranged by newMap, with
// spacing pixels of fill around every tile. A nil newMap keeps the
// arrangement the view was built with.
func (v *View) Generate(ctx context.Context, newMap map[string]grid.Coord, spacing assemble.Spacing) (*Result, error) {
	if v.base == nil {
		return nil, failure.Configf("view %s has no staged base level; call Build first", v.name)
	}
	if newMap == nil {
		newMap = v.oldMap
	}
	l := v.p.layout
	tmpl := v.out.template
	if err := clearPrefix(ctx, v.out.bucket, imageDir(l, v.name)); err != nil {
		return nil, failure.StoreOpen(tmpl.Location(), err)
	}

	timeLog := logging.NewTimeLog(v.p.log)
	asm := assemble.New(v.src, assemble.Options{Pool: v.p.pool, Logger: v.p.log, Metrics: v.p.metrics})
	dest, info, err := asm.ReassembleWithRemap(ctx, v.base, l, v.oldMap, newMap, spacing, tmpl, l.ArrayRoot(v.name))
	res := &Result{Name: v.name, Info: info}
	if dest == nil {
		return nil, err
	}
	defer dest.Close()
	if err != nil {
		return res, fmt.Errorf("remap %s: %w", v.name, err)
	}
	return v.p.finish(ctx, v.out.bucket, dest, tmpl, res, timeLog)
}

// Close releases the staged array and the output bucket. The staged data
// stays in the store.
func (v *View) Close() error {
	if v.base != nil {
		v.base.Close()
		v.base = nil
	}
	return v.out.Close()
}
