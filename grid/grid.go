// Package grid resolves a collection of tiles into grid descriptors and the
// canvas extents they span.
package grid

import (
	"cmp"
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"

	"gocloud.dev/blob"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/failure"
)

// Grid variable names.
const (
	VarX = "x"
	VarY = "y"
	VarC = "c"
)

// TileDescriptor is one tile and its grid coordinate.
type TileDescriptor struct {
	Source string
	X, Y   int
	C      int
}

// Coord is an explicit grid coordinate. C defaults to channel 0.
type Coord struct {
	X, Y, C int
}

// Canvas holds the inclusive grid bounds observed across all tiles.
type Canvas struct {
	MinX, MaxX int
	MinY, MaxY int
	MinC, MaxC int
}

// Columns returns the number of tile columns.
func (c Canvas) Columns() int { return c.MaxX - c.MinX + 1 }

// Rows returns the number of tile rows.
func (c Canvas) Rows() int { return c.MaxY - c.MinY + 1 }

// Channels returns the number of channels.
func (c Canvas) Channels() int { return c.MaxC - c.MinC + 1 }

// Normalize returns the zero-based grid coordinate of t.
func (c Canvas) Normalize(t TileDescriptor) (x, y, ch int) {
	return t.X - c.MinX, t.Y - c.MinY, t.C - c.MinC
}

// ImageInfo returns the full image geometry for tiles of the given size.
func (c Canvas) ImageInfo(tileWidth, tileHeight int, dt zarr.DType) ImageInfo {
	return ImageInfo{
		FullWidth:  c.Columns() * tileWidth,
		FullHeight: c.Rows() * tileHeight,
		TileWidth:  tileWidth,
		TileHeight: tileHeight,
		Channels:   c.Channels(),
		DType:      dt,
	}
}

// ImageInfo describes the assembled full-resolution image.
type ImageInfo struct {
	FullHeight, FullWidth int
	TileHeight, TileWidth int
	Channels              int
	DType                 zarr.DType
}

// Grid is the resolved tile set, sorted by channel, row, column and source.
type Grid struct {
	Tiles  []TileDescriptor
	Canvas Canvas
}

// Representative returns the tile used to size the canvas.
func (g *Grid) Representative() TileDescriptor { return g.Tiles[0] }

// Resolve filters the tiles of entries and computes the canvas. A tile
// without an integral x and y is dropped; a missing channel is channel 0.
func Resolve(entries map[string]Vars, log *slog.Logger) (*Grid, error) {
	log = orDiscard(log)
	tiles := make([]TileDescriptor, 0, len(entries))
	for source, vars := range entries {
		x, okX := vars.Int(VarX)
		y, okY := vars.Int(VarY)
		if okX != Found || okY != Found {
			log.Debug("tile excluded: no stitching position", "tile", source, "x", okX, "y", okY)
			continue
		}
		c, okC := vars.Int(VarC)
		switch okC {
		case Missing:
			c = 0
		case NotInteger:
			log.Warn("tile excluded: channel is not an integer", "tile", source, "c", vars[VarC])
			continue
		}
		tiles = append(tiles, TileDescriptor{Source: source, X: int(x), Y: int(y), C: int(c)})
	}
	return build(tiles)
}

// FromMap resolves an explicit tile name to coordinate mapping.
func FromMap(m map[string]Coord, log *slog.Logger) (*Grid, error) {
	entries := make(map[string]Vars, len(m))
	for name, c := range m {
		entries[name] = Vars{VarX: IntValue(int64(c.X)), VarY: IntValue(int64(c.Y)), VarC: IntValue(int64(c.C))}
	}
	return Resolve(entries, log)
}

// FromPattern lists the objects directly under dir in bucket and resolves
// those whose base name matches pattern. Sources are full object keys.
func FromPattern(ctx context.Context, bucket *blob.Bucket, dir, pattern string, log *slog.Logger) (*Grid, error) {
	entries, err := Match(ctx, bucket, dir, pattern, log)
	if err != nil {
		return nil, err
	}
	return Resolve(entries, log)
}

// Match lists the objects directly under dir in bucket and returns the
// variables of every object whose base name matches pattern, keyed by
// object key.
func Match(ctx context.Context, bucket *blob.Bucket, dir, pattern string, log *slog.Logger) (map[string]Vars, error) {
	log = orDiscard(log)
	p, err := ParsePattern(pattern)
	if err != nil {
		return nil, failure.Configf("%v", err)
	}

	opts := &blob.ListOptions{Delimiter: "/"}
	if dir = strings.Trim(dir, "/"); dir != "" {
		opts.Prefix = dir + "/"
	}
	entries := map[string]Vars{}
	iter := bucket.List(opts)
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, failure.Discoveryf("list %q: %v", dir, err)
		}
		if obj.IsDir {
			continue
		}
		vars, ok := p.Match(path.Base(obj.Key))
		if !ok {
			log.Debug("object does not match pattern", "key", obj.Key, "pattern", pattern)
			continue
		}
		entries[obj.Key] = vars
	}
	log.Info("listed tiles", "dir", dir, "pattern", pattern, "matched", len(entries))
	return entries, nil
}

func build(tiles []TileDescriptor) (*Grid, error) {
	if len(tiles) == 0 {
		return nil, failure.Discoveryf("no tiles with a usable grid position")
	}
	slices.SortFunc(tiles, func(a, b TileDescriptor) int {
		return cmp.Or(cmp.Compare(a.C, b.C), cmp.Compare(a.Y, b.Y), cmp.Compare(a.X, b.X), strings.Compare(a.Source, b.Source))
	})

	cv := Canvas{
		MinX: tiles[0].X, MaxX: tiles[0].X,
		MinY: tiles[0].Y, MaxY: tiles[0].Y,
		MinC: tiles[0].C, MaxC: tiles[0].C,
	}
	for i, t := range tiles {
		if i > 0 {
			prev := tiles[i-1]
			if prev.X == t.X && prev.Y == t.Y && prev.C == t.C {
				return nil, failure.Discoveryf("tiles %q and %q share grid position (%d, %d, %d)", prev.Source, t.Source, t.X, t.Y, t.C)
			}
		}
		cv.MinX, cv.MaxX = min(cv.MinX, t.X), max(cv.MaxX, t.X)
		cv.MinY, cv.MaxY = min(cv.MinY, t.Y), max(cv.MaxY, t.Y)
		cv.MinC, cv.MaxC = min(cv.MinC, t.C), max(cv.MaxC, t.C)
	}
	return &Grid{Tiles: tiles, Canvas: cv}, nil
}

func orDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l
}
