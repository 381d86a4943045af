// Package layout maps tile placements onto the axis conventions of the
// supported visualization formats.
package layout

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	zarr "github.com/TuSKan/zarr-pyramid"
	"github.com/TuSKan/zarr-pyramid/failure"
)

// Variant is an output layout convention.
type Variant int

const (
	// Viv is multi-axis OME-Zarr with axes t, c, z, y, x.
	Viv Variant = iota
	// NGZarr is NGFF-style OME-Zarr with axes c, z, y, x.
	NGZarr
	// PCNG is neuroglancer precomputed with axes x, y, z, channel.
	PCNG
)

func (v Variant) String() string {
	switch v {
	case Viv:
		return "Viv"
	case NGZarr:
		return "NG_Zarr"
	case PCNG:
		return "PCNG"
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// ParseVariant accepts "Viv", "NG_Zarr" and "PCNG", case-insensitively.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "viv":
		return Viv, nil
	case "ngzarr":
		return NGZarr, nil
	case "pcng":
		return PCNG, nil
	}
	return 0, failure.Configf("unknown visualization variant %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(b []byte) error {
	parsed, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Layout is the fixed axis table of a variant.
type Layout struct {
	Variant Variant
	X, Y, Z int
	C       int
	NumAxes int
	// Axes names every axis in storage order.
	Axes []string
	// Transpose stores tile blocks column-major, x before y.
	Transpose bool
	Driver    zarr.Driver
}

var layouts = map[Variant]Layout{
	Viv:    {Variant: Viv, X: 4, Y: 3, Z: 2, C: 1, NumAxes: 5, Axes: []string{"t", "c", "z", "y", "x"}, Driver: zarr.DriverZarr},
	NGZarr: {Variant: NGZarr, X: 3, Y: 2, Z: 1, C: 0, NumAxes: 4, Axes: []string{"c", "z", "y", "x"}, Driver: zarr.DriverZarr},
	PCNG:   {Variant: PCNG, X: 0, Y: 1, Z: 2, C: 3, NumAxes: 4, Axes: []string{"x", "y", "z", "channel"}, Transpose: true, Driver: zarr.DriverPrecomputed},
}

// For returns the layout of v.
func For(v Variant) (Layout, error) {
	l, ok := layouts[v]
	if !ok {
		return Layout{}, failure.Configf("no layout for variant %v", v)
	}
	return l, l.Validate()
}

// Validate checks that the axis indices are distinct and within NumAxes.
func (l Layout) Validate() error {
	if l.NumAxes < 4 || len(l.Axes) != l.NumAxes {
		return failure.Configf("%v: %d axes named for %d dimensions", l.Variant, len(l.Axes), l.NumAxes)
	}
	seen := map[int]bool{}
	for name, idx := range map[string]int{"x": l.X, "y": l.Y, "z": l.Z, "channel": l.C} {
		if idx < 0 || idx >= l.NumAxes {
			return failure.Configf("%v: %s axis index %d outside [0, %d)", l.Variant, name, idx, l.NumAxes)
		}
		if seen[idx] {
			return failure.Configf("%v: axis index %d used twice", l.Variant, idx)
		}
		seen[idx] = true
	}
	if l.Driver == zarr.DriverPrecomputed && l.C != l.NumAxes-1 {
		return failure.Configf("%v: precomputed channel axis must be last", l.Variant)
	}
	return nil
}

func (l Layout) ones() []int {
	s := make([]int, l.NumAxes)
	for i := range s {
		s[i] = 1
	}
	return s
}

// Shape returns the array shape of a width x height image with channels.
func (l Layout) Shape(width, height, channels int) []int {
	s := l.ones()
	s[l.X], s[l.Y], s[l.C] = width, height, channels
	return s
}

// ChunkShape returns the chunk shape for chunks of width x height pixels.
// Precomputed chunks hold every channel, zarr chunks a single one.
func (l Layout) ChunkShape(width, height, channels int) []int {
	s := l.ones()
	s[l.X], s[l.Y] = width, height
	if l.Driver == zarr.DriverPrecomputed {
		s[l.C] = channels
	}
	return s
}

// Axis returns the index of the axis called name.
func (l Layout) Axis(name string) (int, bool) {
	for i, a := range l.Axes {
		if a == name {
			return i, true
		}
	}
	return 0, false
}

// Width returns the x extent of shape.
func (l Layout) Width(shape []int) int { return shape[l.X] }

// Height returns the y extent of shape.
func (l Layout) Height(shape []int) int { return shape[l.Y] }

// Channels returns the channel extent of shape.
func (l Layout) Channels(shape []int) int { return shape[l.C] }

// Region returns the sub-region holding a w x h block at pixel offset
// (x0, y0) in channel c.
func (l Layout) Region(x0, y0, w, h, c int) (start, shape []int) {
	start = make([]int, l.NumAxes)
	shape = l.ones()
	start[l.X], start[l.Y], start[l.C] = x0, y0, c
	shape[l.X], shape[l.Y] = w, h
	return start, shape
}

// Arrange converts a row-major h x w block into the byte order of the
// region returned by Region. Only transposing layouts copy.
func (l Layout) Arrange(block []byte, w, h, itemSize int) []byte {
	if !l.Transpose {
		return block
	}
	return transpose(block, h, w, itemSize)
}

// Unarrange is the inverse of Arrange.
func (l Layout) Unarrange(block []byte, w, h, itemSize int) []byte {
	if !l.Transpose {
		return block
	}
	return transpose(block, w, h, itemSize)
}

// transpose turns a rows x cols matrix into cols x rows.
func transpose(src []byte, rows, cols, itemSize int) []byte {
	dst := make([]byte, len(src))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			s := (r*cols + c) * itemSize
			d := (c*rows + r) * itemSize
			copy(dst[d:d+itemSize], src[s:s+itemSize])
		}
	}
	return dst
}

// ArrayRoot returns the key prefix holding the levels of image name.
func (l Layout) ArrayRoot(name string) string {
	switch l.Variant {
	case Viv:
		return path.Join(name+".zarr", "data.zarr", "0")
	case NGZarr:
		return name + ".zarr"
	}
	return name
}

// LevelDescriptor returns the descriptor of pyramid level `level` under root,
// copying location, context and compression settings from tmpl.
func (l Layout) LevelDescriptor(tmpl zarr.Descriptor, root string, level int, shape, chunks []int, dt zarr.DType) zarr.Descriptor {
	d := tmpl
	d.Driver = l.Driver
	d.Shape = shape
	d.Chunks = chunks
	d.DType = dt
	key := strconv.Itoa(level)
	if l.Driver == zarr.DriverPrecomputed {
		factor := float64(int(1) << level)
		d.Path = root
		d.Compressor = nil
		d.Precomputed = &zarr.PrecomputedScale{
			Key:         key,
			Resolution:  [3]float64{factor, factor, 1},
			NumChannels: shape[l.C],
			Base:        level == 0,
		}
		return d
	}
	d.Path = path.Join(root, key)
	d.Precomputed = nil
	return d
}

// OpenDescriptor returns the descriptor to reopen level `level` under root.
func (l Layout) OpenDescriptor(tmpl zarr.Descriptor, root string, level int) zarr.Descriptor {
	d := tmpl
	d.Driver = l.Driver
	key := strconv.Itoa(level)
	if l.Driver == zarr.DriverPrecomputed {
		d.Path = root
		d.Precomputed = &zarr.PrecomputedScale{Key: key}
		return d
	}
	d.Path = path.Join(root, key)
	return d
}
