// Package tile opens single image tiles and exposes their raw samples.
package tile

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"path"
	"strings"

	"gocloud.dev/blob"
	"golang.org/x/image/tiff"

	zarr "github.com/TuSKan/zarr-pyramid"
)

// Tile is a decoded single-channel pixel block. Data holds Height rows of
// Width little-endian samples.
type Tile struct {
	Width, Height int
	DType         zarr.DType
	Data          []byte
}

// Validate checks that Data matches the declared geometry.
func (t *Tile) Validate() error {
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("tile has empty extent %dx%d", t.Width, t.Height)
	}
	if want := t.Width * t.Height * t.DType.Size; len(t.Data) != want {
		return fmt.Errorf("tile %dx%d %s needs %d bytes, has %d", t.Width, t.Height, t.DType.Name(), want, len(t.Data))
	}
	return nil
}

// Source opens tiles by identifier.
type Source interface {
	Open(ctx context.Context, id string) (*Tile, error)
}

// MapSource serves tiles from memory.
type MapSource map[string]*Tile

func (m MapSource) Open(_ context.Context, id string) (*Tile, error) {
	t, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("tile %q not found", id)
	}
	return t, nil
}

// TIFFSource decodes grayscale TIFF tiles stored in a bucket. Identifiers
// are object keys.
type TIFFSource struct {
	bucket *blob.Bucket
}

// NewTIFFSource returns a source reading from bucket.
func NewTIFFSource(bucket *blob.Bucket) *TIFFSource {
	return &TIFFSource{bucket: bucket}
}

func (s *TIFFSource) Open(ctx context.Context, id string) (*Tile, error) {
	data, err := s.bucket.ReadAll(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	t, err := DecodeTIFF(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return t, nil
}

// DecodeTIFF decodes a grayscale TIFF of 8 or 16 bit unsigned samples, or
// of 32 or 64 bit unsigned, signed or float samples.
func DecodeTIFF(data []byte) (*Tile, error) {
	if d, err := readIFD(data); err == nil {
		dt, wide, err := d.wideDType()
		if err != nil {
			return nil, err
		}
		if wide {
			return decodeWide(data, d, dt)
		}
	}
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch im := img.(type) {
	case *image.Gray:
		out := make([]byte, w*h)
		for y := 0; y < h; y++ {
			copy(out[y*w:(y+1)*w], im.Pix[y*im.Stride:y*im.Stride+w])
		}
		return &Tile{Width: w, Height: h, DType: zarr.Uint8, Data: out}, nil
	case *image.Gray16:
		// image.Gray16 stores big-endian samples.
		out := make([]byte, 2*w*h)
		for y := 0; y < h; y++ {
			row := im.Pix[y*im.Stride : y*im.Stride+2*w]
			for x := 0; x < w; x++ {
				v := uint16(row[2*x])<<8 | uint16(row[2*x+1])
				binary.LittleEndian.PutUint16(out[2*(y*w+x):], v)
			}
		}
		return &Tile{Width: w, Height: h, DType: zarr.Uint16, Data: out}, nil
	default:
		return nil, fmt.Errorf("unsupported color model %T, only grayscale tiles are supported", img)
	}
}

// EncodeTIFF writes a tile as an uncompressed TIFF. 8 and 16 bit tiles must
// be unsigned.
func EncodeTIFF(t *Tile) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, t.Width, t.Height)
	var img image.Image
	switch t.DType {
	case zarr.Uint8:
		g := image.NewGray(rect)
		copy(g.Pix, t.Data)
		img = g
	case zarr.Uint16:
		g := image.NewGray16(rect)
		for i := 0; i < t.Width*t.Height; i++ {
			v := binary.LittleEndian.Uint16(t.Data[2*i:])
			g.Pix[2*i] = byte(v >> 8)
			g.Pix[2*i+1] = byte(v)
		}
		img = g
	default:
		if t.DType.Size == 4 || t.DType.Size == 8 {
			return encodeWide(t), nil
		}
		return nil, fmt.Errorf("cannot encode %s tiles as TIFF", t.DType.Name())
	}
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stem returns the file name of id without directory and extensions,
// e.g. "a/b/img_01.ome.tif" becomes "img_01".
func Stem(id string) string {
	base := path.Base(id)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}
