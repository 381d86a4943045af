package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
)

// CompressorConfig represents the Zarr compressor metadata.
// Level is used by zstd, zlib and gzip; the blosc fields are only kept so
// that existing metadata round-trips.
type CompressorConfig struct {
	ID      string `json:"id"`
	Level   int    `json:"level,omitempty"`
	Cname   string `json:"cname,omitempty"`
	Clevel  int    `json:"clevel,omitempty"`
	Shuffle int    `json:"shuffle,omitempty"`
}

// Metadata represents the Zarr V2 .zarray metadata.
type Metadata struct {
	ZarrFormat         int               `json:"zarr_format"`
	Shape              []int             `json:"shape"`
	Chunks             []int             `json:"chunks"`
	DType              string            `json:"dtype"`
	Compressor         *CompressorConfig `json:"compressor"`
	FillValue          any               `json:"fill_value"`
	Order              string            `json:"order"`
	Filters            []any             `json:"filters"`
	DimensionSeparator string            `json:"dimension_separator,omitempty"`
}

// LoadMetadata decodes a .zarray document.
func LoadMetadata(reader io.Reader) (*Metadata, error) {
	var meta Metadata
	if err := json.NewDecoder(reader).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	if meta.ZarrFormat != 2 {
		return nil, fmt.Errorf("unsupported zarr_format: %d, expected 2", meta.ZarrFormat)
	}
	if len(meta.Shape) != len(meta.Chunks) {
		return nil, fmt.Errorf("shape %v and chunks %v differ in rank", meta.Shape, meta.Chunks)
	}
	for i, c := range meta.Chunks {
		if c <= 0 {
			return nil, fmt.Errorf("chunk extent %d at dimension %d must be positive", c, i)
		}
	}
	if meta.Order != "" && meta.Order != "C" {
		return nil, fmt.Errorf("unsupported order %q, only C is supported", meta.Order)
	}
	if len(meta.Filters) > 0 {
		return nil, fmt.Errorf("filters are unsupported")
	}

	return &meta, nil
}

// separator returns the chunk key separator, "." unless the metadata says otherwise.
func (m *Metadata) separator() string {
	if m.DimensionSeparator == "" {
		return "."
	}
	return m.DimensionSeparator
}

// fillBytes encodes the fill value of m as one element of dtype.
// A null fill value reads as zero.
func fillBytes(fill any, dt DType) ([]byte, error) {
	out := make([]byte, dt.Size)
	var v float64
	switch f := fill.(type) {
	case nil:
		return out, nil
	case bool:
		if f {
			v = 1
		}
	case float64:
		v = f
	case int:
		v = float64(f)
	case int64:
		v = float64(f)
	case json.Number:
		parsed, err := f.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid fill_value %q: %w", f, err)
		}
		v = parsed
	case string:
		switch f {
		case "NaN":
			v = math.NaN()
		case "Infinity":
			v = math.Inf(1)
		case "-Infinity":
			v = math.Inf(-1)
		default:
			parsed, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid fill_value %q", f)
			}
			v = parsed
		}
	default:
		return nil, fmt.Errorf("unsupported fill_value type %T", fill)
	}

	switch dt.Kind {
	case KindFloat:
		if dt.Size == 4 {
			binary.LittleEndian.PutUint32(out, math.Float32bits(float32(v)))
		} else {
			binary.LittleEndian.PutUint64(out, math.Float64bits(v))
		}
	case KindInt:
		putUint(out, uint64(int64(v)))
	default:
		putUint(out, uint64(v))
	}
	return out, nil
}

func putUint(b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
}
