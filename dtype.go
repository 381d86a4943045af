package zarr

import (
	"fmt"
	"strconv"
)

// Kind is the numeric family of a sample type.
type Kind byte

const (
	KindBool  Kind = 'b'
	KindInt   Kind = 'i'
	KindUint  Kind = 'u'
	KindFloat Kind = 'f'
)

// DType is a little-endian sample type.
type DType struct {
	Kind Kind
	Size int
}

var (
	Uint8   = DType{KindUint, 1}
	Uint16  = DType{KindUint, 2}
	Uint32  = DType{KindUint, 4}
	Uint64  = DType{KindUint, 8}
	Int8    = DType{KindInt, 1}
	Int16   = DType{KindInt, 2}
	Int32   = DType{KindInt, 4}
	Int64   = DType{KindInt, 8}
	Float32 = DType{KindFloat, 4}
	Float64 = DType{KindFloat, 8}
)

// ParseDType takes a numpy-style string like "<f4", "|b1", "<i8".
// Big-endian (>) types are rejected.
func ParseDType(s string) (DType, error) {
	if len(s) < 3 {
		return DType{}, fmt.Errorf("invalid dtype: %s", s)
	}

	switch s[0] {
	case '<', '|':
	case '>':
		return DType{}, fmt.Errorf("big-endian types are unsupported: %s", s)
	default:
		return DType{}, fmt.Errorf("invalid byte order in dtype: %s", s)
	}

	size, err := strconv.Atoi(s[2:])
	if err != nil {
		return DType{}, fmt.Errorf("invalid size in dtype: %s", s)
	}

	dt := DType{Kind: Kind(s[1]), Size: size}
	if err := dt.validate(); err != nil {
		return DType{}, fmt.Errorf("%w in %s", err, s)
	}
	return dt, nil
}

// DTypeFromName parses a plain type name such as "uint16" or "float32".
func DTypeFromName(name string) (DType, error) {
	for _, dt := range []DType{Uint8, Uint16, Uint32, Uint64, Int8, Int16, Int32, Int64, Float32, Float64} {
		if dt.Name() == name {
			return dt, nil
		}
	}
	if name == "bool" {
		return DType{KindBool, 1}, nil
	}
	return DType{}, fmt.Errorf("unsupported data type %q", name)
}

func (d DType) validate() error {
	switch d.Kind {
	case KindBool:
		if d.Size != 1 {
			return fmt.Errorf("bool must be 1 byte, got %d", d.Size)
		}
	case KindInt, KindUint:
		switch d.Size {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("unsupported integer size %d", d.Size)
		}
	case KindFloat:
		if d.Size != 4 && d.Size != 8 {
			return fmt.Errorf("unsupported float size %d", d.Size)
		}
	default:
		return fmt.Errorf("unsupported dtype kind: %c", byte(d.Kind))
	}
	return nil
}

// String returns the numpy encoding, e.g. "<u2" or "|u1".
func (d DType) String() string {
	order := byte('<')
	if d.Size == 1 {
		order = '|'
	}
	return fmt.Sprintf("%c%c%d", order, byte(d.Kind), d.Size)
}

// Name returns the plain type name, e.g. "uint16".
func (d DType) Name() string {
	switch d.Kind {
	case KindBool:
		return "bool"
	case KindInt:
		return fmt.Sprintf("int%d", d.Size*8)
	case KindUint:
		return fmt.Sprintf("uint%d", d.Size*8)
	case KindFloat:
		return fmt.Sprintf("float%d", d.Size*8)
	}
	return "unknown"
}
