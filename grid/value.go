package grid

import "strconv"

type valueKind uint8

const (
	kindInt valueKind = iota + 1
	kindString
)

// Value is a grid variable extracted from a tile name: either an integer or
// a string. The zero Value is neither.
type Value struct {
	kind valueKind
	i    int64
	s    string
}

// IntValue returns an integer Value.
func IntValue(v int64) Value { return Value{kind: kindInt, i: v} }

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{kind: kindString, s: s} }

// Int returns the integer held by v.
func (v Value) Int() (int64, bool) {
	return v.i, v.kind == kindInt
}

func (v Value) String() string {
	switch v.kind {
	case kindInt:
		return strconv.FormatInt(v.i, 10)
	case kindString:
		return strconv.Quote(v.s)
	}
	return "<unset>"
}

// Lookup is the outcome of reading an integer grid variable.
type Lookup uint8

const (
	Found Lookup = iota
	Missing
	NotInteger
)

func (l Lookup) String() string {
	switch l {
	case Found:
		return "found"
	case Missing:
		return "missing"
	case NotInteger:
		return "not an integer"
	}
	return "unknown"
}

// Vars maps grid variable names to their values for one tile.
type Vars map[string]Value

// Int reads name as an integer. It never substitutes a default.
func (v Vars) Int(name string) (int64, Lookup) {
	val, ok := v[name]
	if !ok || val.kind == 0 {
		return 0, Missing
	}
	i, ok := val.Int()
	if !ok {
		return 0, NotInteger
	}
	return i, Found
}
