package raster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrUnsupportedDType = errors.New("unsupported data type")
	ErrNodataOutOfRange = errors.New("nodata value not representable in data type")
)

// DType is the element kind of a band. The set is closed.
type DType int

const (
	Uint8 DType = iota + 1
	Int8
	Uint16
	Int16
	Uint32
	Int32
	Uint64
	Int64
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	Uint8:   "uint8",
	Int8:    "int8",
	Uint16:  "uint16",
	Int16:   "int16",
	Uint32:  "uint32",
	Int32:   "int32",
	Uint64:  "uint64",
	Int64:   "int64",
	Float32: "float32",
	Float64: "float64",
}

// ParseDType returns the DType named s.
func ParseDType(s string) (DType, error) {
	for d, name := range dtypeNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

// Valid reports whether d is one of the supported kinds.
func (d DType) Valid() bool {
	_, ok := dtypeNames[d]
	return ok
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	}
	return 0
}

// IsFloat reports whether d is a floating point kind.
func (d DType) IsFloat() bool {
	return d == Float32 || d == Float64
}

// InRange reports whether v converts to d without loss. Integer kinds need
// an integral value within their bounds; NaN and infinities only fit floats.
func (d DType) InRange(v float64) bool {
	switch d {
	case Float64:
		return true
	case Float32:
		return math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) <= math.MaxFloat32
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return false
	}
	switch d {
	case Uint8:
		return v >= 0 && v <= math.MaxUint8
	case Int8:
		return v >= math.MinInt8 && v <= math.MaxInt8
	case Uint16:
		return v >= 0 && v <= math.MaxUint16
	case Int16:
		return v >= math.MinInt16 && v <= math.MaxInt16
	case Uint32:
		return v >= 0 && v <= math.MaxUint32
	case Int32:
		return v >= math.MinInt32 && v <= math.MaxInt32
	case Uint64:
		return v >= 0 && v < 1<<64
	case Int64:
		return v >= math.MinInt64 && v < 1<<63
	}
	return false
}

// Value decodes the little-endian element at index i of buf.
func (d DType) Value(buf []byte, i int) float64 {
	switch d {
	case Uint8:
		return float64(buf[i])
	case Int8:
		return float64(int8(buf[i]))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(buf[i*2:]))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(buf[i*4:]))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(buf[i*4:])))
	case Uint64:
		return float64(binary.LittleEndian.Uint64(buf[i*8:]))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(buf[i*8:])))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return 0
}

// PutValue encodes v as the element at index i of buf. Integer kinds expect
// v to satisfy InRange.
func (d DType) PutValue(buf []byte, i int, v float64) {
	switch d {
	case Uint8:
		buf[i] = uint8(v)
	case Int8:
		buf[i] = uint8(int8(v))
	case Uint16:
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	case Int16:
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v)))
	case Uint32:
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	case Int32:
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(int32(v)))
	case Uint64:
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	case Int64:
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(int64(v)))
	case Float32:
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
}

// Encode returns the little-endian byte form of a single value.
func (d DType) Encode(v float64) []byte {
	buf := make([]byte, d.Size())
	d.PutValue(buf, 0, v)
	return buf
}

// Fill sets every element of buf to v.
func (d DType) Fill(buf []byte, v float64) {
	size := d.Size()
	if size == 0 || len(buf) == 0 {
		return
	}
	copy(buf, d.Encode(v))
	for filled := size; filled < len(buf); filled *= 2 {
		copy(buf[filled:], buf[:filled])
	}
}
