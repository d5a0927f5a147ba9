package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"github.com/ssargent/raquet/pkg/raquet"
)

const (
	rowPrefix    = 'r'
	schemaPrefix = 's'

	flagMetadata = 1 << 0
)

var (
	ErrMalformedRow = errors.New("malformed row")
	ErrInvalidKey   = errors.New("invalid row key")
)

// SchemaKey is the record key holding the table schema.
var SchemaKey = []byte{schemaPrefix}

// RowKey returns the record key of the row at cell.
func RowKey(cell uint64) []byte {
	key := make([]byte, 9)
	key[0] = rowPrefix
	binary.BigEndian.PutUint64(key[1:], cell)
	return key
}

// CellFromKey is the inverse of RowKey.
func CellFromKey(key []byte) (uint64, error) {
	if len(key) != 9 || key[0] != rowPrefix {
		return 0, fmt.Errorf("%w: %x", ErrInvalidKey, key)
	}
	return binary.BigEndian.Uint64(key[1:]), nil
}

// IsRowKey reports whether key addresses a row.
func IsRowKey(key []byte) bool {
	return len(key) == 9 && key[0] == rowPrefix
}

// IsSchemaKey reports whether key addresses the schema record.
func IsSchemaKey(key []byte) bool {
	return len(key) == 1 && key[0] == schemaPrefix
}

// EncodeRow serializes the non-key columns of a row.
func EncodeRow(row raquet.Row) ([]byte, error) {
	if len(row.Bands) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bands", ErrTooLarge, len(row.Bands))
	}
	size := 1 + 4 + 2
	if row.Metadata != nil {
		size += len(*row.Metadata)
	}
	for _, b := range row.Bands {
		size++
		if b != nil {
			size += 4 + len(b)
		}
	}

	buf := make([]byte, 0, size)
	var flags byte
	if row.Metadata != nil {
		flags |= flagMetadata
	}
	buf = append(buf, flags)
	if row.Metadata != nil {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(*row.Metadata)))
		buf = append(buf, *row.Metadata...)
	} else {
		buf = binary.LittleEndian.AppendUint32(buf, 0)
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(row.Bands)))
	for _, b := range row.Bands {
		if b == nil {
			buf = append(buf, 0)
			continue
		}
		if uint64(len(b)) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: band payload of %d bytes", ErrTooLarge, len(b))
		}
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
		buf = append(buf, b...)
	}
	return buf, nil
}

// DecodeRow parses a value written by EncodeRow. Band payloads are copied.
func DecodeRow(cell uint64, data []byte) (raquet.Row, error) {
	row := raquet.Row{Block: cell}
	d := rowDecoder{data: data}

	flags := d.readByte()
	mdLen := d.readUint32()
	md := d.read(int(mdLen))
	if flags&flagMetadata != 0 {
		s := string(md)
		row.Metadata = &s
	}

	n := int(d.readUint16())
	row.Bands = make([][]byte, n)
	for i := 0; i < n; i++ {
		if d.readByte() == 0 {
			continue
		}
		size := d.readUint32()
		row.Bands[i] = append([]byte{}, d.read(int(size))...)
	}
	if d.err != nil {
		return raquet.Row{}, fmt.Errorf("%w: cell %d: %v", ErrMalformedRow, cell, d.err)
	}
	if len(d.data) != 0 {
		return raquet.Row{}, fmt.Errorf("%w: cell %d: %d trailing bytes", ErrMalformedRow, cell, len(d.data))
	}
	return row, nil
}

// EncodeSchema serializes a table schema.
func EncodeSchema(s raquet.Schema) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSchema parses a value written by EncodeSchema.
func DecodeSchema(data []byte) (raquet.Schema, error) {
	var s raquet.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return raquet.Schema{}, fmt.Errorf("%w: schema: %v", ErrMalformedRow, err)
	}
	return s, nil
}

// rowDecoder reads fields sequentially and remembers the first error.
type rowDecoder struct {
	data []byte
	err  error
}

func (d *rowDecoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.data) {
		d.err = fmt.Errorf("need %d bytes, have %d", n, len(d.data))
		return nil
	}
	out := d.data[:n]
	d.data = d.data[n:]
	return out
}

func (d *rowDecoder) readByte() byte {
	b := d.read(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *rowDecoder) readUint16() uint16 {
	b := d.read(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *rowDecoder) readUint32() uint32 {
	b := d.read(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}
