package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

// HeaderSize is the encoded size of a record header.
const HeaderSize = 12

var (
	ErrShortRecord = errors.New("data too short for record")
	ErrChecksum    = errors.New("record checksum mismatch")
	ErrTooLarge    = errors.New("record field too large")
)

// Record is one framed key-value entry of a table log.
type Record struct {
	CRC32     uint32 // checksum over everything after this field
	KeySize   uint32
	ValueSize uint32
	Key       []byte
	Value     []byte
}

// RecordCodec handles serialization and deserialization of records
type RecordCodec struct{}

// NewRecordCodec creates a new record codec instance
func NewRecordCodec() *RecordCodec {
	return &RecordCodec{}
}

// Encode serializes a key-value pair into a framed record.
func (c *RecordCodec) Encode(key, value []byte) ([]byte, error) {
	r, err := NewRecord(key, value)
	if err != nil {
		return nil, err
	}
	r.CRC32 = r.checksum()

	buf := make([]byte, r.Size())
	binary.LittleEndian.PutUint32(buf[0:], r.CRC32)
	binary.LittleEndian.PutUint32(buf[4:], r.KeySize)
	binary.LittleEndian.PutUint32(buf[8:], r.ValueSize)
	copy(buf[HeaderSize:], r.Key)
	copy(buf[HeaderSize+int(r.KeySize):], r.Value)
	return buf, nil
}

// Decode parses a framed record. Key and Value alias data.
func (c *RecordCodec) Decode(data []byte) (*Record, error) {
	crc, keySize, valueSize, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	end := uint64(HeaderSize) + uint64(keySize) + uint64(valueSize)
	if uint64(len(data)) < end {
		return nil, fmt.Errorf("%w: %d < %d", ErrShortRecord, len(data), end)
	}

	keyEnd := HeaderSize + int(keySize)
	return &Record{
		CRC32:     crc,
		KeySize:   keySize,
		ValueSize: valueSize,
		Key:       data[HeaderSize:keyEnd],
		Value:     data[keyEnd:end],
	}, nil
}

// ParseHeader returns the checksum and sizes stored in a record header.
func ParseHeader(header []byte) (crc, keySize, valueSize uint32, err error) {
	if len(header) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("%w: header is %d bytes", ErrShortRecord, len(header))
	}
	return binary.LittleEndian.Uint32(header[0:]),
		binary.LittleEndian.Uint32(header[4:]),
		binary.LittleEndian.Uint32(header[8:]),
		nil
}

// Validate checks the integrity of a record using CRC32
func (r *Record) Validate() error {
	if sum := r.checksum(); r.CRC32 != sum {
		return fmt.Errorf("%w: %d != %d", ErrChecksum, r.CRC32, sum)
	}
	return nil
}

// Size returns the total size of the record when encoded
func (r *Record) Size() int {
	return HeaderSize + len(r.Key) + len(r.Value)
}

// NewRecord creates an unsigned record for key and value.
func NewRecord(key, value []byte) (*Record, error) {
	if uint64(len(key)) > math.MaxUint32 || uint64(len(value)) > math.MaxUint32 {
		return nil, ErrTooLarge
	}
	return &Record{
		KeySize:   uint32(len(key)),
		ValueSize: uint32(len(value)),
		Key:       key,
		Value:     value,
	}, nil
}

func (r *Record) checksum() uint32 {
	var sizes [8]byte
	binary.LittleEndian.PutUint32(sizes[0:], r.KeySize)
	binary.LittleEndian.PutUint32(sizes[4:], r.ValueSize)

	crc := crc32.NewIEEE()
	crc.Write(sizes[:])
	crc.Write(r.Key)
	crc.Write(r.Value)
	return crc.Sum32()
}
