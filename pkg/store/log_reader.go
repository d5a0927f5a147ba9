package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ssargent/raquet/pkg/codec"
)

// maxRecordBody bounds the allocation for a record whose header is damaged.
const maxRecordBody = 1 << 31

// LogReader reads records from a table log, either sequentially or at
// indexed offsets. ReadAt is safe for concurrent use.
type LogReader struct {
	file   *os.File
	reader *bufio.Reader
	codec  *codec.RecordCodec
	offset int64
}

// NewLogReader creates a new log reader for the specified file
func NewLogReader(config LogReaderConfig) (*LogReader, error) {
	file, err := os.Open(config.FilePath)
	if err != nil {
		return nil, err
	}

	return &LogReader{
		file:   file,
		reader: bufio.NewReader(file),
		codec:  codec.NewRecordCodec(),
	}, nil
}

// ReadNext reads the record at the current offset. It returns io.EOF at a
// clean end of file and ErrCorruption for a torn or damaged record.
func (r *LogReader) ReadNext() (*codec.Record, error) {
	header := make([]byte, codec.HeaderSize)
	n, err := io.ReadFull(r.reader, header)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: torn header at offset %d", ErrCorruption, r.offset)
		}
		return nil, err
	}

	_, keySize, valueSize, err := codec.ParseHeader(header)
	if err != nil {
		return nil, err
	}
	if uint64(keySize)+uint64(valueSize) > maxRecordBody {
		return nil, fmt.Errorf("%w: record of %d bytes at offset %d", ErrCorruption,
			uint64(keySize)+uint64(valueSize), r.offset)
	}
	data := make([]byte, codec.HeaderSize+int(keySize)+int(valueSize))
	copy(data, header)
	if _, err := io.ReadFull(r.reader, data[codec.HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: torn record at offset %d", ErrCorruption, r.offset)
		}
		return nil, err
	}

	record, err := r.decode(data, r.offset)
	if err != nil {
		return nil, err
	}
	r.offset += int64(n) + int64(keySize) + int64(valueSize)
	return record, nil
}

// ReadAt reads the record described by entry without moving the sequential
// offset.
func (r *LogReader) ReadAt(entry IndexEntry) (*codec.Record, error) {
	data := make([]byte, entry.Size)
	if _, err := r.file.ReadAt(data, entry.Offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: record at offset %d runs past end of file", ErrCorruption, entry.Offset)
		}
		return nil, err
	}
	return r.decode(data, entry.Offset)
}

func (r *LogReader) decode(data []byte, offset int64) (*codec.Record, error) {
	record, err := r.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: offset %d: %v", ErrCorruption, offset, err)
	}
	if err := record.Validate(); err != nil {
		return nil, fmt.Errorf("%w: offset %d: %v", ErrCorruption, offset, err)
	}
	return record, nil
}

// Offset returns the current read offset
func (r *LogReader) Offset() int64 {
	return r.offset
}

// Iterator returns a streaming iterator over the remaining records.
func (r *LogReader) Iterator() RecordIterator {
	return &logRecordIterator{reader: r}
}

// Close closes the log reader
func (r *LogReader) Close() error {
	return r.file.Close()
}

type logRecordIterator struct {
	reader *LogReader
	record *codec.Record
	offset int64
	err    error
}

func (it *logRecordIterator) Next() bool {
	it.offset = it.reader.Offset()
	it.record, it.err = it.reader.ReadNext()
	if errors.Is(it.err, io.EOF) {
		it.err = nil
		return false
	}
	return it.err == nil
}

func (it *logRecordIterator) Record() *codec.Record {
	return it.record
}

// Offset returns where the current record starts.
func (it *logRecordIterator) Offset() int64 {
	return it.offset
}

func (it *logRecordIterator) Err() error {
	return it.err
}

func (it *logRecordIterator) Close() error {
	// the reader is owned by the caller
	return nil
}
