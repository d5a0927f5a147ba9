package store

import (
	"github.com/ssargent/raquet/pkg/codec"
)

// IndexEntry locates a record in the table log.
type IndexEntry struct {
	Offset int64  // Byte offset of the record header
	Size   uint32 // Size of the whole record in bytes
}

// LogWriterConfig holds configuration for the log writer
type LogWriterConfig struct {
	FilePath   string // Path to the log file
	BufferSize int    // Write buffer size
}

// LogReaderConfig holds configuration for the log reader
type LogReaderConfig struct {
	FilePath string // Path to the data file
}

// RecordIterator provides streaming access to records
type RecordIterator interface {
	Next() bool
	Record() *codec.Record
	Offset() int64
	Err() error
	Close() error
}

// Errors
var (
	ErrKeyNotFound = &KVError{"key not found"}
	ErrCorruption  = &KVError{"data corruption detected"}
	ErrClosed      = &KVError{"table file is not open"}
)

// KVError represents a table store error
type KVError struct {
	Message string
}

func (e *KVError) Error() string {
	return e.Message
}
