package store

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"

	"github.com/ssargent/raquet/pkg/codec"
)

// LogWriter writes a fresh table log. Records are buffered and reach the
// disk on Close.
type LogWriter struct {
	file   *os.File
	writer *bufio.Writer
	codec  *codec.RecordCodec
	config LogWriterConfig
	mutex  sync.Mutex
	offset int64 // Current write offset
}

// NewLogWriter creates config.FilePath and its directory, discarding any
// existing content.
func NewLogWriter(config LogWriterConfig) (*LogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(config.FilePath), 0750); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}

	if config.BufferSize <= 0 {
		config.BufferSize = 64 * 1024
	}
	return &LogWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, config.BufferSize),
		codec:  codec.NewRecordCodec(),
		config: config,
	}, nil
}

// Put appends a record and returns where it starts and how long it is.
func (w *LogWriter) Put(key, value []byte) (IndexEntry, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	data, err := w.codec.Encode(key, value)
	if err != nil {
		return IndexEntry{}, err
	}

	n, err := w.writer.Write(data)
	if err != nil {
		return IndexEntry{}, err
	}
	entry := IndexEntry{Offset: w.offset, Size: uint32(n)}
	w.offset += int64(n)
	return entry, nil
}

// Close flushes the buffer, fsyncs and closes the file.
func (w *LogWriter) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
