// Package store persists tiled raster tables as single-file, append-only
// logs of CRC-framed records with an in-memory B+tree index over cell ids.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ssargent/raquet/pkg/bptree"
	"github.com/ssargent/raquet/pkg/codec"
	"github.com/ssargent/raquet/pkg/raquet"
)

// Extension is the conventional file extension of a table log.
const Extension = ".rqt"

const indexOrder = 64

// TableFile is a tiled raster table stored in one log file. Reads are safe
// for concurrent use once the file is open.
type TableFile struct {
	path  string
	mutex sync.RWMutex

	reader *LogReader
	index  *bptree.BPlusTree[uint64, IndexEntry]
	schema *raquet.Schema
	size   int64
	isOpen bool
}

// NewTableFile returns a handle for the table log at path. Nothing is read
// until Open or WriteTable.
func NewTableFile(path string) *TableFile {
	return &TableFile{path: path}
}

// OpenTableFile opens an existing table log.
func OpenTableFile(path string) (*TableFile, error) {
	tf := NewTableFile(path)
	if err := tf.Open(); err != nil {
		return nil, err
	}
	return tf, nil
}

// Path returns the log file path.
func (tf *TableFile) Path() string {
	return tf.path
}

// Open validates every record and builds the cell index. The file is never
// modified; a damaged record makes the whole table invalid.
func (tf *TableFile) Open() error {
	tf.mutex.Lock()
	defer tf.mutex.Unlock()

	if tf.isOpen {
		return nil
	}
	return tf.open()
}

func (tf *TableFile) open() error {
	info, err := os.Stat(tf.path)
	if err != nil {
		return fmt.Errorf("failed to open table: %w", err)
	}
	reader, err := NewLogReader(LogReaderConfig{FilePath: tf.path})
	if err != nil {
		return err
	}

	index := bptree.NewBPlusTree[uint64, IndexEntry](indexOrder)
	var schema *raquet.Schema
	it := reader.Iterator()
	for it.Next() {
		rec := it.Record()
		entry := IndexEntry{Offset: it.Offset(), Size: uint32(rec.Size())}
		switch {
		case codec.IsSchemaKey(rec.Key):
			s, err := codec.DecodeSchema(rec.Value)
			if err != nil {
				reader.Close()
				return fmt.Errorf("%w: %s: %w", raquet.ErrNotRaquet, tf.path, err)
			}
			schema = &s
		case codec.IsRowKey(rec.Key):
			cell, _ := codec.CellFromKey(rec.Key)
			index.Insert(cell, entry)
		}
	}
	if err := it.Err(); err != nil {
		reader.Close()
		return tf.wrapCorruption(err)
	}

	tf.reader = reader
	tf.index = index
	tf.schema = schema
	tf.size = info.Size()
	tf.isOpen = true
	return nil
}

// wrapCorruption reports a damaged record as an invalid table.
func (tf *TableFile) wrapCorruption(err error) error {
	if errors.Is(err, ErrCorruption) {
		return fmt.Errorf("%w: %s: %w", raquet.ErrNotRaquet, tf.path, err)
	}
	return err
}

// WriteTable replaces the file with t: the schema record followed by every
// row in cell order. The table is written to a temporary file and renamed
// into place, so a failed write leaves any previous table intact.
func (tf *TableFile) WriteTable(ctx context.Context, t *raquet.Table) error {
	tf.mutex.Lock()
	defer tf.mutex.Unlock()

	tmp := tf.path + ".tmp"
	if err := writeLog(ctx, tmp, t); err != nil {
		os.Remove(tmp)
		return err
	}

	if tf.isOpen {
		tf.reader.Close()
		tf.isOpen = false
	}
	if err := os.Rename(tmp, tf.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace table: %w", err)
	}
	return tf.open()
}

func writeLog(ctx context.Context, path string, t *raquet.Table) error {
	w, err := NewLogWriter(LogWriterConfig{FilePath: path, BufferSize: 256 * 1024})
	if err != nil {
		return err
	}

	schema, err := codec.EncodeSchema(t.Schema)
	if err != nil {
		w.Close()
		return err
	}
	if _, err := w.Put(codec.SchemaKey, schema); err != nil {
		w.Close()
		return err
	}

	sorted := &raquet.Table{Schema: t.Schema, Rows: append([]raquet.Row{}, t.Rows...)}
	sorted.SortRows()
	for _, row := range sorted.Rows {
		if err := ctx.Err(); err != nil {
			w.Close()
			return err
		}
		value, err := codec.EncodeRow(row)
		if err != nil {
			w.Close()
			return err
		}
		if _, err := w.Put(codec.RowKey(row.Block), value); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// ReadTable reads every row in cell order.
func (tf *TableFile) ReadTable(ctx context.Context) (*raquet.Table, error) {
	tf.mutex.RLock()
	defer tf.mutex.RUnlock()

	if !tf.isOpen {
		return nil, ErrClosed
	}
	if tf.schema == nil {
		return nil, fmt.Errorf("%w: %s has no schema record", raquet.ErrNotRaquet, tf.path)
	}

	var entries []indexed
	tf.index.Ascend(func(cell uint64, e IndexEntry) bool {
		entries = append(entries, indexed{cell, e})
		return true
	})
	rows, err := tf.readRows(ctx, entries)
	if err != nil {
		return nil, err
	}
	return &raquet.Table{Schema: *tf.schema, Rows: rows}, nil
}

// ReadRange returns rows with lo <= cell < hi in cell order.
func (tf *TableFile) ReadRange(ctx context.Context, lo, hi uint64) ([]raquet.Row, error) {
	tf.mutex.RLock()
	defer tf.mutex.RUnlock()

	if !tf.isOpen {
		return nil, ErrClosed
	}
	var entries []indexed
	tf.index.Range(lo, hi, func(cell uint64, e IndexEntry) bool {
		entries = append(entries, indexed{cell, e})
		return true
	})
	return tf.readRows(ctx, entries)
}

// GetRow returns the row at cell.
func (tf *TableFile) GetRow(ctx context.Context, cell uint64) (*raquet.Row, error) {
	tf.mutex.RLock()
	defer tf.mutex.RUnlock()

	if !tf.isOpen {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := tf.index.Search(cell)
	if !ok {
		return nil, fmt.Errorf("%w: cell %d: %w", raquet.ErrRowNotFound, cell, ErrKeyNotFound)
	}
	row, err := tf.readRow(cell, entry)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Schema returns the stored schema.
func (tf *TableFile) Schema(ctx context.Context) (raquet.Schema, error) {
	tf.mutex.RLock()
	defer tf.mutex.RUnlock()

	if !tf.isOpen {
		return raquet.Schema{}, ErrClosed
	}
	if tf.schema == nil {
		return raquet.Schema{}, fmt.Errorf("%w: %s has no schema record", raquet.ErrNotRaquet, tf.path)
	}
	return *tf.schema, nil
}

// TableStats holds statistics about an open table file.
type TableStats struct {
	Rows     int
	DataSize int64
}

// Stats returns the indexed row count and file size.
func (tf *TableFile) Stats() TableStats {
	tf.mutex.RLock()
	defer tf.mutex.RUnlock()

	if !tf.isOpen {
		return TableStats{}
	}
	return TableStats{Rows: tf.index.Len(), DataSize: tf.size}
}

// Close releases the file handle.
func (tf *TableFile) Close() error {
	tf.mutex.Lock()
	defer tf.mutex.Unlock()

	if !tf.isOpen {
		return nil
	}
	tf.isOpen = false
	return tf.reader.Close()
}

type indexed struct {
	cell  uint64
	entry IndexEntry
}

func (tf *TableFile) readRows(ctx context.Context, entries []indexed) ([]raquet.Row, error) {
	rows := make([]raquet.Row, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := tf.readRow(e.cell, e.entry)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (tf *TableFile) readRow(cell uint64, entry IndexEntry) (raquet.Row, error) {
	rec, err := tf.reader.ReadAt(entry)
	if err != nil {
		return raquet.Row{}, tf.wrapCorruption(err)
	}
	return codec.DecodeRow(cell, rec.Value)
}
