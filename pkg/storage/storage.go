// Package storage keeps tiled raster tables in a Pebble directory, one key
// per row, using the same keys and row encoding as the single-file store.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/ssargent/raquet/pkg/codec"
	"github.com/ssargent/raquet/pkg/raquet"
)

var (
	keySpaceStart = []byte{0x00}
	keySpaceEnd   = []byte{0xff}
)

// PebbleTable implements raquet.TableWriter and raquet.TableReader.
type PebbleTable struct {
	db *pebble.DB
}

// OpenPebbleTable opens or creates the Pebble directory at path.
func OpenPebbleTable(path string) (*PebbleTable, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble table: %w", err)
	}
	return &PebbleTable{db: db}, nil
}

// WriteTable replaces the stored table with t in one atomic batch.
func (s *PebbleTable) WriteTable(ctx context.Context, t *raquet.Table) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(keySpaceStart, keySpaceEnd, nil); err != nil {
		return err
	}
	schema, err := codec.EncodeSchema(t.Schema)
	if err != nil {
		return err
	}
	if err := batch.Set(codec.SchemaKey, schema, nil); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, err := codec.EncodeRow(row)
		if err != nil {
			return err
		}
		if err := batch.Set(codec.RowKey(row.Block), value, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// ReadTable reads every row in cell order.
func (s *PebbleTable) ReadTable(ctx context.Context) (*raquet.Table, error) {
	schema, err := s.Schema(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.scan(ctx, codec.RowKey(0), []byte{'r' + 1})
	if err != nil {
		return nil, err
	}
	return &raquet.Table{Schema: schema, Rows: rows}, nil
}

// ReadRange returns rows with lo <= cell < hi in cell order.
func (s *PebbleTable) ReadRange(ctx context.Context, lo, hi uint64) ([]raquet.Row, error) {
	if hi <= lo {
		return nil, nil
	}
	return s.scan(ctx, codec.RowKey(lo), codec.RowKey(hi))
}

func (s *PebbleTable) scan(ctx context.Context, lower, upper []byte) ([]raquet.Row, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var rows []raquet.Row
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cell, err := codec.CellFromKey(iter.Key())
		if err != nil {
			return nil, err
		}
		row, err := codec.DecodeRow(cell, iter.Value())
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, iter.Error()
}

// GetRow returns the row at cell.
func (s *PebbleTable) GetRow(ctx context.Context, cell uint64) (*raquet.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, closer, err := s.db.Get(codec.RowKey(cell))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("%w: cell %d", raquet.ErrRowNotFound, cell)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	row, err := codec.DecodeRow(cell, data)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Schema returns the stored schema.
func (s *PebbleTable) Schema(ctx context.Context) (raquet.Schema, error) {
	data, closer, err := s.db.Get(codec.SchemaKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return raquet.Schema{}, fmt.Errorf("%w: no schema stored", raquet.ErrNotRaquet)
	}
	if err != nil {
		return raquet.Schema{}, err
	}
	defer closer.Close()
	return codec.DecodeSchema(data)
}

func (s *PebbleTable) Close() error {
	return s.db.Close()
}
