// Package raquet defines the tiled raster table: one row per block keyed by
// cell identifier, plus a metadata row at cell 0 describing the dataset.
package raquet

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/ssargent/raquet/pkg/raster"
)

const (
	BlockColumn    = "block"
	MetadataColumn = "metadata"

	// MetadataCell is the reserved cell identifier of the metadata row.
	MetadataCell uint64 = 0
)

var (
	ErrNotRaquet   = errors.New("not a valid tiled raster file")
	ErrRowNotFound = errors.New("row not found")
)

// ColumnType is the physical type of a table column.
type ColumnType string

const (
	TypeUint64 ColumnType = "uint64"
	TypeInt64  ColumnType = "int64"
	TypeString ColumnType = "string"
	TypeBinary ColumnType = "binary"
)

// Column is one named, typed column. Every column except block is nullable.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema is the ordered column list of a table.
type Schema struct {
	Columns []Column `json:"columns"`
}

// NewSchema builds the block, metadata, band_1..band_n schema.
func NewSchema(bands int) Schema {
	cols := []Column{
		{Name: BlockColumn, Type: TypeUint64},
		{Name: MetadataColumn, Type: TypeString},
	}
	for i := 0; i < bands; i++ {
		cols = append(cols, Column{Name: raster.BandName(i), Type: TypeBinary})
	}
	return Schema{Columns: cols}
}

// Column returns the column called name.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Validate checks for an integer block column and a string metadata column.
func (s Schema) Validate() error {
	bc, ok := s.Column(BlockColumn)
	if !ok || (bc.Type != TypeUint64 && bc.Type != TypeInt64) {
		return fmt.Errorf("%w: no integer %q column", ErrNotRaquet, BlockColumn)
	}
	mc, ok := s.Column(MetadataColumn)
	if !ok || mc.Type != TypeString {
		return fmt.Errorf("%w: no string %q column", ErrNotRaquet, MetadataColumn)
	}
	return nil
}

// BandColumns returns the names of the binary band columns in order.
func (s Schema) BandColumns() []string {
	var names []string
	for _, c := range s.Columns {
		if c.Type == TypeBinary {
			names = append(names, c.Name)
		}
	}
	return names
}

// Row is one table row. A nil Metadata or nil band payload is a null value.
type Row struct {
	Block    uint64
	Metadata *string
	Bands    [][]byte
}

// IsMetadata reports whether r is the reserved metadata row.
func (r Row) IsMetadata() bool {
	return r.Block == MetadataCell
}

// Table is a fully materialized tiled raster table.
type Table struct {
	Schema Schema
	Rows   []Row
}

// MetadataRow returns the row at cell 0.
func (t *Table) MetadataRow() (*Row, bool) {
	for i := range t.Rows {
		if t.Rows[i].IsMetadata() {
			return &t.Rows[i], true
		}
	}
	return nil, false
}

// Metadata parses the JSON carried by the metadata row.
func (t *Table) Metadata() (*Metadata, error) {
	row, ok := t.MetadataRow()
	if !ok || row.Metadata == nil {
		return nil, fmt.Errorf("%w: missing metadata row", ErrNotRaquet)
	}
	return ParseMetadata([]byte(*row.Metadata))
}

// DataRows returns every row except the metadata row.
func (t *Table) DataRows() []Row {
	rows := make([]Row, 0, len(t.Rows))
	for _, r := range t.Rows {
		if !r.IsMetadata() {
			rows = append(rows, r)
		}
	}
	return rows
}

// SortRows orders rows by cell identifier, metadata first.
func (t *Table) SortRows() {
	sort.Slice(t.Rows, func(i, j int) bool { return t.Rows[i].Block < t.Rows[j].Block })
}

// IsRaquet reports whether t satisfies the detection contract: a block column
// of an integer type, a metadata string column, and a row at cell 0 whose
// metadata parses as JSON.
func IsRaquet(t *Table) bool {
	return Detect(t) == nil
}

// Detect is IsRaquet returning the reason for rejection.
func Detect(t *Table) error {
	if t == nil {
		return fmt.Errorf("%w: no table", ErrNotRaquet)
	}
	if err := t.Schema.Validate(); err != nil {
		return err
	}
	row, ok := t.MetadataRow()
	if !ok || row.Metadata == nil {
		return fmt.Errorf("%w: missing metadata row", ErrNotRaquet)
	}
	if !json.Valid([]byte(*row.Metadata)) {
		return fmt.Errorf("%w: metadata is not JSON", ErrNotRaquet)
	}
	return nil
}

// TableWriter persists a complete table.
type TableWriter interface {
	WriteTable(ctx context.Context, t *Table) error
}

// TableReader reads a persisted table fully or by cell identifier.
type TableReader interface {
	ReadTable(ctx context.Context) (*Table, error)
	// ReadRange returns rows with lo <= block < hi in block order.
	ReadRange(ctx context.Context, lo, hi uint64) ([]Row, error)
	GetRow(ctx context.Context, block uint64) (*Row, error)
	Schema(ctx context.Context) (Schema, error)
}

// LoadMetadata applies the detection contract through r and parses the
// metadata row.
func LoadMetadata(ctx context.Context, r TableReader) (*Metadata, error) {
	schema, err := r.Schema(ctx)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	row, err := r.GetRow(ctx, MetadataCell)
	if err != nil {
		if errors.Is(err, ErrRowNotFound) {
			return nil, fmt.Errorf("%w: missing metadata row", ErrNotRaquet)
		}
		return nil, err
	}
	if row.Metadata == nil {
		return nil, fmt.Errorf("%w: metadata row has no metadata", ErrNotRaquet)
	}
	return ParseMetadata([]byte(*row.Metadata))
}
