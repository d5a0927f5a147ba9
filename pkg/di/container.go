// Package di provides dependency injection container
package di

import (
	"fmt"
	"os"
	"strings"

	"github.com/ssargent/raquet/pkg/api" //nolint:depguard
	"github.com/ssargent/raquet/pkg/cellindex"
	"github.com/ssargent/raquet/pkg/config"
	"github.com/ssargent/raquet/pkg/geotiff"
	"github.com/ssargent/raquet/pkg/raquet"
	"github.com/ssargent/raquet/pkg/raster"
	"github.com/ssargent/raquet/pkg/storage"
	"github.com/ssargent/raquet/pkg/store"
	"github.com/ssargent/raquet/pkg/warp"
)

// Table is a persisted table open for reading and writing.
type Table interface {
	raquet.TableWriter
	raquet.TableReader
	Close() error
}

// TableBackend creates and opens tables of one storage kind.
type TableBackend interface {
	// Create returns a handle for writing a new table at path.
	Create(path string) (Table, error)
	// Open opens an existing table at path.
	Open(path string) (Table, error)
}

type fileBackend struct{}

func (fileBackend) Create(path string) (Table, error) {
	return store.NewTableFile(path), nil
}

func (fileBackend) Open(path string) (Table, error) {
	tf, err := store.OpenTableFile(path)
	if err != nil {
		return nil, err
	}
	return tf, nil
}

type pebbleBackend struct{}

func (pebbleBackend) Create(path string) (Table, error) {
	return storage.OpenPebbleTable(path)
}

func (pebbleBackend) Open(path string) (Table, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open pebble table: %w", err)
	}
	return storage.OpenPebbleTable(path)
}

// Container holds all the dependencies for the application
type Container struct {
	serverFactory api.ServerFactory
	opener        raster.Opener
	writer        raster.Writer
	reprojector   raster.Reprojector
	index         cellindex.Index
	backends      map[string]TableBackend
}

// NewContainer creates a new dependency injection container
func NewContainer() *Container {
	return &Container{
		serverFactory: api.NewServerFactory(),
		opener:        geotiff.Reader{},
		writer:        geotiff.Writer{},
		reprojector:   warp.New(),
		index:         cellindex.Default,
		backends: map[string]TableBackend{
			config.BackendFile:   fileBackend{},
			config.BackendPebble: pebbleBackend{},
		},
	}
}

// GetServerFactory returns the server factory
func (c *Container) GetServerFactory() api.ServerFactory {
	return c.serverFactory
}

// SetServerFactory allows overriding the server factory (for testing)
func (c *Container) SetServerFactory(factory api.ServerFactory) {
	c.serverFactory = factory
}

// Opener returns the raster file reader.
func (c *Container) Opener() raster.Opener {
	return c.opener
}

// SetOpener overrides the raster file reader.
func (c *Container) SetOpener(o raster.Opener) {
	c.opener = o
}

// Writer returns the raster file writer.
func (c *Container) Writer() raster.Writer {
	return c.writer
}

// SetWriter overrides the raster file writer.
func (c *Container) SetWriter(w raster.Writer) {
	c.writer = w
}

// Reprojector returns the reprojection collaborator.
func (c *Container) Reprojector() raster.Reprojector {
	return c.reprojector
}

// Index returns the cell index scheme.
func (c *Container) Index() cellindex.Index {
	return c.index
}

// Backend returns the table backend registered under name.
func (c *Container) Backend(name string) (TableBackend, error) {
	b, ok := c.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, name)
	}
	return b, nil
}

// DetectBackend guesses the backend of an existing table: directories are
// Pebble tables, files are table logs. fallback is returned when path does
// not exist.
func DetectBackend(path, fallback string) string {
	info, err := os.Stat(path)
	switch {
	case err != nil:
		if strings.HasSuffix(path, store.Extension) {
			return config.BackendFile
		}
		return fallback
	case info.IsDir():
		return config.BackendPebble
	default:
		return config.BackendFile
	}
}

// CreateTable returns a writable table at path on the named backend.
func (c *Container) CreateTable(backend, path string) (Table, error) {
	b, err := c.Backend(backend)
	if err != nil {
		return nil, err
	}
	return b.Create(path)
}

// OpenTable opens the table at path, detecting its backend.
func (c *Container) OpenTable(path, fallback string) (Table, error) {
	b, err := c.Backend(DetectBackend(path, fallback))
	if err != nil {
		return nil, err
	}
	return b.Open(path)
}
