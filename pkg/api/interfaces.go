package api

import (
	"context"
	"log/slog"

	"github.com/ssargent/raquet/pkg/raquet"
)

// ServerStarter defines the interface for starting the API server
type ServerStarter interface {
	// StartServer serves table until ctx is done.
	StartServer(ctx context.Context, table raquet.TableReader, config ServerConfig, log *slog.Logger) error
}

// ServerFactory creates server instances
type ServerFactory interface {
	// CreateServerStarter creates a server starter
	CreateServerStarter() ServerStarter
}
