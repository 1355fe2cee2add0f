// Package storage opens the import destination named by the configuration.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/JonMunkholm/csvingest/internal/config"
	"github.com/JonMunkholm/csvingest/internal/ingest"
	"github.com/JonMunkholm/csvingest/internal/storage/postgres"
	"github.com/JonMunkholm/csvingest/internal/storage/sqlite"
)

// Destination is what both drivers provide.
type Destination interface {
	ingest.Destination
	ingest.TableReader
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Destination = (*postgres.Destination)(nil)
	_ Destination = (*sqlite.Destination)(nil)
)

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Destination, error) {
	var (
		dest Destination
		err  error
	)
	switch cfg.Driver {
	case config.DriverPostgres:
		dest, err = postgres.Open(ctx, cfg.URL, postgres.PoolOptions{
			MaxConns:        int32(cfg.MaxConns),
			MinConns:        int32(cfg.MinConns),
			MaxConnLifetime: cfg.MaxConnLifetime,
			MaxConnIdleTime: cfg.MaxConnIdleTime,
		})
	case config.DriverSQLite:
		dest, err = sqlite.Open(cfg.URL)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := dest.Ping(ctx); err != nil {
		dest.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return dest, nil
}

// Describe names the database for logs without credentials.
func Describe(cfg config.DatabaseConfig) string {
	if cfg.Driver != config.DriverPostgres {
		return cfg.URL
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return "postgres"
	}
	return u.Host + "/" + strings.TrimPrefix(u.Path, "/")
}
