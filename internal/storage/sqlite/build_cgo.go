//go:build sqlite_cgo

package sqlite

// Built with the sqlite_cgo tag for the C SQLite library:
//
//	CGO_ENABLED=1 go build -tags sqlite_cgo ./...

import (
	"net/url"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the database/sql driver the destination opens.
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration.
	BuildMode = "cgo"
)

// dsn sets per-connection pragmas through go-sqlite3's DSN parameters.
func dsn(path string, readOnly bool) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.Itoa(busyTimeoutMillis))
	q.Set("_foreign_keys", "1")
	if readOnly {
		q.Set("_query_only", "1")
	}
	return withParams(path, q)
}
