//go:build !sqlite_cgo

package sqlite

// Built by default: the pure Go driver needs no C toolchain.
//
//	CGO_ENABLED=0 go build ./...

import (
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

const (
	// DriverName is the database/sql driver the destination opens.
	DriverName = "sqlite"

	// BuildMode describes the current build configuration.
	BuildMode = "purego"
)

// dsn sets per-connection pragmas through the driver's _pragma parameters.
func dsn(path string, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
	q.Add("_pragma", "foreign_keys(1)")
	if readOnly {
		q.Add("_pragma", "query_only(1)")
	}
	return withParams(path, q)
}
