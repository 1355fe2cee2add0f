// Package core runs imports on behalf of a transport such as the HTTP server.
//
// It wraps the engine in package ingest with the pieces a long-running
// process needs: uploads are spooled to disk so both passes can read them,
// commits run in the background under a concurrency limit, and finished
// imports stay queryable until they expire.
//
// # Lifecycle
//
//  1. [Service.Preview] spools the upload and runs the preview pass.
//  2. [Service.Reconfigure] repeats the preview with other settings.
//  3. [Service.Commit] applies column overrides, confirms the schema and
//     starts the commit pass. One commit per table at a time.
//  4. [Service.SubscribeProgress], [Service.Cancel] and [Service.Result]
//     follow the running commit.
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each error category has a unique code for support reference:
//
//   - DB001-DB009: Database errors (duplicates, constraints, connections)
//   - VAL001-VAL004: Session and schema errors
//   - FILE001-FILE005: File errors (size, encoding, format)
//   - IMP001-IMP008: Import errors (cancelled, busy, not found, timeout)
package core
