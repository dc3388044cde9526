// Package testutil provides test utilities for gridfill, including:
//   - an in-memory SQLite store opened through the production path (store.go)
//   - miniredis helpers for Redis-backed components (miniredis.go)
//   - generation unit and raw record fixtures (fixtures.go)
//
// None of the helpers need Docker; every test runs with a plain `go test ./...`.
package testutil
