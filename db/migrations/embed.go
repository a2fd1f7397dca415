// Package dbmigrations exposes the embedded SQL migrations for the tick store.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into capture binaries.
//
//go:embed *.sql
var Files embed.FS
