// Package dbmigrations exposes the embedded SQL migrations for the instrument catalogue.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into the gateway binaries.
//
//go:embed *.sql
var Files embed.FS
