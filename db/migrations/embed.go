// Package dbmigrations exposes the embedded SQL migrations for tradesync binaries.
package dbmigrations

import "embed"

// Files contains the postgres migrations.
//
//go:embed *.sql
var Files embed.FS
