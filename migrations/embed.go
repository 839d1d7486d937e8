// Package migrations ships the schema as embedded SQL so the binary
// can migrate itself on startup from any working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
