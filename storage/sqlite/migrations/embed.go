package migrations

import "embed"

// FS contains the embedded SQLite migrations for the wallet store.
//
//go:embed *.sql
var FS embed.FS
