// Package migrations embeds the SQL schema migrations.
package migrations

import "embed"

// FS holds the *.sql migration scripts
//
//go:embed *.sql
var FS embed.FS
