// Package migrations embeds the versioned schema files applied by db.Migrate.
package migrations

import "embed"

// FS holds every numbered migration file. Files are applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
