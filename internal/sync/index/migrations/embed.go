// Package migrations holds the goose migrations for the metadata index.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
