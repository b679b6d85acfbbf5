// Package migrations holds the SQL for the relational side tables.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
