// Package migrations embeds the SQL applied to each hospital schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
