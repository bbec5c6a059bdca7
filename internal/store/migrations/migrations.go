// Package migrations embeds the SQL schema migrations for the app store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
