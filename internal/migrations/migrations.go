// Package migrations embeds the versioned SQL schema shipped with the server.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
