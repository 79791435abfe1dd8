// Package migrations embeds the SQL migration files so the binary can
// provision a tenant database without requiring files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
