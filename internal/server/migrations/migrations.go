// Package migrations embeds the reference server's postgres schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
