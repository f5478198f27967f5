// Package migrations embeds the SQLite schema for the AgentID store.
package migrations

import "embed"

// FS contains the SQLite migration files.
//
//go:embed *.sql
var FS embed.FS
