// Package migrations embeds the Postgres schema for the event log and its
// projections.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
