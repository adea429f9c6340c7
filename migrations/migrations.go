// Package migrations embeds the reconciliation ledger schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
