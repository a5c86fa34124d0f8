// Package migrations embeds the goose migration set for the statestore
// backend, replacing the monorepo's separate coredb module (this project
// has one schema, owned by the package that uses it).
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
