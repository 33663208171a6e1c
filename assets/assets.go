// Package assets contains static assets embedded into the recollect binary.
package assets

import "embed"

const (
	// PostgresMigrationDir is the migration directory for the postgres datastore.
	PostgresMigrationDir = "migrations/postgres"
)

//go:embed migrations/*
var EmbedMigrations embed.FS
