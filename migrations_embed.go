package odeon

import (
	"embed"
	"io/fs"
)

// embeddedMigrations contains the bundled database migration files,
// one directory per database type (sqlite, postgresql, mysql).
//
//go:embed schema/db/migrations
var embeddedMigrations embed.FS

// EmbeddedMigrationsFS returns a filesystem rooted at schema/db/migrations
// for use with the migrations package.
func EmbeddedMigrationsFS() fs.FS {
	subFS, err := fs.Sub(embeddedMigrations, "schema/db/migrations")
	if err != nil {
		// This should never happen with embedded files
		panic("failed to create sub filesystem for migrations: " + err.Error())
	}
	return subFS
}
