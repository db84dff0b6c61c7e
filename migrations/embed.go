// Package migrations embeds the SQL schema into the binary so the bridge can
// migrate its database without the files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/printbridge/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
