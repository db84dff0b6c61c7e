// Package database provides the SQLite store behind job history and the
// namespace database.
//
// It manages the connection (WAL mode, busy timeout, a single writer) and
// applies the schema migrations embedded by the migrations package. Every
// query uses placeholders; the database file is created 0600.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or have defaults, and
// every .up.sql has a matching .down.sql.
package database
