package sqlite

import "database/sql"

// schema sets up the node tree and the change log. These run on startup to
// ensure tables exist.
//
// nodes holds one row per leaf; a subtree is read as a range scan over the
// path prefix. changes is an append-only log of written paths, tailed by
// every store instance sharing the database file so subscribers in other
// processes see the write.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
    path TEXT PRIMARY KEY,
    value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS changes (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    changed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_changed_at ON changes(changed_at);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
