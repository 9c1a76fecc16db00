package store

import (
	"database/sql"

	"github.com/cockroachdb/errors"
)

const migrationSQL = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    name TEXT NOT NULL,
    credential TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    last_run_at TEXT,
    last_run_status TEXT NOT NULL DEFAULT 'never',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_owner_credential ON accounts(owner, credential);
CREATE INDEX IF NOT EXISTS idx_accounts_created_at ON accounts(created_at);

CREATE TABLE IF NOT EXISTS grab_attempts (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    batch_id TEXT NOT NULL,
    trigger_type TEXT NOT NULL DEFAULT 'manual',
    occurred_at TEXT NOT NULL,
    status TEXT NOT NULL,
    account_status TEXT NOT NULL,
    succeeded_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    line_outcomes TEXT NOT NULL DEFAULT '[]',
    message TEXT,
    raw_output TEXT,
    duration_ms INTEGER,
    log_path TEXT,
    truncated INTEGER NOT NULL DEFAULT 0,
    exit_code INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_grab_attempts_account_id ON grab_attempts(account_id);
CREATE INDEX IF NOT EXISTS idx_grab_attempts_occurred_at ON grab_attempts(occurred_at);

CREATE TABLE IF NOT EXISTS audit_logs (
    id TEXT PRIMARY KEY,
    level TEXT NOT NULL,
    category TEXT NOT NULL,
    message TEXT NOT NULL,
    details TEXT,
    actor TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at);
`

// addedColumns lists columns introduced after a table's first release.
// Databases created before them are upgraded in place.
var addedColumns = []struct{ table, column, ddl string }{
	{"grab_attempts", "truncated", "INTEGER NOT NULL DEFAULT 0"},
	{"grab_attempts", "exit_code", "INTEGER NOT NULL DEFAULT 0"},
}

// RunMigrations applies the database schema migrations.
func RunMigrations(db *sql.DB) error {
	if _, err := db.Exec(migrationSQL); err != nil {
		return err
	}
	for _, c := range addedColumns {
		ok, err := hasColumn(db, c.table, c.column)
		if err != nil {
			return errors.Wrapf(err, "inspect %s", c.table)
		}
		if ok {
			continue
		}
		if _, err := db.Exec("ALTER TABLE " + c.table + " ADD COLUMN " + c.column + " " + c.ddl); err != nil {
			return errors.Wrapf(err, "add column %s.%s", c.table, c.column)
		}
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
