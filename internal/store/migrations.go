package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Migration is one named, ordered schema change. Name must start with the
// migration's zero-padded list index (e.g. "0001_init") — Open asserts this
// so the on-disk ordering is always visible and can never silently drift
// from the in-binary list.
type Migration struct {
	Name string
	SQL  string
}

// migrations is the static, ordered migration chain for the store's data
// tables (state, conversations, history, knowledge); the migrations ledger
// itself is bootstrapped separately in runMigrations.
var migrations = []Migration{
	{
		Name: "0001_init",
		SQL: `
CREATE TABLE IF NOT EXISTS state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS conversations (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`,
	},
	{
		Name: "0002_history",
		SQL: `
CREATE TABLE IF NOT EXISTS history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	command    TEXT NOT NULL,
	shell      TEXT NOT NULL,
	pid        INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	cwd        TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	duration   INTEGER NOT NULL,
	hostname   TEXT NOT NULL,
	exit_code  INTEGER NOT NULL
);
`,
	},
	{
		Name: "0003_history_session_index",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_history_session ON history(session_id);`,
	},
	{
		Name: "0004_knowledge",
		SQL: `
CREATE TABLE IF NOT EXISTS knowledge (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	content    TEXT NOT NULL,
	tags       TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`,
	},
}

// assertMigrationNaming panics if a migration's name doesn't start with its
// zero-padded list index. This is an invariant violation, not a runtime
// error: the migration list is compiled into the binary, so a mismatch here
// means a programming mistake, not bad input.
func assertMigrationNaming(ms []Migration) {
	for i, m := range ms {
		want := fmt.Sprintf("%04d", i+1)
		if !strings.HasPrefix(m.Name, want) {
			panic(fmt.Sprintf("store: migration %d named %q must start with %q", i, m.Name, want))
		}
	}
}

// runMigrations applies every migration whose index exceeds the max index
// recorded in the migrations ledger, each inside its own write transaction.
func runMigrations(ctx context.Context, db *sql.DB, ms []Migration) error {
	assertMigrationNaming(ms)

	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS migrations (
	version        INTEGER PRIMARY KEY,
	name           TEXT NOT NULL,
	migration_time INTEGER NOT NULL
);`); err != nil {
		return wrapErr(ErrSQL, err)
	}

	var maxVersion int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM migrations`)
	if err := row.Scan(&maxVersion); err != nil {
		return wrapErr(ErrSQL, err)
	}

	for i, m := range ms {
		version := i + 1
		if version <= maxVersion {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return wrapErr(ErrSQL, err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return wrapErr(ErrSQL, fmt.Errorf("migration %s: %w", m.Name, err))
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO migrations (version, name, migration_time) VALUES (?, ?, strftime('%s','now'))`,
			version, m.Name,
		); err != nil {
			tx.Rollback()
			return wrapErr(ErrSQL, fmt.Errorf("recording migration %s: %w", m.Name, err))
		}

		if err := tx.Commit(); err != nil {
			return wrapErr(ErrSQL, err)
		}
	}

	return nil
}

// appliedMigrationCount returns the number of rows in the migrations ledger,
// used by tests to assert idempotent reopen (property from spec.md §8,
// scenario 4).
func appliedMigrationCount(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM migrations`)
	if err := row.Scan(&n); err != nil {
		return 0, wrapErr(ErrSQL, err)
	}
	return n, nil
}

// maxMigrationVersion returns the highest applied migration version.
func maxMigrationVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM migrations`)
	if err := row.Scan(&v); err != nil {
		return 0, wrapErr(ErrSQL, err)
	}
	return v, nil
}
