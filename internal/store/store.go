// Package store implements the persistent, embedded relational store shared
// by every other subsystem: key-value settings, conversation blobs, and a
// command-history log, behind a single SQLite file opened with a bounded
// connection pool and a forward-only migration chain.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	tableState         = "state"
	tableConversations = "conversations"
)

// Store is the embedded relational store. All operations are safe for
// concurrent use; writes are serialized onto a single connection because
// SQLite only supports one writer at a time, while reads use a separate
// pool capped at 4 open connections.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
}

// Open creates (if needed) and opens the store at {dir}/state.db, running
// any pending migrations. The directory is created with 0700 permissions
// and the database file is left at 0600.
func Open(ctx context.Context, dir string) (*Store, error) {
	if dir == "" {
		return nil, wrapErr(ErrDirectory, fmt.Errorf("empty directory"))
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, wrapErr(ErrDirectory, err)
	}

	path := filepath.Join(dir, "state.db")

	// Ensure the file exists up front so we can enforce permissions even
	// before the driver creates it lazily on first connection.
	if _, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600); err != nil {
		return nil, wrapErr(ErrIO, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return nil, wrapErr(ErrIO, err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapErr(ErrSQL, err)
	}
	// SQLite allows exactly one writer; pooling more connections on the
	// write handle just produces SQLITE_BUSY under contention.
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDB.Close()
		return nil, wrapErr(ErrSQL, err)
	}
	readDB.SetMaxOpenConns(4)

	if err := runMigrations(ctx, writeDB, migrations); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, err
	}

	return &Store{writeDB: writeDB, readDB: readDB, path: path}, nil
}

// Path returns the on-disk database file path.
func (s *Store) Path() string { return s.path }

// Close releases both connection pools.
func (s *Store) Close() error {
	werr := s.writeDB.Close()
	rerr := s.readDB.Close()
	if werr != nil {
		return wrapErr(ErrIO, werr)
	}
	if rerr != nil {
		return wrapErr(ErrIO, rerr)
	}
	return nil
}

func validTable(table string) bool {
	return table == tableState || table == tableConversations
}

// GetEntry returns the raw string value for key in table, or ("", false, nil)
// if absent.
func (s *Store) GetEntry(ctx context.Context, table, key string) (string, bool, error) {
	if !validTable(table) {
		return "", false, wrapErr(ErrInvalidSetting, fmt.Errorf("unknown table %q", table))
	}
	row := s.readDB.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, table), key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, wrapErr(ErrSQL, err)
	}
	return value, true, nil
}

// SetEntry upserts key=value into table.
func (s *Store) SetEntry(ctx context.Context, table, key, value string) error {
	if !validTable(table) {
		return wrapErr(ErrInvalidSetting, fmt.Errorf("unknown table %q", table))
	}
	_, err := s.writeDB.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, table),
		key, value,
	)
	if err != nil {
		return wrapErr(ErrSQL, err)
	}
	return nil
}

// DeleteEntry removes key from table. Deleting an absent key is not an error.
func (s *Store) DeleteEntry(ctx context.Context, table, key string) error {
	if !validTable(table) {
		return wrapErr(ErrInvalidSetting, fmt.Errorf("unknown table %q", table))
	}
	_, err := s.writeDB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, table), key)
	if err != nil {
		return wrapErr(ErrSQL, err)
	}
	return nil
}

// AllEntries returns every key/value pair in table.
func (s *Store) AllEntries(ctx context.Context, table string) (map[string]string, error) {
	if !validTable(table) {
		return nil, wrapErr(ErrInvalidSetting, fmt.Errorf("unknown table %q", table))
	}
	rows, err := s.readDB.QueryContext(ctx, fmt.Sprintf(`SELECT key, value FROM %s`, table))
	if err != nil {
		return nil, wrapErr(ErrSQL, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, wrapErr(ErrSQL, err)
		}
		result[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(ErrSQL, err)
	}
	return result, nil
}

// GetJSON reads key from table and unmarshals it into out. Returns
// (false, nil) if the key is absent.
func (s *Store) GetJSON(ctx context.Context, table, key string, out any) (bool, error) {
	raw, ok, err := s.GetEntry(ctx, table, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return true, wrapErr(ErrSerialize, err)
	}
	return true, nil
}

// SetJSON marshals value and stores it under key in table.
func (s *Store) SetJSON(ctx context.Context, table, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return wrapErr(ErrSerialize, err)
	}
	return s.SetEntry(ctx, table, key, string(data))
}

// Named state helpers — thin typed wrappers over the "state" table's kv
// entries, matching the spec's enumerated named-state accessors.

const (
	keyCurrentProfile    = "current_profile"
	keyClientID          = "client_id"
	keyIdCStartURL       = "idc_start_url"
	keyIdCRegion         = "idc_region"
	keyRotatingTipIndex  = "rotating_tip_index"
	keyCognitoCreds      = "cognito_credentials"
)

// CurrentProfile returns the active profile name, or "" if unset.
func (s *Store) CurrentProfile(ctx context.Context) (string, error) {
	v, _, err := s.GetEntry(ctx, tableState, keyCurrentProfile)
	return v, err
}

// SetCurrentProfile persists the active profile name.
func (s *Store) SetCurrentProfile(ctx context.Context, name string) error {
	return s.SetEntry(ctx, tableState, keyCurrentProfile, name)
}

// ClientID returns the persisted telemetry client id, or ("", false, nil).
func (s *Store) ClientID(ctx context.Context) (string, bool, error) {
	return s.GetEntry(ctx, tableState, keyClientID)
}

// SetClientID persists the telemetry client id.
func (s *Store) SetClientID(ctx context.Context, id string) error {
	return s.SetEntry(ctx, tableState, keyClientID, id)
}

// IdCStartURLAndRegion returns the persisted AWS IAM Identity Center start
// URL and region, if set.
func (s *Store) IdCStartURLAndRegion(ctx context.Context) (startURL, region string, err error) {
	startURL, _, err = s.GetEntry(ctx, tableState, keyIdCStartURL)
	if err != nil {
		return "", "", err
	}
	region, _, err = s.GetEntry(ctx, tableState, keyIdCRegion)
	return startURL, region, err
}

// SetIdCStartURLAndRegion persists the IdC start URL and region.
func (s *Store) SetIdCStartURLAndRegion(ctx context.Context, startURL, region string) error {
	if err := s.SetEntry(ctx, tableState, keyIdCStartURL, startURL); err != nil {
		return err
	}
	return s.SetEntry(ctx, tableState, keyIdCRegion, region)
}

// RotatingTipIndex returns the last-shown rotating-tip index.
func (s *Store) RotatingTipIndex(ctx context.Context) (int, error) {
	var idx int
	ok, err := s.GetJSON(ctx, tableState, keyRotatingTipIndex, &idx)
	if err != nil || !ok {
		return 0, err
	}
	return idx, nil
}

// SetRotatingTipIndex persists the rotating-tip index.
func (s *Store) SetRotatingTipIndex(ctx context.Context, idx int) error {
	return s.SetJSON(ctx, tableState, keyRotatingTipIndex, idx)
}

// CognitoCredentials is the cached set of temporary AWS credentials
// obtained via Cognito identity-pool exchange.
type CognitoCredentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
	ExpiresAt       int64  `json:"expiresAt"`
}

// CachedCognitoCredentials returns the cached Cognito credentials, if any.
func (s *Store) CachedCognitoCredentials(ctx context.Context) (*CognitoCredentials, error) {
	var creds CognitoCredentials
	ok, err := s.GetJSON(ctx, tableState, keyCognitoCreds, &creds)
	if err != nil || !ok {
		return nil, err
	}
	return &creds, nil
}

// SetCachedCognitoCredentials persists Cognito credentials.
func (s *Store) SetCachedCognitoCredentials(ctx context.Context, creds *CognitoCredentials) error {
	return s.SetJSON(ctx, tableState, keyCognitoCreds, creds)
}

// ContextPatterns returns the persisted context glob patterns for scope
// ("global", or "profile:<name>"), or nil if none are stored.
func (s *Store) ContextPatterns(ctx context.Context, scope string) ([]string, error) {
	var patterns []string
	_, err := s.GetJSON(ctx, tableState, "context_patterns:"+scope, &patterns)
	return patterns, err
}

// SetContextPatterns persists the context glob patterns for scope.
func (s *Store) SetContextPatterns(ctx context.Context, scope string, patterns []string) error {
	return s.SetJSON(ctx, tableState, "context_patterns:"+scope, patterns)
}

// ConversationByPath returns the persisted conversation blob keyed by
// working-directory path.
func (s *Store) ConversationByPath(ctx context.Context, path string) (string, bool, error) {
	return s.GetEntry(ctx, tableConversations, path)
}

// SetConversationByPath persists a conversation blob keyed by path.
func (s *Store) SetConversationByPath(ctx context.Context, path, blob string) error {
	return s.SetEntry(ctx, tableConversations, path, blob)
}

// HistoryEntry is one row of the command-execution log.
type HistoryEntry struct {
	ID        int64
	Command   string
	Shell     string
	PID       int
	SessionID string
	CWD       string
	StartTime int64
	Duration  int64
	Hostname  string
	ExitCode  int
}

// AppendHistory records one executed command.
func (s *Store) AppendHistory(ctx context.Context, e HistoryEntry) (int64, error) {
	res, err := s.writeDB.ExecContext(ctx, `
INSERT INTO history (command, shell, pid, session_id, cwd, start_time, duration, hostname, exit_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Command, e.Shell, e.PID, e.SessionID, e.CWD, e.StartTime, e.Duration, e.Hostname, e.ExitCode,
	)
	if err != nil {
		return 0, wrapErr(ErrSQL, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapErr(ErrSQL, err)
	}
	return id, nil
}

// HistoryBySession returns all history entries for a session, oldest first.
func (s *Store) HistoryBySession(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	rows, err := s.readDB.QueryContext(ctx, `
SELECT id, command, shell, pid, session_id, cwd, start_time, duration, hostname, exit_code
FROM history WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, wrapErr(ErrSQL, err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.Command, &e.Shell, &e.PID, &e.SessionID, &e.CWD, &e.StartTime, &e.Duration, &e.Hostname, &e.ExitCode); err != nil {
			return nil, wrapErr(ErrSQL, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// KnowledgeEntry is one persisted note in the agent's long-lived knowledge
// base, searchable across sessions.
type KnowledgeEntry struct {
	ID        int64
	Content   string
	Tags      string
	CreatedAt int64
}

// AddKnowledgeEntry persists a note, returning its assigned id.
func (s *Store) AddKnowledgeEntry(ctx context.Context, content, tags string, createdAt int64) (int64, error) {
	res, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO knowledge (content, tags, created_at) VALUES (?, ?, ?)`,
		content, tags, createdAt,
	)
	if err != nil {
		return 0, wrapErr(ErrSQL, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapErr(ErrSQL, err)
	}
	return id, nil
}

// SearchKnowledgeEntries returns notes whose content or tags contain query
// (case-insensitive substring match), newest first, capped at limit.
func (s *Store) SearchKnowledgeEntries(ctx context.Context, query string, limit int) ([]KnowledgeEntry, error) {
	like := "%" + query + "%"
	rows, err := s.readDB.QueryContext(ctx, `
SELECT id, content, tags, created_at FROM knowledge
WHERE content LIKE ? ESCAPE '\' OR tags LIKE ? ESCAPE '\'
ORDER BY id DESC LIMIT ?`, like, like, limit)
	if err != nil {
		return nil, wrapErr(ErrSQL, err)
	}
	defer rows.Close()
	return scanKnowledgeRows(rows)
}

// ListKnowledgeEntries returns the most recent notes, newest first, capped
// at limit.
func (s *Store) ListKnowledgeEntries(ctx context.Context, limit int) ([]KnowledgeEntry, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, content, tags, created_at FROM knowledge ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapErr(ErrSQL, err)
	}
	defer rows.Close()
	return scanKnowledgeRows(rows)
}

// DeleteKnowledgeEntry removes a note by id. Deleting an absent id is not
// an error.
func (s *Store) DeleteKnowledgeEntry(ctx context.Context, id int64) error {
	_, err := s.writeDB.ExecContext(ctx, `DELETE FROM knowledge WHERE id = ?`, id)
	if err != nil {
		return wrapErr(ErrSQL, err)
	}
	return nil
}

func scanKnowledgeRows(rows *sql.Rows) ([]KnowledgeEntry, error) {
	var out []KnowledgeEntry
	for rows.Next() {
		var e KnowledgeEntry
		if err := rows.Scan(&e.ID, &e.Content, &e.Tags, &e.CreatedAt); err != nil {
			return nil, wrapErr(ErrSQL, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SchemaVersion returns the highest applied migration version — used by
// diagnostics and tests asserting the migration ledger is monotonic.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return maxMigrationVersion(ctx, s.writeDB)
}

// AppliedMigrationCount returns how many migration rows are recorded;
// reopening an up-to-date store must leave this unchanged.
func (s *Store) AppliedMigrationCount(ctx context.Context) (int, error) {
	return appliedMigrationCount(ctx, s.writeDB)
}
