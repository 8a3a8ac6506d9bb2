package streambuf

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteJournal is a write-behind copy of buffer mutations backed by
// SQLite. It exists for post-hoc inspection of what an execution emitted;
// the in-memory buffer never reads from it.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenJournal creates or opens the journal database at the given path.
func OpenJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	j := &SQLiteJournal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func (j *SQLiteJournal) migrate() error {
	if _, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := j.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		journalMigrateV1,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](j.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := j.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func journalMigrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stream_state (
			request_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE IF NOT EXISTS stream_chunks (
			request_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			payload BLOB,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (request_id, seq)
		);
	`)
	return err
}

// AppendChunk records one emitted chunk.
func (j *SQLiteJournal) AppendChunk(requestID string, c Chunk) error {
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO stream_chunks (request_id, seq, message_id, payload)
		VALUES (?, ?, ?, ?)
	`, requestID, c.Seq, c.MessageID, []byte(c.Payload))
	if err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}
	return nil
}

// SetState upserts the stream's lifecycle state.
func (j *SQLiteJournal) SetState(requestID string, s State) error {
	_, err := j.db.Exec(`
		INSERT INTO stream_state (request_id, state, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(request_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, requestID, string(s))
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

// Delete removes all journal rows for an execution.
func (j *SQLiteJournal) Delete(requestID string) error {
	if _, err := j.db.Exec("DELETE FROM stream_chunks WHERE request_id = ?", requestID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := j.db.Exec("DELETE FROM stream_state WHERE request_id = ?", requestID); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}
