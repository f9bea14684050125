package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	start_time DATETIME,
	backend TEXT,
	document_key TEXT,
	document_name TEXT,
	document_text TEXT,
	document_pages INTEGER
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	seq INTEGER,
	role TEXT,
	content TEXT,
	timestamp DATETIME,
	FOREIGN KEY(session_id) REFERENCES sessions(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_session_seq ON messages(session_id, seq);`

// columns added after the first schema; ALTER fails harmlessly once applied
var migrations = []string{
	"ALTER TABLE sessions ADD COLUMN document_text TEXT",
	"ALTER TABLE sessions ADD COLUMN document_pages INTEGER",
}

// SQLiteStore persists sessions in a SQLite database so transcripts survive restarts
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (and if needed creates) the session database at dsn
func OpenSQLite(dsn string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			db.Close()
			return nil, fmt.Errorf("failed to migrate tables: %w", err)
		}
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Load loads a session and its turns in conversation order
func (s *SQLiteStore) Load(ctx context.Context, id string) (*State, error) {
	var state State
	var docKey, docName, docText sql.NullString
	var docPages sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		"SELECT id, start_time, backend, document_key, document_name, document_text, document_pages FROM sessions WHERE id = ?", id).
		Scan(&state.ID, &state.StartTime, &state.Backend, &docKey, &docName, &docText, &docPages)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	state.DocumentKey = docKey.String
	state.DocumentName = docName.String
	state.DocumentText = docText.String
	state.DocumentPages = int(docPages.Int64)

	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, timestamp FROM messages WHERE session_id = ? ORDER BY seq",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	state.Turns = []Turn{}
	for rows.Next() {
		var turn Turn
		if err := rows.Scan(&turn.Role, &turn.Content, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		state.Turns = append(state.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return &state, nil
}

// Save upserts the session row and inserts only the turns not stored yet,
// since the log is append-only.
func (s *SQLiteStore) Save(ctx context.Context, state *State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO sessions (id, start_time, backend, document_key, document_name, document_text, document_pages) VALUES (?, ?, ?, ?, ?, ?, ?)",
		state.ID, state.StartTime, state.Backend, state.DocumentKey, state.DocumentName, state.DocumentText, state.DocumentPages,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	var stored int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE session_id = ?", state.ID).Scan(&stored); err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}

	for seq := stored; seq < len(state.Turns); seq++ {
		turn := state.Turns[seq]
		_, err = tx.ExecContext(ctx,
			"INSERT INTO messages (session_id, seq, role, content, timestamp) VALUES (?, ?, ?, ?, ?)",
			state.ID, seq, string(turn.Role), turn.Content, turn.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("session saved", "session_id", state.ID, "message_count", len(state.Turns), "new_messages", len(state.Turns)-stored)
	return nil
}

// Delete removes a session and its messages
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
