package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver for database/sql

	"github.com/user/deskmate/internal/types"
)

const threadSchemaDDL = `
CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL REFERENCES threads(id),
	id TEXT NOT NULL,
	role TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq);
`

// SQLiteStore keeps threads and messages in a SQLite database. Each
// message row carries its full JSON form in body.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path with WAL journaling and
// a 5-second busy timeout. ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: writes are serialized and :memory: stays one database.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, threadSchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create thread schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateThread(ctx context.Context, title string) (*types.Thread, error) {
	now := time.Now()
	th := &types.Thread{ID: types.NewThreadID(), Title: title, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		string(th.ID), th.Title, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return th, nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, id types.ThreadID) (*types.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM threads WHERE id = ?`, string(id))
	th, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	return th, nil
}

// ListThreads returns all threads, most recently updated first.
func (s *SQLiteStore) ListThreads(ctx context.Context) ([]*types.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM threads ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := []*types.Thread{}
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, th)
	}
	return threads, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, id types.ThreadID, msg *types.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var title string
	if err := tx.QueryRowContext(ctx, `SELECT title FROM threads WHERE id = ?`, string(id)).Scan(&title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
		}
		return fmt.Errorf("get thread %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (thread_id, id, role, run_id, created_at, body) VALUES (?, ?, ?, ?, ?, ?)`,
		string(id), string(msg.ID), string(msg.Role), string(msg.RunID), formatTime(msg.Timestamp), string(body)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if title == "" {
		title = titleFrom(msg)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET title = ?, updated_at = ? WHERE id = ?`,
		title, formatTime(time.Now()), string(id)); err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return tx.Commit()
}

// Messages returns the last limit messages of the thread in order. A
// non-positive limit returns all of them.
func (s *SQLiteStore) Messages(ctx context.Context, id types.ThreadID, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM (
			SELECT seq, body FROM messages WHERE thread_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, string(id), limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*types.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg types.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*types.Thread, error) {
	var id, title, created, updated string
	if err := row.Scan(&id, &title, &created, &updated); err != nil {
		return nil, err
	}
	th := &types.Thread{ID: types.ThreadID(id), Title: title}
	var err error
	if th.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if th.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return th, nil
}

// timeLayout has a fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
