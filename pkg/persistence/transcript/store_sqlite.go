package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/chat"
)

type SQLiteStore struct {
	db *sql.DB

	mu  sync.Mutex
	seq int64
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM transcript_messages`).Scan(&s.seq); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sqlite transcript store: read sequence")
	}
	return s, nil
}

// DSNForFile returns a DSN with WAL and a busy timeout for a database file.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_messages (
		  conv_id TEXT NOT NULL,
		  message_id TEXT NOT NULL,
		  sender_id TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  seq INTEGER NOT NULL,
		  message_json TEXT NOT NULL,
		  PRIMARY KEY (conv_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_messages_by_created
		  ON transcript_messages(conv_id, created_at_ms, seq);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

// Upsert stores msgs in one transaction. A message seen before keeps its
// original sequence number.
func (s *SQLiteStore) Upsert(ctx context.Context, convID chat.ID, msgs []chat.Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite transcript store: db is nil")
	}
	if convID.IsZero() {
		return errors.New("sqlite transcript store: convID is empty")
	}
	if len(msgs) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transcript_messages (conv_id, message_id, sender_id, created_at_ms, seq, message_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_id, message_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			created_at_ms = excluded.created_at_ms,
			message_json = excluded.message_json
	`)
	if err != nil {
		return errors.Wrap(err, "sqlite transcript store: prepare upsert")
	}
	defer func() { _ = stmt.Close() }()

	seq := s.seq
	for _, m := range msgs {
		if m.ID.IsZero() {
			continue
		}
		b, err := json.Marshal(m)
		if err != nil {
			return errors.Wrap(err, "sqlite transcript store: marshal message")
		}
		seq++
		createdMs := int64(0)
		if !m.CreatedAt.IsZero() {
			createdMs = m.CreatedAt.UnixMilli()
		}
		if _, err := stmt.ExecContext(ctx, convID.String(), m.ID.String(), m.AuthorID().String(), createdMs, seq, string(b)); err != nil {
			return errors.Wrap(err, "sqlite transcript store: upsert message")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite transcript store: commit")
	}
	s.seq = seq
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, convID chat.ID, limit int) ([]chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite transcript store: db is nil")
	}
	if convID.IsZero() {
		return nil, errors.New("sqlite transcript store: convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_json FROM (
			SELECT message_json, created_at_ms, seq
			FROM transcript_messages
			WHERE conv_id = ?
			ORDER BY created_at_ms DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at_ms ASC, seq ASC
	`, convID.String(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list")
	}
	defer func() { _ = rows.Close() }()

	ret := make([]chat.Message, 0, limit)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan")
		}
		var m chat.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: decode message")
		}
		ret = append(ret, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: rows")
	}
	return ret, nil
}
