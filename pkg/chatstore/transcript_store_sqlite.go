package chatstore

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/jiminy/pkg/messagelog"
)

// SQLiteTranscriptStore persists the transcript cache in a local sqlite
// database.
type SQLiteTranscriptStore struct {
	db *sql.DB
}

var _ TranscriptStore = (*SQLiteTranscriptStore)(nil)

// SQLiteTranscriptDSNForFile derives a DSN with WAL and busy_timeout for a
// database file path, creating parent directories as needed.
func SQLiteTranscriptDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite transcript store: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "sqlite transcript store: create db directory")
	}
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	return "file:" + path + "?" + q.Encode(), nil
}

func NewSQLiteTranscriptStore(dsn string) (*SQLiteTranscriptStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: open")
	}
	s := &SQLiteTranscriptStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTranscriptStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_messages (
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (session_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_by_session ON transcript_messages(session_id, created_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

func (s *SQLiteTranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTranscriptStore) AppendMessage(ctx context.Context, sessionID string, msg messagelog.Message) error {
	if sessionID == "" || msg.ID == "" {
		return errors.New("sqlite transcript store: session id and message id are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript_messages (session_id, message_id, role, content, status, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, message_id) DO UPDATE SET
			content = excluded.content,
			status = excluded.status`,
		sessionID, msg.ID, string(msg.Role), msg.Content, string(msg.Status), msg.CreatedAt.UnixMilli(),
	)
	return errors.Wrap(err, "sqlite transcript store: append message")
}

func (s *SQLiteTranscriptStore) ListMessages(ctx context.Context, sessionID string) ([]messagelog.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, role, content, status, created_at_ms
		 FROM transcript_messages WHERE session_id = ? ORDER BY created_at_ms, message_id`,
		sessionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list messages")
	}
	defer func() { _ = rows.Close() }()

	var out []messagelog.Message
	for rows.Next() {
		var (
			msg       messagelog.Message
			role      string
			status    string
			createdMs int64
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &status, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan message")
		}
		msg.Role = messagelog.Role(role)
		msg.Status = messagelog.Status(status)
		msg.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, msg)
	}
	return out, errors.Wrap(rows.Err(), "sqlite transcript store: iterate messages")
}
