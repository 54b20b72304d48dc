package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/otomanus/internal/logging"
	"github.com/flitsinc/otomanus/internal/session"
)

type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
	log    zerolog.Logger
}

// NewSQLiteStore wraps an already migrated database. Close leaves db open.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, log: logging.For("state.sqlite")}
}

// OpenSQLiteStore opens (and migrates) the database at path. Close closes it.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	s := NewSQLiteStore(db)
	s.ownsDB = true
	return s, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *session.Session) error {
	record, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	err = execWithRetry(ctx, s.db, `
		INSERT INTO sessions (id, status, created_at, updated_at, record)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  status = excluded.status,
		  updated_at = excluded.updated_at,
		  record = excluded.record
	`, sess.ID, string(sess.Status), sess.CreatedAt.Format(time.RFC3339Nano), sess.UpdatedAt.Format(time.RFC3339Nano), string(record))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := session.Unmarshal([]byte(record))
		if err == nil && sess.ID != id {
			err = fmt.Errorf("record id %q does not match row id", sess.ID)
		}
		if err != nil {
			corrupt := &CorruptRecordError{Source: id, Err: err}
			s.log.Warn().Err(corrupt).Str("session_id", id).Msg("skipping corrupt session record")
			continue
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := execWithRetry(ctx, s.db, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
