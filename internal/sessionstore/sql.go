package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const sessionRecordsSchema = `
CREATE TABLE IF NOT EXISTS session_records (
  scope_key   TEXT PRIMARY KEY,
  attempt_id  TEXT NOT NULL,
  question_id TEXT NOT NULL DEFAULT '',
  payload     TEXT NOT NULL,
  updated_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_records_attempt ON session_records (attempt_id);
`

// SQLStore 基于 database/sql，sqlite (modernc) 与 postgres (pgx stdlib) 共用一套语句
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
	if _, err := db.ExecContext(ctx, sessionRecordsSchema); err != nil {
		return nil, fmt.Errorf("ensure session_records schema: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect, now: time.Now}, nil
}

func (s *SQLStore) Name() string { return string(s.dialect) }

// rebind 把 ? 占位符转换为 postgres 的 $n
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Save(ctx context.Context, scope Scope, payload []byte) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO session_records (scope_key, attempt_id, question_id, payload, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (scope_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`),
		scope.Key(), scope.AttemptID, scope.QuestionID, string(payload), s.now().UnixMilli())
	return err
}

func (s *SQLStore) Load(ctx context.Context, scope Scope) ([]byte, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM session_records WHERE scope_key = ?`), scope.Key()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (s *SQLStore) LoadAttempt(ctx context.Context, attemptID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT attempt_id, question_id, payload, updated_at FROM session_records
WHERE attempt_id = ? ORDER BY scope_key`), attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			aid, qid, payload string
			updated           int64
		)
		if err := rows.Scan(&aid, &qid, &payload, &updated); err != nil {
			return nil, err
		}
		out = append(out, Entry{
			Scope:     Scope{AttemptID: aid, QuestionID: qid},
			Payload:   []byte(payload),
			UpdatedAt: time.UnixMilli(updated),
		})
	}
	return out, rows.Err()
}

func (s *SQLStore) Clear(ctx context.Context, attemptID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM session_records WHERE attempt_id = ?`), attemptID)
	return err
}
