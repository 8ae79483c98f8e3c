package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/scrapegen/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs
// single-node and development deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	target_url        TEXT NOT NULL,
	task_kind         TEXT NOT NULL,
	timezone          TEXT NOT NULL DEFAULT 'UTC',
	status            TEXT NOT NULL DEFAULT 'IN_PROGRESS',
	current_iteration INTEGER NOT NULL DEFAULT 0,
	max_iterations    INTEGER NOT NULL,
	best_score        REAL NOT NULL DEFAULT 0,
	best_code         TEXT,
	best_data         TEXT,
	error_message     TEXT,
	input_tokens      INTEGER NOT NULL DEFAULT 0,
	output_tokens     INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at      DATETIME
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions(target_url, task_kind);

CREATE TABLE IF NOT EXISTS attempts (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id        TEXT NOT NULL REFERENCES sessions(id),
	attempt_number    INTEGER NOT NULL,
	code              TEXT NOT NULL,
	code_hash         TEXT NOT NULL,
	exec_status       TEXT NOT NULL,
	exec_error        TEXT,
	duration_ms       INTEGER NOT NULL DEFAULT 0,
	data              TEXT,
	fields_found      TEXT NOT NULL DEFAULT '[]',
	fields_missing    TEXT NOT NULL DEFAULT '[]',
	score             REAL NOT NULL DEFAULT 0,
	document_snapshot TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (session_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS session_trace (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	iteration  INTEGER NOT NULL DEFAULT 0,
	type       TEXT NOT NULL,
	message    TEXT NOT NULL,
	detail     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_session_trace_session ON session_trace(session_id, seq);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TargetURL, string(sess.TaskKind), sess.Timezone, string(sess.Status),
		sess.CurrentIteration, sess.MaxIterations, sess.BestScore, sess.BestCode,
		nullJSON(sess.BestData), sess.ErrorMessage, sess.InputTokens, sess.OutputTokens,
		sess.CostUSD, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(), utcPtr(sess.CompletedAt),
	)
	return eris.Wrapf(err, "sqlite: insert session %s", sess.ID)
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, current_iteration = ?, best_score = ?, best_code = ?,
		 best_data = ?, error_message = ?, input_tokens = ?, output_tokens = ?, cost_usd = ?,
		 updated_at = ?, completed_at = ?
		 WHERE id = ? AND status = 'IN_PROGRESS'`,
		string(sess.Status), sess.CurrentIteration, sess.BestScore, sess.BestCode,
		nullJSON(sess.BestData), sess.ErrorMessage, sess.InputTokens, sess.OutputTokens, sess.CostUSD,
		sess.UpdatedAt, utcPtr(sess.CompletedAt), sess.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session %s", sess.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sess.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: session %s", sess.ID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session %s", sess.ID)
	}
	return eris.Wrapf(ErrSessionClosed, "sqlite: session %s is %s", sess.ID, status)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.TargetURL != "" {
		query += ` AND target_url = ?`
		args = append(args, filter.TargetURL)
	}
	if filter.TaskKind != "" {
		query += ` AND task_kind = ?`
		args = append(args, string(filter.TaskKind))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	var sess model.Session
	var kind, status string
	var bestData sql.NullString
	err := row.Scan(&sess.ID, &sess.TargetURL, &kind, &sess.Timezone, &status,
		&sess.CurrentIteration, &sess.MaxIterations, &sess.BestScore, &sess.BestCode,
		&bestData, &sess.ErrorMessage, &sess.InputTokens, &sess.OutputTokens, &sess.CostUSD,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.CompletedAt)
	if err != nil {
		return nil, err
	}
	sess.TaskKind = model.TaskKind(kind)
	sess.Status = model.SessionStatus(status)
	if bestData.Valid && bestData.String != "" {
		sess.BestData = json.RawMessage(bestData.String)
	}
	return &sess, nil
}

func (s *SQLiteStore) CreateAttempt(ctx context.Context, a *model.Attempt) error {
	found, missing, err := marshalFields(a)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attempt fields")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (session_id, attempt_number, code, code_hash, exec_status, exec_error,
		 duration_ms, data, fields_found, fields_missing, score, document_snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.AttemptNumber, a.Code, a.CodeHash, string(a.ExecStatus), a.ExecError,
		a.DurationMs, nullJSON(a.Data), found, missing, a.Score, a.DocumentSnapshot, a.CreatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return eris.Wrapf(ErrDuplicateAttempt, "sqlite: attempt %d of session %s", a.AttemptNumber, a.SessionID)
		}
		return eris.Wrapf(err, "sqlite: insert attempt for session %s", a.SessionID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: attempt id")
	}
	a.ID = id
	return nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, sessionID string) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, attempt_number, code, code_hash, exec_status, exec_error, duration_ms,
		 data, fields_found, fields_missing, score, document_snapshot, created_at
		 FROM attempts WHERE session_id = ? ORDER BY attempt_number`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list attempts for session %s", sessionID)
	}
	defer rows.Close()

	var out []model.Attempt
	for rows.Next() {
		var a model.Attempt
		var status string
		var data sql.NullString
		var found, missing string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.AttemptNumber, &a.Code, &a.CodeHash, &status,
			&a.ExecError, &a.DurationMs, &data, &found, &missing, &a.Score, &a.DocumentSnapshot,
			&a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		a.ExecStatus = model.ExecStatus(status)
		if err := unmarshalFields(&a, []byte(data.String), []byte(found), []byte(missing)); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal attempt fields")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list attempts iterate")
}

func (s *SQLiteStore) AppendTrace(ctx context.Context, rec model.TraceRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_trace (id, session_id, iteration, type, message, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Iteration, string(rec.Type), rec.Message, nullJSON(rec.Detail), rec.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append trace for session %s", rec.SessionID)
}

func (s *SQLiteStore) ListTrace(ctx context.Context, sessionID string) ([]model.TraceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, iteration, type, message, detail, created_at
		 FROM session_trace WHERE session_id = ? ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list trace for session %s", sessionID)
	}
	defer rows.Close()

	var out []model.TraceRecord
	for rows.Next() {
		var rec model.TraceRecord
		var typ string
		var detail sql.NullString
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Iteration, &typ, &rec.Message, &detail, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan trace")
		}
		rec.Type = model.TraceType(typ)
		if detail.Valid && detail.String != "" {
			rec.Detail = json.RawMessage(detail.String)
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list trace iterate")
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
