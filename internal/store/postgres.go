package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/scrapegen/internal/db"
	"github.com/sells-group/scrapegen/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with its own connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool creates a PostgresStore on a pool owned by the caller.
func NewPostgresFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	target_url        TEXT NOT NULL,
	task_kind         TEXT NOT NULL,
	timezone          TEXT NOT NULL DEFAULT 'UTC',
	status            TEXT NOT NULL DEFAULT 'IN_PROGRESS',
	current_iteration INTEGER NOT NULL DEFAULT 0,
	max_iterations    INTEGER NOT NULL,
	best_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
	best_code         TEXT,
	best_data         JSONB,
	error_message     TEXT,
	input_tokens      BIGINT NOT NULL DEFAULT 0,
	output_tokens     BIGINT NOT NULL DEFAULT 0,
	cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions(target_url, task_kind);

CREATE TABLE IF NOT EXISTS attempts (
	id                BIGSERIAL PRIMARY KEY,
	session_id        TEXT NOT NULL REFERENCES sessions(id),
	attempt_number    INTEGER NOT NULL,
	code              TEXT NOT NULL,
	code_hash         TEXT NOT NULL,
	exec_status       TEXT NOT NULL,
	exec_error        TEXT,
	duration_ms       BIGINT NOT NULL DEFAULT 0,
	data              JSONB,
	fields_found      JSONB NOT NULL DEFAULT '[]',
	fields_missing    JSONB NOT NULL DEFAULT '[]',
	score             DOUBLE PRECISION NOT NULL DEFAULT 0,
	document_snapshot TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (session_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS session_trace (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	iteration  INTEGER NOT NULL DEFAULT 0,
	type       TEXT NOT NULL,
	message    TEXT NOT NULL,
	detail     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_trace_session ON session_trace(session_id, created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const sessionColumns = `id, target_url, task_kind, timezone, status, current_iteration, max_iterations,
	best_score, best_code, best_data, error_message, input_tokens, output_tokens, cost_usd,
	created_at, updated_at, completed_at`

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		sess.ID, sess.TargetURL, string(sess.TaskKind), sess.Timezone, string(sess.Status),
		sess.CurrentIteration, sess.MaxIterations, sess.BestScore, sess.BestCode,
		nullJSON(sess.BestData), sess.ErrorMessage, sess.InputTokens, sess.OutputTokens,
		sess.CostUSD, sess.CreatedAt, sess.UpdatedAt, sess.CompletedAt,
	)
	return eris.Wrapf(err, "postgres: insert session %s", sess.ID)
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, current_iteration = $2, best_score = $3, best_code = $4,
		 best_data = $5, error_message = $6, input_tokens = $7, output_tokens = $8, cost_usd = $9,
		 updated_at = $10, completed_at = $11
		 WHERE id = $12 AND status = 'IN_PROGRESS'`,
		string(sess.Status), sess.CurrentIteration, sess.BestScore, sess.BestCode,
		nullJSON(sess.BestData), sess.ErrorMessage, sess.InputTokens, sess.OutputTokens, sess.CostUSD,
		sess.UpdatedAt, sess.CompletedAt, sess.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session %s", sess.ID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, sess.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: session %s", sess.ID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: update session %s", sess.ID)
	}
	return eris.Wrapf(ErrSessionClosed, "postgres: session %s is %s", sess.ID, status)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.TargetURL != "" {
		query += fmt.Sprintf(` AND target_url = $%d`, argIdx)
		args = append(args, filter.TargetURL)
		argIdx++
	}
	if filter.TaskKind != "" {
		query += fmt.Sprintf(` AND task_kind = $%d`, argIdx)
		args = append(args, string(filter.TaskKind))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, filter.limit())
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanPgSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func scanPgSession(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	var kind, status string
	var bestData []byte
	err := row.Scan(&sess.ID, &sess.TargetURL, &kind, &sess.Timezone, &status,
		&sess.CurrentIteration, &sess.MaxIterations, &sess.BestScore, &sess.BestCode,
		&bestData, &sess.ErrorMessage, &sess.InputTokens, &sess.OutputTokens, &sess.CostUSD,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.CompletedAt)
	if err != nil {
		return nil, err
	}
	sess.TaskKind = model.TaskKind(kind)
	sess.Status = model.SessionStatus(status)
	if len(bestData) > 0 {
		sess.BestData = json.RawMessage(bestData)
	}
	return &sess, nil
}

func (s *PostgresStore) CreateAttempt(ctx context.Context, a *model.Attempt) error {
	found, missing, err := marshalFields(a)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attempt fields")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO attempts (session_id, attempt_number, code, code_hash, exec_status, exec_error,
		 duration_ms, data, fields_found, fields_missing, score, document_snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
		a.SessionID, a.AttemptNumber, a.Code, a.CodeHash, string(a.ExecStatus), a.ExecError,
		a.DurationMs, nullJSON(a.Data), found, missing, a.Score, a.DocumentSnapshot, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return eris.Wrapf(ErrDuplicateAttempt, "postgres: attempt %d of session %s", a.AttemptNumber, a.SessionID)
		}
		return eris.Wrapf(err, "postgres: insert attempt for session %s", a.SessionID)
	}
	return nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, sessionID string) ([]model.Attempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, attempt_number, code, code_hash, exec_status, exec_error, duration_ms,
		 data, fields_found, fields_missing, score, document_snapshot, created_at
		 FROM attempts WHERE session_id = $1 ORDER BY attempt_number`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list attempts for session %s", sessionID)
	}
	defer rows.Close()

	var out []model.Attempt
	for rows.Next() {
		var a model.Attempt
		var status string
		var data, found, missing []byte
		if err := rows.Scan(&a.ID, &a.SessionID, &a.AttemptNumber, &a.Code, &a.CodeHash, &status,
			&a.ExecError, &a.DurationMs, &data, &found, &missing, &a.Score, &a.DocumentSnapshot,
			&a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		a.ExecStatus = model.ExecStatus(status)
		if err := unmarshalFields(&a, data, found, missing); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal attempt fields")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list attempts iterate")
}

func (s *PostgresStore) AppendTrace(ctx context.Context, rec model.TraceRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_trace (id, session_id, iteration, type, message, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.SessionID, rec.Iteration, string(rec.Type), rec.Message, nullJSON(rec.Detail), rec.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append trace for session %s", rec.SessionID)
}

func (s *PostgresStore) ListTrace(ctx context.Context, sessionID string) ([]model.TraceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, iteration, type, message, detail, created_at
		 FROM session_trace WHERE session_id = $1 ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list trace for session %s", sessionID)
	}
	defer rows.Close()

	var out []model.TraceRecord
	for rows.Next() {
		var rec model.TraceRecord
		var typ string
		var detail []byte
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Iteration, &typ, &rec.Message, &detail, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan trace")
		}
		rec.Type = model.TraceType(typ)
		if len(detail) > 0 {
			rec.Detail = json.RawMessage(detail)
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list trace iterate")
}

// nullJSON maps an empty raw message to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func marshalFields(a *model.Attempt) (string, string, error) {
	found, err := json.Marshal(nonNil(a.FieldsFound))
	if err != nil {
		return "", "", err
	}
	missing, err := json.Marshal(nonNil(a.FieldsMissing))
	if err != nil {
		return "", "", err
	}
	return string(found), string(missing), nil
}

func unmarshalFields(a *model.Attempt, data, found, missing []byte) error {
	if len(data) > 0 {
		a.Data = json.RawMessage(data)
	}
	if len(found) > 0 {
		if err := json.Unmarshal(found, &a.FieldsFound); err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		if err := json.Unmarshal(missing, &a.FieldsMissing); err != nil {
			return err
		}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
