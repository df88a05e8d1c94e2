package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/db"
	"github.com/sells-group/lead-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgEmptyList = `'[]'::jsonb`

// preparedStatements lists queries to prepare on each new connection for
// the hottest store operations.
var preparedStatements = map[string]string{
	"get_record":          `SELECT ` + recordColumns + ` FROM company_records WHERE id = $1`,
	"get_cached_response": `SELECT key, stage, response, input_tokens, output_tokens, created_at, expires_at FROM response_cache WHERE key = $1 AND expires_at > $2`,
	"log_api_call":        insertAPICallSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		closeFn: closeFn,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	topic      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_queries (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	keyword     TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	consumed_at TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS company_records (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	query_id          TEXT NOT NULL DEFAULT '',
	name              TEXT NOT NULL,
	website           TEXT NOT NULL DEFAULT '',
	base_domain       TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	emails            JSONB NOT NULL DEFAULT '[]',
	description       TEXT NOT NULL DEFAULT '',
	services          TEXT NOT NULL DEFAULT '',
	tags              JSONB NOT NULL DEFAULT '[]',
	category          TEXT NOT NULL DEFAULT '',
	validation_score  INTEGER NOT NULL DEFAULT 0,
	confidence        INTEGER NOT NULL DEFAULT 0,
	validation_reason TEXT NOT NULL DEFAULT '',
	failure_reason    TEXT NOT NULL DEFAULT '',
	audit             JSONB NOT NULL DEFAULT '{}',
	watermark         INTEGER NOT NULL DEFAULT 0 CHECK (watermark BETWEEN 0 AND 6),
	website_status    TEXT NOT NULL DEFAULT '',
	contact_status    TEXT NOT NULL DEFAULT '',
	enrichment_status TEXT NOT NULL DEFAULT '',
	final_status      TEXT NOT NULL DEFAULT '',
	website_retries   INTEGER NOT NULL DEFAULT 0,
	contact_retries   INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS published_companies (
	id          TEXT PRIMARY KEY,
	record_id   TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	name        TEXT NOT NULL,
	website     TEXT NOT NULL UNIQUE,
	base_domain TEXT NOT NULL DEFAULT '',
	emails      JSONB NOT NULL DEFAULT '[]',
	description TEXT NOT NULL DEFAULT '',
	services    TEXT NOT NULL DEFAULT '',
	tags        JSONB NOT NULL DEFAULT '[]',
	category    TEXT NOT NULL DEFAULT '',
	score       INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS response_cache (
	key           TEXT PRIMARY KEY,
	stage         TEXT NOT NULL,
	response      TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS api_calls (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL DEFAULT '',
	stage         TEXT NOT NULL,
	model         TEXT NOT NULL,
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	http_status   INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_session_queries_pending ON session_queries(session_id) WHERE consumed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_company_records_session ON company_records(session_id, watermark);
CREATE INDEX IF NOT EXISTS idx_company_records_base_domain ON company_records(base_domain);
CREATE INDEX IF NOT EXISTS idx_published_session ON published_companies(session_id);
CREATE INDEX IF NOT EXISTS idx_response_cache_expires_at ON response_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_api_calls_session ON api_calls(session_id, stage);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
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

// Sessions

func (s *PostgresStore) CreateSession(ctx context.Context, topic string) (*model.Session, error) {
	now := s.now()
	sess := &model.Session{
		ID:        uuid.New().String(),
		Topic:     topic,
		Status:    model.SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, topic, status, error, created_at, updated_at) VALUES ($1, $2, $3, '', $4, $5)`,
		sess.ID, sess.Topic, string(sess.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert session")
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var (
		sess   model.Session
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, topic, status, error, created_at, updated_at FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.Topic, &status, &sess.Error, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	sess.Status = model.SessionStatus(status)
	return &sess, nil
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), errMsg, s.now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT id, topic, status, error, created_at, updated_at FROM sessions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var (
			sess   model.Session
			status string
		)
		if err := rows.Scan(&sess.ID, &sess.Topic, &status, &sess.Error, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sess.Status = model.SessionStatus(status)
		out = append(out, sess)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) SummarizeSession(ctx context.Context, id string) (model.SessionSummary, error) {
	var sum model.SessionSummary
	if _, err := s.GetSession(ctx, id); err != nil {
		return sum, err
	}
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE website <> ''),
			count(*) FILTER (WHERE email <> '' OR emails <> '[]'::jsonb),
			count(*) FILTER (WHERE enrichment_status <> ''),
			count(*) FILTER (WHERE final_status = 'completed'),
			count(*) FILTER (WHERE final_status = 'failed')
		FROM company_records WHERE session_id = $1`, id,
	).Scan(&sum.Records, &sum.WithWebsite, &sum.WithEmail, &sum.Enriched, &sum.Finalized, &sum.Rejected)
	return sum, eris.Wrapf(err, "postgres: summarize session %s", id)
}

// Session queries

func (s *PostgresStore) AddQueries(ctx context.Context, sessionID string, keywords []string) ([]model.SessionQuery, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	now := s.now()
	out := make([]model.SessionQuery, 0, len(keywords))
	rows := make([][]any, 0, len(keywords))
	for i, kw := range keywords {
		// offsets keep insertion order stable for PendingQueries
		created := now.Add(time.Duration(i) * time.Microsecond)
		q := model.SessionQuery{ID: uuid.New().String(), SessionID: sessionID, Keyword: kw, CreatedAt: created}
		out = append(out, q)
		rows = append(rows, []any{q.ID, q.SessionID, q.Keyword, created})
	}
	if _, err := db.CopyFrom(ctx, s.pool, "session_queries", []string{"id", "session_id", "keyword", "created_at"}, rows); err != nil {
		return nil, eris.Wrapf(err, "postgres: add queries to session %s", sessionID)
	}
	return out, nil
}

func (s *PostgresStore) PendingQueries(ctx context.Context, sessionID string) ([]model.SessionQuery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, keyword, attempts, created_at FROM session_queries
		 WHERE session_id = $1 AND consumed_at IS NULL ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: pending queries %s", sessionID)
	}
	defer rows.Close()

	var out []model.SessionQuery
	for rows.Next() {
		var q model.SessionQuery
		if err := rows.Scan(&q.ID, &q.SessionID, &q.Keyword, &q.Attempts, &q.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan query")
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "postgres: pending queries iterate")
}

func (s *PostgresStore) ConsumeQuery(ctx context.Context, queryID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE session_queries SET consumed_at = coalesce(consumed_at, $1) WHERE id = $2`,
		s.now(), queryID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: consume query %s", queryID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "query %s", queryID)
	}
	return nil
}

func (s *PostgresStore) FailQuery(ctx context.Context, queryID string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE session_queries SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`,
		queryID,
	).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "query %s", queryID)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: fail query %s", queryID)
	}
	return attempts, nil
}

// Company records

func (s *PostgresStore) CreateRecords(ctx context.Context, records []model.CompanyRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := s.now()
	rows := make([][]any, 0, len(records))
	for i := range records {
		r := &records[i]
		prepareNewRecord(r, uuid.New().String(), now.Add(time.Duration(i)*time.Microsecond))
		vals, err := recordValues(r)
		if err != nil {
			return err
		}
		rows = append(rows, vals)
	}
	_, err := db.CopyFrom(ctx, s.pool, "company_records", recordColumnNames, rows)
	return eris.Wrap(err, "postgres: create records")
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.CompanyRecord, error) {
	return getRecordPostgres(ctx, s.pool, id, "")
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRecordPostgres(ctx context.Context, q pgQuerier, id, suffix string) (*model.CompanyRecord, error) {
	r, err := scanRecord(q.QueryRow(ctx, `SELECT `+recordColumns+` FROM company_records WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.CompanyRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM company_records WHERE true`
	args := []any{}
	argIdx := 1
	if filter.SessionID != "" {
		query += fmt.Sprintf(` AND session_id = $%d`, argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))
	return s.queryRecords(ctx, query, args...)
}

func (s *PostgresStore) RecordsReadyForStage(ctx context.Context, sessionID string, stage model.Stage, maxRetryPasses int) ([]model.CompanyRecord, error) {
	clause, err := readyClause(stage, maxRetryPasses, pgEmptyList)
	if err != nil {
		return nil, err
	}
	records, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM company_records WHERE session_id = $1 AND `+clause+` ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	return filterReady(records, stage, maxRetryPasses), nil
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]model.CompanyRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query records")
	}
	defer rows.Close()

	var out []model.CompanyRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query records iterate")
}

// ApplyStagePatch locks the row, applies the patch in memory and writes the
// whole row back in one transaction.
func (s *PostgresStore) ApplyStagePatch(ctx context.Context, id string, patch model.StagePatch) (*model.CompanyRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin patch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	r, err := getRecordPostgres(ctx, tx, id, " FOR UPDATE")
	if err != nil {
		return nil, err
	}
	r.Apply(patch)
	r.UpdatedAt = s.now()

	vals, err := recordValues(r)
	if err != nil {
		return nil, err
	}
	sets := make([]string, 0, len(recordColumnNames)-1)
	args := make([]any, 0, len(recordColumnNames))
	for i, col := range recordColumnNames {
		if col == "id" {
			continue
		}
		args = append(args, vals[i])
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	args = append(args, id)

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE company_records SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args)),
		args...,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: patch record %s", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrapf(err, "postgres: commit patch %s", id)
	}
	return r, nil
}

func (s *PostgresStore) DeleteRecords(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM company_records WHERE id = ANY($1)`, ids)
	return eris.Wrap(err, "postgres: delete records")
}

// Published companies

var publishedColumnNames = []string{
	"id", "record_id", "session_id", "name", "website", "base_domain", "emails",
	"description", "services", "tags", "category", "score", "created_at", "updated_at",
}

func (s *PostgresStore) GetPublishedByWebsite(ctx context.Context, website string) (*model.PublishedCompany, error) {
	p, err := scanPublished(s.pool.QueryRow(ctx,
		`SELECT `+publishedColumns+` FROM published_companies WHERE website = $1`, website))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get published %s", website)
	}
	return p, nil
}

// UpsertPublished merges the batch with the rows already published under
// the same websites and bulk-upserts the result.
func (s *PostgresStore) UpsertPublished(ctx context.Context, companies []model.PublishedCompany) error {
	if len(companies) == 0 {
		return nil
	}
	websites := make([]string, 0, len(companies))
	for _, c := range companies {
		websites = append(websites, c.Website)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+publishedColumns+` FROM published_companies WHERE website = ANY($1)`, websites)
	if err != nil {
		return eris.Wrap(err, "postgres: load published")
	}
	existing := make(map[string]model.PublishedCompany)
	for rows.Next() {
		p, err := scanPublished(rows)
		if err != nil {
			rows.Close()
			return eris.Wrap(err, "postgres: scan published")
		}
		existing[p.Website] = *p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "postgres: load published iterate")
	}

	merged := mergePublishedBatch(companies, existing, func() string { return uuid.New().String() }, s.now())
	upserts := make([][]any, 0, len(merged))
	for _, p := range merged {
		vals, err := publishedValues(p)
		if err != nil {
			return err
		}
		upserts = append(upserts, vals)
	}

	_, err = db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "published_companies",
		Columns:      publishedColumnNames,
		ConflictKeys: []string{"website"},
		UpdateCols:   []string{"emails", "description", "services", "tags", "category", "score", "updated_at"},
	}, upserts)
	return eris.Wrap(err, "postgres: upsert published")
}

func (s *PostgresStore) ListPublished(ctx context.Context, filter PublishedFilter) ([]model.PublishedCompany, error) {
	query := `SELECT ` + publishedColumns + ` FROM published_companies WHERE true`
	args := []any{}
	argIdx := 1
	if filter.SessionID != "" {
		query += fmt.Sprintf(` AND session_id = $%d`, argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY website LIMIT $%d OFFSET $%d`, argIdx, argIdx+1)
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list published")
	}
	defer rows.Close()

	var out []model.PublishedCompany
	for rows.Next() {
		p, err := scanPublished(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan published")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list published iterate")
}

// Response cache

func (s *PostgresStore) GetCachedResponse(ctx context.Context, key string) (*model.CacheEntry, error) {
	var (
		e     model.CacheEntry
		stage string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT key, stage, response, input_tokens, output_tokens, created_at, expires_at
		 FROM response_cache WHERE key = $1 AND expires_at > $2`,
		key, s.now(),
	).Scan(&e.Key, &stage, &e.Response, &e.InputTokens, &e.OutputTokens, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cached response")
	}
	e.Stage = model.Stage(stage)
	return &e, nil
}

func (s *PostgresStore) SetCachedResponse(ctx context.Context, e model.CacheEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO response_cache (key, stage, response, input_tokens, output_tokens, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (key) DO UPDATE SET
			stage = EXCLUDED.stage, response = EXCLUDED.response,
			input_tokens = EXCLUDED.input_tokens, output_tokens = EXCLUDED.output_tokens,
			created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		e.Key, string(e.Stage), e.Response, e.InputTokens, e.OutputTokens, e.CreatedAt, e.ExpiresAt,
	)
	return eris.Wrap(err, "postgres: set cached response")
}

func (s *PostgresStore) DeleteExpiredResponses(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM response_cache WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired responses")
	}
	return int(tag.RowsAffected()), nil
}

// API call audit

const insertAPICallSQL = `INSERT INTO api_calls (id, session_id, stage, model, status, attempts, input_tokens,
	output_tokens, cost_usd, latency_ms, http_status, error, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

func (s *PostgresStore) LogAPICall(ctx context.Context, c model.APICall) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx, insertAPICallSQL,
		c.ID, c.SessionID, string(c.Stage), c.Model, string(c.Status), c.Attempts, c.InputTokens,
		c.OutputTokens, c.CostUSD, c.LatencyMS, c.HTTPStatus, c.Error, c.CreatedAt,
	)
	return eris.Wrap(err, "postgres: log api call")
}

func (s *PostgresStore) UsageBySession(ctx context.Context, sessionID string) ([]model.StageUsage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stage, count(*),
			count(*) FILTER (WHERE status = 'cached'),
			count(*) FILTER (WHERE status = 'failed'),
			coalesce(sum(input_tokens), 0),
			coalesce(sum(output_tokens), 0),
			coalesce(sum(cost_usd), 0)
		FROM api_calls WHERE session_id = $1 GROUP BY stage ORDER BY stage`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: usage by session")
	}
	defer rows.Close()

	var out []model.StageUsage
	for rows.Next() {
		var (
			u     model.StageUsage
			stage string
		)
		if err := rows.Scan(&stage, &u.Calls, &u.CachedCalls, &u.FailedCalls, &u.InputTokens, &u.OutputTokens, &u.CostUSD); err != nil {
			return nil, eris.Wrap(err, "postgres: scan usage")
		}
		u.Stage = model.Stage(stage)
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "postgres: usage iterate")
}
