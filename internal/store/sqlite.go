package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer keeps read-modify-write patches serialized.
	db.SetMaxOpenConns(1)
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
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	topic      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS session_queries (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	keyword     TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	consumed_at DATETIME,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS company_records (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	query_id          TEXT NOT NULL DEFAULT '',
	name              TEXT NOT NULL,
	website           TEXT NOT NULL DEFAULT '',
	base_domain       TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	emails            TEXT NOT NULL DEFAULT '[]',
	description       TEXT NOT NULL DEFAULT '',
	services          TEXT NOT NULL DEFAULT '',
	tags              TEXT NOT NULL DEFAULT '[]',
	category          TEXT NOT NULL DEFAULT '',
	validation_score  INTEGER NOT NULL DEFAULT 0,
	confidence        INTEGER NOT NULL DEFAULT 0,
	validation_reason TEXT NOT NULL DEFAULT '',
	failure_reason    TEXT NOT NULL DEFAULT '',
	audit             TEXT NOT NULL DEFAULT '{}',
	watermark         INTEGER NOT NULL DEFAULT 0,
	website_status    TEXT NOT NULL DEFAULT '',
	contact_status    TEXT NOT NULL DEFAULT '',
	enrichment_status TEXT NOT NULL DEFAULT '',
	final_status      TEXT NOT NULL DEFAULT '',
	website_retries   INTEGER NOT NULL DEFAULT 0,
	contact_retries   INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS published_companies (
	id          TEXT PRIMARY KEY,
	record_id   TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	name        TEXT NOT NULL,
	website     TEXT NOT NULL UNIQUE,
	base_domain TEXT NOT NULL DEFAULT '',
	emails      TEXT NOT NULL DEFAULT '[]',
	description TEXT NOT NULL DEFAULT '',
	services    TEXT NOT NULL DEFAULT '',
	tags        TEXT NOT NULL DEFAULT '[]',
	category    TEXT NOT NULL DEFAULT '',
	score       INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS response_cache (
	key           TEXT PRIMARY KEY,
	stage         TEXT NOT NULL,
	response      TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL
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
	cost_usd      REAL NOT NULL DEFAULT 0,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	http_status   INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_session_queries_session ON session_queries(session_id);
CREATE INDEX IF NOT EXISTS idx_company_records_session ON company_records(session_id, watermark);
CREATE INDEX IF NOT EXISTS idx_company_records_base_domain ON company_records(base_domain);
CREATE INDEX IF NOT EXISTS idx_published_session ON published_companies(session_id);
CREATE INDEX IF NOT EXISTS idx_response_cache_expires_at ON response_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_api_calls_session ON api_calls(session_id, stage);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Sessions

func (s *SQLiteStore) CreateSession(ctx context.Context, topic string) (*model.Session, error) {
	now := s.now()
	sess := &model.Session{
		ID:        uuid.New().String(),
		Topic:     topic,
		Status:    model.SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, topic, status, error, created_at, updated_at) VALUES (?, ?, ?, '', ?, ?)`,
		sess.ID, sess.Topic, string(sess.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, topic, status, error, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Topic, &sess.Status, &sess.Error, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	return &sess, nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status model.SessionStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, s.now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session status %s", id)
	}
	return checkRowsAffected(res, "session", id)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT id, topic, status, error, created_at, updated_at FROM sessions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY rowid DESC LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.Topic, &sess.Status, &sess.Error, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		out = append(out, sess)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) SummarizeSession(ctx context.Context, id string) (model.SessionSummary, error) {
	var sum model.SessionSummary
	if _, err := s.GetSession(ctx, id); err != nil {
		return sum, err
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*),
			coalesce(sum(website <> ''), 0),
			coalesce(sum(email <> '' OR emails <> '[]'), 0),
			coalesce(sum(enrichment_status <> ''), 0),
			coalesce(sum(final_status = 'completed'), 0),
			coalesce(sum(final_status = 'failed'), 0)
		FROM company_records WHERE session_id = ?`, id,
	).Scan(&sum.Records, &sum.WithWebsite, &sum.WithEmail, &sum.Enriched, &sum.Finalized, &sum.Rejected)
	return sum, eris.Wrapf(err, "sqlite: summarize session %s", id)
}

// Session queries

func (s *SQLiteStore) AddQueries(ctx context.Context, sessionID string, keywords []string) ([]model.SessionQuery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin add queries")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	out := make([]model.SessionQuery, 0, len(keywords))
	for _, kw := range keywords {
		q := model.SessionQuery{ID: uuid.New().String(), SessionID: sessionID, Keyword: kw, CreatedAt: now}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_queries (id, session_id, keyword, created_at) VALUES (?, ?, ?, ?)`,
			q.ID, q.SessionID, q.Keyword, now,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert query for session %s", sessionID)
		}
		out = append(out, q)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit add queries")
	}
	return out, nil
}

func (s *SQLiteStore) PendingQueries(ctx context.Context, sessionID string) ([]model.SessionQuery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, keyword, attempts, created_at FROM session_queries
		 WHERE session_id = ? AND consumed_at IS NULL ORDER BY rowid`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: pending queries %s", sessionID)
	}
	defer rows.Close()

	var out []model.SessionQuery
	for rows.Next() {
		var q model.SessionQuery
		if err := rows.Scan(&q.ID, &q.SessionID, &q.Keyword, &q.Attempts, &q.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan query")
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: pending queries iterate")
}

func (s *SQLiteStore) ConsumeQuery(ctx context.Context, queryID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_queries SET consumed_at = coalesce(consumed_at, ?) WHERE id = ?`,
		s.now(), queryID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: consume query %s", queryID)
	}
	return checkRowsAffected(res, "query", queryID)
}

func (s *SQLiteStore) FailQuery(ctx context.Context, queryID string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE session_queries SET attempts = attempts + 1 WHERE id = ? RETURNING attempts`,
		queryID,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "query %s", queryID)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: fail query %s", queryID)
	}
	return attempts, nil
}

// Company records

func (s *SQLiteStore) CreateRecords(ctx context.Context, records []model.CompanyRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create records")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO company_records (`+recordColumns+`) VALUES (`+placeholders(len(recordColumnNames))+`)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert record")
	}
	defer stmt.Close()

	now := s.now()
	for i := range records {
		r := &records[i]
		prepareNewRecord(r, uuid.New().String(), now)
		vals, err := recordValues(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, sqliteArgs(vals)...); err != nil {
			return eris.Wrapf(err, "sqlite: insert record %s", r.Name)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create records")
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.CompanyRecord, error) {
	return getRecordSQLite(ctx, s.db, id)
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecordSQLite(ctx context.Context, q sqliteQuerier, id string) (*model.CompanyRecord, error) {
	r, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM company_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.CompanyRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM company_records WHERE 1=1`
	var args []any
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	query += ` ORDER BY rowid LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))
	return s.queryRecords(ctx, query, args...)
}

func (s *SQLiteStore) RecordsReadyForStage(ctx context.Context, sessionID string, stage model.Stage, maxRetryPasses int) ([]model.CompanyRecord, error) {
	clause, err := readyClause(stage, maxRetryPasses, "'[]'")
	if err != nil {
		return nil, err
	}
	records, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM company_records WHERE session_id = ? AND `+clause+` ORDER BY rowid`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	return filterReady(records, stage, maxRetryPasses), nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]model.CompanyRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query records")
	}
	defer rows.Close()

	var out []model.CompanyRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query records iterate")
}

func (s *SQLiteStore) ApplyStagePatch(ctx context.Context, id string, patch model.StagePatch) (*model.CompanyRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin patch")
	}
	defer tx.Rollback() //nolint:errcheck

	r, err := getRecordSQLite(ctx, tx, id)
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
		sets = append(sets, col+" = ?")
		args = append(args, vals[i])
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx,
		`UPDATE company_records SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		sqliteArgs(args)...,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: patch record %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: commit patch %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) DeleteRecords(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM company_records WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return eris.Wrap(err, "sqlite: delete records")
}

// Published companies

const publishedColumns = `id, record_id, session_id, name, website, base_domain, emails,
	description, services, tags, category, score, created_at, updated_at`

func scanPublished(row scannable) (*model.PublishedCompany, error) {
	var (
		p                    model.PublishedCompany
		emailsJSON, tagsJSON []byte
	)
	if err := row.Scan(&p.ID, &p.RecordID, &p.SessionID, &p.Name, &p.Website, &p.BaseDomain, &emailsJSON,
		&p.Description, &p.Services, &tagsJSON, &p.Category, &p.Score, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(emailsJSON, &p.Emails); err != nil {
		return nil, eris.Wrapf(err, "store: decode published emails of %s", p.Website)
	}
	if err := unmarshalJSON(tagsJSON, &p.Tags); err != nil {
		return nil, eris.Wrapf(err, "store: decode published tags of %s", p.Website)
	}
	return &p, nil
}

func publishedValues(p model.PublishedCompany) ([]any, error) {
	emails, err := marshalList(p.Emails)
	if err != nil {
		return nil, err
	}
	tags, err := marshalList(p.Tags)
	if err != nil {
		return nil, err
	}
	return []any{p.ID, p.RecordID, p.SessionID, p.Name, p.Website, p.BaseDomain, emails,
		p.Description, p.Services, tags, p.Category, p.Score, p.CreatedAt, p.UpdatedAt}, nil
}

func (s *SQLiteStore) GetPublishedByWebsite(ctx context.Context, website string) (*model.PublishedCompany, error) {
	p, err := scanPublished(s.db.QueryRowContext(ctx,
		`SELECT `+publishedColumns+` FROM published_companies WHERE website = ?`, website))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get published %s", website)
	}
	return p, nil
}

func (s *SQLiteStore) UpsertPublished(ctx context.Context, companies []model.PublishedCompany) error {
	if len(companies) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert published")
	}
	defer tx.Rollback() //nolint:errcheck

	existing := make(map[string]model.PublishedCompany)
	for _, c := range companies {
		p, err := scanPublished(tx.QueryRowContext(ctx,
			`SELECT `+publishedColumns+` FROM published_companies WHERE website = ?`, c.Website))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: load published %s", c.Website)
		}
		existing[p.Website] = *p
	}

	for _, p := range mergePublishedBatch(companies, existing, func() string { return uuid.New().String() }, s.now()) {
		vals, err := publishedValues(p)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO published_companies (`+publishedColumns+`) VALUES (`+placeholders(14)+`)
			 ON CONFLICT(website) DO UPDATE SET
				emails = excluded.emails, description = excluded.description,
				services = excluded.services, tags = excluded.tags,
				category = excluded.category, score = excluded.score,
				updated_at = excluded.updated_at`,
			sqliteArgs(vals)...,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert published %s", p.Website)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert published")
}

func (s *SQLiteStore) ListPublished(ctx context.Context, filter PublishedFilter) ([]model.PublishedCompany, error) {
	query := `SELECT ` + publishedColumns + ` FROM published_companies WHERE 1=1`
	var args []any
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	query += ` ORDER BY website LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list published")
	}
	defer rows.Close()

	var out []model.PublishedCompany
	for rows.Next() {
		p, err := scanPublished(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan published")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list published iterate")
}

// Response cache. Timestamps are unix nanoseconds so expiry compares numerically.

func (s *SQLiteStore) GetCachedResponse(ctx context.Context, key string) (*model.CacheEntry, error) {
	var (
		e                  model.CacheEntry
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, stage, response, input_tokens, output_tokens, created_at, expires_at
		 FROM response_cache WHERE key = ? AND expires_at > ?`,
		key, s.now().UnixNano(),
	).Scan(&e.Key, &e.Stage, &e.Response, &e.InputTokens, &e.OutputTokens, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached response")
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	e.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &e, nil
}

func (s *SQLiteStore) SetCachedResponse(ctx context.Context, e model.CacheEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_cache (key, stage, response, input_tokens, output_tokens, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			stage = excluded.stage, response = excluded.response,
			input_tokens = excluded.input_tokens, output_tokens = excluded.output_tokens,
			created_at = excluded.created_at, expires_at = excluded.expires_at`,
		e.Key, string(e.Stage), e.Response, e.InputTokens, e.OutputTokens,
		e.CreatedAt.UnixNano(), e.ExpiresAt.UnixNano(),
	)
	return eris.Wrap(err, "sqlite: set cached response")
}

func (s *SQLiteStore) DeleteExpiredResponses(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired responses")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// API call audit

func (s *SQLiteStore) LogAPICall(ctx context.Context, c model.APICall) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_calls (id, session_id, stage, model, status, attempts, input_tokens,
			output_tokens, cost_usd, latency_ms, http_status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, string(c.Stage), c.Model, string(c.Status), c.Attempts, c.InputTokens,
		c.OutputTokens, c.CostUSD, c.LatencyMS, c.HTTPStatus, c.Error, c.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: log api call")
}

func (s *SQLiteStore) UsageBySession(ctx context.Context, sessionID string) ([]model.StageUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, count(*),
			coalesce(sum(status = 'cached'), 0),
			coalesce(sum(status = 'failed'), 0),
			coalesce(sum(input_tokens), 0),
			coalesce(sum(output_tokens), 0),
			coalesce(sum(cost_usd), 0)
		FROM api_calls WHERE session_id = ? GROUP BY stage ORDER BY stage`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: usage by session")
	}
	defer rows.Close()

	var out []model.StageUsage
	for rows.Next() {
		var u model.StageUsage
		if err := rows.Scan(&u.Stage, &u.Calls, &u.CachedCalls, &u.FailedCalls, &u.InputTokens, &u.OutputTokens, &u.CostUSD); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan usage")
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: usage iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// sqliteArgs stores JSON columns as TEXT so SQL comparisons against JSON
// literals work.
func sqliteArgs(vals []any) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			out[i] = string(b)
			continue
		}
		out[i] = v
	}
	return out
}
