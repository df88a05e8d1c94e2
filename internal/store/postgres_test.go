package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := newPostgresStore(mock, nil)
	return s, mock
}

func recordRows(t *testing.T, recs ...model.CompanyRecord) *pgxmock.Rows {
	t.Helper()
	rows := pgxmock.NewRows(recordColumnNames)
	for i := range recs {
		vals, err := recordValues(&recs[i])
		require.NoError(t, err)
		rows.AddRow(vals...)
	}
	return rows
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS company_records`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSession_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, topic, status, error, created_at, updated_at FROM sessions WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetSession(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateSessionStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE sessions SET status`).
		WithArgs("running", "", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateSessionStatus(context.Background(), "missing", model.SessionRunning, "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddQueries_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"session_queries"}, []string{"id", "session_id", "keyword", "created_at"}).
		WillReturnResult(2)

	qs, err := s.AddQueries(context.Background(), "s1", []string{"valves", "valve maker"})
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.True(t, qs[0].CreatedAt.Before(qs[1].CreatedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailQuery(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE session_queries SET attempts = attempts \+ 1 WHERE id = \$1 RETURNING attempts`).
		WithArgs("q-1").
		WillReturnRows(pgxmock.NewRows([]string{"attempts"}).AddRow(2))
	mock.ExpectQuery(`UPDATE session_queries SET attempts`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	n, err := s.FailQuery(context.Background(), "q-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.FailQuery(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRecords_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"company_records"}, recordColumnNames).
		WillReturnResult(2)

	recs := []model.CompanyRecord{
		{SessionID: "s1", Name: "Acme", State: model.Discovered(false, false)},
		{SessionID: "s1", Name: "Globex", Website: "https://globex.com", State: model.Discovered(true, false)},
	}
	require.NoError(t, s.CreateRecords(context.Background(), recs))
	assert.NotEmpty(t, recs[0].ID)
	assert.NotEqual(t, recs[0].ID, recs[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRecords_CopyError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"company_records"}, recordColumnNames).
		WillReturnError(errors.New("connection reset"))

	err := s.CreateRecords(context.Background(), []model.CompanyRecord{{SessionID: "s1", Name: "Acme"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create records")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rec := model.CompanyRecord{
		ID: "r1", SessionID: "s1", Name: "Acme", Website: "https://acme.com",
		Email: "info@acme.com", Emails: []string{"info@acme.com"},
		State:     model.Discovered(true, true),
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	mock.ExpectQuery(`FROM company_records WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(recordRows(t, rec))

	got, err := s.GetRecord(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)
	assert.Equal(t, []string{"info@acme.com"}, got.Emails)
	assert.Equal(t, model.WatermarkContact, got.State.Watermark())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRecord_RejectsCorruptState(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rec := model.CompanyRecord{ID: "r1", SessionID: "s1", Name: "Acme", State: model.Discovered(false, false)}
	vals, err := recordValues(&rec)
	require.NoError(t, err)
	// contact completed below the contact watermark
	vals[19] = string(model.StepCompleted)

	mock.ExpectQuery(`FROM company_records WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows(recordColumnNames).AddRow(vals...))

	_, err = s.GetRecord(context.Background(), "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore state")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordsReadyForStage(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	failed, err := model.Discovered(false, false).FailWebsite()
	require.NoError(t, err)
	ready := model.CompanyRecord{ID: "r1", SessionID: "s1", Name: "Acme", State: failed}

	clause, err := readyClause(model.StageWebsiteRetry, 2, pgEmptyList)
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta(clause)).
		WithArgs("s1").
		WillReturnRows(recordRows(t, ready))

	got, err := s.RecordsReadyForStage(context.Background(), "s1", model.StageWebsiteRetry, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyStagePatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rec := model.CompanyRecord{ID: "r1", SessionID: "s1", Name: "Acme", State: model.Discovered(false, false)}
	next, err := rec.State.ResolveWebsite(false)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM company_records WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(recordRows(t, rec))
	mock.ExpectExec(`UPDATE company_records SET session_id = \$1, .* WHERE id = \$26`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	got, err := s.ApplyStagePatch(context.Background(), "r1", model.StagePatch{
		Stage:   model.StageWebsite,
		Website: model.Ptr("https://acme.com"),
	}.WithState(next))
	require.NoError(t, err)
	assert.Equal(t, "https://acme.com", got.Website)
	assert.Equal(t, model.WatermarkWebsite, got.State.Watermark())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyStagePatch_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.ApplyStagePatch(context.Background(), "missing", model.StagePatch{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCachedResponse_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM response_cache WHERE key = \$1 AND expires_at > \$2`).
		WithArgs("abc123", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	entry, err := s.GetCachedResponse(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetCachedResponse_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	expires := time.Now().Add(time.Hour)
	mock.ExpectExec(`ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("abc123", "website", "https://acme.com", 10, 2, pgxmock.AnyArg(), expires).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SetCachedResponse(context.Background(), model.CacheEntry{
		Key: "abc123", Stage: model.StageWebsite, Response: "https://acme.com",
		InputTokens: 10, OutputTokens: 2, ExpiresAt: expires,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExpiredResponses(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM response_cache WHERE expires_at <= \$1`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := s.DeleteExpiredResponses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertPublished_BulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM published_companies WHERE website = ANY\(\$1\)`).
		WithArgs([]string{"https://acme.com"}).
		WillReturnRows(pgxmock.NewRows(publishedColumnNames))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_published_companies"}, publishedColumnNames).
		WillReturnResult(1)
	mock.ExpectExec(`ON CONFLICT \("website"\) DO UPDATE SET "emails" = EXCLUDED."emails"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.UpsertPublished(context.Background(), []model.PublishedCompany{{
		RecordID: "r1", SessionID: "s1", Name: "Acme", Website: "https://acme.com",
		Emails: []string{"info@acme.com"},
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteRecords(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM company_records WHERE id = ANY\(\$1\)`).
		WithArgs([]string{"r1", "r2"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	require.NoError(t, s.DeleteRecords(context.Background(), []string{"r1", "r2"}))
	require.NoError(t, s.DeleteRecords(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UsageBySession(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM api_calls WHERE session_id = \$1 GROUP BY stage`).
		WithArgs("s1").
		WillReturnRows(pgxmock.NewRows([]string{"stage", "count", "cached", "failed", "input", "output", "cost"}).
			AddRow("contact", 3, 1, 1, 200, 40, 0.02).
			AddRow("website", 5, 0, 0, 500, 50, 0.05))

	usage, err := s.UsageBySession(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, model.StageContact, usage[0].Stage)
	assert.Equal(t, 3, usage[0].Calls)
	assert.InDelta(t, 0.05, usage[1].CostUSD, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LogAPICall(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO api_calls`).
		WithArgs(pgxmock.AnyArg(), "s1", "website", "sonar", "succeeded", 1, 100, 10, 0.01, int64(1200), 200, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.LogAPICall(context.Background(), model.APICall{
		SessionID: "s1", Stage: model.StageWebsite, Model: "sonar", Status: model.CallSucceeded,
		Attempts: 1, InputTokens: 100, OutputTokens: 10, CostUSD: 0.01, LatencyMS: 1200, HTTPStatus: 200,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
