package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "published_companies",
		Columns:      []string{"website", "name"},
		ConflictKeys: []string{"website"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "published_companies",
		ConflictKeys: []string{"website"},
	}, [][]any{{"acme.com", "Acme"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "published_companies",
		Columns: []string{"website", "name"},
	}, [][]any{{"acme.com", "Acme"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_published_companies"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_published_companies"}, []string{"website", "name"}).
		WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("website"\) DO UPDATE SET "name" = EXCLUDED."name"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "published_companies",
		Columns:      []string{"website", "name"},
		ConflictKeys: []string{"website"},
	}, [][]any{{"acme.com", "Acme"}, {"globex.com", "Globex"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyFails(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_published_companies"}, []string{"website"}).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "published_companies",
		Columns:      []string{"website"},
		ConflictKeys: []string{"website"},
	}, [][]any{{"acme.com"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"leads.published_companies", `"leads"."published_companies"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}
