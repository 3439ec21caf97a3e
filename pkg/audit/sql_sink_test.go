package audit

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func TestSQLSink_SQLiteRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	ctx := context.Background()
	sink, err := NewSQLSink(ctx, db, DialectSQLite)
	require.NoError(t, err)

	l := NewLog(WithSink(sink))
	_, err = l.Record(ctx, Entry{Type: EventSigningSubmitted, Summary: "submitted req-1", Metadata: map[string]any{"request_id": "req-1"}})
	require.NoError(t, err)
	_, err = l.Record(ctx, Entry{Type: EventSigningApproved, Summary: "approved req-1"})
	require.NoError(t, err)

	loaded, err := sink.Load(ctx, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	assert.Equal(t, uint64(1), loaded[0].Sequence)
	assert.Equal(t, EventSigningSubmitted, loaded[0].Type)
	assert.Equal(t, "req-1", loaded[0].Metadata["request_id"])
	assert.Equal(t, loaded[0].Hash, loaded[1].PreviousHash)
	assert.Nil(t, loaded[1].Metadata)

	inMemory := l.Recent(0)
	assert.Equal(t, inMemory[1].Hash, loaded[1].Hash)
	assert.True(t, inMemory[0].Timestamp.Equal(loaded[0].Timestamp))
}

func TestSQLSink_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries (id, sequence, type, severity, summary, metadata, timestamp, previous_hash, hash) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)")).
		WithArgs(sqlmock.AnyArg(), int64(1), "lifecycle", "warn", "policy updated", "null", sqlmock.AnyArg(), "genesis", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	ctx := context.Background()
	sink, err := NewSQLSink(ctx, db, DialectPostgres)
	require.NoError(t, err)

	l := NewLog(WithSink(sink))
	_, err = l.Record(ctx, Entry{Type: EventLifecycle, Severity: SeverityWarn, Summary: "policy updated"})
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSink_WriteErrorIsReported(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnError(sqlmock.ErrCancelled)

	ctx := context.Background()
	sink, err := NewSQLSink(ctx, db, DialectSQLite)
	require.NoError(t, err)

	err = sink.Write(ctx, Entry{ID: "x", Type: EventLifecycle, Severity: SeverityInfo})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSQLSink_Validation(t *testing.T) {
	_, err := NewSQLSink(context.Background(), nil, DialectSQLite)
	assert.Error(t, err)

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = NewSQLSink(context.Background(), db, "oracle")
	assert.Error(t, err)
}
