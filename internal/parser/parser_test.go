package parser_test

import (
	"context"
	"testing"
	"time"

	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/database"
	"github.com/blogcrawl/pipeline/internal/ingest"
	"github.com/blogcrawl/pipeline/internal/parser"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestParser_DrainsPostsStagingIntoPostgres(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mockDB.Close()

	mr := miniredis.RunT(t)
	b, err := broker.New(mr.Addr(), 0)
	require.NoError(t, err)
	defer b.Close()

	layer := ingest.New(&database.DB{Conn: mockDB}, b, 500)
	p := parser.New(b, layer, nil)

	ctx := context.Background()
	require.NoError(t, b.SAdd(ctx, broker.KeyPostsStaging, `{"id":101,"timestamp":1700000000}`))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO posts`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	runCtx, cancel := context.WithCancel(ctx)
	go p.Run(runCtx, 1)

	require.Eventually(t, func() bool {
		n, err := b.SCard(ctx, broker.KeyPostsStaging)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParser_DropsMalformedRecordAndKeepsGoing(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mockDB.Close()

	mr := miniredis.RunT(t)
	b, err := broker.New(mr.Addr(), 0)
	require.NoError(t, err)
	defer b.Close()

	layer := ingest.New(&database.DB{Conn: mockDB}, b, 500)
	p := parser.New(b, layer, nil)

	ctx := context.Background()
	require.NoError(t, b.SAdd(ctx, broker.KeyPostsStaging, `not-json`))

	// No SQL is expected: the only staged record is malformed and never
	// reaches the records slice, so BulkUpsert's len(records) == 0 check
	// returns before any transaction is opened.

	runCtx, cancel := context.WithCancel(ctx)
	go p.Run(runCtx, 1)

	require.Eventually(t, func() bool {
		n, err := b.SCard(ctx, broker.KeyPostsStaging)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, mock.ExpectationsWereMet())
}
