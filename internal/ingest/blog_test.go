package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/database"
	"github.com/blogcrawl/pipeline/internal/ingest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestLayer(t *testing.T) (*ingest.Layer, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	mr := miniredis.RunT(t)
	b, err := broker.New(mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return ingest.New(&database.DB{Conn: mockDB}, b, 500), mock
}

func TestUpsertBlog_Insert(t *testing.T) {
	layer, mock := newTestLayer(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO blogs`).
		WithArgs("uid-1", "coolblog", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_crawl_update"}).AddRow(int64(1), nil))
	mock.ExpectCommit()

	payload := map[string]interface{}{
		"blog": map[string]interface{}{
			"uuid":    "uid-1",
			"name":    "coolblog",
			"updated": float64(time.Now().Unix()),
		},
	}

	blog, err := layer.UpsertBlog(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, int64(1), blog.ID)
	require.Nil(t, blog.LastCrawlUpdate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBlog_MissingUUIDIsDiscarded(t *testing.T) {
	layer, mock := newTestLayer(t)
	ctx := context.Background()

	// UpsertBlog opens its transaction before the identity check runs, so the
	// discard path still rolls back an otherwise-empty transaction.
	mock.ExpectBegin()
	mock.ExpectRollback()

	payload := map[string]interface{}{"blog": map[string]interface{}{"name": "noid"}}

	_, err := layer.UpsertBlog(ctx, payload)
	require.Error(t, err)
	require.True(t, ingest.Discarded(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
