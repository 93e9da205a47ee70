package importer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blogcrawl/pipeline/internal/apiclient"
	"github.com/blogcrawl/pipeline/internal/broker"
	"github.com/blogcrawl/pipeline/internal/database"
	"github.com/blogcrawl/pipeline/internal/ingest"
	"github.com/blogcrawl/pipeline/internal/importer"
	"github.com/blogcrawl/pipeline/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := broker.New(mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// TestManager_StagesOnlyPostsAtOrAfterLastCrawl exercises ArchiveBlog +
// RunProcessors end to end against a fake remote API: one post predates the
// blog's last_crawl_update and must be dropped, the other is at-or-after it
// and must land in the posts staging queue.
func TestManager_StagesOnlyPostsAtOrAfterLastCrawl(t *testing.T) {
	var postsCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/blog/coolblog/info":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"meta": map[string]interface{}{"status": 200},
				"blog": map[string]interface{}{"posts": 2},
			})
		case "/blog/coolblog/posts":
			postsCalls++
			json.NewEncoder(w).Encode(map[string]interface{}{
				"meta": map[string]interface{}{"status": 200},
				"posts": []map[string]interface{}{
					{"id": 1, "timestamp": 100},
					{"id": 2, "timestamp": 500},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mockDB.Close()
	mock.ExpectExec(`UPDATE blogs SET last_crawl_update`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	b := newTestBroker(t)
	layer := ingest.New(&database.DB{Conn: mockDB}, b, 500)
	api := apiclient.New(srv.URL, time.Millisecond)
	mgr := importer.New(api, b, layer, 5)

	ctx := context.Background()
	lastCrawl := time.Unix(300, 0)
	blog := &models.Blog{ID: 1, Name: "coolblog", Updated: time.Now(), LastCrawlUpdate: &lastCrawl}

	require.NoError(t, mgr.ArchiveBlog(ctx, blog))

	runCtx, cancel := context.WithCancel(ctx)
	go mgr.RunProcessors(runCtx, 1)

	require.Eventually(t, func() bool {
		n, err := b.SCard(ctx, broker.KeyPostsStaging)
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.GreaterOrEqual(t, postsCalls, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_BadCounterPinsBlogDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/blog/coolblog/info":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"meta": map[string]interface{}{"status": 200},
				"blog": map[string]interface{}{"posts": 0},
			})
		case "/blog/coolblog/posts":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"meta":  map[string]interface{}{"status": 200},
				"posts": []map[string]interface{}{{"id": 1, "timestamp": 0}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mockDB.Close()
	mock.ExpectExec(`UPDATE blogs SET last_crawl_update`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	b := newTestBroker(t)
	layer := ingest.New(&database.DB{Conn: mockDB}, b, 500)
	api := apiclient.New(srv.URL, time.Millisecond)
	// badThreshold of 1 so a single rejected post (timestamp below a
	// 9999999999 cutoff) pins the blog done immediately.
	mgr := importer.New(api, b, layer, 1)

	ctx := context.Background()
	lastCrawl := time.Unix(9999999999, 0)
	blog := &models.Blog{ID: 1, Name: "coolblog", Updated: time.Now(), LastCrawlUpdate: &lastCrawl}
	require.NoError(t, mgr.ArchiveBlog(ctx, blog))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go mgr.RunProcessors(runCtx, 1)

	// Give the single worker a little time to drain its one task; nothing
	// should ever be staged since the only post predates the cutoff.
	time.Sleep(100 * time.Millisecond)
	n, err := b.SCard(ctx, broker.KeyPostsStaging)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}
