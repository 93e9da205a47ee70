package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blogcrawl/pipeline/internal/api"
	"github.com/blogcrawl/pipeline/internal/database"
	"github.com/blogcrawl/pipeline/internal/models"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

type fakeCatalogue struct {
	blog *models.Blog
	err  error
}

func (f *fakeCatalogue) GetBlogByName(ctx context.Context, name string) (*models.Blog, error) {
	return f.blog, f.err
}

type fakeQueue struct {
	added []string
	err   error
}

func (f *fakeQueue) SAdd(ctx context.Context, set, member string) error {
	if f.err != nil {
		return f.err
	}
	f.added = append(f.added, member)
	return nil
}

type fakeSearcher struct {
	result json.RawMessage
	err    error
}

func (f *fakeSearcher) SearchPosts(ctx context.Context, term string) (json.RawMessage, error) {
	return f.result, f.err
}

func TestGetBlog_Found(t *testing.T) {
	h := &api.Handler{Catalog: &fakeCatalogue{blog: &models.Blog{ID: 1, Name: "coolblog", Updated: time.Now()}}}

	req := httptest.NewRequest(http.MethodGet, "/api/blogs/coolblog", nil)
	rec := httptest.NewRecorder()
	h.GetBlog(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Blog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "coolblog", got.Name)
}

func TestGetBlog_NotFound(t *testing.T) {
	h := &api.Handler{Catalog: &fakeCatalogue{err: sql.ErrNoRows}}

	req := httptest.NewRequest(http.MethodGet, "/api/blogs/missing", nil)
	rec := httptest.NewRecorder()
	h.GetBlog(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBlog_MissingName(t *testing.T) {
	h := &api.Handler{Catalog: &fakeCatalogue{}}

	req := httptest.NewRequest(http.MethodGet, "/api/blogs/", nil)
	rec := httptest.NewRecorder()
	h.GetBlog(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueManualCrawl_Success(t *testing.T) {
	q := &fakeQueue{}
	h := &api.Handler{Queue: q, ManualKey: "tumblr:queue:manualqueue"}

	body, _ := json.Marshal(map[string]string{"name": "coolblog"})
	req := httptest.NewRequest(http.MethodPost, "/api/queue/manual", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.QueueManualCrawl(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"coolblog"}, q.added)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "queued", resp["status"])
	require.NotEmpty(t, resp["request_id"])
}

func TestQueueManualCrawl_RejectsEmptyBody(t *testing.T) {
	h := &api.Handler{Queue: &fakeQueue{}}

	req := httptest.NewRequest(http.MethodPost, "/api/queue/manual", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.QueueManualCrawl(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueManualCrawl_QueueFailure(t *testing.T) {
	h := &api.Handler{Queue: &fakeQueue{err: errors.New("redis down")}}

	body, _ := json.Marshal(map[string]string{"name": "coolblog"})
	req := httptest.NewRequest(http.MethodPost, "/api/queue/manual", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.QueueManualCrawl(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSearchPosts_RequiresQueryParam(t *testing.T) {
	h := &api.Handler{Search: &fakeSearcher{}}

	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	rec := httptest.NewRecorder()
	h.SearchPosts(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchPosts_PassesThroughResult(t *testing.T) {
	h := &api.Handler{Search: &fakeSearcher{result: json.RawMessage(`{"hits":[]}`)}}

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=hello", nil)
	rec := httptest.NewRecorder()
	h.SearchPosts(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"hits":[]}`, rec.Body.String())
}

func TestRefreshCrawlLag_Success(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	mock.ExpectExec("REFRESH MATERIALIZED VIEW CONCURRENTLY blog_crawl_lag").WillReturnResult(sqlmock.NewResult(0, 0))

	h := &api.Handler{DB: &database.DB{Conn: mockDB}}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/refresh-crawl-lag", nil)
	rec := httptest.NewRecorder()
	h.RefreshCrawlLag(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
