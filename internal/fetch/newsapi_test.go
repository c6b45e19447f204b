package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"newspulse/internal/retry"
)

const headlinesJSON = `{
  "status": "ok",
  "totalResults": 3,
  "articles": [
    {"source": {"id": null, "name": "Reuters"}, "title": "Rates hold steady",
     "url": "https://example.com/rates", "publishedAt": "2025-07-01T10:00:00Z",
     "content": "The central bank kept rates unchanged on Tuesday, citing… [+2412 chars]"},
    {"source": {"id": null, "name": "AP"}, "title": "No body here",
     "url": "https://example.com/empty", "publishedAt": "2025-07-01T09:00:00Z", "content": null},
    {"source": {"id": "bbc", "name": "BBC"}, "title": "Probe reaches Mars",
     "url": "https://example.com/mars", "publishedAt": "2025-07-01T08:00:00Z",
     "content": "<p>The probe entered orbit.</p>"}
  ]
}`

var noRetry = retry.Policy{MaxAttempts: 1}

func TestNewsAPI_Fetch(t *testing.T) {
	var gotQuery, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/top-headlines", r.URL.Path)
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-Api-Key")
		_, _ = w.Write([]byte(headlinesJSON))
	}))
	defer srv.Close()

	src := NewNewsAPI(NewsAPIConfig{Endpoint: srv.URL, APIKey: "secret"}, "en", srv.Client(), noRetry, zap.NewNop())
	b, err := src.Fetch(context.Background(), "science", 30)
	require.NoError(t, err)

	assert.Equal(t, "secret", gotKey)
	assert.Contains(t, gotQuery, "category=science")
	assert.Contains(t, gotQuery, "language=en")
	assert.Contains(t, gotQuery, "pageSize=30")

	assert.Equal(t, "science", b.Category)
	assert.Equal(t, 1, b.Dropped)
	require.Len(t, b.Articles, 2)

	first := b.Articles[0]
	assert.Equal(t, "Rates hold steady", first.Title)
	assert.Equal(t, "The central bank kept rates unchanged on Tuesday, citing", first.Content)
	assert.Equal(t, "Reuters", first.Source)
	assert.Equal(t, "https://example.com/rates", first.URL)
	assert.Equal(t, "2025-07-01T10:00:00Z", first.PublishedAt)
	assert.Equal(t, "science", first.Category)

	assert.Equal(t, "The probe entered orbit.", b.Articles[1].Content)
}

func TestNewsAPI_UnscopedOmitsCategory(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(headlinesJSON))
	}))
	defer srv.Close()

	src := NewNewsAPI(NewsAPIConfig{Endpoint: srv.URL}, "en", srv.Client(), noRetry, nil)
	b, err := src.Fetch(context.Background(), "", 10)
	require.NoError(t, err)

	assert.NotContains(t, gotQuery, "category=")
	assert.Equal(t, "general", b.Category)
	for _, a := range b.Articles {
		assert.Equal(t, "general", a.Category)
	}
}

func TestNewsAPI_AuthFailureIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"status":"error","code":"apiKeyInvalid","message":"Your API key is invalid."}`))
	}))
	defer srv.Close()

	policy := retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	src := NewNewsAPI(NewsAPIConfig{Endpoint: srv.URL}, "en", srv.Client(), policy, nil)
	_, err := src.Fetch(context.Background(), "", 10)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Contains(t, se.Message, "apiKeyInvalid")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNewsAPI_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(headlinesJSON))
	}))
	defer srv.Close()

	policy := retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	src := NewNewsAPI(NewsAPIConfig{Endpoint: srv.URL}, "en", srv.Client(), policy, nil)
	b, err := src.Fetch(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, b.Articles, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCleanContent(t *testing.T) {
	assert.Equal(t, "Short body", cleanContent("Short body... [+10 chars]"))
	assert.Equal(t, "Untouched body", cleanContent("Untouched body"))
	assert.Equal(t, "", cleanContent(""))
}
