package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"newspulse/internal/enrich"
	"newspulse/internal/fetch"
	"newspulse/internal/identity"
	"newspulse/internal/metrics"
	"newspulse/internal/model"
	"newspulse/internal/retry"
	"newspulse/internal/store"
)

type fakeSource struct {
	mu       sync.Mutex
	batches  map[string][]model.RawArticle
	failures map[string]error
	calls    []string
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(_ context.Context, category string, _ int) (fetch.Batch, error) {
	f.mu.Lock()
	f.calls = append(f.calls, category)
	f.mu.Unlock()
	if err := f.failures[category]; err != nil {
		return fetch.Batch{}, err
	}
	return fetch.NewBatch(category, f.batches[category]), nil
}

type fakeEnricher struct {
	mu     sync.Mutex
	seen   []string
	failOn string
	block  bool
}

func (f *fakeEnricher) Enrich(ctx context.Context, text string) (enrich.Analysis, error) {
	f.mu.Lock()
	f.seen = append(f.seen, text)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return enrich.Analysis{}, ctx.Err()
	}
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return enrich.Analysis{}, &enrich.StatusError{Code: 403, ErrCode: "QuotaExceeded"}
	}
	return enrich.Analysis{
		Summary:    "summary of " + text,
		Sentiment:  model.SentimentPositive,
		KeyPhrases: []string{"phrase"},
	}, nil
}

type fakeIndexer struct {
	mu   sync.Mutex
	got  []model.EnrichedArticle
	fail bool
}

func (f *fakeIndexer) Index(_ context.Context, a model.EnrichedArticle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("index unavailable")
	}
	f.got = append(f.got, a)
	return nil
}

// flakyBlob fails the first n puts.
type flakyBlob struct {
	store.Blob
	mu    sync.Mutex
	fails int
}

func (f *flakyBlob) Put(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Blob.Put(ctx, key, data)
}

func article(url, title, content string) model.RawArticle {
	return model.RawArticle{
		Title:       title,
		Content:     content,
		URL:         url,
		Source:      "Wire",
		PublishedAt: "2025-07-01T10:00:00Z",
	}
}

func newBlob(t *testing.T) *store.BadgerBlob {
	t.Helper()
	b, err := store.OpenBadger("", true)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func load(t *testing.T, b store.Blob, url string) model.EnrichedArticle {
	t.Helper()
	key, err := identity.Key(url)
	require.NoError(t, err)
	data, err := b.Get(context.Background(), key)
	require.NoError(t, err)
	rec, err := store.Decode(data)
	require.NoError(t, err)
	return rec
}

func TestRun_EndToEnd(t *testing.T) {
	src := &fakeSource{batches: map[string][]model.RawArticle{
		"": {
			article("https://example.com/a", "A", "first body"),
			article("https://example.com/b", "B", ""),
			article("https://example.com/a", "C", "newer body"),
		},
	}}
	blob := newBlob(t)
	p := New(Deps{Source: src, Enricher: &fakeEnricher{}, Store: blob}, Options{})

	r := p.Run(context.Background(), nil)

	assert.Equal(t, 3, r.Fetched)
	assert.Equal(t, 2, r.Stored)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, 0, r.Failed)
	assert.Empty(t, r.Failures)
	assert.NotEmpty(t, r.RunID)
	assert.False(t, r.FinishedAt.Before(r.StartedAt))

	keys, err := blob.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	rec := load(t, blob, "https://example.com/a")
	assert.Equal(t, "C", rec.Title)
	assert.Equal(t, "summary of C. newer body", rec.Summary)
	assert.Equal(t, "general", rec.Category)
}

func TestRun_UpsertOverwritesAcrossRuns(t *testing.T) {
	blob := newBlob(t)
	enricher := &fakeEnricher{}

	first := &fakeSource{batches: map[string][]model.RawArticle{"": {article("https://example.com/x", "X", "v1")}}}
	New(Deps{Source: first, Enricher: enricher, Store: blob}, Options{}).Run(context.Background(), nil)

	second := &fakeSource{batches: map[string][]model.RawArticle{"": {article("https://example.com/x", "X", "v2")}}}
	r := New(Deps{Source: second, Enricher: enricher, Store: blob}, Options{}).Run(context.Background(), nil)
	assert.Equal(t, 1, r.Stored)

	keys, err := blob.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Equal(t, "summary of X. v2", load(t, blob, "https://example.com/x").Summary)
}

func TestRun_ContentGating(t *testing.T) {
	src := &fakeSource{batches: map[string][]model.RawArticle{"": {
		article("https://example.com/empty", "Empty", "   "),
		article("https://example.com/full", "Full", "body"),
	}}}
	enricher := &fakeEnricher{}
	blob := newBlob(t)

	r := New(Deps{Source: src, Enricher: enricher, Store: blob}, Options{}).Run(context.Background(), nil)

	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, []string{"Full. body"}, enricher.seen)
	_, err := blob.Get(context.Background(), mustKey(t, "https://example.com/empty"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	src := &fakeSource{batches: map[string][]model.RawArticle{"business": {
		article("https://example.com/1", "One", "ok"),
		article("https://example.com/2", "Two", "ok"),
		article("https://example.com/3", "Three", "poison"),
		article("https://example.com/4", "Four", "ok"),
		article("https://example.com/5", "Five", "ok"),
	}}}
	core, logs := observer.New(zapcore.InfoLevel)
	m := metrics.New()
	blob := newBlob(t)
	p := New(Deps{
		Source:   src,
		Enricher: &fakeEnricher{failOn: "poison"},
		Store:    blob,
		Metrics:  m,
		Logger:   zap.New(core),
	}, Options{Workers: 2})

	r := p.Run(context.Background(), []string{"business"})

	assert.Equal(t, 4, r.Stored)
	assert.Equal(t, 1, r.Failed)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, Failure{
		Stage:    StageEnrich,
		Category: "business",
		URL:      "https://example.com/3",
		Err:      r.Failures[0].Err,
	}, r.Failures[0])
	assert.Contains(t, r.Failures[0].Err, "403")

	failed := logs.FilterMessage("article failed").All()
	require.Len(t, failed, 1)
	fields := failed[0].ContextMap()
	assert.Equal(t, "https://example.com/3", fields["url"])
	assert.Equal(t, "business", fields["category"])
	assert.Equal(t, StageEnrich, fields["stage"])

	keys, err := blob.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 4)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.ArticlesTotal.WithLabelValues("business", metrics.OutcomeStored)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailures.WithLabelValues(StageEnrich)))
}

func TestRun_CategoryTagging(t *testing.T) {
	src := &fakeSource{batches: map[string][]model.RawArticle{
		"science": {article("https://example.com/comet", "Comet", "spotted")},
		"":        {article("https://example.com/top", "Top", "story")},
	}}
	blob := newBlob(t)
	p := New(Deps{Source: src, Enricher: &fakeEnricher{}, Store: blob}, Options{})

	p.Run(context.Background(), []string{"science"})
	p.Run(context.Background(), nil)

	assert.Equal(t, "science", load(t, blob, "https://example.com/comet").Category)
	assert.Equal(t, "general", load(t, blob, "https://example.com/top").Category)
}

func TestRun_FetchFailureContinues(t *testing.T) {
	src := &fakeSource{
		batches:  map[string][]model.RawArticle{"science": {article("https://example.com/s", "S", "body")}},
		failures: map[string]error{"sports": &fetch.StatusError{Service: "newsapi", Code: 401}},
	}
	r := New(Deps{Source: src, Enricher: &fakeEnricher{}, Store: newBlob(t)}, Options{}).
		Run(context.Background(), []string{"sports", "science"})

	assert.Equal(t, []string{"sports", "science"}, src.calls)
	assert.Equal(t, 1, r.FetchErrors)
	assert.Equal(t, 1, r.Stored)
	assert.Equal(t, 0, r.Failed)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, StageFetch, r.Failures[0].Stage)
	assert.Equal(t, "sports", r.Failures[0].Category)
}

func TestRun_IdentifyFailure(t *testing.T) {
	src := &fakeSource{batches: map[string][]model.RawArticle{"": {article("", "No URL", "body")}}}
	r := New(Deps{Source: src, Enricher: &fakeEnricher{}, Store: newBlob(t)}, Options{}).Run(context.Background(), nil)

	assert.Equal(t, 1, r.Failed)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, StageIdentify, r.Failures[0].Stage)
}

func TestRun_ArticleTimeout(t *testing.T) {
	src := &fakeSource{batches: map[string][]model.RawArticle{"": {article("https://example.com/slow", "Slow", "body")}}}
	p := New(Deps{Source: src, Enricher: &fakeEnricher{block: true}, Store: newBlob(t)}, Options{ArticleTimeout: 20 * time.Millisecond})

	r := p.Run(context.Background(), nil)

	assert.Equal(t, 1, r.Failed)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, StageEnrich, r.Failures[0].Stage)
	assert.Contains(t, r.Failures[0].Err, "timed out")
}

func TestRun_StoreRetries(t *testing.T) {
	src := &fakeSource{batches: map[string][]model.RawArticle{"": {article("https://example.com/r", "R", "body")}}}
	blob := &flakyBlob{Blob: newBlob(t), fails: 1}
	policy := retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	r := New(Deps{Source: src, Enricher: &fakeEnricher{}, Store: blob}, Options{StoreRetry: policy}).Run(context.Background(), nil)
	assert.Equal(t, 1, r.Stored)

	blob.fails = 1
	r = New(Deps{Source: src, Enricher: &fakeEnricher{}, Store: blob}, Options{}).Run(context.Background(), nil)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, StageStore, r.Failures[0].Stage)
}

func TestRun_IndexErrorsAreNotArticleFailures(t *testing.T) {
	src := &fakeSource{batches: map[string][]model.RawArticle{"": {
		article("https://example.com/1", "One", "body"),
		article("https://example.com/2", "Two", "body"),
	}}}
	good := &fakeIndexer{}
	bad := &fakeIndexer{fail: true}
	r := New(Deps{Source: src, Enricher: &fakeEnricher{}, Store: newBlob(t), Indexers: []Indexer{good, bad}}, Options{}).
		Run(context.Background(), nil)

	assert.Equal(t, 2, r.Stored)
	assert.Equal(t, 0, r.Failed)
	assert.Equal(t, 2, r.IndexErrors)
	assert.Len(t, good.got, 2)
}

func TestGroupByKey(t *testing.T) {
	units := groupByKey([]model.RawArticle{
		article("https://example.com/a", "A1", "x"),
		article("https://example.com/b", "B", "x"),
		article("", "bad1", "x"),
		article("https://example.com/a", "A2", "x"),
		article("", "bad2", "x"),
	})

	require.Len(t, units, 4)
	assert.Equal(t, "A1", units[0][0].Title)
	assert.Equal(t, "A2", units[0][1].Title)
	assert.Equal(t, "B", units[1][0].Title)
	assert.Len(t, units[2], 1)
	assert.Len(t, units[3], 1)
}

func TestReindex(t *testing.T) {
	blob := newBlob(t)
	src := &fakeSource{batches: map[string][]model.RawArticle{"": {
		article("https://example.com/1", "One", "body"),
		article("https://example.com/2", "Two", "body"),
	}}}
	New(Deps{Source: src, Enricher: &fakeEnricher{}, Store: blob}, Options{}).Run(context.Background(), nil)
	require.NoError(t, blob.Put(context.Background(), "garbage.json", []byte("{not json")))

	ix := &fakeIndexer{}
	n, err := Reindex(context.Background(), blob, []Indexer{ix}, nil)
	assert.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, ix.got, 2)
	for _, rec := range ix.got {
		assert.Equal(t, model.SentimentPositive, rec.Sentiment)
	}
}

func mustKey(t *testing.T, url string) string {
	t.Helper()
	key, err := identity.Key(url)
	require.NoError(t, err)
	return key
}
