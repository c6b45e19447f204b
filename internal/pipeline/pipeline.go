// Package pipeline runs ingestion: fetch per category, then enrich, identify,
// encode and store every article, isolating failures to the article.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"newspulse/internal/enrich"
	"newspulse/internal/fetch"
	"newspulse/internal/identity"
	"newspulse/internal/metrics"
	"newspulse/internal/model"
	"newspulse/internal/retry"
	"newspulse/internal/store"
)

// Stages an article failure can be attributed to.
const (
	StageFetch    = "fetch"
	StageEnrich   = "enrich"
	StageIdentify = "identify"
	StageEncode   = "encode"
	StageStore    = "store"
)

const (
	DefaultWorkers        = 4
	DefaultPageSize       = 20
	DefaultArticleTimeout = 2 * time.Minute
)

// Indexer receives every record after it is stored.
type Indexer interface {
	Index(ctx context.Context, a model.EnrichedArticle) error
}

type Deps struct {
	Source   fetch.Source
	Enricher enrich.Enricher
	Store    store.Blob
	Indexers []Indexer
	Metrics  *metrics.Pipeline
	Logger   *zap.Logger
}

type Options struct {
	PageSize       int
	Workers        int
	ArticleTimeout time.Duration
	// StoreRetry bounds retries of a failed put.
	StoreRetry retry.Policy
}

// Failure describes one article or category that did not make it into the store.
type Failure struct {
	Stage    string `json:"stage"`
	Category string `json:"category"`
	URL      string `json:"url,omitempty"`
	Err      string `json:"error"`
}

// Report summarizes one run. Partial success is the normal terminal state.
type Report struct {
	RunID       string    `json:"run_id"`
	Categories  []string  `json:"categories"`
	Fetched     int       `json:"fetched"`
	Stored      int       `json:"stored"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	FetchErrors int       `json:"fetch_errors"`
	IndexErrors int       `json:"index_errors"`
	Failures    []Failure `json:"failures"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

func (r Report) String() string {
	return fmt.Sprintf("run %s: fetched=%d stored=%d skipped=%d failed=%d fetch_errors=%d index_errors=%d",
		r.RunID, r.Fetched, r.Stored, r.Skipped, r.Failed, r.FetchErrors, r.IndexErrors)
}

type Pipeline struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

func New(deps Deps, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.ArticleTimeout <= 0 {
		opts.ArticleTimeout = DefaultArticleTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, opts: opts, logger: logger}
}

// Run ingests each category in turn; an empty list is one unscoped pass.
// Errors never escape: they are logged and counted in the report.
func (p *Pipeline) Run(ctx context.Context, categories []string) Report {
	r := &run{
		report: Report{
			RunID:      uuid.NewString(),
			Categories: categories,
			Failures:   []Failure{},
			StartedAt:  time.Now().UTC(),
		},
		metrics: p.deps.Metrics,
	}
	log := p.logger.With(zap.String("run_id", r.report.RunID))
	log.Info("ingestion started", zap.Strings("categories", categories), zap.String("source", p.deps.Source.Name()))

	if len(categories) == 0 {
		categories = []string{""}
	}
	for _, category := range categories {
		if ctx.Err() != nil {
			log.Warn("ingestion cancelled", zap.Error(ctx.Err()))
			break
		}
		p.ingestCategory(ctx, log, r, category)
	}

	r.report.FinishedAt = time.Now().UTC()
	p.deps.Metrics.RecordRun(r.report.StartedAt, r.report.FinishedAt)
	log.Info("ingestion finished",
		zap.Int("fetched", r.report.Fetched),
		zap.Int("stored", r.report.Stored),
		zap.Int("skipped", r.report.Skipped),
		zap.Int("failed", r.report.Failed),
		zap.Int("fetch_errors", r.report.FetchErrors),
		zap.Int("index_errors", r.report.IndexErrors),
		zap.Duration("took", r.report.FinishedAt.Sub(r.report.StartedAt)),
	)
	return r.report
}

func (p *Pipeline) ingestCategory(ctx context.Context, log *zap.Logger, r *run, category string) {
	tag := model.NormalizeCategory(category)
	log = log.With(zap.String("category", tag))

	batch, err := p.deps.Source.Fetch(ctx, category, p.opts.PageSize)
	if err != nil {
		log.Error("fetch failed", zap.String("stage", StageFetch), zap.Error(err))
		r.fetchFailed(tag, err)
		return
	}
	log.Info("fetched", zap.Int("articles", len(batch.Articles)), zap.Int("dropped", batch.Dropped))
	r.fetched(batch)

	g := new(errgroup.Group)
	g.SetLimit(p.opts.Workers)
	for _, unit := range groupByKey(batch.Articles) {
		g.Go(func() error {
			// Same-key articles run in fetch order so the last one wins.
			for _, raw := range unit {
				r.record(p.processArticle(ctx, log, raw))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// groupByKey partitions articles into work units sharing an identity key,
// preserving fetch order within and across units. Articles whose key cannot be
// derived each get a unit of their own.
func groupByKey(articles []model.RawArticle) [][]model.RawArticle {
	var units [][]model.RawArticle
	index := make(map[string]int, len(articles))
	for _, a := range articles {
		key, err := identity.Key(a.URL)
		if err != nil {
			units = append(units, []model.RawArticle{a})
			continue
		}
		if i, ok := index[key]; ok {
			units[i] = append(units[i], a)
			continue
		}
		index[key] = len(units)
		units = append(units, []model.RawArticle{a})
	}
	return units
}

type outcome struct {
	category    string
	stored      bool
	skipped     bool
	failure     *Failure
	indexErrors int
	took        time.Duration
}

func (p *Pipeline) processArticle(ctx context.Context, log *zap.Logger, raw model.RawArticle) outcome {
	start := time.Now()
	out := outcome{category: model.NormalizeCategory(raw.Category)}
	log = log.With(zap.String("url", raw.URL))

	if !raw.HasContent() {
		out.skipped = true
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.ArticleTimeout)
	defer cancel()

	fail := func(stage string, err error) outcome {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("article timed out after %s: %w", p.opts.ArticleTimeout, err)
		}
		log.Error("article failed", zap.String("stage", stage), zap.Error(err))
		out.failure = &Failure{Stage: stage, Category: out.category, URL: raw.URL, Err: err.Error()}
		out.took = time.Since(start)
		return out
	}

	analysis, err := p.deps.Enricher.Enrich(ctx, raw.Text())
	if err != nil {
		return fail(StageEnrich, err)
	}

	key, err := identity.Key(raw.URL)
	if err != nil {
		return fail(StageIdentify, err)
	}
	log = log.With(zap.String("key", key))

	rec := model.NewEnrichedArticle(key, raw)
	rec.Summary = analysis.Summary
	rec.Sentiment = analysis.Sentiment
	if analysis.KeyPhrases != nil {
		rec.KeyPhrases = analysis.KeyPhrases
	}

	data, err := store.Encode(rec)
	if err != nil {
		return fail(StageEncode, err)
	}

	_, err = retry.Do(ctx, p.opts.StoreRetry, nil, log, func() (struct{}, error) {
		return struct{}{}, p.deps.Store.Put(ctx, key, data)
	})
	if err != nil {
		return fail(StageStore, err)
	}
	out.stored = true

	for _, ix := range p.deps.Indexers {
		if err := ix.Index(ctx, rec); err != nil {
			log.Warn("index update failed", zap.Error(err))
			out.indexErrors++
		}
	}
	out.took = time.Since(start)
	log.Debug("article stored", zap.String("sentiment", string(rec.Sentiment)), zap.Duration("took", out.took))
	return out
}

// run accumulates a report from concurrent workers.
type run struct {
	mu      sync.Mutex
	report  Report
	metrics *metrics.Pipeline
}

func (r *run) fetchFailed(category string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.FetchErrors++
	r.report.Failures = append(r.report.Failures, Failure{Stage: StageFetch, Category: category, Err: err.Error()})
	r.metrics.RecordFetchError(category)
}

func (r *run) fetched(b fetch.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Fetched += b.Total()
	r.report.Skipped += b.Dropped
	r.metrics.RecordSkipped(b.Category, b.Dropped)
}

func (r *run) record(o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case o.skipped:
		r.report.Skipped++
		r.metrics.RecordSkipped(o.category, 1)
	case o.failure != nil:
		r.report.Failed++
		r.report.Failures = append(r.report.Failures, *o.failure)
		r.metrics.RecordArticle(o.category, metrics.OutcomeFailed, o.took)
		r.metrics.RecordFailure(o.failure.Stage)
	case o.stored:
		r.report.Stored++
		r.metrics.RecordArticle(o.category, metrics.OutcomeStored, o.took)
	}
	r.report.IndexErrors += o.indexErrors
	for i := 0; i < o.indexErrors; i++ {
		r.metrics.RecordIndexError()
	}
}

// Reindex feeds every stored record to the indexers. It returns the number of
// records all indexers accepted.
func Reindex(ctx context.Context, blob store.Blob, indexers []Indexer, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	keys, err := blob.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}

	indexed, failed := 0, 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		data, err := blob.Get(ctx, key)
		if err != nil {
			logger.Warn("reindex read failed", zap.String("key", key), zap.Error(err))
			failed++
			continue
		}
		rec, err := store.Decode(data)
		if err != nil {
			logger.Warn("reindex decode failed", zap.String("key", key), zap.Error(err))
			failed++
			continue
		}
		if rec.ID == "" {
			rec.ID = key
		}

		ok := true
		for _, ix := range indexers {
			if err := ix.Index(ctx, rec); err != nil {
				logger.Warn("reindex failed", zap.String("key", key), zap.Error(err))
				ok = false
			}
		}
		if ok {
			indexed++
		} else {
			failed++
		}
	}

	logger.Info("reindex finished", zap.Int("indexed", indexed), zap.Int("failed", failed))
	if failed > 0 {
		return indexed, fmt.Errorf("%d of %d records failed to reindex", failed, len(keys))
	}
	return indexed, nil
}
