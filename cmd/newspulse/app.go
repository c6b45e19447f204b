package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"newspulse/internal/config"
	"newspulse/internal/enrich"
	"newspulse/internal/fetch"
	"newspulse/internal/logging"
	"newspulse/internal/metrics"
	"newspulse/internal/pipeline"
	"newspulse/internal/search"
	"newspulse/internal/store"
)

// app holds the clients a command needs. Everything is built from config and
// passed down explicitly.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	blob    store.Blob
	badger  *store.BadgerBlob
	rdb     *redis.Client
	index   *store.RedisIndex
	meili   *search.Meili
	metrics *metrics.Pipeline
}

type redisMode int

const (
	redisOff redisMode = iota
	redisOptional
	redisRequired
)

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, mode redisMode) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	switch cfg.Store.Backend {
	case config.BackendS3:
		blob, err := store.NewS3Blob(ctx, cfg.Store.S3)
		if err != nil {
			return nil, err
		}
		a.blob = blob
	default:
		b, err := store.OpenBadger(cfg.Store.Badger.Path, cfg.Store.Badger.InMemory)
		if err != nil {
			return nil, err
		}
		a.badger = b
		a.blob = b
	}

	if mode != redisOff {
		rdb, err := store.ConnectRedis(ctx, cfg.Redis)
		switch {
		case err == nil:
			a.rdb = rdb
			a.index = store.NewRedisIndex(rdb)
		case mode == redisRequired:
			a.close()
			return nil, err
		default:
			logger.Warn("Redis unavailable, secondary index disabled", zap.Error(err))
		}
	}

	if cfg.SearchEnabled() {
		a.meili = search.NewMeili(cfg.Search, logging.Component(logger, "search"))
		if err := a.meili.EnsureIndex(ctx); err != nil {
			logger.Warn("Meilisearch unavailable, keyword index disabled", zap.Error(err))
			a.meili = nil
		}
	}
	return a, nil
}

func (a *app) close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.badger != nil {
		a.badger.Close()
	}
}

func (a *app) indexers() []pipeline.Indexer {
	var out []pipeline.Indexer
	if a.index != nil {
		out = append(out, a.index)
	}
	if a.meili != nil {
		out = append(out, a.meili)
	}
	return out
}

func (a *app) catalog() *store.Catalog {
	var searcher store.Searcher
	if a.meili != nil {
		searcher = a.meili
	}
	return store.NewCatalog(a.blob, a.index, searcher, logging.Component(a.logger, "catalog"))
}

func (a *app) pipeline() *pipeline.Pipeline {
	cfg := a.cfg
	return pipeline.New(pipeline.Deps{
		Source:   a.source(),
		Enricher: enrich.NewTextAnalytics(cfg.Analysis.Config, nil, cfg.Analysis.Retry, logging.Component(a.logger, "enrich")),
		Store:    a.blob,
		Indexers: a.indexers(),
		Metrics:  a.metrics,
		Logger:   logging.Component(a.logger, "pipeline"),
	}, pipeline.Options{
		PageSize:       cfg.Fetch.PageSize,
		Workers:        cfg.Pipeline.Workers,
		ArticleTimeout: cfg.Pipeline.ArticleTimeout,
		StoreRetry:     cfg.Pipeline.Retry,
	})
}

func (a *app) source() fetch.Source {
	logger := logging.Component(a.logger, "fetch")
	if a.cfg.Fetch.Source == config.SourceRSS {
		return fetch.NewRSS(a.cfg.Fetch.RSS, logger)
	}
	client := &http.Client{Timeout: a.cfg.Fetch.Timeout}
	return fetch.NewNewsAPI(a.cfg.Fetch.NewsAPI, a.cfg.Fetch.Language, client, a.cfg.Fetch.Retry, logger)
}

func (a *app) requireIndexers() error {
	if len(a.indexers()) == 0 {
		return fmt.Errorf("no index configured: start Redis or set search.endpoint")
	}
	return nil
}
