package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"newspulse/internal/identity"
	"newspulse/internal/model"
)

// Searcher resolves a keyword query to record keys, best match first.
type Searcher interface {
	Search(ctx context.Context, query string, f Filter) ([]string, error)
}

// Catalog is the read side: records come from the blob store, listings from
// the Redis index when one is configured and from a scan otherwise.
type Catalog struct {
	blob     Blob
	index    *RedisIndex
	searcher Searcher
	logger   *zap.Logger
}

// NewCatalog wires the read side. index and searcher may be nil.
func NewCatalog(blob Blob, index *RedisIndex, searcher Searcher, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{blob: blob, index: index, searcher: searcher, logger: logger}
}

// Get loads the record stored under key.
func (c *Catalog) Get(ctx context.Context, key string) (model.EnrichedArticle, error) {
	data, err := c.blob.Get(ctx, key)
	if err != nil {
		return model.EnrichedArticle{}, err
	}
	return Decode(data)
}

// Lookup loads the record for a canonical URL.
func (c *Catalog) Lookup(ctx context.Context, url string) (model.EnrichedArticle, error) {
	key, err := identity.Key(url)
	if err != nil {
		return model.EnrichedArticle{}, err
	}
	return c.Get(ctx, key)
}

// List returns records matching f, newest first.
func (c *Catalog) List(ctx context.Context, f Filter) ([]model.EnrichedArticle, error) {
	if c.index == nil {
		return c.scan(ctx, f, f.Matches)
	}
	keys, err := c.index.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	return c.load(ctx, keys)
}

// Search runs a keyword query. Without a search engine the text is matched
// against title, summary and key phrases of every record.
func (c *Catalog) Search(ctx context.Context, text string, f Filter) ([]model.EnrichedArticle, error) {
	if c.searcher != nil {
		keys, err := c.searcher.Search(ctx, text, f)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		return c.load(ctx, keys)
	}

	needle := strings.ToLower(strings.TrimSpace(text))
	return c.scan(ctx, f, func(a model.EnrichedArticle) bool {
		return f.Matches(a) && containsText(a, needle)
	})
}

// Stats counts records per sentiment. Every known sentiment is present.
func (c *Catalog) Stats(ctx context.Context) (map[model.Sentiment]int64, error) {
	if c.index != nil {
		return c.index.Stats(ctx)
	}
	all, err := c.scan(ctx, Filter{}, func(model.EnrichedArticle) bool { return true })
	if err != nil {
		return nil, err
	}
	out := make(map[model.Sentiment]int64, len(model.Sentiments))
	for _, s := range model.Sentiments {
		out[s] = 0
	}
	for _, a := range all {
		out[a.Sentiment]++
	}
	return out, nil
}

// load fetches records in key order, skipping keys the index knows but the
// blob store no longer has.
func (c *Catalog) load(ctx context.Context, keys []string) ([]model.EnrichedArticle, error) {
	out := make([]model.EnrichedArticle, 0, len(keys))
	for _, k := range keys {
		a, err := c.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			c.logger.Debug("index entry without record", zap.String("key", k))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (c *Catalog) scan(ctx context.Context, f Filter, keep func(model.EnrichedArticle) bool) ([]model.EnrichedArticle, error) {
	keys, err := c.blob.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var out []model.EnrichedArticle
	for _, k := range keys {
		a, err := c.Get(ctx, k)
		if err != nil {
			c.logger.Warn("skipping unreadable record", zap.String("key", k), zap.Error(err))
			continue
		}
		if keep(a) {
			out = append(out, a)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return newer(out[i], out[j])
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func newer(a, b model.EnrichedArticle) bool {
	ta, tb := a.Published(), b.Published()
	if ta.IsZero() {
		ta = a.IngestedAt
	}
	if tb.IsZero() {
		tb = b.IngestedAt
	}
	return ta.After(tb)
}

func containsText(a model.EnrichedArticle, needle string) bool {
	if needle == "" {
		return true
	}
	if strings.Contains(strings.ToLower(a.Title), needle) || strings.Contains(strings.ToLower(a.Summary), needle) {
		return true
	}
	for _, kp := range a.KeyPhrases {
		if strings.Contains(strings.ToLower(kp), needle) {
			return true
		}
	}
	return false
}
