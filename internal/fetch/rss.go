package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"newspulse/internal/model"
)

// Scraper downloads a page and extracts its readable body.
type Scraper interface {
	Scrape(url string, timeout time.Duration) (*readability.Article, error)
}

// ReadabilityScraper is the real implementation that uses the internet.
type ReadabilityScraper struct{}

func (ReadabilityScraper) Scrape(url string, timeout time.Duration) (*readability.Article, error) {
	art, err := readability.FromURL(url, timeout)
	return &art, err
}

// RSSConfig maps category names to the feeds that serve them.
type RSSConfig struct {
	Feeds   map[string][]string `mapstructure:"feeds"`
	Extract bool                `mapstructure:"extract"`
	Timeout time.Duration       `mapstructure:"timeout"`
}

// RSS reads headlines from RSS/Atom feeds configured per category.
type RSS struct {
	feeds   map[string][]string
	parser  *gofeed.Parser
	scraper Scraper
	timeout time.Duration
	logger  *zap.Logger
}

var _ Source = (*RSS)(nil)

// NewRSS builds a feed source. When cfg.Extract is set, items without a body are
// downloaded and run through readability.
func NewRSS(cfg RSSConfig, logger *zap.Logger) *RSS {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	feeds := make(map[string][]string, len(cfg.Feeds))
	for name, urls := range cfg.Feeds {
		feeds[model.NormalizeCategory(name)] = urls
	}
	r := &RSS{
		feeds:   feeds,
		parser:  gofeed.NewParser(),
		timeout: timeout,
		logger:  logger,
	}
	if cfg.Extract {
		r.scraper = ReadabilityScraper{}
	}
	return r
}

func (r *RSS) Name() string { return "rss" }

// Fetch reads every feed of the category and returns at most pageSize items.
// A failing feed is skipped; the call fails only when all of them fail.
func (r *RSS) Fetch(ctx context.Context, category string, pageSize int) (Batch, error) {
	urls := r.feeds[model.NormalizeCategory(category)]
	if len(urls) == 0 {
		return Batch{}, fmt.Errorf("no feeds configured for category %q", model.NormalizeCategory(category))
	}

	var (
		raw  []model.RawArticle
		errs []error
	)
	for _, feedURL := range urls {
		if pageSize > 0 && len(raw) >= pageSize {
			break
		}
		items, err := r.fetchFeed(ctx, feedURL)
		if err != nil {
			r.logger.Warn("feed fetch failed", zap.String("feed", feedURL), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		raw = append(raw, items...)
	}
	if len(errs) == len(urls) {
		return Batch{}, errors.Join(errs...)
	}
	if pageSize > 0 && len(raw) > pageSize {
		raw = raw[:pageSize]
	}

	if r.scraper != nil {
		for i := range raw {
			if raw[i].HasContent() {
				continue
			}
			raw[i].Content = r.extract(raw[i].URL)
		}
	}
	return NewBatch(category, raw), nil
}

func (r *RSS) fetchFeed(ctx context.Context, feedURL string) ([]model.RawArticle, error) {
	feedCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	feed, err := r.parser.ParseURLWithContext(feedURL, feedCtx)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", feedURL, err)
	}

	items := make([]model.RawArticle, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item.Link == "" {
			continue
		}
		body := item.Content
		if strings.TrimSpace(body) == "" {
			body = item.Description
		}
		items = append(items, model.RawArticle{
			Title:       strings.TrimSpace(item.Title),
			Content:     plainText(body),
			PublishedAt: published(item),
			Source:      feed.Title,
			URL:         item.Link,
		})
	}
	return items, nil
}

func (r *RSS) extract(url string) string {
	art, err := r.scraper.Scrape(url, r.timeout)
	if err != nil || art == nil {
		r.logger.Debug("extraction failed", zap.String("url", url), zap.Error(err))
		return ""
	}
	return plainText(art.Content)
}

func published(item *gofeed.Item) string {
	switch {
	case item.PublishedParsed != nil:
		return item.PublishedParsed.UTC().Format(time.RFC3339)
	case item.UpdatedParsed != nil:
		return item.UpdatedParsed.UTC().Format(time.RFC3339)
	default:
		return item.Published
	}
}
