// Package search indexes stored articles into Meilisearch for keyword lookup.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"newspulse/internal/model"
	"newspulse/internal/store"
)

type Config struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Index    string        `mapstructure:"index"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// document is the searchable projection of a record. Meilisearch ids are
// limited to 511 bytes of [A-Za-z0-9_-], so the id is a digest of the key and
// the full key rides along.
type document struct {
	ID         string   `json:"id"`
	Key        string   `json:"key"`
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	KeyPhrases []string `json:"keyphrases"`
	Sentiment  string   `json:"sentiment"`
	Category   string   `json:"category"`
	Source     string   `json:"source"`
	URL        string   `json:"url"`
	Published  int64    `json:"published"`
}

type Meili struct {
	client meilisearch.ServiceManager
	index  meilisearch.IndexManager
	wait   time.Duration
	logger *zap.Logger
}

var _ store.Searcher = (*Meili)(nil)

func NewMeili(cfg Config, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Index
	if name == "" {
		name = "articles"
	}
	wait := cfg.Timeout
	if wait <= 0 {
		wait = 15 * time.Second
	}
	client := meilisearch.New(cfg.Endpoint, meilisearch.WithAPIKey(cfg.APIKey))
	return &Meili{
		client: client,
		index:  client.Index(name),
		wait:   wait,
		logger: logger,
	}
}

// EnsureIndex makes sentiment, category and published filterable.
func (m *Meili) EnsureIndex(ctx context.Context) error {
	task, err := m.index.UpdateFilterableAttributes(&[]string{"sentiment", "category", "published"})
	if err != nil {
		return fmt.Errorf("meilisearch filterable attributes: %w", err)
	}
	return m.waitTask(ctx, task.TaskUID)
}

// Index upserts one record.
func (m *Meili) Index(ctx context.Context, a model.EnrichedArticle) error {
	doc := document{
		ID:         documentID(a.ID),
		Key:        a.ID,
		Title:      a.Title,
		Summary:    a.Summary,
		KeyPhrases: a.KeyPhrases,
		Sentiment:  string(a.Sentiment),
		Category:   a.Category,
		Source:     a.Source,
		URL:        a.URL,
	}
	if t := a.Published(); !t.IsZero() {
		doc.Published = t.Unix()
	}

	task, err := m.index.AddDocuments([]document{doc})
	if err != nil {
		return fmt.Errorf("meilisearch add %s: %w", a.ID, err)
	}
	return m.waitTask(ctx, task.TaskUID)
}

// Remove deletes the document for key.
func (m *Meili) Remove(ctx context.Context, key string) error {
	task, err := m.index.DeleteDocument(documentID(key))
	if err != nil {
		return fmt.Errorf("meilisearch delete %s: %w", key, err)
	}
	return m.waitTask(ctx, task.TaskUID)
}

// Search returns matching record keys in relevance order.
func (m *Meili) Search(ctx context.Context, query string, f store.Filter) ([]string, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	req := &meilisearch.SearchRequest{
		Query:                query,
		Limit:                int64(limit),
		AttributesToRetrieve: []string{"id", "key"},
	}
	if expr := filterExpr(f); expr != "" {
		req.Filter = expr
	}

	result, err := m.index.Search(query, req)
	if err != nil {
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	raw, err := json.Marshal(result.Hits)
	if err != nil {
		return nil, fmt.Errorf("meilisearch hits: %w", err)
	}
	var hits []struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := json.Unmarshal(raw, &hits); err != nil {
		return nil, fmt.Errorf("meilisearch hits: %w", err)
	}

	keys := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.Key == "" {
			m.logger.Warn("search hit without key", zap.String("id", h.ID))
			continue
		}
		keys = append(keys, h.Key)
	}
	m.logger.Debug("search ok", zap.String("query", query), zap.Int("count", len(keys)))
	return keys, nil
}

// documentID is the fixed-length Meilisearch id for a record key.
func documentID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Healthy reports whether the server answers its health check.
func (m *Meili) Healthy() bool {
	return m.client.IsHealthy()
}

func (m *Meili) waitTask(ctx context.Context, uid int64) error {
	ctx, cancel := context.WithTimeout(ctx, m.wait)
	defer cancel()

	task, err := m.index.WaitForTaskWithContext(ctx, uid, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("meilisearch task %d: %w", uid, err)
	}
	if task.Status == meilisearch.TaskStatusFailed {
		return fmt.Errorf("meilisearch task %d failed", uid)
	}
	return nil
}

func filterExpr(f store.Filter) string {
	var parts []string
	if f.Sentiment != "" {
		parts = append(parts, fmt.Sprintf("sentiment = %q", string(f.Sentiment)))
	}
	if f.Category != "" {
		parts = append(parts, fmt.Sprintf("category = %q", model.NormalizeCategory(f.Category)))
	}
	if !f.From.IsZero() {
		parts = append(parts, "published >= "+strconv.FormatInt(f.From.Unix(), 10))
	}
	if !f.To.IsZero() {
		parts = append(parts, "published <= "+strconv.FormatInt(f.To.Unix(), 10))
	}
	return strings.Join(parts, " AND ")
}
