package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"newspulse/internal/model"
	"newspulse/internal/retry"
)

const DefaultNewsAPIEndpoint = "https://newsapi.org"

// NewsAPIConfig configures the top-headlines client.
type NewsAPIConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	Country  string `mapstructure:"country"`
}

// NewsAPI fetches top headlines from newsapi.org.
type NewsAPI struct {
	endpoint string
	apiKey   string
	language string
	country  string
	client   *http.Client
	retry    retry.Policy
	logger   *zap.Logger
}

var _ Source = (*NewsAPI)(nil)

// NewNewsAPI builds the client. A nil http client gets a 20s timeout.
func NewNewsAPI(cfg NewsAPIConfig, language string, client *http.Client, policy retry.Policy, logger *zap.Logger) *NewsAPI {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultNewsAPIEndpoint
	}
	return &NewsAPI{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		language: language,
		country:  cfg.Country,
		client:   client,
		retry:    policy,
		logger:   logger,
	}
}

func (n *NewsAPI) Name() string { return "newsapi" }

type newsAPIResponse struct {
	Status       string `json:"status"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	TotalResults int    `json:"totalResults"`
	Articles     []struct {
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
		Content     string `json:"content"`
	} `json:"articles"`
}

// Fetch requests one page of top headlines, optionally scoped by category.
func (n *NewsAPI) Fetch(ctx context.Context, category string, pageSize int) (Batch, error) {
	resp, err := retry.Do(ctx, n.retry, Retryable, n.logger, func() (*newsAPIResponse, error) {
		return n.topHeadlines(ctx, category, pageSize)
	})
	if err != nil {
		return Batch{}, err
	}

	n.logger.Debug("headlines received",
		zap.String("category", category),
		zap.Int("total_results", resp.TotalResults),
		zap.Int("articles", len(resp.Articles)))

	raw := make([]model.RawArticle, 0, len(resp.Articles))
	for _, a := range resp.Articles {
		raw = append(raw, model.RawArticle{
			Title:       strings.TrimSpace(a.Title),
			Content:     cleanContent(a.Content),
			PublishedAt: a.PublishedAt,
			Source:      a.Source.Name,
			URL:         a.URL,
		})
	}
	return NewBatch(category, raw), nil
}

func (n *NewsAPI) topHeadlines(ctx context.Context, category string, pageSize int) (*newsAPIResponse, error) {
	q := url.Values{}
	if n.language != "" {
		q.Set("language", n.language)
	}
	if n.country != "" {
		q.Set("country", n.country)
	}
	if category != "" {
		q.Set("category", category)
	}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.endpoint+"/v2/top-headlines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", n.apiKey)
	req.Header.Set("User-Agent", "newspulse/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request headlines: %w", err)
	}
	defer resp.Body.Close()

	var body newsAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&body); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{Service: "newsapi", Code: resp.StatusCode}
		}
		return nil, fmt.Errorf("decode headlines: %w", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "ok" {
		code := resp.StatusCode
		if code == http.StatusOK {
			code = http.StatusBadGateway
		}
		return nil, &StatusError{Service: "newsapi", Code: code, Message: strings.TrimSpace(body.Code + " " + body.Message)}
	}
	return &body, nil
}

var truncationMarker = regexp.MustCompile(`\s*(…|\.\.\.)?\s*\[\+\d+ chars\]\s*$`)

// cleanContent drops NewsAPI's "[+1234 chars]" truncation marker and any markup.
func cleanContent(content string) string {
	return plainText(truncationMarker.ReplaceAllString(content, ""))
}
