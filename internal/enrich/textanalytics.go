package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"newspulse/internal/model"
	"newspulse/internal/retry"
)

const (
	DefaultAPIVersion       = "2023-04-01"
	DefaultSummarySentences = 3

	// maxDocumentChars is the service's per-document limit for synchronous calls.
	maxDocumentChars = 5120
	documentID       = "1"
)

// Config configures the Azure AI Language client.
type Config struct {
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"`
	APIVersion        string        `mapstructure:"api_version"`
	Language          string        `mapstructure:"language"`
	SummarySentences  int           `mapstructure:"summary_sentences"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// TextAnalytics calls the Azure AI Language REST API. Summary, sentiment and key
// phrases are three independent requests against the same document.
type TextAnalytics struct {
	endpoint   string
	apiKey     string
	apiVersion string
	language   string
	sentences  int
	poll       time.Duration
	client     *http.Client
	limiter    *rate.Limiter
	retry      retry.Policy
	logger     *zap.Logger
}

var _ Enricher = (*TextAnalytics)(nil)

// NewTextAnalytics builds a client. A nil http client gets cfg.Timeout (default 30s).
func NewTextAnalytics(cfg Config, client *http.Client, policy retry.Policy, logger *zap.Logger) *TextAnalytics {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	version := cfg.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	sentences := cfg.SummarySentences
	if sentences <= 0 {
		sentences = DefaultSummarySentences
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	return &TextAnalytics{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		apiVersion: version,
		language:   language,
		sentences:  sentences,
		poll:       poll,
		client:     client,
		limiter:    limiter,
		retry:      policy,
		logger:     logger,
	}
}

// Enrich runs the three analyses concurrently. An empty summary or key phrase
// list is accepted; a failed request fails the whole enrichment.
func (c *TextAnalytics) Enrich(ctx context.Context, text string) (Analysis, error) {
	text = truncate(text, maxDocumentChars)

	var (
		out       Analysis
		sentences []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sentences, err = c.Summarize(gctx, text, c.sentences)
		if err != nil {
			return fmt.Errorf("summarize: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		out.Sentiment, err = c.Sentiment(gctx, text)
		if err != nil {
			return fmt.Errorf("sentiment: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		out.KeyPhrases, err = c.KeyPhrases(gctx, text)
		if err != nil {
			return fmt.Errorf("key phrases: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Analysis{}, err
	}

	out.Summary = strings.Join(sentences, " ")
	if out.KeyPhrases == nil {
		out.KeyPhrases = []string{}
	}
	return out, nil
}

type document struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Text     string `json:"text"`
}

type analysisInput struct {
	Documents []document `json:"documents"`
}

type analyzeRequest struct {
	Kind          string         `json:"kind"`
	AnalysisInput analysisInput  `json:"analysisInput"`
	Parameters    map[string]any `json:"parameters,omitempty"`
}

type docError struct {
	ID    string `json:"id"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (d docError) err(task string) error {
	return &DocumentError{Task: task, Code: d.Error.Code, Message: d.Error.Message}
}

func (c *TextAnalytics) input(text string) analysisInput {
	return analysisInput{Documents: []document{{ID: documentID, Language: c.language, Text: text}}}
}

// Sentiment classifies the document as positive, neutral, negative or mixed.
func (c *TextAnalytics) Sentiment(ctx context.Context, text string) (model.Sentiment, error) {
	var resp struct {
		Results struct {
			Documents []struct {
				ID        string `json:"id"`
				Sentiment string `json:"sentiment"`
			} `json:"documents"`
			Errors []docError `json:"errors"`
		} `json:"results"`
	}
	req := analyzeRequest{Kind: "SentimentAnalysis", AnalysisInput: c.input(text)}
	if _, err := c.call(ctx, Retryable, http.MethodPost, c.url("/language/:analyze-text"), req, &resp); err != nil {
		return "", err
	}
	if len(resp.Results.Errors) > 0 {
		return "", resp.Results.Errors[0].err("sentiment")
	}
	if len(resp.Results.Documents) == 0 {
		return "", &DocumentError{Task: "sentiment", Code: "EmptyResult", Message: "no document in response"}
	}
	return model.ParseSentiment(resp.Results.Documents[0].Sentiment)
}

// KeyPhrases extracts the document's key phrases in service order.
func (c *TextAnalytics) KeyPhrases(ctx context.Context, text string) ([]string, error) {
	var resp struct {
		Results struct {
			Documents []struct {
				ID         string   `json:"id"`
				KeyPhrases []string `json:"keyPhrases"`
			} `json:"documents"`
			Errors []docError `json:"errors"`
		} `json:"results"`
	}
	req := analyzeRequest{Kind: "KeyPhraseExtraction", AnalysisInput: c.input(text)}
	if _, err := c.call(ctx, Retryable, http.MethodPost, c.url("/language/:analyze-text"), req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results.Errors) > 0 {
		return nil, resp.Results.Errors[0].err("key phrases")
	}
	if len(resp.Results.Documents) == 0 {
		return []string{}, nil
	}
	return resp.Results.Documents[0].KeyPhrases, nil
}

type jobRequest struct {
	DisplayName   string        `json:"displayName"`
	AnalysisInput analysisInput `json:"analysisInput"`
	Tasks         []jobTask     `json:"tasks"`
}

type jobTask struct {
	Kind       string         `json:"kind"`
	TaskName   string         `json:"taskName"`
	Parameters map[string]any `json:"parameters"`
}

type jobState struct {
	Status string `json:"status"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Tasks struct {
		Items []struct {
			Kind    string `json:"kind"`
			Status  string `json:"status"`
			Results struct {
				Documents []struct {
					ID        string `json:"id"`
					Sentences []struct {
						Text      string  `json:"text"`
						RankScore float64 `json:"rankScore"`
					} `json:"sentences"`
				} `json:"documents"`
				Errors []docError `json:"errors"`
			} `json:"results"`
		} `json:"items"`
	} `json:"tasks"`
}

// Summarize submits an extractive summarization job and waits for it. Document
// level errors and empty results yield no sentences rather than an error.
func (c *TextAnalytics) Summarize(ctx context.Context, text string, maxSentences int) ([]string, error) {
	req := jobRequest{
		DisplayName:   "newspulse extractive summary",
		AnalysisInput: c.input(text),
		Tasks: []jobTask{{
			Kind:       "ExtractiveSummarization",
			TaskName:   "summary",
			Parameters: map[string]any{"sentenceCount": maxSentences},
		}},
	}
	// The service may have accepted a job before a 5xx or a dropped connection,
	// so only throttled submissions are sent again.
	header, err := c.call(ctx, Throttled, http.MethodPost, c.url("/language/analyze-text/jobs"), req, nil)
	if err != nil {
		return nil, err
	}
	location := header.Get("Operation-Location")
	if location == "" {
		return nil, fmt.Errorf("summary job: missing operation-location header")
	}
	if strings.HasPrefix(location, "/") {
		location = c.endpoint + location
	}

	state, err := c.waitJob(ctx, location)
	if err != nil {
		return nil, err
	}

	var sentences []string
	for _, item := range state.Tasks.Items {
		for _, e := range item.Results.Errors {
			c.logger.Debug("summary document error", zap.String("code", e.Error.Code), zap.String("message", e.Error.Message))
		}
		for _, doc := range item.Results.Documents {
			for _, s := range doc.Sentences {
				sentences = append(sentences, strings.TrimSpace(s.Text))
			}
		}
	}
	return sentences, nil
}

func (c *TextAnalytics) waitJob(ctx context.Context, location string) (*jobState, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		var state jobState
		if _, err := c.call(ctx, Retryable, http.MethodGet, location, nil, &state); err != nil {
			return nil, err
		}
		switch strings.ToLower(state.Status) {
		case "succeeded", "partiallycompleted", "partiallysucceeded":
			return &state, nil
		case "failed", "cancelled", "cancelling":
			msg := state.Status
			if len(state.Errors) > 0 {
				msg = state.Errors[0].Code + ": " + state.Errors[0].Message
			}
			return nil, fmt.Errorf("summary job %s", msg)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *TextAnalytics) url(path string) string {
	return c.endpoint + path + "?api-version=" + c.apiVersion
}

// call sends one rate-limited request, retried while classify allows, and
// decodes the JSON body into out.
func (c *TextAnalytics) call(ctx context.Context, classify retry.Classifier, method, url string, payload any, out any) (http.Header, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}

	return retry.Do(ctx, c.retry, classify, c.logger, func() (http.Header, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			return nil, statusError(resp)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
		}
		return resp.Header, nil
	})
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	se := &StatusError{Code: resp.StatusCode}
	if json.Unmarshal(raw, &body) == nil && body.Error.Code != "" {
		se.ErrCode = body.Error.Code
		se.Message = body.Error.Message
	} else {
		se.Message = strings.TrimSpace(string(raw))
	}
	return se
}

// truncate cuts s to at most n characters on a rune boundary.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
