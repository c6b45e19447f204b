package model

import (
	"fmt"
	"strings"
	"time"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentMixed    Sentiment = "mixed"
)

// Sentiments lists every label the analyzer may return, in display order.
var Sentiments = []Sentiment{SentimentPositive, SentimentNeutral, SentimentNegative, SentimentMixed}

// ParseSentiment maps an analyzer label onto the closed sentiment set.
func ParseSentiment(label string) (Sentiment, error) {
	s := Sentiment(strings.ToLower(strings.TrimSpace(label)))
	for _, known := range Sentiments {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown sentiment %q", label)
}

const CategoryGeneral = "general"

// HeadlineCategories are the categories the headline service understands.
var HeadlineCategories = []string{
	"business", "entertainment", CategoryGeneral, "health", "science", "sports", "technology",
}

// NormalizeCategory lower-cases a category name; blank means general.
func NormalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	if c == "" {
		return CategoryGeneral
	}
	return c
}

// RawArticle is a headline as returned by a fetch source, before enrichment.
type RawArticle struct {
	Title       string `json:"title"`
	Content     string `json:"content,omitempty"`
	PublishedAt string `json:"published"`
	Source      string `json:"source"`
	URL         string `json:"url"`
	Category    string `json:"category"`
}

// HasContent reports whether the article carries a body worth analysing.
func (a RawArticle) HasContent() bool {
	return strings.TrimSpace(a.Content) != ""
}

// Text is the document submitted for analysis.
func (a RawArticle) Text() string {
	return a.Title + ". " + a.Content
}

// EnrichedArticle is the stored record: the raw metadata plus analysis output.
type EnrichedArticle struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	PublishedAt string    `json:"published"`
	Summary     string    `json:"summary"`
	Sentiment   Sentiment `json:"sentiment"`
	KeyPhrases  []string  `json:"keyphrases"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	Category    string    `json:"category"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// NewEnrichedArticle copies the raw metadata into a record under key.
func NewEnrichedArticle(key string, raw RawArticle) EnrichedArticle {
	return EnrichedArticle{
		ID:          key,
		Title:       raw.Title,
		PublishedAt: raw.PublishedAt,
		Source:      raw.Source,
		URL:         raw.URL,
		Category:    NormalizeCategory(raw.Category),
		KeyPhrases:  []string{},
		IngestedAt:  time.Now().UTC(),
	}
}

// Published parses PublishedAt. The zero time is returned when it is missing or malformed.
func (a EnrichedArticle) Published() time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, a.PublishedAt); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
