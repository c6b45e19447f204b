// Package fetch retrieves raw headlines from external sources.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"newspulse/internal/model"
)

// Source fetches a bounded batch of headlines. An empty category selects the
// unscoped top-headlines feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context, category string, pageSize int) (Batch, error)
}

// Batch is the gated result of one fetch call.
type Batch struct {
	Category string
	Articles []model.RawArticle
	// Dropped counts articles that arrived without a body.
	Dropped int
}

// Total is the number of articles the source returned, dropped ones included.
func (b Batch) Total() int {
	return len(b.Articles) + b.Dropped
}

// NewBatch tags every article with category and drops those without content.
func NewBatch(category string, raw []model.RawArticle) Batch {
	tag := model.NormalizeCategory(category)
	b := Batch{Category: tag, Articles: make([]model.RawArticle, 0, len(raw))}
	for _, a := range raw {
		a.Category = tag
		if !a.HasContent() {
			b.Dropped++
			continue
		}
		b.Articles = append(b.Articles, a)
	}
	return b
}

// StatusError is returned when an upstream answers with a failure status.
type StatusError struct {
	Service string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Service, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Service, e.Code, e.Message)
}

// Retryable classifies fetch errors for the retry policy.
func Retryable(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return true
	}
	return se.Code == http.StatusTooManyRequests || se.Code >= http.StatusInternalServerError
}

var spaceRun = regexp.MustCompile(`\s+`)

// plainText strips markup from an HTML fragment and collapses whitespace.
func plainText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.TrimSpace(spaceRun.ReplaceAllString(fragment, " "))
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	doc.Find("script, style").Remove()
	return strings.TrimSpace(spaceRun.ReplaceAllString(doc.Text(), " "))
}
