// Package enrich derives summary, sentiment and key phrases for article text.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"newspulse/internal/model"
)

// Analysis is the enrichment output for one article.
type Analysis struct {
	Summary    string
	Sentiment  model.Sentiment
	KeyPhrases []string
}

// Enricher analyses one article's text.
type Enricher interface {
	Enrich(ctx context.Context, text string) (Analysis, error)
}

// StatusError is a failure response from the analysis service.
type StatusError struct {
	Code    int
	ErrCode string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("text analytics: status %d: %s %s", e.Code, e.ErrCode, e.Message)
}

// Retryable reports whether err is a throttling, server-side or transport failure.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= http.StatusInternalServerError
	}
	var de *DocumentError
	return !errors.As(err, &de)
}

// Throttled reports whether err is a 429 from the service.
func Throttled(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}

// DocumentError is a per-document failure reported inside a successful response.
type DocumentError struct {
	Task    string
	Code    string
	Message string
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("%s: document error %s: %s", e.Task, e.Code, e.Message)
}
