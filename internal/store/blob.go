// Package store persists enriched articles and serves them back by key,
// by URL and through a secondary index.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"newspulse/internal/model"
)

var (
	ErrNotFound = errors.New("article not found")
)

// Blob is a flat keyed store of serialized records. Put overwrites.
type Blob interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Encode serializes a record for the blob store.
func Encode(a model.EnrichedArticle) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.ID, err)
	}
	return data, nil
}

// Decode parses a stored record.
func Decode(data []byte) (model.EnrichedArticle, error) {
	var a model.EnrichedArticle
	if err := json.Unmarshal(data, &a); err != nil {
		return model.EnrichedArticle{}, fmt.Errorf("decode record: %w", err)
	}
	if a.KeyPhrases == nil {
		a.KeyPhrases = []string{}
	}
	return a, nil
}
