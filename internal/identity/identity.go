// Package identity maps canonical article URLs to storage keys and back.
//
// A key is the unpadded URL-safe base64 encoding of the URL followed by a record
// suffix. The mapping is a bijection, so re-ingesting a URL always lands on the
// same record, and keys only use [A-Za-z0-9_-.] which every supported store
// accepts as an object name.
package identity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const Suffix = ".json"

var (
	ErrEmptyURL   = errors.New("identity: empty url")
	ErrInvalidKey = errors.New("identity: invalid key")
)

var encoding = base64.RawURLEncoding

// Key returns the storage key for url.
func Key(url string) (string, error) {
	if url == "" {
		return "", ErrEmptyURL
	}
	return encoding.EncodeToString([]byte(url)) + Suffix, nil
}

// Stem strips the record suffix from key.
func Stem(key string) string {
	return strings.TrimSuffix(key, Suffix)
}

// URL recovers the canonical URL from a key. Base64 padding is tolerated.
func URL(key string) (string, error) {
	stem := strings.TrimRight(Stem(key), "=")
	if stem == "" {
		return "", ErrInvalidKey
	}
	raw, err := encoding.DecodeString(stem)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return string(raw), nil
}

// Canonical re-derives key from the URL it encodes, dropping any padding.
func Canonical(key string) (string, error) {
	url, err := URL(key)
	if err != nil {
		return "", err
	}
	return Key(url)
}

// Resolve accepts either a key or a URL and returns the canonical key.
func Resolve(ref string) (string, error) {
	if strings.HasSuffix(ref, Suffix) {
		if key, err := Canonical(ref); err == nil {
			return key, nil
		}
	}
	return Key(ref)
}
