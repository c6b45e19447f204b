package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerBlob keeps records in an embedded Badger database.
type BadgerBlob struct {
	db *badger.DB
}

var _ Blob = (*BadgerBlob)(nil)

// OpenBadger opens (or creates) the database at path. With inMemory set the
// path is ignored and nothing touches disk.
func OpenBadger(path string, inMemory bool) (*BadgerBlob, error) {
	opts := badger.DefaultOptions(path)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Silence default logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerBlob{db: db}, nil
}

// NewBadgerBlob wraps an already opened database.
func NewBadgerBlob(db *badger.DB) *BadgerBlob {
	return &BadgerBlob{db: db}
}

func (b *BadgerBlob) Close() error {
	return b.db.Close()
}

func (b *BadgerBlob) Put(_ context.Context, key string, data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("badger put %s: %w", key, err)
	}
	return nil
}

func (b *BadgerBlob) Get(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return data, nil
}

func (b *BadgerBlob) Delete(_ context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Keys lists every stored key in byte order.
func (b *BadgerBlob) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

// RunGC reclaims value-log space every interval until ctx is done. A
// non-positive interval disables GC.
func (b *BadgerBlob) RunGC(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if b.db.Opts().InMemory || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rewrites := 0
			for {
				if err := b.db.RunValueLogGC(0.7); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						logger.Warn("badger value log gc failed", zap.Error(err))
					}
					break
				}
				rewrites++
			}
			if rewrites > 0 {
				logger.Debug("badger value log gc", zap.Int("rewrites", rewrites))
			}
		}
	}
}
