package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"newspulse/internal/model"
)

const (
	metaPrefix      = "article:"
	publishedKey    = "idx:published"
	undatedKey      = "idx:undated"
	sentimentPrefix = "idx:sentiment:"
	categoryPrefix  = "idx:category:"
	keyphrasePrefix = "idx:keyphrase:"
)

// RedisConfig addresses the Redis server shared by the index and the job queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ConnectRedis opens a client and checks the server answers.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Filter narrows a listing. Zero fields match everything; Limit 0 is unbounded.
type Filter struct {
	Sentiment model.Sentiment
	Category  string
	KeyPhrase string
	From      time.Time
	To        time.Time
	Limit     int
}

// Matches applies the filter to a decoded record.
func (f Filter) Matches(a model.EnrichedArticle) bool {
	if f.Sentiment != "" && a.Sentiment != f.Sentiment {
		return false
	}
	if f.Category != "" && a.Category != model.NormalizeCategory(f.Category) {
		return false
	}
	if f.KeyPhrase != "" {
		want := normalizePhrase(f.KeyPhrase)
		found := false
		for _, kp := range a.KeyPhrases {
			if normalizePhrase(kp) == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		t := a.Published()
		if t.IsZero() {
			return false
		}
		if !f.From.IsZero() && t.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && t.After(f.To) {
			return false
		}
	}
	return true
}

func (f Filter) sets() []string {
	var keys []string
	if f.Sentiment != "" {
		keys = append(keys, sentimentPrefix+string(f.Sentiment))
	}
	if f.Category != "" {
		keys = append(keys, categoryPrefix+model.NormalizeCategory(f.Category))
	}
	if f.KeyPhrase != "" {
		keys = append(keys, keyphrasePrefix+normalizePhrase(f.KeyPhrase))
	}
	return keys
}

func normalizePhrase(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// RedisIndex keeps per-record metadata in Redis plus membership sets by
// sentiment, category and key phrase and a sorted set by publication time.
type RedisIndex struct {
	rdb *redis.Client
}

func NewRedisIndex(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{rdb: rdb}
}

// Index records a, replacing whatever was indexed under the same key.
func (x *RedisIndex) Index(ctx context.Context, a model.EnrichedArticle) error {
	data, err := Encode(a)
	if err != nil {
		return err
	}
	prev, err := x.meta(ctx, a.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	_, err = x.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != nil {
			unlink(ctx, pipe, *prev)
		}
		pipe.Set(ctx, metaPrefix+a.ID, data, 0)
		pipe.ZAdd(ctx, publishedKey, redis.Z{Score: score(a), Member: a.ID})
		if a.Published().IsZero() {
			pipe.SAdd(ctx, undatedKey, a.ID)
		}
		if a.Sentiment != "" {
			pipe.SAdd(ctx, sentimentPrefix+string(a.Sentiment), a.ID)
		}
		pipe.SAdd(ctx, categoryPrefix+model.NormalizeCategory(a.Category), a.ID)
		for _, kp := range a.KeyPhrases {
			if p := normalizePhrase(kp); p != "" {
				pipe.SAdd(ctx, keyphrasePrefix+p, a.ID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis index %s: %w", a.ID, err)
	}
	return nil
}

// Remove drops key from every index.
func (x *RedisIndex) Remove(ctx context.Context, key string) error {
	prev, err := x.meta(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = x.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		unlink(ctx, pipe, *prev)
		pipe.Del(ctx, metaPrefix+key)
		return nil
	})
	return err
}

func unlink(ctx context.Context, pipe redis.Pipeliner, a model.EnrichedArticle) {
	pipe.ZRem(ctx, publishedKey, a.ID)
	pipe.SRem(ctx, undatedKey, a.ID)
	if a.Sentiment != "" {
		pipe.SRem(ctx, sentimentPrefix+string(a.Sentiment), a.ID)
	}
	pipe.SRem(ctx, categoryPrefix+model.NormalizeCategory(a.Category), a.ID)
	for _, kp := range a.KeyPhrases {
		if p := normalizePhrase(kp); p != "" {
			pipe.SRem(ctx, keyphrasePrefix+p, a.ID)
		}
	}
}

func (x *RedisIndex) meta(ctx context.Context, key string) (*model.EnrichedArticle, error) {
	val, err := x.rdb.Get(ctx, metaPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	a, err := Decode(val)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// score orders records by publication time, falling back to ingestion time.
// Records without a publication time are also kept in idx:undated so date
// ranges can leave them out, the same as Filter.Matches.
func score(a model.EnrichedArticle) float64 {
	t := a.Published()
	if t.IsZero() {
		t = a.IngestedAt
	}
	return float64(t.Unix())
}

// Query returns the keys matching f, newest first.
func (x *RedisIndex) Query(ctx context.Context, f Filter) ([]string, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !f.From.IsZero() {
		rng.Min = strconv.FormatInt(f.From.Unix(), 10)
	}
	if !f.To.IsZero() {
		rng.Max = strconv.FormatInt(f.To.Unix(), 10)
	}
	ordered, err := x.rdb.ZRevRangeByScore(ctx, publishedKey, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("redis query: %w", err)
	}

	if !f.From.IsZero() || !f.To.IsZero() {
		undated, err := x.rdb.SMembers(ctx, undatedKey).Result()
		if err != nil {
			return nil, fmt.Errorf("redis query: %w", err)
		}
		if len(undated) > 0 {
			skip := make(map[string]struct{}, len(undated))
			for _, k := range undated {
				skip[k] = struct{}{}
			}
			dated := ordered[:0]
			for _, k := range ordered {
				if _, ok := skip[k]; !ok {
					dated = append(dated, k)
				}
			}
			ordered = dated
		}
	}

	if sets := f.sets(); len(sets) > 0 {
		members, err := x.rdb.SInter(ctx, sets...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis query: %w", err)
		}
		keep := make(map[string]struct{}, len(members))
		for _, m := range members {
			keep[m] = struct{}{}
		}
		filtered := ordered[:0]
		for _, k := range ordered {
			if _, ok := keep[k]; ok {
				filtered = append(filtered, k)
			}
		}
		ordered = filtered
	}

	if f.Limit > 0 && len(ordered) > f.Limit {
		ordered = ordered[:f.Limit]
	}
	return ordered, nil
}

// Stats counts indexed records per sentiment.
func (x *RedisIndex) Stats(ctx context.Context) (map[model.Sentiment]int64, error) {
	cmds := make(map[model.Sentiment]*redis.IntCmd, len(model.Sentiments))
	_, err := x.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range model.Sentiments {
			cmds[s] = pipe.SCard(ctx, sentimentPrefix+string(s))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	out := make(map[model.Sentiment]int64, len(cmds))
	for s, cmd := range cmds {
		out[s] = cmd.Val()
	}
	return out, nil
}
