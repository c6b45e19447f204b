package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newspulse/internal/model"
)

func newTestIndex(t *testing.T) (*RedisIndex, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisIndex(rdb), mr
}

func record(id, published string, s model.Sentiment, category string, phrases ...string) model.EnrichedArticle {
	return model.EnrichedArticle{
		ID:          id,
		Title:       "title " + id,
		PublishedAt: published,
		Sentiment:   s,
		Category:    category,
		KeyPhrases:  phrases,
		URL:         "https://example.com/" + id,
		IngestedAt:  time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestRedisIndex_IndexAndQuery(t *testing.T) {
	x, mr := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Index(ctx, record("a", "2025-07-01T08:00:00Z", model.SentimentPositive, "science", "Mars")))
	require.NoError(t, x.Index(ctx, record("b", "2025-07-01T10:00:00Z", model.SentimentNegative, "business", "rates")))
	require.NoError(t, x.Index(ctx, record("c", "2025-07-01T09:00:00Z", model.SentimentPositive, "business", "Rates", "growth")))

	assert.True(t, mr.Exists("article:a"))

	all, err := x.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, all)

	pos, err := x.Query(ctx, Filter{Sentiment: model.SentimentPositive})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, pos)

	biz, err := x.Query(ctx, Filter{Category: "Business", KeyPhrase: "RATES"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, biz)

	ranged, err := x.Query(ctx, Filter{
		From: time.Date(2025, 7, 1, 8, 30, 0, 0, time.UTC),
		To:   time.Date(2025, 7, 1, 9, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ranged)

	limited, err := x.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, limited)
}

func TestRedisIndex_ReindexReplacesMemberships(t *testing.T) {
	x, mr := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Index(ctx, record("a", "2025-07-01T08:00:00Z", model.SentimentPositive, "science", "mars")))
	require.NoError(t, x.Index(ctx, record("a", "2025-07-01T08:00:00Z", model.SentimentNegative, "science", "venus")))

	members, err := mr.SMembers("idx:sentiment:negative")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
	assert.False(t, mr.Exists("idx:sentiment:positive"))
	assert.False(t, mr.Exists("idx:keyphrase:mars"))

	stats, err := x.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats[model.SentimentPositive])
	assert.Equal(t, int64(1), stats[model.SentimentNegative])
	assert.Len(t, stats, len(model.Sentiments))
}

func TestRedisIndex_Remove(t *testing.T) {
	x, mr := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Index(ctx, record("a", "2025-07-01T08:00:00Z", model.SentimentNeutral, "general")))
	require.NoError(t, x.Remove(ctx, "a"))
	require.NoError(t, x.Remove(ctx, "never-indexed"))

	assert.False(t, mr.Exists("article:a"))
	keys, err := x.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisIndex_DateRangeSkipsUndatedLikeFilter(t *testing.T) {
	x, _ := newTestIndex(t)
	ctx := context.Background()

	dated := record("d", "2025-07-01T08:00:00Z", model.SentimentNeutral, "general")
	undated := record("u", "not a date", model.SentimentNeutral, "general")
	require.NoError(t, x.Index(ctx, dated))
	require.NoError(t, x.Index(ctx, undated))

	all, err := x.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"u", "d"}, all, "undated records list by ingestion time")

	f := Filter{From: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), To: time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)}
	ranged, err := x.Query(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, ranged)
	assert.True(t, f.Matches(dated))
	assert.False(t, f.Matches(undated))

	// A later dated version leaves the undated set.
	undated.PublishedAt = "2025-07-01T09:00:00Z"
	require.NoError(t, x.Index(ctx, undated))
	member, err := x.rdb.SIsMember(ctx, "idx:undated", "u").Result()
	require.NoError(t, err)
	assert.False(t, member)

	ranged, err = x.Query(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, []string{"u", "d"}, ranged)
}

func TestFilter_Matches(t *testing.T) {
	a := record("a", "2025-07-01T08:00:00Z", model.SentimentMixed, "health", "Vaccine trial")

	assert.True(t, Filter{}.Matches(a))
	assert.True(t, Filter{Sentiment: model.SentimentMixed, Category: "HEALTH", KeyPhrase: "vaccine trial"}.Matches(a))
	assert.False(t, Filter{KeyPhrase: "vaccine"}.Matches(a))
	assert.False(t, Filter{From: time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC)}.Matches(a))

	undated := record("u", "", model.SentimentMixed, "health")
	assert.False(t, Filter{To: time.Now()}.Matches(undated))
}
