package resolver

import (
	"testing"
	"time"

	"offliner/internal/media"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(max int) (*searchCache, *time.Time) {
	c := newSearchCache(max)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCachePutGet(t *testing.T) {
	c, _ := newTestCache(4)

	info := &media.Info{Title: "hit"}
	c.put("k", info)

	got, ok := c.get("k")
	require.True(t, ok)
	assert.Equal(t, "hit", got.Title)

	_, ok = c.get("missing")
	assert.False(t, ok)
}

func TestCacheExpiry(t *testing.T) {
	c, now := newTestCache(4)

	c.put("k", &media.Info{})
	*now = now.Add(cacheTTL)

	_, ok := c.get("k")
	assert.False(t, ok, "entry at exactly the TTL is expired")
	assert.Equal(t, 0, c.len())
}

func TestCacheEvictsExpiredBeforeOldest(t *testing.T) {
	c, now := newTestCache(2)

	c.put("old", &media.Info{Title: "old"})
	*now = now.Add(cacheTTL)
	c.put("fresh", &media.Info{Title: "fresh"})
	c.put("newer", &media.Info{Title: "newer"})

	// "old" was expired and purged; "fresh" must survive.
	_, ok := c.get("fresh")
	assert.True(t, ok)
	_, ok = c.get("newer")
	assert.True(t, ok)
}

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	c, _ := newTestCache(2)

	c.put("a", &media.Info{})
	c.put("b", &media.Info{})
	c.put("c", &media.Info{})

	_, ok := c.get("a")
	assert.False(t, ok, "oldest insertion is evicted")
	_, ok = c.get("b")
	assert.True(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.len())
}

func TestCacheOverwriteRefreshesInsertionOrder(t *testing.T) {
	c, _ := newTestCache(2)

	c.put("a", &media.Info{})
	c.put("b", &media.Info{})
	c.put("a", &media.Info{Title: "updated"})
	c.put("c", &media.Info{})

	_, ok := c.get("b")
	assert.False(t, ok, "b became the oldest after a was rewritten")
	got, ok := c.get("a")
	require.True(t, ok)
	assert.Equal(t, "updated", got.Title)
}
