package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"despotify/internal/engine"
)

func TestMemoryCacheSetGet(t *testing.T) {
	c := NewMemoryCache[int](time.Minute)
	defer c.Close()

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)

	c.Set("b", 2)
	c.Set("c", 3)
	assert.Equal(t, 2, c.Size())
	c.Clear()
	assert.Zero(t, c.Size())
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache[string](10 * time.Millisecond)
	defer c.Close()

	c.Set("k", "v")
	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok, "expired entries are not returned")
}

func TestMemoryCacheSweeperRemovesExpired(t *testing.T) {
	c := NewMemoryCache[string](time.Millisecond)
	defer c.Close()

	c.Set("k", "v")
	assert.Eventually(t, func() bool { return c.Size() == 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestMemoryCacheCloseIsIdempotent(t *testing.T) {
	c := NewMemoryCache[int](time.Minute)
	c.Close()
	c.Close()
	c.Set("a", 1)
	_, ok := c.Get("a")
	assert.True(t, ok)
}

func TestRecordCacheCopies(t *testing.T) {
	rc := NewRecordCache(time.Minute)
	defer rc.Close()

	rec := &engine.Record{Year: 1999}
	engine.SetText(rec.Title[:], "Windowlicker")
	rc.SetRecord("t1", rec)

	rec.Year = 2000
	got, ok := rc.Record("t1")
	require.True(t, ok)
	assert.Equal(t, int32(1999), got.Year, "the cache holds a copy")
	assert.Equal(t, "Windowlicker", string(engine.Text(got.Title[:])))

	got.Year = 2001
	again, _ := rc.Record("t1")
	assert.Equal(t, int32(1999), again.Year)
	assert.Equal(t, 1, rc.Size())
}

func TestRecordCacheAlbums(t *testing.T) {
	rc := NewRecordCache(time.Minute)
	defer rc.Close()

	ids := []string{"a", "b"}
	rc.SetAlbum("al", ids)
	ids[0] = "z"

	got, ok := rc.Album("al")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got)

	rc.Invalidate()
	_, ok = rc.Album("al")
	assert.False(t, ok)
}
