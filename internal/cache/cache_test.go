package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, policy Name, maxEntries int) *Cache {
	t.Helper()
	c := New(Options{MaxEntries: maxEntries, Policy: policy, EvictionFactor: 0.5, SweepInterval: time.Hour})
	t.Cleanup(c.Close)
	return c
}

func TestCacheGetSetDelete(t *testing.T) {
	c := newTestCache(t, NameLRU, 10)
	_, ok := c.Get("k")
	require.False(t, ok)

	c.Set("k", []byte("v"), 0)
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", string(v))

	c.Delete("k")
	_, ok = c.Get("k")
	require.False(t, ok)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := newTestCache(t, NameLRU, 10)
	c.Set("k", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestCacheEvictsOnOverflow(t *testing.T) {
	for _, name := range []Name{NameLRU, NameLFU, NameFIFO, NameRandom, NameClock, NameARC} {
		t.Run(string(name), func(t *testing.T) {
			c := newTestCache(t, name, 4)
			for i := 0; i < 10; i++ {
				c.Set(string(rune('a'+i)), []byte{byte(i)}, 0)
			}
			stats := c.Stats()
			require.LessOrEqual(t, stats.Size, 4)
			require.True(t, c.ValidateIntegrity())
		})
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, NameLRU, 2)
	c.Set("a", []byte("1"), 0)
	c.Set("b", []byte("2"), 0)
	c.Get("a") // touch a, b becomes LRU

	c.Set("c", []byte("3"), 0) // should evict b (eviction factor 0.5 of 2 = 1)

	_, ok := c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestFIFOEvictsInsertionOrder(t *testing.T) {
	c := newTestCache(t, NameFIFO, 2)
	c.Set("a", []byte("1"), 0)
	c.Set("b", []byte("2"), 0)
	c.Get("a") // touch is a no-op for FIFO

	c.Set("c", []byte("3"), 0)

	_, ok := c.Get("a")
	require.False(t, ok, "a was inserted first and FIFO ignores access recency")
}

func TestValidateIntegrityAfterManyOps(t *testing.T) {
	c := newTestCache(t, NameARC, 8)
	for i := 0; i < 50; i++ {
		key := string(rune('a' + i%20))
		c.Set(key, []byte{byte(i)}, 0)
		c.Get(key)
		if i%7 == 0 {
			c.Delete(key)
		}
	}
	require.True(t, c.ValidateIntegrity())
}
