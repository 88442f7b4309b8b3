// ABOUTME: Tests for the settled-delivery cache.
// ABOUTME: Validates TTL expiration, outcomes, eviction order, cleanup and concurrency safety.

package dedupe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func known(c *Cache, key string) bool {
	_, ok := c.Lookup(key)
	return ok
}

func TestCache_LookupUnknown(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Lookup(Key("s", "1-0"))
	assert.False(t, ok)
}

func TestCache_RecordAndLookup(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Record(Key("s", "1-0"), Handled)
	cache.Record(Key("s", "2-0"), DeadLettered)

	out, ok := cache.Lookup(Key("s", "1-0"))
	assert.True(t, ok)
	assert.Equal(t, Handled, out)

	out, ok = cache.Lookup(Key("s", "2-0"))
	assert.True(t, ok)
	assert.Equal(t, DeadLettered, out)
	assert.Equal(t, "dead_lettered", out.String())

	// Same id on another stream is a different entry.
	assert.False(t, known(cache, Key("other", "1-0")))
}

func TestCache_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Record("k", Handled)
	assert.True(t, known(cache, "k"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, known(cache, "k"))
}

func TestCache_RecordOverwritesOutcome(t *testing.T) {
	cache := New(time.Minute, 10)
	defer cache.Close()

	cache.Record("k", Handled)
	cache.Record("k", DeadLettered)
	out, _ := cache.Lookup("k")
	assert.Equal(t, DeadLettered, out)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New(time.Minute, 3)
	defer cache.Close()

	cache.Record("a", Handled)
	cache.Record("b", Handled)
	cache.Record("c", Handled)
	cache.Record("a", Handled) // refresh a, b is now oldest
	cache.Record("d", Handled)

	assert.True(t, known(cache, "a"))
	assert.False(t, known(cache, "b"))
	assert.True(t, known(cache, "c"))
	assert.True(t, known(cache, "d"))
	assert.Equal(t, 3, cache.Len())
}

func TestCache_Forget(t *testing.T) {
	cache := New(time.Minute, 10)
	defer cache.Close()

	cache.Record("k", Handled)
	cache.Forget("k")
	cache.Forget("never")
	assert.False(t, known(cache, "k"))
	assert.Equal(t, 0, cache.Len())
}

func TestCache_Cleanup(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Record("k1", Handled)
	cache.Record("k2", Handled)
	time.Sleep(20 * time.Millisecond)
	cache.runCleanup()

	assert.Equal(t, 0, cache.Len())
}

func TestCache_CheckAndRecord(t *testing.T) {
	cache := New(time.Minute, 100)
	defer cache.Close()

	out, dup := cache.CheckAndRecord("k", Handled)
	assert.False(t, dup)
	assert.Equal(t, Handled, out)

	out, dup = cache.CheckAndRecord("k", DeadLettered)
	assert.True(t, dup)
	assert.Equal(t, Handled, out, "existing outcome is kept")
}

func TestCache_CheckAndRecord_Atomic(t *testing.T) {
	cache := New(time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, dup := cache.CheckAndRecord("same", Handled); !dup {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, firsts)
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
