// ABOUTME: Tests for the replay cache backing nonce and signature single-use checks.
// ABOUTME: Validates TTL expiration, size limits, atomic mark, and concurrency safety.

package replay

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Seen_NotRecorded(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("never-seen-key"))
}

func TestCache_SeenAndMark_FirstUse(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	// First presentation records the key, second is a replay
	assert.False(t, cache.SeenAndMark("nonce-1"))
	assert.True(t, cache.SeenAndMark("nonce-1"))
	assert.True(t, cache.Seen("nonce-1"))
}

func TestCache_Seen_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.SeenAndMark("expiring-key"))
	assert.True(t, cache.Seen("expiring-key"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.Seen("expiring-key"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.SeenAndMark("key-1")
	cache.SeenAndMark("key-2")
	cache.SeenAndMark("key-3")
	cache.SeenAndMark("key-4")

	// key-1 was oldest and should have been evicted
	assert.False(t, cache.Seen("key-1"))
	assert.True(t, cache.Seen("key-2"))
	assert.True(t, cache.Seen("key-3"))
	assert.True(t, cache.Seen("key-4"))
}

func TestCache_SeenAndMark_ConcurrentSingleWinner(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	const goroutines = 32
	var wg sync.WaitGroup
	results := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- cache.SeenAndMark("contested-nonce")
		}()
	}
	wg.Wait()
	close(results)

	// Exactly one goroutine must observe the key as new
	var fresh int
	for replayed := range results {
		if !replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestCache_ConcurrentDistinctKeys(t *testing.T) {
	cache := New(5*time.Minute, 10000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", n)
			assert.False(t, cache.SeenAndMark(key))
			assert.True(t, cache.Seen(key))
		}(i)
	}
	wg.Wait()
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
