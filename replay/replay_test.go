package replay

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemorySeen(t *testing.T) {
	m := NewMemory(time.Minute)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.False(t, m.Seen("alice@EXAMPLE.COM", ts, 10))
	assert.True(t, m.Seen("alice@EXAMPLE.COM", ts, 10))
	assert.False(t, m.Seen("alice@EXAMPLE.COM", ts, 11))
	assert.False(t, m.Seen("bob@EXAMPLE.COM", ts, 10))
	assert.False(t, m.Seen("alice@EXAMPLE.COM", ts.Add(time.Second), 10))
	assert.Equal(t, 4, m.Len())

	m.Flush()
	assert.False(t, m.Seen("alice@EXAMPLE.COM", ts, 10))
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(10 * time.Millisecond)
	ts := time.Now()
	assert.False(t, m.Seen("alice", ts, 0))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, m.Seen("alice", ts, 0))
}

func TestMemoryConcurrent(t *testing.T) {
	m := NewMemory(time.Minute)
	ts := time.Now()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !m.Seen("alice", ts, 42) {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh.Load())
}
