package capture

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRecord(method, url string) Record {
	return Record{
		Request:  Request{Method: method, URL: url},
		Response: Response{StatusCode: 200, Body: map[string]any{"ok": true}},
	}
}

func TestBufferAppendAssignsIncreasingOrdinals(t *testing.T) {
	buf := NewBuffer(10)

	var last int64
	for i := 0; i < 25; i++ {
		stored := buf.Append(makeRecord("GET", fmt.Sprintf("http://example.test/%d", i)))
		assert.Greater(t, stored.Ordinal, last, "ordinals must be strictly increasing")
		last = stored.Ordinal
	}
}

func TestBufferBound(t *testing.T) {
	buf := NewBuffer(100)

	for i := 0; i < 150; i++ {
		buf.Append(makeRecord("GET", fmt.Sprintf("http://example.test/%d", i)))
		assert.LessOrEqual(t, buf.Len(), 100)
	}

	require.Equal(t, 100, buf.Len())

	// The oldest 50 are gone; the survivors are the most recent 100 in
	// insertion order.
	records := buf.List()
	require.Len(t, records, 100)
	for i, rec := range records {
		assert.Equal(t, fmt.Sprintf("http://example.test/%d", i+50), rec.Request.URL)
		assert.Equal(t, int64(i+51), rec.Ordinal)
	}
}

func TestBufferGetPositional(t *testing.T) {
	buf := NewBuffer(3)

	for i := 0; i < 5; i++ {
		buf.Append(makeRecord("GET", fmt.Sprintf("http://example.test/%d", i)))
	}

	// After eviction the first surviving record is position 1.
	rec, ok := buf.Get(1)
	require.True(t, ok)
	assert.Equal(t, "http://example.test/2", rec.Request.URL)

	rec, ok = buf.Get(3)
	require.True(t, ok)
	assert.Equal(t, "http://example.test/4", rec.Request.URL)

	_, ok = buf.Get(0)
	assert.False(t, ok)
	_, ok = buf.Get(4)
	assert.False(t, ok)
}

func TestBufferClear(t *testing.T) {
	buf := NewBuffer(5)
	buf.Append(makeRecord("GET", "http://example.test/a"))
	buf.Append(makeRecord("POST", "http://example.test/b"))

	buf.Clear()
	assert.Equal(t, 0, buf.Len())
	assert.Empty(t, buf.List())

	// Ordinals survive a clear.
	stored := buf.Append(makeRecord("GET", "http://example.test/c"))
	assert.Equal(t, int64(3), stored.Ordinal)
}

func TestBufferConcurrentAppend(t *testing.T) {
	buf := NewBuffer(50)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				buf.Append(makeRecord("GET", fmt.Sprintf("http://example.test/%d/%d", n, j)))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, buf.Len())

	seen := make(map[int64]bool)
	for _, rec := range buf.List() {
		assert.False(t, seen[rec.Ordinal], "ordinal %d assigned twice", rec.Ordinal)
		seen[rec.Ordinal] = true
	}
}
