package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestPushAndNextReturnsCorrID(t *testing.T) {
	m := NewManager(0)
	m.Push(strPtr("abc-123"), 1)

	corrID, ok := m.Next()
	require.True(t, ok)
	require.NotNil(t, corrID)
	assert.Equal(t, "abc-123", *corrID)
	assert.Equal(t, 0, m.Len())
}

func TestNextEmptyQueue(t *testing.T) {
	m := NewManager(0)
	_, ok := m.Next()
	assert.False(t, ok)
}

func TestNextRespectsTTL(t *testing.T) {
	m := NewManager(0)
	m.Push(strPtr("multi"), 2)

	corrID, ok := m.Next()
	require.True(t, ok)
	assert.Equal(t, "multi", *corrID)
	assert.Equal(t, 0, m.Len(), "pushed request is popped off the queue into current on the first Next()")

	corrID, ok = m.Next()
	require.True(t, ok, "ttl=2 request should still be current for a second Next() call")
	assert.Equal(t, "multi", *corrID)

	_, ok = m.Next()
	assert.False(t, ok, "ttl should be exhausted after two Next() calls")
}

func TestNextSupersedesUnexpiredCurrent(t *testing.T) {
	m := NewManager(0)
	m.Push(strPtr("A"), 2)

	corrID, ok := m.Next()
	require.True(t, ok)
	assert.Equal(t, "A", *corrID, "A becomes current with one ttl unit remaining")

	m.Push(strPtr("B"), 1)
	corrID, ok = m.Next()
	require.True(t, ok)
	assert.Equal(t, "B", *corrID, "a newly pushed request supersedes an unexhausted current one")

	_, ok = m.Next()
	assert.False(t, ok, "B's ttl=1 is exhausted and A was discarded, not requeued")
}

func TestNextDropsExpiredEntries(t *testing.T) {
	m := NewManager(1 * time.Millisecond)
	m.Push(strPtr("stale"), 5)
	time.Sleep(5 * time.Millisecond)

	_, ok := m.Next()
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestFIFOOrdering(t *testing.T) {
	m := NewManager(0)
	m.Push(strPtr("first"), 1)
	m.Push(strPtr("second"), 1)

	corrID, _ := m.Next()
	assert.Equal(t, "first", *corrID)
	corrID, _ = m.Next()
	assert.Equal(t, "second", *corrID)
}

func TestPatch(t *testing.T) {
	id := "abc"
	assert.Equal(t, map[string]any{"corrid": "abc"}, Patch("corrid", &id))
	assert.Nil(t, Patch("corrid", nil))
	assert.Nil(t, Patch("", &id))
}
