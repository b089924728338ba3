package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strategyEntry(at time.Time) *entry {
	return newEntry("v", at, 0, false)
}

func TestLRUStrategyVictim(t *testing.T) {
	s := newLRUStrategy()
	now := time.Now()
	s.onPut("a", strategyEntry(now))
	s.onPut("b", strategyEntry(now))
	s.onPut("c", strategyEntry(now))

	victim, ok := s.victim()
	require.True(t, ok)
	assert.Equal(t, "a", victim)

	s.onAccess("a", nil)
	victim, ok = s.victim()
	require.True(t, ok)
	assert.Equal(t, "b", victim)

	s.onRemove("b", nil)
	victim, ok = s.victim()
	require.True(t, ok)
	assert.Equal(t, "c", victim)

	s.clear()
	_, ok = s.victim()
	assert.False(t, ok)
}

func TestLFUStrategyVictimAndTieBreak(t *testing.T) {
	s := newLFUStrategy()
	now := time.Now()
	ea := strategyEntry(now)
	eb := strategyEntry(now)
	ec := strategyEntry(now)
	s.onPut("a", ea)
	s.onPut("b", eb)
	s.onPut("c", ec)

	s.onAccess("a", ea)
	s.onAccess("a", ea)
	s.onAccess("b", eb)

	victim, ok := s.victim()
	require.True(t, ok)
	assert.Equal(t, "c", victim)

	// Equal frequencies: the older last access loses.
	s2 := newLFUStrategy()
	e1 := strategyEntry(now)
	e2 := strategyEntry(now)
	s2.onPut("old", e1)
	s2.onPut("fresh", e2)
	e1.touch(now.Add(time.Second))
	e2.touch(now.Add(2 * time.Second))
	s2.onAccess("old", e1)
	s2.onAccess("fresh", e2)

	victim, ok = s2.victim()
	require.True(t, ok)
	assert.Equal(t, "old", victim)
}

func TestFIFOStrategyIgnoresAccess(t *testing.T) {
	s := newFIFOStrategy()
	now := time.Now()
	s.onPut("a", strategyEntry(now))
	s.onPut("b", strategyEntry(now))

	s.onAccess("a", nil)
	victim, ok := s.victim()
	require.True(t, ok)
	assert.Equal(t, "a", victim)
}

func TestRandomStrategyVictimFromKeySet(t *testing.T) {
	s := newRandomStrategy()
	now := time.Now()
	keys := map[string]bool{"a": true, "b": true, "c": true}
	for key := range keys {
		s.onPut(key, strategyEntry(now))
	}

	for i := 0; i < 20; i++ {
		victim, ok := s.victim()
		require.True(t, ok)
		assert.True(t, keys[victim])
	}

	s.onRemove("a", nil)
	s.onRemove("b", nil)
	victim, ok := s.victim()
	require.True(t, ok)
	assert.Equal(t, "c", victim)
}

func TestNoEvictionNeverSelects(t *testing.T) {
	s := newEvictionStrategy(None)
	s.onPut("a", strategyEntry(time.Now()))
	_, ok := s.victim()
	assert.False(t, ok)
}

func TestEntryLifecycle(t *testing.T) {
	now := time.Now()
	e := newEntry("v", now, time.Minute, true)

	assert.False(t, e.expired(now, 0))
	assert.False(t, e.expired(now.Add(30*time.Second), 0))
	assert.True(t, e.expired(now.Add(2*time.Minute), 0))

	// Idle expiry applies independently of the absolute deadline.
	e2 := newEntry("v", now, 0, false)
	assert.False(t, e2.expired(now.Add(time.Hour), 0))
	assert.True(t, e2.expired(now.Add(time.Hour), time.Minute))
	e2.touch(now.Add(time.Hour))
	assert.False(t, e2.expired(now.Add(time.Hour), time.Minute))
	assert.Equal(t, uint64(1), e2.accessCount.Load())
}
