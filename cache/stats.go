package cache

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time statistics snapshot. Counters are lifetime totals
// since the last reset.
type Stats struct {
	HitCount      uint64
	MissCount     uint64
	LoadCount     uint64
	LoadTime      time.Duration
	EvictionCount uint64
	Size          int64
	HitRate       float64
	MissRate      float64
	AverageLoad   time.Duration
}

// TotalCount returns hits plus misses.
func (s Stats) TotalCount() uint64 {
	return s.HitCount + s.MissCount
}

// statsCounter records cache statistics lock-free. When disabled every
// recording call is a no-op and snapshot counters stay at zero.
type statsCounter struct {
	enabled   bool
	hits      atomic.Uint64
	misses    atomic.Uint64
	loads     atomic.Uint64
	loadTime  atomic.Int64
	evictions atomic.Uint64
}

func (s *statsCounter) hit() {
	if s.enabled {
		s.hits.Add(1)
	}
}

func (s *statsCounter) miss() {
	if s.enabled {
		s.misses.Add(1)
	}
}

func (s *statsCounter) load(elapsed time.Duration) {
	if s.enabled {
		s.loads.Add(1)
		s.loadTime.Add(int64(elapsed))
	}
}

func (s *statsCounter) eviction() {
	if s.enabled {
		s.evictions.Add(1)
	}
}

func (s *statsCounter) reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.loads.Store(0)
	s.loadTime.Store(0)
	s.evictions.Store(0)
}

func (s *statsCounter) snapshot(size int64) Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	loads := s.loads.Load()
	loadTime := time.Duration(s.loadTime.Load())

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	var avgLoad time.Duration
	if loads > 0 {
		avgLoad = loadTime / time.Duration(loads)
	}

	return Stats{
		HitCount:      hits,
		MissCount:     misses,
		LoadCount:     loads,
		LoadTime:      loadTime,
		EvictionCount: s.evictions.Load(),
		Size:          size,
		HitRate:       hitRate,
		MissRate:      1.0 - hitRate,
		AverageLoad:   avgLoad,
	}
}
