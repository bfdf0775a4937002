package detect

import (
	"sync"
	"time"

	"biomewatch/internal/biomes"
)

// Session tracks one start-to-stop detection run: its wall-clock span and
// the per-biome counters accumulated across all accounts.
type Session struct {
	counters *biomes.Counters

	mu        sync.Mutex
	startedAt time.Time
	endedAt   time.Time
}

type SessionSummary struct {
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Tallies   map[string]int64
}

func NewSession(counters *biomes.Counters) *Session {
	if counters == nil {
		counters = biomes.NewCounters()
	}
	return &Session{counters: counters, startedAt: time.Now()}
}

func (s *Session) Counters() *biomes.Counters {
	return s.counters
}

// Finish stamps the end time once; later calls keep the first stamp.
func (s *Session) Finish() SessionSummary {
	s.mu.Lock()
	if s.endedAt.IsZero() {
		s.endedAt = time.Now()
	}
	summary := SessionSummary{
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
		Duration:  s.endedAt.Sub(s.startedAt),
		Tallies:   s.counters.Snapshot(),
	}
	s.mu.Unlock()
	return summary
}
