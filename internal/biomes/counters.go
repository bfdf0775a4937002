package biomes

import "sync"

// Counters tracks how many times each biome was detected across all accounts
// during a session. Safe for concurrent use by detection workers.
type Counters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewCounters() *Counters {
	return &Counters{counts: map[string]int64{}}
}

func (c *Counters) Increment(name string) {
	key := Normalize(name)
	if key == "" {
		return
	}
	c.mu.Lock()
	c.counts[key]++
	c.mu.Unlock()
}

func (c *Counters) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[Normalize(name)]
}

func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for key, count := range c.counts {
		out[key] = count
	}
	return out
}
