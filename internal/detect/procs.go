package detect

import (
	"time"

	"biomewatch/internal/rbxlogs"
)

// ProcessCounter hints how many game instances are running. The second
// return is false when the signal is unavailable; detection works without
// it, just less efficiently.
type ProcessCounter interface {
	RunningInstances() (int, bool)
}

// FileActivityCounter infers instance count from log files written to
// recently, the fallback when no OS-level process signal exists.
type FileActivityCounter struct {
	index  *rbxlogs.DirectoryIndex
	window time.Duration
}

func NewFileActivityCounter(index *rbxlogs.DirectoryIndex, window time.Duration) *FileActivityCounter {
	if window <= 0 {
		window = 300 * time.Second
	}
	return &FileActivityCounter{index: index, window: window}
}

func (c *FileActivityCounter) RunningInstances() (int, bool) {
	if c.index == nil {
		return 0, false
	}
	count := 0
	cutoff := time.Now().Add(-c.window)
	for _, file := range c.index.ListCandidates() {
		if file.ModTime.After(cutoff) {
			count++
		}
	}
	return count, true
}
