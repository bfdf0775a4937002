package rbxlogs

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"biomewatch/internal/logging"
)

const (
	defaultMaxFileAge = 2 * time.Hour
	defaultScanTTL    = 10 * time.Second
)

// DirectoryIndex lists and ranks candidate log files from the watch
// directory, newest first. Scans are cached for a short TTL to bound
// filesystem calls under sub-second polling; ForceRefresh bypasses the
// cache when the caller has independent evidence the directory changed.
type DirectoryIndex struct {
	dir     string
	maxAge  time.Duration
	scanTTL time.Duration
	logger  *logging.Logger
	now     func() time.Time

	mu            sync.Mutex
	cached        []FileHandle
	scannedAt     time.Time
	missingLogged bool
}

func NewDirectoryIndex(dir string, maxAge, scanTTL time.Duration, logger *logging.Logger) *DirectoryIndex {
	if logger == nil {
		panic("rbxlogs.NewDirectoryIndex: logger must not be nil")
	}
	if maxAge <= 0 {
		maxAge = defaultMaxFileAge
	}
	if scanTTL <= 0 {
		scanTTL = defaultScanTTL
	}
	return &DirectoryIndex{dir: dir, maxAge: maxAge, scanTTL: scanTTL, logger: logger, now: time.Now}
}

func (x *DirectoryIndex) Dir() string {
	return x.dir
}

// ListCandidates returns the current candidate files, newest first by
// modification time, restricted to log-extension files modified within the
// age window.
func (x *DirectoryIndex) ListCandidates() []FileHandle {
	x.mu.Lock()
	defer x.mu.Unlock()
	now := x.now()
	if !x.scannedAt.IsZero() && now.Sub(x.scannedAt) < x.scanTTL {
		return append([]FileHandle(nil), x.cached...)
	}
	x.cached = x.scanLocked(now)
	x.scannedAt = now
	return append([]FileHandle(nil), x.cached...)
}

// ForceRefresh invalidates the scan cache so the next ListCandidates hits
// the filesystem.
func (x *DirectoryIndex) ForceRefresh() {
	x.mu.Lock()
	x.scannedAt = time.Time{}
	x.mu.Unlock()
}

func (x *DirectoryIndex) scanLocked(now time.Time) []FileHandle {
	entries, err := os.ReadDir(x.dir)
	if err != nil {
		// A missing directory is reported once, not on every poll tick.
		if !x.missingLogged {
			x.logger.Warn("log directory unavailable", logging.Field("dir", x.dir), logging.Field("error", err))
			x.missingLogged = true
		}
		return nil
	}
	if x.missingLogged {
		x.logger.Info("log directory available again", logging.Field("dir", x.dir))
		x.missingLogged = false
	}

	handles := make([]FileHandle, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		if now.Sub(info.ModTime()) > x.maxAge {
			continue
		}
		handles = append(handles, FileHandle{
			Path:    filepath.Join(x.dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(handles, func(i, j int) bool {
		if handles[i].ModTime.Equal(handles[j].ModTime) {
			return handles[i].Path < handles[j].Path
		}
		return handles[i].ModTime.After(handles[j].ModTime)
	})
	return handles
}

func isLogFileName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".log" || ext == ".txt"
}
