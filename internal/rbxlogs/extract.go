package rbxlogs

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"biomewatch/internal/biomes"
	"biomewatch/internal/logging"
)

// StructuredMarker tags the rich-presence lines the client emits on biome
// changes; it is authoritative whenever present.
const StructuredMarker = "[BloxstrapRPC]"

const defaultMemoCap = 200

// Strategy is one way of pulling a biome name out of a log line. The
// extractor tries its strategies in order and takes the first hit, which
// keeps adding a new log format a matter of appending a strategy.
type Strategy interface {
	Name() string
	TryExtract(line string, catalog *biomes.Catalog) (string, bool)
}

// Extractor turns raw tail bytes into zero-or-one validated biome name.
// Results (including misses) are memoized per input window, bounded FIFO.
type Extractor struct {
	catalog    *biomes.Catalog
	structured Strategy
	fuzzy      Strategy

	mu       sync.Mutex
	memo     map[string]memoEntry
	memoFIFO []string
	memoCap  int
}

type memoEntry struct {
	name string
	ok   bool
}

func NewExtractor(catalog *biomes.Catalog, logger *logging.Logger) *Extractor {
	if catalog == nil {
		panic("rbxlogs.NewExtractor: catalog must not be nil")
	}
	return &Extractor{
		catalog:    catalog,
		structured: &structuredStrategy{logger: logger},
		fuzzy:      &fuzzyStrategy{},
		memo:       map[string]memoEntry{},
		memoCap:    defaultMemoCap,
	}
}

// HasStructuredMarker reports whether a byte window contains the tagged
// message prefix; the tail probe uses it to skip large backlogs.
func HasStructuredMarker(window []byte) bool {
	return strings.Contains(string(window), StructuredMarker)
}

// Extract returns a biome name that is guaranteed to be a catalog key, or
// false. Lines are scanned newest-first: the most recent event wins. When a
// structured marker is present anywhere in the window, the fuzzy strategy
// does not run: an unparseable tagged line yields nothing rather than a
// fuzzy guess.
func (e *Extractor) Extract(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	key := string(raw)
	e.mu.Lock()
	if cached, ok := e.memo[key]; ok {
		e.mu.Unlock()
		return cached.name, cached.ok
	}
	e.mu.Unlock()

	name, ok := e.extract(key)

	e.mu.Lock()
	if len(e.memoFIFO) >= e.memoCap {
		oldest := e.memoFIFO[0]
		e.memoFIFO = e.memoFIFO[1:]
		delete(e.memo, oldest)
	}
	e.memo[key] = memoEntry{name: name, ok: ok}
	e.memoFIFO = append(e.memoFIFO, key)
	e.mu.Unlock()
	return name, ok
}

func (e *Extractor) extract(window string) (string, bool) {
	lines := splitLines(window)
	structured := strings.Contains(window, StructuredMarker)
	strategy := e.fuzzy
	if structured {
		strategy = e.structured
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if line == "" {
			continue
		}
		if structured && !strings.Contains(line, StructuredMarker) {
			continue
		}
		if name, ok := strategy.TryExtract(line, e.catalog); ok {
			return name, true
		}
	}
	return "", false
}

func splitLines(window string) []string {
	lines := strings.Split(window, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}

// structuredStrategy parses the tagged rich-presence payload and reads the
// large-image hover text as the authoritative biome name.
type structuredStrategy struct {
	logger      *logging.Logger
	malformedMu sync.Mutex
	malformed   bool
}

type rpcMessage struct {
	Command string  `json:"command"`
	Data    rpcData `json:"data"`
}

type rpcData struct {
	LargeImage rpcImage `json:"largeImage"`
}

type rpcImage struct {
	HoverText string `json:"hoverText"`
	Name      string `json:"name"`
}

var hoverTextPattern = regexp.MustCompile(`"hoverText"\s*:\s*"([^"]*)"`)

func (s *structuredStrategy) Name() string { return "structured" }

func (s *structuredStrategy) TryExtract(line string, catalog *biomes.Catalog) (string, bool) {
	idx := strings.Index(line, StructuredMarker)
	if idx < 0 {
		return "", false
	}
	rest := line[idx+len(StructuredMarker):]

	field := ""
	if brace := strings.Index(rest, "{"); brace >= 0 {
		msg := rpcMessage{}
		if err := json.Unmarshal([]byte(rest[brace:]), &msg); err == nil {
			field = msg.Data.LargeImage.HoverText
			if field == "" {
				field = msg.Data.LargeImage.Name
			}
		} else {
			s.logMalformedOnce(line, err)
		}
	}
	if field == "" {
		// Truncated or otherwise malformed payloads still often carry the
		// field intact.
		if m := hoverTextPattern.FindStringSubmatch(rest); m != nil {
			field = m[1]
		}
	}
	field = strings.TrimSpace(field)
	if field == "" {
		return "", false
	}

	if catalog.Has(field) {
		return biomes.Normalize(field), true
	}
	// Exact match failed: accept a catalog key embedded in the field value.
	upper := biomes.Normalize(field)
	for _, key := range catalog.Keys() {
		if strings.Contains(upper, key) {
			return key, true
		}
	}
	return "", false
}

func (s *structuredStrategy) logMalformedOnce(line string, err error) {
	s.malformedMu.Lock()
	defer s.malformedMu.Unlock()
	if s.malformed {
		return
	}
	s.malformed = true
	s.logger.Warn("malformed structured log payload",
		logging.Field("line", logging.Truncate(line)),
		logging.Field("error", err),
	)
}

// fuzzyStrategy tests the line against surface patterns per catalog key,
// strongest tier first, stopping at the first hit so a biome name mentioned
// in unrelated prose cannot false-trigger at the bare word-boundary tier.
type fuzzyStrategy struct{}

func (s *fuzzyStrategy) Name() string { return "fuzzy" }

func (s *fuzzyStrategy) TryExtract(line string, catalog *biomes.Catalog) (string, bool) {
	upper := strings.ToUpper(line)
	keys := catalog.Keys()

	// Tier 1: explicit label forms.
	for _, key := range keys {
		for _, label := range []string{"BIOME: ", "CURRENT BIOME: ", "ENTERED "} {
			if containsBounded(upper, label+key) {
				return key, true
			}
		}
	}
	// Tier 2: delimited or quoted forms.
	for _, key := range keys {
		for _, wrapped := range []string{`"` + key + `"`, "[" + key + "]", "(" + key + ")", "'" + key + "'"} {
			if strings.Contains(upper, wrapped) {
				return key, true
			}
		}
	}
	// Tier 3: bare word-boundary match.
	for _, key := range keys {
		if upper == key || containsBounded(upper, key) {
			return key, true
		}
	}
	return "", false
}

// containsBounded reports whether needle occurs in haystack with word
// boundaries (space or line edge) on both sides.
func containsBounded(haystack, needle string) bool {
	for start := 0; ; {
		idx := strings.Index(haystack[start:], needle)
		if idx < 0 {
			return false
		}
		at := start + idx
		end := at + len(needle)
		beforeOK := at == 0 || isBoundaryByte(haystack[at-1])
		afterOK := end == len(haystack) || isBoundaryByte(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		start = at + 1
	}
}

func isBoundaryByte(b byte) bool {
	return !(b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b >= '0' && b <= '9')
}
