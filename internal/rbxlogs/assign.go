package rbxlogs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"biomewatch/internal/logging"
)

const (
	// DefaultJoinKeyword is the low-ambiguity connection marker the Roblox
	// client writes when a player joins; the text after it up to the next
	// whitespace is the account name.
	DefaultJoinKeyword = "Player added: "

	// verifiedScanBytes bounds how much of a file's prefix the verified
	// marker scan reads.
	verifiedScanBytes = 50_000

	// activityWindow is how recently an unlocked file must have been
	// written for a heuristic binding to survive without re-evidence.
	activityWindow = 300 * time.Second
)

// Assigner maps account keys to physical log files using content evidence.
// All binding mutation happens under one mutex, so two accounts resolving
// concurrently can never both claim the same file.
type Assigner struct {
	joinKeyword string
	logger      *logging.Logger
	now         func() time.Time

	mu           sync.Mutex
	byAccount    map[string]*Binding
	owner        map[string]string
	lastAssigned map[string]time.Time
}

func NewAssigner(joinKeyword string, logger *logging.Logger) *Assigner {
	if logger == nil {
		panic("rbxlogs.NewAssigner: logger must not be nil")
	}
	if joinKeyword == "" {
		joinKeyword = DefaultJoinKeyword
	}
	return &Assigner{
		joinKeyword:  joinKeyword,
		logger:       logger,
		now:          time.Now,
		byAccount:    map[string]*Binding{},
		owner:        map[string]string{},
		lastAssigned: map[string]time.Time{},
	}
}

func NormalizeAccount(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// BindingFor returns a snapshot of the account's current binding.
func (a *Assigner) BindingFor(account string) (Binding, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	binding, ok := a.byAccount[NormalizeAccount(account)]
	if !ok {
		return Binding{}, false
	}
	return *binding, true
}

// Resolve links the account to a log file and returns a snapshot of the
// binding, or false when no file could be linked this cycle.
//
// Priority order: an existing verified binding whose file still exists wins
// without touching the file; otherwise candidate files are scanned for a
// join marker naming the account (promotes and locks the binding), then for
// heuristic username evidence; finally a least-recently-assigned unowned
// file is taken as a best-effort guess so detection can begin.
func (a *Assigner) Resolve(username string, files []FileHandle) (Binding, bool) {
	key := NormalizeAccount(username)
	if key == "" {
		return Binding{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	haveHeuristic := false
	if binding, ok := a.byAccount[key]; ok {
		if a.bindingStillGoodLocked(binding, files) {
			if binding.Confidence == Verified {
				return *binding, true
			}
			// Heuristic bindings keep looking for verified evidence.
			haveHeuristic = true
		} else {
			a.clearBindingLocked(key, "bound file gone or stale")
		}
	}

	if binding, ok := a.scanVerifiedLocked(key, username, files); ok {
		return binding, true
	}
	if haveHeuristic {
		return *a.byAccount[key], true
	}
	if binding, ok := a.scanHeuristicLocked(key, username, files); ok {
		return binding, true
	}
	if binding, ok := a.fallbackAssignLocked(key, username, files); ok {
		return binding, true
	}
	return Binding{}, false
}

func (a *Assigner) bindingStillGoodLocked(binding *Binding, files []FileHandle) bool {
	info, err := os.Stat(binding.Path)
	if err != nil {
		return false
	}
	if binding.Confidence == Verified {
		// Locked: survives outside the activity window as long as the file
		// exists.
		return true
	}
	if a.now().Sub(info.ModTime()) <= activityWindow {
		return true
	}
	// An inactive heuristic guess is worth re-deriving only when fresher
	// candidates exist.
	for _, f := range files {
		if f.Path == binding.Path {
			return true
		}
	}
	return false
}

func (a *Assigner) scanVerifiedLocked(key, username string, files []FileHandle) (Binding, bool) {
	for _, file := range files {
		sample, err := readPrefix(file.Path, verifiedScanBytes)
		if err != nil {
			// Unreadable file is no evidence, not fatal.
			a.logger.Debugf("skipping unreadable log file %s: %v", file.Path, err)
			continue
		}
		if !markerNamesAccount(sample, a.joinKeyword, username) {
			continue
		}
		return a.claimLocked(key, username, file.Path, Verified), true
	}
	return Binding{}, false
}

func (a *Assigner) scanHeuristicLocked(key, username string, files []FileHandle) (Binding, bool) {
	needles := heuristicNeedles(username)
	for _, file := range files {
		if owner, owned := a.owner[file.Path]; owned && owner != key {
			// First-come: a file heuristically claimed by another account is
			// off limits until a verified marker disambiguates.
			continue
		}
		sample, err := readPrefix(file.Path, verifiedScanBytes)
		if err != nil {
			a.logger.Debugf("skipping unreadable log file %s: %v", file.Path, err)
			continue
		}
		haystack := strings.ToLower(string(sample))
		for _, needle := range needles {
			if strings.Contains(haystack, needle) {
				return a.claimLocked(key, username, file.Path, Heuristic), true
			}
		}
	}
	return Binding{}, false
}

func (a *Assigner) fallbackAssignLocked(key, username string, files []FileHandle) (Binding, bool) {
	var pick string
	var pickAssigned time.Time
	found := false
	for _, file := range files {
		if _, owned := a.owner[file.Path]; owned {
			continue
		}
		assigned := a.lastAssigned[file.Path]
		if !found || assigned.Before(pickAssigned) {
			pick = file.Path
			pickAssigned = assigned
			found = true
		}
	}
	if !found {
		return Binding{}, false
	}
	a.logger.Info("fallback log assignment",
		logging.Field("account", username),
		logging.Field("path", pick),
	)
	return a.claimLocked(key, username, pick, Heuristic), true
}

// claimLocked binds file to account, evicting any previous owner. A
// verified claim over another account's binding is a reassignment; the
// evicted account's cursor is dropped so read positions never cross
// accounts.
func (a *Assigner) claimLocked(key, username, path string, confidence Confidence) Binding {
	if prevKey, owned := a.owner[path]; owned && prevKey != key {
		prev := a.byAccount[prevKey]
		a.logger.Warn("log file reassigned",
			logging.Field("path", path),
			logging.Field("from", prev.Display),
			logging.Field("to", username),
			logging.Field("confidence", confidence.String()),
		)
		delete(a.byAccount, prevKey)
		delete(a.owner, path)
	}
	if old, ok := a.byAccount[key]; ok && old.Path != path {
		delete(a.owner, old.Path)
	}

	cursor := int64(0)
	if info, err := os.Stat(path); err == nil {
		// Prime at end-of-file: only bytes appended after binding matter.
		cursor = info.Size()
	}
	if old, ok := a.byAccount[key]; ok && old.Path == path {
		cursor = old.Cursor
		if confidence < old.Confidence {
			confidence = old.Confidence
		}
	}

	binding := &Binding{
		Account:    key,
		Display:    strings.TrimSpace(username),
		Path:       path,
		Confidence: confidence,
		Cursor:     cursor,
		AssignedAt: a.now(),
	}
	a.byAccount[key] = binding
	a.owner[path] = key
	a.lastAssigned[path] = binding.AssignedAt
	a.logger.Info("log file bound",
		logging.Field("account", binding.Display),
		logging.Field("path", path),
		logging.Field("confidence", confidence.String()),
	)
	return *binding
}

func (a *Assigner) clearBindingLocked(key, reason string) {
	binding, ok := a.byAccount[key]
	if !ok {
		return
	}
	a.logger.Info("log binding released",
		logging.Field("account", binding.Display),
		logging.Field("path", binding.Path),
		logging.Field("reason", reason),
	)
	delete(a.owner, binding.Path)
	delete(a.byAccount, key)
}

// CommitCursor stores a new cursor position if the account is still bound
// to the same file. A reassignment between read and commit loses the
// position on purpose.
func (a *Assigner) CommitCursor(account, path string, cursor int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	binding, ok := a.byAccount[NormalizeAccount(account)]
	if !ok || binding.Path != path {
		return false
	}
	binding.Cursor = cursor
	return true
}

// DropAccounts releases bindings for accounts no longer tracked.
func (a *Assigner) DropAccounts(keep map[string]bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.byAccount {
		if !keep[key] {
			a.clearBindingLocked(key, "account removed")
		}
	}
}

// AllVerified reports whether every listed account holds a verified
// binding; the scheduler uses it to decide between fast-convergence and
// relaxed polling.
func (a *Assigner) AllVerified(accounts []string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, account := range accounts {
		binding, ok := a.byAccount[NormalizeAccount(account)]
		if !ok || binding.Confidence != Verified {
			return false
		}
	}
	return true
}

// markerNamesAccount scans sample for "<keyword><username>" where the
// username segment is the whole whitespace-delimited token following the
// keyword, compared case-insensitively.
func markerNamesAccount(sample []byte, keyword, username string) bool {
	haystack := strings.ToLower(string(sample))
	marker := strings.ToLower(keyword)
	want := NormalizeAccount(username)
	if want == "" {
		return false
	}
	for start := 0; ; {
		idx := strings.Index(haystack[start:], marker)
		if idx < 0 {
			return false
		}
		tokenStart := start + idx + len(marker)
		tokenEnd := tokenStart
		for tokenEnd < len(haystack) && !isSpaceByte(haystack[tokenEnd]) {
			tokenEnd++
		}
		if haystack[tokenStart:tokenEnd] == want {
			return true
		}
		start = tokenStart
	}
}

func heuristicNeedles(username string) []string {
	name := strings.ToLower(strings.TrimSpace(username))
	return []string{
		`"` + name + `"`,
		`'` + name + `'`,
		`"username":"` + name + `"`,
		`"displayname":"` + name + `"`,
		`name = "` + name + `"`,
	}
}

func isSpaceByte(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n':
		return true
	default:
		return false
	}
}

func readPrefix(path string, limit int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(io.LimitReader(file, limit))
}
