package rbxlogs

import (
	"os"
	"testing"
	"time"
)

func handlesFor(t *testing.T, paths ...string) []FileHandle {
	t.Helper()
	handles := make([]FileHandle, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		handles = append(handles, FileHandle{Path: path, Size: info.Size(), ModTime: info.ModTime()})
	}
	return handles
}

func TestResolve_VerifiedByJoinMarker(t *testing.T) {
	dir := t.TempDir()
	other := writeTestFile(t, dir, "other.log", "nothing interesting here\n", time.Time{})
	mine := writeTestFile(t, dir, "mine.log", "boot sequence\nPlayer added: Alice (UserId: 1)\nmore output\n", time.Time{})

	assigner := NewAssigner("", newTestLogger())
	binding, ok := assigner.Resolve("Alice", handlesFor(t, other, mine))
	if !ok {
		t.Fatalf("Resolve() expected binding")
	}
	if binding.Path != mine {
		t.Fatalf("Resolve() path = %s, want %s", binding.Path, mine)
	}
	if binding.Confidence != Verified {
		t.Fatalf("Resolve() confidence = %s, want %s", binding.Confidence, Verified)
	}

	info, _ := os.Stat(mine)
	if binding.Cursor != info.Size() {
		t.Fatalf("Resolve() cursor = %d, want %d (end of file)", binding.Cursor, info.Size())
	}
}

func TestResolve_JoinMarkerRequiresWholeToken(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.log", "Player added: Alicia now\n", time.Time{})

	assigner := NewAssigner("", newTestLogger())
	binding, ok := assigner.Resolve("Alice", handlesFor(t, path))
	if !ok {
		t.Fatalf("Resolve() expected fallback binding")
	}
	if binding.Confidence == Verified {
		t.Fatalf("Resolve() confidence = Verified, want heuristic fallback for partial token match")
	}
}

func TestResolve_HeuristicPromotedWhenMarkerAppears(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.log", `{"username":"alice","place":123}`+"\n", time.Time{})
	files := handlesFor(t, path)

	assigner := NewAssigner("", newTestLogger())
	binding, ok := assigner.Resolve("Alice", files)
	if !ok || binding.Confidence != Heuristic {
		t.Fatalf("Resolve() = %#v, %v, want heuristic binding", binding, ok)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := f.WriteString("Player added: Alice\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	binding, ok = assigner.Resolve("Alice", handlesFor(t, path))
	if !ok {
		t.Fatalf("Resolve() expected binding after marker append")
	}
	if binding.Confidence != Verified {
		t.Fatalf("Resolve() confidence = %s, want %s after marker append", binding.Confidence, Verified)
	}
}

func TestResolve_VerifiedClaimEvictsHeuristicOwner(t *testing.T) {
	dir := t.TempDir()
	shared := writeTestFile(t, dir, "shared.log", `welcome "bob" to the server`+"\nPlayer added: Alice\n", time.Time{})
	files := handlesFor(t, shared)

	assigner := NewAssigner("", newTestLogger())

	bobBinding, ok := assigner.Resolve("Bob", files)
	if !ok || bobBinding.Path != shared {
		t.Fatalf("Resolve(Bob) = %#v, %v, want heuristic binding on shared file", bobBinding, ok)
	}

	aliceBinding, ok := assigner.Resolve("Alice", files)
	if !ok || aliceBinding.Confidence != Verified || aliceBinding.Path != shared {
		t.Fatalf("Resolve(Alice) = %#v, %v, want verified binding on shared file", aliceBinding, ok)
	}

	if _, still := assigner.BindingFor("Bob"); still {
		t.Fatalf("BindingFor(Bob) expected eviction after verified claim")
	}
}

func TestResolve_HeuristicNeverTakesOwnedFile(t *testing.T) {
	dir := t.TempDir()
	shared := writeTestFile(t, dir, "shared.log", `"alice" and "bob" both appear here`+"\n", time.Time{})
	files := handlesFor(t, shared)

	assigner := NewAssigner("", newTestLogger())
	if _, ok := assigner.Resolve("Alice", files); !ok {
		t.Fatalf("Resolve(Alice) expected binding")
	}
	if binding, ok := assigner.Resolve("Bob", files); ok {
		t.Fatalf("Resolve(Bob) = %#v, want no binding while file is owned", binding)
	}
}

func TestResolve_FallbackPrefersLeastRecentlyAssigned(t *testing.T) {
	dir := t.TempDir()
	first := writeTestFile(t, dir, "first.log", "no evidence\n", time.Time{})
	second := writeTestFile(t, dir, "second.log", "no evidence\n", time.Time{})
	files := handlesFor(t, first, second)

	assigner := NewAssigner("", newTestLogger())
	aliceBinding, ok := assigner.Resolve("Alice", files)
	if !ok {
		t.Fatalf("Resolve(Alice) expected fallback binding")
	}
	bobBinding, ok := assigner.Resolve("Bob", files)
	if !ok {
		t.Fatalf("Resolve(Bob) expected fallback binding")
	}
	if aliceBinding.Path == bobBinding.Path {
		t.Fatalf("fallback assigned the same file to both accounts: %s", aliceBinding.Path)
	}
}

func TestCommitCursor_IgnoredAfterReassignment(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.log", "Player added: Alice\n", time.Time{})
	other := writeTestFile(t, dir, "b.log", "Player added: Alice moved here\n", time.Time{})

	assigner := NewAssigner("", newTestLogger())
	binding, ok := assigner.Resolve("Alice", handlesFor(t, path, other))
	if !ok {
		t.Fatalf("Resolve() expected binding")
	}

	stalePath := other
	if binding.Path == other {
		stalePath = path
	}
	if assigner.CommitCursor("Alice", stalePath, 999) {
		t.Fatalf("CommitCursor() accepted a cursor for a file the account is not bound to")
	}
	if !assigner.CommitCursor("Alice", binding.Path, 7) {
		t.Fatalf("CommitCursor() rejected a valid commit")
	}
	got, _ := assigner.BindingFor("Alice")
	if got.Cursor != 7 {
		t.Fatalf("cursor = %d, want 7", got.Cursor)
	}
}

func TestAllVerified(t *testing.T) {
	dir := t.TempDir()
	verified := writeTestFile(t, dir, "a.log", "Player added: Alice\n", time.Time{})
	plain := writeTestFile(t, dir, "b.log", "nothing\n", time.Time{})

	assigner := NewAssigner("", newTestLogger())
	if assigner.AllVerified([]string{"Alice"}) {
		t.Fatalf("AllVerified() = true before any binding")
	}
	if _, ok := assigner.Resolve("Alice", handlesFor(t, verified, plain)); !ok {
		t.Fatalf("Resolve(Alice) expected binding")
	}
	if !assigner.AllVerified([]string{"Alice"}) {
		t.Fatalf("AllVerified(Alice) = false, want true")
	}
	if _, ok := assigner.Resolve("Bob", handlesFor(t, verified, plain)); !ok {
		t.Fatalf("Resolve(Bob) expected fallback binding")
	}
	if assigner.AllVerified([]string{"Alice", "Bob"}) {
		t.Fatalf("AllVerified() = true with a heuristic binding present")
	}
}

func TestDropAccounts_ReleasesBindings(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.log", "Player added: Alice\n", time.Time{})

	assigner := NewAssigner("", newTestLogger())
	if _, ok := assigner.Resolve("Alice", handlesFor(t, path)); !ok {
		t.Fatalf("Resolve() expected binding")
	}
	assigner.DropAccounts(map[string]bool{})
	if _, ok := assigner.BindingFor("Alice"); ok {
		t.Fatalf("BindingFor() expected binding released after drop")
	}
}
