package rbxlogs

import (
	"os"
	"strings"
	"testing"
	"time"
)

func appendToFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append %s: %v", path, err)
	}
}

func newBoundTailer(t *testing.T, path string, probe func([]byte) bool) (*Tailer, *Assigner) {
	t.Helper()
	assigner := NewAssigner("", newTestLogger())
	if _, ok := assigner.Resolve("Alice", handlesFor(t, path)); !ok {
		t.Fatalf("Resolve() expected binding for %s", path)
	}
	return NewTailer(assigner, probe, newTestLogger()), assigner
}

func TestReadNew_OnlyAppendedBytes(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.log", "Player added: Alice\n", time.Time{})
	tailer, _ := newBoundTailer(t, path, nil)

	chunk, err := tailer.ReadNew("Alice")
	if err != nil {
		t.Fatalf("ReadNew() error = %v", err)
	}
	if len(chunk) != 0 {
		t.Fatalf("ReadNew() = %q, want empty before any append", chunk)
	}

	appendToFile(t, path, "new line one\n")
	chunk, err = tailer.ReadNew("Alice")
	if err != nil {
		t.Fatalf("ReadNew() error = %v", err)
	}
	if string(chunk) != "new line one\n" {
		t.Fatalf("ReadNew() = %q, want appended bytes only", chunk)
	}

	// Nothing new: the cursor must have advanced past everything returned.
	chunk, err = tailer.ReadNew("Alice")
	if err != nil {
		t.Fatalf("ReadNew() error = %v", err)
	}
	if len(chunk) != 0 {
		t.Fatalf("ReadNew() = %q, want empty on re-poll without new writes", chunk)
	}
}

func TestReadNew_RotationResumesNearEnd(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.log", "Player added: Alice\n"+strings.Repeat("filler\n", 100), time.Time{})
	tailer, assigner := newBoundTailer(t, path, nil)

	// Replace with a shorter file, as a client restart does.
	if err := os.WriteFile(path, []byte("fresh start\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	chunk, err := tailer.ReadNew("Alice")
	if err != nil {
		t.Fatalf("ReadNew() error = %v", err)
	}
	if string(chunk) != "fresh start\n" {
		t.Fatalf("ReadNew() after rotation = %q, want full new content", chunk)
	}

	binding, _ := assigner.BindingFor("Alice")
	info, _ := os.Stat(path)
	if binding.Cursor != info.Size() {
		t.Fatalf("cursor after rotation read = %d, want %d", binding.Cursor, info.Size())
	}
}

func TestReadNew_LargeBacklogIsBounded(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.log", "Player added: Alice\n", time.Time{})
	tailer, _ := newBoundTailer(t, path, nil)

	backlog := strings.Repeat("x", MaxReadBytes+4_000)
	appendToFile(t, path, backlog)

	chunk, err := tailer.ReadNew("Alice")
	if err != nil {
		t.Fatalf("ReadNew() error = %v", err)
	}
	if len(chunk) != MaxReadBytes {
		t.Fatalf("ReadNew() len = %d, want cap %d", len(chunk), MaxReadBytes)
	}

	chunk, err = tailer.ReadNew("Alice")
	if err != nil {
		t.Fatalf("ReadNew() error = %v", err)
	}
	if len(chunk) != 4_000 {
		t.Fatalf("second ReadNew() len = %d, want remaining 4000", len(chunk))
	}
}

func TestReadNew_TailProbeSkipsBacklog(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.log", "Player added: Alice\n", time.Time{})
	tailer, _ := newBoundTailer(t, path, HasStructuredMarker)

	backlog := strings.Repeat("old noise\n", 1_000)
	appendToFile(t, path, backlog+"[BloxstrapRPC] latest event\n")

	chunk, err := tailer.ReadNew("Alice")
	if err != nil {
		t.Fatalf("ReadNew() error = %v", err)
	}
	if len(chunk) > TailProbeBytes {
		t.Fatalf("ReadNew() len = %d, want probe window of at most %d", len(chunk), TailProbeBytes)
	}
	if !strings.Contains(string(chunk), "[BloxstrapRPC]") {
		t.Fatalf("ReadNew() window missing marker: %q", chunk)
	}

	// The skipped backlog must not come back on the next poll.
	chunk, err = tailer.ReadNew("Alice")
	if err != nil {
		t.Fatalf("ReadNew() error = %v", err)
	}
	if len(chunk) != 0 {
		t.Fatalf("ReadNew() = %q, want empty after probe consumed the tail", chunk)
	}
}
