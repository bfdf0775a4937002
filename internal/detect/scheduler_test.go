package detect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"biomewatch/internal/biomes"
	"biomewatch/internal/config"
	"biomewatch/internal/logging"
	"biomewatch/internal/rbxlogs"
)

type recordedDispatch struct {
	account string
	event   string
	phase   string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []recordedDispatch
}

func (f *fakeNotifier) Dispatch(_ context.Context, account, event, phase string, _ time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedDispatch{account: account, event: event, phase: phase})
	return true
}

func (f *fakeNotifier) snapshot() []recordedDispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedDispatch(nil), f.calls...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func structuredLine(biome string) string {
	return fmt.Sprintf(`[BloxstrapRPC] {"command":"SetRichPresence","data":{"largeImage":{"hoverText":"%s"}}}`, biome)
}

func newSchedulerHarness(t *testing.T) (*Scheduler, *fakeNotifier, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "client.log")
	if err := os.WriteFile(path, []byte("Player added: Alice\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	logger := logging.New(false)
	logger.SetTerminalOutputEnabled(false)
	catalog := biomes.DefaultCatalog()
	// Real cooldowns would gate the rapid transitions this test drives.
	machine := NewStateMachine(catalog, biomes.NewCounters(), Cooldowns{
		Ordinary: time.Millisecond,
		Rare:     time.Millisecond,
	})
	index := rbxlogs.NewDirectoryIndex(dir, 0, time.Millisecond, logger)
	notifier := &fakeNotifier{}

	scheduler := NewScheduler(Options{
		PollFloor:   10 * time.Millisecond,
		PollCeiling: 30 * time.Millisecond,
	}, index, catalog, machine, notifier, nil, logger, Callbacks{})
	scheduler.SetAccounts([]config.Account{{Username: "Alice", Active: true}})
	return scheduler, notifier, path
}

func TestScheduler_DispatchesTransitionsOnce(t *testing.T) {
	scheduler, notifier, path := newSchedulerHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- scheduler.RunContext(ctx, nil)
	}()

	// Appends before the binding exists would land behind the primed cursor.
	waitFor(t, 3*time.Second, func() bool {
		_, ok := scheduler.assigner.BindingFor("Alice")
		return ok
	})

	// First biome of the session: consumed silently.
	appendLine(t, path, structuredLine("Windy"))
	waitFor(t, 3*time.Second, func() bool {
		return scheduler.machine.Current("Alice") == "WINDY"
	})
	if got := notifier.snapshot(); len(got) != 0 {
		t.Fatalf("dispatches = %v, want none for the first transition of a session", got)
	}

	appendLine(t, path, structuredLine("Snowy"))
	waitFor(t, 3*time.Second, func() bool {
		return len(notifier.snapshot()) >= 2
	})

	calls := notifier.snapshot()
	if len(calls) != 2 {
		t.Fatalf("dispatches = %v, want exactly end+start pair", calls)
	}
	if calls[0] != (recordedDispatch{account: "Alice", event: "WINDY", phase: PhaseEnd}) {
		t.Fatalf("first dispatch = %#v, want WINDY end", calls[0])
	}
	if calls[1] != (recordedDispatch{account: "Alice", event: "SNOWY", phase: PhaseStart}) {
		t.Fatalf("second dispatch = %#v, want SNOWY start", calls[1])
	}

	// Idle re-polls of an unchanged file must not produce anything new.
	time.Sleep(200 * time.Millisecond)
	if got := notifier.snapshot(); len(got) != 2 {
		t.Fatalf("dispatches after idle = %v, want unchanged", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunContext() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("RunContext() did not stop after cancel")
	}
}

func TestScheduler_AccountUpdatesSwapTracking(t *testing.T) {
	scheduler, notifier, path := newSchedulerHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan []config.Account, 1)
	done := make(chan error, 1)
	go func() {
		done <- scheduler.RunContext(ctx, updates)
	}()

	waitFor(t, 3*time.Second, func() bool {
		_, ok := scheduler.assigner.BindingFor("Alice")
		return ok
	})
	appendLine(t, path, structuredLine("Windy"))
	waitFor(t, 3*time.Second, func() bool {
		return scheduler.machine.Current("Alice") == "WINDY"
	})

	updates <- []config.Account{{Username: "Bob", Active: true}}
	waitFor(t, 3*time.Second, func() bool {
		return scheduler.machine.Current("Alice") == "" && len(scheduler.accountSnapshot()) == 1
	})
	if got := scheduler.accountSnapshot()[0].Username; got != "Bob" {
		t.Fatalf("tracked account = %q, want Bob", got)
	}

	// Nothing was ever notifiable for Alice, and Bob has seen nothing.
	if got := notifier.snapshot(); len(got) != 0 {
		t.Fatalf("dispatches = %v, want none", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunContext() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("RunContext() did not stop after cancel")
	}
}

func TestScheduler_InactiveAccountsAreIgnored(t *testing.T) {
	scheduler, _, _ := newSchedulerHarness(t)
	scheduler.SetAccounts([]config.Account{
		{Username: "Alice", Active: true},
		{Username: "Paused", Active: false},
	})
	tracked := scheduler.accountSnapshot()
	if len(tracked) != 1 || tracked[0].Username != "Alice" {
		t.Fatalf("tracked = %v, want only Alice", tracked)
	}
}
