package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"biomewatch/internal/biomes"
	"biomewatch/internal/config"
	"biomewatch/internal/logging"
)

func newTestLogger() *logging.Logger {
	logger := logging.New(false)
	logger.SetTerminalOutputEnabled(false)
	return logger
}

type captureServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []string
	status int
}

func newCaptureServer(status int) *captureServer {
	cs := &captureServer{status: status}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.bodies = append(cs.bodies, string(body))
		status := cs.status
		cs.mu.Unlock()
		w.WriteHeader(status)
	}))
	return cs
}

func (cs *captureServer) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.bodies)
}

func (cs *captureServer) lastBody() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.bodies) == 0 {
		return ""
	}
	return cs.bodies[len(cs.bodies)-1]
}

func TestDispatch_DeliversDiscordPayload(t *testing.T) {
	server := newCaptureServer(http.StatusNoContent)
	defer server.Close()

	d := NewDispatcher(server.Client(), []config.Destination{{URL: server.URL}}, biomes.DefaultCatalog(), newTestLogger())
	at := time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC)

	if !d.Dispatch(context.Background(), "Alice", "WINDY", PhaseStart, at) {
		t.Fatalf("Dispatch() = false, want true")
	}
	if server.count() != 1 {
		t.Fatalf("request count = %d, want 1", server.count())
	}

	var body payload
	if err := json.Unmarshal([]byte(server.lastBody()), &body); err != nil {
		t.Fatalf("unmarshal request body: %v", err)
	}
	if len(body.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(body.Embeds))
	}
	if !strings.Contains(body.Embeds[0].Title, "Windy") || !strings.HasSuffix(body.Embeds[0].Title, "started") {
		t.Fatalf("embed title = %q, want Windy ... started", body.Embeds[0].Title)
	}
	if body.Embeds[0].Footer == nil || body.Embeds[0].Footer.Text != "Alice" {
		t.Fatalf("embed footer = %#v, want account name", body.Embeds[0].Footer)
	}
}

func TestDispatch_DeduplicatesWithinBucket(t *testing.T) {
	server := newCaptureServer(http.StatusNoContent)
	defer server.Close()

	d := NewDispatcher(server.Client(), []config.Destination{{URL: server.URL}}, biomes.DefaultCatalog(), newTestLogger())
	at := time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC)

	if !d.Dispatch(context.Background(), "Alice", "WINDY", PhaseStart, at) {
		t.Fatalf("first Dispatch() = false, want true")
	}
	// Same notification from an overlapping cycle: filtered, still a success.
	if !d.Dispatch(context.Background(), "Alice", "WINDY", PhaseStart, at.Add(2*time.Second)) {
		t.Fatalf("duplicate Dispatch() = false, want true")
	}
	if server.count() != 1 {
		t.Fatalf("request count = %d, want 1 after duplicate", server.count())
	}

	// A different phase is a different notification.
	if !d.Dispatch(context.Background(), "Alice", "WINDY", PhaseEnd, at) {
		t.Fatalf("end-phase Dispatch() = false, want true")
	}
	if server.count() != 2 {
		t.Fatalf("request count = %d, want 2", server.count())
	}
}

func TestDispatch_AccountAllowListFiltersDestinations(t *testing.T) {
	aliceServer := newCaptureServer(http.StatusNoContent)
	defer aliceServer.Close()
	everyoneServer := newCaptureServer(http.StatusNoContent)
	defer everyoneServer.Close()

	d := NewDispatcher(aliceServer.Client(), []config.Destination{
		{URL: aliceServer.URL, Accounts: []string{"alice"}},
		{URL: everyoneServer.URL},
	}, biomes.DefaultCatalog(), newTestLogger())

	at := time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC)
	if !d.Dispatch(context.Background(), "Bob", "SNOWY", PhaseStart, at) {
		t.Fatalf("Dispatch() = false, want true")
	}
	if aliceServer.count() != 0 {
		t.Fatalf("allow-listed server got %d requests, want 0 for Bob", aliceServer.count())
	}
	if everyoneServer.count() != 1 {
		t.Fatalf("open server got %d requests, want 1", everyoneServer.count())
	}
}

func TestDispatch_RateLimitWidensThrottle(t *testing.T) {
	server := newCaptureServer(http.StatusTooManyRequests)
	defer server.Close()

	d := NewDispatcher(server.Client(), []config.Destination{{URL: server.URL}}, biomes.DefaultCatalog(), newTestLogger())
	before := d.MinInterval()

	at := time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC)
	if d.Dispatch(context.Background(), "Alice", "WINDY", PhaseStart, at) {
		t.Fatalf("Dispatch() = true, want false on 429")
	}
	if d.MinInterval() <= before {
		t.Fatalf("MinInterval() = %v, want wider than %v after rate limit", d.MinInterval(), before)
	}
}

func TestDispatch_CanceledContextAbortsQuietly(t *testing.T) {
	server := newCaptureServer(http.StatusNoContent)
	defer server.Close()

	d := NewDispatcher(server.Client(), []config.Destination{{URL: server.URL}}, biomes.DefaultCatalog(), newTestLogger())

	at := time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC)
	if !d.Dispatch(context.Background(), "Alice", "WINDY", PhaseStart, at) {
		t.Fatalf("warmup Dispatch() = false, want true")
	}

	// The second send has to wait out the minimum interval; a canceled
	// context must abort the wait instead of delivering.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if d.Dispatch(ctx, "Alice", "SNOWY", PhaseStart, at) {
		t.Fatalf("Dispatch() = true, want false with canceled context")
	}
	if server.count() != 1 {
		t.Fatalf("request count = %d, want 1", server.count())
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited(&HTTPStatusError{StatusCode: http.StatusTooManyRequests}) {
		t.Fatalf("IsRateLimited(429) = false")
	}
	if IsRateLimited(&HTTPStatusError{StatusCode: http.StatusBadGateway}) {
		t.Fatalf("IsRateLimited(502) = true")
	}
	if IsRateLimited(nil) {
		t.Fatalf("IsRateLimited(nil) = true")
	}
}
