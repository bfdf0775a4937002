package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"biomewatch/internal/biomes"
	"biomewatch/internal/config"
	"biomewatch/internal/logging"
)

const (
	PhaseStart = "start"
	PhaseEnd   = "end"

	// dedupCapacity bounds the recent-notification set; oldest entries drop
	// first.
	dedupCapacity = 100

	// dedupBucket is the coarse timestamp bucket for the de-dup key. Wide
	// enough to absorb overlapping check cycles, narrower than any cooldown
	// worth honoring.
	dedupBucket = 30 * time.Second

	defaultMinInterval = 1 * time.Second
	maxMinInterval     = 30 * time.Second

	// successDecayAfter is how many consecutive clean sends it takes before
	// the throttle interval steps back down.
	successDecayAfter = 3
)

type destination struct {
	url   string
	allow map[string]bool
}

// Dispatcher converts validated state transitions into outbound webhook
// calls. Delivery is fire-and-forget: a failed destination is logged and
// skipped, never retried, and never blocks the other destinations.
type Dispatcher struct {
	http    *http.Client
	catalog *biomes.Catalog
	logger  *logging.Logger

	mu           sync.Mutex
	destinations []destination
	dedup        map[string]bool
	dedupFIFO    []string
	minInterval  time.Duration
	lastSend     time.Time
	cleanSends   int
	throttle     *backoff.ExponentialBackOff
}

func NewDispatcher(httpClient *http.Client, destinations []config.Destination, catalog *biomes.Catalog, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		panic("webhook.NewDispatcher: logger must not be nil")
	}
	if catalog == nil {
		panic("webhook.NewDispatcher: catalog must not be nil")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	throttle := backoff.NewExponentialBackOff()
	throttle.InitialInterval = 2 * defaultMinInterval
	throttle.RandomizationFactor = 0
	throttle.MaxInterval = maxMinInterval
	throttle.Reset()

	d := &Dispatcher{
		http:        httpClient,
		catalog:     catalog,
		logger:      logger,
		dedup:       map[string]bool{},
		minInterval: defaultMinInterval,
		throttle:    throttle,
	}
	d.SetDestinations(destinations)
	return d
}

// SetDestinations replaces the destination list (config reload).
func (d *Dispatcher) SetDestinations(destinations []config.Destination) {
	compiled := make([]destination, 0, len(destinations))
	for _, dest := range destinations {
		entry := destination{url: dest.URL}
		if len(dest.Accounts) > 0 {
			entry.allow = make(map[string]bool, len(dest.Accounts))
			for _, account := range dest.Accounts {
				key := strings.ToLower(strings.TrimSpace(account))
				if key != "" {
					entry.allow[key] = true
				}
			}
		}
		compiled = append(compiled, entry)
	}
	d.mu.Lock()
	d.destinations = compiled
	d.mu.Unlock()
}

// Dispatch sends one (account, event, phase) notification to every eligible
// destination. It returns true when every attempted send succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, account, event, phase string, at time.Time) bool {
	body, err := json.Marshal(buildPayload(account, event, phase, at, d.catalog))
	if err != nil {
		d.logger.Warn("failed to encode webhook payload", logging.Field("error", err))
		return false
	}

	targets := d.eligibleTargets(account, event, phase, at)
	if len(targets) == 0 {
		return true
	}

	allOK := true
	for _, target := range targets {
		if !d.waitThrottle(ctx) {
			return false
		}
		if err := d.send(ctx, target, body); err != nil {
			allOK = false
			d.noteSendFailure(target, err)
			continue
		}
		d.noteSendSuccess()
		d.logger.Debug("webhook delivered",
			logging.Field("account", account),
			logging.Field("event", event),
			logging.Field("phase", phase),
			logging.Field("url", target),
		)
	}
	return allOK
}

// eligibleTargets filters destinations by account allow-list and the
// bounded de-dup cache, and marks the survivors as notified.
func (d *Dispatcher) eligibleTargets(account, event, phase string, at time.Time) []string {
	accountKey := strings.ToLower(strings.TrimSpace(account))
	bucket := at.Unix() / int64(dedupBucket/time.Second)

	d.mu.Lock()
	defer d.mu.Unlock()

	targets := make([]string, 0, len(d.destinations))
	for _, dest := range d.destinations {
		if dest.allow != nil && !dest.allow[accountKey] {
			continue
		}
		key := fmt.Sprintf("%s|%s|%s|%d|%s", accountKey, biomes.Normalize(event), phase, bucket, dest.url)
		if d.dedup[key] {
			continue
		}
		if len(d.dedupFIFO) >= dedupCapacity {
			oldest := d.dedupFIFO[0]
			d.dedupFIFO = d.dedupFIFO[1:]
			delete(d.dedup, oldest)
		}
		d.dedup[key] = true
		d.dedupFIFO = append(d.dedupFIFO, key)
		targets = append(targets, dest.url)
	}
	return targets
}

// waitThrottle enforces the global minimum interval between outbound calls.
func (d *Dispatcher) waitThrottle(ctx context.Context) bool {
	d.mu.Lock()
	wait := d.minInterval - time.Since(d.lastSend)
	d.mu.Unlock()
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
	d.mu.Lock()
	d.lastSend = time.Now()
	d.mu.Unlock()
	return true
}

func (d *Dispatcher) send(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	d.logger.Debugf("POST %s -> %s", url, resp.Status)

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		d.logger.Warn("webhook rejected",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatPayload(data)),
		)
		return &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

// noteSendFailure logs the failure and, on a rate-limit response, widens
// the global throttle interval as a backoff signal.
func (d *Dispatcher) noteSendFailure(url string, err error) {
	d.logger.Warn("webhook delivery failed",
		logging.Field("url", url),
		logging.Field("error", err),
	)
	if !IsRateLimited(err) {
		return
	}
	d.mu.Lock()
	d.cleanSends = 0
	next := d.throttle.NextBackOff()
	if next > d.minInterval {
		d.minInterval = next
	}
	interval := d.minInterval
	d.mu.Unlock()
	d.logger.Info("webhook rate limited, throttling", logging.Field("interval", interval.String()))
}

// noteSendSuccess decays the throttle back toward the default after
// sustained clean deliveries.
func (d *Dispatcher) noteSendSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanSends++
	if d.cleanSends < successDecayAfter || d.minInterval <= defaultMinInterval {
		return
	}
	d.cleanSends = 0
	d.minInterval /= 2
	if d.minInterval <= defaultMinInterval {
		d.minInterval = defaultMinInterval
		d.throttle.Reset()
	}
}

// MinInterval exposes the current throttle interval for status reporting.
func (d *Dispatcher) MinInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.minInterval
}
