package detect

import (
	"sync"
	"time"

	"biomewatch/internal/biomes"
	"biomewatch/internal/rbxlogs"
)

type Cooldowns struct {
	Ordinary time.Duration
	Rare     time.Duration
}

// Transition is one confirmed state change. Notify is false for the first
// valid transition of a session: a stale log tail read at startup must not
// fire a notification, though counters and state still update.
type Transition struct {
	Account string
	From    string
	To      string
	At      time.Time
	Notify  bool
}

type accountState struct {
	display       string
	current       string
	lastSent      map[string]time.Time
	firstConsumed bool
}

// StateMachine holds per-account runtime state for one detection session.
// All state is built eagerly when the account list loads and reset when a
// new session starts.
type StateMachine struct {
	catalog   *biomes.Catalog
	counters  *biomes.Counters
	cooldowns Cooldowns

	mu       sync.Mutex
	accounts map[string]*accountState
}

func NewStateMachine(catalog *biomes.Catalog, counters *biomes.Counters, cooldowns Cooldowns) *StateMachine {
	if catalog == nil {
		panic("detect.NewStateMachine: catalog must not be nil")
	}
	if counters == nil {
		counters = biomes.NewCounters()
	}
	if cooldowns.Ordinary <= 0 {
		cooldowns.Ordinary = 5 * time.Second
	}
	if cooldowns.Rare <= 0 {
		cooldowns.Rare = 15 * time.Second
	}
	return &StateMachine{
		catalog:   catalog,
		counters:  counters,
		cooldowns: cooldowns,
		accounts:  map[string]*accountState{},
	}
}

// SetAccounts eagerly constructs state for every tracked account and drops
// state for removed ones. Existing accounts keep their in-session state.
func (m *StateMachine) SetAccounts(usernames []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := make(map[string]bool, len(usernames))
	for _, username := range usernames {
		key := rbxlogs.NormalizeAccount(username)
		if key == "" {
			continue
		}
		keep[key] = true
		if _, ok := m.accounts[key]; !ok {
			m.accounts[key] = &accountState{
				display:  username,
				lastSent: map[string]time.Time{},
			}
		}
	}
	for key := range m.accounts {
		if !keep[key] {
			delete(m.accounts, key)
		}
	}
}

// Apply feeds an extracted biome name into the account's state machine and
// returns the resulting transition, if any. A repeat of the current state
// is silently dropped, as is any event arriving while the current event's
// cooldown is still running or while the incoming event is inside its own
// window: an at-most-once-per-cooldown-window policy, not a delivery
// guarantee.
func (m *StateMachine) Apply(account, event string, now time.Time) (Transition, bool) {
	name := biomes.Normalize(event)
	if !m.catalog.Has(name) {
		return Transition{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.accounts[rbxlogs.NormalizeAccount(account)]
	if !ok {
		return Transition{}, false
	}
	if state.current == name {
		return Transition{}, false
	}

	// The current event holds its state for its full cooldown before any
	// transition away from it may fire.
	if state.current != "" {
		if last, sent := state.lastSent[state.current]; sent && now.Sub(last) < m.cooldownFor(state.current) {
			return Transition{}, false
		}
	}
	if last, sent := state.lastSent[name]; sent && now.Sub(last) < m.cooldownFor(name) {
		return Transition{}, false
	}

	previous := state.current
	state.current = name
	state.lastSent[name] = now
	m.counters.Increment(name)

	notify := true
	if !state.firstConsumed {
		state.firstConsumed = true
		notify = false
	}

	return Transition{
		Account: state.display,
		From:    previous,
		To:      name,
		At:      now,
		Notify:  notify,
	}, true
}

func (m *StateMachine) cooldownFor(name string) time.Duration {
	if m.catalog.IsRare(name) {
		return m.cooldowns.Rare
	}
	return m.cooldowns.Ordinary
}

// Current returns the account's current biome, empty when none was seen
// this session.
func (m *StateMachine) Current(account string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.accounts[rbxlogs.NormalizeAccount(account)]
	if !ok {
		return ""
	}
	return state.current
}
