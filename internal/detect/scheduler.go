package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"biomewatch/internal/biomes"
	"biomewatch/internal/config"
	"biomewatch/internal/logging"
	"biomewatch/internal/rbxlogs"
	"biomewatch/internal/runstatus"
)

const (
	PhaseStart = "start"
	PhaseEnd   = "end"

	defaultWorkerCap   = 8
	defaultCycleWindow = 10
)

// Notifier forwards a confirmed transition to the outside world.
// webhook.Dispatcher satisfies it.
type Notifier interface {
	Dispatch(ctx context.Context, account, event, phase string, at time.Time) bool
}

type Options struct {
	JoinKeyword string
	PollFloor   time.Duration
	PollCeiling time.Duration
	WorkerCap   int
	CycleWindow int
}

type Callbacks struct {
	OnStatus     func(string)
	OnTransition func(Transition)
}

// Scheduler is the adaptive polling loop that drives detection for all
// active accounts. The loop itself is single-threaded; each tick fans
// per-account work out to a bounded pool and joins before sleeping, so no
// two ticks for the same account ever overlap.
type Scheduler struct {
	opts      Options
	index     *rbxlogs.DirectoryIndex
	assigner  *rbxlogs.Assigner
	tailer    *rbxlogs.Tailer
	extractor *rbxlogs.Extractor
	machine   *StateMachine
	catalog   *biomes.Catalog
	notifier  Notifier
	procs     ProcessCounter
	logger    *logging.Logger
	callbacks Callbacks

	mu       sync.Mutex
	accounts []config.Account

	cycles        []time.Duration
	interval      time.Duration
	lastProcCount int
	status        string
}

func NewScheduler(opts Options, index *rbxlogs.DirectoryIndex, catalog *biomes.Catalog, machine *StateMachine, notifier Notifier, procs ProcessCounter, logger *logging.Logger, callbacks Callbacks) *Scheduler {
	if logger == nil {
		panic("detect.NewScheduler: logger must not be nil")
	}
	if index == nil {
		panic("detect.NewScheduler: index must not be nil")
	}
	if catalog == nil {
		panic("detect.NewScheduler: catalog must not be nil")
	}
	if machine == nil {
		panic("detect.NewScheduler: machine must not be nil")
	}
	if opts.PollFloor <= 0 {
		opts.PollFloor = 100 * time.Millisecond
	}
	if opts.PollCeiling < opts.PollFloor {
		opts.PollCeiling = 1 * time.Second
	}
	if opts.WorkerCap <= 0 {
		opts.WorkerCap = defaultWorkerCap
	}
	if opts.CycleWindow <= 0 {
		opts.CycleWindow = defaultCycleWindow
	}
	assigner := rbxlogs.NewAssigner(opts.JoinKeyword, logger)
	extractor := rbxlogs.NewExtractor(catalog, logger)
	return &Scheduler{
		opts:      opts,
		index:     index,
		assigner:  assigner,
		tailer:    rbxlogs.NewTailer(assigner, rbxlogs.HasStructuredMarker, logger),
		extractor: extractor,
		machine:   machine,
		catalog:   catalog,
		notifier:  notifier,
		procs:     procs,
		logger:    logger,
		callbacks: callbacks,
		// Sessions start in fast-convergence mode: nothing is bound yet.
		interval: opts.PollFloor,
	}
}

// SetAccounts installs the active account snapshot; callable before the
// run loop starts and from account-update events while it runs.
func (s *Scheduler) SetAccounts(accounts []config.Account) {
	active := make([]config.Account, 0, len(accounts))
	names := make([]string, 0, len(accounts))
	keep := make(map[string]bool, len(accounts))
	for _, account := range accounts {
		if !account.Active {
			continue
		}
		active = append(active, account)
		names = append(names, account.Username)
		keep[account.Key()] = true
	}
	s.machine.SetAccounts(names)
	s.assigner.DropAccounts(keep)
	s.mu.Lock()
	s.accounts = active
	s.mu.Unlock()
	s.logger.Info("tracking accounts", logging.Field("active", len(active)))
}

// RunContext runs detection until the context is canceled. An in-flight
// tick finishes its worker batch before the loop returns.
func (s *Scheduler) RunContext(ctx context.Context, accountUpdates <-chan []config.Account) error {
	s.logger.Info("detection session starting",
		logging.Field("log_dir", s.index.Dir()),
		logging.Field("poll_floor", s.opts.PollFloor.String()),
		logging.Field("poll_ceiling", s.opts.PollCeiling.String()),
	)
	s.setStatus(runstatus.Scanning)

	var watcherEvents chan fsnotify.Event
	var watcherErrors chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("fsnotify unavailable, relying on polling alone", logging.Field("error", err))
	} else {
		defer watcher.Close()
		if addErr := watcher.Add(s.index.Dir()); addErr != nil {
			s.logger.Warn("failed to watch log directory", logging.Field("dir", s.index.Dir()), logging.Field("error", addErr))
		}
		watcherEvents = make(chan fsnotify.Event)
		watcherErrors = make(chan error)
		go forwardWatcher(ctx, watcher, watcherEvents, watcherErrors)
	}

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stopping detection scheduler: context canceled")
			s.setStatus(runstatus.Stopping)
			return nil
		case accounts, ok := <-accountUpdates:
			if !ok {
				s.logger.Debug("account update stream closed")
				accountUpdates = nil
				continue
			}
			s.SetAccounts(accounts)
		case event := <-watcherEvents:
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.logger.Debugf("fsnotify event: op=%s path=%s", event.Op.String(), event.Name)
				s.index.ForceRefresh()
			}
		case watchErr := <-watcherErrors:
			if watchErr != nil {
				s.logger.Warn("log directory watcher error", logging.Field("error", watchErr))
			}
		case <-timer.C:
			s.runTick(ctx)
			timer.Reset(s.nextInterval())
		}
	}
}

func forwardWatcher(ctx context.Context, watcher *fsnotify.Watcher, events chan<- fsnotify.Event, errs chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			select {
			case errs <- err:
			case <-ctx.Done():
				return
			}
		}
	}
}

// runTick checks every active account once, in parallel, and joins.
func (s *Scheduler) runTick(ctx context.Context) {
	started := time.Now()

	if s.procs != nil {
		if count, ok := s.procs.RunningInstances(); ok && count != s.lastProcCount {
			s.logger.Debug("instance count changed, refreshing directory index",
				logging.Field("from", s.lastProcCount),
				logging.Field("to", count),
			)
			s.lastProcCount = count
			s.index.ForceRefresh()
		}
	}

	files := s.index.ListCandidates()
	accounts := s.accountSnapshot()
	if len(accounts) == 0 {
		s.recordCycle(time.Since(started), nil)
		return
	}

	workers := len(accounts)
	if workers > s.opts.WorkerCap {
		workers = s.opts.WorkerCap
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, account := range accounts {
		wg.Add(1)
		go func(account config.Account) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := s.checkAccount(ctx, account, files); err != nil {
				// One account's failure means that account produced nothing
				// this tick; it never fails the batch.
				s.logger.Debug("account check produced nothing",
					logging.Field("account", account.Username),
					logging.Field("error", err),
				)
			}
		}(account)
	}
	wg.Wait()

	s.recordCycle(time.Since(started), accounts)
}

// checkAccount is the strict per-account sequence: resolve binding, read
// new bytes, extract, apply, dispatch.
func (s *Scheduler) checkAccount(ctx context.Context, account config.Account, files []rbxlogs.FileHandle) error {
	if _, ok := s.assigner.Resolve(account.Username, files); !ok {
		return nil
	}

	chunk, err := s.tailer.ReadNew(account.Username)
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}
	if len(chunk) == 0 {
		return nil
	}

	event, ok := s.extractor.Extract(chunk)
	if !ok {
		return nil
	}

	transition, ok := s.machine.Apply(account.Username, event, time.Now())
	if !ok {
		return nil
	}

	s.logger.Info("biome transition",
		logging.Field("account", transition.Account),
		logging.Field("from", orNone(transition.From)),
		logging.Field("to", transition.To),
		logging.Field("notify", transition.Notify),
	)
	if s.callbacks.OnTransition != nil {
		s.callbacks.OnTransition(transition)
	}

	if !transition.Notify {
		s.logger.Debug("suppressing first transition of session",
			logging.Field("account", transition.Account),
			logging.Field("biome", transition.To),
		)
		return nil
	}
	if s.notifier == nil {
		return nil
	}
	if transition.From != "" && s.catalog.NotifyEnabled(transition.From) {
		s.notifier.Dispatch(ctx, transition.Account, transition.From, PhaseEnd, transition.At)
	}
	if s.catalog.NotifyEnabled(transition.To) {
		s.notifier.Dispatch(ctx, transition.Account, transition.To, PhaseStart, transition.At)
	}
	return nil
}

func (s *Scheduler) accountSnapshot() []config.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]config.Account(nil), s.accounts...)
}

// recordCycle feeds the moving average that drives adaptive pacing and
// updates the coarse session status.
func (s *Scheduler) recordCycle(duration time.Duration, accounts []config.Account) {
	s.cycles = append(s.cycles, duration)
	if len(s.cycles) > s.opts.CycleWindow {
		s.cycles = s.cycles[len(s.cycles)-s.opts.CycleWindow:]
	}
	if len(accounts) == 0 {
		s.setStatus(runstatus.Scanning)
		return
	}
	names := make([]string, 0, len(accounts))
	for _, account := range accounts {
		names = append(names, account.Username)
	}
	if s.assigner.AllVerified(names) {
		s.setStatus(runstatus.Watching)
	} else {
		s.setStatus(runstatus.Converging)
	}
}

// nextInterval shrinks toward the floor while bindings are still
// unverified and cycles are cheap, and relaxes toward the ceiling once the
// system stabilizes.
func (s *Scheduler) nextInterval() time.Duration {
	target := s.opts.PollCeiling
	if s.status == runstatus.Converging && s.cycleAverage() <= s.opts.PollCeiling/2 {
		target = s.opts.PollFloor
	}
	s.interval += (target - s.interval) / 2
	if s.interval < s.opts.PollFloor {
		s.interval = s.opts.PollFloor
	}
	if s.interval > s.opts.PollCeiling {
		s.interval = s.opts.PollCeiling
	}
	return s.interval
}

func (s *Scheduler) cycleAverage() time.Duration {
	if len(s.cycles) == 0 {
		return 0
	}
	total := time.Duration(0)
	for _, d := range s.cycles {
		total += d
	}
	return total / time.Duration(len(s.cycles))
}

func (s *Scheduler) setStatus(status string) {
	if s.status == status {
		return
	}
	previous := s.status
	s.status = status
	s.logger.Debug("scheduler status transition",
		logging.Field("from", previous),
		logging.Field("to", status),
	)
	if s.callbacks.OnStatus != nil {
		s.callbacks.OnStatus(status)
	}
}

func orNone(name string) string {
	if name == "" {
		return "<none>"
	}
	return name
}
