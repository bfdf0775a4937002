package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"biomewatch/internal/biomes"
	"biomewatch/internal/config"
	"biomewatch/internal/detect"
	"biomewatch/internal/logging"
	"biomewatch/internal/rbxlogs"
	"biomewatch/internal/runctx"
	"biomewatch/internal/runstatus"
	"biomewatch/internal/stats"
	"biomewatch/internal/webhook"
)

const activityWindow = 5 * time.Minute

type WatcherApp struct {
	opts       config.Options
	settings   config.Settings
	catalog    *biomes.Catalog
	dispatcher *webhook.Dispatcher
	store      *stats.Store
	logger     *logging.Logger
	hooks      Callbacks
	status     runtimeStatusState
}

type Callbacks struct {
	OnAccountsUpdate func([]config.Account)
	OnTransition     func(detect.Transition)
	OnStatusChange   func(string)
}

func New(opts config.Options, settings config.Settings, catalog *biomes.Catalog, dispatcher *webhook.Dispatcher, store *stats.Store, logger *logging.Logger, hooks Callbacks) *WatcherApp {
	if catalog == nil {
		panic("app.New: catalog must not be nil")
	}
	if logger == nil {
		panic("app.New: logger must not be nil")
	}
	return &WatcherApp{
		opts:       opts,
		settings:   settings,
		catalog:    catalog,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
		hooks:      hooks,
	}
}

func (a *WatcherApp) Run() error {
	return a.RunContext(context.Background())
}

func (a *WatcherApp) RunContext(ctx context.Context) error {
	a.logger.Info("biome watcher starting",
		logging.Field("log_dir", a.opts.LogDir),
		logging.Field("config", a.opts.ConfigPath),
	)

	if err := a.validateLogDirectory(); err != nil {
		return err
	}

	tuning := a.settings.Tuning
	counters := biomes.NewCounters()
	session := detect.NewSession(counters)
	machine := detect.NewStateMachine(a.catalog, counters, detect.Cooldowns{
		Ordinary: tuning.Cooldown(),
		Rare:     tuning.RareCooldown(),
	})
	index := rbxlogs.NewDirectoryIndex(a.opts.LogDir, tuning.MaxLogAge(), 0, a.logger)
	procs := detect.NewFileActivityCounter(index, activityWindow)

	// A typed-nil *webhook.Dispatcher must not reach the scheduler as a
	// non-nil interface.
	var notifier detect.Notifier
	if a.dispatcher != nil {
		notifier = a.dispatcher
	}

	scheduler := detect.NewScheduler(detect.Options{
		JoinKeyword: tuning.JoinKeyword,
		PollFloor:   tuning.PollFloor(),
		PollCeiling: tuning.PollCeiling(),
		WorkerCap:   tuning.WorkerCap(),
	}, index, a.catalog, machine, notifier, procs, a.logger, detect.Callbacks{
		OnStatus:     a.setRuntimeStatus,
		OnTransition: a.hooks.OnTransition,
	})

	accounts := config.SanitizeAccounts(a.settings.Accounts, a.logger)
	if len(accounts) == 0 {
		a.logger.Warn("no accounts configured, nothing to watch", logging.Field("config", a.opts.ConfigPath))
	}
	scheduler.SetAccounts(accounts)
	a.notifyAccounts(accounts)

	reloads := make(chan []config.Account, 1)
	go a.watchSettings(ctx, reloads)
	accountUpdates := make(chan []config.Account, 1)
	go a.forwardAccountUpdates(ctx, reloads, accountUpdates)

	runErr := scheduler.RunContext(ctx, accountUpdates)

	summary := session.Finish()
	a.logSummary(summary)
	if a.store != nil {
		if err := a.store.Record(summary); err != nil {
			a.logger.Warn("failed to persist session statistics", logging.Field("error", err))
		}
	}

	a.setRuntimeStatus(runstatus.Stopped)
	if runErr != nil {
		a.logger.Warn("biome watcher stopped with error", logging.Field("error", runErr))
		return runErr
	}
	a.logger.Info("biome watcher stopped")
	return nil
}

// watchSettings reloads config.toml when it changes on disk and pushes the
// fresh account list to the scheduler. The parent directory is watched
// because most editors replace the file rather than write in place.
func (a *WatcherApp) watchSettings(ctx context.Context, updates chan<- []config.Account) {
	defer close(updates)

	configPath := strings.TrimSpace(a.opts.ConfigPath)
	if configPath == "" {
		<-ctx.Done()
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.logger.Warn("settings hot reload unavailable", logging.Field("error", err))
		<-ctx.Done()
		return
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		a.logger.Warn("failed to watch settings directory",
			logging.Field("dir", filepath.Dir(configPath)),
			logging.Field("error", err),
		)
		<-ctx.Done()
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(configPath) {
				continue
			}
			accounts, ok := a.reloadSettings(configPath)
			if !ok {
				continue
			}
			if !runctx.SendOrDone(ctx, "settings reload forwarder", a.logger, updates, accounts) {
				return
			}
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if watchErr != nil {
				a.logger.Warn("settings watcher error", logging.Field("error", watchErr))
			}
		}
	}
}

// reloadSettings re-reads the settings file and applies the parts that can
// change at runtime: accounts and webhook destinations. A file that fails to
// parse leaves the previous configuration in effect.
func (a *WatcherApp) reloadSettings(configPath string) ([]config.Account, bool) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		a.logger.Warn("ignoring unreadable settings file", logging.Field("error", err))
		return nil, false
	}
	accounts := config.SanitizeAccounts(settings.Accounts, a.logger)
	a.logger.Info("settings reloaded",
		logging.Field("accounts", len(accounts)),
		logging.Field("webhooks", len(settings.Destinations)),
	)
	if a.dispatcher != nil {
		a.dispatcher.SetDestinations(BuildDestinations(a.opts, settings, a.logger))
	}
	a.settings = settings
	return accounts, true
}

// forwardAccountUpdates relays reloaded account lists to the scheduler and
// fires the accounts hook for each one.
func (a *WatcherApp) forwardAccountUpdates(ctx context.Context, source <-chan []config.Account, target chan<- []config.Account) {
	defer close(target)
	for {
		accounts, ok := runctx.RecvOrDone(ctx, "account update forwarder", a.logger, source)
		if !ok {
			return
		}
		a.logger.Debug("forwarding account update", logging.Field("count", len(accounts)))
		a.notifyAccounts(accounts)
		if !runctx.SendOrDone(ctx, "account update forwarder", a.logger, target, accounts) {
			return
		}
	}
}

// BuildDestinations merges the file-configured webhooks with the single
// CLI/env destination, dropping anything unusable.
func BuildDestinations(opts config.Options, settings config.Settings, logger *logging.Logger) []config.Destination {
	destinations := settings.Destinations
	if url := strings.TrimSpace(opts.WebhookURL); url != "" {
		destinations = append(append([]config.Destination(nil), destinations...), config.Destination{URL: url})
	}
	return config.SanitizeDestinations(destinations, logger)
}

func (a *WatcherApp) validateLogDirectory() error {
	logDir := strings.TrimSpace(a.opts.LogDir)
	if logDir == "" {
		return fmt.Errorf("log directory is required")
	}
	info, err := os.Stat(logDir)
	if err != nil {
		// A missing directory is tolerated: Roblox may not have run yet.
		// The index logs it once and keeps polling.
		a.logger.Warn("log directory is not accessible yet", logging.Field("dir", logDir), logging.Field("error", err))
		return nil
	}
	if !info.IsDir() {
		return fmt.Errorf("log path is not a directory")
	}
	return nil
}

func (a *WatcherApp) logSummary(summary detect.SessionSummary) {
	a.logger.Info("session summary",
		logging.Field("duration", summary.Duration.Round(time.Second).String()),
		logging.Field("biomes_seen", len(summary.Tallies)),
	)
	if len(summary.Tallies) > 0 {
		a.logger.Debugf("session tallies: %v", summary.Tallies)
	}
}

type runtimeStatusState struct {
	mu      sync.Mutex
	current string
}

func (s *runtimeStatusState) update(status string) (string, string, bool) {
	trimmed := strings.TrimSpace(status)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == trimmed {
		return s.current, trimmed, false
	}
	previous := s.current
	s.current = trimmed
	return previous, trimmed, true
}

func (a *WatcherApp) notifyAccounts(accounts []config.Account) {
	if a.hooks.OnAccountsUpdate == nil {
		return
	}
	copied := append([]config.Account(nil), accounts...)
	a.hooks.OnAccountsUpdate(copied)
}

func (a *WatcherApp) setRuntimeStatus(status string) {
	previous, next, changed := a.status.update(status)
	if !changed {
		return
	}
	a.logger.Debug("runtime status transition",
		logging.Field("from", previous),
		logging.Field("to", next),
	)
	if a.hooks.OnStatusChange != nil {
		a.hooks.OnStatusChange(status)
	}
}
