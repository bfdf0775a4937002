package runtime

import (
	"context"
	"net/http"
	"time"

	"biomewatch/internal/app"
	"biomewatch/internal/biomes"
	"biomewatch/internal/config"
	"biomewatch/internal/logging"
	"biomewatch/internal/stats"
	"biomewatch/internal/webhook"
)

const defaultHTTPTimeout = 10 * time.Second

type Service interface {
	RunContext(ctx context.Context) error
}

func NewService(opts config.Options, logger *logging.Logger) (Service, error) {
	return NewServiceWithHooks(opts, logger, StartHooks{})
}

// NewServiceWithHooks assembles the full watcher: settings, biome catalog,
// webhook dispatcher, stats store, and the app that runs them.
func NewServiceWithHooks(opts config.Options, logger *logging.Logger, hooks StartHooks) (Service, error) {
	if logger == nil {
		panic("runtime.NewServiceWithHooks: logger must not be nil")
	}

	settings, err := config.LoadSettings(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	opts = config.MergeOptionsWithSettings(opts, settings)
	if err := config.ValidateRequired(opts); err != nil {
		return nil, err
	}

	catalog := biomes.DefaultCatalog()
	if opts.CatalogPath != "" {
		catalog, err = biomes.LoadCatalog(opts.CatalogPath, logger)
		if err != nil {
			return nil, err
		}
	}
	logger.Debug("biome catalog loaded",
		logging.Field("entries", catalog.Len()),
		logging.Field("source", catalogSource(opts.CatalogPath)),
	)

	destinations := app.BuildDestinations(opts, settings, logger)
	var dispatcher *webhook.Dispatcher
	if len(destinations) > 0 {
		httpClient := &http.Client{Timeout: defaultHTTPTimeout}
		dispatcher = webhook.NewDispatcher(httpClient, destinations, catalog, logger)
	} else {
		logger.Warn("no webhook destinations configured, transitions will only be logged")
	}

	var store *stats.Store
	if opts.StatsDB != "" {
		store, err = stats.Open(opts.StatsDB)
		if err != nil {
			logger.Warn("session statistics disabled", logging.Field("error", err))
			store = nil
		}
	}

	return app.New(opts, settings, catalog, dispatcher, store, logger, app.Callbacks{
		OnAccountsUpdate: hooks.OnAccountsUpdate,
		OnTransition:     hooks.OnTransition,
		OnStatusChange:   hooks.OnStatus,
	}), nil
}

func catalogSource(path string) string {
	if path == "" {
		return "builtin"
	}
	return path
}
