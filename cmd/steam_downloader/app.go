package main

import (
	"context"
	"database/sql"
	"errors"

	"github.com/italolelis/steam_downloader/internal/catalog"
	"github.com/italolelis/steam_downloader/internal/config"
	"github.com/italolelis/steam_downloader/internal/downloader"
	"github.com/italolelis/steam_downloader/internal/logctx"
	"github.com/italolelis/steam_downloader/internal/notifier"
	"github.com/italolelis/steam_downloader/internal/settings"
	"github.com/italolelis/steam_downloader/internal/steamcmd"
	"github.com/italolelis/steam_downloader/internal/storage/sqlite"
	"github.com/italolelis/steam_downloader/internal/telemetry"
)

// components is the explicitly constructed object graph shared by every
// command.
type components struct {
	tel      *telemetry.Telemetry
	database *sql.DB
	history  *sqlite.InstrumentedJobRepository
	settings *settings.Store
	catalog  *catalog.Store
	tool     *steamcmd.Controller
	queue    *downloader.Queue
}

func build(ctx context.Context, cfg *config.Config) (*components, error) {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:             cfg.TelemetryEnabled,
		ServiceName:         serviceName,
		ServiceVersion:      version,
		OTLPMetricsEndpoint: cfg.OTLPMetricsEndpoint,
	})
	if err != nil {
		return nil, err
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)
		return nil, errors.Join(err, tel.Shutdown(ctx))
	}

	c := &components{
		tel:      tel,
		database: database,
		history:  sqlite.NewInstrumentedJobRepository(database, tel),
	}

	// =========================================================================
	// Start Stores
	c.settings = settings.Open(ctx, cfg.SettingsPath, settings.Defaults(cfg.DownloadRoot, cfg.SteamCMDPath))
	c.catalog = catalog.Open(ctx, cfg.CatalogPath, catalog.WithTelemetry(tel))

	// =========================================================================
	// Start SteamCMD Controller
	persistPath := func(path string) {
		if err := c.settings.Set(settings.KeySteamCMDPath, path); err != nil {
			logger.Error("failed to persist steamcmd path", "err", err)
		}
	}

	c.tool = steamcmd.NewController(steamcmd.Config{
		InstallPath:   c.settings.Preferences().SteamCMDPath,
		FallbackPath:  cfg.SteamCMDFallbackPath,
		ProbeTimeout:  cfg.ProbeTimeout,
		ArchiveURL:    cfg.SteamCMDArchiveURL,
		BootstrapDeps: cfg.SteamCMDBootstrapDeps,
		Telemetry:     tel,
		PathSource:    func() string { return c.settings.Preferences().SteamCMDPath },
		OnPathChange:  persistPath,
	})

	// =========================================================================
	// Start Download Queue
	c.queue = downloader.NewQueue(c.tool, c.catalog, c.settings, downloader.Config{
		AltDownloadRoot: cfg.AltDownloadRoot,
		JobTimeout:      cfg.JobTimeout,
		Retention:       cfg.JobRetention,
		Telemetry:       tel,
		Observers:       c.observers(ctx, cfg),
	})

	return c, nil
}

func (c *components) observers(ctx context.Context, cfg *config.Config) []downloader.Observer {
	observers := []downloader.Observer{downloader.NewHistoryRecorder(c.history)}

	if cfg.DiscordWebhookURL != "" {
		logctx.LoggerFromContext(ctx).Info("discord notifications enabled")
		observers = append(observers, notifier.NewJobNotifier(&notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}))
	}

	return observers
}

func (c *components) Close(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if err := c.database.Close(); err != nil {
		logger.Error("failed to close database", "err", err)
	}

	if err := c.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		logger.Error("failed to shutdown telemetry", "err", err)
	}
}
