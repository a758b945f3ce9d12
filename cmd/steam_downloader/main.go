package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/steam_downloader/internal/cleanup"
	"github.com/italolelis/steam_downloader/internal/config"
	"github.com/italolelis/steam_downloader/internal/http/rest"
	"github.com/italolelis/steam_downloader/internal/job"
	"github.com/italolelis/steam_downloader/internal/logctx"
	"github.com/italolelis/steam_downloader/internal/telemetry"
	"github.com/urfave/cli"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName = "steam_downloader"
	version     = "dev"

	pollInterval = time.Second
)

func main() {
	app := cli.NewApp()
	app.Name = serviceName
	app.Usage = "Queue SteamCMD downloads and keep a catalog of installed apps"
	app.HideVersion = true
	app.Action = withRuntime(serve)

	app.Commands = cli.Commands{
		cli.Command{
			Name:   "serve",
			Usage:  "Start the download worker and the API web server",
			Action: withRuntime(serve),
		},
		cli.Command{
			Name:   "selftest",
			Usage:  "Install SteamCMD if needed and check that it starts",
			Action: withRuntime(selfTest),
		},
		cli.Command{
			Name:  "download",
			Usage: "Download one app and wait for it to finish",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "content-id, id",
					Usage: "Steam app `ID` to download",
				},
				cli.StringFlag{
					Name:  "name",
					Usage: "`NAME` recorded in the catalog",
				},
			},
			Action: withRuntime(download),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

type commandFunc func(ctx context.Context, cfg *config.Config, c *cli.Context) error

// withRuntime loads the configuration, installs the logger and a
// signal-aware context before running fn.
func withRuntime(fn commandFunc) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}

		handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
		logger := slog.New(handler)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return fn(logctx.WithLogger(ctx, logger), cfg, c)
	}
}

func serve(ctx context.Context, cfg *config.Config, _ *cli.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("steam downloader starting...", "log_level", cfg.LogLevel)

	comps, err := build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build components: %w", err)
	}
	defer comps.Close(ctx)

	server := setupServer(ctx, cfg, comps)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		comps.queue.Start(ctx)
		<-ctx.Done()

		logger.Info("waiting for in-flight download to finish")
		comps.queue.Stop()

		return nil
	})

	g.Go(func() error {
		cleanup.Run(ctx, comps.history, cfg.CleanupInterval, cfg.KeepHistoryFor)
		return nil
	})

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for download jobs...",
		"download_root", cfg.DownloadRoot,
		"steamcmd_path", comps.tool.InstallPath(),
		"job_timeout", cfg.JobTimeout.String(),
		"job_retention", cfg.JobRetention,
	)

	return g.Wait()
}

func selfTest(ctx context.Context, cfg *config.Config, _ *cli.Context) error {
	comps, err := build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build components: %w", err)
	}
	defer comps.Close(ctx)

	if err := comps.tool.SelfTest(ctx); err != nil {
		return fmt.Errorf("steamcmd self-test failed: %w", err)
	}

	logctx.LoggerFromContext(ctx).Info("steamcmd is ready", "install_path", comps.tool.InstallPath())

	return nil
}

func download(ctx context.Context, cfg *config.Config, c *cli.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	comps, err := build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build components: %w", err)
	}
	defer comps.Close(ctx)

	id, err := comps.queue.Submit(c.Int("content-id"), c.String("name"))
	if err != nil {
		return err
	}

	comps.queue.Start(ctx)
	defer comps.queue.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j, ok := comps.queue.Status(id)
			if !ok {
				return fmt.Errorf("job %s disappeared", id)
			}

			logger.Info("download status", "job_id", id, "status", j.Status, "progress", j.Progress)

			switch j.Status {
			case job.StatusCompleted:
				return nil
			case job.StatusFailed:
				return errors.New(j.Error)
			}
		}
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, comps *components) *http.Server {
	api := rest.NewAPIHandler(comps.queue, comps.catalog, comps.settings, comps.tool, comps.history, rest.Credentials{
		Username: cfg.Web.Username,
		Password: cfg.Web.Password,
	})

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(comps.tel).Middleware)

	r.Handle("/metrics", comps.tel.Handler())
	r.Mount("/", api.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, serviceName),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
