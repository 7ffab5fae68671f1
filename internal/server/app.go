// Package server builds the application's dependencies and runs the HTTP
// server until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-api/internal/api"
	"github.com/JakeFAU/directory-api/internal/clock/system"
	"github.com/JakeFAU/directory-api/internal/config"
	"github.com/JakeFAU/directory-api/internal/fgas"
	"github.com/JakeFAU/directory-api/internal/google"
	"github.com/JakeFAU/directory-api/internal/id/uuid"
	"github.com/JakeFAU/directory-api/internal/logging"
	"github.com/JakeFAU/directory-api/internal/metrics"
	gcppublisher "github.com/JakeFAU/directory-api/internal/publisher/pubsub"
	"github.com/JakeFAU/directory-api/internal/record"
	"github.com/JakeFAU/directory-api/internal/refcom"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	closePublish func() error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("google_key_set", cfg.Google.APIKey != ""),
		zap.Bool("pubsub_enabled", cfg.PubSub.TopicName != ""),
	)
	if cfg.Google.APIKey == "" {
		logger.Warn("google.api_key is empty; places searches will fail upstream")
	}

	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	normalizer := record.NewNormalizer(clock, logger.Named("normalize"))

	places := google.New(google.Config{
		APIKey:             cfg.Google.APIKey,
		BaseURL:            cfg.Google.BaseURL,
		SearchRadiusMeters: cfg.Google.SearchRadiusMeters,
		Timeout:            config.Seconds(cfg.Google.TimeoutSeconds),
	}, normalizer, logger.Named("google"))

	registry := refcom.New(refcom.Config{
		BaseURL:        cfg.Refcom.BaseURL,
		PostcodeRadius: cfg.Refcom.PostcodeRadius,
		Scheme:         cfg.Refcom.Scheme,
		UserAgent:      cfg.Refcom.UserAgent,
		Timeout:        config.Seconds(cfg.Refcom.TimeoutSeconds),
	}, normalizer, logger.Named("refcom"))

	directory := fgas.New(fgasConfig(cfg.FGas), normalizer, logger.Named("fgas"))

	deps := api.Deps{
		Places:    places,
		Registry:  registry,
		Directory: directory,
		IDs:       uuid.New(),
		Clock:     clock,
		Logger:    logger.Named("api"),
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	app.apiServer = api.NewServer(deps, api.Options{
		RequestTimeout:     cfg.RequestTimeout(),
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	})
	return app, nil
}

func fgasConfig(c config.FGasConfig) fgas.Config {
	return fgas.Config{
		DirectoryURL:      c.DirectoryURL,
		WidgetURLFragment: c.WidgetURLFragment,
		DataEndpoint:      c.DataEndpoint,
		ChromePath:        c.ChromePath,
		UserAgent:         c.UserAgent,
		DefaultRecords:    c.DefaultRecords,
		MaxRecords:        c.MaxRecords,
		MaxParallel:       c.MaxParallel,
		LaunchTimeout:     config.Seconds(c.LaunchTimeoutSeconds),
		NavTimeout:        config.Seconds(c.NavTimeoutSeconds),
		FrameTimeout:      config.Seconds(c.FrameTimeoutSeconds),
		InputTimeout:      config.Seconds(c.InputTimeoutSeconds),
		ResponseTimeout:   config.Seconds(c.ResponseTimeoutSeconds),
		Settle:            time.Duration(c.SettleMillis) * time.Millisecond,
	}
}

// setupPublisher returns nil when no topic is configured; notifications are
// then skipped entirely.
func (a *App) setupPublisher(ctx context.Context) (*gcppublisher.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, search notifications disabled")
		return nil, nil
	}
	pub, closeFn, err := gcppublisher.Connect(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub init failed: %w", err)
	}
	a.closePublish = closeFn
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server and blocks until ctx is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close flushes pending notifications and releases clients.
func (a *App) Close() {
	a.apiServer.Drain()
	if a.closePublish != nil {
		if err := a.closePublish(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	// Sync commonly fails on stdout/stderr; nothing useful to do about it.
	_ = a.logger.Sync()
}
