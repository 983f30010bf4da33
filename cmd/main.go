package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hixprotocol/hix/internal/adapters/bgtask"
	"github.com/hixprotocol/hix/internal/adapters/http/api"
	"github.com/hixprotocol/hix/internal/adapters/kv"
	"github.com/hixprotocol/hix/internal/adapters/sensor"
	"github.com/hixprotocol/hix/internal/adapters/uploader"
	"github.com/hixprotocol/hix/internal/app"
	"github.com/hixprotocol/hix/internal/config"
	"github.com/hixprotocol/hix/internal/domain/reward"
	"github.com/hixprotocol/hix/pkg/logger"
)

// HTTP server timeout constants.
const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func main() {
	operator := flag.String("operator", "", "start a capture session for this operator at boot")
	flag.Parse()

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *operator); err != nil {
		logger.Get().Error(ctx, "node exited with error", logger.Error(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, operatorFlag string) error {
	// Load configuration (defaults -> .env -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if cfg.LogFormat != "" && cfg.LogFormat != "text" {
		if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
			return err
		}
	}
	log := logger.Named("main")
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	store, err := kv.Open(ctx, storeConfig(cfg))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn(ctx, "store close failed", logger.Error(err))
		}
	}()

	if cfg.CollectorURL == "" {
		log.Warn(ctx, "collector_url not set; uploads will fail and entries stay pending")
	}
	up := newUploader(cfg)
	src, ingester := newSource(cfg)

	svc := app.New(store, src, up, serviceOptions(cfg)...)
	if err := svc.Restore(ctx); err != nil {
		log.Warn(ctx, "continuing without restored state", logger.Error(err))
	}

	host := bgtask.NewLocalHost()
	if cfg.BackgroundEnabled {
		if err := host.Register(registration(cfg), bgtask.NewFlushTask(svc.Flusher(), config.Millis(cfg.BackgroundBudgetMS))); err != nil {
			return fmt.Errorf("register background task: %w", err)
		}
	}

	apiOpts := []api.Option{api.WithStatsInterval(config.Millis(cfg.StatsPushIntervalMS))}
	if ingester != nil {
		apiOpts = append(apiOpts, api.WithIngester(ingester))
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(svc, apiOpts...).Router(),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	if op := bootOperator(operatorFlag, cfg, svc.Operator()); op != "" {
		if err := svc.Start(ctx, op); err != nil {
			log.Error(ctx, "auto-start failed", logger.String("operator", op), logger.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		host.Start(gctx)
		<-gctx.Done()
		host.Wait()
		return nil
	})
	g.Go(func() error {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(ctx, "shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(ctx, "server shutdown failed", logger.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	// The session outlives the root context so its final flush gets a fresh one.
	if svc.Capturing() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if _, err := svc.Stop(stopCtx); err != nil {
			log.Error(stopCtx, "session stop failed", logger.Error(err))
		}
	}
	log.Info(ctx, "node stopped")
	return runErr
}

func storeConfig(cfg *config.Config) kv.Config {
	return kv.Config{
		Driver:        cfg.StoreDriver,
		SQLitePath:    cfg.SQLitePath,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		KeyPrefix:     cfg.RedisKeyPrefix,
	}
}

func newUploader(cfg *config.Config) *uploader.HTTPClient {
	return uploader.NewHTTPClient(
		uploader.WithEndpoint(cfg.CollectorURL),
		uploader.WithAPIKey(cfg.CollectorAPIKey),
		uploader.WithTable(cfg.CollectorTable),
		uploader.WithMode(cfg.UploadMode),
		uploader.WithTimeout(config.Millis(cfg.UploadTimeoutMS)),
	)
}

// newSource builds the configured sensor source. The ingester is non-nil only
// for the http source.
func newSource(cfg *config.Config) (sensor.Source, api.Ingester) {
	switch cfg.SensorSource {
	case "mqtt":
		return sensor.NewMQTTSource(
			sensor.WithBroker(cfg.MQTTBroker),
			sensor.WithClientID(cfg.MQTTClientID),
			sensor.WithTopics(sensor.Topics{
				Acceleration: cfg.MQTTTopicAccel,
				Rotation:     cfg.MQTTTopicGyro,
				Distance:     cfg.MQTTTopicDist,
			}),
		), nil
	case "http":
		src := sensor.NewHTTPSource()
		return src, src
	default:
		return sensor.NewSimulatedSource(config.Millis(cfg.SensorIntervalMS)), nil
	}
}

func serviceOptions(cfg *config.Config) []app.Option {
	return []app.Option{
		app.WithQueueCapacity(cfg.QueueCapacity),
		app.WithMaxAttempts(uint(cfg.MaxAttempts)),
		app.WithBatchSize(cfg.BatchSize),
		app.WithFlushInterval(config.Millis(cfg.FlushIntervalMS)),
		app.WithBackoff(config.Millis(cfg.BackoffInitialMS), config.Millis(cfg.BackoffMaxMS)),
		app.WithMagnitudeRange(cfg.MinMagnitude, cfg.MaxMagnitude),
		app.WithTaskMultiplier(cfg.TaskMultiplier),
		app.WithCapabilities(reward.Capabilities{
			Location:   cfg.LocationGranted,
			Background: cfg.BackgroundGranted,
		}),
		app.WithRewardOptions(
			reward.WithBaseRate(cfg.BaseRate),
			reward.WithMaxTier(cfg.MaxTier),
			reward.WithMaxTaskMultiplier(cfg.MaxTaskMultiplier),
			reward.WithBonus(cfg.MaxBonus, cfg.BonusPerKm),
		),
	}
}

func registration(cfg *config.Config) bgtask.Registration {
	reg := bgtask.DefaultRegistration()
	reg.MinimumInterval = config.Millis(cfg.BackgroundIntervalMS)
	return reg
}

// bootOperator picks who a session is started for at boot, if anyone. The
// flag wins; auto_start falls back to the configured then the persisted
// identity.
func bootOperator(flagValue string, cfg *config.Config, persisted string) string {
	if flagValue != "" {
		return flagValue
	}
	if !cfg.AutoStart {
		return ""
	}
	if cfg.Operator != "" {
		return cfg.Operator
	}
	return persisted
}
