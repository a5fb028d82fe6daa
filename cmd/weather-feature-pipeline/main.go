package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/weather-feature-pipeline/internal/api/http"
	"github.com/i474232898/weather-feature-pipeline/internal/config"
	"github.com/i474232898/weather-feature-pipeline/internal/logging"
	"github.com/i474232898/weather-feature-pipeline/internal/metrics"
	"github.com/i474232898/weather-feature-pipeline/internal/scheduler"
	"github.com/i474232898/weather-feature-pipeline/internal/sink/featurestore"
	"github.com/i474232898/weather-feature-pipeline/internal/sink/influx"
	"github.com/i474232898/weather-feature-pipeline/internal/sink/parquetexport"
	"github.com/i474232898/weather-feature-pipeline/internal/sink/sqlstore"
	"github.com/i474232898/weather-feature-pipeline/internal/store"
	"github.com/i474232898/weather-feature-pipeline/internal/tracing"
	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"github.com/i474232898/weather-feature-pipeline/internal/weather/providers"
)

var version = "dev"

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to config.yaml (default ./config.yaml when present)")
		once       = pflag.Bool("once", false, "run the pipeline once and exit")
		startDate  = pflag.String("start-date", "", "first date to fetch (YYYY-MM-DD), default today")
		endDate    = pflag.String("end-date", "", "last date to fetch (YYYY-MM-DD), default start-date")
		serve      = pflag.Bool("serve", true, "serve the HTTP API alongside the scheduler")
	)
	pflag.Parse()

	if err := run(*configPath, *once, *serve, *startDate, *endDate); err != nil {
		fmt.Fprintf(os.Stderr, "weather-feature-pipeline: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, once, serve bool, startDate, endDate string) error {
	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Shared HTTP client for outbound calls.
	httpClient := &http.Client{
		Timeout:   cfg.OpenMeteo.HTTPTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	recorder := metrics.NewPrometheusRecorder()

	var cache *providers.PayloadCache
	if cfg.Cache.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		defer func() { _ = rdb.Close() }()
		cache = providers.NewPayloadCache(rdb, cfg.Cache.TTL, log)
	}

	var geocoder providers.Geocoder
	if cfg.Geocoding.APIKey != "" {
		geocoder = providers.NewGoogleGeocoder(cfg.Geocoding.APIKey)
	}
	cities, err := providers.ResolveCities(ctx, cfg.Cities, geocoder)
	if err != nil {
		return fmt.Errorf("resolve cities: %w", err)
	}

	fetcher, err := providers.NewOpenMeteoProvider(providers.OpenMeteoConfig{
		ForecastURL: cfg.OpenMeteo.ForecastURL,
		ArchiveURL:  cfg.OpenMeteo.ArchiveURL,
		Timezone:    cfg.OpenMeteo.Timezone,
		Breaker:     cfg.OpenMeteo.Breaker,
		Client:      httpClient,
		Cache:       cache,
		Observer:    recorder,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("open-meteo provider: %w", err)
	}

	sinks, closers, err := buildSinks(ctx, cfg, httpClient, log)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	if err != nil {
		return err
	}

	// In-memory run history with configured retention.
	memStore := store.NewMemoryStore(cfg.Store.MaxHistory, cfg.Store.MaxAge)

	service := weather.NewService(fetcher, cities, sinks, memStore,
		weather.WithLogger(log),
		weather.WithRecorder(recorder),
		weather.WithLocation(loc),
	)

	if once {
		req := weather.RunRequest{Trigger: "cli"}
		if startDate != "" || endDate != "" {
			req.Dates, err = weather.NewDateRange(startDate, endDate)
			if err != nil {
				return err
			}
		}
		report, err := service.Run(ctx, req)
		if err != nil {
			return fmt.Errorf("run %s: %w", report.ID, err)
		}
		log.Infow("pipeline run finished", "run_id", report.ID, "rows", report.Rows, "dates", report.Dates.String())
		return nil
	}

	// Scheduler that periodically runs the pipeline.
	sched := scheduler.New(cfg.Schedule.Cron, loc, cfg.Schedule.Timeout, service, log)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if !serve {
		log.Infow("weather feature pipeline started without HTTP API", "cities", len(cities), "version", version)
		<-ctx.Done()
		return nil
	}

	writeTimeout := cfg.Schedule.Timeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Minute
	}
	app := httpapi.NewApp(writeTimeout)
	httpapi.RegisterRoutes(app, service, memStore, recorder.Handler())

	go func() {
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			log.Errorw("fiber server stopped", "error", err)
		}
	}()
	log.Infow("weather feature pipeline started", "port", cfg.Server.Port, "cities", len(cities), "version", version)

	// Wait for termination signal
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warnw("error during shutdown", "error", err)
	}
	return nil
}

// buildSinks creates the enabled sinks in configured order. Closers are
// returned even on error so partially built sinks are released.
func buildSinks(ctx context.Context, cfg *config.AppConfig, httpClient *http.Client, log *zap.SugaredLogger) ([]weather.Sink, []io.Closer, error) {
	var (
		sinks   []weather.Sink
		closers []io.Closer
	)
	for _, name := range cfg.Sinks.Enabled {
		switch name {
		case config.SinkFeatureStore:
			fsCfg := cfg.Sinks.FeatureStore
			client := featurestore.NewClient(httpClient, fsCfg.BatchSize)
			sinks = append(sinks, featurestore.NewSink(client, fsCfg, log.Named("featurestore")))

		case config.SinkSQL:
			db, err := sqlstore.Open(cfg.Sinks.SQL)
			if err != nil {
				return sinks, closers, err
			}
			if sqlDB, err := db.DB(); err == nil {
				closers = append(closers, sqlDB)
			}
			s := sqlstore.New(db, cfg.Sinks.SQL, log.Named("sql"))
			if cfg.Sinks.SQL.AutoMigrate {
				if err := s.Migrate(ctx); err != nil {
					return sinks, closers, err
				}
			}
			sinks = append(sinks, s)

		case config.SinkInflux:
			s, err := influx.New(cfg.Sinks.Influx, log.Named("influx"))
			if err != nil {
				return sinks, closers, err
			}
			closers = append(closers, s)
			sinks = append(sinks, s)

		case config.SinkParquet:
			p := cfg.Sinks.Parquet
			uploader, err := parquetexport.NewUploader(ctx, p.Target, p.Local, p.S3, p.GCS)
			if err != nil {
				return sinks, closers, err
			}
			s := parquetexport.NewSink(uploader, p.Prefix, log.Named("parquet"))
			closers = append(closers, s)
			sinks = append(sinks, s)

		default:
			return sinks, closers, errors.New("unknown sink " + name)
		}
	}
	return sinks, closers, nil
}
