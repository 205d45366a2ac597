// Command etl runs one ingestion pass of the Toronto festivals-events feed
// into daily JSON-LD partition files, then exits.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/festival-events-etl/internal/adapter/ckan"
	httpadapter "github.com/couchcryptid/festival-events-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/festival-events-etl/internal/adapter/kafka"
	"github.com/couchcryptid/festival-events-etl/internal/adapter/mapbox"
	s3adapter "github.com/couchcryptid/festival-events-etl/internal/adapter/s3"
	"github.com/couchcryptid/festival-events-etl/internal/config"
	"github.com/couchcryptid/festival-events-etl/internal/domain"
	"github.com/couchcryptid/festival-events-etl/internal/observability"
	"github.com/couchcryptid/festival-events-etl/internal/partition"
	"github.com/couchcryptid/festival-events-etl/internal/pipeline"
	"github.com/couchcryptid/festival-events-etl/internal/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger, metrics)
	stop()

	if cfg.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if perr := observability.Push(pushCtx, cfg.PushgatewayURL, prometheus.DefaultGatherer); perr != nil {
			logger.Error("metrics push failed", "error", perr)
		}
		cancel()
	}

	if err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	store, err := partition.NewStore(cfg.OutputDir, logger, metrics)
	if err != nil {
		return err
	}

	// Geocoding is feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN.
	var geocoder domain.Geocoder
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, logger, metrics)
		geocoder = mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	opts := pipeline.Options{
		ProgressEvery: cfg.ProgressEvery,
		BatchSize:     cfg.BatchSize,
	}
	if cfg.KafkaEnabled() {
		writer := kafkaadapter.NewWriter(cfg, logger)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		opts.Publisher = writer
		logger.Info("change publishing enabled", "topic", cfg.KafkaTopic)
	}
	if cfg.S3Enabled() {
		mirror, err := s3adapter.NewMirror(ctx, s3adapter.Config{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		}, store, logger)
		if err != nil {
			return err
		}
		opts.Mirror = mirror
		logger.Info("partition mirror enabled", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
	}

	feed := ckan.NewClient(ckan.Config{
		BaseURL:    cfg.CKANBaseURL,
		Package:    cfg.CKANPackage,
		Timeout:    cfg.HTTPTimeout,
		MaxRetries: cfg.HTTPMaxRetries,
	}, logger)
	driver := pipeline.New(feed, pipeline.NewTransformer(geocoder, logger), reconcile.New(store, logger), logger, metrics, opts)

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if cfg.HTTPAddr != "" {
		srv := httpadapter.NewServer(cfg.HTTPAddr, driver, logger)
		g.Go(func() error { return srv.Run(serverCtx, cfg.ShutdownTimeout) })
	}

	var summary pipeline.Summary
	g.Go(func() error {
		defer stopServer()
		var err error
		summary, err = driver.Run(gctx)
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Warn("run interrupted", "written", summary.Written)
	}
	if err != nil {
		return err
	}

	logger.Info("run complete",
		"run_id", summary.RunID,
		"written", summary.Written,
		"failed", summary.Failed,
		"output_dir", cfg.OutputDir,
		"duration", summary.Duration.Round(time.Millisecond),
	)
	return nil
}
