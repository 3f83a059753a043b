/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 AlertSentinel

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command sentinel ingests transient-astronomy alerts, resolves observing
// strategies and materializes surveys into the observation database.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/astrosentinel/alert-sentinel/internal/alertdb"
	"github.com/astrosentinel/alert-sentinel/internal/config"
	"github.com/astrosentinel/alert-sentinel/internal/dispatcher"
	"github.com/astrosentinel/alert-sentinel/internal/handler"
	"github.com/astrosentinel/alert-sentinel/internal/listener"
	"github.com/astrosentinel/alert-sentinel/internal/logging"
	"github.com/astrosentinel/alert-sentinel/internal/metrics"
	"github.com/astrosentinel/alert-sentinel/internal/notifier"
	"github.com/astrosentinel/alert-sentinel/internal/obsdb"
	"github.com/astrosentinel/alert-sentinel/internal/queue"
	"github.com/astrosentinel/alert-sentinel/internal/skymap"
	"github.com/astrosentinel/alert-sentinel/internal/strategy"
)

func main() {
	var configPath string
	var replayPath string
	var development bool
	flag.StringVar(&configPath, "config", "sentinel.yaml", "Path to the configuration file.")
	flag.StringVar(&replayPath, "replay", "", "Ingest a single raw alert file instead of listening, then exit.")
	flag.BoolVar(&development, "dev", false, "Use human-readable console logging.")
	flag.Parse()

	log, err := logging.New(development)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logging:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(log, configPath, replayPath); err != nil && err != context.Canceled {
		log.Fatal("sentinel exited", zap.Error(err))
	}
}

func run(log *zap.Logger, configPath, replayPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := promclient.NewRegistry()
	shutdownMetrics, err := metrics.InitExporter(ctx, registry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			log.Error("failed to shutdown metrics exporter", zap.Error(err))
		}
	}()

	alerts, err := alertdb.Open(ctx, cfg.AlertDBDSN, log)
	if err != nil {
		return err
	}
	defer alerts.Close()

	obs, err := obsdb.Open(ctx, cfg.ObsDBDSN, log)
	if err != nil {
		return err
	}
	defer obs.Close()

	catalog, err := strategy.LoadCatalog()
	if err != nil {
		return err
	}

	fetcher := skymap.NewFetcher(cfg.SkymapTimeout)
	notify := notifier.New(cfg.Slack, cfg.Sites, log)
	h := handler.New(alerts, obs, catalog, fetcher, log)
	q := queue.NewNoticeQueue()
	tracker := listener.NewTracker()
	ingestor := listener.NewIngestor(q, log)
	disp := dispatcher.New(q, h, alerts, fetcher, notify,
		cfg.IgnoredRoleSet(), log)

	if replayPath != "" {
		return replay(ctx, log, ingestor, q, disp, replayPath)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.MetricsPort),
		Handler: mux,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting metrics server", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	warn := func(ctx context.Context, text string) { notify.Warn(ctx, text) }

	switch cfg.ListenerMode {
	case config.ModeStream:
		stream := listener.NewStreamListener(cfg.Kafka, ingestor, tracker, log, warn)
		g.Go(func() error { return stream.Run(ctx) })
	case config.ModeSocket:
		socket := listener.NewSocketListener(cfg.VOServer, cfg.LocalIVO, ingestor, tracker, log)
		g.Go(func() error { return socket.Run(ctx) })
	}

	monitor := listener.NewMonitor(tracker, log, warn)
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return disp.Run(ctx) })

	log.Info("sentinel started",
		zap.String("mode", string(cfg.ListenerMode)),
		zap.Int("metrics_port", cfg.MetricsPort))
	return g.Wait()
}

// replay ingests one raw alert file through the normal pipeline and exits
// once the queue drains.
func replay(ctx context.Context, log *zap.Logger, ing *listener.Ingestor, q *queue.NoticeQueue, disp *dispatcher.Dispatcher, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read replay file: %w", err)
	}
	if !ing.Ingest(ctx, raw) {
		return fmt.Errorf("replay file %s could not be decoded", path)
	}
	log.Info("replaying alert", zap.String("file", path))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for q.Size() > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		// One extra grace period so the dispatcher finishes the in-flight
		// notice before cancellation.
		time.Sleep(time.Second)
		cancel()
	}()
	err = disp.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}
