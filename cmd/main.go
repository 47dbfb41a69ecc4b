/*
SPDX-License-Identifier: Apache-2.0

Copyright 2026 Genome Research Ltd.

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

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wtsi-hgi/cookiemonster/internal/api"
	"github.com/wtsi-hgi/cookiemonster/internal/config"
	"github.com/wtsi-hgi/cookiemonster/internal/cookiejar"
	"github.com/wtsi-hgi/cookiemonster/internal/document"
	"github.com/wtsi-hgi/cookiemonster/internal/measure"
	"github.com/wtsi-hgi/cookiemonster/internal/metrics"
	"github.com/wtsi-hgi/cookiemonster/internal/processor"
	"github.com/wtsi-hgi/cookiemonster/internal/registry"
	"github.com/wtsi-hgi/cookiemonster/internal/retriever"
	"github.com/wtsi-hgi/cookiemonster/internal/types"
)

const defaultConfigPath = "/etc/cookiemonster/config.yml"

var setupLog logr.Logger

// nolint:gocyclo
func main() {
	var configPath string
	var apiPort int
	var metricsPort int

	flag.StringVar(&configPath, "config", defaultConfigPath, "Path to the configuration file.")
	flag.IntVar(&apiPort, "api-port", 0, "Override api.port from the configuration.")
	flag.IntVar(&metricsPort, "metrics-port", 0, "Override metrics.port from the configuration.")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if apiPort != 0 {
		cfg.API.Port = apiPort
	}
	if metricsPort != 0 {
		cfg.Metrics.Port = metricsPort
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Logging.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}

	zapLog, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := zapr.NewLogger(zapLog)
	setupLog = log.WithName("setup")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := document.OpenBolt(cfg.CookieJar.StorePath, log.WithName("document"))
	handleErr(err, "unable to open the document store")
	defer logClose(store.Close, "problem closing the document store")

	measurements := measure.Discard

	switch cfg.Logging.Sink {
	case config.SinkInflux:
		sink, err := measure.NewInfluxSink(measure.InfluxConfig{
			Addr:       cfg.Logging.Influx.Addr,
			Username:   cfg.Logging.Influx.Username,
			Password:   cfg.Logging.Influx.Password,
			Database:   cfg.Logging.Influx.Database,
			StaticTags: cfg.Logging.Influx.Tags,
		}, log.WithName("influx"))
		handleErr(err, "unable to connect to InfluxDB")

		buffered := measure.NewBufferingLogger(sink, cfg.Logging.Buffer.MaxSize,
			cfg.Logging.Buffer.Latency(), log.WithName("measure"))
		defer buffered.Close()
		measurements = buffered
	case config.SinkLogr:
		buffered := measure.NewBufferingLogger(measure.NewLogrSink(log.WithName("measurements")),
			cfg.Logging.Buffer.MaxSize, cfg.Logging.Buffer.Latency(), log.WithName("measure"))
		defer buffered.Close()
		measurements = buffered
	}

	tin, err := cookiejar.NewBiscuitTin(store, cfg.CookieJar.DatabaseName, document.Options{
		MaxBufferSize: cfg.CookieJar.Buffer.MaxSize,
		BufferLatency: cfg.CookieJar.Buffer.Latency(),
		OnDischarge: func(int) {
			if metrics.BufferDischargesTotal != nil {
				metrics.BufferDischargesTotal.Add(context.Background(), 1)
			}
		},
	}, log)
	handleErr(err, "unable to create the cookie jar")
	handleErr(tin.Start(ctx), "unable to start the cookie jar")
	defer tin.Stop()

	var jar cookiejar.CookieJar = tin
	if cfg.Logging.Sink != config.SinkNone {
		jar = cookiejar.WithTiming(jar, measurements)
	}

	if cfg.CookieJar.RateLimitPerSecond > 0 {
		jar = cookiejar.WithRateLimit(jar, cfg.CookieJar.RateLimitPerSecond)
	}

	pluginCtx := &registry.Context{
		QueueLength: jar.QueueLength,
		FetchCookie: jar.Fetch,
	}

	rules := registry.NewRegistry[registry.Rule]("rules", log)
	loaders := registry.NewRegistry[registry.EnrichmentLoader]("enrichments", log)
	receivers := registry.NewRegistry[registry.Receiver]("receivers", log)

	if cfg.Rules.Dir != "" {
		watcher, err := registry.NewRuleWatcher(cfg.Rules.Dir, cfg.Rules.Pattern, rules, pluginCtx, log)
		handleErr(err, "unable to create the rule watcher")
		handleErr(watcher.Start(ctx), "unable to watch the rules directory")
		defer watcher.Stop()
	}

	if cfg.Enrichments.Dir != "" {
		watcher, err := registry.NewLoaderWatcher(cfg.Enrichments.Dir, cfg.Enrichments.Pattern,
			loaders, pluginCtx, log)
		handleErr(err, "unable to create the enrichment watcher")
		handleErr(watcher.Start(ctx), "unable to watch the enrichments directory")
		defer watcher.Stop()
	}

	if cfg.Receivers.Dir != "" {
		watcher, err := registry.NewReceiverWatcher(cfg.Receivers.Dir, cfg.Receivers.Pattern,
			receivers, pluginCtx, log)
		handleErr(err, "unable to create the receiver watcher")
		handleErr(watcher.Start(ctx), "unable to watch the receivers directory")
		defer watcher.Stop()
	}

	var logStore retriever.LogStore = retriever.NopLogStore{}

	if cfg.Retrieval.LogDSN != "" {
		sqlStore, err := retriever.OpenSQLLogStore(ctx, cfg.Retrieval.LogDSN, log.WithName("retrievallog"))
		handleErr(err, "unable to open the retrieval log")
		defer logClose(sqlStore.Close, "problem closing the retrieval log")
		logStore = sqlStore
	}

	if source := cfg.Retrieval.Source; source.Name != "" {
		updateSource, err := retriever.OpenSource(ctx, source.Name, source.Options, log)
		handleErr(err, "unable to open the update source")

		retrieverLog := log.WithName("retriever")
		manager := retriever.NewPeriodicManager(updateSource, logStore, cfg.Retrieval.Period(), retrieverLog)
		manager.AddListener(func(updates types.UpdateCollection) {
			for _, update := range updates {
				if err := jar.Enrich(ctx, update.Target, update.AsEnrichment(source.Name)); err != nil {
					retrieverLog.Error(err, "unable to enrich cookie", "target", update.Target)
				}
			}
		})

		// Resume from wherever the last run got to, unless the configured
		// start point is newer. The logged watermark is pre-cycle, so a
		// restart replays at most one retrieval window.
		since := cfg.Retrieval.StartFrom
		latest, err := logStore.Latest(ctx)
		handleErr(err, "unable to read the retrieval log")

		if latest != nil && latest.RetrievedSince.After(since) {
			since = latest.RetrievedSince
		}

		handleErr(manager.Start(ctx, since), "unable to start the retriever")
		defer manager.Stop()
	} else {
		setupLog.Info("no update source configured, retrieval disabled",
			"registered", retriever.SourceNames())
	}

	pool := processor.NewPool(jar, processor.Registries{
		Rules:     rules,
		Loaders:   loaders,
		Receivers: receivers,
	}, processor.Options{
		Workers:      cfg.Processor.Workers,
		RetryDelay:   cfg.Processor.RetryDelay(),
		Measurements: measurements,
	}, log.WithName("processor"))
	handleErr(pool.Start(ctx), "unable to start the processor pool")
	defer pool.Stop()

	if cfg.Logging.Sink != config.SinkNone {
		queueMonitor := measure.NewQueueDepthMonitor(measurements, cfg.Logging.MonitorPeriod(),
			jar.QueueLength, log.WithName("monitor"))
		queueMonitor.Start(ctx)
		defer queueMonitor.Stop()

		workerMonitor := measure.NewWorkerCountMonitor(measurements, cfg.Logging.MonitorPeriod(),
			pool.Busy, log.WithName("monitor"))
		workerMonitor.Start(ctx)
		defer workerMonitor.Stop()
	}

	if shutdown, err := metrics.InitExporter(ctx); err != nil {
		handleErr(err, "unable to initialize the metrics exporter")
	} else {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				setupLog.Error(err, "failed to shutdown metrics exporter")
			}
		}()
	}

	handleErr(metrics.RegisterQueueDepth(jar.QueueLength), "unable to register the queue depth gauge")
	handleErr(metrics.RegisterActiveWorkers(pool.Busy), "unable to register the worker gauge")

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	metricsMux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Metrics.Port),
		Handler: metricsMux,
	}

	go func() {
		setupLog.Info("starting metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			setupLog.Error(err, "problem running metrics server")
			os.Exit(1)
		}
	}()
	defer logClose(func() error { return metricsServer.Shutdown(context.Background()) },
		"problem shutting down metrics server")

	apiServer := api.NewServer(jar, cfg.API.Port, log.WithName("api"))
	handleErr(apiServer.Start(ctx), "unable to start the admin api")
	defer apiServer.Stop()

	setupLog.Info("cookie monster is up", "api", apiServer.Addr(), "workers", cfg.Processor.Workers)

	<-ctx.Done()
	setupLog.Info("shutting down")
}

func handleErr(err error, msg string) {
	if err != nil {
		setupLog.Error(err, msg)
		os.Exit(1)
	}
}

func logClose(close func() error, msg string) {
	if err := close(); err != nil {
		setupLog.Error(err, msg)
	}
}
