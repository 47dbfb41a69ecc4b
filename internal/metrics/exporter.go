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

/*
Package metrics provides the OpenTelemetry-based metrics exporter for
Cookie Monster. Instruments are bridged to a Prometheus registry served
at /metrics. Components add to the package-level instruments directly;
before InitExporter has run the instruments are nil, so callers outside
the wired binary guard their use.
*/
package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Registry backs the /metrics endpoint. The runtime collectors are
// registered once here; InitExporter adds the bridged OTel reader.
var Registry = func() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}()

var (
	otelMeter metric.Meter

	// UpdatesRetrievedTotal counts updates fetched from the sources.
	UpdatesRetrievedTotal metric.Int64Counter
	// RetrievalCyclesTotal counts completed retrieval cycles.
	RetrievalCyclesTotal metric.Int64Counter
	// RetrievalFailuresTotal counts retrieval cycles that errored.
	RetrievalFailuresTotal metric.Int64Counter
	// RetrievalDurationSeconds records how long each cycle took.
	RetrievalDurationSeconds metric.Float64Histogram

	// CookiesProcessedTotal counts cookies that reached a settled outcome.
	CookiesProcessedTotal metric.Int64Counter
	// CookiesFailedTotal counts cookies returned to the queue after a failure.
	CookiesFailedTotal metric.Int64Counter
	// TimeToProcessSeconds records the wall time of each processed cookie.
	TimeToProcessSeconds metric.Float64Histogram
	// NotificationsDeliveredTotal counts notifications accepted by receivers.
	NotificationsDeliveredTotal metric.Int64Counter

	// EnrichmentsAppliedTotal counts enrichments written to the jar.
	EnrichmentsAppliedTotal metric.Int64Counter
	// BufferDischargesTotal counts document write buffer discharges.
	BufferDischargesTotal metric.Int64Counter

	// PluginLoadsTotal counts plug-in files loaded into a registry.
	PluginLoadsTotal metric.Int64Counter
	// PluginLoadFailuresTotal counts plug-in files that failed to load.
	PluginLoadFailuresTotal metric.Int64Counter

	// APIRequestsTotal counts admin API requests served.
	APIRequestsTotal metric.Int64Counter
)

// InitExporter initialises the OTel-to-Prometheus bridge and the
// package-level instruments.
func InitExporter(_ context.Context) (func(context.Context) error, error) {
	fmt.Println("Initializing metrics exporter")

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(Registry),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	otelMeter = provider.Meter("cookiemonster")

	// Register instruments in compact loops to keep complexity low.
	type cSpec struct {
		name string
		dest *metric.Int64Counter
	}
	type hSpec struct {
		name string
		dest *metric.Float64Histogram
	}

	counters := []cSpec{
		{"cookiemonster_updates_retrieved_total", &UpdatesRetrievedTotal},
		{"cookiemonster_retrieval_cycles_total", &RetrievalCyclesTotal},
		{"cookiemonster_retrieval_failures_total", &RetrievalFailuresTotal},
		{"cookiemonster_cookies_processed_total", &CookiesProcessedTotal},
		{"cookiemonster_cookies_failed_total", &CookiesFailedTotal},
		{"cookiemonster_notifications_delivered_total", &NotificationsDeliveredTotal},
		{"cookiemonster_enrichments_applied_total", &EnrichmentsAppliedTotal},
		{"cookiemonster_buffer_discharges_total", &BufferDischargesTotal},
		{"cookiemonster_plugin_loads_total", &PluginLoadsTotal},
		{"cookiemonster_plugin_load_failures_total", &PluginLoadFailuresTotal},
		{"cookiemonster_api_requests_total", &APIRequestsTotal},
	}
	for _, s := range counters {
		v, err := otelMeter.Int64Counter(s.name)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	hists := []hSpec{
		{"cookiemonster_retrieval_duration_seconds", &RetrievalDurationSeconds},
		{"cookiemonster_time_to_process_seconds", &TimeToProcessSeconds},
	}
	for _, s := range hists {
		v, err := otelMeter.Float64Histogram(s.name)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	return func(shutdownCtx context.Context) error {
		fmt.Println("Shutting down metrics exporter")
		return provider.Shutdown(shutdownCtx)
	}, nil
}

// RegisterQueueDepth points the cookiemonster_queue_depth gauge at
// length, typically the jar's QueueLength. Call after InitExporter.
func RegisterQueueDepth(length func(ctx context.Context) (int, error)) error {
	if otelMeter == nil {
		return errors.New("metrics exporter not initialised")
	}

	_, err := otelMeter.Int64ObservableGauge("cookiemonster_queue_depth",
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			depth, err := length(ctx)
			if err != nil {
				return err
			}

			o.Observe(int64(depth))

			return nil
		}))

	return err
}

// RegisterActiveWorkers points the cookiemonster_active_workers gauge at
// count, typically the pool's busy-worker count. Call after InitExporter.
func RegisterActiveWorkers(count func() int) error {
	if otelMeter == nil {
		return errors.New("metrics exporter not initialised")
	}

	_, err := otelMeter.Int64ObservableGauge("cookiemonster_active_workers",
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(count()))
			return nil
		}))

	return err
}
