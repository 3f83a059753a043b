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

/*
Package metrics provides the OpenTelemetry-based metrics exporter for the
alert sentinel. It configures Prometheus-compatible metrics collection for
monitoring the ingestion pipeline.
*/
package metrics

import (
	"context"
	"fmt"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	otelMeter metric.Meter

	// NoticesReceivedTotal counts raw messages received from the broker or socket.
	NoticesReceivedTotal metric.Int64Counter
	// NoticesDroppedTotal counts notices dropped before handling (bad payload,
	// ignored role, duplicate IVORN, unknown event type).
	NoticesDroppedTotal metric.Int64Counter
	// NoticesHandledTotal counts notices that completed the handler.
	NoticesHandledTotal metric.Int64Counter
	// HandlerErrorsTotal counts handler invocations that returned an error.
	HandlerErrorsTotal metric.Int64Counter
	// SurveysCreatedTotal counts surveys written to the observation database.
	SurveysCreatedTotal metric.Int64Counter
	// TargetsCreatedTotal counts targets written to the observation database.
	TargetsCreatedTotal metric.Int64Counter
	// TargetsTombstonedTotal counts targets marked deleted by updated notices.
	TargetsTombstonedTotal metric.Int64Counter
	// SkymapDownloadsTotal counts skymap HTTP fetch attempts.
	SkymapDownloadsTotal metric.Int64Counter
	// SkymapDownloadFailuresTotal counts failed skymap fetches.
	SkymapDownloadFailuresTotal metric.Int64Counter
	// HeartbeatTimeoutsTotal counts listener silence warnings.
	HeartbeatTimeoutsTotal metric.Int64Counter
	// FollowupsSpawnedTotal counts Fermi skymap follow-up tasks started.
	FollowupsSpawnedTotal metric.Int64Counter
	// FollowupsResolvedTotal counts follow-ups that found the official skymap.
	FollowupsResolvedTotal metric.Int64Counter
	// FollowupsExpiredTotal counts follow-ups that hit their time budget.
	FollowupsExpiredTotal metric.Int64Counter

	// HandlerDurationSeconds observes end-to-end handler latency.
	HandlerDurationSeconds metric.Float64Histogram

	// QueueDepth is a gauge for the notice queue.
	QueueDepth metric.Int64UpDownCounter
)

// InitExporter initializes the OTLP-to-Prometheus bridge against the given
// registry and registers every pipeline instrument.
func InitExporter(_ context.Context, registry *promclient.Registry) (func(context.Context) error, error) {
	exporter, err := prometheus.New(
		prometheus.WithRegisterer(registry),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	otelMeter = provider.Meter("alert-sentinel")

	// Register instruments in compact loops to keep complexity low.
	type cSpec struct {
		name string
		dest *metric.Int64Counter
	}
	type hSpec struct {
		name string
		dest *metric.Float64Histogram
	}
	type uSpec struct {
		name string
		dest *metric.Int64UpDownCounter
	}

	counters := []cSpec{
		{"sentinel_notices_received_total", &NoticesReceivedTotal},
		{"sentinel_notices_dropped_total", &NoticesDroppedTotal},
		{"sentinel_notices_handled_total", &NoticesHandledTotal},
		{"sentinel_handler_errors_total", &HandlerErrorsTotal},
		{"sentinel_surveys_created_total", &SurveysCreatedTotal},
		{"sentinel_targets_created_total", &TargetsCreatedTotal},
		{"sentinel_targets_tombstoned_total", &TargetsTombstonedTotal},
		{"sentinel_skymap_downloads_total", &SkymapDownloadsTotal},
		{"sentinel_skymap_download_failures_total", &SkymapDownloadFailuresTotal},
		{"sentinel_heartbeat_timeouts_total", &HeartbeatTimeoutsTotal},
		{"sentinel_followups_spawned_total", &FollowupsSpawnedTotal},
		{"sentinel_followups_resolved_total", &FollowupsResolvedTotal},
		{"sentinel_followups_expired_total", &FollowupsExpiredTotal},
	}
	for _, s := range counters {
		v, err := otelMeter.Int64Counter(s.name)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	hists := []hSpec{
		{"sentinel_handler_duration_seconds", &HandlerDurationSeconds},
	}
	for _, s := range hists {
		v, err := otelMeter.Float64Histogram(s.name)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	upDowns := []uSpec{
		{"sentinel_queue_depth", &QueueDepth},
	}
	for _, s := range upDowns {
		v, err := otelMeter.Int64UpDownCounter(s.name)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	return func(_ context.Context) error { return nil }, nil
}
