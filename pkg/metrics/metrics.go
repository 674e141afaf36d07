/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"github.com/couchbase/gocbcorex/contrib/buildversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type StreamMetrics struct {
	EmitterSends             metric.Int64Counter
	EmitterUnknownPartitions metric.Int64Counter
	EmitterFailures          metric.Int64Counter
	ReceivedEvents           metric.Int64Counter
	DeploymentTransitions    metric.Int64Counter
	BundleFetchDuration      metric.Float64Histogram
}

var (
	streamMetrics     *StreamMetrics
	streamMetricsLock sync.Mutex
)

func GetStreamMetrics() *StreamMetrics {
	streamMetricsLock.Lock()

	if streamMetrics != nil {
		streamMetricsLock.Unlock()
		return streamMetrics
	}

	streamMetrics = newStreamMetrics()

	streamMetricsLock.Unlock()
	return streamMetrics
}

var buildVersion string = buildversion.GetVersion("github.com/couchbase/stellar-stream")

func newStreamMetrics() *StreamMetrics {
	meter := otel.Meter(
		"com.couchbase.stellar-stream",
		metric.WithInstrumentationVersion(buildVersion))

	emitterSends, _ := meter.Int64Counter("emitter_sends_total")
	emitterUnknownPartitions, _ := meter.Int64Counter("emitter_unknown_partition_total")
	emitterFailures, _ := meter.Int64Counter("emitter_transport_failures_total")
	receivedEvents, _ := meter.Int64Counter("listener_received_events_total")
	deploymentTransitions, _ := meter.Int64Counter("deployment_transitions_total")
	bundleFetchDuration, _ := meter.Float64Histogram("bundle_fetch_duration_seconds",
		metric.WithUnit("s"))

	return &StreamMetrics{
		EmitterSends:             emitterSends,
		EmitterUnknownPartitions: emitterUnknownPartitions,
		EmitterFailures:          emitterFailures,
		ReceivedEvents:           receivedEvents,
		DeploymentTransitions:    deploymentTransitions,
		BundleFetchDuration:      bundleFetchDuration,
	}
}
