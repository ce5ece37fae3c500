/*
Copyright 2024 The Serveproj Authors.

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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelAPI          = "api"
	LabelReplicaPhase = "phase"
	LabelOutcome      = "outcome"
	LabelDirection    = "direction"

	// Request outcome label values.
	OutcomeSuccess           = "success"
	OutcomeAdmissionRejected = "admission_rejected"
	OutcomeTimeout           = "timeout"
	OutcomeInferenceError    = "inference_error"
	OutcomeCanceled          = "canceled"
)

// Serving gauges, refreshed by the components that own the underlying state.
var (
	// CurrentLoad is the windowed average of total in-flight requests per API,
	// the signal the autoscaler scales on.
	CurrentLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "serving",
		Name:      "current_load",
		Help:      "Average total in-flight requests over the metrics window",
	}, []string{LabelAPI})

	// Replicas is the live replica count per API, partitioned by lifecycle phase.
	Replicas = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "serving",
		Name:      "replicas",
		Help:      "Number of replicas by lifecycle phase",
	}, []string{LabelAPI, LabelReplicaPhase})

	// QueueDepth is the number of requests currently queued per API.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "serving",
		Name:      "queue_depth",
		Help:      "Number of requests waiting in the per-API queue",
	}, []string{LabelAPI})

	// DesiredReplicas is the last desired replica count computed by the autoscaler.
	DesiredReplicas = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "serving",
		Name:      "desired_replicas",
		Help:      "Desired replica count computed by the autoscaler",
	}, []string{LabelAPI})
)

// Request counters and latency.
var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "serving",
		Name:      "requests_total",
		Help:      "Total number of requests by outcome",
	}, []string{LabelAPI, LabelOutcome})

	AdmissionRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "serving",
		Name:      "admission_rejected_total",
		Help:      "Total number of requests rejected because the queue was full",
	}, []string{LabelAPI})

	RequestTimeoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "serving",
		Name:      "request_timeout_total",
		Help:      "Total number of requests that expired while queued",
	}, []string{LabelAPI})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "serving",
		Name:      "request_duration_seconds",
		Help:      "End to end request latency including queueing (1ms to 10 minutes)",
		Buckets:   prometheus.ExponentialBucketsRange(0.001, 600, 10),
	}, []string{LabelAPI})
)

// Scaling counters.
var (
	ReplicaCreationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "serving",
		Name:      "replica_creation_failures_total",
		Help:      "Total number of replica creations that failed or missed the startup deadline",
	}, []string{LabelAPI})

	ColdStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "serving",
		Name:      "cold_starts_total",
		Help:      "Total number of scale-ups triggered by a request arriving at an idle API",
	}, []string{LabelAPI})

	ScalingOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "serving",
		Name:      "scaling_operations_total",
		Help:      "Total number of scaling operations issued by the autoscaler",
	}, []string{LabelAPI, LabelDirection})
)
