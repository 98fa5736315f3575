// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for coapbwt.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for block-wise transfers.
type Metrics struct {
	// Block context metrics
	ActiveContexts  prometheus.Gauge
	ContextsExpired prometheus.Counter

	// Block metrics
	BlocksSent     *prometheus.CounterVec
	BlocksReceived *prometheus.CounterVec
	BlockErrors    *prometheus.CounterVec

	// Transfer metrics
	TransfersCompleted *prometheus.CounterVec
	ReassembledSize    *prometheus.HistogramVec

	// Dispatcher and transport metrics
	QueueDepth *prometheus.GaugeVec
	Datagrams  *prometheus.CounterVec
}

// New creates a new Metrics instance registered with reg.
// A nil reg gets a private registry, which keeps independent instances
// (and tests) from colliding on the default one.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "coapbwt"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveContexts: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "block_contexts_active",
				Help:      "Number of block transfer contexts currently registered",
			},
		),
		ContextsExpired: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "contexts_expired_total",
				Help:      "Total number of block contexts evicted by the idle sweep",
			},
		),
		BlocksSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_sent_total",
				Help:      "Total number of blocks written into outbound PDUs",
			},
			[]string{"option"},
		),
		BlocksReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_received_total",
				Help:      "Total number of inbound blocks by classified status",
			},
			[]string{"option", "status"},
		),
		BlockErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_errors_total",
				Help:      "Total number of block error responses sent to peers",
			},
			[]string{"code"},
		),
		TransfersCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_completed_total",
				Help:      "Total number of reassembled payloads delivered",
			},
			[]string{"option"},
		),
		ReassembledSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reassembled_payload_bytes",
				Help:      "Size of reassembled payloads in bytes",
				Buckets:   []float64{1024, 4096, 16384, 65536, 262144, 1048576},
			},
			[]string{"option"},
		),
		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of messages waiting in dispatcher queues",
			},
			[]string{"queue"},
		),
		Datagrams: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datagrams_total",
				Help:      "Total number of datagrams by direction",
			},
			[]string{"direction"},
		),
	}
}

// ObserveTransfer records a delivered reassembled payload.
func (m *Metrics) ObserveTransfer(option string, size int) {
	m.TransfersCompleted.WithLabelValues(option).Inc()
	m.ReassembledSize.WithLabelValues(option).Observe(float64(size))
}
