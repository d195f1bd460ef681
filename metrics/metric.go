// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "nsdb"

var (
	Registry = prometheus.NewRegistry()

	// RequestsTotal counts fresh and rejected requests by op and status,
	// replays are never counted
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "apply",
		Name:      "requests_total",
		Help:      "applied requests by op and status",
	}, []string{"op", "status"})

	ApplyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "apply",
		Name:      "duration_seconds",
		Help:      "apply latency including lock wait",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
	}, []string{"op"})

	KeysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "namespace",
		Name:      "keys_created_total",
		Help:      "keys committed for the first time",
	})

	FlushBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "batch_entries",
		Help:      "log entries per durable batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})

	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "duration_seconds",
		Help:      "durable batch write latency including retries",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	FlushFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "write_failures_total",
		Help:      "failed durable batch writes, each one is retried",
	})

	FlushPendingEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "pending_entries",
		Help:      "log entries applied but not yet durable",
	})

	LastFlushedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "flush",
		Name:      "last_flushed_index",
		Help:      "highest log index made durable",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		RequestsTotal,
		ApplyDuration,
		KeysTotal,
		FlushBatchSize,
		FlushDuration,
		FlushFailuresTotal,
		FlushPendingEntries,
		LastFlushedIndex,
	)
}
