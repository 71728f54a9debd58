// Copyright 2025 The EESync Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines the Prometheus instrumentation surface for the
// synchronizer and export sink. Callers needing an isolated registry
// (tests, multiple instances in one process) should use NewWithRegisterer
// instead of New.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles the counters/histograms one pipeline instance updates. A
// fresh Set can be built against prometheus.DefaultRegisterer (via New) or
// an isolated registry (via NewWithRegisterer, handy in tests).
type Set struct {
	SamplesProcessed     prometheus.Counter
	EventsProcessed      prometheus.Counter
	SpikesProcessed      prometheus.Counter
	MalformedPackets     prometheus.Counter
	QueueDropsTotal      prometheus.Counter
	DeviceReanchorsTotal prometheus.Counter

	RowsCommitted    prometheus.Counter
	LateDroppedTotal prometheus.Counter
	FlushDuration    prometheus.Histogram
	IdleFlushesTotal prometheus.Counter

	PlotSamplesKept    prometheus.Counter
	PlotSamplesSkipped prometheus.Counter
}

// New registers a Set against prometheus.DefaultRegisterer.
func New() *Set {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers a Set against the given registerer, useful
// for tests that want an isolated prometheus.Registry instead of the
// process-global default.
func NewWithRegisterer(reg prometheus.Registerer) *Set {
	s := &Set{
		SamplesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eesync_samples_processed_total",
			Help: "Total sample packets successfully mapped to a frame index and fanned out.",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eesync_events_processed_total",
			Help: "Total event triggers processed.",
		}),
		SpikesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eesync_spikes_processed_total",
			Help: "Total spike triggers processed.",
		}),
		MalformedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eesync_malformed_packets_total",
			Help: "Total sample packets dropped for failing shape validation.",
		}),
		QueueDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eesync_intake_drops_total",
			Help: "Total packets dropped by the bounded intake queue under overflow.",
		}),
		DeviceReanchorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eesync_device_reanchors_total",
			Help: "Total per-device timebase re-anchors triggered by a detected backward clock jump.",
		}),
		RowsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eesync_export_rows_committed_total",
			Help: "Total synced-CSV rows committed (written) by the export sink.",
		}),
		LateDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eesync_export_late_dropped_total",
			Help: "Total sample/spike payloads dropped for arriving at or before the commit watermark.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eesync_export_flush_seconds",
			Help:    "Wall-clock time spent in each export sink flush of the buffered CSV writers.",
			Buckets: prometheus.DefBuckets,
		}),
		IdleFlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eesync_export_idle_flushes_total",
			Help: "Total forced commits triggered by the idle watermark.",
		}),
		PlotSamplesKept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eesync_plot_samples_kept_total",
			Help: "Total samples forwarded to the plot sink after decimation.",
		}),
		PlotSamplesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eesync_plot_samples_skipped_total",
			Help: "Total samples dropped by plot decimation (same bin as a prior sample).",
		}),
	}
	reg.MustRegister(
		s.SamplesProcessed, s.EventsProcessed, s.SpikesProcessed, s.MalformedPackets,
		s.QueueDropsTotal, s.DeviceReanchorsTotal, s.RowsCommitted, s.LateDroppedTotal, s.FlushDuration,
		s.IdleFlushesTotal, s.PlotSamplesKept, s.PlotSamplesSkipped,
	)
	return s
}
