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

// Command eesync-demo is a synthetic soak tool for the synchronizer and
// export sink: it runs one sine demo device plus a randomized
// marker generator, exposes Prometheus metrics, and offers an HTTP
// endpoint to inject event/spike triggers manually.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MMSPLAB/eesync-go/internal/logging"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/devices"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/export"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/intake"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/markers"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/metrics"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/quantize"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/syncer"
)

func main() {
	httpAddr := flag.String("http", ":8080", "HTTP listen address for /metrics and /trigger")
	fsHz := flag.Float64("fs", 250, "demo device emission rate, Hz; the grid step delta = 1/fs")
	mainCSV := flag.String("main_csv", "demo_synced.csv", "synced CSV output path")
	markersCSV := flag.String("markers_csv", "demo_markers.csv", "markers CSV output path")
	duration := flag.Duration("duration", 0, "run duration; 0 runs until a signal")
	seed := flag.Int64("seed", time.Now().UnixNano(), "marker demo RNG seed")
	flag.Parse()

	logger, err := logging.New("info")
	if err != nil {
		log.Fatalf("eesync-demo: logger: %v", err)
	}
	defer logger.Sync()

	grid, err := quantize.NewGrid(1.0 / *fsHz)
	if err != nil {
		logger.Fatal("eesync-demo: invalid delta", zap.Error(err))
	}
	keymap, err := markers.NewKeymap([]string{"baseline", "task", "rest"})
	if err != nil {
		logger.Fatal("eesync-demo: keymap", zap.Error(err))
	}

	met := metrics.New()
	q := intake.New(4096, func() { met.QueueDropsTotal.Inc() }, logger)
	sync := syncer.New(q, grid, keymap, syncer.Options{Metrics: met, Log: logger})

	sink, err := export.New(*mainCSV, *markersCSV, []string{"demo:ch_1", "demo:ch_2"}, grid, export.Options{
		FSMax:         *fsHz,
		DefaultEvent:  keymap.Default(),
		IdleWatermark: 2 * time.Second,
		Metrics:       met,
		Log:           logger,
	})
	if err != nil {
		logger.Fatal("eesync-demo: export sink", zap.Error(err))
	}
	sync.RegisterSink(sink)
	sync.Start()

	sine := devices.NewSineDevice("demo", *fsHz, devices.SineParams{
		SignalFreqHz: 2.0, AmpRateScale: 1.0, FreqRateScale: 0.25, BaseAmp: 1.0,
		AmpMinMult: 0.5, AmpMaxMult: 3.0, FreqMinMult: 0.5, FreqMaxMult: 2.0,
		EnableCh1: true, EnableCh2: true,
	}, q, logger)
	sine.Start()

	markerDemo := devices.NewMarkerDemo(devices.MarkerDemoParams{
		Labels:      []string{"task", "rest"},
		SpikeLabels: []string{"blink"},
		MinInterval: 2 * time.Second,
		MaxInterval: 6 * time.Second,
		SpikeEveryN: 3,
	}, sync, *seed, logger)
	markerDemo.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/trigger", func(w http.ResponseWriter, r *http.Request) {
		kind := r.URL.Query().Get("kind") // "event" or "spike"
		label := r.URL.Query().Get("label")
		source := r.URL.Query().Get("source")
		if source == "" {
			source = "http"
		}
		var triggerErr error
		switch kind {
		case "spike":
			triggerErr = sync.TriggerSpike(label, source)
		default:
			triggerErr = sync.SetEvent(label, source)
		}
		if triggerErr != nil {
			http.Error(w, triggerErr.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	httpSrv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		logger.Info("eesync-demo listening", zap.String("addr", *httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("eesync-demo: http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	var endTimer <-chan time.Time
	if *duration > 0 {
		endTimer = time.After(*duration)
	}
	select {
	case <-sigCh:
	case <-endTimer:
	}

	logger.Info("eesync-demo shutting down")
	markerDemo.Stop()
	sine.Stop()
	sync.Stop()
	if err := sink.Stop(); err != nil {
		logger.Warn("export sink close failed", zap.Error(err))
	}
	_ = httpSrv.Close()
}
