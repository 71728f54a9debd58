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

// Package main is the eesync service entrypoint: it loads configuration,
// builds the intake queue, synchronizer, and CSV export sink, starts every
// configured device producer, serves /metrics, and shuts down cleanly on
// SIGINT/SIGTERM.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MMSPLAB/eesync-go/internal/config"
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
	configPath := flag.String("config", "", "path to session YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eesync: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eesync: failed to configure logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("eesync: fatal startup error", zap.Error(err))
	}
}

func run(cfg config.RuntimeConfig, logger *zap.Logger) error {
	grid, err := quantize.NewGrid(cfg.Delta())
	if err != nil {
		return err
	}
	keymap, err := markers.NewKeymap(cfg.EventLabels)
	if err != nil {
		return err
	}

	met := metrics.New()

	q := intake.New(cfg.MaxQueue, func() { met.QueueDropsTotal.Inc() }, logger)

	sync := syncer.New(q, grid, keymap, syncer.Options{
		PlotDeltaT:   cfg.PlotDeltaT,
		Metrics:      met,
		JitterSketch: cfg.JitterSketch,
		Log:          logger.Named("syncer"),
	})

	columns, err := exportColumns(cfg)
	if err != nil {
		return err
	}

	sessionTS := time.Now().Format("2006-01-02_15-04-05")
	var mainPath, markersPath string
	if cfg.CSVSignalEnable {
		if err := os.MkdirAll(cfg.SyncedDir, 0o755); err != nil {
			return fmt.Errorf("create synced output dir: %w", err)
		}
		mainPath = filepath.Join(cfg.SyncedDir, "synced_"+sessionTS+".csv")
	}
	if cfg.CSVMarkerEnable {
		if err := os.MkdirAll(cfg.MarkersDir, 0o755); err != nil {
			return fmt.Errorf("create markers output dir: %w", err)
		}
		markersPath = filepath.Join(cfg.MarkersDir, "markers_"+sessionTS+".csv")
	}
	sink, err := export.New(mainPath, markersPath, columns, grid, export.Options{
		PrintK:             cfg.PrintK,
		LookaheadSteps:     cfg.LookaheadSteps,
		LookaheadSec:       cfg.LookaheadSec,
		FSMax:              cfg.FSMax(),
		FlushPeriod:        cfg.FlushPeriod,
		FlushRowsThreshold: cfg.FlushRowsThreshold,
		IdleWatermark:      cfg.IdleWatermark,
		DefaultEvent:       keymap.Default(),
		Metrics:            met,
		Log:                logger.Named("export"),
	})
	if err != nil {
		return err
	}
	sync.RegisterSink(sink)

	handlers := startDevices(cfg, q, sync, logger)

	sync.Start()

	httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promMux()}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server exited", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	for _, h := range handlers {
		h.Stop()
	}
	sync.Stop()
	if err := sink.Stop(); err != nil {
		logger.Warn("export sink close failed", zap.Error(err))
	}
	_ = httpSrv.Close()
	return nil
}

func promMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func exportColumns(cfg config.RuntimeConfig) ([]string, error) {
	var cols []string
	for _, inst := range cfg.Instances {
		if !inst.ExportEnabled {
			continue
		}
		for _, ch := range inst.Channels {
			cols = append(cols, inst.Name+":"+ch)
		}
	}
	return cols, nil
}

func startDevices(cfg config.RuntimeConfig, q *intake.Queue, sync *syncer.Synchronizer, logger *zap.Logger) []devices.Handler {
	var handlers []devices.Handler
	for _, inst := range cfg.Instances {
		switch inst.Kind {
		case "sine_demo":
			d := devices.NewSineDevice(inst.Name, inst.FS, devices.SineParams{
				SignalFreqHz: 2.0, AmpRateScale: 1.0, FreqRateScale: 0.25, BaseAmp: 1.0,
				AmpMinMult: 0.5, AmpMaxMult: 3.0, FreqMinMult: 0.5, FreqMaxMult: 2.0,
				EnableCh1: hasChannel(inst.Channels, "ch_1"),
				EnableCh2: hasChannel(inst.Channels, "ch_2"),
			}, q, logger.Named("device."+inst.Name))
			d.Start()
			handlers = append(handlers, d)
		case "marker_demo":
			labels := cfg.EventLabels
			if len(labels) > 1 {
				labels = labels[1:] // the generator toggles among the non-default labels
			}
			d := devices.NewMarkerDemo(devices.MarkerDemoParams{
				Labels:      labels,
				SpikeLabels: cfg.SpikeLabels,
				SpikeEveryN: 3,
				Source:      inst.Name,
			}, sync, time.Now().UnixNano(), logger.Named("device."+inst.Name))
			d.Start()
			handlers = append(handlers, d)
		default:
			d := devices.NewStubDevice(inst.Name, nil, logger.Named("device."+inst.Name))
			d.Start()
			handlers = append(handlers, d)
		}
	}
	return handlers
}

func hasChannel(channels []string, name string) bool {
	for _, c := range channels {
		if c == name {
			return true
		}
	}
	return false
}
