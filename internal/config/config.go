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

// Package config loads the session configuration from an optional YAML
// file plus EESYNC_-prefixed environment overrides. A pointer-field file
// struct keeps "unset" distinguishable from an explicit zero, then merges
// onto defaults into a plain-valued RuntimeConfig.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoEventLabels is a fatal configuration error: a session cannot
// resolve a default sticky event without at least one keymap entry.
var ErrNoEventLabels = errors.New("config: events.labels must have at least one entry")

// ErrNoDeviceInstances is a fatal configuration error: a session with no
// device instances has nothing to synchronize or export.
var ErrNoDeviceInstances = errors.New("config: at least one device instance must be configured")

// ErrNoEnabledDeviceRate is a fatal configuration error: the grid step
// delta = 1/fs_max is undefined when no instance has export or plot
// enabled, since fs_max has no sampling rate to derive from.
var ErrNoEnabledDeviceRate = errors.New("config: no instance with export or plot enabled; fs_max is undefined")

// InstanceConfig describes one configured device instance. Export and
// plot participation are independent switches: an instance can feed the
// plot sink without being exported, or vice versa.
type InstanceConfig struct {
	Name          string
	Kind          string // "sine_demo", "marker_demo", "stub"
	FS            float64
	Channels      []string
	ExportEnabled bool
	PlotEnabled   bool
}

// RuntimeConfig is the fully-resolved session configuration.
type RuntimeConfig struct {
	PrintK             bool
	EventLabels        []string
	SpikeLabels        []string
	PlotDeltaT         float64
	MaxQueue           int
	LookaheadSteps     int
	LookaheadSec       float64
	FlushPeriod        time.Duration
	FlushRowsThreshold int
	IdleWatermark      time.Duration
	SyncedDir          string
	MarkersDir         string
	CSVSignalEnable    bool
	CSVMarkerEnable    bool
	JitterSketch       bool
	LogLevel           string
	MetricsAddr        string

	Instances []InstanceConfig
}

type fileConfig struct {
	PrintK *bool `yaml:"print_k"`
	Events struct {
		Labels []string `yaml:"labels"`
	} `yaml:"events"`
	Spikes struct {
		Labels []string `yaml:"labels"`
	} `yaml:"spikes"`
	Plot struct {
		DeltaT *float64 `yaml:"delta_t"`
	} `yaml:"plot"`
	Intake struct {
		MaxQueue *int `yaml:"max_queue"`
	} `yaml:"intake"`
	Export struct {
		LookaheadSteps     *int           `yaml:"lookahead_steps"`
		LookaheadSec       *float64       `yaml:"lookahead_sec"`
		FlushPeriod        *time.Duration `yaml:"flush_period"`
		FlushRowsThreshold *int           `yaml:"flush_rows_threshold"`
		IdleWatermark      *time.Duration `yaml:"idle_watermark"`
		SyncedDir          *string        `yaml:"synced_dir"`
		MarkersDir         *string        `yaml:"markers_dir"`
		CSVSignalEnable    *bool          `yaml:"csv_signal_enable"`
		CSVMarkerEnable    *bool          `yaml:"csv_marker_enable"`
	} `yaml:"export"`
	Diagnostics struct {
		JitterSketch *bool `yaml:"jitter_sketch"`
	} `yaml:"diagnostics"`
	Log struct {
		Level *string `yaml:"level"`
	} `yaml:"log"`
	Metrics struct {
		Addr *string `yaml:"addr"`
	} `yaml:"metrics"`
	Instances []instanceFileConfig `yaml:"instances"`
}

type instanceFileConfig struct {
	Name          string   `yaml:"name"`
	Kind          string   `yaml:"kind"`
	FS            float64  `yaml:"fs"`
	Channels      []string `yaml:"channels"`
	ExportEnabled *bool    `yaml:"export_enabled"`
	PlotEnabled   *bool    `yaml:"plot_enabled"`
}

func defaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		PrintK:             false,
		EventLabels:        []string{"baseline"},
		MaxQueue:           0,
		LookaheadSteps:     3,
		FlushPeriod:        250 * time.Millisecond,
		FlushRowsThreshold: 0,
		IdleWatermark:      2 * time.Second,
		SyncedDir:          "data/synced",
		MarkersDir:         "data/markers",
		CSVSignalEnable:    true,
		CSVMarkerEnable:    true,
		LogLevel:           "info",
		MetricsAddr:        ":9109",
	}
}

// Load reads path (if non-empty and it exists), merges it onto the
// defaults, applies EESYNC_-prefixed environment overrides, and validates
// the result. A missing path is not an error: Load falls back to defaults
// plus environment overrides.
func Load(path string) (RuntimeConfig, error) {
	cfg := defaultRuntimeConfig()

	trimmed := strings.TrimSpace(path)
	if trimmed != "" {
		data, err := os.ReadFile(trimmed)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return RuntimeConfig{}, fmt.Errorf("read config file %q: %w", trimmed, err)
			}
		} else {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return RuntimeConfig{}, fmt.Errorf("decode config file %q: %w", trimmed, err)
			}
			mergeFileConfig(&cfg, fc)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

func mergeFileConfig(dst *RuntimeConfig, src fileConfig) {
	assignBool(&dst.PrintK, src.PrintK)
	if len(src.Events.Labels) > 0 {
		dst.EventLabels = src.Events.Labels
	}
	if len(src.Spikes.Labels) > 0 {
		dst.SpikeLabels = src.Spikes.Labels
	}
	assignFloat(&dst.PlotDeltaT, src.Plot.DeltaT)
	assignInt(&dst.MaxQueue, src.Intake.MaxQueue)
	assignInt(&dst.LookaheadSteps, src.Export.LookaheadSteps)
	assignFloat(&dst.LookaheadSec, src.Export.LookaheadSec)
	assignDuration(&dst.FlushPeriod, src.Export.FlushPeriod)
	assignInt(&dst.FlushRowsThreshold, src.Export.FlushRowsThreshold)
	assignDuration(&dst.IdleWatermark, src.Export.IdleWatermark)
	assignString(&dst.SyncedDir, src.Export.SyncedDir)
	assignString(&dst.MarkersDir, src.Export.MarkersDir)
	assignBool(&dst.CSVSignalEnable, src.Export.CSVSignalEnable)
	assignBool(&dst.CSVMarkerEnable, src.Export.CSVMarkerEnable)
	assignBool(&dst.JitterSketch, src.Diagnostics.JitterSketch)
	assignString(&dst.LogLevel, src.Log.Level)
	assignString(&dst.MetricsAddr, src.Metrics.Addr)

	for _, inst := range src.Instances {
		ic := InstanceConfig{
			Name:          inst.Name,
			Kind:          inst.Kind,
			FS:            inst.FS,
			Channels:      inst.Channels,
			ExportEnabled: true,
			PlotEnabled:   false,
		}
		if inst.ExportEnabled != nil {
			ic.ExportEnabled = *inst.ExportEnabled
		}
		if inst.PlotEnabled != nil {
			ic.PlotEnabled = *inst.PlotEnabled
		}
		dst.Instances = append(dst.Instances, ic)
	}
}

func validate(cfg RuntimeConfig) error {
	if len(cfg.EventLabels) == 0 {
		return ErrNoEventLabels
	}
	if len(cfg.Instances) == 0 {
		return ErrNoDeviceInstances
	}
	if cfg.FSMax() <= 0 {
		return ErrNoEnabledDeviceRate
	}
	return nil
}

// FSMax returns the highest sampling rate among instances with export or
// plot enabled. A fully disabled instance's rate does not inflate the
// export/plot cadence.
func (c RuntimeConfig) FSMax() float64 {
	var max float64
	for _, inst := range c.Instances {
		if !inst.ExportEnabled && !inst.PlotEnabled {
			continue
		}
		if inst.FS > max {
			max = inst.FS
		}
	}
	return max
}

// Delta returns the session's grid step, delta = 1/fs_max. It is always
// derived from the enabled instances' sampling rates, never an
// independently configured value.
func (c RuntimeConfig) Delta() float64 {
	return 1.0 / c.FSMax()
}

func assignFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func assignBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func assignInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func assignString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func assignDuration(dst *time.Duration, src *time.Duration) {
	if src != nil {
		*dst = *src
	}
}

const envPrefix = "EESYNC_"

func applyEnvOverrides(cfg *RuntimeConfig) {
	cfg.PlotDeltaT = envFloat(envPrefix+"PLOT_DELTA_T", cfg.PlotDeltaT)
	cfg.MaxQueue = envInt(envPrefix+"MAX_QUEUE", cfg.MaxQueue)
	cfg.LookaheadSteps = envInt(envPrefix+"LOOKAHEAD_STEPS", cfg.LookaheadSteps)
	cfg.SyncedDir = envString(envPrefix+"SYNCED_DIR", cfg.SyncedDir)
	cfg.MarkersDir = envString(envPrefix+"MARKERS_DIR", cfg.MarkersDir)
	cfg.LogLevel = envString(envPrefix+"LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsAddr = envString(envPrefix+"METRICS_ADDR", cfg.MetricsAddr)
}

var lookupEnv = os.LookupEnv

func envFloat(key string, fallback float64) float64 {
	v, ok := lookupEnv(key)
	if !ok {
		return fallback
	}
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	v, ok := lookupEnv(key)
	if !ok {
		return fallback
	}
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func envString(key, fallback string) string {
	v, ok := lookupEnv(key)
	if !ok {
		return fallback
	}
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
