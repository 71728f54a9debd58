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

package devices

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Trigger abstracts the synchronizer's event/spike entry points so
// MarkerDemo doesn't need to import the syncer package directly.
type Trigger interface {
	SetEvent(label, source string) error
	TriggerSpike(label, source string) error
}

// MarkerDemoParams configures the randomized marker generator.
type MarkerDemoParams struct {
	Labels      []string // event labels to choose from at random
	SpikeLabels []string // spike labels to choose from at random
	MinInterval time.Duration
	MaxInterval time.Duration
	SpikeEveryN int // emit a spike every N events, 0 disables spikes
	Source      string
}

// MarkerDemo fires random SetEvent/TriggerSpike calls at a randomized
// cadence between MinInterval and MaxInterval.
type MarkerDemo struct {
	p      MarkerDemoParams
	trig   Trigger
	log    *zap.Logger
	rng    *rand.Rand
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewMarkerDemo builds a marker demo generator. seed lets tests and
// soak-tool replays reproduce a run deterministically.
func NewMarkerDemo(p MarkerDemoParams, trig Trigger, seed int64, log *zap.Logger) *MarkerDemo {
	if log == nil {
		log = zap.NewNop()
	}
	if p.MinInterval <= 0 {
		p.MinInterval = 2 * time.Second
	}
	if p.MaxInterval <= p.MinInterval {
		p.MaxInterval = p.MinInterval + time.Second
	}
	if p.Source == "" {
		p.Source = "marker_demo"
	}
	return &MarkerDemo{
		p:      p,
		trig:   trig,
		log:    log,
		rng:    rand.New(rand.NewSource(seed)),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the background trigger loop.
func (m *MarkerDemo) Start() {
	go m.run()
}

// Stop ends the trigger loop and waits for it to exit.
func (m *MarkerDemo) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *MarkerDemo) run() {
	defer close(m.doneCh)
	if len(m.p.Labels) == 0 {
		m.log.Info("marker_demo: no labels configured, skipping")
		return
	}

	var count int
	for {
		wait := m.nextInterval()
		select {
		case <-m.stopCh:
			return
		case <-time.After(wait):
		}

		label := m.p.Labels[m.rng.Intn(len(m.p.Labels))]
		if err := m.trig.SetEvent(label, m.p.Source); err != nil {
			m.log.Warn("marker_demo: SetEvent failed", zap.Error(err), zap.String("label", label))
		}
		count++

		if m.p.SpikeEveryN > 0 && len(m.p.SpikeLabels) > 0 && count%m.p.SpikeEveryN == 0 {
			spike := m.p.SpikeLabels[m.rng.Intn(len(m.p.SpikeLabels))]
			if err := m.trig.TriggerSpike(spike, m.p.Source); err != nil {
				m.log.Warn("marker_demo: TriggerSpike failed", zap.Error(err), zap.String("label", spike))
			}
		}
	}
}

func (m *MarkerDemo) nextInterval() time.Duration {
	span := m.p.MaxInterval - m.p.MinInterval
	if span <= 0 {
		return m.p.MinInterval
	}
	return m.p.MinInterval + time.Duration(m.rng.Int63n(int64(span)))
}
