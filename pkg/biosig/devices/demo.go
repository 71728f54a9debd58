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

// Package devices holds acquisition-side producers: a synthetic sine-wave
// demo source, a random marker demo source, and thin stubs standing in for
// real serial/LSL device drivers. Sample producers push into an
// intake.Queue; the marker demo calls the synchronizer's event/spike
// entry points through the Trigger interface.
package devices

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MMSPLAB/eesync-go/pkg/biosig/intake"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/payload"
)

// SineParams configures a SineDevice's amplitude/frequency sweep.
type SineParams struct {
	SignalFreqHz  float64
	AmpRateScale  float64
	FreqRateScale float64
	BaseAmp       float64
	AmpMinMult    float64
	AmpMaxMult    float64
	FreqMinMult   float64
	FreqMaxMult   float64
	EnableCh1     bool
	EnableCh2     bool

	// Filter, if set, transforms each raw pair slice before it is
	// enqueued.
	Filter FilterFunc
}

func defaultSineParams() SineParams {
	return SineParams{
		SignalFreqHz:  2.0,
		AmpRateScale:  1.0,
		FreqRateScale: 0.25,
		BaseAmp:       1.0,
		AmpMinMult:    0.5,
		AmpMaxMult:    3.0,
		FreqMinMult:   0.5,
		FreqMaxMult:   2.0,
		EnableCh1:     true,
		EnableCh2:     true,
	}
}

// SineDevice emits two modulated sine channels at a fixed emission rate:
// ch_1 sweeps in amplitude, ch_2 sweeps in frequency via phase
// accumulation. It exists for local development without real hardware.
type SineDevice struct {
	name      string
	fsHz      float64
	p         SineParams
	q         *intake.Queue
	log       *zap.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
	once      sync.Once
	startOnce sync.Once
}

// NewSineDevice builds a sine demo device. fsHz is the emission rate; if
// neither channel is enabled the device logs and Start becomes a no-op,
// since nothing would ever be emitted.
func NewSineDevice(name string, fsHz float64, p SineParams, q *intake.Queue, log *zap.Logger) *SineDevice {
	if log == nil {
		log = zap.NewNop()
	}
	return &SineDevice{
		name:   name,
		fsHz:   fsHz,
		p:      p,
		q:      q,
		log:    log,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the background emitter goroutine. Safe to call once.
func (d *SineDevice) Start() {
	d.startOnce.Do(func() {
		if !d.p.EnableCh1 && !d.p.EnableCh2 {
			d.log.Info("demo_rand: no channels enabled, skipping", zap.String("device", d.name))
			close(d.doneCh)
			return
		}
		if d.fsHz <= 0 {
			d.log.Warn("demo_rand: non-positive fs, nothing to emit", zap.String("device", d.name))
			close(d.doneCh)
			return
		}
		go d.run()
	})
}

// Stop signals the emitter to exit and waits for it.
func (d *SineDevice) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

func (d *SineDevice) run() {
	defer close(d.doneCh)

	period := time.Duration(float64(time.Second) / d.fsHz)
	rateRatio := d.p.SignalFreqHz / math.Max(d.fsHz, 1.0)

	ampMinMult := math.Max(d.p.AmpMinMult, 0)
	ampMaxMult := math.Max(d.p.AmpMaxMult, 0)
	if ampMinMult > ampMaxMult {
		ampMinMult, ampMaxMult = ampMaxMult, ampMinMult
	}
	if ampMaxMult == ampMinMult {
		ampMaxMult = ampMinMult + 1.0
	}
	baseAmp := math.Abs(d.p.BaseAmp)
	ampMin := baseAmp * ampMinMult
	ampMax := baseAmp * ampMaxMult
	if ampMax <= ampMin {
		ampMax = ampMin + math.Max(baseAmp, 1.0)
	}
	ampRange := ampMax - ampMin
	amp := math.Min(math.Max(baseAmp, ampMin), ampMax)
	ampStep := clamp(0.1*rateRatio*d.p.AmpRateScale*math.Max(ampRange, 1e-6), 0, ampRange)
	ampDir := 0.0
	if ampRange > 0 && ampStep > 0 {
		ampDir = 1.0
	}

	baseFreq := math.Max(d.p.SignalFreqHz, 0.1)
	freqMin := math.Max(d.p.FreqMinMult*baseFreq, 0)
	freqMax := math.Max(d.p.FreqMaxMult*baseFreq, freqMin+0.1)
	if freqMin > freqMax {
		freqMin, freqMax = freqMax, freqMin
	}
	freqRange := freqMax - freqMin
	freq := math.Min(math.Max(baseFreq, freqMin), freqMax)
	freqStep := clamp(0.05*baseFreq*d.p.FreqRateScale, 0, freqRange)
	freqDir := 0.0
	if freqRange > 0 && freqStep > 0 {
		freqDir = 1.0
	}

	var sampleIdx int64
	var phaseCh2 float64
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
		}

		elapsed := float64(sampleIdx) * period.Seconds()
		deviceTS := elapsed

		var pairs []payload.Pair
		if d.p.EnableCh1 {
			pairs = append(pairs, payload.Pair{
				Channel: "ch_1",
				Value:   amp * math.Sin(2*math.Pi*d.p.SignalFreqHz*elapsed),
				Valid:   true,
			})
		}
		if d.p.EnableCh2 {
			phaseCh2 += 2 * math.Pi * freq * period.Seconds()
			phaseCh2 = math.Mod(phaseCh2, 2*math.Pi)
			pairs = append(pairs, payload.Pair{
				Channel: "ch_2",
				Value:   math.Sin(phaseCh2),
				Valid:   true,
			})
		}

		if d.p.Filter != nil {
			pairs = d.p.Filter(d.name, pairs)
		}
		if len(pairs) > 0 {
			d.q.Enqueue(intake.Packet{DeviceTS: deviceTS, Device: d.name, Pairs: pairs})
		}

		sampleIdx++
		if ampStep > 0 && ampDir != 0 {
			amp += ampDir * ampStep
			if amp >= ampMax {
				amp = ampMax
				ampDir = -1
			} else if amp <= ampMin {
				amp = ampMin
				ampDir = 1
			}
		}
		if d.p.EnableCh2 && freqStep > 0 && freqDir != 0 {
			freq += freqDir * freqStep
			if freq >= freqMax {
				freq = freqMax
				freqDir = -1
			} else if freq <= freqMin {
				freq = freqMin
				freqDir = 1
			}
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
