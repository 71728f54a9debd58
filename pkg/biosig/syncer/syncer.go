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

// Package syncer implements the synchronizer: the single fan-out hub that
// drains the intake queue, quantizes every packet onto the session's
// delta-grid, tracks the sticky event, and dispatches tagged payloads to
// every registered sink. Event/spike triggers bypass the intake queue
// entirely and are dispatched synchronously from the caller's goroutine.
package syncer

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/DataDog/sketches-go/ddsketch/mapping"
	"github.com/DataDog/sketches-go/ddsketch/store"
	"go.uber.org/zap"

	"github.com/MMSPLAB/eesync-go/pkg/biosig/intake"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/markers"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/metrics"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/payload"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/quantize"
)

// ErrEmptySource is returned by SetEvent/TriggerSpike when source is empty.
var ErrEmptySource = errors.New("syncer: trigger source must not be empty")

// ErrUnknownLabel is returned by SetEvent when label is not in the keymap.
var ErrUnknownLabel = markers.ErrUnknownLabel

// defaultDequeueTimeout bounds how long the consumer loop blocks on the
// intake queue before re-checking for a stop request.
const defaultDequeueTimeout = 200 * time.Millisecond

// backwardJumpEpsilon is the minimum backward delta in device-timestamp
// seconds that counts as a clock reset rather than float jitter around a
// repeated or near-repeated timestamp.
const backwardJumpEpsilon = 1e-6

// deviceAnchor maps one device's timestamp axis onto host-relative time:
// mapped = scale*(deviceTS-devTS0) + hostT0, clamped to >= 0. Re-anchored
// (devTS0/hostT0 reset, epoch++) whenever deviceTS regresses by more than
// backwardJumpEpsilon relative to the last observed value.
type deviceAnchor struct {
	devTS0 float64
	hostT0 float64
	last   float64
	scale  float64
	epoch  int64
}

// Options configure a Synchronizer beyond its mandatory grid/keymap/queue.
type Options struct {
	// DequeueTimeout bounds each consumer-loop poll. Default 200ms.
	DequeueTimeout time.Duration
	// PlotDeltaT is the plot sink's decimation bin width in seconds. Zero
	// disables decimation (plot sinks then see every sample, same as
	// full-rate sinks).
	PlotDeltaT float64
	// Clock returns elapsed session seconds, used for trigger payloads and
	// for the host time captured when a device is anchored or re-anchored.
	// Defaults to a monotonic wall clock anchored at Start(). Tests may
	// override it for deterministic k values.
	Clock func() float64
	// Metrics, if non-nil, receives counters for processed/dropped events.
	Metrics *metrics.Set
	// JitterSketch, when true, maintains a DataDog/sketches-go DDSketch of
	// inter-sample arrival jitter per device, logged periodically at Info.
	JitterSketch bool

	Log *zap.Logger
}

// Synchronizer is the session-scoped fan-out hub.
type Synchronizer struct {
	grid   quantize.Grid
	keymap markers.Keymap
	q      *intake.Queue

	dequeueTimeout time.Duration
	plotDeltaT     float64
	clock          func() float64
	metrics        *metrics.Set
	log            *zap.Logger

	mu          sync.Mutex
	stickyEvent string
	fullSinks   []payload.Sink
	plotSinks   []payload.Sink
	lastPlotBin map[string]int64
	anchors     map[string]*deviceAnchor

	jitter      map[string]*ddsketch.DDSketch
	lastArrival map[string]float64

	running bool
	doneCh  chan struct{}

	startWall time.Time
}

// stopJoinTimeout bounds how long Stop waits for the consumer loop to
// drain and exit; on expiry the consumer reference is dropped regardless
// so a wedged consumer can never block Stop forever.
const stopJoinTimeout = 2 * time.Second

// New builds a Synchronizer. q is the intake queue it will drain once
// started; grid is the session's shared delta-grid; keymap resolves the
// default sticky event and validates SetEvent labels.
func New(q *intake.Queue, grid quantize.Grid, keymap markers.Keymap, opts Options) *Synchronizer {
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = defaultDequeueTimeout
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	s := &Synchronizer{
		grid:           grid,
		keymap:         keymap,
		q:              q,
		dequeueTimeout: opts.DequeueTimeout,
		plotDeltaT:     opts.PlotDeltaT,
		metrics:        opts.Metrics,
		log:            opts.Log,
		stickyEvent:    keymap.Default(),
		lastPlotBin:    make(map[string]int64),
		anchors:        make(map[string]*deviceAnchor),
		lastArrival:    make(map[string]float64),
	}
	if opts.JitterSketch {
		s.jitter = make(map[string]*ddsketch.DDSketch)
	}
	s.clock = opts.Clock
	return s
}

// RegisterSink adds a full-rate sink: it receives every sample, event, and
// spike payload.
func (s *Synchronizer) RegisterSink(sink payload.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fullSinks = append(s.fullSinks, sink)
}

// RegisterPlotSink adds a decimated sink: events and spikes pass through
// unchanged, but samples are decimated to at most one per
// (device:channel series, bin) where bin = floor(t_q / plot_delta_t).
func (s *Synchronizer) RegisterPlotSink(sink payload.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plotSinks = append(s.plotSinks, sink)
}

// Start launches the consumer loop, resetting all session state: device
// anchors, the sticky event (back to the keymap default), and plot
// decimation state. A call while already running is a no-op with a
// warning; a session fully stopped via Stop may be started again.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("syncer: Start called while already running, ignoring")
		return
	}
	s.running = true
	s.startWall = time.Now()
	s.stickyEvent = s.keymap.Default()
	s.anchors = make(map[string]*deviceAnchor)
	s.lastPlotBin = make(map[string]int64)
	s.lastArrival = make(map[string]float64)
	if s.jitter != nil {
		s.jitter = make(map[string]*ddsketch.DDSketch)
	}
	done := make(chan struct{})
	s.doneCh = done
	s.mu.Unlock()

	go s.run(done)
}

// Stop asks the consumer loop to drain and exit via a sentinel, waiting
// up to stopJoinTimeout before dropping the reference regardless, then
// clears device anchors, sink registrations, and plot decimation state. A
// restarted session registers its sinks again. Calling Stop before a
// successful Start is a no-op with a warning.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.log.Warn("syncer: Stop called before Start, ignoring")
		return
	}
	done := s.doneCh
	s.mu.Unlock()

	s.q.PushSentinel()
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		s.log.Warn("syncer: consumer did not exit within join deadline, dropping reference")
	}

	s.mu.Lock()
	s.running = false
	s.anchors = make(map[string]*deviceAnchor)
	s.fullSinks = nil
	s.plotSinks = nil
	s.lastPlotBin = make(map[string]int64)
	s.lastArrival = make(map[string]float64)
	s.mu.Unlock()
}

// jitterLogPeriod is the cadence at which per-device inter-sample jitter
// quantiles are reported when the jitter sketch is enabled.
const jitterLogPeriod = 30 * time.Second

func (s *Synchronizer) run(done chan struct{}) {
	defer close(done)
	jitterEnabled := s.jitter != nil
	lastJitterLog := time.Now()
	for {
		if jitterEnabled && time.Since(lastJitterLog) >= jitterLogPeriod {
			s.logJitter()
			lastJitterLog = time.Now()
		}
		pkt, ok := s.q.DequeueWait(s.dequeueTimeout)
		if !ok {
			continue
		}
		if pkt.Sentinel {
			return
		}
		if !s.validPacket(pkt) {
			s.log.Warn("syncer: dropping malformed packet", zap.String("device", pkt.Device))
			if s.metrics != nil {
				s.metrics.MalformedPackets.Inc()
			}
			continue
		}
		s.handleSample(pkt)
	}
}

// validPacket rejects shapes the consumer loop must never act on: an
// anonymous device, or a non-finite device timestamp. It never panics.
func (s *Synchronizer) validPacket(pkt intake.Packet) bool {
	if pkt.Device == "" {
		return false
	}
	if math.IsNaN(pkt.DeviceTS) || math.IsInf(pkt.DeviceTS, 0) {
		return false
	}
	return true
}

func (s *Synchronizer) handleSample(pkt intake.Packet) {
	s.mu.Lock()
	hostT := s.mapDeviceTime(pkt.Device, pkt.DeviceTS)
	fullSinks := append([]payload.Sink(nil), s.fullSinks...)
	plotSinks := append([]payload.Sink(nil), s.plotSinks...)
	k, tq := s.grid.Quantize(hostT)
	plotPairs := s.filterPlotPairs(pkt.Device, tq, pkt.Pairs)
	if s.jitter != nil {
		s.recordJitter(pkt.Device, pkt.DeviceTS)
	}
	s.mu.Unlock()

	p := payload.Payload{
		Kind:   payload.KindSample,
		K:      k,
		TQ:     tq,
		Device: pkt.Device,
		Pairs:  pkt.Pairs,
	}

	pushAll(fullSinks, p, s.log)
	if len(plotPairs) > 0 {
		plotP := p
		plotP.Pairs = plotPairs
		pushAll(plotSinks, plotP, s.log)
		if s.metrics != nil {
			s.metrics.PlotSamplesKept.Inc()
		}
	} else if s.metrics != nil {
		s.metrics.PlotSamplesSkipped.Inc()
	}
	if s.metrics != nil {
		s.metrics.SamplesProcessed.Inc()
	}
}

// filterPlotPairs returns the subset of pairs that fall in a new
// decimation bin for their own device:channel series key, keeping one
// sample per bin per series. Channels whose bin hasn't advanced are
// dropped individually rather than vetoing the whole sample; an empty
// result means no plot emission at all. Must be called with s.mu held.
func (s *Synchronizer) filterPlotPairs(device string, tq float64, pairs []payload.Pair) []payload.Pair {
	if s.plotDeltaT <= 0 {
		return pairs
	}
	bin := int64(tq / s.plotDeltaT)
	var kept []payload.Pair
	for _, pr := range pairs {
		key := device + ":" + pr.Channel
		last, seen := s.lastPlotBin[key]
		if seen && bin == last {
			continue
		}
		s.lastPlotBin[key] = bin
		kept = append(kept, pr)
	}
	return kept
}

// mapDeviceTime anchors device on first sight and maps its timestamp axis
// onto host-relative seconds: scale*(deviceTS-devTS0) + hostT0, clamped to
// >= 0. A backward jump greater than backwardJumpEpsilon re-anchors the
// device at the current device/host time and bumps its epoch. Must be
// called with s.mu held.
func (s *Synchronizer) mapDeviceTime(device string, deviceTS float64) float64 {
	a := s.anchors[device]
	now := s.now()
	if a == nil {
		a = &deviceAnchor{devTS0: deviceTS, hostT0: now, last: deviceTS, scale: 1.0}
		s.anchors[device] = a
		s.log.Info("syncer: device anchored", zap.String("device", device), zap.Float64("device_ts", deviceTS))
	} else if deviceTS < a.last-backwardJumpEpsilon {
		a.epoch++
		a.devTS0 = deviceTS
		a.hostT0 = now
		s.log.Info("syncer: device clock jumped backward, re-anchored",
			zap.String("device", device), zap.Int64("epoch", a.epoch), zap.Float64("device_ts", deviceTS))
		if s.metrics != nil {
			s.metrics.DeviceReanchorsTotal.Inc()
		}
	}
	a.last = deviceTS

	mapped := a.scale*(deviceTS-a.devTS0) + a.hostT0
	if mapped < 0 {
		mapped = 0
	}
	return mapped
}

// DeviceEpoch reports how many times device has been re-anchored due to a
// detected backward clock jump. Returns 0 for a device never seen.
func (s *Synchronizer) DeviceEpoch(device string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.anchors[device]; a != nil {
		return a.epoch
	}
	return 0
}

// recordJitter updates device's inter-arrival jitter sketch. Must be
// called with s.mu held.
func (s *Synchronizer) recordJitter(device string, deviceTS float64) {
	last, seen := s.lastArrival[device]
	s.lastArrival[device] = deviceTS
	if !seen {
		return
	}
	sk := s.jitter[device]
	if sk == nil {
		sk = newJitterSketch()
		s.jitter[device] = sk
	}
	gap := deviceTS - last
	if gap < 0 {
		return
	}
	sk.Add(gap)
}

// jitterRelativeAccuracy is the DDSketch relative error bound (1%) used for
// per-device inter-sample gap tracking.
const jitterRelativeAccuracy = 0.01

func newJitterSketch() *ddsketch.DDSketch {
	m, _ := mapping.NewLogarithmicMapping(jitterRelativeAccuracy)
	return ddsketch.NewDDSketch(m, store.NewDenseStore(), store.NewDenseStore())
}

// logJitter reports each device's inter-sample gap quantiles.
func (s *Synchronizer) logJitter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dev, sk := range s.jitter {
		if sk.GetCount() == 0 {
			continue
		}
		p50, err1 := sk.GetValueAtQuantile(0.5)
		p99, err2 := sk.GetValueAtQuantile(0.99)
		if err1 != nil || err2 != nil {
			continue
		}
		s.log.Info("syncer: inter-sample jitter",
			zap.String("device", dev),
			zap.Float64("p50_s", p50),
			zap.Float64("p99_s", p99),
			zap.Float64("count", sk.GetCount()))
	}
}

// JitterQuantile returns the q-quantile (0..1) of device's recorded
// inter-sample gaps, if jitter tracking is enabled and the device has at
// least one recorded gap.
func (s *Synchronizer) JitterQuantile(device string, q float64) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jitter == nil {
		return 0, false
	}
	sk := s.jitter[device]
	if sk == nil || sk.GetCount() == 0 {
		return 0, false
	}
	v, err := sk.GetValueAtQuantile(q)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SetEvent sets the sticky event to label, toggling back to the keymap's
// default if label is already the current sticky value. label must be a
// known keymap entry; source must be non-empty.
func (s *Synchronizer) SetEvent(label, source string) error {
	if source == "" {
		return ErrEmptySource
	}
	if !s.keymap.Known(label) {
		return ErrUnknownLabel
	}

	s.mu.Lock()
	next := label
	if s.stickyEvent == label {
		next = s.keymap.Default()
	}
	s.stickyEvent = next
	fullSinks := append([]payload.Sink(nil), s.fullSinks...)
	plotSinks := append([]payload.Sink(nil), s.plotSinks...)
	s.mu.Unlock()

	k, tq := s.grid.Quantize(s.now())
	p := payload.Payload{
		Kind:              payload.KindEvent,
		K:                 k,
		TQ:                tq,
		Label:             label,
		Source:            source,
		CurrentEventAfter: next,
	}
	pushAll(fullSinks, p, s.log)
	pushAll(plotSinks, p, s.log)
	if s.metrics != nil {
		s.metrics.EventsProcessed.Inc()
	}
	return nil
}

// TriggerSpike emits a one-shot spike marker; it does not affect the
// sticky event. source must be non-empty; label is not validated against
// the keymap, since spike labels are free-form annotations.
func (s *Synchronizer) TriggerSpike(label, source string) error {
	if source == "" {
		return ErrEmptySource
	}

	s.mu.Lock()
	fullSinks := append([]payload.Sink(nil), s.fullSinks...)
	plotSinks := append([]payload.Sink(nil), s.plotSinks...)
	s.mu.Unlock()

	k, tq := s.grid.Quantize(s.now())
	p := payload.Payload{
		Kind:   payload.KindSpike,
		K:      k,
		TQ:     tq,
		Label:  label,
		Source: source,
	}
	pushAll(fullSinks, p, s.log)
	pushAll(plotSinks, p, s.log)
	if s.metrics != nil {
		s.metrics.SpikesProcessed.Inc()
	}
	return nil
}

// CurrentEvent returns the sticky event value in effect right now.
func (s *Synchronizer) CurrentEvent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stickyEvent
}

func (s *Synchronizer) now() float64 {
	if s.clock != nil {
		return s.clock()
	}
	return time.Since(s.startWall).Seconds()
}

// pushAll best-effort delivers p to every sink, recovering and logging any
// panic so one misbehaving sink never takes down the consumer loop.
func pushAll(sinks []payload.Sink, p payload.Payload, log *zap.Logger) {
	for _, sink := range sinks {
		pushOne(sink, p, log)
	}
}

func pushOne(sink payload.Sink, p payload.Payload, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("sink panicked on push", zap.Any("recover", r), zap.String("kind", p.Kind.String()))
		}
	}()
	sink.Push(p)
}
