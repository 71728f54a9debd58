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

// Package export implements the CSV export sink: a wide synced-samples
// CSV plus a markers sidecar CSV, committed in ascending frame-index
// order behind a fixed lookahead so that out-of-order arrivals within the
// lookahead window still land in the right row. Output goes through
// buffered *os.File writers flushed on a periodic cadence, a committed
// row-count backstop, and an idle watermark.
package export

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MMSPLAB/eesync-go/pkg/biosig/metrics"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/payload"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/quantize"
)

// ErrDuplicateChannel is returned by New when the same device:channel pair
// is registered twice; the wide CSV has exactly one column per pair and a
// duplicate is a configuration error, not something to resolve silently.
var ErrDuplicateChannel = errors.New("export: duplicate device:channel column")

// ErrEmptyColumns is returned by New when the synced CSV is enabled (a
// non-empty mainPath) but no columns were configured for it.
var ErrEmptyColumns = errors.New("export: synced CSV enabled with an empty channel list")

const (
	defaultFlushPeriod    = 250 * time.Millisecond
	defaultLookaheadSteps = 3
	minFlushRowsThreshold = 64
	maxFlushRowsThreshold = 2048
)

// Options configure a Sink beyond its mandatory path/columns/grid.
type Options struct {
	// PrintK, when true, adds a leading integer k column to both CSVs.
	PrintK bool

	// LookaheadSteps is the fixed commit lookahead L, in grid steps.
	// Takes priority over LookaheadSec/FSMax if non-zero.
	LookaheadSteps int
	// LookaheadSec, combined with FSMax, derives L when LookaheadSteps is
	// zero: L = ceil(LookaheadSec * FSMax).
	LookaheadSec float64
	FSMax        float64

	// FlushPeriod is the periodic flush cadence. Default 250ms.
	FlushPeriod time.Duration
	// FlushRowsThreshold forces a flush after this many committed rows
	// since the last flush, independent of FlushPeriod. Default
	// clamp(round(FSMax*FlushPeriod), 64, 2048).
	FlushRowsThreshold int
	// IdleWatermark forces a full commit+flush after this long without any
	// arrival. Zero disables the idle watermark.
	IdleWatermark time.Duration

	DefaultEvent string
	Metrics      *metrics.Set
	Log          *zap.Logger
}

type cellRow struct {
	tq     float64
	haveTQ bool
	values map[string]float64
	valid  map[string]bool
	spike  string // latest-wins spike label for this k
}

type eventChange struct {
	sticky string // sticky value in effect after this change
}

// Sink is the CSV export sink. It implements payload.Sink.
type Sink struct {
	grid    quantize.Grid
	columns []string // device:channel, in column order
	colSet  map[string]bool

	printK  bool
	L       int64
	metrics *metrics.Set
	log     *zap.Logger

	flushPeriod   time.Duration
	rowsThreshold int
	idleWatermark time.Duration

	mu               sync.Mutex
	rows             map[int64]*cellRow
	events           map[int64][]eventChange
	kSeenMax         int64
	haveSeen         bool
	sticky           string
	firstRowWritten  bool
	rowsSinceFlush   int
	lastArrival      time.Time
	closed           bool
	committedThrough int64 // highest commit watermark ever reached; k <= this is already past

	mainFile    *os.File
	mainW       *csv.Writer
	markersFile *os.File
	markersW    *csv.Writer

	stopCh chan struct{}
	doneCh chan struct{}
}

// New opens mainPath and markersPath (truncating any existing content),
// writes both headers, and starts the background flush/idle-watermark
// loop. columns lists device:channel pairs in the order they should appear
// as wide-CSV columns; duplicates are rejected. An empty mainPath or
// markersPath disables that output entirely (CSV_SIGNAL_ENABLE /
// CSV_MARKER_ENABLE false): an empty column list is then not fatal, since
// there is no synced-CSV header to need them.
func New(mainPath, markersPath string, columns []string, grid quantize.Grid, opts Options) (*Sink, error) {
	colSet := make(map[string]bool, len(columns))
	for _, c := range columns {
		if colSet[c] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, c)
		}
		colSet[c] = true
	}
	if mainPath != "" && len(columns) == 0 {
		return nil, ErrEmptyColumns
	}

	if opts.FlushPeriod <= 0 {
		opts.FlushPeriod = defaultFlushPeriod
	}
	if opts.FlushRowsThreshold <= 0 {
		n := int(math.Round(opts.FSMax * opts.FlushPeriod.Seconds()))
		if n < minFlushRowsThreshold {
			n = minFlushRowsThreshold
		}
		if n > maxFlushRowsThreshold {
			n = maxFlushRowsThreshold
		}
		opts.FlushRowsThreshold = n
	}
	L := int64(opts.LookaheadSteps)
	if L <= 0 {
		if opts.LookaheadSec > 0 && opts.FSMax > 0 {
			L = int64(math.Ceil(opts.LookaheadSec * opts.FSMax))
		} else {
			L = defaultLookaheadSteps
		}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	var mainFile, markersFile *os.File
	var mainW, markersW *csv.Writer
	var err error
	if mainPath != "" {
		mainFile, err = os.OpenFile(mainPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		mainW = csv.NewWriter(bufio.NewWriterSize(mainFile, 1<<20))
	}
	if markersPath != "" {
		markersFile, err = os.OpenFile(markersPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			if mainFile != nil {
				mainFile.Close()
			}
			return nil, err
		}
		markersW = csv.NewWriter(bufio.NewWriterSize(markersFile, 1<<16))
	}

	s := &Sink{
		grid:             grid,
		columns:          append([]string(nil), columns...),
		colSet:           colSet,
		printK:           opts.PrintK,
		L:                L,
		metrics:          opts.Metrics,
		log:              opts.Log,
		flushPeriod:      opts.FlushPeriod,
		rowsThreshold:    opts.FlushRowsThreshold,
		idleWatermark:    opts.IdleWatermark,
		rows:             make(map[int64]*cellRow),
		events:           make(map[int64][]eventChange),
		committedThrough: -1,
		sticky:           opts.DefaultEvent,
		lastArrival:      time.Now(),
		mainFile:         mainFile,
		mainW:            mainW,
		markersFile:      markersFile,
		markersW:         markersW,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
	if err := s.writeHeaders(); err != nil {
		if mainFile != nil {
			mainFile.Close()
		}
		if markersFile != nil {
			markersFile.Close()
		}
		return nil, err
	}
	go s.run()
	return s, nil
}

func (s *Sink) writeHeaders() error {
	if s.mainW != nil {
		main := []string{}
		if s.printK {
			main = append(main, "k")
		}
		main = append(main, "t_q")
		main = append(main, s.columns...)
		main = append(main, "spike", "event")
		if err := s.mainW.Write(main); err != nil {
			return err
		}
		s.mainW.Flush()
		if err := s.mainW.Error(); err != nil {
			return err
		}
	}

	if s.markersW != nil {
		markers := []string{}
		if s.printK {
			markers = append(markers, "k")
		}
		markers = append(markers, "t_q", "event", "spike", "source")
		if err := s.markersW.Write(markers); err != nil {
			return err
		}
		s.markersW.Flush()
		if err := s.markersW.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			idle := s.idleWatermark > 0 && time.Since(s.lastArrival) >= s.idleWatermark
			if idle && s.haveSeen {
				s.commitUpTo(s.kSeenMax)
				if s.kSeenMax > s.committedThrough {
					s.committedThrough = s.kSeenMax
				}
				// Bump the activity timestamp so this idle stretch forces
				// exactly one commit+flush, not one every tick until a new
				// packet arrives.
				s.lastArrival = time.Now()
				if s.metrics != nil {
					s.metrics.IdleFlushesTotal.Inc()
				}
			}
			s.flushLocked()
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// Push implements payload.Sink. Samples and spikes that arrive for a frame
// index at or before the commit watermark are dropped from the row buffer
// (their row was already committed and removed); markers for an event or
// spike are always written immediately, regardless of the watermark.
func (s *Sink) Push(p payload.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.lastArrival = time.Now()

	switch p.Kind {
	case payload.KindSample:
		if p.K <= s.committedThrough {
			s.dropLate()
			break
		}
		s.bumpSeen(p.K)
		s.applySample(p)
	case payload.KindEvent:
		next := s.sticky
		if p.CurrentEventAfter != "" {
			next = p.CurrentEventAfter
		}
		s.writeMarkerRow(p.K, p.TQ, next, "", p.Source)
		if p.K > s.committedThrough {
			s.events[p.K] = append(s.events[p.K], eventChange{sticky: next})
		} else {
			// Its own row already committed; the change can only take
			// effect for rows still ahead of the watermark.
			s.sticky = next
		}
	case payload.KindSpike:
		s.writeMarkerRow(p.K, p.TQ, "", p.Label, p.Source)
		if p.K <= s.committedThrough {
			s.dropLate()
			break
		}
		s.bumpSeen(p.K)
		r := s.rowFor(p.K, p.TQ)
		r.spike = p.Label
	}

	kCommit := s.kSeenMax - s.L
	s.commitUpTo(kCommit)
	if kCommit > s.committedThrough {
		s.committedThrough = kCommit
	}
	if s.rowsSinceFlush >= s.rowsThreshold {
		s.flushLocked()
	}
}

func (s *Sink) dropLate() {
	if s.metrics != nil {
		s.metrics.LateDroppedTotal.Inc()
	}
}

func (s *Sink) bumpSeen(k int64) {
	if !s.haveSeen || k > s.kSeenMax {
		s.kSeenMax = k
		s.haveSeen = true
	}
}

func (s *Sink) rowFor(k int64, tq float64) *cellRow {
	r := s.rows[k]
	if r == nil {
		r = &cellRow{values: make(map[string]float64), valid: make(map[string]bool)}
		s.rows[k] = r
	}
	if !r.haveTQ {
		r.tq = tq
		r.haveTQ = true
	}
	return r
}

func (s *Sink) applySample(p payload.Payload) {
	r := s.rowFor(p.K, p.TQ)
	for _, pair := range p.Pairs {
		key := p.Device + ":" + pair.Channel
		if !s.colSet[key] {
			continue // not a configured export column
		}
		r.values[key] = pair.Value
		r.valid[key] = pair.Valid
	}
}

// commitUpTo writes every buffered row with k <= kCommit, ascending. Rows
// exist only where a sample or spike landed; an event trigger alone never
// creates a row, its pending sticky change waits for the next committed
// row at or after its key. Must be called with s.mu held.
func (s *Sink) commitUpTo(kCommit int64) {
	var sorted []int64
	for k := range s.rows {
		if k <= kCommit {
			sorted = append(sorted, k)
		}
	}
	if len(sorted) == 0 {
		return
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, k := range sorted {
		s.commitOne(k)
	}
}

func (s *Sink) commitOne(k int64) {
	r := s.rows[k]
	tq := s.grid.QuantizedTime(k)
	if r != nil && r.haveTQ {
		tq = r.tq
	}

	if !s.firstRowWritten {
		s.writeMarkerRow(k, tq, s.sticky, "", "sync")
		s.firstRowWritten = true
	}

	s.applyEventsThrough(k)

	spike := ""
	if r != nil {
		spike = r.spike
	}
	s.writeMainRow(k, tq, r, spike, s.sticky)
	if s.metrics != nil {
		s.metrics.RowsCommitted.Inc()
	}
	s.rowsSinceFlush++

	delete(s.rows, k)
}

// applyEventsThrough folds every pending sticky-event change recorded at a
// key <= k into s.sticky, in ascending key order, and evicts them. Must be
// called with s.mu held.
func (s *Sink) applyEventsThrough(k int64) {
	var keys []int64
	for ek := range s.events {
		if ek <= k {
			keys = append(keys, ek)
		}
	}
	if len(keys) == 0 {
		return
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, ek := range keys {
		for _, e := range s.events[ek] {
			s.sticky = e.sticky
		}
		delete(s.events, ek)
	}
}

func (s *Sink) writeMainRow(k int64, tq float64, r *cellRow, spike, event string) {
	if s.mainW == nil {
		return
	}
	rec := []string{}
	if s.printK {
		rec = append(rec, strconv.FormatInt(k, 10))
	}
	rec = append(rec, formatFloat(tq))
	for _, col := range s.columns {
		if r != nil && r.valid[col] {
			rec = append(rec, formatFloat(r.values[col]))
		} else {
			rec = append(rec, "")
		}
	}
	rec = append(rec, spike, event)
	if err := s.mainW.Write(rec); err != nil {
		s.log.Warn("export: failed to write synced row", zap.Error(err), zap.Int64("k", k))
	}
}

func (s *Sink) writeMarkerRow(k int64, tq float64, event, spike, source string) {
	if s.markersW == nil {
		return
	}
	rec := []string{}
	if s.printK {
		rec = append(rec, strconv.FormatInt(k, 10))
	}
	rec = append(rec, formatFloat(tq), event, spike, source)
	if err := s.markersW.Write(rec); err != nil {
		s.log.Warn("export: failed to write marker row", zap.Error(err), zap.Int64("k", k))
	}
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// flushLocked flushes both CSV writers' underlying buffers. Must be called
// with s.mu held.
func (s *Sink) flushLocked() {
	start := time.Now()
	if s.mainW != nil {
		s.mainW.Flush()
	}
	if s.markersW != nil {
		s.markersW.Flush()
	}
	s.rowsSinceFlush = 0
	if s.metrics != nil {
		s.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}
}

// flushForTest flushes buffered CSV writers without waiting for the
// periodic ticker. Exported only to this package's tests.
func (s *Sink) flushForTest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

// Stop performs a final full commit (every buffered k, regardless of
// lookahead), flushes, and closes both files. Safe to call once.
func (s *Sink) Stop() error {
	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.haveSeen {
		s.commitUpTo(s.kSeenMax)
	}
	s.flushLocked()
	s.closed = true
	var err1, err2 error
	if s.mainFile != nil {
		err1 = s.mainFile.Close()
	}
	if s.markersFile != nil {
		err2 = s.markersFile.Close()
	}
	if err1 != nil {
		return err1
	}
	return err2
}
