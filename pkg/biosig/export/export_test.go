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

package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MMSPLAB/eesync-go/pkg/biosig/payload"
	"github.com/MMSPLAB/eesync-go/pkg/biosig/quantize"
)

func newTestSink(t *testing.T, opts Options) (*Sink, string, string) {
	t.Helper()
	grid, err := quantize.NewGrid(0.01)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "synced.csv")
	markersPath := filepath.Join(dir, "markers.csv")
	s, err := New(mainPath, markersPath, []string{"dev1:ch1", "dev1:ch2"}, grid, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, mainPath, markersPath
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	return lines
}

func TestNewRejectsDuplicateColumns(t *testing.T) {
	grid, _ := quantize.NewGrid(0.01)
	dir := t.TempDir()
	_, err := New(filepath.Join(dir, "m.csv"), filepath.Join(dir, "mk.csv"),
		[]string{"dev1:ch1", "dev1:ch1"}, grid, Options{})
	if err == nil {
		t.Fatal("expected ErrDuplicateChannel")
	}
}

func TestNewRejectsEmptyColumnsWhenSignalEnabled(t *testing.T) {
	grid, _ := quantize.NewGrid(0.01)
	dir := t.TempDir()
	_, err := New(filepath.Join(dir, "m.csv"), filepath.Join(dir, "mk.csv"), nil, grid, Options{})
	if err != ErrEmptyColumns {
		t.Fatalf("err = %v, want ErrEmptyColumns", err)
	}
}

func TestHeadersWrittenOnOpen(t *testing.T) {
	s, mainPath, markersPath := newTestSink(t, Options{})
	defer s.Stop()

	mainLines := readLines(t, mainPath)
	if mainLines[0] != "t_q,dev1:ch1,dev1:ch2,spike,event" {
		t.Fatalf("main header = %q", mainLines[0])
	}
	markerLines := readLines(t, markersPath)
	if markerLines[0] != "t_q,event,spike,source" {
		t.Fatalf("marker header = %q", markerLines[0])
	}
}

func TestPrintKAddsLeadingColumn(t *testing.T) {
	s, mainPath, _ := newTestSink(t, Options{PrintK: true})
	defer s.Stop()
	lines := readLines(t, mainPath)
	if lines[0] != "k,t_q,dev1:ch1,dev1:ch2,spike,event" {
		t.Fatalf("main header = %q", lines[0])
	}
}

func TestCommitRespectsLookahead(t *testing.T) {
	s, mainPath, _ := newTestSink(t, Options{LookaheadSteps: 3})
	defer s.Stop()

	// k=0..3 arrive; with L=3, only k=0 (0 <= 3-3) should commit so far.
	for k := int64(0); k <= 3; k++ {
		s.Push(payload.Payload{Kind: payload.KindSample, K: k, TQ: float64(k) * 0.01,
			Device: "dev1", Pairs: []payload.Pair{{Channel: "ch1", Value: float64(k), Valid: true}}})
	}
	s.flushForTest()

	lines := readLines(t, mainPath)
	if len(lines) != 2 { // header + 1 committed row
		t.Fatalf("got %d lines, want 2 (header + k=0): %v", len(lines), lines)
	}
}

func TestLatestWinsPerKChannel(t *testing.T) {
	s, mainPath, _ := newTestSink(t, Options{LookaheadSteps: 1})
	defer s.Stop()

	s.Push(payload.Payload{Kind: payload.KindSample, K: 0, TQ: 0, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 1, Valid: true}}})
	s.Push(payload.Payload{Kind: payload.KindSample, K: 0, TQ: 0, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 2, Valid: true}}})
	// Push one more sample past the lookahead window to force commit of k=0.
	s.Push(payload.Payload{Kind: payload.KindSample, K: 1, TQ: 0.01, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 9, Valid: true}}})
	s.flushForTest()

	lines := readLines(t, mainPath)
	if len(lines) < 2 {
		t.Fatalf("expected at least one committed row, got %v", lines)
	}
	if !strings.Contains(lines[1], "2.000000") {
		t.Fatalf("expected latest value 2.000000 to win, got row %q", lines[1])
	}
}

func TestFirstCommittedRowGetsSyncMarker(t *testing.T) {
	s, _, markersPath := newTestSink(t, Options{DefaultEvent: "baseline"})
	defer s.Stop()

	for k := int64(0); k <= int64(defaultLookaheadSteps)+1; k++ {
		s.Push(payload.Payload{Kind: payload.KindSample, K: k, TQ: float64(k) * 0.01, Device: "dev1",
			Pairs: []payload.Pair{{Channel: "ch1", Value: 1, Valid: true}}})
	}
	s.flushForTest()

	lines := readLines(t, markersPath)
	if len(lines) < 2 {
		t.Fatalf("expected at least one marker row, got %v", lines)
	}
	if !strings.HasSuffix(lines[1], ",baseline,,sync") {
		t.Fatalf("first marker row = %q, want sync row with default event", lines[1])
	}
}

func TestEventPropagatesForwardAtCommit(t *testing.T) {
	s, mainPath, _ := newTestSink(t, Options{DefaultEvent: "baseline", LookaheadSteps: 1})
	defer s.Stop()

	s.Push(payload.Payload{Kind: payload.KindSample, K: 0, TQ: 0, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 1, Valid: true}}})
	s.Push(payload.Payload{Kind: payload.KindEvent, K: 1, TQ: 0.01, Label: "task", Source: "keyboard", CurrentEventAfter: "task"})
	s.Push(payload.Payload{Kind: payload.KindSample, K: 1, TQ: 0.01, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 2, Valid: true}}})
	s.Push(payload.Payload{Kind: payload.KindSample, K: 2, TQ: 0.02, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 3, Valid: true}}})
	s.flushForTest()

	lines := readLines(t, mainPath)
	// row for k=0 should carry the baseline event (event set before it arrives)
	if !strings.HasSuffix(lines[1], ",baseline") {
		t.Fatalf("k=0 row = %q, want trailing event=baseline", lines[1])
	}
	// row for k=1 should carry the new sticky event "task"
	if !strings.HasSuffix(lines[2], ",task") {
		t.Fatalf("k=1 row = %q, want trailing event=task", lines[2])
	}
}

func TestEventAloneCreatesNoSyncedRow(t *testing.T) {
	s, mainPath, _ := newTestSink(t, Options{DefaultEvent: "baseline", LookaheadSteps: 1})
	defer s.Stop()

	s.Push(payload.Payload{Kind: payload.KindEvent, K: 1, TQ: 0.01, Label: "task", Source: "keyboard", CurrentEventAfter: "task"})
	s.Push(payload.Payload{Kind: payload.KindSample, K: 3, TQ: 0.03, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 5, Valid: true}}})
	s.Push(payload.Payload{Kind: payload.KindSample, K: 4, TQ: 0.04, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 6, Valid: true}}})
	s.flushForTest()

	lines := readLines(t, mainPath)
	// Header plus the k=3 row only: the event at k=1 produced no synced row
	// of its own, but its sticky change is visible at the next committed k.
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 (header + k=3): %v", len(lines), lines)
	}
	if !strings.HasSuffix(lines[1], ",task") {
		t.Fatalf("k=3 row = %q, want trailing event=task carried from the k=1 change", lines[1])
	}
}

func TestAbsentChannelIsEmptyCell(t *testing.T) {
	s, mainPath, _ := newTestSink(t, Options{LookaheadSteps: 1})
	defer s.Stop()

	s.Push(payload.Payload{Kind: payload.KindSample, K: 0, TQ: 0, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 1, Valid: true}}})
	s.Push(payload.Payload{Kind: payload.KindSample, K: 1, TQ: 0.01, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 2, Valid: true}}})
	s.flushForTest()

	lines := readLines(t, mainPath)
	// k=0 row: ch1=1.000000, ch2 absent -> empty cell
	if !strings.Contains(lines[1], "1.000000,,") {
		t.Fatalf("row = %q, want empty cell for unobserved ch2", lines[1])
	}
}

func TestLateSampleAfterCommitIsDropped(t *testing.T) {
	s, mainPath, _ := newTestSink(t, Options{LookaheadSteps: 3})
	defer s.Stop()

	for k := int64(1); k <= 7; k++ {
		s.Push(payload.Payload{Kind: payload.KindSample, K: k, TQ: float64(k) * 0.01, Device: "dev1",
			Pairs: []payload.Pair{{Channel: "ch1", Value: float64(k), Valid: true}}})
	}
	// k=2 was already committed (kSeenMax=7, L=3 => committed through k=4).
	// A late arrival for k=2 must be dropped, not re-inserted as a new row.
	s.Push(payload.Payload{Kind: payload.KindSample, K: 2, TQ: 0.02, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch2", Value: 99, Valid: true}}})
	s.flushForTest()

	lines := readLines(t, mainPath)
	// header + rows for k=1..4, no duplicate/out-of-order row for the late k=2.
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5 (header + k=1..4): %v", len(lines), lines)
	}
	for _, line := range lines[1:] {
		if strings.Contains(line, "99.000000") {
			t.Fatalf("late sample value leaked into output: %q", line)
		}
	}
}

func TestEventMarkerWrittenImmediatelyNotDeferredToCommit(t *testing.T) {
	s, _, markersPath := newTestSink(t, Options{DefaultEvent: "baseline", LookaheadSteps: 3})
	defer s.Stop()

	// No sample has ever arrived, so kSeenMax is still 0 and nothing has
	// been committed (no "sync" row yet either); the event marker must
	// still land on disk right away.
	s.Push(payload.Payload{Kind: payload.KindEvent, K: 50, TQ: 0.50, Label: "task", Source: "keyboard", CurrentEventAfter: "task"})
	s.flushForTest()

	lines := readLines(t, markersPath)
	if len(lines) != 2 {
		t.Fatalf("got %d marker lines, want 2 (header + immediate event row): %v", len(lines), lines)
	}
	if !strings.HasSuffix(lines[1], ",task,,keyboard") {
		t.Fatalf("marker row = %q, want trailing event=task,spike=,source=keyboard", lines[1])
	}
}

func TestSpikeMarkerWrittenImmediatelyAndLateSpikeBufferDropped(t *testing.T) {
	s, mainPath, markersPath := newTestSink(t, Options{LookaheadSteps: 3})
	defer s.Stop()

	for k := int64(1); k <= 7; k++ {
		s.Push(payload.Payload{Kind: payload.KindSample, K: k, TQ: float64(k) * 0.01, Device: "dev1",
			Pairs: []payload.Pair{{Channel: "ch1", Value: float64(k), Valid: true}}})
	}
	// k=1 is already committed (which also wrote the one-time "sync" marker
	// row); the spike marker still lands immediately, but the spike column
	// in the (already-flushed) synced row cannot.
	s.Push(payload.Payload{Kind: payload.KindSpike, K: 1, TQ: 0.01, Label: "blink", Source: "photodiode"})
	s.flushForTest()

	markerLines := readLines(t, markersPath)
	if len(markerLines) != 3 {
		t.Fatalf("got %d marker lines, want 3 (header + sync row + immediate spike row): %v", len(markerLines), markerLines)
	}
	if !strings.HasSuffix(markerLines[2], ",,blink,photodiode") {
		t.Fatalf("marker row = %q, want trailing event=,spike=blink,source=photodiode", markerLines[2])
	}

	mainLines := readLines(t, mainPath)
	if strings.Contains(mainLines[1], "blink") {
		t.Fatalf("late spike leaked into already-committed synced row: %q", mainLines[1])
	}
}

func TestEmptyMainPathDisablesSyncedCSV(t *testing.T) {
	grid, _ := quantize.NewGrid(0.01)
	dir := t.TempDir()
	markersPath := filepath.Join(dir, "markers.csv")
	s, err := New("", markersPath, nil, grid, Options{DefaultEvent: "baseline"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	s.Push(payload.Payload{Kind: payload.KindSample, K: 0, TQ: 0, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 1, Valid: true}}})
	s.flushForTest()

	lines := readLines(t, markersPath)
	if len(lines) != 1 {
		t.Fatalf("expected just the markers header (no commits disabled output), got %v", lines)
	}
}

func TestEmptyMarkersPathDisablesMarkersCSV(t *testing.T) {
	grid, _ := quantize.NewGrid(0.01)
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "synced.csv")
	s, err := New(mainPath, "", []string{"dev1:ch1"}, grid, Options{DefaultEvent: "baseline", LookaheadSteps: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	s.Push(payload.Payload{Kind: payload.KindSample, K: 0, TQ: 0, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 1, Valid: true}}})
	s.Push(payload.Payload{Kind: payload.KindSample, K: 1, TQ: 0.01, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 2, Valid: true}}})
	s.flushForTest()

	lines := readLines(t, mainPath)
	if len(lines) < 2 {
		t.Fatalf("expected synced CSV to still commit rows, got %v", lines)
	}
}

func TestIdleWatermarkForcesFullCommitAndFlush(t *testing.T) {
	s, mainPath, _ := newTestSink(t, Options{
		LookaheadSteps: 1000,
		FlushPeriod:    10 * time.Millisecond,
		IdleWatermark:  30 * time.Millisecond,
	})
	defer s.Stop()

	// A huge lookahead means nothing would commit on its own; only the idle
	// watermark's forced commit should push this row to disk.
	s.Push(payload.Payload{Kind: payload.KindSample, K: 5, TQ: 0.05, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 7, Valid: true}}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		lines := readLines(t, mainPath)
		if len(lines) >= 2 {
			if !strings.Contains(lines[1], "7.000000") {
				t.Fatalf("committed row = %q, want ch1=7.000000", lines[1])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("idle watermark never forced the buffered row to commit")
}

func TestStopCommitsEverythingBuffered(t *testing.T) {
	s, mainPath, _ := newTestSink(t, Options{LookaheadSteps: 1000})
	s.Push(payload.Payload{Kind: payload.KindSample, K: 0, TQ: 0, Device: "dev1",
		Pairs: []payload.Pair{{Channel: "ch1", Value: 1, Valid: true}}})
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	lines := readLines(t, mainPath)
	if len(lines) != 2 {
		t.Fatalf("expected final commit to flush buffered row, got %v", lines)
	}
}
