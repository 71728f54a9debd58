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

// Package timebase translates a device-local, possibly-wrapping tick
// counter into monotonically non-decreasing seconds, one state table
// entry per device key. It never fails: an unexpected absence of prior
// state is treated as an implicit re-anchor.
package timebase

import (
	"sync"

	"go.uber.org/zap"
)

// Table holds per-key tick-counter state behind one mutex, the same
// keyed-map-plus-lock shape the synchronizer uses for its per-device
// anchors.
type Table struct {
	tickRateHz float64
	counterMod int64

	mu    sync.Mutex
	state map[string]*entry

	log *zap.Logger
}

type entry struct {
	start  int64
	last   int64
	offset int64
	inited bool
}

// NewTable builds a device timebase for a device family with the given
// tick rate and counter modulus (32768 Hz and 2^16 for the Shimmer
// family).
func NewTable(tickRateHz float64, counterMod int64, log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		tickRateHz: tickRateHz,
		counterMod: counterMod,
		state:      make(map[string]*entry),
		log:        log,
	}
}

// DeviceTimeS converts a raw device tick to seconds for the given key,
// anchoring on first sight and absorbing counter wraps by accumulating a
// modulus offset. Never fails.
func (t *Table) DeviceTimeS(rawTick int64, key string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.state[key]
	if !ok || !e.inited {
		e = &entry{start: rawTick, last: rawTick, offset: 0, inited: true}
		t.state[key] = e
		t.log.Info("timebase anchored", zap.String("device", key), zap.Int64("raw_tick", rawTick))
	} else if rawTick < e.last {
		e.offset += t.counterMod
		t.log.Info("timebase rollover absorbed",
			zap.String("device", key),
			zap.Int64("raw_tick", rawTick),
			zap.Int64("prev_last", e.last),
			zap.Int64("offset", e.offset))
	}
	e.last = rawTick

	return float64(e.offset+(rawTick-e.start)) / t.tickRateHz
}

// Reset clears a single device's state, forcing the next call to re-anchor.
func (t *Table) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, key)
}
