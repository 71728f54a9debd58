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

package timebase

import "sync"

// defaultSoftRealignGapSec is the wall-clock gap that triggers a soft
// realign in Deterministic, matching the reference streaming-framework
// timebase's inactivity threshold.
const defaultSoftRealignGapSec = 0.250

// Deterministic produces a uniform 1/fs tick sequence anchored on the
// first observed wall-clock stamp, removing jitter from a streaming
// framework's own timestamps. Each call to Next returns prev + 1/fs; a
// large gap since the last wall-clock stamp triggers a soft realign to
// avoid unbounded drift against the real source.
type Deterministic struct {
	fs         float64
	dt         float64
	softGapSec float64

	mu       sync.Mutex
	anchored bool
	tCurr    float64
	lastWall float64
}

// NewDeterministic builds a generator for the given nominal sample rate.
// fsHz <= 0 falls back to 250 Hz, matching the Unicorn EEG default.
func NewDeterministic(fsHz float64) *Deterministic {
	if fsHz <= 0 {
		fsHz = 250.0
	}
	return &Deterministic{
		fs:         fsHz,
		dt:         1.0 / fsHz,
		softGapSec: defaultSoftRealignGapSec,
	}
}

// PrimeFromFirstStamp anchors the generator on a first observed wall-clock
// stamp, ready to emit that stamp as the next tick.
func (d *Deterministic) PrimeFromFirstStamp(firstStamp float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tCurr = firstStamp
	d.lastWall = firstStamp
	d.anchored = true
}

// Reset clears the anchor so the next call to Next or PrimeFromFirstStamp
// starts a fresh timeline.
func (d *Deterministic) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.anchored = false
	d.tCurr = 0
	d.lastWall = 0
}

// Next returns the next deterministic timestamp. lastSeenWallStamp, if
// provided (non-nil), triggers a self-prime on first use and a soft
// realign when it has advanced by at least the soft-gap threshold since
// the previous call.
func (d *Deterministic) Next(lastSeenWallStamp *float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.anchored {
		base := 0.0
		if lastSeenWallStamp != nil {
			base = *lastSeenWallStamp
		}
		d.tCurr = base
		d.lastWall = base
		d.anchored = true
	}

	if lastSeenWallStamp != nil {
		wall := *lastSeenWallStamp
		if wall-d.lastWall >= d.softGapSec {
			d.tCurr = wall
		}
		d.lastWall = wall
	}

	out := d.tCurr
	d.tCurr = out + d.dt
	return out
}

// FS returns the nominal sample rate.
func (d *Deterministic) FS() float64 { return d.fs }

// DT returns the uniform step 1/fs.
func (d *Deterministic) DT() float64 { return d.dt }

// Anchored reports whether the generator has been primed.
func (d *Deterministic) Anchored() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.anchored
}
