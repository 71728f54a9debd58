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

// Package quantize maps host-relative seconds onto the uniform delta-grid:
// frame index k and quantized time t_q = k*delta, floored to a fixed
// decimal precision derived from delta.
package quantize

import "math"

// Grid holds the fixed parameters of a session's time grid.
type Grid struct {
	Delta     float64
	Precision int // D, decimal places t_q is floored to
}

// NewGrid validates delta and derives the decimal precision
// D = clamp(ceil(-log10(delta)) + 2, 0, 9).
func NewGrid(delta float64) (Grid, error) {
	if delta <= 0 {
		return Grid{}, errNonPositiveDelta
	}
	d := int(math.Ceil(-math.Log10(delta))) + 2
	if d < 0 {
		d = 0
	}
	if d > 9 {
		d = 9
	}
	return Grid{Delta: delta, Precision: d}, nil
}

// Quantize maps a host-relative time in seconds to (k, t_q) using half-up
// rounding for k and floor-then-format for t_q, so that repeated
// multiplication never introduces a carry into the formatted decimal.
func (g Grid) Quantize(t float64) (k int64, tq float64) {
	k = int64(math.Floor(t/g.Delta + 0.5))
	return k, g.QuantizedTime(k)
}

// QuantizedTime returns t_q = k*delta floored to g.Precision decimals.
func (g Grid) QuantizedTime(k int64) float64 {
	scale := math.Pow(10, float64(g.Precision))
	return math.Floor(float64(k)*g.Delta*scale) / scale
}

type gridError string

func (e gridError) Error() string { return string(e) }

const errNonPositiveDelta = gridError("quantize: delta must be > 0")
