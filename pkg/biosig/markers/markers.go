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

// Package markers models the operator-provided event keymap backing the
// session's sticky event. The synchronizer owns the live sticky value;
// this package only resolves the keymap's default and validates labels
// against it.
package markers

import "errors"

// ErrEmptyKeymap is returned by NewKeymap when given no entries; a session
// cannot resolve a default event without at least one keymap entry.
var ErrEmptyKeymap = errors.New("markers: event keymap must have at least one entry")

// ErrUnknownLabel is returned when a trigger references a label outside
// the configured keymap.
var ErrUnknownLabel = errors.New("markers: unknown label")

// Keymap is an ordered set of event labels. The first entry (by
// declaration order) is the session's default event.
type Keymap struct {
	order  []string // labels, in declaration order
	labels map[string]bool
}

// NewKeymap builds a Keymap from an ordered slice of labels (already
// resolved from whatever trigger-key representation configuration uses).
// The first element becomes the default event.
func NewKeymap(orderedLabels []string) (Keymap, error) {
	if len(orderedLabels) == 0 {
		return Keymap{}, ErrEmptyKeymap
	}
	labels := make(map[string]bool, len(orderedLabels))
	order := make([]string, 0, len(orderedLabels))
	for _, l := range orderedLabels {
		if labels[l] {
			continue // duplicate label, keep first occurrence's order position
		}
		labels[l] = true
		order = append(order, l)
	}
	return Keymap{order: order, labels: labels}, nil
}

// Default returns the keymap's default (first-declared) label.
func (k Keymap) Default() string {
	if len(k.order) == 0 {
		return ""
	}
	return k.order[0]
}

// Known reports whether label is present in the keymap.
func (k Keymap) Known(label string) bool {
	return k.labels[label]
}

// Labels returns the keymap's labels in declaration order.
func (k Keymap) Labels() []string {
	out := make([]string, len(k.order))
	copy(out, k.order)
	return out
}
