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
	"go.uber.org/zap"

	"github.com/MMSPLAB/eesync-go/pkg/biosig/payload"
)

// FilterFunc is an injectable per-packet hook point standing in for a
// streaming SOS filter: device handlers pass each raw pair slice through
// it before enqueueing. The filter arithmetic itself lives outside this
// module; the hook only preserves the seam a real implementation plugs
// into.
type FilterFunc func(device string, pairs []payload.Pair) []payload.Pair

// Handler is the minimal shape a real device driver (serial/Shimmer,
// LSL/Unicorn, ...) implements: start acquiring, stop acquiring. Real
// protocol handling is out of scope; Handler exists so cmd/eesync can wire
// a uniform device list regardless of backing transport.
type Handler interface {
	Start()
	Stop()
}

// StubDevice is a structure-only device handler: it starts and stops
// cleanly but never emits a sample, standing in for an unimplemented
// real-device driver.
type StubDevice struct {
	Name   string
	Filter FilterFunc

	log    *zap.Logger
	doneCh chan struct{}
}

// NewStubDevice builds a no-op device handler under the given name.
func NewStubDevice(name string, filter FilterFunc, log *zap.Logger) *StubDevice {
	if log == nil {
		log = zap.NewNop()
	}
	return &StubDevice{Name: name, Filter: filter, log: log, doneCh: make(chan struct{})}
}

// Start logs that the stub is active. It never emits samples.
func (s *StubDevice) Start() {
	s.log.Info("device_template: stub device started, no samples will be emitted", zap.String("device", s.Name))
}

// Stop is a no-op; present to satisfy Handler.
func (s *StubDevice) Stop() {}

var (
	_ Handler = (*StubDevice)(nil)
	_ Handler = (*SineDevice)(nil)
)
