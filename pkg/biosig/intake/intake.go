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

// Package intake implements the multi-producer, single-consumer sample
// packet queue feeding the synchronizer: unbounded when max_queue is 0,
// drop-oldest on overflow otherwise. Marker triggers never pass through
// this queue; they are dispatched synchronously by the caller.
package intake

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MMSPLAB/eesync-go/pkg/biosig/payload"
)

// Packet is a producer-submitted sample packet. Sentinel packets carry no
// payload and signal the consumer to stop.
type Packet struct {
	DeviceTS float64
	Device   string
	Pairs    []payload.Pair

	Sentinel bool
}

// Queue is a bounded or unbounded FIFO of Packet, backed by a
// container/list buffer guarded by a single mutex.
type Queue struct {
	mu     sync.Mutex
	buf    *list.List
	max    int // 0 = unbounded
	signal chan struct{}

	onDrop func()
	log    *zap.Logger
}

// New builds a Queue. max <= 0 means unbounded. onDrop, if non-nil, is
// called once per dropped packet (for metrics); it must not block.
func New(max int, onDrop func(), log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		buf:    list.New(),
		max:    max,
		signal: make(chan struct{}, 1),
		onDrop: onDrop,
		log:    log,
	}
}

// Enqueue appends a packet. When bounded and full, the oldest packet is
// popped before the new one is pushed; both steps happen under the same
// lock, so no concurrent pop can race the push. A structured warning is
// logged on drop.
func (q *Queue) Enqueue(p Packet) {
	q.mu.Lock()
	if q.max > 0 && q.buf.Len() >= q.max {
		q.buf.Remove(q.buf.Front())
		if q.onDrop != nil {
			q.onDrop()
		}
		q.log.Warn("intake queue full, dropping oldest", zap.Int("max_queue", q.max))
	}
	q.buf.PushBack(p)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// PushSentinel enqueues a stop sentinel, bypassing the bound: a shutdown
// signal must never be dropped.
func (q *Queue) PushSentinel() {
	q.mu.Lock()
	q.buf.PushBack(Packet{Sentinel: true})
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// DequeueWait blocks up to timeout for a packet. ok is false on timeout
// with no packet available.
func (q *Queue) DequeueWait(timeout time.Duration) (p Packet, ok bool) {
	if p, ok = q.tryDequeue(); ok {
		return p, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.signal:
		return q.tryDequeue()
	case <-timer.C:
		return Packet{}, false
	}
}

func (q *Queue) tryDequeue() (Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.buf.Front()
	if front == nil {
		return Packet{}, false
	}
	q.buf.Remove(front)
	return front.Value.(Packet), true
}

// Len reports the number of packets currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Len()
}
