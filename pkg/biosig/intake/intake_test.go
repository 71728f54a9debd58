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

package intake

import (
	"testing"
	"time"
)

func TestUnboundedEnqueueDequeueFIFO(t *testing.T) {
	q := New(0, nil, nil)
	q.Enqueue(Packet{Device: "A", DeviceTS: 1})
	q.Enqueue(Packet{Device: "A", DeviceTS: 2})
	q.Enqueue(Packet{Device: "A", DeviceTS: 3})

	for _, want := range []float64{1, 2, 3} {
		p, ok := q.DequeueWait(time.Second)
		if !ok {
			t.Fatalf("expected a packet, got timeout")
		}
		if p.DeviceTS != want {
			t.Fatalf("DequeueWait = %v, want %v", p.DeviceTS, want)
		}
	}
}

func TestDequeueWaitTimesOut(t *testing.T) {
	q := New(0, nil, nil)
	start := time.Now()
	_, ok := q.DequeueWait(50 * time.Millisecond)
	if ok {
		t.Fatalf("expected timeout on empty queue")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("returned too quickly: %v", elapsed)
	}
}

func TestBoundedDropsOldest(t *testing.T) {
	var drops int
	q := New(2, func() { drops++ }, nil)
	q.Enqueue(Packet{DeviceTS: 1})
	q.Enqueue(Packet{DeviceTS: 2})
	q.Enqueue(Packet{DeviceTS: 3}) // should drop DeviceTS=1

	if drops != 1 {
		t.Fatalf("drops = %d, want 1", drops)
	}
	p, ok := q.DequeueWait(time.Second)
	if !ok || p.DeviceTS != 2 {
		t.Fatalf("expected oldest-surviving packet DeviceTS=2, got %+v ok=%v", p, ok)
	}
	p, ok = q.DequeueWait(time.Second)
	if !ok || p.DeviceTS != 3 {
		t.Fatalf("expected packet DeviceTS=3, got %+v ok=%v", p, ok)
	}
}

func TestSentinelNeverDropped(t *testing.T) {
	q := New(1, nil, nil)
	q.Enqueue(Packet{DeviceTS: 1})
	q.PushSentinel() // bound is already at capacity; sentinel must still arrive

	first, ok := q.DequeueWait(time.Second)
	if !ok {
		t.Fatal("expected first packet")
	}
	second, ok := q.DequeueWait(time.Second)
	if !ok {
		t.Fatal("expected sentinel packet")
	}
	if !first.Sentinel && !second.Sentinel {
		t.Fatalf("expected one of the two dequeued packets to be the sentinel")
	}
}

func TestLenReflectsQueueSize(t *testing.T) {
	q := New(0, nil, nil)
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
	q.Enqueue(Packet{})
	q.Enqueue(Packet{})
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	q.DequeueWait(time.Second)
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}
