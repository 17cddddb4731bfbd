// Copyright (c) 2025 The Rio Authors. All rights reserved.
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

// Package port wraps a kernel completion port shared by several completion
// queues. Each queue is told apart by its correlation key; a goroutine waiting
// for one key parks the packets it receives for other keys so that their own
// waiters pick them up.
package port

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	errorx "github.com/gnet-io/rio/pkg/errors"
	"github.com/gnet-io/rio/pkg/kernel"
)

// Packet is one notification dequeued from a port.
type Packet = kernel.Packet

// Port is a completion port. It is safe for concurrent use.
type Port struct {
	p    kernel.Provider
	h    kernel.Port
	keys atomic.Uintptr

	mu      sync.Mutex
	polling bool
	closed  bool
	parked  []Packet
	changed chan struct{}
}

// Open creates a completion port, its concurrency is the number of CPUs.
func Open(p kernel.Provider) (*Port, error) {
	h, err := p.CreatePort(0)
	if err != nil {
		return nil, errorx.NewOSError("CreateIoCompletionPort", errorx.ErrInvalidParameter, err)
	}
	return &Port{p: p, h: h, changed: make(chan struct{})}, nil
}

// Handle returns the kernel handle.
func (pt *Port) Handle() kernel.Port {
	return pt.h
}

// NewKey returns a correlation key not handed out before, starting at 1.
func (pt *Port) NewKey() uintptr {
	return pt.keys.Add(1)
}

// Wait blocks until any packet arrives.
func (pt *Port) Wait() (Packet, error) {
	pkt, _, err := pt.wait(anyKey, -1)
	return pkt, err
}

// WaitTimeout is Wait bounded by d, it returns false on expiry.
func (pt *Port) WaitTimeout(d time.Duration) (Packet, bool, error) {
	return pt.wait(anyKey, d)
}

// WaitFor blocks until a packet for key arrives or d expires, a negative d
// waits forever.
func (pt *Port) WaitFor(key uintptr, d time.Duration) (Packet, bool, error) {
	return pt.wait(func(pkt *Packet) bool { return pkt.Key == key }, d)
}

// Dequeue waits up to d for the first packet and returns it together with
// whatever else is ready, at most limit packets in arrival order.
func (pt *Port) Dequeue(limit int, d time.Duration) ([]Packet, error) {
	if limit <= 0 {
		return nil, errorx.ErrInvalidParameter
	}
	first, ok, err := pt.wait(anyKey, d)
	if err != nil || !ok {
		return nil, err
	}
	pkts := append(make([]Packet, 0, limit), first)

	pt.mu.Lock()
	n := min(limit-len(pkts), len(pt.parked))
	pkts = append(pkts, pt.parked[:n]...)
	pt.parked = pt.parked[n:]
	pt.mu.Unlock()

	for len(pkts) < limit {
		pkt, ok, err := pt.wait(anyKey, 0)
		if err != nil || !ok {
			return pkts, err
		}
		pkts = append(pkts, pkt)
	}
	return pkts, nil
}

// Post queues pkt on the port.
func (pt *Port) Post(pkt Packet) error {
	if err := pt.p.PostQueuedCompletion(pt.h, pkt); err != nil {
		return errorx.NewOSError("PostQueuedCompletionStatus", errorx.ErrInvalidParameter, err)
	}
	return nil
}

// Close closes the port and wakes up every waiter with ErrClosed.
func (pt *Port) Close() error {
	pt.mu.Lock()
	if pt.closed {
		pt.mu.Unlock()
		return nil
	}
	pt.closed = true
	pt.broadcastLocked()
	pt.mu.Unlock()

	if err := pt.p.ClosePort(pt.h); err != nil {
		return errorx.NewOSError("CloseHandle", errorx.ErrInvalidParameter, err)
	}
	return nil
}

func anyKey(*Packet) bool { return true }

func (pt *Port) broadcastLocked() {
	close(pt.changed)
	pt.changed = make(chan struct{})
}

// takeLocked removes the first parked packet accepted by match.
func (pt *Port) takeLocked(match func(*Packet) bool) (Packet, bool) {
	for i := range pt.parked {
		if match(&pt.parked[i]) {
			pkt := pt.parked[i]
			pt.parked = slices.Delete(pt.parked, i, i+1)
			return pkt, true
		}
	}
	return Packet{}, false
}

// wait implements the leader/follower demultiplexing: one waiter at a time
// dequeues from the kernel, the others sleep until a packet is parked.
func (pt *Port) wait(match func(*Packet) bool, d time.Duration) (Packet, bool, error) {
	var (
		deadline time.Time
		timer    *time.Timer
		expired  <-chan time.Time
	)
	if d >= 0 {
		deadline = time.Now().Add(d)
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		pt.mu.Lock()
		if pt.closed {
			pt.mu.Unlock()
			return Packet{}, false, errorx.ErrClosed
		}
		if pkt, ok := pt.takeLocked(match); ok {
			pt.mu.Unlock()
			return pkt, true, nil
		}

		remaining := time.Duration(-1)
		if d >= 0 {
			if remaining = time.Until(deadline); remaining < 0 {
				remaining = 0
			}
		}

		if !pt.polling {
			pt.polling = true
			pt.mu.Unlock()

			pkt, err := pt.p.GetQueuedCompletion(pt.h, kernel.Millis(remaining))

			pt.mu.Lock()
			pt.polling = false
			matched := err == nil && match(&pkt)
			if err == nil && !matched {
				pt.parked = append(pt.parked, pkt)
			}
			if !pt.closed {
				pt.broadcastLocked()
			}
			pt.mu.Unlock()

			switch {
			case matched:
				return pkt, true, nil
			case errors.Is(err, kernel.WAIT_TIMEOUT):
				if remaining >= 0 && time.Until(deadline) <= 0 {
					return Packet{}, false, nil
				}
			case errors.Is(err, kernel.ERROR_ABANDONED_WAIT_0):
				return Packet{}, false, errorx.ErrClosed
			case err != nil:
				return Packet{}, false, errorx.NewOSError("GetQueuedCompletionStatus", errorx.ErrInvalidParameter, err)
			}
			continue
		}

		changed := pt.changed
		pt.mu.Unlock()

		if remaining == 0 {
			return Packet{}, false, nil
		}
		if remaining > 0 && timer == nil {
			timer = time.NewTimer(remaining)
			expired = timer.C
		}
		select {
		case <-changed:
		case <-expired:
			return Packet{}, false, nil
		}
	}
}
