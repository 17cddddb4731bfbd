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

// Package cq implements completion queues: fixed-capacity kernel rings that
// receive the results of registered I/O operations.
//
// A Queue keeps its own account of the slots reserved by the request queues
// bound to it, the kernel is never asked to hold more completions than the
// queue's capacity. Readiness is signalled through a completion port (port
// mode) or discovered by polling (none mode).
package cq

import (
	"errors"
	"strconv"
	"sync"
	"syscall"
	"time"

	"code.hybscloud.com/iox"

	errorx "github.com/gnet-io/rio/pkg/errors"
	"github.com/gnet-io/rio/pkg/kernel"
	"github.com/gnet-io/rio/pkg/logging"
	bbPool "github.com/gnet-io/rio/pkg/pool/bytebuffer"
	"github.com/gnet-io/rio/pkg/port"
)

const (
	// DefaultSize is the capacity used when none is given.
	DefaultSize = 1024
	// MaxSize is the largest capacity the kernel supports.
	MaxSize = 0x8000000
)

// Mode is the notification mechanism of a queue.
type Mode int

const (
	// ModeNone queues are drained by polling only.
	ModeNone Mode = iota
	// ModePort queues post a packet to a completion port when armed.
	ModePort
	// ModeEvent queues signal an event object.
	ModeEvent
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModePort:
		return "port"
	case ModeEvent:
		return "event"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Event is a completion delivered by the kernel.
type Event struct {
	Status         int32
	Bytes          uint32
	SocketContext  uint64
	RequestContext uint64
}

// Err returns the OS error of a failed operation, nil on success.
func (ev Event) Err() error {
	if ev.Status == 0 {
		return nil
	}
	return syscall.Errno(uint32(ev.Status))
}

func (ev Event) String() string {
	return bbPool.Render(func(b *bbPool.ByteBuffer) {
		_, _ = b.WriteString("cq.Event{status=")
		_, _ = b.WriteString(strconv.FormatInt(int64(ev.Status), 10))
		_, _ = b.WriteString(", bytes=")
		_, _ = b.WriteString(strconv.FormatUint(uint64(ev.Bytes), 10))
		_, _ = b.WriteString(", request=")
		_, _ = b.WriteString(strconv.FormatUint(ev.RequestContext, 10))
		_ = b.WriteByte('}')
	})
}

func eventOf(r *kernel.Result) Event {
	return Event{
		Status:         r.Status,
		Bytes:          r.BytesTransferred,
		SocketContext:  r.SocketContext,
		RequestContext: r.RequestContext,
	}
}

// Queue is a completion queue. All state changes go through one mutex, a
// Queue may be shared by several request queues and goroutines.
type Queue struct {
	p    kernel.Provider
	h    kernel.CQ
	mode Mode
	port *port.Port
	key  uintptr

	mu        sync.Mutex
	capacity  int
	allocated int
	armed     bool
	corrupt   bool
	refs      int
	stash     []Event
}

// New creates a poll-only queue of the given capacity.
func New(p kernel.Provider, capacity int) (*Queue, error) {
	return create(p, capacity, ModeNone, nil, 0)
}

// NewWithPort creates a queue that notifies pt with key when armed.
func NewWithPort(p kernel.Provider, capacity int, pt *port.Port, key uintptr) (*Queue, error) {
	if pt == nil {
		return nil, errorx.ErrInvalidParameter
	}
	return create(p, capacity, ModePort, pt, key)
}

// NewWithEvent is the event-backed flavor, which is not implemented.
func NewWithEvent(kernel.Provider, int, uintptr) (*Queue, error) {
	return nil, errorx.ErrUnimplemented
}

func create(p kernel.Provider, capacity int, mode Mode, pt *port.Port, key uintptr) (*Queue, error) {
	if capacity <= 0 || capacity > MaxSize {
		return nil, errorx.ErrLimitExceeded
	}
	var n *kernel.Notification
	if mode == ModePort {
		n = &kernel.Notification{Type: kernel.NotifyPort, Port: pt.Handle(), Key: key}
	}
	h, err := p.CreateCompletionQueue(uint32(capacity), n)
	if err != nil {
		return nil, errorx.NewOSError("RIOCreateCompletionQueue", errorx.ErrInvalidParameter, err)
	}
	return &Queue{
		p:        p,
		h:        h,
		mode:     mode,
		port:     pt,
		key:      key,
		capacity: capacity,
		refs:     1,
	}, nil
}

// Handle returns the kernel handle.
func (q *Queue) Handle() kernel.CQ {
	return q.h
}

// Mode returns the notification mode.
func (q *Queue) Mode() Mode {
	return q.mode
}

// Port returns the completion port of a port-backed queue.
func (q *Queue) Port() *port.Port {
	return q.port
}

// Key returns the correlation key of a port-backed queue.
func (q *Queue) Key() uintptr {
	return q.key
}

// Capacity returns the number of completions the kernel ring holds.
func (q *Queue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// Allocated returns the number of reserved slots.
func (q *Queue) Allocated() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.allocated
}

// Allocate reserves n slots, it has no effect when the headroom is insufficient.
func (q *Queue) Allocate(n int) error {
	if n < 0 {
		return errorx.ErrInvalidParameter
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if avail := q.capacity - q.allocated; n > avail {
		return &errorx.QueueFullError{Requested: n, Available: avail}
	}
	q.allocated += n
	return nil
}

// Deallocate releases n reserved slots, the count saturates at zero.
func (q *Queue) Deallocate(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.allocated = max(q.allocated-n, 0)
	q.mu.Unlock()
}

// Resize changes the capacity. It fails when n exceeds MaxSize or is below
// the reserved slots, the capacity is only updated once the kernel agreed.
func (q *Queue) Resize(n int) error {
	if n <= 0 || n > MaxSize {
		return errorx.ErrLimitExceeded
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if n < q.allocated {
		return errorx.ErrInUse
	}
	if n == q.capacity {
		return nil
	}
	if err := q.p.ResizeCompletionQueue(q.h, uint32(n)); err != nil {
		return errorx.NewOSError("RIOResizeCompletionQueue", errorx.ErrInvalidParameter, err)
	}
	q.capacity = n
	return nil
}

// ShrinkToFit resizes the queue down to its reserved slots.
func (q *Queue) ShrinkToFit() error {
	return q.Resize(max(q.Allocated(), 1))
}

// dequeueLocked moves up to n ready completions into the stash.
func (q *Queue) dequeueLocked(n int) error {
	if q.corrupt {
		return errorx.ErrQueueCorrupted
	}
	if n <= 0 {
		return nil
	}
	results := make([]kernel.Result, n)
	got, err := q.p.DequeueCompletion(q.h, results)
	if err != nil {
		if errors.Is(err, errorx.ErrQueueCorrupted) {
			q.corrupt = true
			logging.Errorf("cq: completion queue %d is corrupted and must be discarded", q.h)
			return errorx.ErrQueueCorrupted
		}
		return errorx.NewOSError("RIODequeueCompletion", errorx.ErrInvalidParameter, err)
	}
	for i := 0; i < got; i++ {
		q.stash = append(q.stash, eventOf(&results[i]))
	}
	return nil
}

// takeLocked returns up to n events, stashed ones first.
func (q *Queue) takeLocked(n int) ([]Event, error) {
	if q.corrupt {
		return nil, errorx.ErrQueueCorrupted
	}
	if err := q.dequeueLocked(n - len(q.stash)); err != nil {
		return nil, err
	}
	k := min(n, len(q.stash))
	if k == 0 {
		return nil, nil
	}
	events := make([]Event, k)
	copy(events, q.stash)
	q.stash = q.stash[k:]
	return events, nil
}

// Poll dequeues one completion without blocking.
func (q *Queue) Poll() (Event, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	events, err := q.takeLocked(1)
	if err != nil || len(events) == 0 {
		return Event{}, false, err
	}
	return events[0], true, nil
}

// MassPoll dequeues up to limit completions in kernel order without blocking.
func (q *Queue) MassPoll(limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, errorx.ErrInvalidParameter
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(limit)
}

// PollTimeout is Poll waiting up to d, nothing is returned on expiry.
func (q *Queue) PollTimeout(d time.Duration) (Event, bool, error) {
	if ev, ok, err := q.Poll(); ok || err != nil {
		return ev, ok, err
	}
	if ok, err := q.WaitTimeout(d); !ok || err != nil {
		return Event{}, false, err
	}
	return q.Poll()
}

// MassPollTimeout is MassPoll waiting up to d for the first completion.
func (q *Queue) MassPollTimeout(limit int, d time.Duration) ([]Event, error) {
	events, err := q.MassPoll(limit)
	if len(events) > 0 || err != nil {
		return events, err
	}
	if ok, err := q.WaitTimeout(d); !ok || err != nil {
		return nil, err
	}
	return q.MassPoll(limit)
}

// Wait blocks until Poll is guaranteed to return a completion.
func (q *Queue) Wait() error {
	_, err := q.WaitTimeout(-1)
	return err
}

// WaitTimeout is Wait bounded by d, a negative d waits forever. It reports
// false on expiry.
func (q *Queue) WaitTimeout(d time.Duration) (bool, error) {
	switch q.mode {
	case ModePort:
		return q.waitPort(d)
	case ModeNone:
		return q.waitPoll(d)
	default:
		return false, errorx.ErrUnimplemented
	}
}

func deadlineOf(d time.Duration) (deadline time.Time) {
	if d >= 0 {
		deadline = time.Now().Add(d)
	}
	return
}

func remainingUntil(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return -1
	}
	return max(time.Until(deadline), 0)
}

// waitPort arms the notification and waits on the port for the queue's key.
// A packet that turns out to be stale re-arms and waits again.
func (q *Queue) waitPort(d time.Duration) (bool, error) {
	deadline := deadlineOf(d)
	for {
		q.mu.Lock()
		if err := q.dequeueLocked(1); err != nil {
			q.mu.Unlock()
			return false, err
		}
		if len(q.stash) > 0 {
			q.mu.Unlock()
			return true, nil
		}
		if err := q.armLocked(); err != nil {
			q.mu.Unlock()
			return false, err
		}
		q.mu.Unlock()

		_, ok, err := q.port.WaitFor(q.key, remainingUntil(deadline))
		if err != nil || !ok {
			return false, err
		}
		q.Acknowledge()
	}
}

// waitPoll spins with backoff until a completion shows up.
func (q *Queue) waitPoll(d time.Duration) (bool, error) {
	deadline := deadlineOf(d)
	var bo iox.Backoff
	for {
		q.mu.Lock()
		err := q.dequeueLocked(1)
		ready := len(q.stash) > 0
		q.mu.Unlock()
		if err != nil || ready {
			return ready, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false, nil
		}
		bo.Wait()
	}
}

// Arm requests a single notification of a port-backed queue, it is a no-op
// while a notification is already pending.
func (q *Queue) Arm() error {
	if q.mode != ModePort {
		if q.mode == ModeEvent {
			return errorx.ErrUnimplemented
		}
		return errorx.ErrInvalidParameter
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.armLocked()
}

func (q *Queue) armLocked() error {
	if q.armed {
		return nil
	}
	if q.corrupt {
		return errorx.ErrQueueCorrupted
	}
	if err := q.p.Notify(q.h); err != nil && !errors.Is(err, kernel.WSAEALREADY) {
		return errorx.NewOSError("RIONotify", errorx.ErrInvalidParameter, err)
	}
	q.armed = true
	return nil
}

// Acknowledge records that the pending notification was delivered.
func (q *Queue) Acknowledge() {
	q.mu.Lock()
	q.armed = false
	q.mu.Unlock()
}

// WaitThenPoll waits for and returns one completion. It is meant for queues
// with a single outstanding operation.
func (q *Queue) WaitThenPoll() (Event, error) {
	if err := q.Wait(); err != nil {
		return Event{}, err
	}
	ev, ok, err := q.Poll()
	if err != nil {
		return Event{}, err
	}
	if !ok {
		return Event{}, errorx.ErrNotQueued
	}
	return ev, nil
}

// Retain adds a reference to q.
func (q *Queue) Retain() *Queue {
	q.mu.Lock()
	q.refs++
	q.mu.Unlock()
	return q
}

// Close drops a reference, the kernel queue is closed with the last one.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.refs == 0 {
		return nil
	}
	if q.refs--; q.refs > 0 {
		return nil
	}
	q.stash = nil
	if err := q.p.CloseCompletionQueue(q.h); err != nil {
		return errorx.NewOSError("RIOCloseCompletionQueue", errorx.ErrInvalidParameter, err)
	}
	return nil
}

func (q *Queue) String() string {
	q.mu.Lock()
	capacity, allocated := q.capacity, q.allocated
	q.mu.Unlock()
	return bbPool.Render(func(b *bbPool.ByteBuffer) {
		_, _ = b.WriteString("cq.Queue{mode=")
		_, _ = b.WriteString(q.mode.String())
		_, _ = b.WriteString(", capacity=")
		_, _ = b.WriteString(strconv.Itoa(capacity))
		_, _ = b.WriteString(", allocated=")
		_, _ = b.WriteString(strconv.Itoa(allocated))
		_ = b.WriteByte('}')
	})
}
