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

package cq

import (
	"errors"
	"io"
	"math/rand"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	errorx "github.com/gnet-io/rio/pkg/errors"
	"github.com/gnet-io/rio/pkg/kernel"
	"github.com/gnet-io/rio/pkg/port"
)

// sender drives raw kernel sends whose completions land in a queue under test.
type sender struct {
	p   *kernel.Emulator
	rq  kernel.RQ
	buf kernel.Buf
}

func newSender(t *testing.T, p *kernel.Emulator, q *Queue, outstanding uint32) *sender {
	t.Helper()

	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, c)
		_ = c.Close()
	}()

	s, err := p.Socket(syscall.AF_INET, syscall.SOCK_STREAM, syscall.IPPROTO_TCP, kernel.FlagRegisteredIO)
	require.NoError(t, err)
	require.NoError(t, p.Connect(s, ln.Addr().(*net.TCPAddr)))
	t.Cleanup(func() { _ = p.CloseSocket(s) })

	recv, err := p.CreateCompletionQueue(1, nil)
	require.NoError(t, err)
	rq, err := p.CreateRequestQueue(s, 0, 1, outstanding, 1, recv, q.Handle(), 0)
	require.NoError(t, err)

	id, err := p.RegisterBuffer([]byte("completion"))
	require.NoError(t, err)
	return &sender{p: p, rq: rq, buf: kernel.Buf{BufferID: id, Length: 10}}
}

func (s *sender) send(t *testing.T, tag uint64) {
	t.Helper()
	eventually(t, func() bool {
		err := s.p.Send(s.rq, &s.buf, 0, tag)
		if errors.Is(err, kernel.WSAENOBUFS) {
			return false
		}
		require.NoError(t, err)
		return true
	})
}

// eventually polls cond on the test goroutine until it holds.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCreateLimits(t *testing.T) {
	p := kernel.NewEmulator()

	_, err := New(p, 0)
	assert.ErrorIs(t, err, errorx.ErrLimitExceeded)
	_, err = New(p, MaxSize+1)
	assert.ErrorIs(t, err, errorx.ErrLimitExceeded)
	_, err = NewWithEvent(p, DefaultSize, 0)
	assert.ErrorIs(t, err, errorx.ErrUnimplemented)
	_, err = NewWithPort(p, DefaultSize, nil, 1)
	assert.ErrorIs(t, err, errorx.ErrInvalidParameter)

	q, err := New(p, DefaultSize)
	require.NoError(t, err)
	assert.Equal(t, ModeNone, q.Mode())
	assert.Equal(t, DefaultSize, q.Capacity())
	assert.ErrorIs(t, q.Arm(), errorx.ErrInvalidParameter)
	require.NoError(t, q.Close())
}

func TestAllocationAccounting(t *testing.T) {
	q, err := New(kernel.NewEmulator(), 8)
	require.NoError(t, err)

	require.NoError(t, q.Allocate(5))
	err = q.Allocate(4)
	require.ErrorIs(t, err, errorx.ErrQueueFull)
	var full *errorx.QueueFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 3, full.Available)
	assert.Equal(t, 5, q.Allocated())

	q.Deallocate(7)
	assert.Equal(t, 0, q.Allocated())
	assert.ErrorIs(t, q.Allocate(-1), errorx.ErrInvalidParameter)
}

func TestAllocationConservation(t *testing.T) {
	q, err := New(kernel.NewEmulator(), 64)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		n := r.Intn(40)
		if r.Intn(2) == 0 {
			before := q.Allocated()
			if err := q.Allocate(n); err != nil {
				require.ErrorIs(t, err, errorx.ErrQueueFull)
				assert.Equal(t, before, q.Allocated())
			}
		} else {
			q.Deallocate(n)
		}
		allocated := q.Allocated()
		assert.GreaterOrEqual(t, allocated, 0)
		assert.LessOrEqual(t, allocated, q.Capacity())

		if small := allocated - 1; small > 0 {
			assert.ErrorIs(t, q.Resize(small), errorx.ErrInUse)
			assert.Equal(t, 64, q.Capacity())
		}
	}
}

func TestResize(t *testing.T) {
	q, err := New(kernel.NewEmulator(), 16)
	require.NoError(t, err)
	require.NoError(t, q.Allocate(10))

	assert.ErrorIs(t, q.Resize(MaxSize+1), errorx.ErrLimitExceeded)
	assert.ErrorIs(t, q.Resize(9), errorx.ErrInUse)
	assert.Equal(t, 16, q.Capacity())

	require.NoError(t, q.Resize(32))
	assert.Equal(t, 32, q.Capacity())
	require.NoError(t, q.ShrinkToFit())
	assert.Equal(t, 10, q.Capacity())

	q.Deallocate(10)
	require.NoError(t, q.ShrinkToFit())
	assert.Equal(t, 1, q.Capacity())
	assert.Contains(t, q.String(), "capacity=1")
}

func TestPollAndMassPoll(t *testing.T) {
	p := kernel.NewEmulator()
	q, err := New(p, 16)
	require.NoError(t, err)

	ev, ok, err := q.Poll()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, ev)

	s := newSender(t, p, q, 4)
	for tag := uint64(1); tag <= 4; tag++ {
		s.send(t, tag)
	}

	var events []Event
	eventually(t, func() bool {
		batch, err := q.MassPoll(3)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(batch), 3)
		events = append(events, batch...)
		return len(events) == 4
	})

	for i, ev := range events {
		assert.EqualValues(t, i+1, ev.RequestContext, "completions must keep kernel order")
		assert.EqualValues(t, 10, ev.Bytes)
		assert.NoError(t, ev.Err())
	}
	_, err = q.MassPoll(0)
	assert.ErrorIs(t, err, errorx.ErrInvalidParameter)
}

func TestPollTimeoutExpires(t *testing.T) {
	q, err := New(kernel.NewEmulator(), 4)
	require.NoError(t, err)

	_, ok, err := q.PollTimeout(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	events, err := q.MassPollTimeout(4, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWaitPollOnly(t *testing.T) {
	p := kernel.NewEmulator()
	q, err := New(p, 4)
	require.NoError(t, err)
	s := newSender(t, p, q, 1)

	s.send(t, 42)
	ev, err := q.WaitThenPoll()
	require.NoError(t, err)
	assert.EqualValues(t, 42, ev.RequestContext)
}

func TestWaitPortBacked(t *testing.T) {
	p := kernel.NewEmulator()
	pt, err := port.Open(p)
	require.NoError(t, err)
	defer pt.Close() //nolint:errcheck

	q, err := NewWithPort(p, 4, pt, pt.NewKey())
	require.NoError(t, err)
	assert.Equal(t, ModePort, q.Mode())
	s := newSender(t, p, q, 2)

	ok, err := q.WaitTimeout(10 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	s.send(t, 1)
	ev, err := q.WaitThenPoll()
	require.NoError(t, err)
	assert.EqualValues(t, 1, ev.RequestContext)

	// The notification armed by the first wait is left pending, a later wait
	// must not report readiness from it alone.
	s.send(t, 2)
	ev, ok, err = q.PollTimeout(5 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 2, ev.RequestContext)
}

func TestSharedPortKeys(t *testing.T) {
	p := kernel.NewEmulator()
	pt, err := port.Open(p)
	require.NoError(t, err)
	defer pt.Close() //nolint:errcheck

	q1, err := NewWithPort(p, 4, pt, pt.NewKey())
	require.NoError(t, err)
	q2, err := NewWithPort(p, 4, pt, pt.NewKey())
	require.NoError(t, err)
	assert.NotEqual(t, q1.Key(), q2.Key())
	s1 := newSender(t, p, q1, 1)
	s2 := newSender(t, p, q2, 1)

	done := make(chan Event, 1)
	go func() {
		ev, err := q1.WaitThenPoll()
		assert.NoError(t, err)
		done <- ev
	}()
	s2.send(t, 2)
	s1.send(t, 1)

	ev, err := q2.WaitThenPoll()
	require.NoError(t, err)
	assert.EqualValues(t, 2, ev.RequestContext)
	select {
	case ev = <-done:
		assert.EqualValues(t, 1, ev.RequestContext)
	case <-time.After(5 * time.Second):
		t.Fatal("queue sharing the port never woke up")
	}
}

func TestCorruptedQueueIsFatal(t *testing.T) {
	p := kernel.NewEmulator()
	q, err := New(p, 1)
	require.NoError(t, err)
	s := newSender(t, p, q, 1)

	s.send(t, 1)
	s.send(t, 2)
	eventually(t, func() bool {
		_, _, err := q.Poll()
		return errors.Is(err, errorx.ErrQueueCorrupted)
	})

	_, _, err = q.Poll()
	assert.ErrorIs(t, err, errorx.ErrQueueCorrupted)
	_, err = q.MassPoll(4)
	assert.ErrorIs(t, err, errorx.ErrQueueCorrupted)
	_, err = q.WaitTimeout(0)
	assert.ErrorIs(t, err, errorx.ErrQueueCorrupted)
}

func TestReferenceCounting(t *testing.T) {
	p := kernel.NewEmulator()
	q, err := New(p, 4)
	require.NoError(t, err)

	q.Retain()
	require.NoError(t, q.Close())
	_, _, err = q.Poll()
	require.NoError(t, err, "queue must stay open while referenced")

	require.NoError(t, q.Close())
	_, err = p.DequeueCompletion(q.Handle(), make([]kernel.Result, 1))
	assert.ErrorIs(t, err, kernel.WSAEINVAL)
	require.NoError(t, q.Close())
}

func TestEvent(t *testing.T) {
	ev := Event{Status: int32(kernel.WSAECONNRESET), Bytes: 3, RequestContext: 9}
	assert.ErrorIs(t, ev.Err(), kernel.WSAECONNRESET)
	assert.Equal(t, "cq.Event{status=10054, bytes=3, request=9}", ev.String())
	assert.NoError(t, Event{}.Err())
	assert.Equal(t, "port", ModePort.String())
}
