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

// Package rq binds a connected socket to a pair of completion queues and
// submits reads and writes against registered buffer slices.
package rq

import (
	"errors"
	"sync"

	"github.com/gnet-io/rio/pkg/buffer/registered"
	"github.com/gnet-io/rio/pkg/cq"
	errorx "github.com/gnet-io/rio/pkg/errors"
	"github.com/gnet-io/rio/pkg/kernel"
	"github.com/gnet-io/rio/pkg/logging"
	"github.com/gnet-io/rio/pkg/socket"
)

// BuffersPerOperation is the number of buffers a single operation carries.
// The kernel is always told exactly this many; it must stay 1.
const BuffersPerOperation = 1

// Direction tells reads from writes.
type Direction int

const (
	// Read is a receive operation.
	Read Direction = iota
	// Write is a send operation.
	Write
)

func (d Direction) String() string {
	if d == Read {
		return "read"
	}
	return "write"
}

// Operation is a submitted read or write, it owns its slice until completed.
type Operation struct {
	Tag       uint64
	Slice     *registered.Slice
	Direction Direction
}

// Complete hands the slice back with the number of bytes transferred by ev.
func (op *Operation) Complete(ev cq.Event) (int, *registered.Slice) {
	op.Slice.ClearInFlight()
	return int(ev.Bytes), op.Slice
}

// Queue is a request queue. Submissions on one Queue are expected to be
// serialized by the caller, reservation changes are safe for concurrent use.
type Queue struct {
	p    kernel.Provider
	h    kernel.RQ
	sock *socket.Socket
	send *cq.Queue
	recv *cq.Queue

	mu       sync.Mutex
	sendSize int
	recvSize int
	closed   bool
}

// New binds sock to send and recv, reserving sendSize and recvSize slots on
// them. Both queues are retained until Close.
func New(p kernel.Provider, sock *socket.Socket, send *cq.Queue, sendSize int, recv *cq.Queue, recvSize int) (*Queue, error) {
	const op = "RIOCreateRequestQueue"

	if sock == nil || send == nil || recv == nil || send == recv || sendSize <= 0 || recvSize <= 0 {
		return nil, errorx.NewOSError(op, errorx.ErrInvalidParameter, kernel.WSAEINVAL)
	}

	if err := recv.Allocate(recvSize); err != nil {
		return nil, errorx.NewOSError(op, err, kernel.WSAENOBUFS)
	}
	if err := send.Allocate(sendSize); err != nil {
		recv.Deallocate(recvSize)
		return nil, errorx.NewOSError(op, err, kernel.WSAENOBUFS)
	}

	h, err := p.CreateRequestQueue(sock.Fd(),
		uint32(recvSize), BuffersPerOperation,
		uint32(sendSize), BuffersPerOperation,
		recv.Handle(), send.Handle(), uint64(sock.Fd()))
	if err != nil {
		send.Deallocate(sendSize)
		recv.Deallocate(recvSize)
		return nil, errorx.NewOSError(op, errorx.ErrBindFailed, err)
	}

	return &Queue{
		p:        p,
		h:        h,
		sock:     sock,
		send:     send.Retain(),
		recv:     recv.Retain(),
		sendSize: sendSize,
		recvSize: recvSize,
	}, nil
}

// SubmitRead asks the kernel to receive into s. The slice must not be touched
// until the operation completed.
func (q *Queue) SubmitRead(s *registered.Slice, tag uint64) (*Operation, error) {
	return q.submit(Read, s, tag)
}

// SubmitWrite asks the kernel to send the contents of s.
func (q *Queue) SubmitWrite(s *registered.Slice, tag uint64) (*Operation, error) {
	return q.submit(Write, s, tag)
}

// SubmitReadEx is the scatter/gather read, which is not implemented.
func (q *Queue) SubmitReadEx([]*registered.Slice, uint64) (*Operation, error) {
	return nil, errorx.ErrUnimplemented
}

// SubmitWriteEx is the scatter/gather write, which is not implemented.
func (q *Queue) SubmitWriteEx([]*registered.Slice, uint64) (*Operation, error) {
	return nil, errorx.ErrUnimplemented
}

func (q *Queue) submit(dir Direction, s *registered.Slice, tag uint64) (*Operation, error) {
	if s == nil || s.Buffer() == nil {
		return nil, errorx.ErrInvalidParameter
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, errorx.ErrClosed
	}

	if err := s.MarkInFlight(); err != nil {
		return nil, err
	}

	var err error
	if dir == Read {
		err = q.p.Receive(q.h, s.Descriptor(), 0, tag)
	} else {
		err = q.p.Send(q.h, s.Descriptor(), 0, tag)
	}
	if err != nil {
		s.ClearInFlight()
		callName := "RIOSend"
		if dir == Read {
			callName = "RIOReceive"
		}
		return nil, errorx.NewOSError(callName, errorx.ErrSubmitFailed, err)
	}
	return &Operation{Tag: tag, Slice: s, Direction: dir}, nil
}

// ResizeSend changes the send reservation to n.
func (q *Queue) ResizeSend(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resizeLocked(n, q.recvSize)
}

// ResizeRecv changes the receive reservation to n.
func (q *Queue) ResizeRecv(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resizeLocked(q.sendSize, n)
}

// Resize changes both reservations. Growing fails with ErrQueueFull when a
// completion queue lacks headroom, shrinking always succeeds. A shrink the
// kernel refuses, because more operations are outstanding than the new size,
// keeps the current sizes and reservations.
func (q *Queue) Resize(send, recv int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resizeLocked(send, recv)
}

func (q *Queue) resizeLocked(send, recv int) error {
	const op = "RIOResizeRequestQueue"

	if q.closed {
		return errorx.ErrClosed
	}
	if send <= 0 || recv <= 0 {
		return errorx.NewOSError(op, errorx.ErrInvalidParameter, kernel.WSAEINVAL)
	}

	sendDelta, recvDelta := send-q.sendSize, recv-q.recvSize
	if sendDelta == 0 && recvDelta == 0 {
		return nil
	}
	if sendDelta > 0 {
		if err := q.send.Allocate(sendDelta); err != nil {
			return errorx.NewOSError(op, err, kernel.WSAENOBUFS)
		}
	}
	if recvDelta > 0 {
		if err := q.recv.Allocate(recvDelta); err != nil {
			if sendDelta > 0 {
				q.send.Deallocate(sendDelta)
			}
			return errorx.NewOSError(op, err, kernel.WSAENOBUFS)
		}
	}

	if err := q.p.ResizeRequestQueue(q.h, uint32(recv), uint32(send)); err != nil {
		if sendDelta > 0 || recvDelta > 0 {
			if sendDelta > 0 {
				q.send.Deallocate(sendDelta)
			}
			if recvDelta > 0 {
				q.recv.Deallocate(recvDelta)
			}
			return errorx.NewOSError(op, errorx.ErrInvalidParameter, err)
		}
		// The kernel still holds the larger queue, so the reservations stay.
		logging.Warnf("rq: kernel kept request queue %d at send=%d recv=%d when shrinking to send=%d recv=%d: %v",
			q.h, q.sendSize, q.recvSize, send, recv, err)
		return nil
	}

	if sendDelta < 0 {
		q.send.Deallocate(-sendDelta)
	}
	if recvDelta < 0 {
		q.recv.Deallocate(-recvDelta)
	}
	q.sendSize, q.recvSize = send, recv
	return nil
}

// Close closes the socket, which fails any outstanding operation, then
// releases the reservations and the queue references.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	err := q.sock.Close()
	q.send.Deallocate(q.sendSize)
	q.recv.Deallocate(q.recvSize)
	return errors.Join(err, q.send.Close(), q.recv.Close())
}

// Socket returns the bound socket.
func (q *Queue) Socket() *socket.Socket {
	return q.sock
}

// SendQueue returns the completion queue receiving write completions.
func (q *Queue) SendQueue() *cq.Queue {
	return q.send
}

// RecvQueue returns the completion queue receiving read completions.
func (q *Queue) RecvQueue() *cq.Queue {
	return q.recv
}

// SendSize returns the send reservation.
func (q *Queue) SendSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sendSize
}

// RecvSize returns the receive reservation.
func (q *Queue) RecvSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recvSize
}
