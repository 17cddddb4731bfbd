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

// Package kernel describes the registered I/O facility consumed by rio: the
// extension function table, completion ports and sockets. On windows the
// Provider is backed by the real RIO function table, everywhere else (and in
// tests) by an in-process Emulator honoring the same contract.
package kernel

import (
	"net"
	"syscall"
	"time"
)

type (
	// BufferID identifies a registered memory region.
	BufferID uintptr
	// CQ is a completion queue handle.
	CQ uintptr
	// RQ is a request queue handle.
	RQ uintptr
	// Port is a completion port handle.
	Port uintptr
	// Socket is a socket handle.
	Socket uintptr
)

const (
	// InvalidBufferID is returned when a registration fails.
	InvalidBufferID BufferID = 0xFFFFFFFF
	// InvalidCQ is returned when a completion queue cannot be created.
	InvalidCQ CQ = 0
	// InvalidRQ is returned when a request queue cannot be created.
	InvalidRQ RQ = 0
	// InvalidSocket is the zero value of a failed socket call.
	InvalidSocket = ^Socket(0)

	// CorruptCQ is the dequeue count reporting a corrupted completion ring.
	CorruptCQ = 0xFFFFFFFF

	// Infinite makes a port wait block without a deadline.
	Infinite uint32 = 0xFFFFFFFF
)

// Socket creation flags.
const (
	FlagOverlapped      uint32 = 0x01
	FlagNoHandleInherit uint32 = 0x80
	FlagRegisteredIO    uint32 = 0x100
)

// OS error codes surfaced by providers.
const (
	ERROR_INVALID_PARAMETER   syscall.Errno = 87
	ERROR_INSUFFICIENT_BUFFER syscall.Errno = 122
	WAIT_TIMEOUT              syscall.Errno = 258
	ERROR_ABANDONED_WAIT_0    syscall.Errno = 735
	ERROR_OPERATION_ABORTED   syscall.Errno = 995
	WSAEALREADY               syscall.Errno = 10037
	WSAENOTSOCK               syscall.Errno = 10038
	WSAEPROTOTYPE             syscall.Errno = 10041
	WSAEINVAL                 syscall.Errno = 10022
	WSAENOBUFS                syscall.Errno = 10055
	WSAECONNRESET             syscall.Errno = 10054
	WSAEISCONN                syscall.Errno = 10056
	WSAENOTCONN               syscall.Errno = 10057
)

// Buf describes one contiguous part of a registered region, it has the
// layout of RIO_BUF.
type Buf struct {
	BufferID BufferID
	Offset   uint32
	Length   uint32
}

// Result is one completion dequeued from a completion queue, it has the
// layout of RIORESULT.
type Result struct {
	Status           int32
	BytesTransferred uint32
	SocketContext    uint64
	RequestContext   uint64
}

// NotificationType selects how a completion queue signals readiness.
type NotificationType int32

const (
	// NotifyNone leaves the queue poll-only.
	NotifyNone NotificationType = iota
	// NotifyEvent signals an event object.
	NotifyEvent
	// NotifyPort posts a packet to a completion port.
	NotifyPort
)

// Notification configures the readiness signal of a completion queue.
type Notification struct {
	Type NotificationType
	Port Port
	Key  uintptr
}

// Packet is one entry dequeued from a completion port.
type Packet struct {
	Key        uintptr
	Bytes      uint32
	Overlapped uintptr
}

// Provider is the set of kernel calls the rio packages are built upon.
// All methods are safe for concurrent use.
type Provider interface {
	// Alloc returns page-aligned memory suitable for registration.
	Alloc(size int) ([]byte, error)
	// Free releases memory returned by Alloc.
	Free(region []byte) error
	RegisterBuffer(region []byte) (BufferID, error)
	DeregisterBuffer(id BufferID) error

	CreateCompletionQueue(size uint32, n *Notification) (CQ, error)
	ResizeCompletionQueue(cq CQ, size uint32) error
	CloseCompletionQueue(cq CQ) error
	// Notify arms a one-shot readiness notification on cq. It fires at once
	// when completions are already queued.
	Notify(cq CQ) error
	// DequeueCompletion fills results in kernel order and returns how many
	// were written.
	DequeueCompletion(cq CQ, results []Result) (int, error)

	CreateRequestQueue(s Socket, maxRecv, maxRecvBufs, maxSend, maxSendBufs uint32, recvCQ, sendCQ CQ, socketCtx uint64) (RQ, error)
	ResizeRequestQueue(rq RQ, maxRecv, maxSend uint32) error
	Receive(rq RQ, buf *Buf, flags uint32, requestCtx uint64) error
	Send(rq RQ, buf *Buf, flags uint32, requestCtx uint64) error

	CreatePort(concurrency uint32) (Port, error)
	// GetQueuedCompletion dequeues one packet, WAIT_TIMEOUT is returned
	// when nothing arrived within timeoutMillis.
	GetQueuedCompletion(port Port, timeoutMillis uint32) (Packet, error)
	PostQueuedCompletion(port Port, pkt Packet) error
	ClosePort(port Port) error

	Socket(family, sotype, proto int, flags uint32) (Socket, error)
	DisableInherit(s Socket) error
	Connect(s Socket, addr *net.TCPAddr) error
	// CloseSocket closes s, failing its outstanding operations and
	// releasing its request queue.
	CloseSocket(s Socket) error
}

// Millis converts a timeout into the millisecond form taken by port waits,
// negative durations wait forever.
func Millis(d time.Duration) uint32 {
	if d < 0 {
		return Infinite
	}
	if d >= time.Duration(Infinite-1)*time.Millisecond {
		return Infinite - 1
	}
	return uint32((d + time.Millisecond - 1) / time.Millisecond)
}
