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

//go:build windows
// +build windows

package kernel

import (
	"errors"
	"net"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	errorx "github.com/gnet-io/rio/pkg/errors"
)

const sioGetMultipleExtensionFunctionPointer = 0xC8000024

var wsaidMultipleRIO = windows.GUID{
	Data1: 0x8509e081,
	Data2: 0x96dd,
	Data3: 0x4005,
	Data4: [8]byte{0xb1, 0x65, 0x9e, 0x2e, 0xe8, 0xc7, 0x9e, 0x3f},
}

// rioTable has the layout of RIO_EXTENSION_FUNCTION_TABLE.
type rioTable struct {
	cbSize                   uint32
	rioReceive               uintptr
	rioReceiveEx             uintptr
	rioSend                  uintptr
	rioSendEx                uintptr
	rioCloseCompletionQueue  uintptr
	rioCreateCompletionQueue uintptr
	rioCreateRequestQueue    uintptr
	rioDequeueCompletion     uintptr
	rioDeregisterBuffer      uintptr
	rioNotify                uintptr
	rioRegisterBuffer        uintptr
	rioResizeCompletionQueue uintptr
	rioResizeRequestQueue    uintptr
}

// rioNotificationCompletion has the layout of RIO_NOTIFICATION_COMPLETION
// with the IOCP arm of its union.
type rioNotificationCompletion struct {
	typ           int32
	iocpHandle    uintptr
	completionKey uintptr
	overlapped    uintptr
}

const rioIOCPCompletion = 2

// rioProvider calls into the registered I/O extension of the running kernel.
type rioProvider struct {
	once    sync.Once
	table   rioTable
	loadErr error

	mu      sync.Mutex
	pinned  map[BufferID]*runtime.Pinner
	notices map[CQ]*cqNotice
}

type cqNotice struct {
	ov     windows.Overlapped
	pinner runtime.Pinner
}

var (
	defaultOnce     sync.Once
	defaultProvider Provider
)

// Default returns the registered I/O provider of the running kernel.
func Default() Provider {
	defaultOnce.Do(func() {
		defaultProvider = &rioProvider{
			pinned:  make(map[BufferID]*runtime.Pinner),
			notices: make(map[CQ]*cqNotice),
		}
	})
	return defaultProvider
}

// load starts WinSock and fetches the function table, once per process.
func (p *rioProvider) load() error {
	p.once.Do(func() {
		var data windows.WSAData
		if err := windows.WSAStartup(uint32(0x202), &data); err != nil {
			p.loadErr = err
			return
		}
		s, err := windows.WSASocket(windows.AF_INET, windows.SOCK_STREAM, windows.IPPROTO_TCP, nil, 0,
			FlagOverlapped|FlagRegisteredIO)
		if err != nil {
			p.loadErr = err
			return
		}
		defer windows.Closesocket(s) //nolint:errcheck

		p.table.cbSize = uint32(unsafe.Sizeof(p.table))
		var n uint32
		p.loadErr = windows.WSAIoctl(s, sioGetMultipleExtensionFunctionPointer,
			(*byte)(unsafe.Pointer(&wsaidMultipleRIO)), uint32(unsafe.Sizeof(wsaidMultipleRIO)),
			(*byte)(unsafe.Pointer(&p.table)), uint32(unsafe.Sizeof(p.table)), &n, nil, 0)
	})
	return p.loadErr
}

// lastError returns the errno set by a failed call, never nil.
func lastError(err syscall.Errno) error {
	if err == 0 {
		return syscall.EINVAL
	}
	return err
}

func (p *rioProvider) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ERROR_INVALID_PARAMETER
	}
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func (p *rioProvider) Free(region []byte) error {
	if len(region) == 0 {
		return ERROR_INVALID_PARAMETER
	}
	return windows.VirtualFree(uintptr(unsafe.Pointer(&region[0])), 0, windows.MEM_RELEASE)
}

func (p *rioProvider) RegisterBuffer(region []byte) (BufferID, error) {
	if err := p.load(); err != nil {
		return InvalidBufferID, err
	}
	if len(region) == 0 {
		return InvalidBufferID, WSAEINVAL
	}
	pinner := new(runtime.Pinner)
	pinner.Pin(&region[0])
	r1, _, e1 := syscall.SyscallN(p.table.rioRegisterBuffer,
		uintptr(unsafe.Pointer(&region[0])), uintptr(len(region)))
	id := BufferID(r1)
	if id == InvalidBufferID {
		pinner.Unpin()
		return InvalidBufferID, lastError(e1)
	}
	p.mu.Lock()
	p.pinned[id] = pinner
	p.mu.Unlock()
	return id, nil
}

func (p *rioProvider) DeregisterBuffer(id BufferID) error {
	if err := p.load(); err != nil {
		return err
	}
	_, _, _ = syscall.SyscallN(p.table.rioDeregisterBuffer, uintptr(id))
	p.mu.Lock()
	pinner := p.pinned[id]
	delete(p.pinned, id)
	p.mu.Unlock()
	if pinner != nil {
		pinner.Unpin()
	}
	return nil
}

func (p *rioProvider) CreateCompletionQueue(size uint32, n *Notification) (CQ, error) {
	if err := p.load(); err != nil {
		return InvalidCQ, err
	}
	var (
		notice *cqNotice
		nc     *rioNotificationCompletion
	)
	if n != nil {
		switch n.Type {
		case NotifyNone:
		case NotifyPort:
			notice = new(cqNotice)
			notice.pinner.Pin(&notice.ov)
			nc = &rioNotificationCompletion{
				typ:           rioIOCPCompletion,
				iocpHandle:    uintptr(n.Port),
				completionKey: n.Key,
				overlapped:    uintptr(unsafe.Pointer(&notice.ov)),
			}
		default:
			return InvalidCQ, WSAEINVAL
		}
	}
	r1, _, e1 := syscall.SyscallN(p.table.rioCreateCompletionQueue, uintptr(size), uintptr(unsafe.Pointer(nc)))
	runtime.KeepAlive(nc)
	cq := CQ(r1)
	if cq == InvalidCQ {
		if notice != nil {
			notice.pinner.Unpin()
		}
		return InvalidCQ, lastError(e1)
	}
	if notice != nil {
		p.mu.Lock()
		p.notices[cq] = notice
		p.mu.Unlock()
	}
	return cq, nil
}

func (p *rioProvider) ResizeCompletionQueue(cq CQ, size uint32) error {
	if err := p.load(); err != nil {
		return err
	}
	r1, _, e1 := syscall.SyscallN(p.table.rioResizeCompletionQueue, uintptr(cq), uintptr(size))
	if r1 == 0 {
		return lastError(e1)
	}
	return nil
}

func (p *rioProvider) CloseCompletionQueue(cq CQ) error {
	if err := p.load(); err != nil {
		return err
	}
	_, _, _ = syscall.SyscallN(p.table.rioCloseCompletionQueue, uintptr(cq))
	p.mu.Lock()
	notice := p.notices[cq]
	delete(p.notices, cq)
	p.mu.Unlock()
	if notice != nil {
		notice.pinner.Unpin()
	}
	return nil
}

func (p *rioProvider) Notify(cq CQ) error {
	if err := p.load(); err != nil {
		return err
	}
	r1, _, _ := syscall.SyscallN(p.table.rioNotify, uintptr(cq))
	if code := int32(r1); code != 0 {
		return syscall.Errno(code)
	}
	return nil
}

func (p *rioProvider) DequeueCompletion(cq CQ, results []Result) (int, error) {
	if err := p.load(); err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	r1, _, _ := syscall.SyscallN(p.table.rioDequeueCompletion, uintptr(cq),
		uintptr(unsafe.Pointer(&results[0])), uintptr(len(results)))
	if uint32(r1) == CorruptCQ {
		return 0, errorx.ErrQueueCorrupted
	}
	return int(uint32(r1)), nil
}

func (p *rioProvider) CreateRequestQueue(s Socket, maxRecv, maxRecvBufs, maxSend, maxSendBufs uint32,
	recvCQ, sendCQ CQ, socketCtx uint64,
) (RQ, error) {
	if err := p.load(); err != nil {
		return InvalidRQ, err
	}
	r1, _, e1 := syscall.SyscallN(p.table.rioCreateRequestQueue, uintptr(s),
		uintptr(maxRecv), uintptr(maxRecvBufs), uintptr(maxSend), uintptr(maxSendBufs),
		uintptr(recvCQ), uintptr(sendCQ), uintptr(socketCtx))
	if rq := RQ(r1); rq != InvalidRQ {
		return rq, nil
	}
	return InvalidRQ, lastError(e1)
}

func (p *rioProvider) ResizeRequestQueue(rq RQ, maxRecv, maxSend uint32) error {
	if err := p.load(); err != nil {
		return err
	}
	r1, _, e1 := syscall.SyscallN(p.table.rioResizeRequestQueue, uintptr(rq), uintptr(maxRecv), uintptr(maxSend))
	if r1 == 0 {
		return lastError(e1)
	}
	return nil
}

func (p *rioProvider) Receive(rq RQ, buf *Buf, flags uint32, requestCtx uint64) error {
	return p.transfer(p.table.rioReceive, rq, buf, flags, requestCtx)
}

func (p *rioProvider) Send(rq RQ, buf *Buf, flags uint32, requestCtx uint64) error {
	return p.transfer(p.table.rioSend, rq, buf, flags, requestCtx)
}

func (p *rioProvider) transfer(fn uintptr, rq RQ, buf *Buf, flags uint32, requestCtx uint64) error {
	if err := p.load(); err != nil {
		return err
	}
	if buf == nil {
		return WSAEINVAL
	}
	r1, _, e1 := syscall.SyscallN(fn, uintptr(rq), uintptr(unsafe.Pointer(buf)), 1, uintptr(flags), uintptr(requestCtx))
	if r1 == 0 {
		return lastError(e1)
	}
	return nil
}

func (p *rioProvider) CreatePort(concurrency uint32) (Port, error) {
	h, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, concurrency)
	if err != nil {
		return 0, err
	}
	return Port(h), nil
}

func (p *rioProvider) GetQueuedCompletion(port Port, timeoutMillis uint32) (Packet, error) {
	var (
		qty uint32
		key uintptr
		ov  *windows.Overlapped
	)
	err := windows.GetQueuedCompletionStatus(windows.Handle(port), &qty, &key, &ov, timeoutMillis)
	if err != nil && ov == nil {
		if errors.Is(err, WAIT_TIMEOUT) {
			return Packet{}, WAIT_TIMEOUT
		}
		return Packet{}, err
	}
	return Packet{Key: key, Bytes: qty, Overlapped: uintptr(unsafe.Pointer(ov))}, nil
}

func (p *rioProvider) PostQueuedCompletion(port Port, pkt Packet) error {
	return windows.PostQueuedCompletionStatus(windows.Handle(port), pkt.Bytes, pkt.Key,
		(*windows.Overlapped)(unsafe.Pointer(pkt.Overlapped)))
}

func (p *rioProvider) ClosePort(port Port) error {
	return windows.CloseHandle(windows.Handle(port))
}

func (p *rioProvider) Socket(family, sotype, proto int, flags uint32) (Socket, error) {
	if err := p.load(); err != nil {
		return InvalidSocket, err
	}
	s, err := windows.WSASocket(int32(family), int32(sotype), int32(proto), nil, 0, flags)
	if err != nil {
		return InvalidSocket, err
	}
	return Socket(s), nil
}

func (p *rioProvider) DisableInherit(s Socket) error {
	return windows.SetHandleInformation(windows.Handle(s), windows.HANDLE_FLAG_INHERIT, 0)
}

func (p *rioProvider) Connect(s Socket, addr *net.TCPAddr) error {
	if addr == nil {
		return WSAEINVAL
	}
	var sa windows.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa4 := &windows.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		sa6 := &windows.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}
	return windows.Connect(windows.Handle(s), sa)
}

func (p *rioProvider) CloseSocket(s Socket) error {
	return windows.Closesocket(windows.Handle(s))
}
