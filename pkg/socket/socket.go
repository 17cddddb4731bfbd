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

// Package socket opens the stream sockets that request queues are bound to.
package socket

import (
	"errors"
	"net"
	"sync/atomic"
	"syscall"

	errorx "github.com/gnet-io/rio/pkg/errors"
	"github.com/gnet-io/rio/pkg/kernel"
	"github.com/gnet-io/rio/pkg/logging"
)

// Socket is a kernel socket created with registered I/O and/or overlapped
// capabilities, optionally connected to a peer.
type Socket struct {
	p      kernel.Provider
	fd     kernel.Socket
	flags  uint32
	remote *net.TCPAddr
	closed atomic.Bool
}

// Open creates a TCP socket with flags plus no-inherit. Kernels that reject the
// combination get the socket created without no-inherit and the handle
// inheritance cleared afterwards.
func Open(p kernel.Provider, family int, flags uint32) (*Socket, error) {
	fd, err := p.Socket(family, syscall.SOCK_STREAM, syscall.IPPROTO_TCP, flags|kernel.FlagNoHandleInherit)
	if err != nil {
		if !errors.Is(err, kernel.WSAEPROTOTYPE) && !errors.Is(err, kernel.WSAEINVAL) {
			return nil, errorx.NewOSError("WSASocket", errorx.ErrInvalidParameter, err)
		}
		logging.Debugf("socket: no-inherit rejected with flags %#x, retrying without it: %v", flags, err)
		if fd, err = p.Socket(family, syscall.SOCK_STREAM, syscall.IPPROTO_TCP, flags); err != nil {
			return nil, errorx.NewOSError("WSASocket", errorx.ErrInvalidParameter, err)
		}
		if err = p.DisableInherit(fd); err != nil {
			_ = p.CloseSocket(fd)
			return nil, errorx.NewOSError("SetHandleInformation", errorx.ErrInvalidParameter, err)
		}
	}
	return &Socket{p: p, fd: fd, flags: flags}, nil
}

// Dial opens a registered I/O socket and connects it to addr, the socket is
// closed when the connect fails.
func Dial(p kernel.Provider, addr *net.TCPAddr) (*Socket, error) {
	if addr == nil {
		return nil, errorx.ErrInvalidParameter
	}
	s, err := Open(p, Family(addr), kernel.FlagRegisteredIO)
	if err != nil {
		return nil, err
	}
	if err = p.Connect(s.fd, addr); err != nil {
		_ = s.Close()
		return nil, &net.OpError{Op: "dial", Net: "tcp", Addr: addr, Err: err}
	}
	s.remote = addr
	return s, nil
}

// Fd returns the kernel handle.
func (s *Socket) Fd() kernel.Socket {
	return s.fd
}

// Flags returns the capability flags the socket was requested with.
func (s *Socket) Flags() uint32 {
	return s.flags
}

// CanRIO reports whether the socket may be bound to a request queue.
func (s *Socket) CanRIO() bool {
	return s.flags&kernel.FlagRegisteredIO != 0
}

// CanOverlapped reports whether the socket was opened for overlapped I/O.
func (s *Socket) CanOverlapped() bool {
	return s.flags&kernel.FlagOverlapped != 0
}

// Connected reports whether Dial connected the socket.
func (s *Socket) Connected() bool {
	return s.remote != nil
}

// RemoteAddr returns the peer address, nil when not connected.
func (s *Socket) RemoteAddr() net.Addr {
	if s.remote == nil {
		return nil
	}
	return s.remote
}

// Close closes the socket, outstanding operations fail. Closing twice is a no-op.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.p.CloseSocket(s.fd); err != nil && !errors.Is(err, net.ErrClosed) {
		return errorx.NewOSError("closesocket", errorx.ErrInvalidParameter, err)
	}
	return nil
}
