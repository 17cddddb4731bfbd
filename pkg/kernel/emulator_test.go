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

package kernel

import (
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	goPool "github.com/gnet-io/rio/pkg/pool/goroutine"
)

func TestMillis(t *testing.T) {
	assert.Equal(t, Infinite, Millis(-1))
	assert.EqualValues(t, 0, Millis(0))
	assert.EqualValues(t, 1, Millis(time.Microsecond))
	assert.EqualValues(t, 1500, Millis(1500*time.Millisecond))
	assert.Equal(t, Infinite-1, Millis(time.Duration(1<<62)))
}

func TestRegisterBuffer(t *testing.T) {
	e := NewEmulator()
	_, err := e.RegisterBuffer(nil)
	assert.ErrorIs(t, err, WSAEINVAL)

	region, err := e.Alloc(64)
	require.NoError(t, err)
	id, err := e.RegisterBuffer(region)
	require.NoError(t, err)
	assert.NotEqual(t, InvalidBufferID, id)
	require.NoError(t, e.DeregisterBuffer(id))
	assert.ErrorIs(t, e.DeregisterBuffer(id), WSAEINVAL)
	require.NoError(t, e.Free(region))

	_, err = e.Alloc(0)
	assert.ErrorIs(t, err, ERROR_INVALID_PARAMETER)
}

func TestNotify(t *testing.T) {
	e := NewEmulator()
	poll, err := e.CreateCompletionQueue(4, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Notify(poll), WSAEINVAL)

	_, err = e.CreateCompletionQueue(4, &Notification{Type: NotifyPort, Port: 12345})
	assert.ErrorIs(t, err, ERROR_INVALID_PARAMETER)
	_, err = e.CreateCompletionQueue(4, &Notification{Type: NotifyEvent})
	assert.ErrorIs(t, err, WSAEINVAL)

	port, err := e.CreatePort(0)
	require.NoError(t, err)
	cq, err := e.CreateCompletionQueue(4, &Notification{Type: NotifyPort, Port: port, Key: 9})
	require.NoError(t, err)

	require.NoError(t, e.Notify(cq))
	assert.ErrorIs(t, e.Notify(cq), WSAEALREADY)
	_, err = e.GetQueuedCompletion(port, 10)
	assert.ErrorIs(t, err, WAIT_TIMEOUT, "an empty queue must not signal")

	// A queued completion fires the armed notification.
	e.complete(cq, Result{RequestContext: 1})
	pkt, err := e.GetQueuedCompletion(port, Infinite)
	require.NoError(t, err)
	assert.EqualValues(t, 9, pkt.Key)

	// Arming a non-empty queue fires at once.
	require.NoError(t, e.Notify(cq))
	pkt, err = e.GetQueuedCompletion(port, Infinite)
	require.NoError(t, err)
	assert.EqualValues(t, 9, pkt.Key)

	results := make([]Result, 4)
	n, err := e.DequeueCompletion(cq, results)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, results[0].RequestContext)
}

func TestResizeCompletionQueue(t *testing.T) {
	e := NewEmulator()
	cq, err := e.CreateCompletionQueue(2, nil)
	require.NoError(t, err)
	e.complete(cq, Result{})
	e.complete(cq, Result{})

	assert.ErrorIs(t, e.ResizeCompletionQueue(cq, 1), WSAENOBUFS)
	require.NoError(t, e.ResizeCompletionQueue(cq, 8))
	require.NoError(t, e.CloseCompletionQueue(cq))
	assert.ErrorIs(t, e.CloseCompletionQueue(cq), WSAEINVAL)
}

func TestPortPostAndClose(t *testing.T) {
	e := NewEmulator(WithPortCapacity(2), WithWorkerPool(goPool.New(4)))
	port, err := e.CreatePort(0)
	require.NoError(t, err)

	for key := uintptr(1); key <= 2; key++ {
		require.NoError(t, e.PostQueuedCompletion(port, Packet{Key: key, Bytes: 3}))
	}
	for key := uintptr(1); key <= 2; key++ {
		pkt, err := e.GetQueuedCompletion(port, 0)
		require.NoError(t, err)
		assert.Equal(t, key, pkt.Key)
		assert.EqualValues(t, 3, pkt.Bytes)
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.GetQueuedCompletion(port, Infinite)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.ClosePort(port))
	select {
	case err = <-done:
		assert.ErrorIs(t, err, ERROR_ABANDONED_WAIT_0)
	case <-time.After(5 * time.Second):
		t.Fatal("closing the port did not wake the waiter")
	}
	assert.ErrorIs(t, e.ClosePort(port), ERROR_INVALID_PARAMETER)
	assert.ErrorIs(t, e.PostQueuedCompletion(port, Packet{}), ERROR_ABANDONED_WAIT_0)
}

func TestRequestQueueContract(t *testing.T) {
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer ln.Close() //nolint:errcheck
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.Copy(c, c)
		_ = c.Close()
	}()
	addr := ln.Addr().(*net.TCPAddr)
	family := syscall.AF_INET
	if addr.IP.To4() == nil {
		family = syscall.AF_INET6
	}

	e := NewEmulator()
	_, err = e.Socket(syscall.AF_UNIX, syscall.SOCK_STREAM, 0, FlagRegisteredIO)
	assert.ErrorIs(t, err, WSAEINVAL)

	plain, err := e.Socket(family, syscall.SOCK_STREAM, syscall.IPPROTO_TCP, FlagOverlapped)
	require.NoError(t, err)
	s, err := e.Socket(family, syscall.SOCK_STREAM, syscall.IPPROTO_TCP, FlagRegisteredIO)
	require.NoError(t, err)
	send, err := e.CreateCompletionQueue(2, nil)
	require.NoError(t, err)
	recv, err := e.CreateCompletionQueue(2, nil)
	require.NoError(t, err)

	_, err = e.CreateRequestQueue(plain, 1, 1, 1, 1, recv, send, 0)
	assert.ErrorIs(t, err, WSAEINVAL)
	_, err = e.CreateRequestQueue(s, 1, 2, 1, 1, recv, send, 0)
	assert.ErrorIs(t, err, WSAEINVAL)
	_, err = e.CreateRequestQueue(s, 1, 1, 1, 1, send, send, 0)
	assert.ErrorIs(t, err, WSAEINVAL)
	_, err = e.CreateRequestQueue(s, 3, 1, 1, 1, recv, send, 0)
	assert.ErrorIs(t, err, WSAENOBUFS)

	rq, err := e.CreateRequestQueue(s, 1, 1, 1, 1, recv, send, 77)
	require.NoError(t, err)
	_, err = e.CreateRequestQueue(s, 1, 1, 1, 1, recv, send, 0)
	assert.ErrorIs(t, err, WSAEINVAL, "a socket takes a single request queue")

	region := make([]byte, 16)
	copy(region, "payload")
	id, err := e.RegisterBuffer(region)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Send(rq, &Buf{BufferID: id, Length: 4}, 0, 1), WSAENOTCONN)

	require.NoError(t, e.Connect(s, addr))
	assert.ErrorIs(t, e.Connect(s, addr), WSAEISCONN)
	assert.ErrorIs(t, e.Send(rq, &Buf{BufferID: id, Offset: 12, Length: 8}, 0, 1), WSAEINVAL)

	require.NoError(t, e.Receive(rq, &Buf{BufferID: id, Offset: 8, Length: 7}, 0, 2))
	assert.ErrorIs(t, e.Receive(rq, &Buf{BufferID: id, Offset: 8, Length: 7}, 0, 3), WSAENOBUFS)
	require.NoError(t, e.Send(rq, &Buf{BufferID: id, Length: 7}, 0, 1))

	for _, cq := range []CQ{send, recv} {
		results := make([]Result, 1)
		deadline := time.Now().Add(5 * time.Second)
		for {
			n, err := e.DequeueCompletion(cq, results)
			require.NoError(t, err)
			if n == 1 {
				break
			}
			require.True(t, time.Now().Before(deadline), "transfer never completed")
			time.Sleep(time.Millisecond)
		}
		assert.Zero(t, results[0].Status)
		assert.EqualValues(t, 7, results[0].BytesTransferred)
		assert.EqualValues(t, 77, results[0].SocketContext)
	}
	assert.Equal(t, "payload", string(region[8:15]))

	require.NoError(t, e.ResizeRequestQueue(rq, 2, 2))
	assert.ErrorIs(t, e.ResizeRequestQueue(rq, 3, 2), WSAENOBUFS)
	require.NoError(t, e.CloseSocket(s))
	assert.ErrorIs(t, e.CloseSocket(s), WSAENOTSOCK)
	assert.ErrorIs(t, e.ResizeRequestQueue(rq, 1, 1), WSAEINVAL)
}
