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
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/eapache/queue"

	errorx "github.com/gnet-io/rio/pkg/errors"
	"github.com/gnet-io/rio/pkg/math"
	goPool "github.com/gnet-io/rio/pkg/pool/goroutine"
)

// DefaultPortCapacity is the number of packets an emulated completion port
// holds before posters start backing off.
const DefaultPortCapacity = 4096

// EmulatorOption configures an Emulator.
type EmulatorOption func(*Emulator)

// WithNoInheritRejected makes Socket reject the registered I/O and no-inherit
// flag combination the way older kernels do.
func WithNoInheritRejected() EmulatorOption {
	return func(e *Emulator) {
		e.rejectNoInherit = true
	}
}

// WithDialTimeout bounds emulated connects.
func WithDialTimeout(d time.Duration) EmulatorOption {
	return func(e *Emulator) {
		e.dialer.Timeout = d
	}
}

// WithPortCapacity sets the packet capacity of emulated completion ports.
func WithPortCapacity(n int) EmulatorOption {
	return func(e *Emulator) {
		e.portCapacity = n
	}
}

// WithWorkerPool sets the pool running emulated transfers.
func WithWorkerPool(p *goPool.Pool) EmulatorOption {
	return func(e *Emulator) {
		e.workers = p
	}
}

// Emulator is an in-process Provider. Registered regions are plain slices,
// completion rings are bounded FIFOs, port packets travel through a lock-free
// MPMC queue, and socket transfers run on a worker pool against TCP
// connections.
type Emulator struct {
	mu      sync.Mutex
	handle  uintptr
	buffers map[BufferID][]byte
	cqs     map[CQ]*emuCQ
	rqs     map[RQ]*emuRQ
	ports   map[Port]*emuPort
	sockets map[Socket]*emuSocket

	dialer          net.Dialer
	rejectNoInherit bool
	portCapacity    int
	workers         *goPool.Pool
}

type emuCQ struct {
	size     uint32
	ring     *queue.Queue
	notify   Notification
	armed    bool
	corrupt  bool
	reserved uint32
}

type emuRequest struct {
	buf Buf
	ctx uint64
}

type emuDirection struct {
	cq          CQ
	limit       uint32
	outstanding uint32
	pending     *queue.Queue
	running     bool
}

type emuRQ struct {
	sock      *emuSocket
	socketCtx uint64
	recv      emuDirection
	send      emuDirection
}

type emuSocket struct {
	family int
	sotype int
	flags  uint32
	conn   net.Conn
	rq     RQ
}

type packetQueue interface {
	Enqueue(*Packet) error
	Dequeue() (Packet, error)
}

type emuPort struct {
	packets packetQueue
	signal  chan struct{}
	done    chan struct{}
}

var _ Provider = (*Emulator)(nil)

// NewEmulator returns a ready to use emulated Provider.
func NewEmulator(opts ...EmulatorOption) *Emulator {
	e := &Emulator{
		buffers:      make(map[BufferID][]byte),
		cqs:          make(map[CQ]*emuCQ),
		rqs:          make(map[RQ]*emuRQ),
		ports:        make(map[Port]*emuPort),
		sockets:      make(map[Socket]*emuSocket),
		portCapacity: DefaultPortCapacity,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers == nil {
		e.workers = goPool.Default()
	}
	return e
}

func (e *Emulator) nextHandle() uintptr {
	e.handle++
	if e.handle == uintptr(InvalidBufferID) {
		e.handle++
	}
	return e.handle
}

// Alloc implements Provider.
func (e *Emulator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ERROR_INVALID_PARAMETER
	}
	return make([]byte, size), nil
}

// Free implements Provider.
func (e *Emulator) Free(region []byte) error {
	if region == nil {
		return ERROR_INVALID_PARAMETER
	}
	return nil
}

// RegisterBuffer implements Provider.
func (e *Emulator) RegisterBuffer(region []byte) (BufferID, error) {
	if len(region) == 0 || uint64(len(region)) > uint64(InvalidBufferID) {
		return InvalidBufferID, WSAEINVAL
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id := BufferID(e.nextHandle())
	e.buffers[id] = region
	return id, nil
}

// DeregisterBuffer implements Provider.
func (e *Emulator) DeregisterBuffer(id BufferID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.buffers[id]; !ok {
		return WSAEINVAL
	}
	delete(e.buffers, id)
	return nil
}

// CreateCompletionQueue implements Provider.
func (e *Emulator) CreateCompletionQueue(size uint32, n *Notification) (CQ, error) {
	if size == 0 {
		return InvalidCQ, WSAEINVAL
	}
	c := &emuCQ{size: size, ring: queue.New()}
	if n != nil {
		switch n.Type {
		case NotifyNone:
		case NotifyPort:
			e.mu.Lock()
			_, ok := e.ports[n.Port]
			e.mu.Unlock()
			if !ok {
				return InvalidCQ, ERROR_INVALID_PARAMETER
			}
		default:
			return InvalidCQ, WSAEINVAL
		}
		c.notify = *n
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cq := CQ(e.nextHandle())
	e.cqs[cq] = c
	return cq, nil
}

// ResizeCompletionQueue implements Provider.
func (e *Emulator) ResizeCompletionQueue(cq CQ, size uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cqs[cq]
	if !ok {
		return WSAEINVAL
	}
	if size == 0 || size < c.reserved || int(size) < c.ring.Length() {
		return WSAENOBUFS
	}
	c.size = size
	return nil
}

// CloseCompletionQueue implements Provider.
func (e *Emulator) CloseCompletionQueue(cq CQ) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cqs[cq]; !ok {
		return WSAEINVAL
	}
	delete(e.cqs, cq)
	return nil
}

// Notify implements Provider.
func (e *Emulator) Notify(cq CQ) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cqs[cq]
	if !ok || c.notify.Type == NotifyNone {
		return WSAEINVAL
	}
	if c.armed {
		return WSAEALREADY
	}
	c.armed = true
	if c.ring.Length() > 0 {
		e.fireLocked(c)
	}
	return nil
}

// fireLocked consumes the armed notification of c.
func (e *Emulator) fireLocked(c *emuCQ) {
	c.armed = false
	if p, ok := e.ports[c.notify.Port]; ok {
		pkt := Packet{Key: c.notify.Key}
		goPool.Go(e.workers, func() { _ = p.post(&pkt) })
	}
}

// DequeueCompletion implements Provider.
func (e *Emulator) DequeueCompletion(cq CQ, results []Result) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cqs[cq]
	if !ok {
		return 0, WSAEINVAL
	}
	if c.corrupt {
		return 0, errorx.ErrQueueCorrupted
	}
	n := 0
	for n < len(results) && c.ring.Length() > 0 {
		results[n] = c.ring.Remove().(Result)
		n++
	}
	return n, nil
}

// complete pushes res into cq, overflowing the ring corrupts it.
func (e *Emulator) complete(cq CQ, res Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cqs[cq]
	if !ok || c.corrupt {
		return
	}
	if c.ring.Length() >= int(c.size) {
		c.corrupt = true
		return
	}
	c.ring.Add(res)
	if c.armed {
		e.fireLocked(c)
	}
}

// CreateRequestQueue implements Provider.
func (e *Emulator) CreateRequestQueue(s Socket, maxRecv, maxRecvBufs, maxSend, maxSendBufs uint32,
	recvCQ, sendCQ CQ, socketCtx uint64,
) (RQ, error) {
	if maxRecvBufs != 1 || maxSendBufs != 1 {
		return InvalidRQ, WSAEINVAL
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sock, ok := e.sockets[s]
	if !ok {
		return InvalidRQ, WSAENOTSOCK
	}
	if sock.flags&FlagRegisteredIO == 0 || sock.rq != InvalidRQ {
		return InvalidRQ, WSAEINVAL
	}
	rc, ok := e.cqs[recvCQ]
	if !ok {
		return InvalidRQ, WSAEINVAL
	}
	sc, ok := e.cqs[sendCQ]
	if !ok {
		return InvalidRQ, WSAEINVAL
	}
	if recvCQ == sendCQ {
		return InvalidRQ, WSAEINVAL
	}
	if uint64(rc.reserved)+uint64(maxRecv) > uint64(rc.size) ||
		uint64(sc.reserved)+uint64(maxSend) > uint64(sc.size) {
		return InvalidRQ, WSAENOBUFS
	}
	rc.reserved += maxRecv
	sc.reserved += maxSend
	rq := RQ(e.nextHandle())
	e.rqs[rq] = &emuRQ{
		sock:      sock,
		socketCtx: socketCtx,
		recv:      emuDirection{cq: recvCQ, limit: maxRecv, pending: queue.New()},
		send:      emuDirection{cq: sendCQ, limit: maxSend, pending: queue.New()},
	}
	sock.rq = rq
	return rq, nil
}

// ResizeRequestQueue implements Provider.
func (e *Emulator) ResizeRequestQueue(rq RQ, maxRecv, maxSend uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rqs[rq]
	if !ok {
		return WSAEINVAL
	}
	if maxRecv < r.recv.outstanding || maxSend < r.send.outstanding {
		return WSAEINVAL
	}
	rc, sc := e.cqs[r.recv.cq], e.cqs[r.send.cq]
	if rc == nil || sc == nil {
		return WSAEINVAL
	}
	if uint64(rc.reserved)-uint64(r.recv.limit)+uint64(maxRecv) > uint64(rc.size) ||
		uint64(sc.reserved)-uint64(r.send.limit)+uint64(maxSend) > uint64(sc.size) {
		return WSAENOBUFS
	}
	rc.reserved = rc.reserved - r.recv.limit + maxRecv
	sc.reserved = sc.reserved - r.send.limit + maxSend
	r.recv.limit, r.send.limit = maxRecv, maxSend
	return nil
}

// Receive implements Provider.
func (e *Emulator) Receive(rq RQ, buf *Buf, flags uint32, requestCtx uint64) error {
	return e.submit(rq, buf, requestCtx, true)
}

// Send implements Provider.
func (e *Emulator) Send(rq RQ, buf *Buf, flags uint32, requestCtx uint64) error {
	return e.submit(rq, buf, requestCtx, false)
}

func (e *Emulator) submit(rq RQ, buf *Buf, ctx uint64, recv bool) error {
	if buf == nil {
		return WSAEINVAL
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rqs[rq]
	if !ok {
		return WSAEINVAL
	}
	region, ok := e.buffers[buf.BufferID]
	if !ok || uint64(buf.Offset)+uint64(buf.Length) > uint64(len(region)) {
		return WSAEINVAL
	}
	if r.sock.conn == nil {
		return WSAENOTCONN
	}
	d := &r.send
	if recv {
		d = &r.recv
	}
	if d.outstanding >= d.limit {
		return WSAENOBUFS
	}
	d.outstanding++
	d.pending.Add(emuRequest{buf: *buf, ctx: ctx})
	if !d.running {
		d.running = true
		goPool.Go(e.workers, func() { e.drain(r, d, recv) })
	}
	return nil
}

// drain executes the queued transfers of one direction in submission order.
func (e *Emulator) drain(r *emuRQ, d *emuDirection, recv bool) {
	for {
		e.mu.Lock()
		if d.pending.Length() == 0 {
			d.running = false
			e.mu.Unlock()
			return
		}
		req := d.pending.Remove().(emuRequest)
		conn := r.sock.conn
		var p []byte
		if region, ok := e.buffers[req.buf.BufferID]; ok {
			p = region[req.buf.Offset : req.buf.Offset+req.buf.Length]
		}
		e.mu.Unlock()

		res := Result{SocketContext: r.socketCtx, RequestContext: req.ctx}
		var (
			n   int
			err error
		)
		switch {
		case p == nil:
			err = net.ErrClosed
		case recv:
			n, err = conn.Read(p)
		default:
			n, err = conn.Write(p)
		}
		res.BytesTransferred = uint32(n)
		res.Status = int32(status(err))

		e.mu.Lock()
		d.outstanding--
		e.mu.Unlock()
		e.complete(d.cq, res)
	}
}

// status translates a transfer error into the code a kernel would report.
func status(err error) syscall.Errno {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return 0
	case errors.Is(err, net.ErrClosed):
		return ERROR_OPERATION_ABORTED
	case errors.Is(err, os.ErrDeadlineExceeded):
		return WAIT_TIMEOUT
	default:
		return WSAECONNRESET
	}
}

// CreatePort implements Provider.
func (e *Emulator) CreatePort(uint32) (Port, error) {
	p := &emuPort{
		packets: lfq.NewMPMC[Packet](math.CeilToPowerOfTwo(e.portCapacity)),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	port := Port(e.nextHandle())
	e.ports[port] = p
	return port, nil
}

func (e *Emulator) port(port Port) (*emuPort, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.ports[port]
	if !ok {
		return nil, ERROR_ABANDONED_WAIT_0
	}
	return p, nil
}

// GetQueuedCompletion implements Provider.
func (e *Emulator) GetQueuedCompletion(port Port, timeoutMillis uint32) (Packet, error) {
	p, err := e.port(port)
	if err != nil {
		return Packet{}, err
	}
	var timeout <-chan time.Time
	if timeoutMillis != Infinite {
		timer := time.NewTimer(time.Duration(timeoutMillis) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		if pkt, err := p.packets.Dequeue(); err == nil {
			// Pass the wake-up on, more packets may be queued.
			p.wake()
			return pkt, nil
		}
		select {
		case <-p.signal:
		case <-p.done:
			return Packet{}, ERROR_ABANDONED_WAIT_0
		case <-timeout:
			return Packet{}, WAIT_TIMEOUT
		}
	}
}

// PostQueuedCompletion implements Provider.
func (e *Emulator) PostQueuedCompletion(port Port, pkt Packet) error {
	p, err := e.port(port)
	if err != nil {
		return err
	}
	return p.post(&pkt)
}

func (p *emuPort) post(pkt *Packet) error {
	var bo iox.Backoff
	for {
		err := p.packets.Enqueue(pkt)
		if err == nil {
			p.wake()
			return nil
		}
		if !iox.IsWouldBlock(err) {
			return err
		}
		select {
		case <-p.done:
			return ERROR_ABANDONED_WAIT_0
		default:
		}
		bo.Wait()
	}
}

func (p *emuPort) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// ClosePort implements Provider.
func (e *Emulator) ClosePort(port Port) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.ports[port]
	if !ok {
		return ERROR_INVALID_PARAMETER
	}
	delete(e.ports, port)
	close(p.done)
	return nil
}

// Socket implements Provider.
func (e *Emulator) Socket(family, sotype, proto int, flags uint32) (Socket, error) {
	if family != syscall.AF_INET && family != syscall.AF_INET6 {
		return InvalidSocket, WSAEINVAL
	}
	if sotype != syscall.SOCK_STREAM {
		return InvalidSocket, WSAEPROTOTYPE
	}
	if e.rejectNoInherit && flags&FlagRegisteredIO != 0 && flags&FlagNoHandleInherit != 0 {
		return InvalidSocket, WSAEINVAL
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Socket(e.nextHandle())
	e.sockets[s] = &emuSocket{family: family, sotype: sotype, flags: flags}
	return s, nil
}

// DisableInherit implements Provider.
func (e *Emulator) DisableInherit(s Socket) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sock, ok := e.sockets[s]
	if !ok {
		return WSAENOTSOCK
	}
	sock.flags |= FlagNoHandleInherit
	return nil
}

// Connect implements Provider.
func (e *Emulator) Connect(s Socket, addr *net.TCPAddr) error {
	e.mu.Lock()
	sock, ok := e.sockets[s]
	var connected bool
	if ok {
		connected = sock.conn != nil
	}
	e.mu.Unlock()
	switch {
	case !ok:
		return WSAENOTSOCK
	case connected:
		return WSAEISCONN
	case addr == nil:
		return WSAEINVAL
	}

	network := "tcp4"
	if sock.family == syscall.AF_INET6 {
		network = "tcp6"
	}
	conn, err := e.dialer.Dial(network, addr.String())
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok = e.sockets[s]; !ok || sock.conn != nil {
		_ = conn.Close()
		return WSAENOTSOCK
	}
	sock.conn = conn
	return nil
}

// CloseSocket implements Provider.
func (e *Emulator) CloseSocket(s Socket) error {
	e.mu.Lock()
	sock, ok := e.sockets[s]
	if !ok {
		e.mu.Unlock()
		return WSAENOTSOCK
	}
	delete(e.sockets, s)
	if r, ok := e.rqs[sock.rq]; ok {
		if c, ok := e.cqs[r.recv.cq]; ok {
			c.reserved -= r.recv.limit
		}
		if c, ok := e.cqs[r.send.cq]; ok {
			c.reserved -= r.send.limit
		}
		delete(e.rqs, sock.rq)
	}
	conn := sock.conn
	e.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
