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

package rio

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"code.hybscloud.com/iox"

	"github.com/gnet-io/rio/pkg/buffer/registered"
	"github.com/gnet-io/rio/pkg/cq"
	errorx "github.com/gnet-io/rio/pkg/errors"
	"github.com/gnet-io/rio/pkg/logging"
	"github.com/gnet-io/rio/pkg/port"
	bbPool "github.com/gnet-io/rio/pkg/pool/bytebuffer"
	"github.com/gnet-io/rio/pkg/rq"
	"github.com/gnet-io/rio/pkg/socket"
)

// Completion is the outcome of a read or write submitted on a stream.
type Completion struct {
	// Bytes is the number of bytes transferred, 0 on a read means the peer
	// closed its side.
	Bytes int
	// Slice is the submitted slice, handed back to the caller.
	Slice *registered.Slice
	// Tag is the request context the operation was submitted with.
	Tag uint64
	// Err is the kernel status of the operation, nil on success.
	Err error
}

// Data returns the transferred part of the slice.
func (c Completion) Data() []byte {
	if c.Slice == nil {
		return nil
	}
	return c.Slice.Bytes()[:c.Bytes]
}

// abortTimeout bounds how long Close waits for the kernel to report the
// operations it aborted.
const abortTimeout = 5 * time.Second

type direction struct {
	kind  rq.Direction
	queue *cq.Queue
	op    *rq.Operation
}

// Stream is a connected TCP stream with at most one outstanding read and one
// outstanding write. Operations on one direction must not be issued from
// several goroutines at once.
//
// Streams dialed through an EventLoop are drained by it, the Await and Poll
// methods are meant for streams driven by their owner.
type Stream struct {
	pt      *port.Port
	ownPort bool
	q       *rq.Queue
	el      *EventLoop
	logger  logging.Logger
	flush   logging.Flusher

	mu     sync.Mutex
	tag    uint64
	read   direction
	write  direction
	closed bool
}

// Connect resolves addr and connects to the first address that accepts a
// registered I/O stream.
func Connect(addr string, opts ...Option) (*Stream, error) {
	return ConnectContext(context.Background(), addr, opts...)
}

// ConnectContext is Connect with a context bounding address resolution and the
// fan-out over the resolved addresses.
func ConnectContext(ctx context.Context, addr string, opts ...Option) (*Stream, error) {
	options := loadOptions(opts...)
	if err := setupLogger(options); err != nil {
		return nil, err
	}
	addrs, err := resolve(ctx, options.Resolver, addr)
	if err != nil {
		return nil, err
	}
	return connect(ctx, options, addrs, nil)
}

func resolve(ctx context.Context, r *net.Resolver, addr string) ([]*net.TCPAddr, error) {
	host, service, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	portNum, err := r.LookupPort(ctx, "tcp", service)
	if err != nil {
		return nil, err
	}
	ips, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	return socket.TCPAddrs(ips, portNum), nil
}

func connect(ctx context.Context, opts *Options, addrs []*net.TCPAddr, el *EventLoop) (*Stream, error) {
	if len(addrs) == 0 {
		return nil, errorx.ErrNoAddresses
	}
	var lastErr error
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := dial(opts, addr, el)
		if err == nil {
			return s, nil
		}
		opts.Logger.Debugf("failed to connect to %s, trying the next address: %v", addr, err)
		lastErr = err
	}
	return nil, lastErr
}

// dial builds a stream for one address. Whatever was created before a
// failure is released.
func dial(opts *Options, addr *net.TCPAddr, el *EventLoop) (s *Stream, err error) {
	p := opts.Provider
	var release []func() error
	defer func() {
		if err != nil {
			for i := len(release) - 1; i >= 0; i-- {
				_ = release[i]()
			}
		}
	}()

	sock, err := socket.Dial(p, addr)
	if err != nil {
		return nil, err
	}
	release = append(release, sock.Close)

	pt, ownPort := opts.Port, opts.Port == nil
	if ownPort {
		if pt, err = port.Open(p); err != nil {
			return nil, err
		}
		release = append(release, pt.Close)
	}

	// Keys are 1 and 2 on a fresh port.
	send, err := cq.NewWithPort(p, opts.CompletionQueueSize, pt, pt.NewKey())
	if err != nil {
		return nil, err
	}
	release = append(release, send.Close)
	recv, err := cq.NewWithPort(p, opts.CompletionQueueSize, pt, pt.NewKey())
	if err != nil {
		return nil, err
	}
	release = append(release, recv.Close)

	q, err := rq.New(p, sock, send, opts.SendQueueSize, recv, opts.RecvQueueSize)
	if err != nil {
		return nil, err
	}
	// The request queue holds its own references from now on.
	release = nil
	_ = send.Close()
	_ = recv.Close()

	s = &Stream{
		pt:      pt,
		ownPort: ownPort,
		q:       q,
		el:      el,
		logger:  opts.Logger,
		flush:   opts.flush,
		read:    direction{kind: rq.Read, queue: recv},
		write:   direction{kind: rq.Write, queue: send},
	}
	if el != nil {
		if err = el.register(s); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// SubmitRead hands s to the kernel to receive into. The slice belongs to the
// stream until the read completed.
func (s *Stream) SubmitRead(slice *registered.Slice) error {
	return s.submit(&s.read, slice)
}

// SubmitWrite hands s to the kernel to send its contents.
func (s *Stream) SubmitWrite(slice *registered.Slice) error {
	return s.submit(&s.write, slice)
}

func (s *Stream) submit(d *direction, slice *registered.Slice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errorx.ErrClosed
	}
	if d.op != nil {
		return errorx.ErrOperationAlreadyQueued
	}

	s.tag++
	var (
		op  *rq.Operation
		err error
	)
	if d.kind == rq.Read {
		op, err = s.q.SubmitRead(slice, s.tag)
	} else {
		op, err = s.q.SubmitWrite(slice, s.tag)
	}
	if err != nil {
		return err
	}
	d.op = op

	if s.el != nil {
		if err = d.queue.Arm(); err != nil {
			s.logger.Warnf("failed to arm the %s queue of %s: %v", d.kind, s.remote(), err)
		}
	}
	return nil
}

// HasRead reports whether a read is outstanding.
func (s *Stream) HasRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read.op != nil
}

// HasWrite reports whether a write is outstanding.
func (s *Stream) HasWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write.op != nil
}

// AwaitRead blocks until the outstanding read completed.
func (s *Stream) AwaitRead() error {
	return s.await(&s.read)
}

// AwaitWrite blocks until the outstanding write completed.
func (s *Stream) AwaitWrite() error {
	return s.await(&s.write)
}

func (s *Stream) await(d *direction) error {
	if !s.pending(d) {
		return errorx.ErrNotQueued
	}
	return d.queue.Wait()
}

func (s *Stream) pending(d *direction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.op != nil
}

// PollRead returns the completed read, if any, without blocking.
func (s *Stream) PollRead() (Completion, bool, error) {
	return s.poll(&s.read)
}

// PollWrite returns the completed write, if any, without blocking.
func (s *Stream) PollWrite() (Completion, bool, error) {
	return s.poll(&s.write)
}

func (s *Stream) poll(d *direction) (Completion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.op == nil {
		return Completion{}, false, nil
	}
	ev, ok, err := d.queue.Poll()
	if err != nil || !ok {
		return Completion{}, false, err
	}
	op := d.op
	d.op = nil
	n, slice := op.Complete(ev)
	return Completion{Bytes: n, Slice: slice, Tag: op.Tag, Err: ev.Err()}, true, nil
}

// AwaitReadAndGet blocks until the outstanding read completed and returns it.
func (s *Stream) AwaitReadAndGet() (Completion, error) {
	return s.awaitAndGet(&s.read)
}

// AwaitWriteAndGet blocks until the outstanding write completed and returns it.
func (s *Stream) AwaitWriteAndGet() (Completion, error) {
	return s.awaitAndGet(&s.write)
}

func (s *Stream) awaitAndGet(d *direction) (Completion, error) {
	if err := s.await(d); err != nil {
		return Completion{}, err
	}
	c, ok, err := s.poll(d)
	if err != nil {
		return Completion{}, err
	}
	if !ok {
		return Completion{}, errorx.ErrNotQueued
	}
	return c, nil
}

// AwaitReadTimeout waits up to timeout for the outstanding read, it returns
// false when nothing completed in time.
func (s *Stream) AwaitReadTimeout(timeout time.Duration) (Completion, bool, error) {
	return s.awaitTimeout(&s.read, timeout)
}

// AwaitWriteTimeout waits up to timeout for the outstanding write.
func (s *Stream) AwaitWriteTimeout(timeout time.Duration) (Completion, bool, error) {
	return s.awaitTimeout(&s.write, timeout)
}

func (s *Stream) awaitTimeout(d *direction, timeout time.Duration) (Completion, bool, error) {
	if !s.pending(d) {
		return Completion{}, false, errorx.ErrNotQueued
	}
	ok, err := d.queue.WaitTimeout(timeout)
	if err != nil || !ok {
		return Completion{}, false, err
	}
	return s.poll(d)
}

// RemoteAddr returns the address of the peer.
func (s *Stream) RemoteAddr() net.Addr {
	return s.q.Socket().RemoteAddr()
}

func (s *Stream) remote() string {
	if addr := s.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "<nil>"
}

// Close closes the socket and releases the queues. Slices of outstanding
// operations are handed back to their holders once the kernel reported them
// aborted.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var pending []direction
	for _, d := range []*direction{&s.read, &s.write} {
		if d.op != nil {
			pending = append(pending, *d)
			d.op = nil
		}
	}
	s.mu.Unlock()

	if s.el != nil {
		s.el.unregister(s)
	}
	// The request queue drops its references on close, keep the queues of
	// pending operations alive until their aborts are reaped.
	for _, d := range pending {
		d.queue.Retain()
	}
	err := s.q.Close()
	for _, d := range pending {
		s.reapAbort(d)
		err = errors.Join(err, d.queue.Close())
	}
	if s.ownPort {
		err = errors.Join(err, s.pt.Close())
	}
	if s.flush != nil {
		_ = s.flush()
	}
	return err
}

// reapAbort waits up to abortTimeout for the completion of an operation cut
// short by Close. The kernel owns the slice until that completion shows up.
func (s *Stream) reapAbort(d direction) {
	deadline := time.Now().Add(abortTimeout)
	var bo iox.Backoff
	for {
		ev, ok, err := d.queue.Poll()
		if ok {
			d.op.Complete(ev)
			return
		}
		if err != nil || !time.Now().Before(deadline) {
			s.logger.Warnf("aborted %s of %s never completed, its slice stays in flight: %v", d.kind, s.remote(), err)
			return
		}
		bo.Wait()
	}
}

func (s *Stream) String() string {
	state := func(d *direction) string {
		if d.op != nil {
			return "pending"
		}
		return "idle"
	}
	s.mu.Lock()
	read, write := state(&s.read), state(&s.write)
	s.mu.Unlock()

	return bbPool.Render(func(b *bbPool.ByteBuffer) {
		_, _ = b.WriteString("rio.Stream{remote=")
		_, _ = b.WriteString(s.remote())
		_, _ = b.WriteString(", read=")
		_, _ = b.WriteString(read)
		_, _ = b.WriteString(", write=")
		_, _ = b.WriteString(write)
		_ = b.WriteByte('}')
	})
}
