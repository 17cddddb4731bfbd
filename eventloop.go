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
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gnet-io/rio/internal/queue"
	errorx "github.com/gnet-io/rio/pkg/errors"
	"github.com/gnet-io/rio/pkg/port"
	"github.com/gnet-io/rio/pkg/rq"
)

var errShutdown = errors.New("rio: event-loop is going to be shutdown")

type loopEntry struct {
	s *Stream
	d *direction
}

// EventLoop drains the completion port shared by the streams dialed through
// it and fires the EventHandler callbacks on the goroutine calling Run.
type EventLoop struct {
	opts    *Options
	pt      *port.Port
	ownPort bool
	wakeKey uintptr
	handler EventHandler
	tasks   queue.AsyncTaskQueue

	mu      sync.Mutex
	entries map[uintptr]loopEntry
	streams map[*Stream]struct{}

	running    atomic.Bool
	stopping   atomic.Bool
	egressOnce sync.Once
}

// NewEventLoop creates an event-loop firing the callbacks of handler. The
// loop opens its own completion port unless WithPort is given.
func NewEventLoop(handler EventHandler, opts ...Option) (*EventLoop, error) {
	if handler == nil {
		return nil, errorx.ErrNilHandler
	}
	options := loadOptions(opts...)
	if err := setupLogger(options); err != nil {
		return nil, err
	}

	pt, ownPort := options.Port, options.Port == nil
	if ownPort {
		var err error
		if pt, err = port.Open(options.Provider); err != nil {
			return nil, err
		}
		options.Port = pt
	}

	return &EventLoop{
		opts:    options,
		pt:      pt,
		ownPort: ownPort,
		wakeKey: pt.NewKey(),
		handler: handler,
		tasks:   queue.NewLockFreeQueue(),
		entries: make(map[uintptr]loopEntry),
		streams: make(map[*Stream]struct{}),
	}, nil
}

// Dial connects a stream drained by el.
func (el *EventLoop) Dial(addr string) (*Stream, error) {
	return el.DialContext(context.Background(), addr)
}

// DialContext is Dial with a context bounding resolution and the fan-out.
func (el *EventLoop) DialContext(ctx context.Context, addr string) (*Stream, error) {
	if el.stopping.Load() {
		return nil, errorx.ErrClosed
	}
	addrs, err := resolve(ctx, el.opts.Resolver, addr)
	if err != nil {
		return nil, err
	}
	return connect(ctx, el.opts, addrs, el)
}

func (el *EventLoop) register(s *Stream) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.stopping.Load() {
		return errorx.ErrClosed
	}
	el.entries[s.read.queue.Key()] = loopEntry{s: s, d: &s.read}
	el.entries[s.write.queue.Key()] = loopEntry{s: s, d: &s.write}
	el.streams[s] = struct{}{}
	return nil
}

func (el *EventLoop) unregister(s *Stream) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.entries, s.read.queue.Key())
	delete(el.entries, s.write.queue.Key())
	delete(el.streams, s)
}

// Streams returns the number of open streams bound to el.
func (el *EventLoop) Streams() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.streams)
}

// Run drains the port until Stop is called or a callback returns Shutdown.
// Streams still open are closed when Run returns.
func (el *EventLoop) Run() error {
	if !el.running.CompareAndSwap(false, true) {
		return errorx.ErrInUse
	}
	if el.opts.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	defer el.egress()

	for !el.stopping.Load() {
		pkts, err := el.pt.Dequeue(el.opts.BatchSize, -1)
		if errors.Is(err, errorx.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, pkt := range pkts {
			if pkt.Key == el.wakeKey {
				el.runTasks()
				continue
			}
			if err = el.dispatch(pkt.Key); err == errShutdown {
				el.opts.Logger.Debugf("event-loop is exiting in terms of the demand from user, %v", err)
				return nil
			}
		}
	}
	return nil
}

func (el *EventLoop) dispatch(key uintptr) error {
	el.mu.Lock()
	e, ok := el.entries[key]
	el.mu.Unlock()
	if !ok {
		return nil // stale notification of a closed stream
	}

	e.d.queue.Acknowledge()
	for {
		c, ok, err := e.s.poll(e.d)
		if err != nil {
			el.opts.Logger.Errorf("failed to poll the %s queue of %s: %v", e.d.kind, e.s.remote(), err)
			el.closeStream(e.s)
			return nil
		}
		if !ok {
			break
		}

		var action Action
		if e.d.kind == rq.Read {
			action = el.handler.OnRead(e.s, c)
		} else {
			action = el.handler.OnWrite(e.s, c)
		}
		switch action {
		case None:
		case Close:
			el.closeStream(e.s)
			return nil
		case Shutdown:
			return errShutdown
		}
	}

	// Notifications are one-shot, a pending operation needs a fresh one.
	if e.s.pending(e.d) {
		if err := e.d.queue.Arm(); err != nil {
			el.opts.Logger.Warnf("failed to re-arm the %s queue of %s: %v", e.d.kind, e.s.remote(), err)
		}
	}
	return nil
}

func (el *EventLoop) closeStream(s *Stream) {
	if err := s.Close(); err != nil {
		el.opts.Logger.Errorf("failed to close stream(%s), error: %v", s.remote(), err)
	}
	el.handler.OnClose(s)
}

func (el *EventLoop) runTasks() {
	for task := el.tasks.Dequeue(); task != nil; task = el.tasks.Dequeue() {
		if err := task.Run(task.Arg); err != nil {
			el.opts.Logger.Warnf("event-loop task returned an error: %v", err)
		}
		queue.PutTask(task)
	}
}

func (el *EventLoop) wake() error {
	return el.pt.Post(port.Packet{Key: el.wakeKey})
}

// Trigger runs fn(arg) on the event-loop goroutine.
func (el *EventLoop) Trigger(fn func(arg any) error, arg any) error {
	if fn == nil {
		return errorx.ErrInvalidParameter
	}
	if el.stopping.Load() {
		return errorx.ErrClosed
	}
	task := queue.GetTask()
	task.Run, task.Arg = fn, arg
	el.tasks.Enqueue(task)
	return el.wake()
}

// Stop makes Run return. Stopping twice is a no-op.
func (el *EventLoop) Stop() error {
	if !el.stopping.CompareAndSwap(false, true) {
		return nil
	}
	if !el.running.Load() {
		el.egress()
		return nil
	}
	return el.wake()
}

// egress closes the streams left open and the port the loop owns.
func (el *EventLoop) egress() {
	el.egressOnce.Do(func() {
		el.stopping.Store(true)

		el.mu.Lock()
		streams := make([]*Stream, 0, len(el.streams))
		for s := range el.streams {
			streams = append(streams, s)
		}
		el.mu.Unlock()
		for _, s := range streams {
			el.closeStream(s)
		}

		for task := el.tasks.Dequeue(); task != nil; task = el.tasks.Dequeue() {
			queue.PutTask(task)
		}
		if el.ownPort {
			if err := el.pt.Close(); err != nil {
				el.opts.Logger.Errorf("failed to close the event-loop port: %v", err)
			}
		}
		if el.opts.flush != nil {
			_ = el.opts.flush()
		}
	})
}
