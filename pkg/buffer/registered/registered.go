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

// Package registered carves one kernel-registered memory region into leased
// slices. Leases are served best-fit from a binary split tree whose free
// siblings are merged back into their parent on release, so a long-running
// process never exhausts its region through fragmentation of released leases.
package registered

import (
	"cmp"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	errorx "github.com/gnet-io/rio/pkg/errors"
	"github.com/gnet-io/rio/pkg/kernel"
	bbPool "github.com/gnet-io/rio/pkg/pool/bytebuffer"
)

const (
	// DefaultSize is the size of a region allocated by NewDefault.
	DefaultSize = 4 << 10
	// MaxSize is the largest region the kernel accepts for registration.
	MaxSize = 1<<32 - 1
)

type state uint8

const (
	stateFree state = iota
	stateUsed
	stateSplit
)

// node covers [offset, offset+length) of the region.
type node struct {
	offset int
	length int
	state  state
	parent *node
	left   *node
	right  *node
}

// Buffer is a registered memory region and the tree of its leases.
type Buffer struct {
	p      kernel.Provider
	id     kernel.BufferID
	region []byte
	owned  bool

	mu     sync.Mutex
	root   *node
	leased int
	closed bool
}

// Register registers a caller-supplied region. The region must not be
// reallocated or moved until the Buffer is closed.
func Register(p kernel.Provider, region []byte) (*Buffer, error) {
	if len(region) == 0 || uint64(len(region)) > MaxSize {
		return nil, errorx.NewOSError("RIORegisterBuffer", errorx.ErrRegistrationFailed, kernel.WSAEINVAL)
	}
	id, err := p.RegisterBuffer(region)
	if err != nil {
		return nil, errorx.NewOSError("RIORegisterBuffer", errorx.ErrRegistrationFailed, err)
	}
	return &Buffer{
		p:      p,
		id:     id,
		region: region,
		root:   &node{length: len(region)},
	}, nil
}

// New allocates a region of size bytes through the provider and registers it,
// the region is released on Close.
func New(p kernel.Provider, size int) (*Buffer, error) {
	if size <= 0 || uint64(size) > MaxSize {
		return nil, errorx.NewOSError("VirtualAlloc", errorx.ErrRegistrationFailed, kernel.WSAEINVAL)
	}
	region, err := p.Alloc(size)
	if err != nil {
		return nil, errorx.NewOSError("VirtualAlloc", errorx.ErrRegistrationFailed, err)
	}
	b, err := Register(p, region)
	if err != nil {
		_ = p.Free(region)
		return nil, err
	}
	b.owned = true
	return b, nil
}

// NewDefault is New with DefaultSize.
func NewDefault(p kernel.Provider) (*Buffer, error) {
	return New(p, DefaultSize)
}

// Allocate leases size bytes. The smallest free part that fits is used; a
// larger part is split and its left half leased.
func (b *Buffer) Allocate(size int) (*Slice, error) {
	if size <= 0 {
		return nil, errorx.ErrInvalidParameter
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errorx.ErrClosed
	}

	free := b.freeLeaves()
	slices.SortStableFunc(free, func(x, y *node) int {
		if c := cmp.Compare(x.length, y.length); c != 0 {
			return c
		}
		return cmp.Compare(x.offset, y.offset)
	})
	i, _ := slices.BinarySearchFunc(free, size, func(n *node, size int) int {
		return cmp.Compare(n.length, size)
	})
	if i == len(free) {
		largest := 0
		if len(free) > 0 {
			largest = free[len(free)-1].length
		}
		return nil, &errorx.AllocationExhaustedError{Requested: size, Available: largest}
	}

	n := free[i]
	if n.length > size {
		n.left = &node{offset: n.offset, length: size, parent: n}
		n.right = &node{offset: n.offset + size, length: n.length - size, parent: n}
		n.state = stateSplit
		n = n.left
	}
	return b.leaseLocked(n), nil
}

// AllocateWhole leases the entire region, it fails while any part of the
// region is leased or split.
func (b *Buffer) AllocateWhole() (*Slice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.root.state != stateFree {
		return nil, false
	}
	return b.leaseLocked(b.root), true
}

func (b *Buffer) leaseLocked(n *node) *Slice {
	n.state = stateUsed
	b.leased++
	return &Slice{
		buf:  b,
		node: n,
		desc: kernel.Buf{BufferID: b.id, Offset: uint32(n.offset), Length: uint32(n.length)},
	}
}

// release frees n and merges free siblings upwards.
func (b *Buffer) release(n *node) {
	n.state = stateFree
	for p := n.parent; p != nil; p = p.parent {
		if p.left.state != stateFree || p.right.state != stateFree {
			break
		}
		p.state = stateFree
		p.left, p.right = nil, nil
	}
	b.leased--
}

func (b *Buffer) freeLeaves() []*node {
	var free []*node
	b.walk(func(n *node) {
		if n.state == stateFree {
			free = append(free, n)
		}
	})
	return free
}

// walk visits the leaves in offset order.
func (b *Buffer) walk(fn func(*node)) {
	stack := []*node{b.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.state == stateSplit {
			stack = append(stack, n.right, n.left)
			continue
		}
		fn(n)
	}
}

// Close deregisters the region. It fails with ErrInUse while any slice is leased.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	if b.leased > 0 {
		return errorx.ErrInUse
	}
	if err := b.p.DeregisterBuffer(b.id); err != nil {
		return errorx.NewOSError("RIODeregisterBuffer", errorx.ErrInvalidParameter, err)
	}
	b.closed = true
	if b.owned {
		return b.p.Free(b.region)
	}
	return nil
}

// ID returns the kernel identifier of the region.
func (b *Buffer) ID() kernel.BufferID {
	return b.id
}

// Len returns the size of the region.
func (b *Buffer) Len() int {
	return len(b.region)
}

// Available returns the number of free bytes, not necessarily contiguous.
func (b *Buffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, n := range b.freeLeaves() {
		total += n.length
	}
	return total
}

// Largest returns the size of the largest free part.
func (b *Buffer) Largest() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	largest := 0
	for _, n := range b.freeLeaves() {
		largest = max(largest, n.length)
	}
	return largest
}

// Leased returns the number of outstanding slices.
func (b *Buffer) Leased() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leased
}

func (b *Buffer) String() string {
	return bbPool.Render(func(bb *bbPool.ByteBuffer) {
		_, _ = bb.WriteString("registered.Buffer{id=")
		_, _ = bb.WriteString(strconv.FormatUint(uint64(b.id), 10))
		_, _ = bb.WriteString(", len=")
		_, _ = bb.WriteString(strconv.Itoa(b.Len()))
		_, _ = bb.WriteString(", leased=")
		_, _ = bb.WriteString(strconv.Itoa(b.Leased()))
		_, _ = bb.WriteString(", available=")
		_, _ = bb.WriteString(strconv.Itoa(b.Available()))
		_ = bb.WriteByte('}')
	})
}

// Slice is a lease on a contiguous part of a registered region. It can be the
// target of one in-flight operation at a time.
type Slice struct {
	buf      *Buffer
	node     *node
	desc     kernel.Buf
	inFlight atomic.Bool
	released bool
}

// Bytes returns the leased part of the region. It must not be touched while
// the slice is in flight.
func (s *Slice) Bytes() []byte {
	return s.buf.region[s.node.offset : s.node.offset+s.node.length : s.node.offset+s.node.length]
}

// Len returns the length of the lease.
func (s *Slice) Len() int {
	return int(s.desc.Length)
}

// Offset returns the position of the lease in its region.
func (s *Slice) Offset() int {
	return int(s.desc.Offset)
}

// Descriptor returns the kernel descriptor of the lease.
func (s *Slice) Descriptor() *kernel.Buf {
	return &s.desc
}

// Buffer returns the region the slice was carved from.
func (s *Slice) Buffer() *Buffer {
	return s.buf
}

// InFlight reports whether an operation currently targets the slice.
func (s *Slice) InFlight() bool {
	return s.inFlight.Load()
}

// MarkInFlight flags the slice as the target of a submitted operation. It
// fails with ErrInvalidParameter once the slice was released and with ErrInUse
// while another operation targets it.
func (s *Slice) MarkInFlight() error {
	s.buf.mu.Lock()
	defer s.buf.mu.Unlock()
	if s.released {
		return errorx.ErrInvalidParameter
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return errorx.ErrInUse
	}
	return nil
}

// ClearInFlight hands the slice back to its holder once its operation completed
// or failed to submit.
func (s *Slice) ClearInFlight() {
	s.inFlight.Store(false)
}

// Release returns the lease to its region. Releasing twice is a no-op.
func (s *Slice) Release() error {
	if s.inFlight.Load() {
		return errorx.ErrInUse
	}

	b := s.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.released {
		return nil
	}
	if s.inFlight.Load() {
		return errorx.ErrInUse
	}
	s.released = true
	b.release(s.node)
	return nil
}
