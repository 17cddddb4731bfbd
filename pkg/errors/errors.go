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

// Package errors defines common errors for rio.
package errors

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrRegistrationFailed occurs when the kernel refuses to register a memory region.
	ErrRegistrationFailed = errors.New("rio: failed to register the buffer region")
	// ErrAllocationExhausted occurs when no free part of a registered buffer is large enough.
	ErrAllocationExhausted = errors.New("rio: registered buffer exhausted")
	// ErrQueueFull occurs when a completion queue reservation would exceed its capacity.
	ErrQueueFull = errors.New("rio: completion queue is full")
	// ErrLimitExceeded occurs when a completion queue is sized beyond the hard ceiling.
	ErrLimitExceeded = errors.New("rio: completion queue size limit exceeded")
	// ErrInUse occurs when a resource is shrunk, released or closed while still referenced.
	ErrInUse = errors.New("rio: resource is still in use")
	// ErrQueueCorrupted occurs when the kernel reports a corrupted completion ring,
	// the queue must be discarded.
	ErrQueueCorrupted = errors.New("rio: completion queue is corrupted")
	// ErrInvalidParameter occurs when a call is structurally invalid.
	ErrInvalidParameter = errors.New("rio: invalid parameter")
	// ErrBindFailed occurs when the kernel rejects binding a socket to its completion queues.
	ErrBindFailed = errors.New("rio: failed to bind the request queue")
	// ErrSubmitFailed occurs when the kernel rejects a read or write submission.
	ErrSubmitFailed = errors.New("rio: failed to submit the operation")
	// ErrOperationAlreadyQueued occurs when a stream already has an operation pending in that direction.
	ErrOperationAlreadyQueued = errors.New("rio: operation already queued")
	// ErrUnimplemented occurs when calling an extension point that has not been built yet.
	ErrUnimplemented = errors.New("rio: unimplemented")
	// ErrNoAddresses occurs when an address resolves to nothing.
	ErrNoAddresses = errors.New("rio: could not resolve to any addresses")
	// ErrNotQueued occurs when waiting on a direction with no operation queued.
	ErrNotQueued = errors.New("rio: no operation queued")
	// ErrClosed occurs when using a resource after Close.
	ErrClosed = errors.New("rio: use of closed resource")
	// ErrNilHandler occurs when an event loop is created without an event handler.
	ErrNilHandler = errors.New("rio: nil event handler is not allowed")
)

// AllocationExhaustedError carries the size of the largest free part found
// when an allocation cannot be served. It is a hint, not a guarantee.
type AllocationExhaustedError struct {
	Requested int
	Available int
}

func (e *AllocationExhaustedError) Error() string {
	return fmt.Sprintf("%s: requested %d bytes, largest available %d", ErrAllocationExhausted, e.Requested, e.Available)
}

// Is reports whether the target is ErrAllocationExhausted.
func (e *AllocationExhaustedError) Is(target error) bool {
	return target == ErrAllocationExhausted
}

// QueueFullError carries the number of slots still available on a completion queue.
type QueueFullError struct {
	Requested int
	Available int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("%s: requested %d slots, available %d", ErrQueueFull, e.Requested, e.Available)
}

// Is reports whether the target is ErrQueueFull.
func (e *QueueFullError) Is(target error) bool {
	return target == ErrQueueFull
}

// OSError records a failed kernel call, the taxonomy entry it belongs to
// and the underlying OS error code.
type OSError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OSError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns both the kind and the OS error so that errors.Is matches either.
func (e *OSError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Code returns the OS error code, or 0 when the cause is not an errno.
func (e *OSError) Code() int {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return int(errno)
	}
	return 0
}

// NewOSError wraps err into an *OSError of the given kind.
func NewOSError(op string, kind, err error) error {
	return &OSError{Op: op, Kind: kind, Err: err}
}
