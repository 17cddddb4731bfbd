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

// Package goroutine provides the worker pool that executes emulated kernel
// transfers off the submitting goroutine.
package goroutine

import (
	"time"

	"github.com/panjf2000/ants/v2"
)

const (
	// DefaultWorkerPoolSize is the capacity of the worker pool, 64 * 1024.
	DefaultWorkerPoolSize = 1 << 16

	// ExpiryDuration is the interval time to clean up idle workers.
	ExpiryDuration = 10 * time.Second

	// Nonblocking makes Submit fail instead of waiting when the pool is full.
	Nonblocking = true
)

func init() {
	// It releases the default pool from ants.
	ants.Release()
}

// Pool is the alias of ants.Pool.
type Pool = ants.Pool

// Default instantiates a non-blocking *Pool with the capacity of DefaultWorkerPoolSize.
func Default() *Pool {
	return New(DefaultWorkerPoolSize)
}

// New instantiates a non-blocking *Pool with the given capacity.
func New(size int) *Pool {
	options := ants.Options{ExpiryDuration: ExpiryDuration, Nonblocking: Nonblocking}
	pool, _ := ants.NewPool(size, ants.WithOptions(options))
	return pool
}

// Go runs task on p, or on a fresh goroutine when p is saturated or released.
func Go(p *Pool, task func()) {
	if p == nil || p.Submit(task) != nil {
		go task()
	}
}
