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

package goroutine

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoFallsBackWhenSaturated(t *testing.T) {
	p := New(1)
	defer p.Release()

	block := make(chan struct{})
	var (
		wg  sync.WaitGroup
		ran atomic.Int32
	)
	wg.Add(3)
	for i := 0; i < 3; i++ {
		Go(p, func() {
			defer wg.Done()
			<-block
			ran.Add(1)
		})
	}
	close(block)
	wg.Wait()
	assert.EqualValues(t, 3, ran.Load())
}

func TestGoNilPool(t *testing.T) {
	done := make(chan struct{})
	Go(nil, func() { close(done) })
	<-done
}
