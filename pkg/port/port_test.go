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

package port

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/gnet-io/rio/pkg/errors"
	"github.com/gnet-io/rio/pkg/kernel"
)

func openPort(t *testing.T) *Port {
	t.Helper()
	pt, err := Open(kernel.NewEmulator())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pt.Close() })
	return pt
}

func TestNewKey(t *testing.T) {
	pt := openPort(t)
	assert.EqualValues(t, 1, pt.NewKey())
	assert.EqualValues(t, 2, pt.NewKey())
}

func TestWaitTimeout(t *testing.T) {
	pt := openPort(t)

	start := time.Now()
	_, ok, err := pt.WaitTimeout(20 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	require.NoError(t, pt.Post(Packet{Key: 7, Bytes: 3}))
	pkt, err := pt.Wait()
	require.NoError(t, err)
	assert.EqualValues(t, 7, pkt.Key)
	assert.EqualValues(t, 3, pkt.Bytes)
}

func TestWaitForDemultiplexes(t *testing.T) {
	pt := openPort(t)

	const keys = 4
	var wg sync.WaitGroup
	got := make([]uintptr, keys+1)
	for k := 1; k <= keys; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			pkt, ok, err := pt.WaitFor(uintptr(k), 5*time.Second)
			if assert.NoError(t, err) && assert.True(t, ok) {
				got[k] = pkt.Key
			}
		}(k)
	}

	time.Sleep(10 * time.Millisecond)
	for k := keys; k >= 1; k-- {
		require.NoError(t, pt.Post(Packet{Key: uintptr(k)}))
	}
	wg.Wait()
	for k := 1; k <= keys; k++ {
		assert.EqualValues(t, k, got[k])
	}
}

func TestWaitForParksOtherKeys(t *testing.T) {
	pt := openPort(t)

	require.NoError(t, pt.Post(Packet{Key: 2}))
	require.NoError(t, pt.Post(Packet{Key: 1}))

	pkt, ok, err := pt.WaitFor(1, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, pkt.Key)

	// The packet for key 2 was parked, not lost.
	pkt, ok, err = pt.WaitFor(2, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 2, pkt.Key)
}

func TestDequeueBatch(t *testing.T) {
	pt := openPort(t)

	for k := 1; k <= 5; k++ {
		require.NoError(t, pt.Post(Packet{Key: uintptr(k)}))
	}
	pkts, err := pt.Dequeue(3, time.Second)
	require.NoError(t, err)
	require.Len(t, pkts, 3)
	for i, pkt := range pkts {
		assert.EqualValues(t, i+1, pkt.Key)
	}

	pkts, err = pt.Dequeue(8, time.Second)
	require.NoError(t, err)
	assert.Len(t, pkts, 2)

	pkts, err = pt.Dequeue(8, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, pkts)

	_, err = pt.Dequeue(0, 0)
	assert.ErrorIs(t, err, errorx.ErrInvalidParameter)
}

func TestCloseWakesWaiters(t *testing.T) {
	pt, err := Open(kernel.NewEmulator())
	require.NoError(t, err)

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _, err := pt.WaitFor(9, -1)
			errCh <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, pt.Close())
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, errorx.ErrClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter was not woken up by Close")
		}
	}
	require.NoError(t, pt.Close())
	_, err = pt.Wait()
	assert.ErrorIs(t, err, errorx.ErrClosed)
}
