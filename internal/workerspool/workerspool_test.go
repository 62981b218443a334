// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/fsdp/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
)

func TestPool_Inline(t *testing.T) {
	pool := NewWithParallelism(0)
	var count atomic.Int32
	pool.WaitToStart(func() { count.Add(1) })
	assert.Equal(t, int32(1), count.Load())
}

// TestPool_SleepingWorkers checks that tasks waiting on each other don't deadlock the pool, as long
// as they announce they are asleep.
func TestPool_SleepingWorkers(t *testing.T) {
	pool := NewWithParallelism(1)
	const numTasks = 6 // More than goroutineToParallelismRatio * maxParallelism.
	release := xsync.NewLatch()
	var arrived atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numTasks)
	for range numTasks {
		pool.WaitToStart(func() {
			defer wg.Done()
			if arrived.Add(1) == numTasks {
				release.Trigger()
				return
			}
			pool.WorkerIsAsleep()
			release.Wait()
			pool.WorkerRestarted()
		})
	}
	finished := xsync.NewLatch()
	go func() {
		wg.Wait()
		finished.Trigger()
	}()
	select {
	case <-finished.WaitChan():
	case <-time.After(2 * time.Second):
		t.Fatal("pool deadlocked with sleeping workers")
	}
	assert.Equal(t, int32(numTasks), arrived.Load())
}
