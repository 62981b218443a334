// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import "sync"

// Latch is a one-shot signal: once triggered it stays triggered, and every current and future
// waiter is released.
type Latch struct {
	once sync.Once
	wait chan struct{}
}

// NewLatch returns an un-triggered Latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger the latch. It is safe to call it more than once, only the first call has an effect.
func (l *Latch) Trigger() {
	l.once.Do(func() { close(l.wait) })
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// WaitChan returns a channel that is closed when the latch is triggered, so it can be used in a `select`.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// Test returns whether the latch has already been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}
