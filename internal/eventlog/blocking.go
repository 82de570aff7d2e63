package eventlog

import (
	"context"
	"sync"
	"time"
)

// Notifier wakes every waiter on Broadcast. The channel is closed and
// replaced on each broadcast.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewNotifier returns a ready Notifier.
func NewNotifier() *Notifier { return &Notifier{ch: make(chan struct{})} }

// Broadcast wakes all current waiters.
func (n *Notifier) Broadcast() {
	n.mu.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}

// Wait blocks until the next Broadcast, ctx ends or timeout elapses
// (timeout <= 0 waits for ctx only). It returns true if woken by Broadcast.
func (n *Notifier) Wait(ctx context.Context, timeout time.Duration) bool {
	n.mu.Lock()
	ch := n.ch
	n.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ch:
		return true
	case <-timer:
		return false
	case <-ctx.Done():
		return false
	}
}

// WaitForAppend blocks until an append is published on the log's notifier.
func (l *Log) WaitForAppend(ctx context.Context, timeout time.Duration) bool {
	return l.notify.Wait(ctx, timeout)
}
