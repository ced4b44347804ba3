// Package infra provides small process-level primitives: keyed serial
// lanes and bounded retries.
package infra

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// LaneQueue serializes tasks per lane key while letting distinct lanes run
// concurrently. The coordinator uses one lane per room so that each room's
// persist-then-broadcast unit is totally ordered without a global lock.
type LaneQueue struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	waiters []chan struct{}
	busy    bool
}

// NewLaneQueue creates an empty lane queue. Lanes are created on first use
// and removed when drained.
func NewLaneQueue() *LaneQueue {
	return &LaneQueue{lanes: map[string]*lane{}}
}

// Run executes task in the lane for key. Tasks in the same lane run one at
// a time in arrival order; tasks in different lanes are independent. A
// cancelled context abandons the wait but never an already-running task.
func (q *LaneQueue) Run(ctx context.Context, key string, task func(ctx context.Context) error) error {
	release, err := q.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			panic(fmt.Sprintf("lane %q task panic: %v\n%s", key, r, debug.Stack()))
		}
	}()
	return task(ctx)
}

func (q *LaneQueue) acquire(ctx context.Context, key string) (func(), error) {
	q.mu.Lock()
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
	}
	if !l.busy {
		l.busy = true
		q.mu.Unlock()
		return func() { q.release(key) }, nil
	}

	// FIFO hand-off: each waiter gets its own wake channel.
	wake := make(chan struct{})
	l.waiters = append(l.waiters, wake)
	q.mu.Unlock()

	select {
	case <-wake:
		return func() { q.release(key) }, nil
	case <-ctx.Done():
		q.abandon(key, wake)
		return nil, ctx.Err()
	}
}

func (q *LaneQueue) release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[key]
	if !ok {
		return
	}
	if len(l.waiters) > 0 {
		wake := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(wake)
		return
	}
	l.busy = false
	delete(q.lanes, key)
}

// abandon removes a cancelled waiter, or forwards the slot if the wake
// raced with cancellation.
func (q *LaneQueue) abandon(key string, wake chan struct{}) {
	q.mu.Lock()
	l, ok := q.lanes[key]
	if ok {
		for i, w := range l.waiters {
			if w == wake {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				q.mu.Unlock()
				return
			}
		}
	}
	q.mu.Unlock()

	// Not found among waiters: the slot was already handed to us, so pass
	// it on.
	q.release(key)
}

// Len reports the number of active lanes. Intended for tests and metrics.
func (q *LaneQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}
