package pipeline

import (
	"fmt"

	"coreastra/internal/domain"
)

type OverflowPolicy string

const (
	OverflowReject OverflowPolicy = "reject"
	OverflowQueue  OverflowPolicy = "queue"
)

// waiter is a queued session waiting for an execution slot. ready is closed
// when the slot is handed over.
type waiter struct {
	ready chan struct{}
}

// admission is the concurrency counter plus FIFO queue. It is not safe for
// concurrent use; the Coordinator calls it with its mutex held.
type admission struct {
	max     int
	policy  OverflowPolicy
	maxWait int
	running int
	queue   []*waiter
}

func newAdmission(max int, policy OverflowPolicy, maxQueue int) *admission {
	if max < 1 {
		max = 1
	}
	if policy == "" {
		policy = OverflowReject
	}
	return &admission{max: max, policy: policy, maxWait: maxQueue}
}

// acquire takes a slot. It returns a nil waiter when the slot is free now,
// a waiter to block on when queued, or ErrBusy.
func (a *admission) acquire() (*waiter, error) {
	if a.running < a.max {
		a.running++
		return nil, nil
	}
	if a.policy == OverflowQueue && len(a.queue) < a.maxWait {
		w := &waiter{ready: make(chan struct{})}
		a.queue = append(a.queue, w)
		return w, nil
	}
	return nil, fmt.Errorf("%w (%d executing)", domain.ErrBusy, a.running)
}

// release frees a slot, handing it to the oldest waiter if there is one.
func (a *admission) release() {
	if len(a.queue) > 0 {
		w := a.queue[0]
		a.queue = a.queue[1:]
		close(w.ready)
		return
	}
	if a.running > 0 {
		a.running--
	}
}

// abandon removes w from the queue. It reports true when w was already
// granted a slot, which the caller then owns and must release.
func (a *admission) abandon(w *waiter) bool {
	for i, q := range a.queue {
		if q == w {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return false
		}
	}
	return true
}

func (a *admission) executing() int { return a.running }
func (a *admission) queued() int    { return len(a.queue) }
