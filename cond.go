package fiber

import (
	"sync"
	"time"
)

// Cond is a condition variable whose Wait suspends the calling fiber
// instead of blocking an OS thread, built the same way as Mutex: a plain
// waiter list behind a short-held sync.Mutex, woken by re-enqueuing the
// waiting fiber's task rather than by any futex.
//
// Unlike sync.Cond, Wait here takes the guarding Mutex explicitly on every
// call rather than storing an L field, since fiberrt's Mutex is a distinct
// type from sync.Locker's usual sync.Mutex.
type Cond struct {
	mu      sync.Mutex
	waiters *waitNode
	waitTl  *waitNode
}

// Wait atomically unlocks guard, suspends the calling fiber until the next
// Signal/Broadcast, then reacquires guard before returning — same contract
// as sync.Cond.Wait, generalized to fiberrt's Mutex.
func (c *Cond) Wait(guard *Mutex) error {
	return c.WaitDeadline(guard, time.Time{})
}

// WaitDeadline is Wait with an optional deadline; ErrTimeout is returned
// (with guard re-locked) if deadline passes first.
func (c *Cond) WaitDeadline(guard *Mutex, deadline time.Time) error {
	c.mu.Lock()
	n := suspendCurrent()
	c.enqueue(n)
	c.mu.Unlock()

	guard.Unlock()
	err := n.block(deadline)
	if err != nil {
		c.remove(n)
	}
	guard.LockDeadline(time.Time{}) //nolint:errcheck // re-lock is unconditional, same as sync.Cond
	return err
}

func (c *Cond) enqueue(n *waitNode) {
	if c.waitTl == nil {
		c.waiters, c.waitTl = n, n
		return
	}
	c.waitTl.next = n
	c.waitTl = n
}

func (c *Cond) remove(target *waitNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var prev *waitNode
	for cur := c.waiters; cur != nil; cur = cur.next {
		if cur == target {
			if prev == nil {
				c.waiters = cur.next
			} else {
				prev.next = cur.next
			}
			if cur == c.waitTl {
				c.waitTl = prev
			}
			return
		}
		prev = cur
	}
}

// Signal wakes at most one waiting fiber, if any are waiting.
func (c *Cond) Signal() {
	c.mu.Lock()
	n := c.waiters
	if n != nil {
		c.waiters = n.next
		if c.waiters == nil {
			c.waitTl = nil
		}
	}
	c.mu.Unlock()
	if n != nil {
		n.wake()
	}
}

// Broadcast wakes every waiting fiber.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	all := c.waiters
	c.waiters, c.waitTl = nil, nil
	c.mu.Unlock()
	for n := all; n != nil; n = n.next {
		n.wake()
	}
}
