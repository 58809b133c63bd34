// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// It is safe for concurrent use. AfterFunc callbacks run synchronously
// inside Advance and must not call Advance themselves.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	now     time.Time
	pending []*waiter
}

type waiter struct {
	deadline time.Time
	interval time.Duration // non-zero for tickers
	channel  chan time.Time
	callback func()
	done     bool // fired one-shot or stopped
}

// Fake returns a FakeClock reading start.
func Fake(start time.Time) *FakeClock {
	clock := &FakeClock{now: start}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&waiter{deadline: c.now.Add(d), channel: channel})
	return channel
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	entry := &waiter{deadline: c.now.Add(d), callback: f}
	c.addLocked(entry)
	c.mu.Unlock()
	return &Timer{stop: func() bool { return c.cancel(entry) }}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	entry := &waiter{deadline: c.now.Add(d), interval: d, channel: channel}
	c.addLocked(entry)
	c.mu.Unlock()
	return &Ticker{C: channel, stop: func() { c.cancel(entry) }}
}

// Advance moves time forward by d and fires everything due, in
// deadline order. A ticker spanning several intervals fires once per
// interval; ticks that do not fit in its buffer are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, entry := range due {
			if entry.callback != nil {
				entry.callback()
				continue
			}
			select {
			case entry.channel <- target:
			default:
			}
		}
	}
}

// WaitForTimers blocks until at least n waiters are pending. Tests call
// it after starting a goroutine that registers a timer, so that the
// following Advance cannot race the registration.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of registered, unfired waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) addLocked(entry *waiter) {
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()
}

func (c *FakeClock) cancel(entry *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.done {
		return false
	}
	entry.done = true
	for index, candidate := range c.pending {
		if candidate == entry {
			c.pending = append(c.pending[:index], c.pending[index+1:]...)
			break
		}
	}
	return true
}

// takeDue removes due waiters, reschedules tickers one interval
// forward, and returns what should fire sorted by deadline.
func (c *FakeClock) takeDue(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*waiter
	remaining := c.pending[:0]
	for _, entry := range c.pending {
		if entry.deadline.After(target) {
			remaining = append(remaining, entry)
			continue
		}
		due = append(due, entry)
	}
	c.pending = remaining

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, entry := range due {
		if entry.interval > 0 {
			entry.deadline = entry.deadline.Add(entry.interval)
			c.pending = append(c.pending, entry)
		} else {
			entry.done = true
		}
	}
	return due
}
