// Package syncutil provides small concurrency-safe primitives: a
// fixed-size array of independently-locked counters (not used by any
// other package of this module) and a mutex-guarded bitfield (used by
// torrent and peerconn for piece/peer have-sets).
package syncutil

import "sync"

// Counters is a fixed-size array of ints, each independently guarded, for
// concurrent increment/decrement without contending on a single lock.
type Counters struct {
	mus  []sync.Mutex
	vals []int
}

// NewCounters returns a Counters of length n, all initialized to zero.
func NewCounters(n int) *Counters {
	return &Counters{
		mus:  make([]sync.Mutex, n),
		vals: make([]int, n),
	}
}

// Len returns the number of counters.
func (c *Counters) Len() int {
	return len(c.vals)
}

// Get returns the value of counter i.
func (c *Counters) Get(i int) int {
	c.mus[i].Lock()
	defer c.mus[i].Unlock()
	return c.vals[i]
}

// Set sets counter i to v.
func (c *Counters) Set(i int, v int) {
	c.mus[i].Lock()
	defer c.mus[i].Unlock()
	c.vals[i] = v
}

// Increment adds 1 to counter i.
func (c *Counters) Increment(i int) {
	c.mus[i].Lock()
	defer c.mus[i].Unlock()
	c.vals[i]++
}

// Decrement subtracts 1 from counter i.
func (c *Counters) Decrement(i int) {
	c.mus[i].Lock()
	defer c.mus[i].Unlock()
	c.vals[i]--
}
