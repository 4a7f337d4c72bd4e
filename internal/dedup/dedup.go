// Package dedup suppresses MAVLink frames whose exact payload was already
// seen within a sliding time window. Every router instance owns its own
// cache so instances never contend on it.
package dedup

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// PacketStatus is the result of a duplicate check.
type PacketStatus int

const (
	// PacketNew means the payload was not seen within the window.
	PacketNew PacketStatus = iota
	// PacketDuplicate means an identical payload was seen within the window.
	PacketDuplicate
)

type entry struct {
	timestamp time.Time
	hash      uint64
}

// Cache is a sliding-window set of frame-content hashes.
// A zero period disables the cache entirely.
type Cache struct {
	mu     sync.Mutex
	period time.Duration
	queue  *list.List
	hashes map[uint64]struct{}
	now    func() time.Time
}

// New creates a cache with the given window. period == 0 disables it.
func New(period time.Duration) *Cache {
	return &Cache{
		period: period,
		queue:  list.New(),
		hashes: make(map[uint64]struct{}),
		now:    time.Now,
	}
}

// SetPeriod changes the dedup window.
func (c *Cache) SetPeriod(period time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.period = period
}

// CheckPacket reports whether buf was seen within the window and records it
// otherwise. With a zero period it always reports PacketNew without touching
// the structures.
func (c *Cache) CheckPacket(buf []byte) PacketStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.period == 0 {
		return PacketNew
	}

	now := c.now()

	// Evict entries that fell out of the window.
	for front := c.queue.Front(); front != nil; front = c.queue.Front() {
		e := front.Value.(entry)
		if now.Sub(e.timestamp) <= c.period {
			break
		}
		delete(c.hashes, e.hash)
		c.queue.Remove(front)
	}

	h := fnv.New64a()
	h.Write(buf)
	hash := h.Sum64()

	if _, ok := c.hashes[hash]; ok {
		return PacketDuplicate
	}

	c.hashes[hash] = struct{}{}
	c.queue.PushBack(entry{timestamp: now, hash: hash})
	return PacketNew
}

// Clear drops all recorded hashes.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.Init()
	c.hashes = make(map[uint64]struct{})
}
