// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultCacheTTL is how long a request binding stays fresh.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultCacheCapacity bounds the number of live bindings, beyond
	// which the least recently used binding is evicted.
	DefaultCacheCapacity = 100000
)

type cacheEntry struct {
	requestID  [32]byte
	userPubkey [32]byte
	totalHops  uint8
	firstSeen  time.Time
	hits       uint32
}

// Cache maps request identifiers to the origin pubkey first observed
// for them.  The binding is what lets a relay verify that response
// traffic flows back to the user who issued the request.
type Cache struct {
	sync.Mutex

	ttl      time.Duration
	capacity int

	entries map[[32]byte]*list.Element
	lru     *list.List
}

// NewCache creates a cache.  Zero values select the defaults.
func NewCache(ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[[32]byte]*list.Element),
		lru:      list.New(),
	}
}

// Observe records a request shard sighting.  The first sighting for a
// requestID installs the binding; later sightings must carry the same
// userPubkey or ErrUserMismatch is returned.  The returned count is
// the number of sightings for the binding including this one.
func (c *Cache) Observe(requestID, userPubkey [32]byte, totalHops uint8) (uint32, error) {
	c.Lock()
	defer c.Unlock()

	if el, ok := c.entries[requestID]; ok {
		e := el.Value.(*cacheEntry)
		if time.Since(e.firstSeen) < c.ttl {
			if e.userPubkey != userPubkey {
				return 0, ErrUserMismatch
			}
			e.hits++
			c.lru.MoveToFront(el)
			return e.hits, nil
		}
		c.removeLocked(el)
	}

	e := &cacheEntry{
		requestID:  requestID,
		userPubkey: userPubkey,
		totalHops:  totalHops,
		firstSeen:  time.Now(),
		hits:       1,
	}
	c.entries[requestID] = c.lru.PushFront(e)
	for len(c.entries) > c.capacity {
		c.removeLocked(c.lru.Back())
	}
	return 1, nil
}

// Lookup returns the binding for a requestID, counting the sighting.
// Expired bindings behave as absent.
func (c *Cache) Lookup(requestID [32]byte) (userPubkey [32]byte, totalHops uint8, hits uint32, ok bool) {
	c.Lock()
	defer c.Unlock()

	el, present := c.entries[requestID]
	if !present {
		return
	}
	e := el.Value.(*cacheEntry)
	if time.Since(e.firstSeen) >= c.ttl {
		c.removeLocked(el)
		return
	}
	e.hits++
	c.lru.MoveToFront(el)
	return e.userPubkey, e.totalHops, e.hits, true
}

// Len returns the number of live bindings.
func (c *Cache) Len() int {
	c.Lock()
	defer c.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*cacheEntry)
	delete(c.entries, e.requestID)
	c.lru.Remove(el)
}
