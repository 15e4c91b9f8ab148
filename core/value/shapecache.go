// Copyright 2025 The Agim Authors
// This file is part of the Agim library.
//
// The Agim library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The Agim library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the Agim library. If not, see <http://www.gnu.org/licenses/>.

package value

// CacheState tracks inline-cache occupancy.
type CacheState uint8

const (
	// CacheUninit is the empty state of a fresh cache.
	CacheUninit CacheState = iota
	// CacheMono holds exactly one shape.
	CacheMono
	// CachePoly holds up to cachePolyLimit shapes.
	CachePoly
	// CacheMega is the sticky overflow state: caching is disabled and every
	// lookup misses.
	CacheMega
)

// cachePolyLimit is the entry budget of the polymorphic state.
const cachePolyLimit = 4

type cacheEntry struct {
	shape  uint64
	bucket int
}

// ShapeCache is a direct-mapped shape → bucket cache for map field loads.
// One cache sits behind each field-load site; a hit searches only the
// remembered bucket (the key is still hashed on every load). The state ratchets
// UNINITIALIZED → MONO → POLY → MEGA and never returns from MEGA.
type ShapeCache struct {
	state   CacheState
	entries [cachePolyLimit]cacheEntry
	n       int

	hits   uint64
	misses uint64
}

// State returns the occupancy state.
func (c *ShapeCache) State() CacheState { return c.state }

// Stats returns the hit/miss counters.
func (c *ShapeCache) Stats() (hits, misses uint64) { return c.hits, c.misses }

// Lookup returns the cached bucket index for shape, if present. MEGA caches
// always miss.
func (c *ShapeCache) Lookup(shape uint64) (int, bool) {
	if c.state == CacheMega || c.state == CacheUninit {
		c.misses++
		return 0, false
	}
	for i := 0; i < c.n; i++ {
		if c.entries[i].shape == shape {
			c.hits++
			return c.entries[i].bucket, true
		}
	}
	c.misses++
	return 0, false
}

// Update records the bucket for shape after a miss, driving the state
// machine. Re-recording a known shape refreshes its bucket in place.
func (c *ShapeCache) Update(shape uint64, bucket int) {
	if c.state == CacheMega {
		return
	}
	for i := 0; i < c.n; i++ {
		if c.entries[i].shape == shape {
			c.entries[i].bucket = bucket
			return
		}
	}
	if c.n == cachePolyLimit {
		c.state = CacheMega
		c.n = 0
		return
	}
	c.entries[c.n] = cacheEntry{shape: shape, bucket: bucket}
	c.n++
	switch c.n {
	case 1:
		c.state = CacheMono
	default:
		c.state = CachePoly
	}
}
