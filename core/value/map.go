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

import "sync/atomic"

const (
	// mapInitialBuckets is the starting bucket count of a fresh table.
	mapInitialBuckets = 8

	// mapLoadFactor triggers a doubling resize when count/buckets exceeds it.
	mapLoadFactor = 0.7

	// mapMaxChainDepth caps collision chains; a deeper chain forces a resize
	// to blunt hash-flood attacks. Checked only after the load-factor resize
	// so a single insert can resize at most twice.
	mapMaxChainDepth = 16
)

// tableSeq hands out allocation identities for shape ids.
var tableSeq uint64

// entry is one key/value pair in a separately chained bucket. The key string
// is owned by the entry; the value is a retained reference.
type entry struct {
	key  string
	hash uint32
	val  *Value
	next *entry
}

// Table is the chained hash table backing map and struct values.
type Table struct {
	buckets []*entry
	count   int
	ident   uint64
	shape   uint64
}

func newTable() *Table {
	t := &Table{
		buckets: make([]*entry, mapInitialBuckets),
		ident:   atomic.AddUint64(&tableSeq, 1),
	}
	t.shape = ShapeID(t.ident, uint64(len(t.buckets)))
	return t
}

// ShapeID derives the inline-cache shape from a table's allocation identity
// and its current capacity. Any resize changes the shape, invalidating
// cached bucket indices.
func ShapeID(ident, capacity uint64) uint64 {
	return Combine(ident, capacity)
}

// Shape returns the current shape id of a map value, or 0 for non-maps.
func (v *Value) Shape() uint64 {
	if v.kind != KindMap || v.tab == nil {
		return 0
	}
	return v.tab.shape
}

// bucketIndex maps a key hash onto the bucket array.
func (t *Table) bucketIndex(hash uint32) int {
	return int(hash) & (len(t.buckets) - 1)
}

// get returns the value for key, or nil when absent.
func (t *Table) get(key string) *Value {
	hash := HashString(key)
	for e := t.buckets[t.bucketIndex(hash)]; e != nil; e = e.next {
		if e.hash == hash && e.key == key {
			return e.val
		}
	}
	return nil
}

// getAt searches only the given bucket; used by the inline-cache hit path.
func (t *Table) getAt(bucket int, key string, hash uint32) *Value {
	if bucket < 0 || bucket >= len(t.buckets) {
		return nil
	}
	for e := t.buckets[bucket]; e != nil; e = e.next {
		if e.hash == hash && e.key == key {
			return e.val
		}
	}
	return nil
}

// set inserts or replaces key. The caller is responsible for retain/release
// accounting of the stored value. Returns the replaced value, if any.
func (t *Table) set(key string, val *Value) *Value {
	hash := HashString(key)
	idx := t.bucketIndex(hash)
	for e := t.buckets[idx]; e != nil; e = e.next {
		if e.hash == hash && e.key == key {
			old := e.val
			e.val = val
			return old
		}
	}
	t.buckets[idx] = &entry{key: key, hash: hash, val: val, next: t.buckets[idx]}
	t.count++

	if float64(t.count) > mapLoadFactor*float64(len(t.buckets)) {
		t.resize()
	}
	if t.chainDepth(t.bucketIndex(hash)) > mapMaxChainDepth {
		t.resize()
	}
	return nil
}

// remove deletes key and returns the removed value, or nil when absent.
func (t *Table) remove(key string) *Value {
	hash := HashString(key)
	idx := t.bucketIndex(hash)
	var prev *entry
	for e := t.buckets[idx]; e != nil; e = e.next {
		if e.hash == hash && e.key == key {
			if prev == nil {
				t.buckets[idx] = e.next
			} else {
				prev.next = e.next
			}
			t.count--
			return e.val
		}
		prev = e
	}
	return nil
}

// resize doubles the bucket array, rehashes every entry, and assigns a new
// shape so stale inline-cache entries miss.
func (t *Table) resize() {
	next := make([]*entry, len(t.buckets)*2)
	mask := len(next) - 1
	for _, head := range t.buckets {
		for e := head; e != nil; {
			n := e.next
			idx := int(e.hash) & mask
			e.next = next[idx]
			next[idx] = e
			e = n
		}
	}
	t.buckets = next
	t.shape = ShapeID(t.ident, uint64(len(t.buckets)))
}

// chainDepth counts the entries in one bucket.
func (t *Table) chainDepth(bucket int) int {
	n := 0
	for e := t.buckets[bucket]; e != nil; e = e.next {
		n++
	}
	return n
}

// each walks all entries in bucket order.
func (t *Table) each(fn func(key string, val *Value)) {
	for _, head := range t.buckets {
		for e := head; e != nil; e = e.next {
			fn(e.key, e.val)
		}
	}
}

// ---- Map operations --------------------------------------------------------

// MapGet returns the value stored under key, or nil (the value) when the key
// is missing. Works for maps and structs.
func MapGet(m *Value, key string) (*Value, error) {
	if m.kind != KindMap && m.kind != KindStruct {
		return nil, ErrWrongKind
	}
	if v := m.tab.get(key); v != nil {
		return v, nil
	}
	return Nil(), nil
}

// MapGetCached is MapGet routed through an inline cache. On a shape hit only
// the cached bucket is searched; on a miss the cache is updated with the
// bucket the key actually hashed to.
func MapGetCached(m *Value, key string, c *ShapeCache) (*Value, error) {
	if m.kind != KindMap && m.kind != KindStruct {
		return nil, ErrWrongKind
	}
	hash := HashString(key)
	shape := m.tab.shape
	if bucket, ok := c.Lookup(shape); ok {
		if v := m.tab.getAt(bucket, key, hash); v != nil {
			return v, nil
		}
		// Cached bucket did not contain the key: fall through to a full
		// lookup and let the update below refresh the entry.
	}
	bucket := m.tab.bucketIndex(hash)
	c.Update(shape, bucket)
	if v := m.tab.getAt(bucket, key, hash); v != nil {
		return v, nil
	}
	return Nil(), nil
}

// MapSet stores val under key with COW semantics: a shared map is cloned
// first (entries retained), the old cell released, and the clone returned.
// The stored value is retained; a displaced value is released.
func MapSet(h *Heap, m *Value, key string, val *Value) (*Value, error) {
	if m.kind != KindMap {
		return nil, ErrWrongKind
	}
	m, err := mapEnsureUnshared(h, m)
	if err != nil {
		return nil, err
	}
	val.Retain()
	if old := m.tab.set(key, val); old != nil {
		old.Release()
	}
	h.writeBarrier(m, val)
	return m, nil
}

// MapDelete removes key with COW semantics and releases the removed value.
func MapDelete(h *Heap, m *Value, key string) (*Value, error) {
	if m.kind != KindMap {
		return nil, ErrWrongKind
	}
	m, err := mapEnsureUnshared(h, m)
	if err != nil {
		return nil, err
	}
	if old := m.tab.remove(key); old != nil {
		old.Release()
	}
	return m, nil
}

// MapKeys returns the key set as a fresh array of string values.
func MapKeys(h *Heap, m *Value) (*Value, error) {
	if m.kind != KindMap && m.kind != KindStruct {
		return nil, ErrWrongKind
	}
	arr := h.adopt(NewArray(m.tab.count))
	m.tab.each(func(key string, _ *Value) {
		arr.elems = append(arr.elems, h.adopt(String(key)))
	})
	return arr, nil
}

// StructGet reads a struct field; missing fields read as nil.
func StructGet(s *Value, field string) (*Value, error) {
	if s.kind != KindStruct {
		return nil, ErrWrongKind
	}
	if v := s.tab.get(field); v != nil {
		return v, nil
	}
	return Nil(), nil
}

// StructSet writes a struct field with the same COW contract as MapSet.
func StructSet(h *Heap, s *Value, field string, val *Value) (*Value, error) {
	if s.kind != KindStruct {
		return nil, ErrWrongKind
	}
	if s.isShared() {
		clone := h.adopt(&Value{kind: KindStruct, refs: 1, tname: s.tname, tab: newTable()})
		s.tab.each(func(key string, v *Value) {
			v.Retain()
			clone.tab.set(key, v)
		})
		s.Release()
		s = clone
	}
	val.Retain()
	if old := s.tab.set(field, val); old != nil {
		old.Release()
	}
	h.writeBarrier(s, val)
	return s, nil
}

// mapEnsureUnshared clones a shared map (retaining entries) and releases the
// original cell, mirroring arrayEnsureUnshared.
func mapEnsureUnshared(h *Heap, m *Value) (*Value, error) {
	if !m.isShared() {
		return m, nil
	}
	clone := h.adopt(NewMap())
	m.tab.each(func(key string, val *Value) {
		val.Retain()
		clone.tab.set(key, val)
	})
	m.Release()
	return clone, nil
}
