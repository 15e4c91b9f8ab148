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

package sched

import (
	"sync"

	"github.com/hyourindev/agim/proc"
)

const (
	// registryShards is the number of independent pid-keyed tables; cross-
	// shard operations take no global lock.
	registryShards = 64

	// shardInitialSlots is the starting open-hash capacity of one shard.
	shardInitialSlots = 64

	// shardLoadNum/shardLoadDen express the 3/4 load factor that triggers a
	// doubling grow.
	shardLoadNum = 3
	shardLoadDen = 4
)

// regShard is one open-addressed hash table. Blocks are never deleted while
// the scheduler lives — dead blocks stay lookupable — so probing needs no
// tombstones; everything is dropped at once in Registry.Clear.
type regShard struct {
	mu    sync.RWMutex
	slots []regSlot
	count int
}

type regSlot struct {
	pid   uint64
	block *proc.Block
}

// Registry maps pids to blocks across 64 independently locked shards.
type Registry struct {
	shards [registryShards]regShard
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].slots = make([]regSlot, shardInitialSlots)
	}
	return r
}

func (r *Registry) shardFor(pid uint64) *regShard {
	return &r.shards[pid%registryShards]
}

// Put registers a block under its pid.
func (r *Registry) Put(b *proc.Block) {
	s := r.shardFor(b.Pid())
	s.mu.Lock()
	if (s.count+1)*shardLoadDen > len(s.slots)*shardLoadNum {
		s.grow()
	}
	s.insert(b.Pid(), b)
	s.mu.Unlock()
}

// insert probes linearly from the pid's home slot. Caller holds the lock.
func (s *regShard) insert(pid uint64, b *proc.Block) {
	mask := uint64(len(s.slots) - 1)
	i := pid & mask
	for {
		if s.slots[i].block == nil || s.slots[i].pid == pid {
			if s.slots[i].block == nil {
				s.count++
			}
			s.slots[i] = regSlot{pid: pid, block: b}
			return
		}
		i = (i + 1) & mask
	}
}

func (s *regShard) grow() {
	old := s.slots
	s.slots = make([]regSlot, len(old)*2)
	s.count = 0
	for _, slot := range old {
		if slot.block != nil {
			s.insert(slot.pid, slot.block)
		}
	}
}

// Get returns the block registered under pid, or nil.
func (r *Registry) Get(pid uint64) *proc.Block {
	if pid == PIDInvalid {
		return nil
	}
	s := r.shardFor(pid)
	s.mu.RLock()
	defer s.mu.RUnlock()
	mask := uint64(len(s.slots) - 1)
	i := pid & mask
	for {
		slot := s.slots[i]
		if slot.block == nil {
			return nil
		}
		if slot.pid == pid {
			return slot.block
		}
		i = (i + 1) & mask
	}
}

// Count returns the number of registered blocks (live and dead).
func (r *Registry) Count() int {
	total := 0
	for i := range r.shards {
		r.shards[i].mu.RLock()
		total += r.shards[i].count
		r.shards[i].mu.RUnlock()
	}
	return total
}

// Each calls fn for every registered block.
func (r *Registry) Each(fn func(*proc.Block)) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		blocks := make([]*proc.Block, 0, s.count)
		for _, slot := range s.slots {
			if slot.block != nil {
				blocks = append(blocks, slot.block)
			}
		}
		s.mu.RUnlock()
		for _, b := range blocks {
			fn(b)
		}
	}
}

// Clear empties every shard; the deferred delete at scheduler teardown.
func (r *Registry) Clear() {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		s.slots = make([]regSlot, shardInitialSlots)
		s.count = 0
		s.mu.Unlock()
	}
}
