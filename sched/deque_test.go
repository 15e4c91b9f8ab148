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
	"testing"

	"github.com/hyourindev/agim/params"
	"github.com/hyourindev/agim/proc"
)

func testBlocks(n int) []*proc.Block {
	out := make([]*proc.Block, n)
	for i := range out {
		out[i] = proc.NewBlock(uint64(i+1), "", params.Limits{})
	}
	return out
}

func TestDequeLIFOForOwner(t *testing.T) {
	d := NewDeque()
	blocks := testBlocks(3)
	for _, b := range blocks {
		d.Push(b)
	}
	for i := 2; i >= 0; i-- {
		got := d.Pop()
		if got != blocks[i] {
			t.Fatalf("pop = %v; want block %d", got, i)
		}
	}
	if d.Pop() != nil {
		t.Fatal("pop from empty deque returned a block")
	}
}

func TestDequePushPopSingle(t *testing.T) {
	d := NewDeque()
	b := testBlocks(1)[0]
	d.Push(b)
	if got := d.Pop(); got != b {
		t.Fatalf("pop = %v; want the pushed block", got)
	}
}

func TestDequeFIFOForThief(t *testing.T) {
	d := NewDeque()
	blocks := testBlocks(10)
	for _, b := range blocks {
		d.Push(b)
	}
	for i := 0; i < 10; i++ {
		got := d.Steal()
		if got != blocks[i] {
			t.Fatalf("steal %d = %v; want insertion order", i, got)
		}
	}
	if d.Steal() != nil {
		t.Fatal("steal from empty deque returned a block")
	}
	attempted, successful := d.StealStats()
	if attempted != 11 || successful != 10 {
		t.Fatalf("steal stats = %d/%d; want 11 attempted, 10 successful", attempted, successful)
	}
}

func TestDequeGrowth(t *testing.T) {
	d := NewDeque()
	blocks := testBlocks(dequeInitialCap * 4)
	for _, b := range blocks {
		d.Push(b)
	}
	if d.Size() != len(blocks) {
		t.Fatalf("size = %d; want %d", d.Size(), len(blocks))
	}
	// Thief order must survive the buffer growth.
	for i := range blocks {
		if got := d.Steal(); got != blocks[i] {
			t.Fatalf("steal %d out of order after growth", i)
		}
	}
}

func TestDequeConcurrentSteals(t *testing.T) {
	d := NewDeque()
	const n = 1000
	blocks := testBlocks(n)
	for _, b := range blocks {
		d.Push(b)
	}

	var mu sync.Mutex
	seen := make(map[uint64]bool, n)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				b := d.Steal()
				if b == nil {
					if d.Empty() {
						return
					}
					continue
				}
				mu.Lock()
				if seen[b.Pid()] {
					mu.Unlock()
					t.Errorf("block %d stolen twice", b.Pid())
					return
				}
				seen[b.Pid()] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("stole %d distinct blocks; want %d", len(seen), n)
	}
}

func TestDequeOwnerThiefRace(t *testing.T) {
	d := NewDeque()
	const n = 2000
	blocks := testBlocks(n)

	var mu sync.Mutex
	seen := make(map[uint64]int, n)
	note := func(b *proc.Block) {
		mu.Lock()
		seen[b.Pid()]++
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	// Owner: push all, then drain what remains.
	go func() {
		defer wg.Done()
		for _, b := range blocks {
			d.Push(b)
		}
		for {
			b := d.Pop()
			if b == nil {
				return
			}
			note(b)
		}
	}()
	// Thief: steal until the owner is done and the deque is dry.
	go func() {
		defer wg.Done()
		misses := 0
		for misses < 10000 {
			if b := d.Steal(); b != nil {
				note(b)
				misses = 0
			} else {
				misses++
			}
		}
	}()
	wg.Wait()
	// Drain leftovers after the thief gave up.
	for {
		b := d.Pop()
		if b == nil {
			break
		}
		note(b)
	}

	total := 0
	for pid, count := range seen {
		if count != 1 {
			t.Fatalf("block %d claimed %d times", pid, count)
		}
		total++
	}
	if total != n {
		t.Fatalf("claimed %d blocks; want %d", total, n)
	}
}
