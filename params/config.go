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

// Package params holds the tunable defaults of the Agim runtime: per-block
// resource limits and scheduler-wide configuration.
package params

const (
	// Version is the runtime version string reported by the CLI.
	Version = "0.3.0"

	// DefaultReductions is the scheduling quantum: the number of reductions
	// a block may burn in a single slice before it is preempted.
	DefaultReductions = 2000

	// DefaultMaxBlocks caps the number of blocks a scheduler will register
	// before Spawn starts returning PIDInvalid.
	DefaultMaxBlocks = 1 << 16

	// DefaultMailboxSize bounds the per-block message queue.
	DefaultMailboxSize = 1024

	// DefaultMaxHeapSize is the per-block heap byte budget (16 MiB).
	DefaultMaxHeapSize = 16 * 1024 * 1024

	// DefaultMaxStackDepth bounds the operand stack of a block's VM.
	DefaultMaxStackDepth = 4096

	// DefaultMaxCallDepth bounds the frame chain of a block's VM.
	DefaultMaxCallDepth = 256

	// DefaultTimerWheelSize is the number of slots in the hashed timer wheel.
	DefaultTimerWheelSize = 256

	// DefaultTimerTickMillis is the wheel's tick granularity.
	DefaultTimerTickMillis = 10

	// DefaultPromotionThreshold is the number of minor collections an object
	// must survive before it is promoted to the old generation.
	DefaultPromotionThreshold = 2

	// DefaultGCGrowthFactor triggers a collection when live bytes exceed
	// this multiple of the post-GC heap size.
	DefaultGCGrowthFactor = 2.0
)

// Limits captures the per-block resource ceilings. The zero value means
// "use the defaults" for every field.
type Limits struct {
	MaxHeapSize   uint64
	MaxStackDepth int
	MaxCallDepth  int
	MaxReductions uint64
	MaxMailbox    int
}

// DefaultLimits returns the stock per-block resource ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxHeapSize:   DefaultMaxHeapSize,
		MaxStackDepth: DefaultMaxStackDepth,
		MaxCallDepth:  DefaultMaxCallDepth,
		MaxReductions: DefaultReductions,
		MaxMailbox:    DefaultMailboxSize,
	}
}

// Normalize fills any zero field with its default so that partially
// populated Limits behave sensibly.
func (l Limits) Normalize() Limits {
	d := DefaultLimits()
	if l.MaxHeapSize == 0 {
		l.MaxHeapSize = d.MaxHeapSize
	}
	if l.MaxStackDepth == 0 {
		l.MaxStackDepth = d.MaxStackDepth
	}
	if l.MaxCallDepth == 0 {
		l.MaxCallDepth = d.MaxCallDepth
	}
	if l.MaxReductions == 0 {
		l.MaxReductions = d.MaxReductions
	}
	if l.MaxMailbox == 0 {
		l.MaxMailbox = d.MaxMailbox
	}
	return l
}
