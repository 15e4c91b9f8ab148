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

package proc

import (
	"sync"

	"github.com/hyourindev/agim/core/value"
)

// Message is one mailbox entry: the sending block's pid and the payload.
// The mailbox owns a reference to the payload from enqueue until Pop
// transfers it to the receiver.
type Message struct {
	Sender  uint64
	Payload *value.Value
}

// Mailbox is a bounded FIFO queue. Any worker may enqueue; only the owning
// block's worker pops, so per-sender FIFO order is preserved by the single
// append point. Containers cross block boundaries COW-shared: both sides
// read the same cells until either mutates.
type Mailbox struct {
	mu       sync.Mutex
	queue    []Message
	capacity int
}

// NewMailbox creates a mailbox bounded to capacity messages.
func NewMailbox(capacity int) *Mailbox {
	return &Mailbox{capacity: capacity}
}

// Push enqueues a message, retaining the payload and marking it COW-shared.
// It fails when the mailbox is full or the payload is already dying.
func (m *Mailbox) Push(sender uint64, payload *value.Value) bool {
	retained := payload.Retain()
	if retained == nil {
		return false
	}
	retained.MarkShared()
	m.mu.Lock()
	if len(m.queue) >= m.capacity {
		m.mu.Unlock()
		retained.Release()
		return false
	}
	m.queue = append(m.queue, Message{Sender: sender, Payload: retained})
	m.mu.Unlock()
	return true
}

// Pop removes the head message. Ownership of the payload reference
// transfers to the caller; ok is false when the mailbox is empty.
func (m *Mailbox) Pop() (sender uint64, payload *value.Value, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return 0, nil, false
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	return msg.Sender, msg.Payload, true
}

// Len returns the queued message count.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// ScanRoots marks every queued payload as a strong GC root.
func (m *Mailbox) ScanRoots(mark func(*value.Value)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.queue {
		mark(msg.Payload)
	}
}

// Drain releases every queued payload; used at block teardown.
func (m *Mailbox) Drain() {
	m.mu.Lock()
	q := m.queue
	m.queue = nil
	m.mu.Unlock()
	for _, msg := range q {
		msg.Payload.Release()
	}
}
