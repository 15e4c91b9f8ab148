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

// Package proc implements blocks — the isolated lightweight processes of the
// Agim runtime — together with their mailboxes and capability sets. A block
// owns one VM, one heap, and one mailbox; everything it may do to the world
// outside that triad is gated by a capability bit.
package proc

import "strings"

// Cap is a bitset of effect capabilities. A primitive whose capability bit
// is absent crashes the calling block.
type Cap uint32

const (
	// CapSpawn allows creating child blocks.
	CapSpawn Cap = 1 << iota
	// CapSend allows enqueueing messages.
	CapSend
	// CapReceive allows dequeuing messages.
	CapReceive
	// CapInfer allows calling inference primitives.
	CapInfer
	// CapHTTP allows HTTP client calls.
	CapHTTP
	// CapFileRead allows reading files.
	CapFileRead
	// CapFileWrite allows writing files.
	CapFileWrite
	// CapDB allows database primitives.
	CapDB
	// CapMemory allows raw memory primitives.
	CapMemory
	// CapLink allows establishing links.
	CapLink
	// CapShell allows the shell interpreter.
	CapShell
	// CapExec allows exec-ing a binary.
	CapExec
	// CapTrapExit converts incoming link crashes into mailbox messages.
	CapTrapExit
	// CapMonitor allows establishing monitors.
	CapMonitor
	// CapSupervise allows acting as a supervisor.
	CapSupervise
	// CapEnv allows reading the environment.
	CapEnv
	// CapWebSocket allows WebSocket I/O.
	CapWebSocket
)

// CapNone grants nothing; CapAll grants every defined bit (bits 0..30).
const (
	CapNone Cap = 0
	CapAll  Cap = 1<<31 - 1
)

var capNames = []struct {
	bit  Cap
	name string
}{
	{CapSpawn, "SPAWN"},
	{CapSend, "SEND"},
	{CapReceive, "RECEIVE"},
	{CapInfer, "INFER"},
	{CapHTTP, "HTTP"},
	{CapFileRead, "FILE_READ"},
	{CapFileWrite, "FILE_WRITE"},
	{CapDB, "DB"},
	{CapMemory, "MEMORY"},
	{CapLink, "LINK"},
	{CapShell, "SHELL"},
	{CapExec, "EXEC"},
	{CapTrapExit, "TRAP_EXIT"},
	{CapMonitor, "MONITOR"},
	{CapSupervise, "SUPERVISE"},
	{CapEnv, "ENV"},
	{CapWebSocket, "WEBSOCKET"},
}

// String renders the capability set for diagnostics: "NONE", "ALL", a single
// name, or a |-joined list.
func (c Cap) String() string {
	switch c {
	case CapNone:
		return "NONE"
	case CapAll:
		return "ALL"
	}
	var parts []string
	for _, cn := range capNames {
		if c&cn.bit != 0 {
			parts = append(parts, cn.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Has reports whether every bit of want is present.
func (c Cap) Has(want Cap) bool { return c&want == want }
