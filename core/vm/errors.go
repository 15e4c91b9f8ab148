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

package vm

import "errors"

// ErrBadChunk is returned when decoding a serialized chunk fails.
var ErrBadChunk = errors.New("vm: malformed chunk")

// ErrBadImage is returned when a bytecode image has a bad magic or version.
var ErrBadImage = errors.New("vm: malformed bytecode image")

// Result is the outcome of running a VM slice. The first four are
// successful — OK and YIELD re-queue the block, WAITING parks it, HALT
// terminates it normally. Everything from ErrType up crashes the block with
// a textual reason.
type Result uint8

const (
	ResultOK Result = iota
	ResultHalt
	ResultYield
	ResultWaiting
	ResultErrType
	ResultErrArity
	ResultErrDivZero
	ResultErrOverflow
	ResultErrStack
	ResultErrRuntime
)

var resultNames = [...]string{
	ResultOK:          "OK",
	ResultHalt:        "HALT",
	ResultYield:       "YIELD",
	ResultWaiting:     "WAITING",
	ResultErrType:     "ERROR_TYPE",
	ResultErrArity:    "ERROR_ARITY",
	ResultErrDivZero:  "ERROR_DIVZERO",
	ResultErrOverflow: "ERROR_OVERFLOW",
	ResultErrStack:    "ERROR_STACK",
	ResultErrRuntime:  "ERROR_RUNTIME",
}

func (r Result) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "UNKNOWN"
}

// Crashed reports whether the result is one of the error outcomes.
func (r Result) Crashed() bool { return r >= ResultErrType }
