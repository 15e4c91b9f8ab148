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

// Package vm implements the Agim bytecode world: chunks with constant pools
// and line tables, the stack-based virtual machine that blocks execute on,
// and its register-file twin used by the NaN-boxed hot path. Execution is
// metered in reductions — one per call and per backward branch — which is
// what lets the scheduler preempt blocks without signals.
package vm

// Opcode is an 8-bit stack-machine instruction code. Operands follow the
// opcode inline in the byte stream: u8 for slots and argument counts, u16
// big-endian for constant indices and jump offsets.
type Opcode uint8

const (
	// ---- Constants ---------------------------------------------------------

	// OpNil pushes the nil constant.
	OpNil Opcode = iota
	// OpTrue pushes true.
	OpTrue
	// OpFalse pushes false.
	OpFalse
	// OpConst pushes Consts[u16].
	OpConst

	// ---- Arithmetic --------------------------------------------------------

	// OpAdd pops b, a and pushes a+b. Ints wrap; any float operand widens.
	OpAdd
	// OpSub pops b, a and pushes a-b.
	OpSub
	// OpMul pops b, a and pushes a*b.
	OpMul
	// OpDiv pops b, a and pushes a/b. Integer division by zero is a
	// DIVZERO error; float division follows IEEE-754.
	OpDiv
	// OpMod pops b, a and pushes a%b (integers only).
	OpMod
	// OpNeg negates the numeric top of stack.
	OpNeg

	// ---- Comparison / logic ------------------------------------------------

	// OpEq pushes structural equality of the top two values.
	OpEq
	// OpNe pushes structural inequality.
	OpNe
	// OpLt pushes a < b for numeric or string operands.
	OpLt
	// OpLe pushes a <= b.
	OpLe
	// OpGt pushes a > b.
	OpGt
	// OpGe pushes a >= b.
	OpGe
	// OpNot pushes the logical negation of the top value's truthiness.
	OpNot
	// OpAnd pops b, a and pushes a AND b (truthiness of both).
	OpAnd
	// OpOr pops b, a and pushes a OR b.
	OpOr

	// ---- Locals / stack shuffling ------------------------------------------

	// OpGetLocal pushes frame slot u8. Slot 0 is the callee, slots 1..argc
	// the arguments.
	OpGetLocal
	// OpSetLocal pops into frame slot u8.
	OpSetLocal
	// OpDup duplicates the top of stack.
	OpDup
	// OpPop discards the top of stack.
	OpPop
	// OpSwap exchanges the top two stack values.
	OpSwap

	// ---- Control flow ------------------------------------------------------

	// OpJump branches forward by u16.
	OpJump
	// OpJumpIf pops the condition and branches forward by u16 when truthy.
	OpJumpIf
	// OpJumpUnless pops the condition and branches forward by u16 when falsy.
	OpJumpUnless
	// OpLoop branches backward by u16; costs one reduction.
	OpLoop

	// ---- Calls -------------------------------------------------------------

	// OpCall invokes the callee below u8 arguments; costs one reduction.
	OpCall
	// OpReturn pops the frame's result, tears the frame down, and pushes the
	// result for the caller. A return from the outermost frame stops the VM.
	OpReturn
	// OpClosure builds a closure over function u16 capturing u8 popped
	// upvalues.
	OpClosure
	// OpHalt stops the VM with a normal exit.
	OpHalt

	// ---- Containers --------------------------------------------------------

	// OpArrayNew pushes a fresh empty array.
	OpArrayNew
	// OpArrayPush pops elem, arr and pushes the (possibly cloned) array.
	OpArrayPush
	// OpArrayGet pops index, arr and pushes the element (nil out of range).
	OpArrayGet
	// OpArraySet pops elem, index, arr and pushes the resulting array.
	OpArraySet
	// OpMapNew pushes a fresh empty map.
	OpMapNew
	// OpMapGet pops key, map and pushes the value (nil when missing). Field
	// loads go through the per-site inline cache.
	OpMapGet
	// OpMapSet pops val, key, map and pushes the resulting map.
	OpMapSet
	// OpLen pushes the length of the container on top of the stack.
	OpLen
	// OpConcat pops b, a and pushes their string concatenation.
	OpConcat
	// OpType pushes the type name of the top value as a string.
	OpType

	// ---- Process -----------------------------------------------------------

	// OpReceive pops the next mailbox message onto the stack, or parks the
	// block WAITING when the mailbox is empty.
	OpReceive

	opcodeCount
)

// opcodeInfo pairs the mnemonic with the number of inline operand bytes.
type opcodeInfo struct {
	name     string
	operands int
}

var opcodeTable = [opcodeCount]opcodeInfo{
	OpNil:        {"NIL", 0},
	OpTrue:       {"TRUE", 0},
	OpFalse:      {"FALSE", 0},
	OpConst:      {"CONST", 2},
	OpAdd:        {"ADD", 0},
	OpSub:        {"SUB", 0},
	OpMul:        {"MUL", 0},
	OpDiv:        {"DIV", 0},
	OpMod:        {"MOD", 0},
	OpNeg:        {"NEG", 0},
	OpEq:         {"EQ", 0},
	OpNe:         {"NE", 0},
	OpLt:         {"LT", 0},
	OpLe:         {"LE", 0},
	OpGt:         {"GT", 0},
	OpGe:         {"GE", 0},
	OpNot:        {"NOT", 0},
	OpAnd:        {"AND", 0},
	OpOr:         {"OR", 0},
	OpGetLocal:   {"GET_LOCAL", 1},
	OpSetLocal:   {"SET_LOCAL", 1},
	OpDup:        {"DUP", 0},
	OpPop:        {"POP", 0},
	OpSwap:       {"SWAP", 0},
	OpJump:       {"JUMP", 2},
	OpJumpIf:     {"JUMP_IF", 2},
	OpJumpUnless: {"JUMP_UNLESS", 2},
	OpLoop:       {"LOOP", 2},
	OpCall:       {"CALL", 1},
	OpReturn:     {"RETURN", 0},
	OpClosure:    {"CLOSURE", 3},
	OpHalt:       {"HALT", 0},
	OpArrayNew:   {"ARRAY_NEW", 0},
	OpArrayPush:  {"ARRAY_PUSH", 0},
	OpArrayGet:   {"ARRAY_GET", 0},
	OpArraySet:   {"ARRAY_SET", 0},
	OpMapNew:     {"MAP_NEW", 0},
	OpMapGet:     {"MAP_GET", 0},
	OpMapSet:     {"MAP_SET", 0},
	OpLen:        {"LEN", 0},
	OpConcat:     {"CONCAT", 0},
	OpType:       {"TYPE", 0},
	OpReceive:    {"RECEIVE", 0},
}

// String returns the mnemonic name of the opcode.
func (op Opcode) String() string {
	if int(op) >= len(opcodeTable) {
		return "UNKNOWN"
	}
	return opcodeTable[op].name
}

// OperandBytes returns the number of inline operand bytes following the
// opcode in the instruction stream.
func (op Opcode) OperandBytes() int {
	if int(op) >= len(opcodeTable) {
		return 0
	}
	return opcodeTable[op].operands
}
