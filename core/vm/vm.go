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

import (
	"fmt"
	"math"

	"github.com/hyourindev/agim/core/value"
)

// Inbox is the VM's view of the owning block's mailbox. Pop transfers
// ownership of the payload reference to the caller.
type Inbox interface {
	Pop() (sender uint64, payload *value.Value, ok bool)
}

// cacheSlots is the size of the direct-mapped inline-cache table; field-load
// sites map onto it by instruction offset.
const cacheSlots = 64

// frame is one activation record. Slot 0 of the frame (stack[base]) aliases
// the callee so recursion can reach itself via GET_LOCAL 0; slots 1..argc
// alias the arguments; a closure's upvalues follow the arguments.
type frame struct {
	chunk *Chunk
	ip    int
	base  int
}

// VM is the stack-based virtual machine a block executes on. The operand
// stack owns a reference to every value it holds: pushes retain, pops
// transfer ownership to the instruction, which keeps the COW sharing
// accounting exact and makes the stack a complete strong-root set for the
// collector.
type VM struct {
	prog  *Bytecode
	heap  *value.Heap
	inbox Inbox

	stack  []*value.Value
	frames []frame

	reductions     uint64
	reductionLimit uint64
	maxStack       int
	maxFrames      int

	interrupt func() bool

	caches [cacheSlots]value.ShapeCache

	failReason string
	failLine   int32
}

// New creates a VM bound to a heap. Zero limits disable the corresponding
// check.
func New(heap *value.Heap, maxStack, maxFrames int) *VM {
	return &VM{
		heap:      heap,
		maxStack:  maxStack,
		maxFrames: maxFrames,
	}
}

// SetInbox wires the mailbox consulted by RECEIVE.
func (vm *VM) SetInbox(in Inbox) { vm.inbox = in }

// SetReductionLimit sets the slice budget; 0 disables preemption.
func (vm *VM) SetReductionLimit(n uint64) { vm.reductionLimit = n }

// ResetReductions clears the slice counter at the start of a quantum.
func (vm *VM) ResetReductions() { vm.reductions = 0 }

// Reductions returns the reductions burned since the last reset.
func (vm *VM) Reductions() uint64 { return vm.reductions }

// SetInterrupt installs a poll called at every reduction checkpoint; when it
// returns true the slice yields immediately (used by kill).
func (vm *VM) SetInterrupt(fn func() bool) { vm.interrupt = fn }

// Load installs a program and seeds the main frame. Any previous execution
// state is released.
func (vm *VM) Load(prog *Bytecode) {
	vm.releaseAll()
	vm.prog = prog
	vm.failReason = ""
	vm.failLine = 0
	// Slot 0 of the outermost frame holds the callee position; main has
	// none, so nil sits there to keep the slot numbering uniform.
	vm.stack = append(vm.stack, value.Nil())
	vm.frames = append(vm.frames, frame{chunk: prog.Main})
}

// releaseAll drops every owned stack reference and clears the frames.
func (vm *VM) releaseAll() {
	for _, v := range vm.stack {
		if v != nil {
			v.Release()
		}
	}
	vm.stack = vm.stack[:0]
	vm.frames = vm.frames[:0]
}

// Halted reports whether there is nothing left to run.
func (vm *VM) Halted() bool { return len(vm.frames) == 0 }

// TOS returns the top of the operand stack without popping (diagnostics and
// tests).
func (vm *VM) TOS() *value.Value {
	if len(vm.stack) == 0 {
		return nil
	}
	return vm.stack[len(vm.stack)-1]
}

// FailReason returns the crash reason of the last error result.
func (vm *VM) FailReason() string { return vm.failReason }

// ScanRoots marks every value reachable from the operand stack — which
// covers all frame locals, callees, and temporaries by construction.
func (vm *VM) ScanRoots(mark func(*value.Value)) {
	for _, v := range vm.stack {
		if v != nil {
			mark(v)
		}
	}
}

// ---- Stack helpers ---------------------------------------------------------

func (vm *VM) push(v *value.Value) bool {
	if vm.maxStack > 0 && len(vm.stack) >= vm.maxStack {
		return false
	}
	vm.stack = append(vm.stack, v)
	return true
}

func (vm *VM) pop() *value.Value {
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v
}

// alloc charges a fresh cell against the block heap, collecting if needed.
// A nil return means the heap budget is exhausted.
func (vm *VM) alloc(v *value.Value) *value.Value {
	return vm.heap.AdoptGC(v)
}

func (vm *VM) fail(r Result, format string, args ...interface{}) Result {
	vm.failReason = fmt.Sprintf(format, args...)
	return r
}

func (vm *VM) typeErr(op Opcode, line int32) Result {
	return vm.fail(ResultErrType, "type error at op %s line %d", op, line)
}

// chargeReduction burns one reduction and reports whether the slice must
// stop (budget exhausted or externally interrupted).
func (vm *VM) chargeReduction() bool {
	vm.reductions++
	if vm.interrupt != nil && vm.interrupt() {
		return true
	}
	return vm.reductionLimit > 0 && vm.reductions >= vm.reductionLimit
}

// ---- Dispatch loop ---------------------------------------------------------

// Run resumes execution until the slice ends: HALT or a final RETURN
// (ResultHalt), an empty-mailbox RECEIVE (ResultWaiting), reduction
// exhaustion (ResultYield), or an error. The VM's state survives YIELD and
// WAITING so the next slice continues where this one stopped.
func (vm *VM) Run() Result {
	if len(vm.frames) == 0 {
		return ResultHalt
	}
	for {
		f := &vm.frames[len(vm.frames)-1]
		if f.ip >= len(f.chunk.Code) {
			// Fell off the end of the chunk: treat as an implicit halt.
			return ResultHalt
		}
		opPos := f.ip
		op := Opcode(f.chunk.Code[f.ip])
		f.ip++
		line := f.chunk.Line(opPos)

		switch op {

		// ---- Constants -----------------------------------------------------

		case OpNil:
			if !vm.push(value.Nil()) {
				return vm.fail(ResultErrStack, "stack overflow line %d", line)
			}
		case OpTrue, OpFalse:
			if !vm.push(value.Bool(op == OpTrue)) {
				return vm.fail(ResultErrStack, "stack overflow line %d", line)
			}
		case OpConst:
			idx := vm.readU16(f)
			if int(idx) >= len(f.chunk.Consts) {
				return vm.fail(ResultErrRuntime, "constant %d out of range line %d", idx, line)
			}
			c := f.chunk.Consts[idx].Retain()
			if c == nil {
				return vm.fail(ResultErrRuntime, "dead constant line %d", line)
			}
			if !vm.push(c) {
				c.Release()
				return vm.fail(ResultErrStack, "stack overflow line %d", line)
			}

		// ---- Arithmetic ----------------------------------------------------

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			if r := vm.arith(op, line); r != ResultOK {
				return r
			}
		case OpNeg:
			v := vm.pop()
			var out *value.Value
			switch v.Kind() {
			case value.KindInt:
				out = vm.alloc(value.Int(-v.Int()))
			case value.KindFloat:
				out = vm.alloc(value.Float(-v.Float()))
			default:
				v.Release()
				return vm.typeErr(op, line)
			}
			v.Release()
			if out == nil {
				return vm.fail(ResultErrRuntime, "heap exhausted line %d", line)
			}
			vm.push(out)

		// ---- Comparison / logic --------------------------------------------

		case OpEq, OpNe:
			b, a := vm.pop(), vm.pop()
			eq := value.Equal(a, b)
			a.Release()
			b.Release()
			vm.push(value.Bool(eq == (op == OpEq)))
		case OpLt, OpLe, OpGt, OpGe:
			b, a := vm.pop(), vm.pop()
			cmp, err := value.Compare(a, b)
			a.Release()
			b.Release()
			if err != nil {
				return vm.typeErr(op, line)
			}
			var res bool
			switch op {
			case OpLt:
				res = cmp < 0
			case OpLe:
				res = cmp <= 0
			case OpGt:
				res = cmp > 0
			case OpGe:
				res = cmp >= 0
			}
			vm.push(value.Bool(res))
		case OpNot:
			v := vm.pop()
			t := v.IsTruthy()
			v.Release()
			vm.push(value.Bool(!t))
		case OpAnd, OpOr:
			b, a := vm.pop(), vm.pop()
			at, bt := a.IsTruthy(), b.IsTruthy()
			a.Release()
			b.Release()
			if op == OpAnd {
				vm.push(value.Bool(at && bt))
			} else {
				vm.push(value.Bool(at || bt))
			}

		// ---- Locals / stack shuffling --------------------------------------

		case OpGetLocal:
			slot := int(vm.readU8(f))
			idx := f.base + slot
			if idx >= len(vm.stack) {
				return vm.fail(ResultErrRuntime, "local %d out of range line %d", slot, line)
			}
			v := vm.stack[idx].Retain()
			if v == nil {
				return vm.fail(ResultErrRuntime, "dead local %d line %d", slot, line)
			}
			if !vm.push(v) {
				v.Release()
				return vm.fail(ResultErrStack, "stack overflow line %d", line)
			}
		case OpSetLocal:
			slot := int(vm.readU8(f))
			idx := f.base + slot
			if idx >= len(vm.stack)-1 {
				return vm.fail(ResultErrRuntime, "local %d out of range line %d", slot, line)
			}
			v := vm.pop()
			vm.stack[idx].Release()
			vm.stack[idx] = v
		case OpDup:
			top := vm.TOS()
			if top == nil {
				return vm.fail(ResultErrRuntime, "empty stack at DUP line %d", line)
			}
			d := top.Retain()
			if d == nil {
				return vm.fail(ResultErrRuntime, "dead value at DUP line %d", line)
			}
			if !vm.push(d) {
				d.Release()
				return vm.fail(ResultErrStack, "stack overflow line %d", line)
			}
		case OpPop:
			vm.pop().Release()
		case OpSwap:
			n := len(vm.stack)
			vm.stack[n-1], vm.stack[n-2] = vm.stack[n-2], vm.stack[n-1]

		// ---- Control flow --------------------------------------------------

		case OpJump:
			off := int(vm.readU16(f))
			f.ip += off
		case OpJumpIf, OpJumpUnless:
			off := int(vm.readU16(f))
			cond := vm.pop()
			t := cond.IsTruthy()
			cond.Release()
			if t == (op == OpJumpIf) {
				f.ip += off
			}
		case OpLoop:
			off := int(vm.readU16(f))
			f.ip -= off
			if vm.chargeReduction() {
				return ResultYield
			}

		// ---- Calls ---------------------------------------------------------

		case OpCall:
			argc := int(vm.readU8(f))
			if r := vm.call(argc, line); r != ResultOK {
				return r
			}
			if vm.chargeReduction() {
				return ResultYield
			}
		case OpReturn:
			result := vm.pop()
			fr := vm.frames[len(vm.frames)-1]
			for i := fr.base; i < len(vm.stack); i++ {
				vm.stack[i].Release()
			}
			vm.stack = vm.stack[:fr.base]
			vm.frames = vm.frames[:len(vm.frames)-1]
			vm.push(result)
			if len(vm.frames) == 0 {
				return ResultHalt
			}
		case OpClosure:
			fnIdx := int(vm.readU16(f))
			upCount := int(vm.readU8(f))
			fn := vm.prog.Func(fnIdx)
			if fn == nil {
				return vm.fail(ResultErrRuntime, "function %d out of range line %d", fnIdx, line)
			}
			ups := make([]*value.Value, upCount)
			for i := upCount - 1; i >= 0; i-- {
				ups[i] = vm.pop()
			}
			clo := vm.alloc(value.NewClosure(
				&value.Function{Name: fn.Name, Arity: fn.Arity, ChunkIndex: fnIdx}, ups))
			// NewClosure took its own references; drop the popped ones.
			for _, u := range ups {
				u.Release()
			}
			if clo == nil {
				return vm.fail(ResultErrRuntime, "heap exhausted line %d", line)
			}
			vm.push(clo)
		case OpHalt:
			return ResultHalt

		// ---- Containers ----------------------------------------------------

		case OpArrayNew:
			arr := vm.alloc(value.NewArray(0))
			if arr == nil {
				return vm.fail(ResultErrRuntime, "heap exhausted line %d", line)
			}
			vm.push(arr)
		case OpArrayPush:
			elem := vm.pop()
			arr := vm.pop()
			out, err := value.ArrayPush(vm.heap, arr, elem)
			elem.Release()
			if err != nil {
				arr.Release()
				return vm.typeErr(op, line)
			}
			vm.push(out)
		case OpArrayGet:
			idxV := vm.pop()
			arr := vm.pop()
			if idxV.Kind() != value.KindInt {
				idxV.Release()
				arr.Release()
				return vm.typeErr(op, line)
			}
			elem, err := value.ArrayGet(arr, idxV.Int())
			idxV.Release()
			if err != nil {
				arr.Release()
				return vm.typeErr(op, line)
			}
			elem = elem.Retain()
			arr.Release()
			if elem == nil {
				return vm.fail(ResultErrRuntime, "dead element line %d", line)
			}
			vm.push(elem)
		case OpArraySet:
			elem := vm.pop()
			idxV := vm.pop()
			arr := vm.pop()
			if idxV.Kind() != value.KindInt {
				elem.Release()
				idxV.Release()
				arr.Release()
				return vm.typeErr(op, line)
			}
			out, err := value.ArraySet(vm.heap, arr, idxV.Int(), elem)
			idxV.Release()
			elem.Release()
			if err != nil {
				arr.Release()
				return vm.typeErr(op, line)
			}
			vm.push(out)
		case OpMapNew:
			m := vm.alloc(value.NewMap())
			if m == nil {
				return vm.fail(ResultErrRuntime, "heap exhausted line %d", line)
			}
			vm.push(m)
		case OpMapGet:
			key := vm.pop()
			m := vm.pop()
			if key.Kind() != value.KindString {
				key.Release()
				m.Release()
				return vm.typeErr(op, line)
			}
			cache := &vm.caches[opPos&(cacheSlots-1)]
			v, err := value.MapGetCached(m, key.Str(), cache)
			key.Release()
			if err != nil {
				m.Release()
				return vm.typeErr(op, line)
			}
			v = v.Retain()
			m.Release()
			if v == nil {
				return vm.fail(ResultErrRuntime, "dead map value line %d", line)
			}
			vm.push(v)
		case OpMapSet:
			val := vm.pop()
			key := vm.pop()
			m := vm.pop()
			if key.Kind() != value.KindString {
				val.Release()
				key.Release()
				m.Release()
				return vm.typeErr(op, line)
			}
			out, err := value.MapSet(vm.heap, m, key.Str(), val)
			key.Release()
			val.Release()
			if err != nil {
				m.Release()
				return vm.typeErr(op, line)
			}
			vm.push(out)
		case OpLen:
			v := vm.pop()
			switch v.Kind() {
			case value.KindString, value.KindBytes, value.KindVector, value.KindArray, value.KindMap:
			default:
				v.Release()
				return vm.typeErr(op, line)
			}
			n := v.Len()
			v.Release()
			out := vm.alloc(value.Int(int64(n)))
			if out == nil {
				return vm.fail(ResultErrRuntime, "heap exhausted line %d", line)
			}
			vm.push(out)
		case OpConcat:
			b, a := vm.pop(), vm.pop()
			out := value.Concat(vm.heap, a, b)
			a.Release()
			b.Release()
			if out == nil {
				return vm.fail(ResultErrRuntime, "heap exhausted line %d", line)
			}
			vm.push(out)
		case OpType:
			v := vm.pop()
			name := v.Kind().String()
			v.Release()
			out := vm.alloc(value.String(name))
			if out == nil {
				return vm.fail(ResultErrRuntime, "heap exhausted line %d", line)
			}
			vm.push(out)

		// ---- Process -------------------------------------------------------

		case OpReceive:
			if vm.inbox == nil {
				return vm.fail(ResultErrRuntime, "receive without mailbox line %d", line)
			}
			_, payload, ok := vm.inbox.Pop()
			if !ok {
				// Park: rewind so the retry re-executes RECEIVE.
				f.ip = opPos
				return ResultWaiting
			}
			if !vm.push(payload) {
				payload.Release()
				return vm.fail(ResultErrStack, "stack overflow line %d", line)
			}

		default:
			return vm.fail(ResultErrRuntime, "invalid opcode 0x%02x line %d", uint8(op), line)
		}
	}
}

// readU8 consumes a one-byte operand.
func (vm *VM) readU8(f *frame) uint8 {
	b := f.chunk.Code[f.ip]
	f.ip++
	return b
}

// readU16 consumes a big-endian two-byte operand.
func (vm *VM) readU16(f *frame) uint16 {
	v := uint16(f.chunk.Code[f.ip])<<8 | uint16(f.chunk.Code[f.ip+1])
	f.ip += 2
	return v
}

// arith executes the two-operand arithmetic opcodes. Ints wrap on overflow;
// a float operand widens the whole operation; integer division and modulo
// by zero are DIVZERO errors while float division follows IEEE-754.
func (vm *VM) arith(op Opcode, line int32) Result {
	b, a := vm.pop(), vm.pop()
	defer func() {
		a.Release()
		b.Release()
	}()

	ak, bk := a.Kind(), b.Kind()
	bothInt := ak == value.KindInt && bk == value.KindInt
	numeric := func(k value.Kind) bool { return k == value.KindInt || k == value.KindFloat }
	if !numeric(ak) || !numeric(bk) {
		return vm.typeErr(op, line)
	}

	var out *value.Value
	if bothInt {
		x, y := a.Int(), b.Int()
		switch op {
		case OpAdd:
			out = value.Int(x + y)
		case OpSub:
			out = value.Int(x - y)
		case OpMul:
			out = value.Int(x * y)
		case OpDiv:
			if y == 0 {
				return vm.fail(ResultErrDivZero, "division by zero line %d", line)
			}
			out = value.Int(x / y)
		case OpMod:
			if y == 0 {
				return vm.fail(ResultErrDivZero, "modulo by zero line %d", line)
			}
			out = value.Int(x % y)
		}
	} else {
		x, y := widen(a), widen(b)
		switch op {
		case OpAdd:
			out = value.Float(x + y)
		case OpSub:
			out = value.Float(x - y)
		case OpMul:
			out = value.Float(x * y)
		case OpDiv:
			out = value.Float(x / y)
		case OpMod:
			out = value.Float(math.Mod(x, y))
		}
	}
	out = vm.alloc(out)
	if out == nil {
		return vm.fail(ResultErrRuntime, "heap exhausted line %d", line)
	}
	if !vm.push(out) {
		out.Release()
		return vm.fail(ResultErrStack, "stack overflow line %d", line)
	}
	return ResultOK
}

func widen(v *value.Value) float64 {
	if v.Kind() == value.KindInt {
		return float64(v.Int())
	}
	return v.Float()
}

// call pushes a frame for the callee sitting below argc arguments. A
// closure's upvalues are appended after the arguments so its body addresses
// them as extra locals.
func (vm *VM) call(argc int, line int32) Result {
	calleeIdx := len(vm.stack) - argc - 1
	if calleeIdx < 0 {
		return vm.fail(ResultErrRuntime, "call underflow line %d", line)
	}
	callee := vm.stack[calleeIdx]
	switch callee.Kind() {
	case value.KindFunction, value.KindClosure:
	default:
		return vm.fail(ResultErrType, "type error at op CALL line %d: %s is not callable", line, callee.Kind())
	}
	fn := callee.Func()
	if fn.Arity != argc {
		return vm.fail(ResultErrArity, "arity mismatch at %s line %d: want %d got %d", fn.Name, line, fn.Arity, argc)
	}
	chunk := vm.prog.Func(fn.ChunkIndex)
	if chunk == nil {
		return vm.fail(ResultErrRuntime, "function %d out of range line %d", fn.ChunkIndex, line)
	}
	if vm.maxFrames > 0 && len(vm.frames) >= vm.maxFrames {
		return vm.fail(ResultErrStack, "call depth exceeded line %d", line)
	}
	if callee.Kind() == value.KindClosure {
		for _, u := range callee.Upvalues() {
			uu := u.Retain()
			if uu == nil {
				return vm.fail(ResultErrRuntime, "dead upvalue line %d", line)
			}
			if !vm.push(uu) {
				uu.Release()
				return vm.fail(ResultErrStack, "stack overflow line %d", line)
			}
		}
	}
	vm.frames = append(vm.frames, frame{chunk: chunk, base: calleeIdx})
	return ResultOK
}
