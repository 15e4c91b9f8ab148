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
	"encoding/binary"
	"math"

	"github.com/hyourindev/agim/core/value"
)

// RegProgram is a program in register form: one code stream per function
// (index 0 is main), sharing a single constant pool with the stack encoding.
type RegProgram struct {
	Code   [][]byte // 4-byte LE instruction words
	Arity  []int
	Consts []*value.Value
}

// regFrame is one activation record of the register VM: its own NaN-boxed
// register file plus the resume point of the caller.
type regFrame struct {
	fn    int
	pc    int
	retReg uint8
	regs  [256]value.Word
}

// RegVM executes RegPrograms on per-frame register files of NaN-boxed
// words. Heap values referenced from registers are pinned in the object
// table, which both keeps the Go collector honest and serves as the OBJ
// handle space of the boxed encoding. Register 0 is a zero register: writes
// are discarded and reads yield nil.
type RegVM struct {
	prog   *RegProgram
	heap   *value.Heap
	inbox  Inbox
	frames []regFrame

	// objects pins every heap value currently reachable from a register;
	// BoxObj payloads index into it.
	objects []*value.Value

	reductions     uint64
	reductionLimit uint64
	maxFrames      int

	result     value.Word
	failReason string
}

// NewRegVM creates a register VM bound to a heap.
func NewRegVM(heap *value.Heap, maxFrames int) *RegVM {
	return &RegVM{heap: heap, maxFrames: maxFrames}
}

// SetInbox wires the mailbox consulted by RECV.
func (vm *RegVM) SetInbox(in Inbox) { vm.inbox = in }

// SetReductionLimit sets the slice budget; 0 disables preemption.
func (vm *RegVM) SetReductionLimit(n uint64) { vm.reductionLimit = n }

// ResetReductions clears the slice counter.
func (vm *RegVM) ResetReductions() { vm.reductions = 0 }

// Reductions returns the reductions burned since the last reset.
func (vm *RegVM) Reductions() uint64 { return vm.reductions }

// Result returns the word left by HALT or the final RET.
func (vm *RegVM) Result() value.Word { return vm.result }

// FailReason returns the crash reason of the last error result.
func (vm *RegVM) FailReason() string { return vm.failReason }

// Object resolves an OBJ handle to its heap value.
func (vm *RegVM) Object(handle uint64) *value.Value {
	if handle >= uint64(len(vm.objects)) {
		return nil
	}
	return vm.objects[handle]
}

// pin adds v to the object table and returns its boxed handle. The table
// holds a reference for the lifetime of the run.
func (vm *RegVM) pin(v *value.Value) value.Word {
	if r := v.Retain(); r != nil {
		v = r
	}
	vm.objects = append(vm.objects, v)
	return value.BoxObj(uint64(len(vm.objects) - 1))
}

// boxConst converts a pool constant into its boxed form, pinning heap
// values.
func (vm *RegVM) boxConst(v *value.Value) value.Word {
	switch v.Kind() {
	case value.KindNil:
		return value.BoxNil()
	case value.KindBool:
		return value.BoxBool(v.Bool())
	case value.KindInt:
		if w, ok := value.BoxInt(v.Int()); ok {
			return w
		}
		return value.BoxFloat(float64(v.Int()))
	case value.KindFloat:
		return value.BoxFloat(v.Float())
	case value.KindPID:
		return value.BoxPID(v.Pid())
	}
	return vm.pin(v)
}

// ScanRoots marks the pinned object table.
func (vm *RegVM) ScanRoots(mark func(*value.Value)) {
	for _, v := range vm.objects {
		if v != nil {
			mark(v)
		}
	}
}

// Load installs a program and seeds the main frame.
func (vm *RegVM) Load(prog *RegProgram) {
	vm.releaseObjects()
	vm.prog = prog
	vm.frames = vm.frames[:0]
	vm.frames = append(vm.frames, regFrame{fn: 0})
	vm.result = value.BoxNil()
	vm.failReason = ""
}

func (vm *RegVM) releaseObjects() {
	for _, v := range vm.objects {
		if v != nil {
			v.Release()
		}
	}
	vm.objects = vm.objects[:0]
}

func (vm *RegVM) fail(r Result, reason string) Result {
	vm.failReason = reason
	return r
}

// Run resumes execution until the slice ends, with the same result taxonomy
// as the stack VM. Backward branches and calls each cost one reduction.
func (vm *RegVM) Run() Result {
	if len(vm.frames) == 0 {
		return ResultHalt
	}
	for {
		f := &vm.frames[len(vm.frames)-1]
		code := vm.prog.Code[f.fn]
		if f.pc+4 > len(code) {
			return ResultHalt
		}
		word := binary.LittleEndian.Uint32(code[f.pc:])
		f.pc += 4

		op := RegOp(word & 0xFF)
		rd := uint8(word >> 8)
		rs1 := uint8(word >> 16)
		rs2 := uint8(word >> 24)
		imm16 := uint16(word >> 16)
		rel := int(int16(imm16))

		switch op {
		case RNop:

		case RLoadK:
			if int(imm16) >= len(vm.prog.Consts) {
				return vm.fail(ResultErrRuntime, "constant index out of range")
			}
			vm.setReg(f, rd, vm.boxConst(vm.prog.Consts[imm16]))
		case RLoadNil:
			vm.setReg(f, rd, value.BoxNil())
		case RLoadTrue:
			vm.setReg(f, rd, value.BoxTrue())
		case RLoadFalse:
			vm.setReg(f, rd, value.BoxFalse())
		case RMove:
			vm.setReg(f, rd, vm.getReg(f, rs1))

		case RAdd, RSub, RMul, RDiv, RMod:
			out, res := vm.arith(op, vm.getReg(f, rs1), vm.getReg(f, rs2))
			if res != ResultOK {
				return res
			}
			vm.setReg(f, rd, out)
		case RNeg:
			a := vm.getReg(f, rs1)
			switch {
			case a.IsInt():
				if w, ok := value.BoxInt(-a.Int()); ok {
					vm.setReg(f, rd, w)
				} else {
					vm.setReg(f, rd, value.BoxFloat(-float64(a.Int())))
				}
			case a.IsFloat():
				vm.setReg(f, rd, value.BoxFloat(-a.Float()))
			default:
				return vm.fail(ResultErrType, "type error at op NEG")
			}

		case REq, RNe:
			eq, res := vm.wordsEqual(vm.getReg(f, rs1), vm.getReg(f, rs2))
			if res != ResultOK {
				return res
			}
			vm.setReg(f, rd, value.BoxBool(eq == (op == REq)))
		case RLt, RLe, RGt, RGe:
			a, b := vm.getReg(f, rs1), vm.getReg(f, rs2)
			af, aok := wordNumeric(a)
			bf, bok := wordNumeric(b)
			if !aok || !bok {
				return vm.fail(ResultErrType, "type error at op "+op.String())
			}
			var res bool
			switch op {
			case RLt:
				res = af < bf
			case RLe:
				res = af <= bf
			case RGt:
				res = af > bf
			case RGe:
				res = af >= bf
			}
			vm.setReg(f, rd, value.BoxBool(res))
		case RNot:
			vm.setReg(f, rd, value.BoxBool(!vm.getReg(f, rs1).Truthy()))

		case RJmp:
			f.pc += rel * 4
			if rel < 0 && vm.chargeReduction() {
				return ResultYield
			}
		case RJmpIf, RJmpNot:
			cond := vm.getReg(f, rd).Truthy()
			if cond == (op == RJmpIf) {
				f.pc += rel * 4
				if rel < 0 && vm.chargeReduction() {
					return ResultYield
				}
			}
		case RCall:
			fnIdx := int(imm16)
			if fnIdx <= 0 || fnIdx >= len(vm.prog.Code) {
				return vm.fail(ResultErrRuntime, "call target out of range")
			}
			if vm.maxFrames > 0 && len(vm.frames) >= vm.maxFrames {
				return vm.fail(ResultErrStack, "call depth exceeded")
			}
			nf := regFrame{fn: fnIdx, retReg: rd}
			// Arguments travel in r1..rN of both frames.
			for i := 1; i <= vm.prog.Arity[fnIdx] && i < 256; i++ {
				nf.regs[i] = f.regs[i]
			}
			vm.frames = append(vm.frames, nf)
			if vm.chargeReduction() {
				return ResultYield
			}
		case RRet:
			ret := vm.getReg(f, rd)
			vm.frames = vm.frames[:len(vm.frames)-1]
			if len(vm.frames) == 0 {
				vm.result = ret
				return ResultHalt
			}
			caller := &vm.frames[len(vm.frames)-1]
			vm.setReg(caller, f.retReg, ret)
		case RHalt:
			vm.result = vm.getReg(f, rd)
			return ResultHalt

		case RRecv:
			if vm.inbox == nil {
				return vm.fail(ResultErrRuntime, "receive without mailbox")
			}
			_, payload, ok := vm.inbox.Pop()
			if !ok {
				f.pc -= 4
				return ResultWaiting
			}
			w := vm.boxValue(payload)
			payload.Release()
			vm.setReg(f, rd, w)

		default:
			return vm.fail(ResultErrRuntime, "invalid opcode")
		}
	}
}

// boxValue boxes an arbitrary runtime value, pinning heap kinds.
func (vm *RegVM) boxValue(v *value.Value) value.Word {
	return vm.boxConst(v)
}

func (vm *RegVM) setReg(f *regFrame, idx uint8, w value.Word) {
	if idx != 0 {
		f.regs[idx] = w
	}
}

func (vm *RegVM) getReg(f *regFrame, idx uint8) value.Word {
	if idx == 0 {
		return value.BoxNil()
	}
	return f.regs[idx]
}

func (vm *RegVM) chargeReduction() bool {
	vm.reductions++
	return vm.reductionLimit > 0 && vm.reductions >= vm.reductionLimit
}

// arith evaluates a boxed binary arithmetic op. Integer results that no
// longer fit 48 bits spill to float.
func (vm *RegVM) arith(op RegOp, a, b value.Word) (value.Word, Result) {
	if a.IsInt() && b.IsInt() {
		x, y := a.Int(), b.Int()
		var r int64
		switch op {
		case RAdd:
			r = x + y
		case RSub:
			r = x - y
		case RMul:
			r = x * y
		case RDiv:
			if y == 0 {
				return 0, vm.fail(ResultErrDivZero, "division by zero")
			}
			r = x / y
		case RMod:
			if y == 0 {
				return 0, vm.fail(ResultErrDivZero, "modulo by zero")
			}
			r = x % y
		}
		if w, ok := value.BoxInt(r); ok {
			return w, ResultOK
		}
		return value.BoxFloat(float64(r)), ResultOK
	}
	af, aok := wordNumeric(a)
	bf, bok := wordNumeric(b)
	if !aok || !bok {
		return 0, vm.fail(ResultErrType, "type error at op "+op.String())
	}
	switch op {
	case RAdd:
		return value.BoxFloat(af + bf), ResultOK
	case RSub:
		return value.BoxFloat(af - bf), ResultOK
	case RMul:
		return value.BoxFloat(af * bf), ResultOK
	case RDiv:
		return value.BoxFloat(af / bf), ResultOK
	case RMod:
		return value.BoxFloat(math.Mod(af, bf)), ResultOK
	}
	return 0, vm.fail(ResultErrRuntime, "unreachable arith op")
}

// wordsEqual compares two boxed words, dereferencing OBJ handles through the
// object table so heap values compare structurally.
func (vm *RegVM) wordsEqual(a, b value.Word) (bool, Result) {
	if a.IsObj() || b.IsObj() {
		av, bv := vm.wordValue(a), vm.wordValue(b)
		if av == nil || bv == nil {
			return false, vm.fail(ResultErrRuntime, "dangling object handle")
		}
		eq := value.Equal(av, bv)
		av.Release()
		bv.Release()
		return eq, ResultOK
	}
	if an, aok := wordNumeric(a); aok {
		if bn, bok := wordNumeric(b); bok {
			return an == bn, ResultOK
		}
		return false, ResultOK
	}
	return a == b, ResultOK
}

// wordValue materializes a boxed word as a runtime value (caller owns the
// reference).
func (vm *RegVM) wordValue(w value.Word) *value.Value {
	switch {
	case w.IsFloat():
		return value.Float(w.Float())
	case w.IsInt():
		return value.Int(w.Int())
	case w.IsPID():
		return value.PID(w.Pid())
	case w.IsNil():
		return value.Nil()
	case w.IsBool():
		return value.Bool(w.Bool())
	case w.IsObj():
		v := vm.Object(w.Obj())
		if v == nil {
			return nil
		}
		return v.Retain()
	}
	return nil
}

func wordNumeric(w value.Word) (float64, bool) {
	if w.IsFloat() {
		return w.Float(), true
	}
	if w.IsInt() {
		return float64(w.Int()), true
	}
	return 0, false
}
