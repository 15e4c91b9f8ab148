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
	"testing"

	"github.com/hyourindev/agim/core/value"
)

// ---- Bytecode builder helpers ----------------------------------------------

// chunkOf builds a main chunk from an emit function.
func chunkOf(emit func(c *Chunk)) *Bytecode {
	c := NewChunk("main", 0)
	emit(c)
	return NewBytecode(c)
}

// newTestVM creates a VM with generous limits and no reduction budget.
func newTestVM(prog *Bytecode) *VM {
	v := New(value.NewHeap(0), 1024, 64)
	v.Load(prog)
	return v
}

// runVM runs the VM and fails the test on an unexpected result.
func runVM(t *testing.T, v *VM, want Result) {
	t.Helper()
	if got := v.Run(); got != want {
		t.Fatalf("Run = %v (%s); want %v", got, v.FailReason(), want)
	}
}

// wantTopInt asserts the integer at the top of the operand stack.
func wantTopInt(t *testing.T, v *VM, want int64) {
	t.Helper()
	top := v.TOS()
	if top == nil || top.Kind() != value.KindInt {
		t.Fatalf("TOS = %v; want int", top)
	}
	if top.Int() != want {
		t.Fatalf("TOS = %d; want %d", top.Int(), want)
	}
}

// ---- Arithmetic ------------------------------------------------------------

func TestAddHalt(t *testing.T) {
	// CONST 10; CONST 20; ADD; HALT → int(30)
	prog := chunkOf(func(c *Chunk) {
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(10))), 1)
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(20))), 1)
		c.Emit(OpAdd, 1)
		c.Emit(OpHalt, 1)
	})
	v := newTestVM(prog)
	runVM(t, v, ResultHalt)
	wantTopInt(t, v, 30)
}

func TestArithTable(t *testing.T) {
	cases := []struct {
		name string
		op   Opcode
		a, b int64
		want int64
	}{
		{"sub", OpSub, 100, 58, 42},
		{"mul", OpMul, 6, 7, 42},
		{"div", OpDiv, 84, 2, 42},
		{"mod", OpMod, 127, 5, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prog := chunkOf(func(c *Chunk) {
				c.EmitU16(OpConst, uint16(c.AddConst(value.Int(tc.a))), 1)
				c.EmitU16(OpConst, uint16(c.AddConst(value.Int(tc.b))), 1)
				c.Emit(tc.op, 1)
				c.Emit(OpHalt, 1)
			})
			v := newTestVM(prog)
			runVM(t, v, ResultHalt)
			wantTopInt(t, v, tc.want)
		})
	}
}

func TestMixedArithWidens(t *testing.T) {
	prog := chunkOf(func(c *Chunk) {
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(1))), 1)
		c.EmitU16(OpConst, uint16(c.AddConst(value.Float(0.5))), 1)
		c.Emit(OpAdd, 1)
		c.Emit(OpHalt, 1)
	})
	v := newTestVM(prog)
	runVM(t, v, ResultHalt)
	if top := v.TOS(); top.Kind() != value.KindFloat || top.Float() != 1.5 {
		t.Fatalf("TOS = %v; want float 1.5", top)
	}
}

func TestIntDivByZero(t *testing.T) {
	prog := chunkOf(func(c *Chunk) {
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(10))), 3)
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(0))), 3)
		c.Emit(OpDiv, 3)
		c.Emit(OpHalt, 3)
	})
	runVM(t, newTestVM(prog), ResultErrDivZero)
}

func TestFloatDivByZeroIsInf(t *testing.T) {
	prog := chunkOf(func(c *Chunk) {
		c.EmitU16(OpConst, uint16(c.AddConst(value.Float(1))), 1)
		c.EmitU16(OpConst, uint16(c.AddConst(value.Float(0))), 1)
		c.Emit(OpDiv, 1)
		c.Emit(OpHalt, 1)
	})
	v := newTestVM(prog)
	runVM(t, v, ResultHalt)
	if top := v.TOS(); top.Kind() != value.KindFloat || top.Float() <= 0 {
		t.Fatalf("1.0/0.0 = %v; want +Inf", top)
	}
}

func TestTypeErrorAddBool(t *testing.T) {
	prog := chunkOf(func(c *Chunk) {
		c.Emit(OpTrue, 7)
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(1))), 7)
		c.Emit(OpAdd, 7)
		c.Emit(OpHalt, 7)
	})
	v := newTestVM(prog)
	runVM(t, v, ResultErrType)
	if v.FailReason() != "type error at op ADD line 7" {
		t.Fatalf("reason = %q", v.FailReason())
	}
}

// ---- Control flow ----------------------------------------------------------

func TestJumpUnlessSkips(t *testing.T) {
	// if false → push 2 else push 1: FALSE; JUMP_UNLESS else; CONST 1;
	// JUMP end; else: CONST 2; end: HALT
	prog := chunkOf(func(c *Chunk) {
		c.Emit(OpFalse, 1)
		elseJmp := c.EmitJump(OpJumpUnless, 1)
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(1))), 2)
		endJmp := c.EmitJump(OpJump, 2)
		if err := c.PatchJump(elseJmp); err != nil {
			t.Fatal(err)
		}
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(2))), 3)
		if err := c.PatchJump(endJmp); err != nil {
			t.Fatal(err)
		}
		c.Emit(OpHalt, 4)
	})
	v := newTestVM(prog)
	runVM(t, v, ResultHalt)
	wantTopInt(t, v, 2)
}

// countdown emits: CONST n; loop: GET_LOCAL 1; CONST 0; GT; JUMP_UNLESS end;
// GET_LOCAL 1; CONST 1; SUB; SET_LOCAL 1; LOOP loop; end: GET_LOCAL 1; HALT
func countdown(n int64) *Bytecode {
	return chunkOf(func(c *Chunk) {
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(n))), 1)
		loop := len(c.Code)
		c.EmitU8(OpGetLocal, 1, 2)
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(0))), 2)
		c.Emit(OpGt, 2)
		end := c.EmitJump(OpJumpUnless, 2)
		c.EmitU8(OpGetLocal, 1, 3)
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(1))), 3)
		c.Emit(OpSub, 3)
		c.EmitU8(OpSetLocal, 1, 3)
		if err := c.EmitLoop(loop, 3); err != nil {
			panic(err)
		}
		if err := c.PatchJump(end); err != nil {
			panic(err)
		}
		c.EmitU8(OpGetLocal, 1, 4)
		c.Emit(OpHalt, 4)
	})
}

func TestLoopCountdown(t *testing.T) {
	v := newTestVM(countdown(10))
	runVM(t, v, ResultHalt)
	wantTopInt(t, v, 0)
}

func TestReductionYield(t *testing.T) {
	v := newTestVM(countdown(1000))
	v.SetReductionLimit(10)
	v.ResetReductions()
	if got := v.Run(); got != ResultYield {
		t.Fatalf("Run = %v; want YIELD", got)
	}
	if v.Reductions() != 10 {
		t.Fatalf("reductions = %d; want 10", v.Reductions())
	}
	// Resume to completion.
	v.SetReductionLimit(0)
	runVM(t, v, ResultHalt)
	wantTopInt(t, v, 0)
}

// ---- Calls -----------------------------------------------------------------

// factorialProg builds fact(n) = n <= 1 ? 1 : n * fact(n-1) and a main that
// calls fact(n).
func factorialProg(n int64) *Bytecode {
	fact := NewChunk("fact", 1)
	one := uint16(fact.AddConst(value.Int(1)))
	fact.EmitU8(OpGetLocal, 1, 1)
	fact.EmitU16(OpConst, one, 1)
	fact.Emit(OpLe, 1)
	rec := fact.EmitJump(OpJumpUnless, 1)
	fact.EmitU16(OpConst, one, 2)
	fact.Emit(OpReturn, 2)
	if err := fact.PatchJump(rec); err != nil {
		panic(err)
	}
	fact.EmitU8(OpGetLocal, 1, 3)
	fact.EmitU8(OpGetLocal, 0, 3)
	fact.EmitU8(OpGetLocal, 1, 3)
	fact.EmitU16(OpConst, one, 3)
	fact.Emit(OpSub, 3)
	fact.EmitU8(OpCall, 1, 3)
	fact.Emit(OpMul, 3)
	fact.Emit(OpReturn, 3)

	main := NewChunk("main", 0)
	prog := NewBytecode(main)
	idx := prog.AddFunc(fact)
	main.EmitU16(OpConst, uint16(main.AddConst(value.NewFunction("fact", 1, idx))), 1)
	main.EmitU16(OpConst, uint16(main.AddConst(value.Int(n))), 1)
	main.EmitU8(OpCall, 1, 1)
	main.Emit(OpHalt, 1)
	return prog
}

func TestRecursiveFactorial(t *testing.T) {
	v := newTestVM(factorialProg(5))
	runVM(t, v, ResultHalt)
	wantTopInt(t, v, 120)
}

func TestArityMismatch(t *testing.T) {
	fact := NewChunk("fact", 1)
	fact.EmitU16(OpConst, uint16(fact.AddConst(value.Int(1))), 1)
	fact.Emit(OpReturn, 1)

	main := NewChunk("main", 0)
	prog := NewBytecode(main)
	idx := prog.AddFunc(fact)
	main.EmitU16(OpConst, uint16(main.AddConst(value.NewFunction("fact", 1, idx))), 1)
	main.EmitU8(OpCall, 0, 1) // zero args to a unary function
	main.Emit(OpHalt, 1)

	runVM(t, newTestVM(prog), ResultErrArity)
}

func TestCallNonFunction(t *testing.T) {
	prog := chunkOf(func(c *Chunk) {
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(3))), 1)
		c.EmitU8(OpCall, 0, 1)
		c.Emit(OpHalt, 1)
	})
	runVM(t, newTestVM(prog), ResultErrType)
}

func TestCallDepthExceeded(t *testing.T) {
	// loop() calls itself forever.
	loop := NewChunk("loop", 0)
	main := NewChunk("main", 0)
	prog := NewBytecode(main)
	idx := prog.AddFunc(loop)
	fn := uint16(loop.AddConst(value.NewFunction("loop", 0, idx)))
	loop.EmitU16(OpConst, fn, 1)
	loop.EmitU8(OpCall, 0, 1)
	loop.Emit(OpReturn, 1)

	main.EmitU16(OpConst, uint16(main.AddConst(value.NewFunction("loop", 0, idx))), 1)
	main.EmitU8(OpCall, 0, 1)
	main.Emit(OpHalt, 1)

	v := New(value.NewHeap(0), 4096, 16)
	v.Load(prog)
	if got := v.Run(); got != ResultErrStack {
		t.Fatalf("Run = %v; want ERROR_STACK", got)
	}
}

// ---- Containers ------------------------------------------------------------

func TestArrayOps(t *testing.T) {
	// arr = []; push 7; push 9; arr[1] → 9
	prog := chunkOf(func(c *Chunk) {
		c.Emit(OpArrayNew, 1)
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(7))), 1)
		c.Emit(OpArrayPush, 1)
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(9))), 1)
		c.Emit(OpArrayPush, 1)
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(1))), 2)
		c.Emit(OpArrayGet, 2)
		c.Emit(OpHalt, 2)
	})
	v := newTestVM(prog)
	runVM(t, v, ResultHalt)
	wantTopInt(t, v, 9)
}

func TestArrayGetOutOfRangeIsNil(t *testing.T) {
	prog := chunkOf(func(c *Chunk) {
		c.Emit(OpArrayNew, 1)
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(5))), 1)
		c.Emit(OpArrayGet, 1)
		c.Emit(OpHalt, 1)
	})
	v := newTestVM(prog)
	runVM(t, v, ResultHalt)
	if !v.TOS().IsNil() {
		t.Fatalf("TOS = %v; want nil", v.TOS())
	}
}

func TestMapOps(t *testing.T) {
	prog := chunkOf(func(c *Chunk) {
		k := uint16(c.AddConst(value.String("answer")))
		c.Emit(OpMapNew, 1)
		c.EmitU16(OpConst, k, 1)
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(42))), 1)
		c.Emit(OpMapSet, 1)
		c.EmitU16(OpConst, k, 2)
		c.Emit(OpMapGet, 2)
		c.Emit(OpHalt, 2)
	})
	v := newTestVM(prog)
	runVM(t, v, ResultHalt)
	wantTopInt(t, v, 42)
}

func TestLenConcatType(t *testing.T) {
	prog := chunkOf(func(c *Chunk) {
		c.EmitU16(OpConst, uint16(c.AddConst(value.String("foo"))), 1)
		c.EmitU16(OpConst, uint16(c.AddConst(value.String("bar"))), 1)
		c.Emit(OpConcat, 1)
		c.Emit(OpLen, 1)
		c.Emit(OpHalt, 1)
	})
	v := newTestVM(prog)
	runVM(t, v, ResultHalt)
	wantTopInt(t, v, 6)

	prog2 := chunkOf(func(c *Chunk) {
		c.EmitU16(OpConst, uint16(c.AddConst(value.Int(3))), 1)
		c.Emit(OpType, 1)
		c.Emit(OpHalt, 1)
	})
	v2 := newTestVM(prog2)
	runVM(t, v2, ResultHalt)
	if v2.TOS().Str() != "int" {
		t.Fatalf("TYPE = %q; want int", v2.TOS().Str())
	}
}

// ---- Receive ---------------------------------------------------------------

// stubInbox is a fixed queue implementing Inbox.
type stubInbox struct {
	msgs []*value.Value
}

func (s *stubInbox) Pop() (uint64, *value.Value, bool) {
	if len(s.msgs) == 0 {
		return 0, nil, false
	}
	v := s.msgs[0]
	s.msgs = s.msgs[1:]
	return 1, v, true
}

func TestReceiveParksOnEmpty(t *testing.T) {
	prog := chunkOf(func(c *Chunk) {
		c.Emit(OpReceive, 1)
		c.Emit(OpHalt, 1)
	})
	v := newTestVM(prog)
	in := &stubInbox{}
	v.SetInbox(in)
	if got := v.Run(); got != ResultWaiting {
		t.Fatalf("Run = %v; want WAITING", got)
	}
	// A message arrives; the resumed slice re-executes RECEIVE.
	in.msgs = append(in.msgs, value.Int(5))
	runVM(t, v, ResultHalt)
	wantTopInt(t, v, 5)
}
