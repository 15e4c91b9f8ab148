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

// Package value implements the Agim runtime's uniform dynamic value model:
// a tagged sum of primitives and refcounted heap objects with copy-on-write
// containers, together with the per-block heap and its generational tracing
// collector. Values are shared between blocks by message passing; the
// refcount protocol (with its FREEING and SATURATED sentinels) makes that
// sharing safe across worker threads while each heap itself stays
// single-threaded.
package value

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// ---- Error sentinels -------------------------------------------------------

// ErrWrongKind is returned when an operation is applied to a value of an
// incompatible kind.
var ErrWrongKind = errors.New("value: wrong kind")

// ErrNotComparable is returned by Compare for kinds that define no ordering.
var ErrNotComparable = errors.New("value: kinds are not ordered")

// ErrClosureCopy is returned when a deep copy of a closure is requested.
// Closure copying is not supported.
var ErrClosureCopy = errors.New("value: closures cannot be copied")

// ErrDimension is returned by vector kernels on dimension mismatch.
var ErrDimension = errors.New("value: vector dimension mismatch")

// ---- Kind ------------------------------------------------------------------

// Kind is the variant tag of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindPID
	KindString
	KindBytes
	KindVector
	KindArray
	KindMap
	KindFunction
	KindClosure
	KindStruct
	KindEnum
	KindOption
	KindResult

	kindCount
)

var kindNames = [kindCount]string{
	KindNil:      "nil",
	KindBool:     "bool",
	KindInt:      "int",
	KindFloat:    "float",
	KindPID:      "pid",
	KindString:   "string",
	KindBytes:    "bytes",
	KindVector:   "vector",
	KindArray:    "array",
	KindMap:      "map",
	KindFunction: "function",
	KindClosure:  "closure",
	KindStruct:   "struct",
	KindEnum:     "enum",
	KindOption:   "option",
	KindResult:   "result",
}

// String returns the lowercase type name used by the TYPE opcode and in
// diagnostics.
func (k Kind) String() string {
	if k >= kindCount {
		return "unknown"
	}
	return kindNames[k]
}

// ---- Refcount sentinels and flags ------------------------------------------

const (
	// RefSaturated marks a permanently live value (interned constants).
	// A saturated value is never freed and Retain/Release are no-ops on it.
	RefSaturated uint32 = math.MaxUint32

	// RefFreeing marks a value claimed for destruction. The transition
	// 1 → RefFreeing is the sole authorization to destroy; a concurrent
	// Retain that observes it must treat the value as already dead.
	RefFreeing uint32 = math.MaxUint32 - 1
)

const (
	// FlagImmutable marks kinds that are shareable without COW.
	FlagImmutable uint8 = 1 << 0

	// FlagCOWShared marks a container observed shared: the next mutation by
	// any owner must clone before writing.
	FlagCOWShared uint8 = 1 << 1
)

// GC mark colors.
const (
	colorWhite uint8 = iota
	colorGray
	colorBlack
)

// ---- Function --------------------------------------------------------------

// Function describes a callable unit of bytecode. The chunk itself lives in
// the Bytecode function table; values reference it by index so that function
// constants stay cheap to copy between pools.
type Function struct {
	Name       string
	Arity      int
	ChunkIndex int
}

// ---- Value -----------------------------------------------------------------

// Value is one datum of the dynamically typed runtime. All variants share
// this cell layout; the active payload fields depend on the kind. Refcounts
// are atomic and may be touched from any worker (message passing, timers);
// everything else is owned by the block holding the value.
type Value struct {
	kind  Kind
	flags uint8

	// GC state, mutated only by the owning heap's worker.
	color      uint8
	old        bool
	remembered bool
	survivals  uint8

	refs uint32 // atomic; see Retain/Release

	next     *Value // intrusive heap allocation list
	grayNext *Value // intrusive gray frontier link
	seq      uint64 // heap allocation sequence; keys the card table

	num   uint64 // bool (0/1), int64 bits, float64 bits, or pid
	str   string
	hash  uint32 // precomputed FNV-1a of str
	raw   []byte // bytes payload
	vec   []float64
	elems []*Value // array elements
	tab   *Table   // map buckets; also struct fields
	fn    *Function
	ups   []*Value // closure upvalues
	tname string   // struct / enum type name
	vname string   // enum variant name
	child *Value   // option / result / enum payload
	some  bool     // option: some; result: ok
}

// Interned singletons for the three special constants. They are saturated,
// so they survive any number of Release calls and any GC cycle.
var (
	sharedNil   = &Value{kind: KindNil, flags: FlagImmutable, refs: RefSaturated}
	sharedTrue  = &Value{kind: KindBool, flags: FlagImmutable, refs: RefSaturated, num: 1}
	sharedFalse = &Value{kind: KindBool, flags: FlagImmutable, refs: RefSaturated}
)

// Nil returns the interned nil value.
func Nil() *Value { return sharedNil }

// Bool returns an interned boolean value.
func Bool(b bool) *Value {
	if b {
		return sharedTrue
	}
	return sharedFalse
}

// Int returns a fresh integer value with refcount 1.
func Int(i int64) *Value {
	return &Value{kind: KindInt, flags: FlagImmutable, refs: 1, num: uint64(i)}
}

// Float returns a fresh float value with refcount 1.
func Float(f float64) *Value {
	return &Value{kind: KindFloat, flags: FlagImmutable, refs: 1, num: math.Float64bits(f)}
}

// PID returns a fresh pid value with refcount 1.
func PID(p uint64) *Value {
	return &Value{kind: KindPID, flags: FlagImmutable, refs: 1, num: p}
}

// String returns a fresh string value with its FNV-1a hash precomputed.
func String(s string) *Value {
	return &Value{kind: KindString, flags: FlagImmutable, refs: 1, str: s, hash: HashString(s)}
}

// Bytes returns a fresh mutable byte buffer value.
func Bytes(b []byte) *Value {
	return &Value{kind: KindBytes, refs: 1, raw: b}
}

// Vector returns a fresh immutable dense f64 vector.
func Vector(elems []float64) *Value {
	return &Value{kind: KindVector, flags: FlagImmutable, refs: 1, vec: elems}
}

// NewArray returns a fresh empty array with the given capacity hint.
func NewArray(capacity int) *Value {
	return &Value{kind: KindArray, refs: 1, elems: make([]*Value, 0, capacity)}
}

// NewMap returns a fresh empty map.
func NewMap() *Value {
	return &Value{kind: KindMap, refs: 1, tab: newTable()}
}

// NewFunction returns a function value for the chunk at the given index of
// the bytecode function table.
func NewFunction(name string, arity, chunkIndex int) *Value {
	return &Value{
		kind:  KindFunction,
		flags: FlagImmutable,
		refs:  1,
		fn:    &Function{Name: name, Arity: arity, ChunkIndex: chunkIndex},
	}
}

// NewClosure wraps a function with captured upvalues. The upvalues are
// retained by the closure.
func NewClosure(fn *Function, ups []*Value) *Value {
	for _, u := range ups {
		u.Retain()
	}
	return &Value{kind: KindClosure, refs: 1, fn: fn, ups: ups}
}

// Some wraps v in option.some. The child is retained.
func Some(v *Value) *Value {
	v.Retain()
	return &Value{kind: KindOption, refs: 1, child: v, some: true}
}

// None returns a fresh option.none.
func None() *Value {
	return &Value{kind: KindOption, refs: 1, some: false}
}

// Ok wraps v in result.ok. The child is retained.
func Ok(v *Value) *Value {
	v.Retain()
	return &Value{kind: KindResult, refs: 1, child: v, some: true}
}

// Err wraps e in result.err. The child is retained.
func Err(e *Value) *Value {
	e.Retain()
	return &Value{kind: KindResult, refs: 1, child: e, some: false}
}

// NewStruct builds a nominal record. Field values are retained.
func NewStruct(typeName string, fields map[string]*Value) *Value {
	tab := newTable()
	for k, v := range fields {
		v.Retain()
		tab.set(k, v)
	}
	return &Value{kind: KindStruct, refs: 1, tname: typeName, tab: tab}
}

// NewEnum builds a tagged-union value; payload may be nil for bare variants.
// A non-nil payload is retained.
func NewEnum(typeName, variant string, payload *Value) *Value {
	if payload != nil {
		payload.Retain()
	}
	return &Value{kind: KindEnum, refs: 1, tname: typeName, vname: variant, child: payload}
}

// ---- Accessors -------------------------------------------------------------

// Kind returns the variant tag.
func (v *Value) Kind() Kind { return v.kind }

// IsNil reports whether the value is the nil variant.
func (v *Value) IsNil() bool { return v.kind == KindNil }

// IsTruthy implements the language truth rule: nil and false are falsy,
// everything else is truthy.
func (v *Value) IsTruthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.num != 0
	}
	return true
}

// Bool returns the boolean payload. Only meaningful for KindBool.
func (v *Value) Bool() bool { return v.num != 0 }

// Int returns the integer payload. Only meaningful for KindInt.
func (v *Value) Int() int64 { return int64(v.num) }

// Float returns the float payload. Only meaningful for KindFloat.
func (v *Value) Float() float64 { return math.Float64frombits(v.num) }

// Pid returns the pid payload. Only meaningful for KindPID.
func (v *Value) Pid() uint64 { return v.num }

// Str returns the string payload. Only meaningful for KindString.
func (v *Value) Str() string { return v.str }

// RawBytes returns the bytes payload. Only meaningful for KindBytes.
func (v *Value) RawBytes() []byte { return v.raw }

// Vec returns the vector payload. Only meaningful for KindVector.
func (v *Value) Vec() []float64 { return v.vec }

// Func returns the function descriptor for function and closure values.
func (v *Value) Func() *Function { return v.fn }

// Upvalues returns a closure's captured values.
func (v *Value) Upvalues() []*Value { return v.ups }

// TypeName returns the nominal type of a struct or enum value.
func (v *Value) TypeName() string { return v.tname }

// Variant returns the variant name of an enum value.
func (v *Value) Variant() string { return v.vname }

// Child returns the payload of an option, result, or enum value; nil when
// absent.
func (v *Value) Child() *Value { return v.child }

// IsSome reports option.some; IsOk reports result.ok.
func (v *Value) IsSome() bool { return v.kind == KindOption && v.some }

// IsOk reports whether a result value is the ok variant.
func (v *Value) IsOk() bool { return v.kind == KindResult && v.some }

// Refs returns the current reference count (for tests and diagnostics).
func (v *Value) Refs() uint32 { return atomic.LoadUint32(&v.refs) }

// Flags returns the flag bits.
func (v *Value) Flags() uint8 { return v.flags }

// Old reports whether the value has been promoted to the old
// generation.
func (v *Value) Old() bool { return v.old }

// Survivals returns the minor-GC survival count.
func (v *Value) Survivals() uint8 { return v.survivals }

// ---- Refcount protocol -----------------------------------------------------

// Retain takes a new reference. It returns v on success and nil when the
// value is already claimed for destruction (FREEING) or dead (0) — the
// caller must then treat it as gone. Saturated values are returned
// unchanged. On overflow the count saturates permanently.
func (v *Value) Retain() *Value {
	for {
		old := atomic.LoadUint32(&v.refs)
		switch old {
		case RefSaturated:
			return v
		case RefFreeing, 0:
			return nil
		}
		n := old + 1
		if n == RefFreeing {
			n = RefSaturated
		}
		if atomic.CompareAndSwapUint32(&v.refs, old, n) {
			return v
		}
	}
}

// Release drops one reference. The last reference transitions 1 → FREEING
// before destruction runs, which excludes concurrent retainers from
// resurrecting the value. After destruction the count is published as 0 so
// the owning heap's sweep can unlink the cell.
func (v *Value) Release() {
	for {
		old := atomic.LoadUint32(&v.refs)
		switch old {
		case RefSaturated, RefFreeing, 0:
			return
		}
		if old == 1 {
			if atomic.CompareAndSwapUint32(&v.refs, 1, RefFreeing) {
				v.destroy()
				atomic.StoreUint32(&v.refs, 0)
				return
			}
			continue
		}
		if atomic.CompareAndSwapUint32(&v.refs, old, old-1) {
			return
		}
	}
}

// MarkShared flags a container as COW-shared. Mutations by any owner will
// clone first. No-op for immutable kinds.
func (v *Value) MarkShared() {
	if v.flags&FlagImmutable == 0 {
		v.flags |= FlagCOWShared
	}
}

// isShared reports whether a mutation must go through the COW clone path.
func (v *Value) isShared() bool {
	return v.flags&FlagCOWShared != 0 || atomic.LoadUint32(&v.refs) > 1
}

// destroy releases the payload in variant-specific order and clears the
// payload references. Only reachable through the 1 → FREEING transition.
func (v *Value) destroy() {
	switch v.kind {
	case KindArray:
		for _, e := range v.elems {
			if e != nil {
				e.Release()
			}
		}
		v.elems = nil
	case KindMap, KindStruct:
		if v.tab != nil {
			v.tab.each(func(_ string, val *Value) {
				val.Release()
			})
			v.tab = nil
		}
	case KindClosure:
		for _, u := range v.ups {
			if u != nil {
				u.Release()
			}
		}
		v.ups = nil
	case KindOption, KindResult, KindEnum:
		if v.child != nil {
			v.child.Release()
			v.child = nil
		}
	case KindBytes:
		v.raw = nil
	case KindVector:
		v.vec = nil
	}
}

// children invokes fn for every value directly referenced by v. It is the
// single traversal used by the collector's marker and by deep operations.
func (v *Value) children(fn func(*Value)) {
	switch v.kind {
	case KindArray:
		for _, e := range v.elems {
			if e != nil {
				fn(e)
			}
		}
	case KindMap, KindStruct:
		if v.tab != nil {
			v.tab.each(func(_ string, val *Value) {
				fn(val)
			})
		}
	case KindClosure:
		for _, u := range v.ups {
			if u != nil {
				fn(u)
			}
		}
	case KindOption, KindResult, KindEnum:
		if v.child != nil {
			fn(v.child)
		}
	}
}

// String implements fmt.Stringer with a short debug rendering. The JSON
// form in json.go is the canonical repr.
func (v *Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindInt:
		return fmt.Sprintf("%d", int64(v.num))
	case KindFloat:
		return fmt.Sprintf("%g", math.Float64frombits(v.num))
	case KindPID:
		return fmt.Sprintf("<%d>", v.num)
	case KindString:
		return v.str
	case KindFunction, KindClosure:
		if v.fn != nil {
			return fmt.Sprintf("<fn %s/%d>", v.fn.Name, v.fn.Arity)
		}
		return "<fn>"
	default:
		return "<" + v.kind.String() + ">"
	}
}
