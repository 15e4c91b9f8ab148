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

package value

import (
	"math"
	"testing"
)

func TestBoxFloatRoundTrip(t *testing.T) {
	cases := []float64{
		0, -0.0, 1, -1, 3.141592653589793, 1e300, -1e300,
		math.SmallestNonzeroFloat64, -math.SmallestNonzeroFloat64,
		math.MaxFloat64, math.Inf(1), math.Inf(-1),
		5e-324, // denormal
	}
	for _, f := range cases {
		w := BoxFloat(f)
		if !w.IsFloat() {
			t.Errorf("BoxFloat(%v) not recognized as float", f)
			continue
		}
		got := w.Float()
		if math.Float64bits(got) != math.Float64bits(f) {
			t.Errorf("round trip %v → %v", f, got)
		}
	}
}

func TestBoxFloatNaNCanonicalized(t *testing.T) {
	w := BoxFloat(math.NaN())
	if !w.IsFloat() {
		t.Fatal("NaN boxed as non-float")
	}
	if !math.IsNaN(w.Float()) {
		t.Fatalf("NaN round trip lost NaN-ness: %v", w.Float())
	}
}

func TestBoxIntRoundTrip(t *testing.T) {
	cases := []int64{
		0, 1, -1, 42, -42,
		MaxBoxedInt, MinBoxedInt,
		MaxBoxedInt - 1, MinBoxedInt + 1,
		1 << 30, -(1 << 30),
	}
	for _, i := range cases {
		w, ok := BoxInt(i)
		if !ok {
			t.Errorf("BoxInt(%d) rejected", i)
			continue
		}
		if !w.IsInt() {
			t.Errorf("BoxInt(%d) not recognized as int", i)
			continue
		}
		if got := w.Int(); got != i {
			t.Errorf("round trip %d → %d", i, got)
		}
	}
}

func TestBoxIntRange(t *testing.T) {
	if _, ok := BoxInt(MaxBoxedInt + 1); ok {
		t.Error("2^47 must not box")
	}
	if _, ok := BoxInt(MinBoxedInt - 1); ok {
		t.Error("-2^47-1 must not box")
	}
}

func TestBoxSpecials(t *testing.T) {
	if !BoxNil().IsNil() {
		t.Error("nil special")
	}
	if !BoxTrue().IsBool() || !BoxTrue().Bool() {
		t.Error("true special")
	}
	if !BoxFalse().IsBool() || BoxFalse().Bool() {
		t.Error("false special")
	}
	if BoxNil().IsBool() || BoxTrue().IsNil() {
		t.Error("special tags overlap")
	}
}

func TestBoxPIDAndObj(t *testing.T) {
	w := BoxPID(12345)
	if !w.IsPID() || w.Pid() != 12345 {
		t.Errorf("pid round trip: %v %d", w.IsPID(), w.Pid())
	}
	o := BoxObj(7)
	if !o.IsObj() || o.Obj() != 7 {
		t.Errorf("obj round trip: %v %d", o.IsObj(), o.Obj())
	}
}

func TestWordTruthy(t *testing.T) {
	cases := []struct {
		w    Word
		want bool
	}{
		{BoxNil(), false},
		{BoxFalse(), false},
		{BoxTrue(), true},
		{BoxFloat(0), true},
		{mustBoxInt(0), true},
		{BoxPID(1), true},
	}
	for _, tc := range cases {
		if got := tc.w.Truthy(); got != tc.want {
			t.Errorf("Truthy(%#x) = %v; want %v", uint64(tc.w), got, tc.want)
		}
	}
}

func mustBoxInt(i int64) Word {
	w, ok := BoxInt(i)
	if !ok {
		panic("unboxable int in test")
	}
	return w
}
