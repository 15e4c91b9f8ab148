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

import "math"

// Vectors are fixed-dimension dense f64 arrays, immutable after
// construction. They back the numeric kernels used by inference-adjacent
// workloads: dot product, magnitude, cosine similarity, euclidean distance.

// Dot computes the dot product of two vector values.
func Dot(a, b *Value) (float64, error) {
	if a.kind != KindVector || b.kind != KindVector {
		return 0, ErrWrongKind
	}
	if len(a.vec) != len(b.vec) {
		return 0, ErrDimension
	}
	var sum float64
	for i := range a.vec {
		sum += a.vec[i] * b.vec[i]
	}
	return sum, nil
}

// Magnitude computes the L2 norm of a vector value.
func Magnitude(v *Value) (float64, error) {
	if v.kind != KindVector {
		return 0, ErrWrongKind
	}
	var sum float64
	for _, x := range v.vec {
		sum += x * x
	}
	return math.Sqrt(sum), nil
}

// Cosine computes the cosine similarity of two vector values. A zero-length
// operand yields 0.
func Cosine(a, b *Value) (float64, error) {
	dot, err := Dot(a, b)
	if err != nil {
		return 0, err
	}
	ma, _ := Magnitude(a)
	mb, _ := Magnitude(b)
	if ma == 0 || mb == 0 {
		return 0, nil
	}
	return dot / (ma * mb), nil
}

// Euclidean computes the euclidean distance between two vector values.
func Euclidean(a, b *Value) (float64, error) {
	if a.kind != KindVector || b.kind != KindVector {
		return 0, ErrWrongKind
	}
	if len(a.vec) != len(b.vec) {
		return 0, ErrDimension
	}
	var sum float64
	for i := range a.vec {
		d := a.vec[i] - b.vec[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}
