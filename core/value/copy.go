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

// Copy deep-copies v onto heap h. Immutable kinds (nil, bool, int, float,
// pid, string, vector, function) are shared by retaining the original;
// containers are copied element-wise. Closures cannot be copied — their
// upvalue slots are identity-bound to the home block — so ErrClosureCopy is
// returned and the caller must reject the operation.
func Copy(h *Heap, v *Value) (*Value, error) {
	switch v.kind {
	case KindNil, KindBool, KindInt, KindFloat, KindPID, KindString, KindVector, KindFunction:
		if r := v.Retain(); r != nil {
			return r, nil
		}
		return nil, ErrWrongKind
	case KindClosure:
		return nil, ErrClosureCopy
	case KindBytes:
		return h.adopt(Bytes(append([]byte(nil), v.raw...))), nil
	case KindArray:
		arr := h.adopt(NewArray(len(v.elems)))
		for _, e := range v.elems {
			c, err := Copy(h, e)
			if err != nil {
				arr.Release()
				return nil, err
			}
			arr.elems = append(arr.elems, c)
		}
		return arr, nil
	case KindMap:
		m := h.adopt(NewMap())
		var copyErr error
		v.tab.each(func(key string, val *Value) {
			if copyErr != nil {
				return
			}
			c, err := Copy(h, val)
			if err != nil {
				copyErr = err
				return
			}
			m.tab.set(key, c)
		})
		if copyErr != nil {
			m.Release()
			return nil, copyErr
		}
		return m, nil
	case KindStruct:
		s := h.adopt(&Value{kind: KindStruct, refs: 1, tname: v.tname, tab: newTable()})
		var copyErr error
		v.tab.each(func(key string, val *Value) {
			if copyErr != nil {
				return
			}
			c, err := Copy(h, val)
			if err != nil {
				copyErr = err
				return
			}
			s.tab.set(key, c)
		})
		if copyErr != nil {
			s.Release()
			return nil, copyErr
		}
		return s, nil
	case KindEnum:
		var child *Value
		if v.child != nil {
			c, err := Copy(h, v.child)
			if err != nil {
				return nil, err
			}
			child = c
		}
		e := h.adopt(&Value{kind: KindEnum, refs: 1, tname: v.tname, vname: v.vname, child: child})
		return e, nil
	case KindOption, KindResult:
		var child *Value
		if v.child != nil {
			c, err := Copy(h, v.child)
			if err != nil {
				return nil, err
			}
			child = c
		}
		return h.adopt(&Value{kind: v.kind, refs: 1, child: child, some: v.some}), nil
	}
	return nil, ErrWrongKind
}
