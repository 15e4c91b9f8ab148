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
	"encoding/base64"
	"math"
	"strconv"
)

// JSON returns the canonical JSON representation of a value:
//
//	nil            → null
//	bool           → true / false
//	int            → decimal
//	float          → shortest round-trip form (NaN/Inf rendered as null)
//	string         → JSON-escaped
//	pid            → decimal
//	bytes          → base64 string
//	vector         → array of numbers
//	array / map    → recursively
//	option.some(v) → {"some": v}      option.none → {"none": true}
//	result.ok(v)   → {"ok": v}        result.err(e) → {"err": e}
//	struct         → object of its fields
//	enum           → {variant: payload-or-true}
//	function       → "<fn name/arity>"
func JSON(v *Value) string {
	return string(AppendJSON(nil, v))
}

// AppendJSON appends the JSON form of v to dst and returns the extended
// slice.
func AppendJSON(dst []byte, v *Value) []byte {
	switch v.kind {
	case KindNil:
		return append(dst, "null"...)
	case KindBool:
		if v.num != 0 {
			return append(dst, "true"...)
		}
		return append(dst, "false"...)
	case KindInt:
		return strconv.AppendInt(dst, int64(v.num), 10)
	case KindFloat:
		f := math.Float64frombits(v.num)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return append(dst, "null"...)
		}
		return strconv.AppendFloat(dst, f, 'g', -1, 64)
	case KindPID:
		return strconv.AppendUint(dst, v.num, 10)
	case KindString:
		return appendJSONString(dst, v.str)
	case KindBytes:
		dst = append(dst, '"')
		dst = append(dst, base64.StdEncoding.EncodeToString(v.raw)...)
		return append(dst, '"')
	case KindVector:
		dst = append(dst, '[')
		for i, x := range v.vec {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = strconv.AppendFloat(dst, x, 'g', -1, 64)
		}
		return append(dst, ']')
	case KindArray:
		dst = append(dst, '[')
		for i, e := range v.elems {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = AppendJSON(dst, e)
		}
		return append(dst, ']')
	case KindMap, KindStruct:
		dst = append(dst, '{')
		first := true
		v.tab.each(func(key string, val *Value) {
			if !first {
				dst = append(dst, ',')
			}
			first = false
			dst = appendJSONString(dst, key)
			dst = append(dst, ':')
			dst = AppendJSON(dst, val)
		})
		return append(dst, '}')
	case KindOption:
		if v.some {
			dst = append(dst, `{"some":`...)
			dst = AppendJSON(dst, v.child)
			return append(dst, '}')
		}
		return append(dst, `{"none":true}`...)
	case KindResult:
		if v.some {
			dst = append(dst, `{"ok":`...)
		} else {
			dst = append(dst, `{"err":`...)
		}
		dst = AppendJSON(dst, v.child)
		return append(dst, '}')
	case KindEnum:
		dst = append(dst, '{')
		dst = appendJSONString(dst, v.vname)
		dst = append(dst, ':')
		if v.child != nil {
			dst = AppendJSON(dst, v.child)
		} else {
			dst = append(dst, "true"...)
		}
		return append(dst, '}')
	case KindFunction, KindClosure:
		return appendJSONString(dst, v.String())
	}
	return append(dst, "null"...)
}

const hexDigits = "0123456789abcdef"

// appendJSONString escapes s per RFC 8259: quote, backslash, and control
// characters become escape sequences, control characters as \u00XX.
func appendJSONString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			dst = append(dst, '\\', '"')
		case c == '\\':
			dst = append(dst, '\\', '\\')
		case c == '\n':
			dst = append(dst, '\\', 'n')
		case c == '\r':
			dst = append(dst, '\\', 'r')
		case c == '\t':
			dst = append(dst, '\\', 't')
		case c < 0x20:
			dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xF])
		default:
			dst = append(dst, c)
		}
	}
	return append(dst, '"')
}
