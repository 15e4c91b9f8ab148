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
	"fmt"
	"math"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/hyourindev/agim/core/value"
)

// Chunk is one compiled function body: a byte-indexed opcode stream, a
// parallel line table (one entry per code byte, for diagnostics), and a
// constant pool. Jump operands are 16-bit big-endian offsets patched after
// emission.
type Chunk struct {
	Name  string
	Arity int

	Code   []byte
	Lines  []int32
	Consts []*value.Value

	constKeys map[string]int
}

// NewChunk creates an empty chunk.
func NewChunk(name string, arity int) *Chunk {
	return &Chunk{Name: name, Arity: arity, constKeys: make(map[string]int)}
}

// Emit appends an opcode attributed to a source line.
func (c *Chunk) Emit(op Opcode, line int32) {
	c.Code = append(c.Code, byte(op))
	c.Lines = append(c.Lines, line)
}

// EmitU8 appends an opcode with a single-byte operand.
func (c *Chunk) EmitU8(op Opcode, operand uint8, line int32) {
	c.Emit(op, line)
	c.Code = append(c.Code, operand)
	c.Lines = append(c.Lines, line)
}

// EmitU16 appends an opcode with a big-endian 16-bit operand.
func (c *Chunk) EmitU16(op Opcode, operand uint16, line int32) {
	c.Emit(op, line)
	c.Code = append(c.Code, byte(operand>>8), byte(operand))
	c.Lines = append(c.Lines, line, line)
}

// EmitJump appends a forward jump with a placeholder offset and returns the
// position to patch once the target is known.
func (c *Chunk) EmitJump(op Opcode, line int32) int {
	c.EmitU16(op, 0xFFFF, line)
	return len(c.Code) - 2
}

// PatchJump back-fills the 16-bit offset at pos so the jump lands on the
// current end of the code stream. Offsets are relative to the byte after
// the operand.
func (c *Chunk) PatchJump(pos int) error {
	off := len(c.Code) - pos - 2
	if off < 0 || off > 0xFFFF {
		return fmt.Errorf("%w: jump offset %d out of range", ErrBadChunk, off)
	}
	c.Code[pos] = byte(off >> 8)
	c.Code[pos+1] = byte(off)
	return nil
}

// EmitLoop appends a backward jump to target (a code offset at or before the
// current position).
func (c *Chunk) EmitLoop(target int, line int32) error {
	off := len(c.Code) + 3 - target
	if off < 0 || off > 0xFFFF {
		return fmt.Errorf("%w: loop offset %d out of range", ErrBadChunk, off)
	}
	c.EmitU16(OpLoop, uint16(off), line)
	return nil
}

// AddConst interns v into the constant pool and returns its index. Simple
// constants (nil, bool, int, float, and strings shorter than 64 bytes)
// deduplicate.
func (c *Chunk) AddConst(v *value.Value) int {
	if c.constKeys == nil {
		c.constKeys = make(map[string]int)
	}
	key := constKey(v)
	if key != "" {
		if idx, ok := c.constKeys[key]; ok {
			return idx
		}
	}
	idx := len(c.Consts)
	c.Consts = append(c.Consts, v)
	if key != "" {
		c.constKeys[key] = idx
	}
	return idx
}

func constKey(v *value.Value) string {
	switch v.Kind() {
	case value.KindNil:
		return "nil"
	case value.KindBool:
		if v.Bool() {
			return "b:1"
		}
		return "b:0"
	case value.KindInt:
		return fmt.Sprintf("i:%d", v.Int())
	case value.KindFloat:
		return fmt.Sprintf("f:%x", v.Float())
	case value.KindString:
		if len(v.Str()) < 64 {
			return "s:" + v.Str()
		}
	}
	return ""
}

// Line returns the source line attributed to the code byte at offset, or 0.
func (c *Chunk) Line(offset int) int32 {
	if offset < 0 || offset >= len(c.Lines) {
		return 0
	}
	return c.Lines[offset]
}

// ---- Bytecode --------------------------------------------------------------

// Bytecode is one loadable program: the main chunk plus an indexed function
// table. Function values reference the table by index.
type Bytecode struct {
	Main  *Chunk
	Funcs []*Chunk
}

// NewBytecode wraps a main chunk.
func NewBytecode(main *Chunk) *Bytecode {
	return &Bytecode{Main: main}
}

// AddFunc appends a chunk to the function table and returns its index.
func (b *Bytecode) AddFunc(c *Chunk) int {
	b.Funcs = append(b.Funcs, c)
	return len(b.Funcs) - 1
}

// Func returns the chunk at index, or nil.
func (b *Bytecode) Func(idx int) *Chunk {
	if idx < 0 || idx >= len(b.Funcs) {
		return nil
	}
	return b.Funcs[idx]
}

// Digest returns the SHA3-256 content hash of the encoded program. The
// scheduler's program cache keys on it.
func (b *Bytecode) Digest() [32]byte {
	return sha3.Sum256(b.Encode())
}

// ---- Serialization ---------------------------------------------------------

// A chunk serializes as
//
//	[u32 code_size][code bytes]
//	[u32 line_count][i32 x line_count]
//	[u32 const_count][constant x const_count]
//
// with all integers big-endian. Constants carry a one-byte kind tag.

const (
	constNil byte = iota
	constTrue
	constFalse
	constInt
	constFloat
	constString
	constFunction
)

// EncodeChunk appends the serialized form of c to dst.
func EncodeChunk(dst []byte, c *Chunk) []byte {
	dst = appendU32(dst, uint32(len(c.Code)))
	dst = append(dst, c.Code...)
	dst = appendU32(dst, uint32(len(c.Lines)))
	for _, ln := range c.Lines {
		dst = appendU32(dst, uint32(ln))
	}
	dst = appendU32(dst, uint32(len(c.Consts)))
	for _, v := range c.Consts {
		dst = encodeConst(dst, v)
	}
	return dst
}

func encodeConst(dst []byte, v *value.Value) []byte {
	switch v.Kind() {
	case value.KindNil:
		return append(dst, constNil)
	case value.KindBool:
		if v.Bool() {
			return append(dst, constTrue)
		}
		return append(dst, constFalse)
	case value.KindInt:
		dst = append(dst, constInt)
		return appendU64(dst, uint64(v.Int()))
	case value.KindFloat:
		dst = append(dst, constFloat)
		return appendU64(dst, math.Float64bits(v.Float()))
	case value.KindString:
		dst = append(dst, constString)
		dst = appendU32(dst, uint32(len(v.Str())))
		return append(dst, v.Str()...)
	case value.KindFunction:
		fn := v.Func()
		dst = append(dst, constFunction)
		dst = appendU32(dst, uint32(len(fn.Name)))
		dst = append(dst, fn.Name...)
		dst = appendU32(dst, uint32(fn.Arity))
		return appendU32(dst, uint32(fn.ChunkIndex))
	}
	// Unencodable constants degrade to nil; the compiler never emits them.
	return append(dst, constNil)
}

// DecodeChunk parses one serialized chunk from data, returning the chunk and
// the number of bytes consumed.
func DecodeChunk(data []byte) (*Chunk, int, error) {
	c := NewChunk("", 0)
	pos := 0

	codeLen, pos, err := readU32(data, pos)
	if err != nil {
		return nil, 0, err
	}
	if pos+int(codeLen) > len(data) {
		return nil, 0, ErrBadChunk
	}
	c.Code = append([]byte(nil), data[pos:pos+int(codeLen)]...)
	pos += int(codeLen)

	lineCount, pos, err := readU32(data, pos)
	if err != nil {
		return nil, 0, err
	}
	for i := uint32(0); i < lineCount; i++ {
		var ln uint32
		ln, pos, err = readU32(data, pos)
		if err != nil {
			return nil, 0, err
		}
		c.Lines = append(c.Lines, int32(ln))
	}

	constCount, pos, err := readU32(data, pos)
	if err != nil {
		return nil, 0, err
	}
	for i := uint32(0); i < constCount; i++ {
		var v *value.Value
		v, pos, err = decodeConst(data, pos)
		if err != nil {
			return nil, 0, err
		}
		c.Consts = append(c.Consts, v)
	}
	return c, pos, nil
}

func decodeConst(data []byte, pos int) (*value.Value, int, error) {
	if pos >= len(data) {
		return nil, 0, ErrBadChunk
	}
	tag := data[pos]
	pos++
	switch tag {
	case constNil:
		return value.Nil(), pos, nil
	case constTrue:
		return value.Bool(true), pos, nil
	case constFalse:
		return value.Bool(false), pos, nil
	case constInt:
		bits, pos, err := readU64(data, pos)
		if err != nil {
			return nil, 0, err
		}
		return value.Int(int64(bits)), pos, nil
	case constFloat:
		bits, pos, err := readU64(data, pos)
		if err != nil {
			return nil, 0, err
		}
		return value.Float(math.Float64frombits(bits)), pos, nil
	case constString:
		n, pos, err := readU32(data, pos)
		if err != nil {
			return nil, 0, err
		}
		if pos+int(n) > len(data) {
			return nil, 0, ErrBadChunk
		}
		s := string(data[pos : pos+int(n)])
		return value.String(s), pos + int(n), nil
	case constFunction:
		n, pos, err := readU32(data, pos)
		if err != nil {
			return nil, 0, err
		}
		if pos+int(n) > len(data) {
			return nil, 0, ErrBadChunk
		}
		name := string(data[pos : pos+int(n)])
		pos += int(n)
		arity, pos, err := readU32(data, pos)
		if err != nil {
			return nil, 0, err
		}
		idx, pos, err := readU32(data, pos)
		if err != nil {
			return nil, 0, err
		}
		return value.NewFunction(name, int(arity), int(idx)), pos, nil
	}
	return nil, 0, fmt.Errorf("%w: constant tag 0x%02x", ErrBadChunk, tag)
}

// Encode serializes the whole program: a u32 function count, the main chunk,
// then each function chunk prefixed by its name and arity.
func (b *Bytecode) Encode() []byte {
	var dst []byte
	dst = appendU32(dst, uint32(len(b.Funcs)))
	dst = EncodeChunk(dst, b.Main)
	for _, fn := range b.Funcs {
		dst = appendU32(dst, uint32(len(fn.Name)))
		dst = append(dst, fn.Name...)
		dst = appendU32(dst, uint32(fn.Arity))
		dst = EncodeChunk(dst, fn)
	}
	return dst
}

// DecodeBytecode parses a program produced by Encode.
func DecodeBytecode(data []byte) (*Bytecode, error) {
	pos := 0
	fnCount, pos, err := readU32(data, pos)
	if err != nil {
		return nil, err
	}
	main, n, err := DecodeChunk(data[pos:])
	if err != nil {
		return nil, err
	}
	main.Name = "main"
	pos += n
	b := NewBytecode(main)
	for i := uint32(0); i < fnCount; i++ {
		nameLen, p, err := readU32(data, pos)
		if err != nil {
			return nil, err
		}
		pos = p
		if pos+int(nameLen) > len(data) {
			return nil, ErrBadChunk
		}
		name := string(data[pos : pos+int(nameLen)])
		pos += int(nameLen)
		arity, p, err := readU32(data, pos)
		if err != nil {
			return nil, err
		}
		pos = p
		fn, n, err := DecodeChunk(data[pos:])
		if err != nil {
			return nil, err
		}
		fn.Name = name
		fn.Arity = int(arity)
		pos += n
		b.AddFunc(fn)
	}
	return b, nil
}

func appendU32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func appendU64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

func readU32(data []byte, pos int) (uint32, int, error) {
	if pos+4 > len(data) {
		return 0, 0, ErrBadChunk
	}
	return binary.BigEndian.Uint32(data[pos:]), pos + 4, nil
}

func readU64(data []byte, pos int) (uint64, int, error) {
	if pos+8 > len(data) {
		return 0, 0, ErrBadChunk
	}
	return binary.BigEndian.Uint64(data[pos:]), pos + 8, nil
}

// ---- Disassembly -----------------------------------------------------------

// Disassemble returns a human-readable listing of a chunk.
func Disassemble(c *Chunk) string {
	var sb strings.Builder
	for pos := 0; pos < len(c.Code); {
		op := Opcode(c.Code[pos])
		fmt.Fprintf(&sb, "[%04d] %-12s", pos, op)
		switch op.OperandBytes() {
		case 1:
			if pos+1 < len(c.Code) {
				fmt.Fprintf(&sb, " %d", c.Code[pos+1])
			}
		case 2:
			if pos+2 < len(c.Code) {
				fmt.Fprintf(&sb, " %d", uint16(c.Code[pos+1])<<8|uint16(c.Code[pos+2]))
			}
		case 3:
			if pos+3 < len(c.Code) {
				fmt.Fprintf(&sb, " %d, %d", uint16(c.Code[pos+1])<<8|uint16(c.Code[pos+2]), c.Code[pos+3])
			}
		}
		sb.WriteByte('\n')
		pos += 1 + op.OperandBytes()
	}
	return sb.String()
}
