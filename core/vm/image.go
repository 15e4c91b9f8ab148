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

import "encoding/binary"

// Bytecode image container: a 4-byte magic, a 2-byte version, and the
// encoded program. This is a transport wrapper for files on disk — heap
// images are explicitly out of scope.

var imageMagic = [4]byte{'A', 'G', 'I', 'M'}

// ImageVersion is the current container version.
const ImageVersion uint16 = 1

// EncodeImage wraps an encoded program in the image container.
func EncodeImage(b *Bytecode) []byte {
	body := b.Encode()
	out := make([]byte, 0, len(body)+6)
	out = append(out, imageMagic[:]...)
	var ver [2]byte
	binary.BigEndian.PutUint16(ver[:], ImageVersion)
	out = append(out, ver[:]...)
	return append(out, body...)
}

// DecodeImage parses an image produced by EncodeImage.
func DecodeImage(data []byte) (*Bytecode, error) {
	if len(data) < 6 || [4]byte(data[:4]) != imageMagic {
		return nil, ErrBadImage
	}
	if binary.BigEndian.Uint16(data[4:6]) != ImageVersion {
		return nil, ErrBadImage
	}
	return DecodeBytecode(data[6:])
}
