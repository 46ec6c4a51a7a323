// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package efi

import (
	"encoding/binary"
	"unicode/utf16"
)

// EncodeUTF16 converts a string to its NUL terminated UCS-2 representation.
func EncodeUTF16(s string) []byte {
	r := utf16.Encode([]rune(s))
	buf := make([]byte, (len(r)+1)*2)

	for i, c := range r {
		binary.LittleEndian.PutUint16(buf[i*2:], c)
	}

	return buf
}

// DecodeUTF16 converts a (possibly NUL terminated) UCS-2 buffer to a string,
// decoding stops at the first NUL character.
func DecodeUTF16(buf []byte) string {
	var s []uint16

	for i := 0; i+1 < len(buf); i += 2 {
		c := binary.LittleEndian.Uint16(buf[i:])

		if c == 0 {
			break
		}

		s = append(s, c)
	}

	return string(utf16.Decode(s))
}

// LenUTF16 returns the number of UCS-2 characters required to encode a string,
// excluding the NUL terminator.
func LenUTF16(s string) int {
	return len(utf16.Encode([]rune(s)))
}
