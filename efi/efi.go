// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package efi defines the Unified Extensible Firmware Interface (UEFI) data
// structures and status codes shared by the firmware service providers,
// following the specifications at:
//
//	https://uefi.org/specs/UEFI/2.10/
//
// All structures are encoded with the native (little-endian) EFI layout when
// written to memory, see [Marshal] and [Unmarshal].
package efi

import (
	"bytes"
	"encoding/binary"
)

// Marshal encodes a fixed size structure with the EFI memory layout.
func Marshal(data any) ([]byte, error) {
	buf := new(bytes.Buffer)
	err := binary.Write(buf, binary.LittleEndian, data)
	return buf.Bytes(), err
}

// Unmarshal decodes a fixed size structure from its EFI memory layout.
func Unmarshal(buf []byte, data any) (err error) {
	_, err = binary.Decode(buf, binary.LittleEndian, data)
	return
}

// Sizeof returns the encoded size of a fixed size structure.
func Sizeof(data any) int {
	return binary.Size(data)
}
