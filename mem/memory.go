// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mem implements the firmware view of physical memory, providing byte
// level access to physical address ranges and a page granular allocator which
// maintains the EFI memory map.
package mem

import (
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/go-firmware/efi"
)

// Memory represents a window on physical memory.
type Memory interface {
	// Slice returns a byte slice aliasing the argument physical address
	// range, an error is returned if the range is not addressable.
	Slice(addr uint64, size int) ([]byte, error)
}

// Arena represents a physical memory window backed by a Go byte slice, it is
// used to host the firmware services outside of bare metal targets.
type Arena struct {
	base uint64
	buf  []byte
}

// NewArena allocates a physical memory window of the argument size, mapped at
// the argument base address.
func NewArena(base uint64, size int) *Arena {
	return &Arena{
		base: base,
		buf:  make([]byte, size),
	}
}

// Base returns the window physical start address.
func (a *Arena) Base() uint64 {
	return a.base
}

// Size returns the window size.
func (a *Arena) Size() int {
	return len(a.buf)
}

// Slice implements [Memory].
func (a *Arena) Slice(addr uint64, size int) ([]byte, error) {
	off := addr - a.base

	if addr < a.base || size < 0 || off > uint64(len(a.buf)) || uint64(size) > uint64(len(a.buf))-off {
		return nil, fmt.Errorf("invalid memory range %#x+%#x, %w", addr, size, efi.EFI_INVALID_PARAMETER)
	}

	return a.buf[off : off+uint64(size) : off+uint64(size)], nil
}

// Read copies the argument address range into a new buffer.
func Read(m Memory, addr uint64, size int) ([]byte, error) {
	if addr == 0 {
		return nil, efi.EFI_INVALID_PARAMETER
	}

	buf, err := m.Slice(addr, size)

	if err != nil {
		return nil, err
	}

	return append([]byte{}, buf...), nil
}

// Write copies the argument buffer at the argument address.
func Write(m Memory, addr uint64, buf []byte) error {
	if addr == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	dst, err := m.Slice(addr, len(buf))

	if err != nil {
		return err
	}

	copy(dst, buf)

	return nil
}

// ReadUint64 reads a 64-bit little-endian value.
func ReadUint64(m Memory, addr uint64) (uint64, error) {
	buf, err := Read(m, addr, 8)

	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf), nil
}

// WriteUint64 writes a 64-bit little-endian value, a null address is
// rejected.
func WriteUint64(m Memory, addr uint64, val uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, val)

	return Write(m, addr, buf)
}

// ReadUint32 reads a 32-bit little-endian value.
func ReadUint32(m Memory, addr uint64) (uint32, error) {
	buf, err := Read(m, addr, 4)

	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf), nil
}

// WriteUint32 writes a 32-bit little-endian value.
func WriteUint32(m Memory, addr uint64, val uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, val)

	return Write(m, addr, buf)
}

// ReadGUID reads an EFI GUID in native layout.
func ReadGUID(m Memory, addr uint64) (g efi.GUID, err error) {
	buf, err := Read(m, addr, len(g))

	if err != nil {
		return
	}

	copy(g[:], buf)

	return
}

// ReadStruct decodes a fixed size EFI structure from memory.
func ReadStruct(m Memory, addr uint64, data any) error {
	buf, err := Read(m, addr, efi.Sizeof(data))

	if err != nil {
		return err
	}

	return efi.Unmarshal(buf, data)
}

// WriteStruct encodes a fixed size EFI structure to memory.
func WriteStruct(m Memory, addr uint64, data any) error {
	buf, err := efi.Marshal(data)

	if err != nil {
		return err
	}

	return Write(m, addr, buf)
}

// ReadString reads a NUL terminated UCS-2 string of at most maxLen
// characters.
func ReadString(m Memory, addr uint64, maxLen int) (string, error) {
	var buf []byte

	if addr == 0 {
		return "", efi.EFI_INVALID_PARAMETER
	}

	for i := 0; i < maxLen; i++ {
		c, err := m.Slice(addr+uint64(i*2), 2)

		if err != nil {
			return "", err
		}

		if c[0] == 0 && c[1] == 0 {
			return efi.DecodeUTF16(buf), nil
		}

		buf = append(buf, c...)
	}

	return "", fmt.Errorf("string exceeds %d characters, %w", maxLen, efi.EFI_INVALID_PARAMETER)
}
