// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pe implements loading of Portable Executable (PE32+) images, as
// used by UEFI applications, following the specifications at:
//
//	https://learn.microsoft.com/en-us/windows/win32/debug/pe-format
package pe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/u-root/uio/uio"
)

// PE base relocation types
const (
	relBasedAbsolute = 0
	relBasedHighLow  = 3
	relBasedDir64    = 10
)

// Format represents the PE32+ executable image format.
type Format struct{}

func parse(src []byte) (f *pe.File, oh *pe.OptionalHeader64, err error) {
	if f, err = pe.NewFile(bytes.NewReader(src)); err != nil {
		return
	}

	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)

	if !ok {
		return nil, nil, errors.New("unsupported PE format, only PE32+ images are supported")
	}

	if oh.Subsystem != pe.IMAGE_SUBSYSTEM_EFI_APPLICATION &&
		oh.Subsystem != pe.IMAGE_SUBSYSTEM_EFI_BOOT_SERVICE_DRIVER &&
		oh.Subsystem != pe.IMAGE_SUBSYSTEM_EFI_RUNTIME_DRIVER {
		return nil, nil, fmt.Errorf("unsupported PE subsystem %d", oh.Subsystem)
	}

	return
}

// Size returns the PE image memory size (SizeOfImage).
func (Format) Size(src []byte) uint64 {
	_, oh, err := parse(src)

	if err != nil {
		log.Printf("invalid image, %v", err)
		return 0
	}

	return uint64(oh.SizeOfImage)
}

// Load copies the PE headers and sections to the argument buffer, applies
// base relocations for the argument load address and returns the image
// entry point.
func (Format) Load(dst []byte, base uint64, src []byte) uint64 {
	entry, err := load(dst, base, src)

	if err != nil {
		log.Printf("could not load image, %v", err)
		return 0
	}

	return entry
}

func load(dst []byte, base uint64, src []byte) (entry uint64, err error) {
	f, oh, err := parse(src)

	if err != nil {
		return
	}

	if uint64(oh.SizeOfImage) > uint64(len(dst)) || oh.AddressOfEntryPoint == 0 || oh.AddressOfEntryPoint >= oh.SizeOfImage {
		return 0, errors.New("invalid image layout")
	}

	clear(dst)
	copy(dst, src[:min(int(oh.SizeOfHeaders), len(src), len(dst))])

	for _, s := range f.Sections {
		var data []byte

		start := uint64(s.VirtualAddress)

		if start+uint64(max(s.VirtualSize, s.Size)) > uint64(len(dst)) {
			return 0, fmt.Errorf("section %s exceeds image size", s.Name)
		}

		if s.Size == 0 {
			continue
		}

		if data, err = uio.ReadAll(s); err != nil {
			return 0, fmt.Errorf("could not read section %s, %v", s.Name, err)
		}

		if s.VirtualSize > 0 && uint32(len(data)) > s.VirtualSize {
			data = data[:s.VirtualSize]
		}

		copy(dst[start:], data)
	}

	if oh.NumberOfRvaAndSizes > pe.IMAGE_DIRECTORY_ENTRY_BASERELOC {
		dir := oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC]

		if err = relocate(dst, dir, base-oh.ImageBase); err != nil {
			return
		}
	}

	return base + uint64(oh.AddressOfEntryPoint), nil
}

func relocate(dst []byte, dir pe.DataDirectory, delta uint64) error {
	off := uint64(dir.VirtualAddress)
	end := off + uint64(dir.Size)

	if dir.Size == 0 || delta == 0 {
		return nil
	}

	if end > uint64(len(dst)) {
		return errors.New("invalid relocation directory")
	}

	for off+8 <= end {
		page := uint64(binary.LittleEndian.Uint32(dst[off:]))
		size := uint64(binary.LittleEndian.Uint32(dst[off+4:]))

		if size < 8 || off+size > end {
			return errors.New("invalid relocation block")
		}

		for i := off + 8; i+2 <= off+size; i += 2 {
			e := binary.LittleEndian.Uint16(dst[i:])
			addr := page + uint64(e&0xfff)

			switch e >> 12 {
			case relBasedAbsolute:
			case relBasedHighLow:
				if addr+4 > uint64(len(dst)) {
					return errors.New("invalid relocation target")
				}

				v := binary.LittleEndian.Uint32(dst[addr:])
				binary.LittleEndian.PutUint32(dst[addr:], v+uint32(delta))
			case relBasedDir64:
				if addr+8 > uint64(len(dst)) {
					return errors.New("invalid relocation target")
				}

				v := binary.LittleEndian.Uint64(dst[addr:])
				binary.LittleEndian.PutUint64(dst[addr:], v+delta)
			default:
				return fmt.Errorf("unsupported relocation type %d", e>>12)
			}
		}

		off += size
	}

	return nil
}
