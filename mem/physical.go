// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago

package mem

import (
	"fmt"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/tamago/dma"
)

// Physical represents the bare metal physical memory window, accesses are
// performed through DMA regions mapping the requested ranges.
type Physical struct {
	// Start represents the lowest addressable physical address.
	Start uint64
	// End represents the highest addressable physical address (exclusive).
	End uint64
}

// Slice implements [Memory].
func (p *Physical) Slice(addr uint64, size int) (buf []byte, err error) {
	if addr < p.Start || size < 0 || addr > p.End || uint64(size) > p.End-addr {
		return nil, fmt.Errorf("invalid memory range %#x+%#x, %w", addr, size, efi.EFI_INVALID_PARAMETER)
	}

	if size == 0 {
		return []byte{}, nil
	}

	r, err := dma.NewRegion(uint(addr), size, false)

	if err != nil {
		return
	}

	_, buf = r.Reserve(size, 0)

	return
}
