// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"fmt"
	"slices"
	"sync"

	"github.com/usbarmory/go-firmware/efi"
)

// DefaultMaxDescriptors represents the default memory map capacity.
const DefaultMaxDescriptors = 256

// maximum number of pages in a single request
const maxPages = 1 << 40

// Allocator represents a page granular physical memory allocator, it keeps an
// EFI memory map where every allocation is tracked by exactly one descriptor.
type Allocator struct {
	sync.Mutex

	desc []efi.MemoryDescriptor
	max  int
	key  uint64

	// allocated ranges, start address to page count
	allocated map[uint64]uint64
	remapped  bool
}

// NewAllocator initializes a page allocator with the argument descriptor
// capacity.
func NewAllocator(maxDescriptors int) *Allocator {
	if maxDescriptors <= 0 {
		maxDescriptors = DefaultMaxDescriptors
	}

	return &Allocator{
		max:       maxDescriptors,
		allocated: make(map[uint64]uint64),
	}
}

// AddRegion registers a physical memory range, EfiConventionalMemory ranges
// are made available for allocation while all other types are reported as
// is in the memory map.
func (a *Allocator) AddRegion(memType uint32, start uint64, pages uint64, attr uint64) error {
	a.Lock()
	defer a.Unlock()

	if start%efi.PageSize != 0 || pages == 0 || pages > maxPages {
		return fmt.Errorf("invalid region %#x (%d pages), %w", start, pages, efi.EFI_INVALID_PARAMETER)
	}

	d := efi.MemoryDescriptor{
		Type:          memType,
		PhysicalStart: start,
		NumberOfPages: pages,
		Attribute:     attr,
	}

	i, _ := slices.BinarySearchFunc(a.desc, start, func(d efi.MemoryDescriptor, t uint64) int {
		return cmpUint64(d.PhysicalStart, t)
	})

	if i > 0 && a.desc[i-1].PhysicalEnd() > start {
		return fmt.Errorf("region %#x overlaps, %w", start, efi.EFI_INVALID_PARAMETER)
	}

	if i < len(a.desc) && d.PhysicalEnd() > a.desc[i].PhysicalStart {
		return fmt.Errorf("region %#x overlaps, %w", start, efi.EFI_INVALID_PARAMETER)
	}

	if len(a.desc) >= a.max {
		return efi.EFI_OUT_OF_RESOURCES
	}

	a.desc = slices.Insert(a.desc, i, d)
	a.coalesce(i)
	a.key++

	return nil
}

// Allocate reserves the argument number of pages according to the
// EFI_ALLOCATE_TYPE policy:
//
//   - AllocateAnyPages: any range, allocated top-down.
//   - AllocateMaxAddress: any range ending at or below addr.
//   - AllocateAddress: the range starting at addr.
//
// The allocated range start address is returned.
func (a *Allocator) Allocate(allocType int, memType uint32, pages uint64, addr uint64) (uint64, error) {
	if pages == 0 || allocType < 0 || allocType >= efi.MaxAllocateType || !efi.ValidMemoryType(memType) {
		return 0, efi.EFI_INVALID_PARAMETER
	}

	if pages > maxPages {
		return 0, efi.EFI_OUT_OF_RESOURCES
	}

	a.Lock()
	defer a.Unlock()

	size := pages * efi.PageSize

	if allocType == efi.AllocateAddress {
		if addr%efi.PageSize != 0 {
			return 0, efi.EFI_INVALID_PARAMETER
		}

		for i, d := range a.desc {
			if d.Type == efi.EfiConventionalMemory && d.Contains(addr, size) {
				return a.carve(i, addr, pages, memType)
			}
		}

		return 0, efi.EFI_NOT_FOUND
	}

	for i := len(a.desc) - 1; i >= 0; i-- {
		d := a.desc[i]

		if d.Type != efi.EfiConventionalMemory {
			continue
		}

		top := d.PhysicalEnd()

		if allocType == efi.AllocateMaxAddress && top-1 > addr {
			if addr == ^uint64(0) {
				top = addr &^ (efi.PageSize - 1)
			} else {
				top = (addr + 1) &^ (efi.PageSize - 1)
			}
		}

		if top < d.PhysicalStart+size {
			continue
		}

		return a.carve(i, top-size, pages, memType)
	}

	return 0, efi.EFI_OUT_OF_RESOURCES
}

// AllocatePool reserves enough pages to hold the argument size, sub-page
// requests are rounded up to a whole page.
func (a *Allocator) AllocatePool(memType uint32, size uint64) (uint64, error) {
	pages := efi.Pages(size)

	if pages == 0 {
		pages = 1
	}

	return a.Allocate(efi.AllocateAnyPages, memType, pages, 0)
}

// Free releases the whole allocation starting at the argument address.
func (a *Allocator) Free(addr uint64) error {
	a.Lock()
	pages, ok := a.allocated[addr]
	a.Unlock()

	if !ok {
		return fmt.Errorf("no allocation at %#x, %w", addr, efi.EFI_NOT_FOUND)
	}

	return a.FreePages(addr, pages)
}

// FreePages releases the argument page range, which must lie within a single
// allocation.
func (a *Allocator) FreePages(addr uint64, pages uint64) error {
	if addr%efi.PageSize != 0 || pages == 0 || pages > maxPages {
		return efi.EFI_INVALID_PARAMETER
	}

	a.Lock()
	defer a.Unlock()

	size := pages * efi.PageSize
	start, n, ok := a.owner(addr, size)

	if !ok {
		return fmt.Errorf("range %#x-%#x is not allocated, %w", addr, addr+size, efi.EFI_NOT_FOUND)
	}

	i := slices.IndexFunc(a.desc, func(d efi.MemoryDescriptor) bool {
		return d.Contains(addr, size)
	})

	if i < 0 {
		panic("internal error, allocation without descriptor")
	}

	d := a.desc[i]

	if err := a.split(i, addr, pages, efi.EfiConventionalMemory, d.Attribute&^efi.EFI_MEMORY_RUNTIME); err != nil {
		return err
	}

	delete(a.allocated, start)

	if addr > start {
		a.allocated[start] = (addr - start) / efi.PageSize
	}

	if end := addr + size; end < start+n*efi.PageSize {
		a.allocated[end] = (start + n*efi.PageSize - end) / efi.PageSize
	}

	if j := a.index(addr); j >= 0 {
		a.coalesce(j)
	}

	return nil
}

// MapKey returns the current memory map key, which changes on every memory
// map mutation.
func (a *Allocator) MapKey() uint64 {
	a.Lock()
	defer a.Unlock()

	return a.key
}

// Count returns the number of memory map descriptors.
func (a *Allocator) Count() int {
	a.Lock()
	defer a.Unlock()

	return len(a.desc)
}

// MemoryMap returns a snapshot of the memory map descriptors, sorted by
// physical address, and its map key.
func (a *Allocator) MemoryMap() ([]efi.MemoryDescriptor, uint64) {
	a.Lock()
	defer a.Unlock()

	return slices.Clone(a.desc), a.key
}

// SetVirtualAddressMap applies the virtual addresses of the argument runtime
// descriptors to the memory map, it can only be invoked once.
func (a *Allocator) SetVirtualAddressMap(virtualMap []efi.MemoryDescriptor) error {
	a.Lock()
	defer a.Unlock()

	if a.remapped {
		return fmt.Errorf("virtual address map already set, %w", efi.EFI_UNSUPPORTED)
	}

	var updates [][2]uint64

	for _, v := range virtualMap {
		if v.Attribute&efi.EFI_MEMORY_RUNTIME == 0 {
			continue
		}

		i := a.index(v.PhysicalStart)

		if i < 0 || a.desc[i].NumberOfPages != v.NumberOfPages {
			return fmt.Errorf("runtime range %#x not found, %w", v.PhysicalStart, efi.EFI_NOT_FOUND)
		}

		updates = append(updates, [2]uint64{uint64(i), v.VirtualStart})
	}

	for _, u := range updates {
		a.desc[u[0]].VirtualStart = u[1]
	}

	a.remapped = true

	return nil
}

// Remapped returns whether the virtual address map has been set.
func (a *Allocator) Remapped() bool {
	a.Lock()
	defer a.Unlock()

	return a.remapped
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}

	return 0
}

// index returns the descriptor starting at the argument address.
func (a *Allocator) index(addr uint64) int {
	i, found := slices.BinarySearchFunc(a.desc, addr, func(d efi.MemoryDescriptor, t uint64) int {
		return cmpUint64(d.PhysicalStart, t)
	})

	if !found {
		return -1
	}

	return i
}

// owner returns the allocation which covers the argument range.
func (a *Allocator) owner(addr uint64, size uint64) (start uint64, pages uint64, ok bool) {
	for start, pages = range a.allocated {
		if addr >= start && addr+size <= start+pages*efi.PageSize {
			return start, pages, true
		}
	}

	return 0, 0, false
}

// carve allocates a range of the conventional descriptor at index i.
func (a *Allocator) carve(i int, start uint64, pages uint64, memType uint32) (uint64, error) {
	attr := a.desc[i].Attribute

	if memType == efi.EfiRuntimeServicesCode || memType == efi.EfiRuntimeServicesData {
		attr |= efi.EFI_MEMORY_RUNTIME
	}

	if err := a.split(i, start, pages, memType, attr); err != nil {
		return 0, err
	}

	a.allocated[start] = pages

	return start, nil
}

// split converts a range of the descriptor at index i to a new type,
// splitting it in up to three descriptors.
func (a *Allocator) split(i int, start uint64, pages uint64, memType uint32, attr uint64) error {
	d := a.desc[i]
	end := start + pages*efi.PageSize

	var parts []efi.MemoryDescriptor

	if start > d.PhysicalStart {
		left := d
		left.NumberOfPages = (start - d.PhysicalStart) / efi.PageSize
		parts = append(parts, left)
	}

	parts = append(parts, efi.MemoryDescriptor{
		Type:          memType,
		PhysicalStart: start,
		NumberOfPages: pages,
		Attribute:     attr,
	})

	if end < d.PhysicalEnd() {
		right := d
		right.PhysicalStart = end
		right.VirtualStart = 0
		right.NumberOfPages = (d.PhysicalEnd() - end) / efi.PageSize
		parts = append(parts, right)
	}

	if len(a.desc)+len(parts)-1 > a.max {
		return fmt.Errorf("memory map full, %w", efi.EFI_OUT_OF_RESOURCES)
	}

	a.desc = slices.Replace(a.desc, i, i+1, parts...)
	a.key++

	return nil
}

// coalesce merges the conventional descriptor at index i with its adjacent
// conventional neighbours.
func (a *Allocator) coalesce(i int) {
	mergeable := func(l, r efi.MemoryDescriptor) bool {
		return l.Type == efi.EfiConventionalMemory &&
			r.Type == efi.EfiConventionalMemory &&
			l.Attribute == r.Attribute &&
			l.PhysicalEnd() == r.PhysicalStart
	}

	if i+1 < len(a.desc) && mergeable(a.desc[i], a.desc[i+1]) {
		a.desc[i].NumberOfPages += a.desc[i+1].NumberOfPages
		a.desc = slices.Delete(a.desc, i+1, i+2)
	}

	if i > 0 && mergeable(a.desc[i-1], a.desc[i]) {
		a.desc[i-1].NumberOfPages += a.desc[i].NumberOfPages
		a.desc = slices.Delete(a.desc, i, i+1)
	}
}
