// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package efi

import (
	"fmt"

	"github.com/u-root/u-root/pkg/boot/bzimage"
)

// PageSize represents the EFI page size in bytes
const PageSize = 4096 // 4 KiB

// Advanced Configuration and Power Interface Specification (ACPI)
// Version 6.0 - Table 15-312 Address Range Types12
const AddressRangePersistentMemory = 7

// EFI_MEMORY_DESCRIPTOR_VERSION
const MemoryDescriptorVersion = 1

// EFI_ALLOCATE_TYPE
const (
	AllocateAnyPages = iota
	AllocateMaxAddress
	AllocateAddress
	MaxAllocateType
)

// EFI_MEMORY_TYPE
const (
	EfiReservedMemoryType = iota
	EfiLoaderCode
	EfiLoaderData
	EfiBootServicesCode
	EfiBootServicesData
	EfiRuntimeServicesCode
	EfiRuntimeServicesData
	EfiConventionalMemory
	EfiUnusableMemory
	EfiACPIReclaimMemory
	EfiACPIMemoryNVS
	EfiMemoryMappedIO
	EfiMemoryMappedIOPortSpace
	EfiPalCode
	EfiPersistentMemory
	EfiUnacceptedMemoryType
	EfiMaxMemoryType
)

// OEM and OS loader reserved memory type ranges.
const (
	MemoryTypeOEMStart = 0x70000000
	MemoryTypeOSStart  = 0x80000000
)

// Memory attribute masks
const (
	EFI_MEMORY_UC      = 0x0000000000000001
	EFI_MEMORY_WC      = 0x0000000000000002
	EFI_MEMORY_WT      = 0x0000000000000004
	EFI_MEMORY_WB      = 0x0000000000000008
	EFI_MEMORY_XP      = 0x0000000000004000
	EFI_MEMORY_RUNTIME = 0x8000000000000000
)

var memoryTypeNames = []string{
	"Reserved",
	"LoaderCode",
	"LoaderData",
	"BootServicesCode",
	"BootServicesData",
	"RuntimeServicesCode",
	"RuntimeServicesData",
	"Conventional",
	"Unusable",
	"ACPIReclaim",
	"ACPINVS",
	"MMIO",
	"MMIOPortSpace",
	"PalCode",
	"Persistent",
	"Unaccepted",
}

// ValidMemoryType returns whether the argument memory type can be requested
// to a page allocator.
func ValidMemoryType(t uint32) bool {
	switch {
	case t == EfiConventionalMemory, t == EfiPersistentMemory, t == EfiUnacceptedMemoryType:
		return false
	case t < EfiMaxMemoryType, t >= MemoryTypeOEMStart:
		return true
	}

	return false
}

// MemoryTypeName returns the memory type name.
func MemoryTypeName(t uint32) string {
	switch {
	case int(t) < len(memoryTypeNames):
		return memoryTypeNames[t]
	case t >= MemoryTypeOSStart:
		return fmt.Sprintf("OS(%#x)", t)
	case t >= MemoryTypeOEMStart:
		return fmt.Sprintf("OEM(%#x)", t)
	}

	return fmt.Sprintf("Invalid(%#x)", t)
}

// Pages returns the number of pages required to hold the argument size.
func Pages(size uint64) uint64 {
	pages := size / PageSize

	if size%PageSize != 0 {
		pages++
	}

	return pages
}

// MemoryDescriptor represents an EFI Memory Descriptor
type MemoryDescriptor struct {
	Type          uint32
	_             uint32
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
	_             uint64
}

// MemoryDescriptorSize represents the size of a memory map entry.
var MemoryDescriptorSize = Sizeof(&MemoryDescriptor{})

// PhysicalEnd returns the descriptor physical end address (exclusive).
func (d *MemoryDescriptor) PhysicalEnd() uint64 {
	return d.PhysicalStart + d.NumberOfPages*PageSize
}

// Size returns the descriptor size.
func (d *MemoryDescriptor) Size() int {
	return int(d.NumberOfPages * PageSize)
}

// Contains returns whether the descriptor entirely covers the argument
// address range.
func (d *MemoryDescriptor) Contains(start uint64, size uint64) bool {
	return start >= d.PhysicalStart && start+size <= d.PhysicalEnd() && start+size >= start
}

// E820 converts an EFI Memory Map entry to an x86 E820 one suitable for use
// after exiting EFI Boot Services.
func (d *MemoryDescriptor) E820() (bzimage.E820Entry, error) {
	e := bzimage.E820Entry{
		Addr: d.PhysicalStart,
		Size: d.NumberOfPages * PageSize,
	}

	// Unified Extensible Firmware Interface (UEFI) Specification
	// Version 2.10 - Table 7.10: Memory Type Usage after ExitBootServices()
	switch d.Type {
	case EfiLoaderCode, EfiLoaderData, EfiBootServicesCode, EfiBootServicesData, EfiConventionalMemory:
		e.MemType = bzimage.RAM
	case EfiPersistentMemory:
		e.MemType = AddressRangePersistentMemory
	case EfiACPIReclaimMemory:
		e.MemType = bzimage.ACPI
	case EfiACPIMemoryNVS:
		e.MemType = bzimage.NVS
	default:
		e.MemType = bzimage.Reserved
	}

	return e, nil
}
