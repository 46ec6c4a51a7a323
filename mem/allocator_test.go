// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import (
	"errors"
	"testing"

	"github.com/usbarmory/go-firmware/efi"
)

const (
	testBase  = 0x100000
	testPages = 64
)

func testAllocator(t *testing.T, max int) *Allocator {
	a := NewAllocator(max)

	if err := a.AddRegion(efi.EfiConventionalMemory, testBase, testPages, efi.EFI_MEMORY_WB); err != nil {
		t.Fatal(err)
	}

	return a
}

func checkMap(t *testing.T, a *Allocator) {
	descs, _ := a.MemoryMap()

	for i := 1; i < len(descs); i++ {
		if descs[i-1].PhysicalEnd() > descs[i].PhysicalStart {
			t.Fatalf("descriptors %d and %d overlap or are unsorted", i-1, i)
		}
	}
}

func TestAllocateAnyPages(t *testing.T) {
	a := testAllocator(t, 0)
	key := a.MapKey()

	addr, err := a.Allocate(efi.AllocateAnyPages, efi.EfiLoaderData, 4, 0)

	if err != nil {
		t.Fatal(err)
	}

	if addr != testBase+(testPages-4)*efi.PageSize {
		t.Fatalf("unexpected top-down address %#x", addr)
	}

	if a.MapKey() == key {
		t.Fatal("map key not updated")
	}

	if a.Count() != 2 {
		t.Fatalf("unexpected descriptor count %d", a.Count())
	}

	checkMap(t, a)
}

func TestAllocateAddress(t *testing.T) {
	a := testAllocator(t, 0)
	target := uint64(testBase + 8*efi.PageSize)

	addr, err := a.Allocate(efi.AllocateAddress, efi.EfiBootServicesData, 2, target)

	if err != nil {
		t.Fatal(err)
	}

	if addr != target || a.Count() != 3 {
		t.Fatalf("unexpected allocation %#x (%d descriptors)", addr, a.Count())
	}

	if _, err = a.Allocate(efi.AllocateAddress, efi.EfiBootServicesData, 1, target); !errors.Is(err, efi.EFI_NOT_FOUND) {
		t.Fatalf("expected EFI_NOT_FOUND, got %v", err)
	}

	if _, err = a.Allocate(efi.AllocateAddress, efi.EfiBootServicesData, 1, target+1); !errors.Is(err, efi.EFI_INVALID_PARAMETER) {
		t.Fatalf("expected EFI_INVALID_PARAMETER, got %v", err)
	}

	checkMap(t, a)
}

func TestAllocateMaxAddress(t *testing.T) {
	a := testAllocator(t, 0)
	limit := uint64(testBase + 16*efi.PageSize - 1)

	addr, err := a.Allocate(efi.AllocateMaxAddress, efi.EfiLoaderCode, 4, limit)

	if err != nil {
		t.Fatal(err)
	}

	if addr+4*efi.PageSize-1 > limit {
		t.Fatalf("allocation %#x exceeds limit %#x", addr, limit)
	}

	if _, err = a.Allocate(efi.AllocateMaxAddress, efi.EfiLoaderCode, 1, testBase-1); !errors.Is(err, efi.EFI_OUT_OF_RESOURCES) {
		t.Fatalf("expected EFI_OUT_OF_RESOURCES, got %v", err)
	}
}

func TestAllocateInvalid(t *testing.T) {
	a := testAllocator(t, 0)

	if _, err := a.Allocate(efi.AllocateAnyPages, efi.EfiLoaderData, 0, 0); !errors.Is(err, efi.EFI_INVALID_PARAMETER) {
		t.Fatalf("expected EFI_INVALID_PARAMETER, got %v", err)
	}

	if _, err := a.Allocate(efi.AllocateAnyPages, efi.EfiConventionalMemory, 1, 0); !errors.Is(err, efi.EFI_INVALID_PARAMETER) {
		t.Fatalf("expected EFI_INVALID_PARAMETER, got %v", err)
	}

	if _, err := a.Allocate(efi.AllocateAnyPages, efi.EfiLoaderData, testPages+1, 0); !errors.Is(err, efi.EFI_OUT_OF_RESOURCES) {
		t.Fatalf("expected EFI_OUT_OF_RESOURCES, got %v", err)
	}
}

func TestAllocatePool(t *testing.T) {
	a := testAllocator(t, 0)

	addr, err := a.AllocatePool(efi.EfiBootServicesData, 10)

	if err != nil {
		t.Fatal(err)
	}

	descs, _ := a.MemoryMap()

	for _, d := range descs {
		if d.PhysicalStart == addr && d.NumberOfPages != 1 {
			t.Fatalf("sub-page request not rounded up, %d pages", d.NumberOfPages)
		}
	}

	if err = a.Free(addr); err != nil {
		t.Fatal(err)
	}

	if a.Count() != 1 {
		t.Fatalf("free ranges not coalesced, %d descriptors", a.Count())
	}

	if err = a.Free(addr); !errors.Is(err, efi.EFI_NOT_FOUND) {
		t.Fatalf("expected EFI_NOT_FOUND on double free, got %v", err)
	}

	for _, size := range []uint64{^uint64(0), ^uint64(0) - 100, ^uint64(0) - efi.PageSize + 2} {
		if _, err = a.AllocatePool(efi.EfiLoaderData, size); !errors.Is(err, efi.EFI_OUT_OF_RESOURCES) {
			t.Fatalf("expected EFI_OUT_OF_RESOURCES for %#x, got %v", size, err)
		}
	}
}

func TestFreePagesPartial(t *testing.T) {
	a := testAllocator(t, 0)

	addr, err := a.Allocate(efi.AllocateAddress, efi.EfiLoaderData, 4, testBase)

	if err != nil {
		t.Fatal(err)
	}

	if err = a.FreePages(addr+efi.PageSize, 2); err != nil {
		t.Fatal(err)
	}

	descs, _ := a.MemoryMap()

	if len(descs) != 4 {
		t.Fatalf("unexpected descriptor count %d", len(descs))
	}

	if descs[0].Type != efi.EfiLoaderData || descs[1].Type != efi.EfiConventionalMemory || descs[2].Type != efi.EfiLoaderData {
		t.Fatal("unexpected partial free layout")
	}

	if err = a.Free(addr + 3*efi.PageSize); err != nil {
		t.Fatal(err)
	}

	if err = a.Free(addr); err != nil {
		t.Fatal(err)
	}

	if a.Count() != 1 {
		t.Fatalf("free ranges not coalesced, %d descriptors", a.Count())
	}
}

func TestAllocateCapacity(t *testing.T) {
	a := testAllocator(t, 2)

	if _, err := a.Allocate(efi.AllocateAnyPages, efi.EfiLoaderData, 1, 0); err != nil {
		t.Fatal(err)
	}

	// a middle allocation would require two more descriptors
	if _, err := a.Allocate(efi.AllocateAddress, efi.EfiLoaderData, 1, testBase+efi.PageSize); !errors.Is(err, efi.EFI_OUT_OF_RESOURCES) {
		t.Fatalf("expected EFI_OUT_OF_RESOURCES, got %v", err)
	}

	checkMap(t, a)
}

func TestSetVirtualAddressMap(t *testing.T) {
	a := testAllocator(t, 0)

	addr, err := a.Allocate(efi.AllocateAnyPages, efi.EfiRuntimeServicesData, 1, 0)

	if err != nil {
		t.Fatal(err)
	}

	virtualMap := []efi.MemoryDescriptor{
		{
			Type:          efi.EfiRuntimeServicesData,
			PhysicalStart: addr,
			VirtualStart:  0xffff800000000000,
			NumberOfPages: 1,
			Attribute:     efi.EFI_MEMORY_RUNTIME,
		},
	}

	if err = a.SetVirtualAddressMap(virtualMap); err != nil {
		t.Fatal(err)
	}

	descs, _ := a.MemoryMap()

	for _, d := range descs {
		if d.PhysicalStart == addr && d.VirtualStart != 0xffff800000000000 {
			t.Fatalf("virtual address not applied, %#x", d.VirtualStart)
		}
	}

	if err = a.SetVirtualAddressMap(virtualMap); !errors.Is(err, efi.EFI_UNSUPPORTED) {
		t.Fatalf("expected EFI_UNSUPPORTED, got %v", err)
	}
}

func TestAddRegionOverlap(t *testing.T) {
	a := testAllocator(t, 0)

	if err := a.AddRegion(efi.EfiReservedMemoryType, testBase+efi.PageSize, 1, 0); !errors.Is(err, efi.EFI_INVALID_PARAMETER) {
		t.Fatalf("expected EFI_INVALID_PARAMETER, got %v", err)
	}

	if err := a.AddRegion(efi.EfiConventionalMemory, testBase+testPages*efi.PageSize, 4, efi.EFI_MEMORY_WB); err != nil {
		t.Fatal(err)
	}

	if a.Count() != 1 {
		t.Fatalf("adjacent conventional regions not merged, %d descriptors", a.Count())
	}
}
