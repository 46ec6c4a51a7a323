// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package firmware

import (
	"fmt"
	"log"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/mem"
)

// EFI Runtime Services offsets
const (
	getTime                   = 0x18
	setTime                   = 0x20
	getWakeupTime             = 0x28
	setWakeupTime             = 0x30
	setVirtualAddressMap      = 0x38
	convertPointer            = 0x40
	getVariable               = 0x48
	getNextVariableName       = 0x50
	setVariable               = 0x58
	getNextHighMonotonicCount = 0x60
	resetSystem               = 0x68
	updateCapsule             = 0x70
	queryCapsuleCapabilities  = 0x78
	queryVariableInfo         = 0x80

	runtimeServicesSize = 0x88
)

// EFI_RESET_TYPE
const (
	EfiResetCold = iota
	EfiResetWarm
	EfiResetShutdown
	EfiResetPlatformSpecific
)

// smallest accepted memory descriptor stride (without trailing padding)
const minDescriptorSize = 40

func (s *Services) runtimeServiceDefs() map[int]serviceDef {
	return map[int]serviceDef{
		getTime:                   {"GetTime", 2, s.getTime},
		setTime:                   {"SetTime", 1, nil},
		getWakeupTime:             {"GetWakeupTime", 3, nil},
		setWakeupTime:             {"SetWakeupTime", 2, nil},
		setVirtualAddressMap:      {"SetVirtualAddressMap", 4, s.setVirtualAddressMap},
		convertPointer:            {"ConvertPointer", 2, s.convertPointer},
		getVariable:               {"GetVariable", 5, s.getVariable},
		getNextVariableName:       {"GetNextVariableName", 3, s.getNextVariableName},
		setVariable:               {"SetVariable", 5, s.setVariable},
		getNextHighMonotonicCount: {"GetNextHighMonotonicCount", 1, nil},
		resetSystem:               {"ResetSystem", 4, s.resetSystem},
		updateCapsule:             {"UpdateCapsule", 3, nil},
		queryCapsuleCapabilities:  {"QueryCapsuleCapabilities", 4, nil},
		queryVariableInfo:         {"QueryVariableInfo", 4, s.queryVariableInfo},
	}
}

func (s *Services) initRuntimeServices() (err error) {
	fns, err := s.serviceTable(s.runtimeServiceDefs(), runtimeServicesSize, true)

	if err != nil {
		return
	}

	if s.runtimeServices, err = s.Allocator.AllocatePool(efi.EfiRuntimeServicesData, runtimeServicesSize); err != nil {
		return fmt.Errorf("could not allocate runtime services table, %w", err)
	}

	return s.table(s.runtimeServices, efi.RuntimeServicesSignature, runtimeServicesSize, fns)
}

// getTime implements EFI_RUNTIME_SERVICES.GetTime(*Time, *Capabilities).
func (s *Services) getTime(args []uint64) efi.Status {
	if args[0] == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	t := efi.NewTime(s.conf.Clock())

	return s.status(mem.WriteStruct(s.Memory, args[0], &t))
}

// setVirtualAddressMap implements
// EFI_RUNTIME_SERVICES.SetVirtualAddressMap(MemoryMapSize, DescriptorSize,
// DescriptorVersion, *VirtualMap).
func (s *Services) setVirtualAddressMap(args []uint64) efi.Status {
	mapSize, descSize, version, virtualMap := args[0], args[1], args[2], args[3]

	if version != efi.MemoryDescriptorVersion || descSize < minDescriptorSize || descSize > efi.PageSize || virtualMap == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	if !s.Exited() {
		return efi.EFI_UNSUPPORTED
	}

	var descs []efi.MemoryDescriptor

	for off := uint64(0); off+descSize <= mapSize; off += descSize {
		buf, err := mem.Read(s.Memory, virtualMap+off, int(descSize))

		if err != nil {
			return efi.EFI_INVALID_PARAMETER
		}

		desc := efi.MemoryDescriptor{}
		padded := make([]byte, max(int(descSize), efi.MemoryDescriptorSize))
		copy(padded, buf)

		if err = efi.Unmarshal(padded, &desc); err != nil {
			return efi.EFI_INVALID_PARAMETER
		}

		descs = append(descs, desc)
	}

	if err := s.Allocator.SetVirtualAddressMap(descs); err != nil {
		return s.status(err)
	}

	log.Printf("firmware: virtual address map set (%d descriptors)", len(descs))

	return efi.EFI_SUCCESS
}

// convertPointer implements EFI_RUNTIME_SERVICES.ConvertPointer(
// DebugDisposition, **Address).
func (s *Services) convertPointer(args []uint64) efi.Status {
	if args[1] == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	addr, err := s.read64(args[1])

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	if addr == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	descs, _ := s.Allocator.MemoryMap()

	for _, d := range descs {
		if d.Attribute&efi.EFI_MEMORY_RUNTIME == 0 || !d.Contains(addr, 1) {
			continue
		}

		return s.status(s.write64(args[1], d.VirtualStart+(addr-d.PhysicalStart)))
	}

	return efi.EFI_NOT_FOUND
}

// getVariable implements EFI_RUNTIME_SERVICES.GetVariable(*VariableName,
// *VendorGuid, *Attributes, *DataSize, *Data).
func (s *Services) getVariable(args []uint64) efi.Status {
	name, guid, attributes, dataSize, data := args[0], args[1], args[2], args[3], args[4]

	if name == 0 || guid == 0 || dataSize == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	n, err := mem.ReadString(s.Memory, name, maxString)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	g, err := s.guid(guid)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	size, err := s.read64(dataSize)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	v, err := s.Variables.Get(n, g, s.Exited())

	if err != nil {
		return s.status(err)
	}

	if attributes != 0 {
		if err = mem.WriteUint32(s.Memory, attributes, v.Attributes); err != nil {
			return efi.EFI_INVALID_PARAMETER
		}
	}

	if err = s.write64(dataSize, uint64(len(v.Data))); err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	if size < uint64(len(v.Data)) {
		return efi.EFI_BUFFER_TOO_SMALL
	}

	if len(v.Data) > 0 && data == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.status(mem.Write(s.Memory, data, v.Data))
}

// getNextVariableName implements
// EFI_RUNTIME_SERVICES.GetNextVariableName(*VariableNameSize,
// *VariableName, *VendorGuid).
func (s *Services) getNextVariableName(args []uint64) efi.Status {
	nameSize, name, guid := args[0], args[1], args[2]

	if nameSize == 0 || name == 0 || guid == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	size, err := s.read64(nameSize)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	n, err := mem.ReadString(s.Memory, name, int(min(size/2, maxString)))

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	g, err := s.guid(guid)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	next, nextGUID, err := s.Variables.Next(n, g, s.Exited())

	if err != nil {
		return s.status(err)
	}

	buf := efi.EncodeUTF16(next)

	if err = s.write64(nameSize, uint64(len(buf))); err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	if size < uint64(len(buf)) {
		return efi.EFI_BUFFER_TOO_SMALL
	}

	if err = mem.Write(s.Memory, name, buf); err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.status(mem.Write(s.Memory, guid, nextGUID[:]))
}

// setVariable implements EFI_RUNTIME_SERVICES.SetVariable(*VariableName,
// *VendorGuid, Attributes, DataSize, *Data).
func (s *Services) setVariable(args []uint64) efi.Status {
	name, guid, attributes, dataSize, data := args[0], args[1], args[2], args[3], args[4]

	if name == 0 || guid == 0 || attributes > 0xffffffff || dataSize > maxVariableSize {
		return efi.EFI_INVALID_PARAMETER
	}

	n, err := mem.ReadString(s.Memory, name, maxString)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	g, err := s.guid(guid)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	buf, err := s.slice(data, dataSize)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.status(s.Variables.Set(n, g, uint32(attributes), buf, s.Exited()))
}

// queryVariableInfo implements EFI_RUNTIME_SERVICES.QueryVariableInfo(
// Attributes, *MaximumVariableStorageSize, *RemainingVariableStorageSize,
// *MaximumVariableSize).
func (s *Services) queryVariableInfo(args []uint64) efi.Status {
	if args[0] == 0 || args[1] == 0 || args[2] == 0 || args[3] == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	total := uint64(s.conf.MaxVariables * maxVariableSize)
	used := uint64(0)

	for _, v := range s.Variables.All() {
		used += uint64(len(v.Data))
	}

	if err := s.write64(args[1], total); err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	if err := s.write64(args[2], total-used); err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.status(s.write64(args[3], maxVariableSize))
}

// resetSystem implements EFI_RUNTIME_SERVICES.ResetSystem(ResetType,
// ResetStatus, DataSize, *ResetData).
func (s *Services) resetSystem(args []uint64) efi.Status {
	if s.conf.Reset == nil {
		return efi.EFI_UNSUPPORTED
	}

	log.Printf("firmware: system reset (type %d, status %#x)", args[0], args[1])
	s.conf.Reset(int(args[0]), efi.Status(args[1]))

	return efi.EFI_SUCCESS
}
