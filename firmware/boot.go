// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package firmware

import (
	"fmt"
	"hash/crc32"
	"log"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/mem"
	"github.com/usbarmory/go-firmware/protocol"
)

// EFI Boot Services offsets
const (
	raiseTPL                            = 0x18
	restoreTPL                          = 0x20
	allocatePages                       = 0x28
	freePages                           = 0x30
	getMemoryMap                        = 0x38
	allocatePool                        = 0x40
	freePool                            = 0x48
	createEvent                         = 0x50
	setTimer                            = 0x58
	waitForEvent                        = 0x60
	signalEvent                         = 0x68
	closeEvent                          = 0x70
	checkEvent                          = 0x78
	installProtocolInterface            = 0x80
	reinstallProtocolInterface          = 0x88
	uninstallProtocolInterface          = 0x90
	handleProtocol                      = 0x98
	registerProtocolNotify              = 0xa8
	locateHandle                        = 0xb0
	locateDevicePath                    = 0xb8
	installConfigurationTable           = 0xc0
	loadImage                           = 0xc8
	startImage                          = 0xd0
	exit                                = 0xd8
	unloadImage                         = 0xe0
	exitBootServices                    = 0xe8
	getNextMonotonicCount               = 0xf0
	stall                               = 0xf8
	setWatchdogTimer                    = 0x100
	connectController                   = 0x108
	disconnectController                = 0x110
	openProtocol                        = 0x118
	closeProtocol                       = 0x120
	openProtocolInformation             = 0x128
	protocolsPerHandle                  = 0x130
	locateHandleBuffer                  = 0x138
	locateProtocol                      = 0x140
	installMultipleProtocolInterfaces   = 0x148
	uninstallMultipleProtocolInterfaces = 0x150
	calculateCrc32                      = 0x158
	copyMem                             = 0x160
	setMem                              = 0x168
	createEventEx                       = 0x170

	bootServicesSize = 0x178
)

// EFI_LOCATE_SEARCH_TYPE
const (
	AllHandles = iota
	ByRegisterNotify
	ByProtocol
)

// EFI_OPEN_PROTOCOL attributes
const (
	EFI_OPEN_PROTOCOL_BY_HANDLE_PROTOCOL  = 0x01
	EFI_OPEN_PROTOCOL_GET_PROTOCOL        = 0x02
	EFI_OPEN_PROTOCOL_TEST_PROTOCOL       = 0x04
	EFI_OPEN_PROTOCOL_BY_CHILD_CONTROLLER = 0x08
	EFI_OPEN_PROTOCOL_BY_DRIVER           = 0x10
	EFI_OPEN_PROTOCOL_EXCLUSIVE           = 0x20
)

// EFI_NATIVE_INTERFACE
const nativeInterface = 0

type serviceDef struct {
	name  string
	nargs int
	fn    handler
}

func (s *Services) bootServiceDefs() map[int]serviceDef {
	return map[int]serviceDef{
		raiseTPL:                            {"RaiseTPL", 1, s.raiseTPL},
		restoreTPL:                          {"RestoreTPL", 1, s.restoreTPL},
		allocatePages:                       {"AllocatePages", 4, s.allocatePages},
		freePages:                           {"FreePages", 2, s.freePages},
		getMemoryMap:                        {"GetMemoryMap", 5, s.getMemoryMap},
		allocatePool:                        {"AllocatePool", 3, s.allocatePool},
		freePool:                            {"FreePool", 1, s.freePool},
		createEvent:                         {"CreateEvent", 5, nil},
		setTimer:                            {"SetTimer", 3, nil},
		waitForEvent:                        {"WaitForEvent", 3, nil},
		signalEvent:                         {"SignalEvent", 1, nil},
		closeEvent:                          {"CloseEvent", 1, nil},
		checkEvent:                          {"CheckEvent", 1, nil},
		installProtocolInterface:            {"InstallProtocolInterface", 4, s.installProtocolInterface},
		reinstallProtocolInterface:          {"ReinstallProtocolInterface", 4, nil},
		uninstallProtocolInterface:          {"UninstallProtocolInterface", 3, nil},
		handleProtocol:                      {"HandleProtocol", 3, s.handleProtocol},
		registerProtocolNotify:              {"RegisterProtocolNotify", 3, nil},
		locateHandle:                        {"LocateHandle", 5, s.locateHandle},
		locateDevicePath:                    {"LocateDevicePath", 3, nil},
		installConfigurationTable:           {"InstallConfigurationTable", 2, s.installConfigurationTable},
		loadImage:                           {"LoadImage", 6, s.loadImage},
		startImage:                          {"StartImage", 3, s.startImage},
		exit:                                {"Exit", 4, nil},
		unloadImage:                         {"UnloadImage", 1, nil},
		exitBootServices:                    {"ExitBootServices", 2, s.exitBootServices},
		getNextMonotonicCount:               {"GetNextMonotonicCount", 1, s.getNextMonotonicCount},
		stall:                               {"Stall", 1, s.success},
		setWatchdogTimer:                    {"SetWatchdogTimer", 4, s.success},
		connectController:                   {"ConnectController", 4, nil},
		disconnectController:                {"DisconnectController", 3, nil},
		openProtocol:                        {"OpenProtocol", 6, s.openProtocol},
		closeProtocol:                       {"CloseProtocol", 4, s.success},
		openProtocolInformation:             {"OpenProtocolInformation", 4, nil},
		protocolsPerHandle:                  {"ProtocolsPerHandle", 3, s.protocolsPerHandle},
		locateHandleBuffer:                  {"LocateHandleBuffer", 5, s.locateHandleBuffer},
		locateProtocol:                      {"LocateProtocol", 3, s.locateProtocol},
		installMultipleProtocolInterfaces:   {"InstallMultipleProtocolInterfaces", maxArgs, s.installMultipleProtocolInterfaces},
		uninstallMultipleProtocolInterfaces: {"UninstallMultipleProtocolInterfaces", maxArgs, nil},
		calculateCrc32:                      {"CalculateCrc32", 3, s.calculateCrc32},
		copyMem:                             {"CopyMem", 3, s.copyMem},
		setMem:                              {"SetMem", 3, s.setMem},
		createEventEx:                       {"CreateEventEx", 6, s.createEventEx},
	}
}

// serviceTable registers all argument services and returns the function
// pointers for a table of the argument size, entries not defined are
// registered as unsupported.
func (s *Services) serviceTable(defs map[int]serviceDef, size int, runtime bool) (fns []uint64, err error) {
	hdrSize := efi.Sizeof(&efi.TableHeader{})

	for off := hdrSize; off < size; off += 8 {
		def, ok := defs[off]

		if !ok {
			def = serviceDef{name: fmt.Sprintf("Reserved(%#x)", off)}
		}

		fn, err := s.entry(def.name, runtime, def.nargs, def.fn)

		if err != nil {
			return nil, err
		}

		fns = append(fns, fn)
	}

	return
}

func (s *Services) initBootServices() (err error) {
	fns, err := s.serviceTable(s.bootServiceDefs(), bootServicesSize, false)

	if err != nil {
		return
	}

	if s.bootServices, err = s.Allocator.AllocatePool(efi.EfiBootServicesData, bootServicesSize); err != nil {
		return fmt.Errorf("could not allocate boot services table, %w", err)
	}

	return s.table(s.bootServices, efi.BootServicesSignature, bootServicesSize, fns)
}

func (s *Services) success(_ []uint64) efi.Status {
	return efi.EFI_SUCCESS
}

// raiseTPL returns the previous task priority level.
func (s *Services) raiseTPL(args []uint64) efi.Status {
	s.Lock()
	defer s.Unlock()

	old := s.tpl
	s.tpl = args[0]

	return efi.Status(old)
}

func (s *Services) restoreTPL(args []uint64) efi.Status {
	s.Lock()
	defer s.Unlock()

	s.tpl = args[0]

	return efi.EFI_SUCCESS
}

// allocatePages implements EFI_BOOT_SERVICES.AllocatePages(Type, MemoryType,
// Pages, *Memory).
func (s *Services) allocatePages(args []uint64) efi.Status {
	allocType, memType, pages, memory := args[0], args[1], args[2], args[3]

	if memory == 0 || allocType >= efi.MaxAllocateType || memType > 0xffffffff {
		return efi.EFI_INVALID_PARAMETER
	}

	addr, err := s.read64(memory)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	if addr, err = s.Allocator.Allocate(int(allocType), uint32(memType), pages, addr); err != nil {
		return s.status(err)
	}

	return s.status(s.write64(memory, addr))
}

func (s *Services) freePages(args []uint64) efi.Status {
	return s.status(s.Allocator.FreePages(args[0], args[1]))
}

// getMemoryMap implements EFI_BOOT_SERVICES.GetMemoryMap(*MemoryMapSize,
// *MemoryMap, *MapKey, *DescriptorSize, *DescriptorVersion).
func (s *Services) getMemoryMap(args []uint64) efi.Status {
	mapSize, memoryMap, mapKey, descSize, descVersion := args[0], args[1], args[2], args[3], args[4]

	if mapSize == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	size, err := s.read64(mapSize)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	descs, key := s.Allocator.MemoryMap()
	required := uint64(len(descs) * efi.MemoryDescriptorSize)

	if err = s.write64(mapSize, required); err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	if descSize != 0 {
		if err = s.write64(descSize, uint64(efi.MemoryDescriptorSize)); err != nil {
			return efi.EFI_INVALID_PARAMETER
		}
	}

	if descVersion != 0 {
		if err = mem.WriteUint32(s.Memory, descVersion, efi.MemoryDescriptorVersion); err != nil {
			return efi.EFI_INVALID_PARAMETER
		}
	}

	if size < required {
		return efi.EFI_BUFFER_TOO_SMALL
	}

	if memoryMap == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	for i := range descs {
		if err = mem.WriteStruct(s.Memory, memoryMap+uint64(i*efi.MemoryDescriptorSize), &descs[i]); err != nil {
			return efi.EFI_INVALID_PARAMETER
		}
	}

	return s.status(s.write64(mapKey, key))
}

// allocatePool implements EFI_BOOT_SERVICES.AllocatePool(PoolType, Size,
// **Buffer).
func (s *Services) allocatePool(args []uint64) efi.Status {
	memType, size, buffer := args[0], args[1], args[2]

	if buffer == 0 || memType > 0xffffffff {
		return efi.EFI_INVALID_PARAMETER
	}

	addr, err := s.Allocator.AllocatePool(uint32(memType), size)

	if err != nil {
		return s.status(err)
	}

	return s.status(s.write64(buffer, addr))
}

func (s *Services) freePool(args []uint64) efi.Status {
	if args[0] == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.status(s.Allocator.Free(args[0]))
}

// installProtocolInterface implements
// EFI_BOOT_SERVICES.InstallProtocolInterface(*Handle, *Protocol,
// InterfaceType, *Interface).
func (s *Services) installProtocolInterface(args []uint64) efi.Status {
	handle, guid, ifaceType, iface := args[0], args[1], args[2], args[3]

	if handle == 0 || guid == 0 || ifaceType != nativeInterface {
		return efi.EFI_INVALID_PARAMETER
	}

	h, err := s.read64(handle)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	g, err := s.guid(guid)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	res, err := s.Database.Install(protocol.Handle(h), g, iface)

	if err != nil {
		return s.status(err)
	}

	return s.status(s.write64(handle, uint64(res)))
}

// lookup resolves a protocol interface and writes it to the argument
// output pointer.
func (s *Services) lookup(handle uint64, guid uint64, iface uint64) efi.Status {
	if guid == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	g, err := s.guid(guid)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	addr, err := s.Database.Lookup(protocol.Handle(handle), g)

	if err != nil {
		return s.status(err)
	}

	if iface == 0 {
		return efi.EFI_SUCCESS
	}

	return s.status(s.write64(iface, addr))
}

// handleProtocol implements EFI_BOOT_SERVICES.HandleProtocol(Handle,
// *Protocol, **Interface).
func (s *Services) handleProtocol(args []uint64) efi.Status {
	if args[2] == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.lookup(args[0], args[1], args[2])
}

// search returns the handles matching the argument
// EFI_LOCATE_SEARCH_TYPE.
func (s *Services) search(searchType uint64, guid uint64, searchKey uint64) ([]protocol.Handle, efi.Status) {
	var handles []protocol.Handle

	switch searchType {
	case AllHandles:
		handles = s.Database.Handles()
	case ByProtocol:
		if guid == 0 {
			return nil, efi.EFI_INVALID_PARAMETER
		}

		g, err := s.guid(guid)

		if err != nil {
			return nil, efi.EFI_INVALID_PARAMETER
		}

		handles = s.Database.LocateAll(g)
	case ByRegisterNotify:
		return nil, efi.EFI_UNSUPPORTED
	default:
		return nil, efi.EFI_INVALID_PARAMETER
	}

	if searchKey != 0 {
		return nil, efi.EFI_UNSUPPORTED
	}

	if len(handles) == 0 {
		return nil, efi.EFI_NOT_FOUND
	}

	return handles, efi.EFI_SUCCESS
}

func (s *Services) writeHandles(addr uint64, handles []protocol.Handle) error {
	for i, h := range handles {
		if err := mem.WriteUint64(s.Memory, addr+uint64(i*8), uint64(h)); err != nil {
			return err
		}
	}

	return nil
}

// locateHandle implements EFI_BOOT_SERVICES.LocateHandle(SearchType,
// *Protocol, *SearchKey, *BufferSize, *Buffer).
func (s *Services) locateHandle(args []uint64) efi.Status {
	searchType, guid, searchKey, bufferSize, buffer := args[0], args[1], args[2], args[3], args[4]

	if bufferSize == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	size, err := s.read64(bufferSize)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	handles, status := s.search(searchType, guid, searchKey)

	if status != efi.EFI_SUCCESS {
		return status
	}

	required := uint64(len(handles) * 8)

	if err = s.write64(bufferSize, required); err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	if size < required {
		return efi.EFI_BUFFER_TOO_SMALL
	}

	if buffer == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.status(s.writeHandles(buffer, handles))
}

// locateHandleBuffer implements EFI_BOOT_SERVICES.LocateHandleBuffer(
// SearchType, *Protocol, *SearchKey, *NoHandles, **Buffer).
func (s *Services) locateHandleBuffer(args []uint64) efi.Status {
	searchType, guid, searchKey, noHandles, buffer := args[0], args[1], args[2], args[3], args[4]

	if noHandles == 0 || buffer == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	handles, status := s.search(searchType, guid, searchKey)

	if status != efi.EFI_SUCCESS {
		return status
	}

	addr, err := s.Allocator.AllocatePool(efi.EfiBootServicesData, uint64(len(handles)*8))

	if err != nil {
		return s.status(err)
	}

	if err = s.writeHandles(addr, handles); err != nil {
		s.Allocator.Free(addr)
		return s.status(err)
	}

	if err = s.write64(noHandles, uint64(len(handles))); err != nil {
		s.Allocator.Free(addr)
		return efi.EFI_INVALID_PARAMETER
	}

	if err = s.write64(buffer, addr); err != nil {
		s.Allocator.Free(addr)
		return efi.EFI_INVALID_PARAMETER
	}

	return efi.EFI_SUCCESS
}

// locateProtocol implements EFI_BOOT_SERVICES.LocateProtocol(*Protocol,
// *Registration, **Interface).
func (s *Services) locateProtocol(args []uint64) efi.Status {
	guid, iface := args[0], args[2]

	if guid == 0 || iface == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	g, err := s.guid(guid)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	addr, err := s.Database.LocateOne(g)

	if err != nil {
		s.write64(iface, 0)
		return s.status(err)
	}

	return s.status(s.write64(iface, addr))
}

// openProtocol implements EFI_BOOT_SERVICES.OpenProtocol(Handle, *Protocol,
// **Interface, AgentHandle, ControllerHandle, Attributes).
func (s *Services) openProtocol(args []uint64) efi.Status {
	handle, guid, iface, attributes := args[0], args[1], args[2], args[5]

	switch attributes {
	case EFI_OPEN_PROTOCOL_TEST_PROTOCOL:
		return s.lookup(handle, guid, 0)
	case EFI_OPEN_PROTOCOL_BY_HANDLE_PROTOCOL, EFI_OPEN_PROTOCOL_GET_PROTOCOL:
		if iface == 0 {
			return efi.EFI_INVALID_PARAMETER
		}

		return s.lookup(handle, guid, iface)
	}

	log.Printf("firmware: unsupported OpenProtocol attributes %#x", attributes)

	return efi.EFI_UNSUPPORTED
}

// protocolsPerHandle implements EFI_BOOT_SERVICES.ProtocolsPerHandle(Handle,
// ***ProtocolBuffer, *ProtocolBufferCount).
func (s *Services) protocolsPerHandle(args []uint64) efi.Status {
	handle, buffer, count := args[0], args[1], args[2]

	if buffer == 0 || count == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	records, err := s.Database.Protocols(protocol.Handle(handle))

	if err != nil {
		return s.status(err)
	}

	n := uint64(len(records))

	// array of GUID pointers followed by the GUIDs
	addr, err := s.Allocator.AllocatePool(efi.EfiBootServicesData, n*8+n*16)

	if err != nil {
		return s.status(err)
	}

	for i, r := range records {
		guid := addr + n*8 + uint64(i*16)

		if err = mem.WriteUint64(s.Memory, addr+uint64(i*8), guid); err != nil {
			break
		}

		if err = mem.Write(s.Memory, guid, r.GUID[:]); err != nil {
			break
		}
	}

	if err != nil {
		s.Allocator.Free(addr)
		return s.status(err)
	}

	if err = s.write64(count, n); err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.status(s.write64(buffer, addr))
}

// installMultipleProtocolInterfaces implements
// EFI_BOOT_SERVICES.InstallMultipleProtocolInterfaces(*Handle, ...), the
// variadic argument list holds up to [protocol.MaxMultiple] GUID and
// interface pairs terminated by a null GUID pointer.
func (s *Services) installMultipleProtocolInterfaces(args []uint64) efi.Status {
	handle := args[0]

	if handle == 0 || args[1] == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	h, err := s.read64(handle)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	var records []protocol.Record

	for i := 1; i < len(args) && args[i] != 0; i += 2 {
		if len(records) == protocol.MaxMultiple || i+1 == len(args) {
			return efi.EFI_UNSUPPORTED
		}

		g, err := s.guid(args[i])

		if err != nil {
			return efi.EFI_INVALID_PARAMETER
		}

		records = append(records, protocol.Record{GUID: g, Interface: args[i+1]})
	}

	res, err := s.Database.InstallMultiple(protocol.Handle(h), records)

	if err != nil {
		return s.status(err)
	}

	return s.status(s.write64(handle, uint64(res)))
}

// exitBootServices implements EFI_BOOT_SERVICES.ExitBootServices(
// ImageHandle, MapKey).
func (s *Services) exitBootServices(args []uint64) efi.Status {
	if key := s.Allocator.MapKey(); args[1] != key {
		log.Printf("firmware: ExitBootServices() with stale map key %d (current %d)", args[1], key)
		return efi.EFI_INVALID_PARAMETER
	}

	s.Lock()
	s.exited = true
	s.Unlock()

	log.Printf("firmware: exited boot services (image %#x)", args[0])

	return efi.EFI_SUCCESS
}

func (s *Services) getNextMonotonicCount(args []uint64) efi.Status {
	if args[0] == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	s.Lock()
	s.monotonic++
	count := s.monotonic
	s.Unlock()

	return s.status(s.write64(args[0], count))
}

// calculateCrc32 implements EFI_BOOT_SERVICES.CalculateCrc32(*Data,
// DataSize, *Crc32).
func (s *Services) calculateCrc32(args []uint64) efi.Status {
	data, size, crc := args[0], args[1], args[2]

	if data == 0 || size == 0 || crc == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	buf, err := s.slice(data, size)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.status(mem.WriteUint32(s.Memory, crc, crc32.ChecksumIEEE(buf)))
}

// copyMem implements EFI_BOOT_SERVICES.CopyMem(*Destination, *Source,
// Length), overlapping buffers are supported.
func (s *Services) copyMem(args []uint64) efi.Status {
	dst, err := s.slice(args[0], args[2])

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	src, err := s.slice(args[1], args[2])

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	copy(dst, src)

	return efi.EFI_SUCCESS
}

// setMem implements EFI_BOOT_SERVICES.SetMem(*Buffer, Size, Value).
func (s *Services) setMem(args []uint64) efi.Status {
	buf, err := s.slice(args[0], args[1])

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	for i := range buf {
		buf[i] = byte(args[2])
	}

	return efi.EFI_SUCCESS
}

// createEventEx returns a null event, events are not supported.
func (s *Services) createEventEx(args []uint64) efi.Status {
	s.write64(args[5], 0)
	return efi.EFI_SUCCESS
}
