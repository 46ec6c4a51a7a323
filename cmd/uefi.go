// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"fmt"
	"log"
	"regexp"
	"strconv"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/firmware"
	"github.com/usbarmory/go-firmware/mem"
	"github.com/usbarmory/go-firmware/shell"
)

const maxVendorSize = 64

func (s *Session) addUEFI(iface *shell.Interface) {
	iface.Add(shell.Cmd{
		Name: "uefi",
		Help: "UEFI information",
		Fn:   s.uefiCmd,
	})

	iface.Add(shell.Cmd{
		Name:    "protocol",
		Args:    1,
		Pattern: regexp.MustCompile(`^protocol ([[:xdigit:]]{8}-[[:xdigit:]]{4}-[[:xdigit:]]{4}-[[:xdigit:]]{4}-[[:xdigit:]]{12})$`),
		Syntax:  "<registry format GUID>",
		Help:    "EFI_BOOT_SERVICES.LocateProtocol()",
		Fn:      s.locateCmd,
	})

	iface.Add(shell.Cmd{
		Name: "handles",
		Help: "list handles and their protocols",
		Fn:   s.handlesCmd,
	})

	iface.Add(shell.Cmd{
		Name: "memmap",
		Help: "EFI_BOOT_SERVICES.GetMemoryMap()",
		Fn:   s.memmapCmd,
	})

	iface.Add(shell.Cmd{
		Name: "e820",
		Help: "memory map in E820 format",
		Fn:   s.e820Cmd,
	})

	iface.Add(shell.Cmd{
		Name:    "alloc",
		Args:    2,
		Pattern: regexp.MustCompile(`^alloc ([[:xdigit:]]+) (\d+)$`),
		Syntax:  "<hex offset> <size>",
		Help:    "EFI_BOOT_SERVICES.AllocatePages()",
		Fn:      s.allocCmd,
	})

	iface.Add(shell.Cmd{
		Name: "vars",
		Help: "list variables",
		Fn:   s.varsCmd,
	})

	iface.Add(shell.Cmd{
		Name: "images",
		Help: "list loaded images",
		Fn:   s.imagesCmd,
	})

	iface.Add(shell.Cmd{
		Name:    "reset",
		Args:    1,
		Pattern: regexp.MustCompile(`^reset(?: (cold|warm|shutdown))?$`),
		Help:    "EFI_RUNTIME_SERVICES.ResetSystem()",
		Syntax:  "(cold|warm|shutdown)?",
		Fn:      s.resetCmd,
	})

	iface.Add(shell.Cmd{
		Name:    "halt, shutdown",
		Args:    1,
		Pattern: regexp.MustCompile(`^(halt|shutdown)$`),
		Help:    "shutdown system",
		Fn:      s.shutdownCmd,
	})
}

func (s *Session) uefiCmd(_ *shell.Interface, _ []string) (res string, err error) {
	var buf bytes.Buffer

	fw := s.Firmware
	t := &efi.SystemTable{}

	if err = mem.ReadStruct(fw.Memory, fw.SystemTable(), t); err != nil {
		return
	}

	vendor, _ := mem.ReadString(fw.Memory, t.FirmwareVendor, maxVendorSize)

	fmt.Fprintf(&buf, "System Table .......: %#x\n", fw.SystemTable())
	fmt.Fprintf(&buf, "Firmware Vendor ....: %s\n", vendor)
	fmt.Fprintf(&buf, "Firmware Revision ..: %#x\n", t.FirmwareRevision)
	fmt.Fprintf(&buf, "Runtime Services  ..: %#x\n", t.RuntimeServices)
	fmt.Fprintf(&buf, "Boot Services ......: %#x\n", t.BootServices)
	fmt.Fprintf(&buf, "Configuration Tables: %#x\n", t.ConfigurationTable)

	for _, c := range fw.ConfigurationTables() {
		fmt.Fprintf(&buf, "  %s (%#x)\n", c.VendorGUID, c.VendorTable)
	}

	return buf.String(), nil
}

func (s *Session) locateCmd(_ *shell.Interface, arg []string) (res string, err error) {
	guid, err := efi.ParseGUID(arg[0])

	if err != nil {
		return
	}

	addr, err := s.Firmware.Database.LocateOne(guid)

	return fmt.Sprintf("%s: %#08x", arg[0], addr), err
}

func (s *Session) handlesCmd(_ *shell.Interface, _ []string) (res string, err error) {
	var buf bytes.Buffer

	db := s.Firmware.Database

	for _, h := range db.Handles() {
		records, err := db.Protocols(h)

		if err != nil {
			return "", err
		}

		fmt.Fprintf(&buf, "%#x\n", uint64(h))

		for _, r := range records {
			fmt.Fprintf(&buf, "  %-36s %#x\n", guidName(r.GUID), r.Interface)
		}
	}

	return buf.String(), nil
}

func (s *Session) memmapCmd(_ *shell.Interface, _ []string) (res string, err error) {
	var buf bytes.Buffer

	descs, key := s.Firmware.Allocator.MemoryMap()

	fmt.Fprintf(&buf, "Type                  Start            End              Pages            Attributes\n")

	for _, desc := range descs {
		fmt.Fprintf(&buf, "%-21s %016x %016x %016x %016x\n",
			efi.MemoryTypeName(desc.Type), desc.PhysicalStart, desc.PhysicalEnd()-1, desc.NumberOfPages, desc.Attribute)
	}

	fmt.Fprintf(&buf, "Map Key: %#x", key)

	return buf.String(), nil
}

func (s *Session) e820Cmd(_ *shell.Interface, _ []string) (res string, err error) {
	var buf bytes.Buffer

	descs, _ := s.Firmware.Allocator.MemoryMap()

	fmt.Fprintf(&buf, "Start            End              Type\n")

	for _, desc := range descs {
		e, err := desc.E820()

		if err != nil {
			return "", err
		}

		fmt.Fprintf(&buf, "%016x %016x %d\n", e.Addr, e.Addr+e.Size-1, e.MemType)
	}

	return buf.String(), nil
}

func (s *Session) allocCmd(_ *shell.Interface, arg []string) (res string, err error) {
	addr, err := strconv.ParseUint(arg[0], 16, 64)

	if err != nil {
		return "", fmt.Errorf("invalid address, %v", err)
	}

	size, err := strconv.ParseUint(arg[1], 10, 64)

	if err != nil {
		return "", fmt.Errorf("invalid size, %v", err)
	}

	if addr%efi.PageSize != 0 {
		return "", fmt.Errorf("address must be page aligned")
	}

	log.Printf("allocating memory range %#08x - %#08x", addr, addr+size)

	_, err = s.Firmware.Allocator.Allocate(efi.AllocateAddress, efi.EfiLoaderData, efi.Pages(size), addr)

	return
}

func (s *Session) varsCmd(_ *shell.Interface, _ []string) (res string, err error) {
	var buf bytes.Buffer

	for _, v := range s.Firmware.Variables.All() {
		attrs := firmware.ParseVariableAttributes(v.Attributes)
		fmt.Fprintf(&buf, "%s %s-%s (%d bytes)\n", attrs, v.GUID, v.Name, len(v.Data))
	}

	return buf.String(), nil
}

func (s *Session) imagesCmd(_ *shell.Interface, _ []string) (res string, err error) {
	var buf bytes.Buffer

	for _, img := range s.Firmware.Loader.Images() {
		fmt.Fprintf(&buf, "%#x %#x-%#x entry:%#x started:%v\n",
			uint64(img.Handle), img.Base, img.Base+img.Size, img.EntryPoint, img.Started())
	}

	return buf.String(), nil
}

func (s *Session) resetCmd(_ *shell.Interface, arg []string) (_ string, err error) {
	var resetType uint64

	switch arg[0] {
	case "cold":
		resetType = firmware.EfiResetCold
	case "warm", "":
		resetType = firmware.EfiResetWarm
	case "shutdown":
		resetType = firmware.EfiResetShutdown
	}

	log.Printf("performing system reset type %d", resetType)
	err = s.call(s.Firmware.RuntimeServices(), resetSystem, resetType, uint64(efi.EFI_SUCCESS), 0, 0)

	return
}

func (s *Session) shutdownCmd(_ *shell.Interface, _ []string) (_ string, err error) {
	return s.resetCmd(nil, []string{"shutdown"})
}
