// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package firmware

import (
	"fmt"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/mem"
)

// EFI_SYSTEM_TABLE size
const systemTableSize = 0x78

// EFI_CONFIGURATION_TABLE size
const configurationTableSize = 24

func (s *Services) initSystemTable() (err error) {
	vendor := efi.EncodeUTF16(s.conf.Vendor)
	tablesSize := s.conf.MaxTables * configurationTableSize
	size := systemTableSize + len(vendor) + tablesSize

	if s.systemTable, err = s.Allocator.AllocatePool(efi.EfiRuntimeServicesData, uint64(size)); err != nil {
		return fmt.Errorf("could not allocate system table, %w", err)
	}

	s.vendor = s.systemTable + systemTableSize
	s.tablesAddr = s.vendor + uint64(len(vendor))

	if err = mem.Write(s.Memory, s.vendor, vendor); err != nil {
		return
	}

	s.Lock()
	defer s.Unlock()

	return s.writeSystemTable()
}

// writeSystemTable updates the EFI System Table, its configuration tables
// and its checksum.
func (s *Services) writeSystemTable() (err error) {
	var tables []byte

	for _, t := range s.tables {
		buf, err := efi.Marshal(&t)

		if err != nil {
			return err
		}

		tables = append(tables, buf...)
	}

	if len(tables) > 0 {
		if err = mem.Write(s.Memory, s.tablesAddr, tables); err != nil {
			return
		}
	}

	st := &efi.SystemTable{
		Header: efi.TableHeader{
			Signature:  efi.SystemTableSignature,
			Revision:   efi.Revision,
			HeaderSize: systemTableSize,
		},
		FirmwareVendor:       s.vendor,
		FirmwareRevision:     s.conf.Revision,
		ConsoleInHandle:      uint64(s.consoleIn),
		ConIn:                s.conIn,
		ConsoleOutHandle:     uint64(s.consoleOut),
		ConOut:               s.conOut,
		StandardErrorHandle:  uint64(s.consoleOut),
		StdErr:               s.conOut,
		RuntimeServices:      s.runtimeServices,
		BootServices:         s.bootServices,
		NumberOfTableEntries: uint64(len(s.tables)),
		ConfigurationTable:   s.tablesAddr,
	}

	buf, err := efi.Marshal(st)

	if err != nil {
		return
	}

	st.Header.CRC32 = efi.Checksum(buf)

	return mem.WriteStruct(s.Memory, s.systemTable, st)
}

// InstallConfigurationTable adds, updates or removes (when the table address
// is zero) an EFI System Table configuration table entry.
func (s *Services) InstallConfigurationTable(guid efi.GUID, table uint64) error {
	s.Lock()
	defer s.Unlock()

	i := -1

	for j, t := range s.tables {
		if t.VendorGUID == guid {
			i = j
			break
		}
	}

	switch {
	case table == 0 && i < 0:
		return fmt.Errorf("configuration table %s not found, %w", guid, efi.EFI_NOT_FOUND)
	case table == 0:
		s.tables = append(s.tables[:i], s.tables[i+1:]...)
	case i >= 0:
		s.tables[i].VendorTable = table
	case len(s.tables) >= s.conf.MaxTables:
		return fmt.Errorf("configuration tables full, %w", efi.EFI_OUT_OF_RESOURCES)
	default:
		s.tables = append(s.tables, efi.ConfigurationTable{VendorGUID: guid, VendorTable: table})
	}

	return s.writeSystemTable()
}

// ConfigurationTables returns the EFI System Table configuration table
// entries.
func (s *Services) ConfigurationTables() []efi.ConfigurationTable {
	s.Lock()
	defer s.Unlock()

	return append([]efi.ConfigurationTable{}, s.tables...)
}

// installConfigurationTable implements
// EFI_BOOT_SERVICES.InstallConfigurationTable(*Guid, *Table).
func (s *Services) installConfigurationTable(args []uint64) efi.Status {
	if args[0] == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	g, err := s.guid(args[0])

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.status(s.InstallConfigurationTable(g, args[1]))
}
