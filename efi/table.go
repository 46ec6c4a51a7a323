// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package efi

import (
	"hash/crc32"
	"time"
)

// EFI Table Header Signatures
const (
	SystemTableSignature     = 0x5453595320494249 // TSYS IBI
	BootServicesSignature    = 0x56524553544f4f42 // VRESTOOB
	RuntimeServicesSignature = 0x56524553544e5552 // VRESTNUR
)

// Revision represents the EFI specification revision implemented by the
// firmware tables (2.70).
const Revision = 2<<16 | 70

// TableHeader represents the data structure that precedes all of the standard
// EFI table types.
type TableHeader struct {
	Signature  uint64
	Revision   uint32
	HeaderSize uint32
	CRC32      uint32
	Reserved   uint32
}

// SystemTable represents the EFI System Table, containing pointers to the
// runtime and boot services tables.
type SystemTable struct {
	Header               TableHeader
	FirmwareVendor       uint64
	FirmwareRevision     uint32
	_                    uint32
	ConsoleInHandle      uint64
	ConIn                uint64
	ConsoleOutHandle     uint64
	ConOut               uint64
	StandardErrorHandle  uint64
	StdErr               uint64
	RuntimeServices      uint64
	BootServices         uint64
	NumberOfTableEntries uint64
	ConfigurationTable   uint64
}

// ConfigurationTable represents an EFI Configuration Table entry.
type ConfigurationTable struct {
	VendorGUID  GUID
	VendorTable uint64
}

// Checksum returns the table header CRC32 over the argument encoded table,
// computed with the header CRC32 field set to zero.
func Checksum(table []byte) uint32 {
	buf := make([]byte, len(table))
	copy(buf, table)

	// TableHeader.CRC32 offset
	clear(buf[16:20])

	return crc32.ChecksumIEEE(buf)
}

// Time represents an EFI_TIME structure.
type Time struct {
	Year       uint16
	Month      uint8
	Day        uint8
	Hour       uint8
	Minute     uint8
	Second     uint8
	_          uint8
	Nanosecond uint32
	TimeZone   int16
	Daylight   uint8
	_          uint8
}

// EFI_UNSPECIFIED_TIMEZONE
const UnspecifiedTimezone = 0x07ff

// NewTime converts a Go time to its EFI representation.
func NewTime(t time.Time) Time {
	if t.IsZero() {
		return Time{}
	}

	_, offset := t.Zone()

	return Time{
		Year:       uint16(t.Year()),
		Month:      uint8(t.Month()),
		Day:        uint8(t.Day()),
		Hour:       uint8(t.Hour()),
		Minute:     uint8(t.Minute()),
		Second:     uint8(t.Second()),
		Nanosecond: uint32(t.Nanosecond()),
		TimeZone:   int16(offset / 60),
	}
}

// Time converts an EFI time to a Go one, an unspecified timezone is treated
// as UTC.
func (t *Time) Time() time.Time {
	loc := time.UTC

	if t.TimeZone != UnspecifiedTimezone && t.TimeZone != 0 {
		loc = time.FixedZone("", int(t.TimeZone)*60)
	}

	return time.Date(int(t.Year), time.Month(t.Month), int(t.Day), int(t.Hour), int(t.Minute), int(t.Second), int(t.Nanosecond), loc)
}
