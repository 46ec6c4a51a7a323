// Copyright (c) The go-boot authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package efi

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
)

var guidPattern = regexp.MustCompile(`^([[:xdigit:]]{8})-([[:xdigit:]]{4})-([[:xdigit:]]{4})-([[:xdigit:]]{4})-([[:xdigit:]]{12})$`)

// GUID represents an EFI GUID (Globally Unique Identifier) as a 16-byte array
// with the native EFI byte order.
//
// The registry string format (xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx) stores
// the first three fields big-endian, while the native EFI layout (as used in
// memory) keeps them little-endian.
type GUID [16]byte

// Well-known protocol and information type identifiers.
var (
	LoadedImageProtocolGUID      = MustParseGUID("5b1b31a1-9562-11d2-8e3f-00a0c969723b")
	DevicePathProtocolGUID       = MustParseGUID("09576e91-6d3f-11d2-8e39-00a0c969723b")
	SimpleFileSystemProtocolGUID = MustParseGUID("964e5b22-6459-11d2-8e39-00a0c969723b")
	BlockIOProtocolGUID          = MustParseGUID("964e5b21-6459-11d2-8e39-00a0c969723b")
	SimpleTextInputProtocolGUID  = MustParseGUID("387477c1-69c7-11d2-8e39-00a0c969723b")
	SimpleTextOutputProtocolGUID = MustParseGUID("387477c2-69c7-11d2-8e39-00a0c969723b")
	FileInfoGUID                 = MustParseGUID("09576e92-6d3f-11d2-8e39-00a0c969723b")
	FileSystemInfoGUID           = MustParseGUID("09576e93-6d3f-11d2-8e39-00a0c969723b")
	GlobalVariableGUID           = MustParseGUID("8be4df61-93ca-11d2-aa0d-00e098032b8c")

	// ImageInfoGUID identifies the private loaded image record installed
	// by the image loader on every image handle.
	ImageInfoGUID = MustParseGUID("decf2644-0bc0-4840-b599-134bee0a9e71")
)

// ParseGUID parses a GUID in registry string format into a native EFI GUID.
func ParseGUID(s string) (out GUID, err error) {
	var off int
	var buf []byte

	m := guidPattern.FindStringSubmatch(s)

	if len(m) != 6 {
		return GUID{}, fmt.Errorf("invalid GUID format: %q", s)
	}

	for i, b := range m[1:] {
		if buf, err = hex.DecodeString(b); err != nil {
			return GUID{}, err
		}

		switch i {
		case 0:
			binary.LittleEndian.PutUint32(out[off:], binary.BigEndian.Uint32(buf))
		case 1, 2:
			binary.LittleEndian.PutUint16(out[off:], binary.BigEndian.Uint16(buf))
		default:
			copy(out[off:], buf)
		}

		off += len(buf)
	}

	return out, nil
}

// MustParseGUID is like ParseGUID but panics on error. It is intended for
// package level GUID declarations.
func MustParseGUID(s string) (g GUID) {
	var err error

	if g, err = ParseGUID(s); err != nil {
		panic(err)
	}

	return
}

// String returns the registry format string representation of the GUID.
// https://uefi.org/specs/UEFI/2.10/Apx_A_GUID_and_Time_Formats.html
func (g GUID) String() string {
	return fmt.Sprintf("%08x-%04x-%04x-%x-%x",
		binary.LittleEndian.Uint32(g[0:4]),
		binary.LittleEndian.Uint16(g[4:6]),
		binary.LittleEndian.Uint16(g[6:8]),
		g[8:10],
		g[10:])
}
