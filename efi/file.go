// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package efi

// EFI_FILE_PROTOCOL revisions
const (
	FileProtocolRevision  = 0x00010000
	FileProtocolRevision2 = 0x00020000
)

// EFI_SIMPLE_FILE_SYSTEM_PROTOCOL revision
const SimpleFileSystemRevision = 0x00010000

// EFI_FILE_PROTOCOL.Open() modes
const (
	EFI_FILE_MODE_READ   = 0x0000000000000001
	EFI_FILE_MODE_WRITE  = 0x0000000000000002
	EFI_FILE_MODE_CREATE = 0x8000000000000000
)

// EFI_FILE_INFO attributes
const (
	EFI_FILE_READ_ONLY  = 0x0000000000000001
	EFI_FILE_HIDDEN     = 0x0000000000000002
	EFI_FILE_SYSTEM     = 0x0000000000000004
	EFI_FILE_RESERVED   = 0x0000000000000008
	EFI_FILE_DIRECTORY  = 0x0000000000000010
	EFI_FILE_ARCHIVE    = 0x0000000000000020
	EFI_FILE_VALID_ATTR = 0x0000000000000037
)

// FileInfo represents the fixed portion of an EFI_FILE_INFO structure, the
// NUL terminated UTF-16 file name immediately follows it.
type FileInfo struct {
	Size             uint64
	FileSize         uint64
	PhysicalSize     uint64
	CreateTime       Time
	LastAccessTime   Time
	ModificationTime Time
	Attribute        uint64
}

// FileInfoSize represents the EFI_FILE_INFO size without its file name.
var FileInfoSize = Sizeof(&FileInfo{})

// FileSystemInfo represents the fixed portion of an EFI_FILE_SYSTEM_INFO
// structure, the NUL terminated UTF-16 volume label immediately follows it.
type FileSystemInfo struct {
	Size       uint64
	ReadOnly   uint8
	_          [7]byte
	VolumeSize uint64
	FreeSpace  uint64
	BlockSize  uint32
}

// FileSystemInfoSize represents the EFI_FILE_SYSTEM_INFO size without its
// volume label.
var FileSystemInfoSize = Sizeof(&FileSystemInfo{})
