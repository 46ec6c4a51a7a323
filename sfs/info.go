// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sfs

import (
	"errors"

	"github.com/usbarmory/go-firmware/efi"
)

// fileInfo serializes a directory entry as EFI_FILE_INFO, timestamps are
// left zero.
func fileInfo(e *Entry) []byte {
	name := efi.EncodeUTF16(e.Name())

	info := &efi.FileInfo{
		Size:         uint64(efi.FileInfoSize + len(name)),
		FileSize:     e.Size,
		PhysicalSize: e.Size,
		Attribute:    uint64(e.Attribute),
	}

	if e.Type == Directory {
		info.FileSize = DirectorySize
		info.PhysicalSize = DirectorySize
		info.Attribute |= efi.EFI_FILE_DIRECTORY
	}

	buf, _ := efi.Marshal(info)

	return append(buf, name...)
}

// info serializes the volume as EFI_FILE_SYSTEM_INFO.
func (v *Volume) info() []byte {
	label := efi.EncodeUTF16(v.Label)

	info := &efi.FileSystemInfo{
		Size:       uint64(efi.FileSystemInfoSize + len(label)),
		ReadOnly:   1,
		VolumeSize: v.Size,
		BlockSize:  v.BlockSize,
	}

	buf, _ := efi.Marshal(info)

	return append(buf, label...)
}

// DecodeFileInfo parses an EFI_FILE_INFO record.
func DecodeFileInfo(buf []byte) (e Entry, err error) {
	info := &efi.FileInfo{}

	if len(buf) < efi.FileInfoSize {
		return e, errors.New("invalid file information record")
	}

	if err = efi.Unmarshal(buf, info); err != nil {
		return
	}

	if info.Size < uint64(efi.FileInfoSize) || info.Size > uint64(len(buf)) {
		return e, errors.New("invalid file information size")
	}

	e.Size = info.FileSize
	e.Attribute = uint8(info.Attribute)
	e.LongName = efi.DecodeUTF16(buf[efi.FileInfoSize:info.Size])

	if info.Attribute&efi.EFI_FILE_DIRECTORY != 0 {
		e.Type = Directory
	}

	return
}
