// Copyright (c) The go-boot authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sfs

import (
	"errors"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/usbarmory/go-firmware/efi"
)

// MaxFileName represents the maximum file name length (in UCS-2
// characters) accepted by directory listings.
const MaxFileName = 256

// FS returns an [fs.FS] view of the volume, files are accessed through the
// EFI File Protocol semantics of [File].
//
// Both slash and backslash separated paths are accepted.
func (v *Volume) FS() fs.FS {
	return &volumeFS{volume: v}
}

type volumeFS struct {
	volume *Volume
}

// Open implements the [fs.FS] interface.
func (root *volumeFS) Open(name string) (fs.File, error) {
	p := strings.ReplaceAll(name, "/", `\`)

	if p == "." || p == "" {
		p = `\`
	}

	if !strings.HasPrefix(p, `\`) {
		p = `\` + p
	}

	volume, err := root.volume.OpenVolume()

	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	defer volume.Close()

	f, err := volume.Open(p)

	if err != nil {
		if errors.Is(err, efi.EFI_NOT_FOUND) {
			err = fs.ErrNotExist
		}

		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	return &fsFile{file: f, name: name}, nil
}

// fsFile implements the [fs.File] and [fs.ReadDirFile] interfaces.
type fsFile struct {
	file *File
	name string
}

// info reads a variable size information record, negotiating its size.
func info(f *File, infoType efi.GUID) ([]byte, error) {
	size, err := f.GetInfo(infoType, nil)

	if !errors.Is(err, efi.EFI_BUFFER_TOO_SMALL) {
		return nil, err
	}

	buf := make([]byte, size)

	if _, err = f.GetInfo(infoType, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// Stat returns the file information.
func (f *fsFile) Stat() (fs.FileInfo, error) {
	buf, err := info(f.file, efi.FileInfoGUID)

	if err != nil {
		return nil, err
	}

	e, err := DecodeFileInfo(buf)

	if err != nil {
		return nil, err
	}

	if f.name == "." || f.name == "" {
		e.LongName = "."
	}

	return &FileInfo{entry: e}, nil
}

// Read reads up to len(p) bytes into p.
func (f *fsFile) Read(p []byte) (n int, err error) {
	if f.file.IsDir() {
		return 0, &fs.PathError{Op: "read", Path: f.name, Err: errors.New("is a directory")}
	}

	if len(p) == 0 {
		return 0, nil
	}

	n, err = f.file.Read(p)

	if errors.Is(err, efi.EFI_END_OF_FILE) {
		return n, io.EOF
	}

	return
}

// ReadDir reads the contents of the directory and returns a slice of up to n
// DirEntry values in directory order.
func (f *fsFile) ReadDir(n int) (entries []fs.DirEntry, err error) {
	if !f.file.IsDir() {
		return nil, &fs.PathError{Op: "readdir", Path: f.name, Err: errors.New("not a directory")}
	}

	buf := make([]byte, efi.FileInfoSize+MaxFileName*2)

	for n <= 0 || len(entries) < n {
		var e Entry

		size, err := f.file.Read(buf)

		if err != nil {
			return entries, err
		}

		if size == 0 {
			break
		}

		if e, err = DecodeFileInfo(buf[:size]); err != nil {
			return entries, err
		}

		entries = append(entries, fs.FileInfoToDirEntry(&FileInfo{entry: e}))
	}

	if n > 0 && len(entries) == 0 {
		return nil, io.EOF
	}

	return
}

// Close releases the file.
func (f *fsFile) Close() error {
	return f.file.Close()
}

// FileInfo implements the [fs.FileInfo] interface for directory entries.
type FileInfo struct {
	entry Entry
}

// Name returns the base name of the file.
func (fi *FileInfo) Name() string {
	return fi.entry.Name()
}

// Size returns the file length in bytes.
func (fi *FileInfo) Size() int64 {
	return int64(fi.entry.Size)
}

// Mode returns the file mode bits.
func (fi *FileInfo) Mode() (mode fs.FileMode) {
	mode = 0444

	if fi.entry.Attribute&efi.EFI_FILE_READ_ONLY == 0 {
		mode |= 0200
	}

	if fi.IsDir() {
		mode |= fs.ModeDir | 0111
	}

	return
}

// ModTime returns the zero time, modification times are not tracked.
func (fi *FileInfo) ModTime() time.Time {
	return time.Time{}
}

// IsDir reports whether the file is a directory.
func (fi *FileInfo) IsDir() bool {
	return fi.entry.Type == Directory
}

// Sys returns the underlying directory entry.
func (fi *FileInfo) Sys() any {
	return fi.entry
}
