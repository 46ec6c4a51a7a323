// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sfs implements the EFI Simple File System and File Protocol
// semantics over a read-only filesystem, following the specifications at:
//
//	https://uefi.org/specs/UEFI/2.10/13_Protocols_Media_Access.html
package sfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/usbarmory/go-firmware/efi"
)

// ChunkSize represents the size of individual reads issued to the underlying
// filesystem.
const ChunkSize = 512

// DirectorySize represents the size reported for directory entries.
const DirectorySize = 4096

// ErrNoParent is returned when ascending past the root directory.
var ErrNoParent = errors.New("no parent directory")

// FileType represents a directory entry type.
type FileType int

// Directory entry types
const (
	Regular FileType = iota
	Directory
)

// Entry represents a directory entry of the underlying filesystem.
type Entry struct {
	Type FileType
	Size uint64

	// Attribute represents the entry attribute bits (EFI_FILE_*).
	Attribute uint8

	// ShortName represents the 8.3 form of the entry name.
	ShortName string
	// LongName represents the optional long form of the entry name.
	LongName string
}

// Name returns the entry long name, or its short one when missing.
func (e *Entry) Name() string {
	if e.LongName != "" {
		return e.LongName
	}

	return e.ShortName
}

// Node represents an opened entry of the underlying filesystem.
type Node interface {
	// Entry returns the node directory entry.
	Entry() Entry
	// Parent returns the parent directory node, [ErrNoParent] is returned
	// for the root directory.
	Parent() (Node, error)
	// Read reads regular file contents from the current stream position,
	// [io.EOF] is returned at end of file.
	Read(p []byte) (int, error)
	// Next returns the next directory entry, [io.EOF] is returned once all
	// entries have been returned.
	Next() (Entry, error)
}

// Filesystem represents the underlying filesystem.
type Filesystem interface {
	// Root returns the root directory node.
	Root() (Node, error)
	// Open opens a path relative to the argument directory node, errors
	// matching [fs.ErrNotExist] signal missing entries.
	Open(dir Node, path string) (Node, error)
}

// Volume represents a mounted filesystem volume.
type Volume struct {
	// Label represents the volume label.
	Label string
	// Size represents the volume size in bytes.
	Size uint64
	// BlockSize represents the volume block size in bytes.
	BlockSize uint32

	fs Filesystem
}

// NewVolume returns a volume for the argument filesystem.
func NewVolume(fsys Filesystem, label string) *Volume {
	return &Volume{
		Label:     label,
		BlockSize: ChunkSize,
		fs:        fsys,
	}
}

// OpenVolume opens the volume root directory.
func (v *Volume) OpenVolume() (*File, error) {
	root, err := v.fs.Root()

	if err != nil {
		return nil, fmt.Errorf("could not open root directory, %v, %w", err, efi.EFI_DEVICE_ERROR)
	}

	return &File{volume: v, node: root}, nil
}

// File represents an open file or directory.
type File struct {
	sync.Mutex

	volume *Volume
	node   Node
	closed bool
}

// Volume returns the volume the file belongs to.
func (f *File) Volume() *Volume {
	return f.volume
}

// Entry returns the file directory entry.
func (f *File) Entry() Entry {
	return f.node.Entry()
}

// IsDir returns whether the file is a directory.
func (f *File) IsDir() bool {
	return f.node.Entry().Type == Directory
}

// Open opens a new file relative to the receiver, which must be a
// directory.
func (f *File) Open(path string) (*File, error) {
	var node Node
	var err error

	f.Lock()
	defer f.Unlock()

	if f.closed {
		return nil, efi.EFI_INVALID_PARAMETER
	}

	if path == ".." {
		if node, err = f.node.Parent(); err != nil {
			return nil, fmt.Errorf("cannot ascend, %v, %w", err, efi.EFI_INVALID_PARAMETER)
		}

		return &File{volume: f.volume, node: node}, nil
	}

	if node, err = f.volume.fs.Open(f.node, path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s not found, %w", path, efi.EFI_NOT_FOUND)
		}

		return nil, fmt.Errorf("could not open %s, %v, %w", path, err, efi.EFI_DEVICE_ERROR)
	}

	return &File{volume: f.volume, node: node}, nil
}

// Read reads file contents, or the next directory entry record, to the
// argument buffer.
//
// For regular files the number of bytes read is returned, EFI_END_OF_FILE is
// returned only when no bytes could be read.
//
// For directories the size of the EFI_FILE_INFO record written to the
// buffer is returned, an empty record and zero size are returned once all
// entries have been read. On EFI_BUFFER_TOO_SMALL the required size is
// returned and the entry is consumed nonetheless.
func (f *File) Read(buf []byte) (int, error) {
	f.Lock()
	defer f.Unlock()

	if f.closed {
		return 0, efi.EFI_INVALID_PARAMETER
	}

	if f.node.Entry().Type == Directory {
		return f.readDir(buf)
	}

	return f.readFile(buf)
}

func (f *File) readFile(buf []byte) (n int, err error) {
	var chunk [ChunkSize]byte

	for n < len(buf) {
		c, err := f.node.Read(chunk[:min(ChunkSize, len(buf)-n)])
		n += copy(buf[n:], chunk[:c])

		switch {
		case errors.Is(err, io.EOF):
			if n == 0 {
				return 0, efi.EFI_END_OF_FILE
			}

			return n, nil
		case err != nil:
			return n, fmt.Errorf("read error, %v, %w", err, efi.EFI_DEVICE_ERROR)
		case c == 0:
			return n, nil
		}
	}

	return
}

func (f *File) readDir(buf []byte) (int, error) {
	e, err := f.node.Next()

	if errors.Is(err, io.EOF) {
		// directory exhausted: empty record with zero size and name
		clear(buf[:min(len(buf), efi.FileInfoSize+2)])
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("read error, %v, %w", err, efi.EFI_DEVICE_ERROR)
	}

	info := fileInfo(&e)

	if len(buf) < len(info) {
		return len(info), efi.EFI_BUFFER_TOO_SMALL
	}

	return copy(buf, info), nil
}

// GetInfo writes the information record identified by the argument type to
// the argument buffer, EFI_FILE_INFO and EFI_FILE_SYSTEM_INFO are supported.
// The record size is returned, on EFI_BUFFER_TOO_SMALL nothing is written.
func (f *File) GetInfo(infoType efi.GUID, buf []byte) (int, error) {
	var info []byte

	f.Lock()
	defer f.Unlock()

	if f.closed {
		return 0, efi.EFI_INVALID_PARAMETER
	}

	switch infoType {
	case efi.FileInfoGUID:
		e := f.node.Entry()
		info = fileInfo(&e)
	case efi.FileSystemInfoGUID:
		info = f.volume.info()
	default:
		return 0, fmt.Errorf("information type %s, %w", infoType, efi.EFI_UNSUPPORTED)
	}

	if len(buf) < len(info) {
		return len(info), efi.EFI_BUFFER_TOO_SMALL
	}

	return copy(buf, info), nil
}

// SetPosition is accepted but ignored, reads are sequential.
func (f *File) SetPosition(_ uint64) error {
	return nil
}

// GetPosition is not supported.
func (f *File) GetPosition() (uint64, error) {
	return 0, efi.EFI_UNSUPPORTED
}

// Write is not supported, volumes are read-only.
func (f *File) Write(_ []byte) (int, error) {
	return 0, efi.EFI_UNSUPPORTED
}

// Delete is not supported, volumes are read-only.
func (f *File) Delete() error {
	return efi.EFI_UNSUPPORTED
}

// Flush is not supported, volumes are read-only.
func (f *File) Flush() error {
	return efi.EFI_UNSUPPORTED
}

// SetInfo is not supported, volumes are read-only.
func (f *File) SetInfo(_ efi.GUID, _ []byte) error {
	return efi.EFI_UNSUPPORTED
}

// Close releases the file, it always succeeds.
func (f *File) Close() error {
	f.Lock()
	defer f.Unlock()

	f.closed = true

	if c, ok := f.node.(io.Closer); ok {
		c.Close()
	}

	return nil
}
