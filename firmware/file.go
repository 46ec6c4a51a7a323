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
	"github.com/usbarmory/go-firmware/protocol"
	"github.com/usbarmory/go-firmware/sfs"
)

// EFI_FILE_PROTOCOL size
const fileProtocolSize = 0x80

// EFI_SIMPLE_FILE_SYSTEM_PROTOCOL size
const simpleFileSystemSize = 0x10

type fileObject struct {
	file *sfs.File
}

type volumeObject struct {
	volume *sfs.Volume
	handle protocol.Handle
}

func (s *Services) initProtocols() (err error) {
	defs := []serviceDef{
		{"File.Open", 5, s.fileOpen},
		{"File.Close", 1, s.fileClose},
		{"File.Delete", 1, s.fileDelete},
		{"File.Read", 3, s.fileRead},
		{"File.Write", 3, s.fileWrite},
		{"File.GetPosition", 2, s.fileGetPosition},
		{"File.SetPosition", 2, s.fileSetPosition},
		{"File.GetInfo", 4, s.fileGetInfo},
		{"File.SetInfo", 4, s.fileSetInfo},
		{"File.Flush", 1, s.fileFlush},
		{"File.OpenEx", 6, nil},
		{"File.ReadEx", 2, nil},
		{"File.WriteEx", 2, nil},
		{"File.FlushEx", 2, nil},
	}

	for _, def := range defs {
		fn, err := s.entry(def.name, false, def.nargs, def.fn)

		if err != nil {
			return err
		}

		s.fileEntries = append(s.fileEntries, fn)
	}

	if s.openVolume, err = s.entry("SimpleFileSystem.OpenVolume", false, 2, s.sfsOpenVolume); err != nil {
		return
	}

	return s.initBlockIO()
}

// Mount installs an EFI Simple File System protocol instance for the
// argument volume on the argument device handle, a new handle is created
// when the device handle is null.
func (s *Services) Mount(v *sfs.Volume, device protocol.Handle) (h protocol.Handle, err error) {
	addr, err := s.Allocator.AllocatePool(efi.EfiBootServicesData, simpleFileSystemSize)

	if err != nil {
		return
	}

	defer func() {
		if err != nil {
			s.Allocator.Free(addr)
		}
	}()

	var buf []byte

	buf = appendUint64(buf, efi.SimpleFileSystemRevision)
	buf = appendUint64(buf, s.openVolume)

	if err = mem.Write(s.Memory, addr, buf); err != nil {
		return
	}

	records := []protocol.Record{
		{GUID: efi.SimpleFileSystemProtocolGUID, Interface: addr},
	}

	if device == 0 {
		path, err := s.devicePath(efi.EncodeDevicePath())

		if err != nil {
			return 0, err
		}

		records = append(records, protocol.Record{GUID: efi.DevicePathProtocolGUID, Interface: path})
	}

	if h, err = s.Database.InstallMultiple(device, records); err != nil {
		return
	}

	s.Lock()
	s.volumes[addr] = &volumeObject{volume: v, handle: h}
	s.Unlock()

	log.Printf("firmware: mounted volume %q on handle %#x", v.Label, uint64(h))

	return
}

// Volume returns the volume mounted on the argument handle.
func (s *Services) Volume(h protocol.Handle) (*sfs.Volume, error) {
	addr, err := s.Database.Lookup(h, efi.SimpleFileSystemProtocolGUID)

	if err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()

	obj, ok := s.volumes[addr]

	if !ok {
		return nil, fmt.Errorf("foreign file system instance, %w", efi.EFI_UNSUPPORTED)
	}

	return obj.volume, nil
}

// devicePath stores an encoded device path in pool memory.
func (s *Services) devicePath(path []byte) (addr uint64, err error) {
	if addr, err = s.Allocator.AllocatePool(efi.EfiBootServicesData, uint64(len(path))); err != nil {
		return
	}

	if err = mem.Write(s.Memory, addr, path); err != nil {
		s.Allocator.Free(addr)
	}

	return
}

// newFile allocates an EFI_FILE_PROTOCOL instance for the argument file.
func (s *Services) newFile(f *sfs.File) (addr uint64, err error) {
	if addr, err = s.Allocator.AllocatePool(efi.EfiBootServicesData, fileProtocolSize); err != nil {
		f.Close()
		return
	}

	var buf []byte

	buf = appendUint64(buf, efi.FileProtocolRevision2)

	for _, fn := range s.fileEntries {
		buf = appendUint64(buf, fn)
	}

	if err = mem.Write(s.Memory, addr, buf); err != nil {
		s.Allocator.Free(addr)
		f.Close()
		return
	}

	s.Lock()
	s.files[addr] = &fileObject{file: f}
	s.Unlock()

	return
}

func (s *Services) file(this uint64) (*sfs.File, error) {
	s.Lock()
	defer s.Unlock()

	obj, ok := s.files[this]

	if !ok {
		return nil, fmt.Errorf("invalid file instance %#x, %w", this, efi.EFI_INVALID_PARAMETER)
	}

	return obj.file, nil
}

// OpenFiles returns the number of open EFI_FILE_PROTOCOL instances.
func (s *Services) OpenFiles() int {
	s.Lock()
	defer s.Unlock()

	return len(s.files)
}

// sfsOpenVolume implements EFI_SIMPLE_FILE_SYSTEM_PROTOCOL.OpenVolume(*This,
// **Root).
func (s *Services) sfsOpenVolume(args []uint64) efi.Status {
	this, root := args[0], args[1]

	if root == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	s.Lock()
	obj, ok := s.volumes[this]
	s.Unlock()

	if !ok {
		return efi.EFI_INVALID_PARAMETER
	}

	f, err := obj.volume.OpenVolume()

	if err != nil {
		return s.status(err)
	}

	addr, err := s.newFile(f)

	if err != nil {
		return s.status(err)
	}

	return s.status(s.write64(root, addr))
}

// fileOpen implements EFI_FILE_PROTOCOL.Open(*This, **NewHandle, *FileName,
// OpenMode, Attributes).
func (s *Services) fileOpen(args []uint64) efi.Status {
	this, newHandle, name := args[0], args[1], args[2]

	f, err := s.file(this)

	if err != nil {
		return s.status(err)
	}

	if newHandle == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	path, err := mem.ReadString(s.Memory, name, maxString)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	nf, err := f.Open(path)

	if err != nil {
		return s.status(err)
	}

	addr, err := s.newFile(nf)

	if err != nil {
		return s.status(err)
	}

	return s.status(s.write64(newHandle, addr))
}

// fileClose implements EFI_FILE_PROTOCOL.Close(*This), releasing the
// protocol instance.
func (s *Services) fileClose(args []uint64) efi.Status {
	this := args[0]

	s.Lock()
	obj, ok := s.files[this]
	delete(s.files, this)
	s.Unlock()

	if !ok {
		return efi.EFI_INVALID_PARAMETER
	}

	obj.file.Close()
	s.Allocator.Free(this)

	return efi.EFI_SUCCESS
}

func (s *Services) fileDelete(args []uint64) efi.Status {
	f, err := s.file(args[0])

	if err != nil {
		return s.status(err)
	}

	return s.status(f.Delete())
}

// fileRead implements EFI_FILE_PROTOCOL.Read(*This, *BufferSize, *Buffer).
func (s *Services) fileRead(args []uint64) efi.Status {
	this, bufferSize, buffer := args[0], args[1], args[2]

	f, err := s.file(this)

	if err != nil {
		return s.status(err)
	}

	if bufferSize == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	size, err := s.read64(bufferSize)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	buf, err := s.slice(buffer, size)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	n, err := f.Read(buf)

	// only a too small buffer reports a size on error
	if err != nil && efi.StatusOf(err) != efi.EFI_BUFFER_TOO_SMALL {
		n = 0
	}

	if werr := s.write64(bufferSize, uint64(n)); werr != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.status(err)
}

func (s *Services) fileWrite(args []uint64) efi.Status {
	f, err := s.file(args[0])

	if err != nil {
		return s.status(err)
	}

	_, err = f.Write(nil)

	return s.status(err)
}

func (s *Services) fileGetPosition(args []uint64) efi.Status {
	f, err := s.file(args[0])

	if err != nil {
		return s.status(err)
	}

	_, err = f.GetPosition()

	return s.status(err)
}

func (s *Services) fileSetPosition(args []uint64) efi.Status {
	f, err := s.file(args[0])

	if err != nil {
		return s.status(err)
	}

	return s.status(f.SetPosition(args[1]))
}

// fileGetInfo implements EFI_FILE_PROTOCOL.GetInfo(*This, *InformationType,
// *BufferSize, *Buffer).
func (s *Services) fileGetInfo(args []uint64) efi.Status {
	this, infoType, bufferSize, buffer := args[0], args[1], args[2], args[3]

	f, err := s.file(this)

	if err != nil {
		return s.status(err)
	}

	if infoType == 0 || bufferSize == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	g, err := s.guid(infoType)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	size, err := s.read64(bufferSize)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	buf, err := s.slice(buffer, size)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	n, err := f.GetInfo(g, buf)

	if efi.StatusOf(err) == efi.EFI_UNSUPPORTED {
		return efi.EFI_UNSUPPORTED
	}

	if werr := s.write64(bufferSize, uint64(n)); werr != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.status(err)
}

func (s *Services) fileSetInfo(args []uint64) efi.Status {
	f, err := s.file(args[0])

	if err != nil {
		return s.status(err)
	}

	return s.status(f.SetInfo(efi.GUID{}, nil))
}

func (s *Services) fileFlush(args []uint64) efi.Status {
	f, err := s.file(args[0])

	if err != nil {
		return s.status(err)
	}

	return s.status(f.Flush())
}
