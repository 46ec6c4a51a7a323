// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package firmware

import (
	"bytes"
	"errors"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/mem"
	"github.com/usbarmory/go-firmware/protocol"
	"github.com/usbarmory/go-firmware/sfs"
)

// EFI_FILE_PROTOCOL offsets
const (
	fileOpen        = 0x08
	fileClose       = 0x10
	fileDelete      = 0x18
	fileRead        = 0x20
	fileWrite       = 0x28
	fileGetPosition = 0x30
	fileSetPosition = 0x38
	fileGetInfo     = 0x40
	fileOpenEx      = 0x58
)

var testEntry = []byte("title Arch\nlinux /vmlinuz\n")

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"EFI/BOOT/BOOTX64.EFI":     {Data: bytes.Repeat([]byte{0xcc}, 3000)},
		"loader/entries/arch.conf": {Data: testEntry},
	}
}

// faultyFS fails every regular file read past the first one.
type faultyFS struct {
	fstest.MapFS
}

type faultyFile struct {
	fs.File
	read bool
}

func (f *faultyFile) Read(p []byte) (int, error) {
	if f.read {
		return 0, errors.New("media error")
	}

	f.read = true

	return f.File.Read(p)
}

func (fsys faultyFS) Open(name string) (fs.File, error) {
	f, err := fsys.MapFS.Open(name)

	if err != nil {
		return nil, err
	}

	if fi, err := f.Stat(); err == nil && fi.IsDir() {
		return f, nil
	}

	return &faultyFile{File: f}, nil
}

func testMount(t *testing.T, s *Services) (protocol.Handle, uint64) {
	return mountFS(t, s, testFS())
}

func mountFS(t *testing.T, s *Services, fsys fs.FS) (protocol.Handle, uint64) {
	h, err := s.Mount(sfs.NewVolume(sfs.FS(fsys), "ESP"), 0)

	if err != nil {
		t.Fatal(err)
	}

	iface := scratch(t, s, 8)

	checkStatus(t, "HandleProtocol", callBoot(s, handleProtocol, uint64(h), putGUID(t, s, efi.SimpleFileSystemProtocolGUID), iface), efi.EFI_SUCCESS)

	return h, get64(t, s, iface)
}

// openFile opens a file relative to the argument EFI_FILE_PROTOCOL
// instance.
func openFile(t *testing.T, s *Services, dir uint64, path string) (uint64, efi.Status) {
	f := scratch(t, s, 8)
	status := s.Call(dir+fileOpen, dir, f, putString(t, s, path), efi.EFI_FILE_MODE_READ, 0)

	return get64(t, s, f), status
}

func TestFileProtocol(t *testing.T) {
	s := testServices(t, nil)
	_, fsys := testMount(t, s)

	root := scratch(t, s, 8)

	// EFI_SIMPLE_FILE_SYSTEM_PROTOCOL.OpenVolume
	checkStatus(t, "OpenVolume", s.Call(fsys+8, fsys, root), efi.EFI_SUCCESS)
	checkStatus(t, "OpenVolume", s.Call(fsys+8, fsys+1, root), efi.EFI_INVALID_PARAMETER)

	dir := get64(t, s, root)

	if rev := get64(t, s, dir); rev != efi.FileProtocolRevision2 {
		t.Fatalf("unexpected revision %#x", rev)
	}

	_, status := openFile(t, s, dir, `\missing`)
	checkStatus(t, "Open", status, efi.EFI_NOT_FOUND)

	f, status := openFile(t, s, dir, `\loader\entries\arch.conf`)
	checkStatus(t, "Open", status, efi.EFI_SUCCESS)

	size := scratch(t, s, 8)
	infoType := putGUID(t, s, efi.FileInfoGUID)

	checkStatus(t, "GetInfo", s.Call(f+fileGetInfo, f, infoType, size, 0), efi.EFI_BUFFER_TOO_SMALL)

	required := get64(t, s, size)
	buf := scratch(t, s, int(required))

	checkStatus(t, "GetInfo", s.Call(f+fileGetInfo, f, infoType, size, buf), efi.EFI_SUCCESS)

	info, _ := mem.Read(s.Memory, buf, int(required))
	e, err := sfs.DecodeFileInfo(info)

	if err != nil {
		t.Fatal(err)
	}

	if e.Name() != "arch.conf" || e.Size != uint64(len(testEntry)) {
		t.Fatalf("unexpected file information %+v", e)
	}

	checkStatus(t, "GetInfo", s.Call(f+fileGetInfo, f, putGUID(t, s, efi.GlobalVariableGUID), size, buf), efi.EFI_UNSUPPORTED)

	data := scratch(t, s, 100)
	set64(t, s, size, 100)

	checkStatus(t, "Read", s.Call(f+fileRead, f, size, data), efi.EFI_SUCCESS)

	if n := get64(t, s, size); n != uint64(len(testEntry)) {
		t.Fatalf("unexpected read size %d", n)
	}

	if res, _ := mem.Read(s.Memory, data, len(testEntry)); !bytes.Equal(res, testEntry) {
		t.Fatalf("unexpected file contents %q", res)
	}

	set64(t, s, size, 100)
	checkStatus(t, "Read", s.Call(f+fileRead, f, size, data), efi.EFI_END_OF_FILE)

	if n := get64(t, s, size); n != 0 {
		t.Fatalf("unexpected size %d at end of file", n)
	}

	checkStatus(t, "Write", s.Call(f+fileWrite, f, size, data), efi.EFI_UNSUPPORTED)
	checkStatus(t, "Delete", s.Call(f+fileDelete, f), efi.EFI_UNSUPPORTED)
	checkStatus(t, "GetPosition", s.Call(f+fileGetPosition, f, size), efi.EFI_UNSUPPORTED)
	checkStatus(t, "SetPosition", s.Call(f+fileSetPosition, f, 0), efi.EFI_SUCCESS)
	checkStatus(t, "OpenEx", s.Call(f+fileOpenEx, f), efi.EFI_UNSUPPORTED)

	if s.OpenFiles() != 2 {
		t.Fatalf("unexpected open files %d", s.OpenFiles())
	}

	checkStatus(t, "Close", s.Call(f+fileClose, f), efi.EFI_SUCCESS)
	checkStatus(t, "Close", s.Call(dir+fileClose, dir), efi.EFI_SUCCESS)
	checkStatus(t, "Read", s.Call(dir+fileRead, dir, size, data), efi.EFI_INVALID_PARAMETER)

	if s.OpenFiles() != 0 {
		t.Fatalf("unexpected open files %d", s.OpenFiles())
	}
}

func TestFileProtocolReadError(t *testing.T) {
	s := testServices(t, nil)
	_, fsys := mountFS(t, s, faultyFS{testFS()})

	root := scratch(t, s, 8)
	checkStatus(t, "OpenVolume", s.Call(fsys+8, fsys, root), efi.EFI_SUCCESS)

	f, status := openFile(t, s, get64(t, s, root), `\EFI\BOOT\BOOTX64.EFI`)
	checkStatus(t, "Open", status, efi.EFI_SUCCESS)

	size := scratch(t, s, 8)
	data := scratch(t, s, 2048)
	set64(t, s, size, 2048)

	checkStatus(t, "Read", s.Call(f+fileRead, f, size, data), efi.EFI_DEVICE_ERROR)

	if n := get64(t, s, size); n != 0 {
		t.Fatalf("partial size %d reported on error", n)
	}
}

func TestFileProtocolDirectory(t *testing.T) {
	s := testServices(t, nil)
	_, fsys := testMount(t, s)

	root := scratch(t, s, 8)
	checkStatus(t, "OpenVolume", s.Call(fsys+8, fsys, root), efi.EFI_SUCCESS)

	dir, status := openFile(t, s, get64(t, s, root), `EFI\BOOT\..`)
	checkStatus(t, "Open", status, efi.EFI_SUCCESS)

	size := scratch(t, s, 8)
	buf := scratch(t, s, efi.PageSize)

	set64(t, s, size, 0)
	checkStatus(t, "Read", s.Call(dir+fileRead, dir, size, 0), efi.EFI_BUFFER_TOO_SMALL)

	if get64(t, s, size) != uint64(efi.FileInfoSize+len(efi.EncodeUTF16("BOOT"))) {
		t.Fatalf("unexpected required size %d", get64(t, s, size))
	}

	// the entry was consumed by the failed read
	set64(t, s, size, efi.PageSize)
	checkStatus(t, "Read", s.Call(dir+fileRead, dir, size, buf), efi.EFI_SUCCESS)

	if get64(t, s, size) != 0 {
		t.Fatal("directory not exhausted")
	}
}

func TestBlockIO(t *testing.T) {
	s := testServices(t, nil)

	disk := make([]byte, 8*512)

	for i := range disk {
		disk[i] = byte(i / 512)
	}

	d := &Disk{
		ReaderAt: bytes.NewReader(disk),
		Size:     int64(len(disk)),
		Partition: &Partition{
			Number: 1,
			Start:  2048,
			Size:   8,
		},
	}

	h, err := s.AddDisk(d, 3)

	if err != nil {
		t.Fatal(err)
	}

	iface := scratch(t, s, 8)

	checkStatus(t, "HandleProtocol", callBoot(s, handleProtocol, uint64(h), putGUID(t, s, efi.BlockIOProtocolGUID), iface), efi.EFI_SUCCESS)

	bio := get64(t, s, iface)
	media := &BlockIOMedia{}

	if err = mem.ReadStruct(s.Memory, get64(t, s, bio+8), media); err != nil {
		t.Fatal(err)
	}

	if media.BlockSize != 512 || media.LastBlock != 7 || !media.ReadOnly || !media.LogicalPartition {
		t.Fatalf("unexpected media %+v", media)
	}

	buf := scratch(t, s, 1024)

	// EFI_BLOCK_IO_PROTOCOL.ReadBlocks
	checkStatus(t, "ReadBlocks", s.Call(bio+0x18, bio, 0, 3, 1024, buf), efi.EFI_SUCCESS)

	if res, _ := mem.Read(s.Memory, buf, 1024); res[0] != 3 || res[1023] != 4 {
		t.Fatal("unexpected block contents")
	}

	checkStatus(t, "ReadBlocks", s.Call(bio+0x18, bio, 0, 3, 100, buf), efi.EFI_BAD_BUFFER_SIZE)
	checkStatus(t, "ReadBlocks", s.Call(bio+0x18, bio, 0, 7, 1024, buf), efi.EFI_INVALID_PARAMETER)
	checkStatus(t, "ReadBlocks", s.Call(bio+0x18, bio, 1, 0, 512, buf), efi.EFI_MEDIA_CHANGED)
	checkStatus(t, "WriteBlocks", s.Call(bio+0x20, bio, 0, 0, 512, buf), efi.EFI_WRITE_PROTECTED)

	checkStatus(t, "HandleProtocol", callBoot(s, handleProtocol, uint64(h), putGUID(t, s, efi.DevicePathProtocolGUID), iface), efi.EFI_SUCCESS)

	nodes, err := s.readDevicePath(get64(t, s, iface))

	if err != nil {
		t.Fatal(err)
	}

	if len(nodes) != 2 || nodes[0].Type != efi.HardwareDevicePath || nodes[0].Data[1] != 3 || nodes[1].SubType != efi.HardDriveDevicePath {
		t.Fatalf("unexpected device path %+v", nodes)
	}

	// file system on the same device handle
	if res, err := s.Mount(sfs.NewVolume(sfs.FS(testFS()), "ESP"), h); err != nil || res != h {
		t.Fatalf("unexpected mount result %#x, %v", uint64(res), err)
	}

	if _, err = s.Volume(h); err != nil {
		t.Fatal(err)
	}
}
