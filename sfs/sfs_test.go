// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sfs

import (
	"bytes"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/usbarmory/go-firmware/efi"
)

var testKernel = bytes.Repeat([]byte("0123456789abcdef"), 100)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"EFI/BOOT/BOOTX64.EFI":     {Data: []byte("MZ loader")},
		"loader/entries/arch.conf": {Data: []byte("title Arch\nlinux /vmlinuz\n")},
		"vmlinuz":                  {Data: testKernel},
		"README":                   {Data: []byte("read me"), Mode: 0444},
	}
}

func testVolume(t *testing.T) (*Volume, *File) {
	v := NewVolume(FS(testFS()), "ESP")

	root, err := v.OpenVolume()

	if err != nil {
		t.Fatal(err)
	}

	return v, root
}

func TestReadDirectory(t *testing.T) {
	_, root := testVolume(t)

	dir, err := root.Open(`\EFI`)

	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 512)

	size, err := dir.Read(buf)

	if err != nil {
		t.Fatal(err)
	}

	e, err := DecodeFileInfo(buf[:size])

	if err != nil {
		t.Fatal(err)
	}

	if e.Name() != "BOOT" || e.Type != Directory || e.Size != DirectorySize {
		t.Fatalf("unexpected entry %+v", e)
	}

	// exhausted directories keep returning the empty record
	for range 2 {
		buf[0] = 0xff

		if size, err = dir.Read(buf); err != nil || size != 0 {
			t.Fatalf("unexpected end of directory, size:%d err:%v", size, err)
		}

		if buf[0] != 0 {
			t.Fatal("empty record not written")
		}
	}
}

func TestReadRootDirectory(t *testing.T) {
	var names []string

	_, root := testVolume(t)
	buf := make([]byte, 512)

	for range 6 {
		size, err := root.Read(buf)

		if err != nil {
			t.Fatal(err)
		}

		if size == 0 {
			names = append(names, "")
			continue
		}

		e, err := DecodeFileInfo(buf[:size])

		if err != nil {
			t.Fatal(err)
		}

		names = append(names, e.Name())
	}

	expected := []string{"EFI", "README", "loader", "vmlinuz", "", ""}

	for i := range expected {
		if names[i] != expected[i] {
			t.Fatalf("unexpected enumeration %q", names)
		}
	}
}

func TestFileInfoNegotiation(t *testing.T) {
	_, root := testVolume(t)

	f, err := root.Open(`loader\entries\arch.conf`)

	if err != nil {
		t.Fatal(err)
	}

	required := efi.FileInfoSize + (len("arch.conf")+1)*2

	size, err := f.GetInfo(efi.FileInfoGUID, nil)

	if !errors.Is(err, efi.EFI_BUFFER_TOO_SMALL) || size != required {
		t.Fatalf("unexpected negotiation, size:%d err:%v", size, err)
	}

	buf := make([]byte, required-1)

	if size, err = f.GetInfo(efi.FileInfoGUID, buf); !errors.Is(err, efi.EFI_BUFFER_TOO_SMALL) || size != required {
		t.Fatalf("unexpected negotiation, size:%d err:%v", size, err)
	}

	if !bytes.Equal(buf, make([]byte, required-1)) {
		t.Fatal("partial record written")
	}

	buf = make([]byte, required)

	if size, err = f.GetInfo(efi.FileInfoGUID, buf); err != nil || size != required {
		t.Fatalf("unexpected result, size:%d err:%v", size, err)
	}

	e, err := DecodeFileInfo(buf)

	if err != nil {
		t.Fatal(err)
	}

	if e.Name() != "arch.conf" || e.Size != 26 || e.Type != Regular {
		t.Fatalf("unexpected entry %+v", e)
	}

	if _, err = f.GetInfo(efi.GlobalVariableGUID, buf); !errors.Is(err, efi.EFI_UNSUPPORTED) {
		t.Fatalf("expected EFI_UNSUPPORTED, got %v", err)
	}
}

func TestReadDirectoryTooSmall(t *testing.T) {
	_, root := testVolume(t)

	dir, err := root.Open(`\EFI\BOOT`)

	if err != nil {
		t.Fatal(err)
	}

	size, err := dir.Read(make([]byte, 8))

	if !errors.Is(err, efi.EFI_BUFFER_TOO_SMALL) || size != efi.FileInfoSize+(len("BOOTX64.EFI")+1)*2 {
		t.Fatalf("unexpected negotiation, size:%d err:%v", size, err)
	}

	// the entry has been consumed by the failed read
	if size, err = dir.Read(make([]byte, 512)); err != nil || size != 0 {
		t.Fatalf("expected end of directory, size:%d err:%v", size, err)
	}
}

func TestReadFile(t *testing.T) {
	_, root := testVolume(t)

	f, err := root.Open(`\vmlinuz`)

	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1000)

	if n, err := f.Read(buf); err != nil || n != 1000 || !bytes.Equal(buf, testKernel[:1000]) {
		t.Fatalf("unexpected read, n:%d err:%v", n, err)
	}

	buf = make([]byte, 4096)

	if n, err := f.Read(buf); err != nil || n != len(testKernel)-1000 || !bytes.Equal(buf[:n], testKernel[1000:]) {
		t.Fatalf("unexpected read, n:%d err:%v", n, err)
	}

	if n, err := f.Read(buf); !errors.Is(err, efi.EFI_END_OF_FILE) || n != 0 {
		t.Fatalf("expected EFI_END_OF_FILE, n:%d err:%v", n, err)
	}
}

func TestOpen(t *testing.T) {
	_, root := testVolume(t)

	if _, err := root.Open(".."); !errors.Is(err, efi.EFI_INVALID_PARAMETER) {
		t.Fatalf("expected EFI_INVALID_PARAMETER, got %v", err)
	}

	if _, err := root.Open(`\EFI\BOOT\GRUBX64.EFI`); !errors.Is(err, efi.EFI_NOT_FOUND) {
		t.Fatalf("expected EFI_NOT_FOUND, got %v", err)
	}

	boot, err := root.Open(`\efi\boot`)

	if err != nil {
		t.Fatal(err)
	}

	parent, err := boot.Open("..")

	if err != nil {
		t.Fatal(err)
	}

	if e := parent.Entry(); e.Name() != "EFI" || e.Type != Directory {
		t.Fatalf("unexpected parent %+v", e)
	}

	f, err := boot.Open("bootx64.efi")

	if err != nil {
		t.Fatal(err)
	}

	if e := f.Entry(); e.ShortName != "BOOTX64.EFI" || e.LongName != "" {
		t.Fatalf("unexpected entry %+v", e)
	}

	if err = f.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err = f.Read(make([]byte, 8)); !errors.Is(err, efi.EFI_INVALID_PARAMETER) {
		t.Fatalf("expected EFI_INVALID_PARAMETER after close, got %v", err)
	}
}

func TestUnsupported(t *testing.T) {
	_, root := testVolume(t)

	if _, err := root.GetPosition(); !errors.Is(err, efi.EFI_UNSUPPORTED) {
		t.Fatalf("expected EFI_UNSUPPORTED, got %v", err)
	}

	if err := root.SetPosition(42); err != nil {
		t.Fatal(err)
	}

	if _, err := root.Write([]byte{0}); !errors.Is(err, efi.EFI_UNSUPPORTED) {
		t.Fatalf("expected EFI_UNSUPPORTED, got %v", err)
	}

	if err := root.Delete(); !errors.Is(err, efi.EFI_UNSUPPORTED) {
		t.Fatalf("expected EFI_UNSUPPORTED, got %v", err)
	}
}

func TestFileSystemInfo(t *testing.T) {
	v, root := testVolume(t)
	v.Size = 64 << 20

	buf := make([]byte, 128)

	size, err := root.GetInfo(efi.FileSystemInfoGUID, buf)

	if err != nil {
		t.Fatal(err)
	}

	if size != efi.FileSystemInfoSize+len("ESP\x00")*2 {
		t.Fatalf("unexpected size %d", size)
	}

	info := &efi.FileSystemInfo{}
	efi.Unmarshal(buf, info)

	if info.ReadOnly != 1 || info.VolumeSize != 64<<20 || info.BlockSize != ChunkSize {
		t.Fatalf("unexpected information %+v", info)
	}

	if label := efi.DecodeUTF16(buf[efi.FileSystemInfoSize:size]); label != "ESP" {
		t.Fatalf("unexpected label %q", label)
	}
}

// shortFS exposes a single entry with only its 8.3 name
type shortFS struct{}

type shortNode struct {
	entry Entry
	done  bool
}

func (n *shortNode) Entry() Entry               { return n.entry }
func (n *shortNode) Parent() (Node, error)      { return nil, ErrNoParent }
func (n *shortNode) Read(p []byte) (int, error) { return 0, errors.New("media failure") }

func (n *shortNode) Next() (e Entry, err error) {
	if n.done {
		return e, errors.New("media failure")
	}

	n.done = true

	return Entry{ShortName: "KERNEL.IMG", Size: 10}, nil
}

func (shortFS) Root() (Node, error) {
	return &shortNode{entry: Entry{Type: Directory}}, nil
}

func (shortFS) Open(_ Node, name string) (Node, error) {
	if name == "missing" {
		return nil, fs.ErrNotExist
	}

	if name == "broken" {
		return nil, errors.New("media failure")
	}

	return &shortNode{entry: Entry{ShortName: "KERNEL.IMG", Size: 10}}, nil
}

func TestShortNameAndErrors(t *testing.T) {
	root, err := NewVolume(shortFS{}, "").OpenVolume()

	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 512)
	size, err := root.Read(buf)

	if err != nil {
		t.Fatal(err)
	}

	if e, _ := DecodeFileInfo(buf[:size]); e.Name() != "KERNEL.IMG" {
		t.Fatalf("short name not widened, %+v", e)
	}

	if _, err = root.Read(buf); !errors.Is(err, efi.EFI_DEVICE_ERROR) {
		t.Fatalf("expected EFI_DEVICE_ERROR, got %v", err)
	}

	if _, err = root.Open("missing"); !errors.Is(err, efi.EFI_NOT_FOUND) {
		t.Fatalf("expected EFI_NOT_FOUND, got %v", err)
	}

	if _, err = root.Open("broken"); !errors.Is(err, efi.EFI_DEVICE_ERROR) {
		t.Fatalf("expected EFI_DEVICE_ERROR, got %v", err)
	}

	f, _ := root.Open("kernel.img")

	if _, err = f.Read(buf); !errors.Is(err, efi.EFI_DEVICE_ERROR) {
		t.Fatalf("expected EFI_DEVICE_ERROR, got %v", err)
	}
}

func TestShortName(t *testing.T) {
	for name, short := range map[string]string{
		"BOOTX64.EFI":         "BOOTX64.EFI",
		"arch.conf":           "ARCH.CON",
		"initramfs-linux.img": "INITRA~1.IMG",
		"vmlinuz":             "VMLINUZ",
		".hidden":             "HIDDEN",
	} {
		if s := ShortName(name); s != short {
			t.Fatalf("unexpected short name for %q: %q", name, s)
		}
	}
}

func TestShortNameTails(t *testing.T) {
	fsys := FS(fstest.MapFS{
		"initramfs-linux-fallback.img": {Data: []byte("fallback")},
		"initramfs-linux.img":          {Data: []byte("initrd")},
	})

	root, err := fsys.Root()

	if err != nil {
		t.Fatal(err)
	}

	var names []string

	for {
		e, err := root.Next()

		if err != nil {
			break
		}

		names = append(names, e.ShortName)
	}

	if len(names) != 2 || names[0] != "INITRA~1.IMG" || names[1] != "INITRA~2.IMG" {
		t.Fatalf("unexpected short names %v", names)
	}

	for short, long := range map[string]string{
		"INITRA~1.IMG": "initramfs-linux-fallback.img",
		"initra~2.img": "initramfs-linux.img",
	} {
		n, err := fsys.Open(root, short)

		if err != nil {
			t.Fatal(err)
		}

		if e := n.Entry(); e.LongName != long || !strings.EqualFold(e.ShortName, short) {
			t.Fatalf("%s resolved to %+v", short, e)
		}
	}
}

func TestVolumeFS(t *testing.T) {
	v, _ := testVolume(t)
	fsys := v.FS()

	buf, err := fs.ReadFile(fsys, "vmlinuz")

	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(buf, testKernel) {
		t.Fatal("unexpected file contents")
	}

	if buf, err = fs.ReadFile(fsys, `\loader\entries\arch.conf`); err != nil || !bytes.HasPrefix(buf, []byte("title")) {
		t.Fatalf("unexpected file contents %q, %v", buf, err)
	}

	entries, err := fs.ReadDir(fsys, "EFI/BOOT")

	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 1 || entries[0].Name() != "BOOTX64.EFI" || entries[0].IsDir() {
		t.Fatalf("unexpected entries %v", entries)
	}

	fi, err := fs.Stat(fsys, "README")

	if err != nil {
		t.Fatal(err)
	}

	if fi.Size() != 7 || fi.Mode().Perm() != 0444 {
		t.Fatalf("unexpected file information %v %v", fi.Size(), fi.Mode())
	}

	if _, err = fs.Stat(fsys, "missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}
