// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package efi

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestStatusOf(t *testing.T) {
	if s := StatusOf(nil); s != EFI_SUCCESS {
		t.Fatalf("unexpected status %#x", uint64(s))
	}

	err := fmt.Errorf("could not open file, %w", EFI_NOT_FOUND)

	if s := StatusOf(err); s != EFI_NOT_FOUND {
		t.Fatalf("unexpected status %#x", uint64(s))
	}

	if s := StatusOf(errors.New("opaque")); s != EFI_DEVICE_ERROR {
		t.Fatalf("unexpected status %#x", uint64(s))
	}

	if !EFI_BUFFER_TOO_SMALL.IsError() || EFI_SUCCESS.IsError() {
		t.Fatal("unexpected error classification")
	}

	if uint64(EFI_END_OF_FILE) != 0x800000000000001f {
		t.Fatalf("unexpected encoding %#x", uint64(EFI_END_OF_FILE))
	}
}

func TestLayout(t *testing.T) {
	if FileInfoSize != 80 {
		t.Fatalf("unexpected EFI_FILE_INFO size %d", FileInfoSize)
	}

	if FileSystemInfoSize != 36 {
		t.Fatalf("unexpected EFI_FILE_SYSTEM_INFO size %d", FileSystemInfoSize)
	}

	if MemoryDescriptorSize != 48 {
		t.Fatalf("unexpected memory descriptor size %d", MemoryDescriptorSize)
	}

	if n := Sizeof(&SystemTable{}); n != 0x78 {
		t.Fatalf("unexpected system table size %#x", n)
	}
}

func TestUTF16(t *testing.T) {
	s := `\EFI\BOOT\BOOTX64.EFI`
	buf := EncodeUTF16(s)

	if len(buf) != (len(s)+1)*2 {
		t.Fatalf("unexpected length %d", len(buf))
	}

	if DecodeUTF16(buf) != s {
		t.Fatalf("unexpected decoding %q", DecodeUTF16(buf))
	}

	if LenUTF16("€") != 1 {
		t.Fatal("unexpected UCS-2 length")
	}
}

func TestDevicePath(t *testing.T) {
	buf := EncodeDevicePath(PCINode(0, 1), FilePathNode("/EFI/BOOT/BOOTX64.EFI"))

	nodes, size, err := ParseDevicePath(append(buf, 0xaa, 0xbb))

	if err != nil {
		t.Fatal(err)
	}

	if size != len(buf) || len(nodes) != 2 {
		t.Fatalf("unexpected parsing, size:%d nodes:%d", size, len(nodes))
	}

	if p := DecodeUTF16(nodes[1].Data); p != `\EFI\BOOT\BOOTX64.EFI` {
		t.Fatalf("unexpected file path %q", p)
	}
}

func TestNewTime(t *testing.T) {
	tm := NewTime(time.Date(2024, 2, 29, 13, 14, 15, 16, time.UTC))

	if tm.Year != 2024 || tm.Month != 2 || tm.Day != 29 || tm.Hour != 13 || tm.Nanosecond != 16 {
		t.Fatalf("unexpected conversion %+v", tm)
	}
}

func TestTimeConversion(t *testing.T) {
	now := time.Date(2024, 2, 29, 13, 14, 15, 16, time.FixedZone("", 3600))
	tm := NewTime(now)

	if tm.TimeZone != 60 {
		t.Fatalf("unexpected timezone %d", tm.TimeZone)
	}

	if !tm.Time().Equal(now) {
		t.Fatalf("unexpected conversion %v", tm.Time())
	}
}

func TestPages(t *testing.T) {
	for size, pages := range map[uint64]uint64{
		0:                  0,
		1:                  1,
		PageSize:           1,
		PageSize + 1:       2,
		^uint64(0):         1 << 52,
		^uint64(0) - 100:   1 << 52,
		^uint64(0) - 0xfff: 1<<52 - 1,
	} {
		if n := Pages(size); n != pages {
			t.Fatalf("unexpected page count %#x for %#x (expected %#x)", n, size, pages)
		}
	}
}
