// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago

package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"

	"github.com/usbarmory/go-firmware/board/x64"
	"github.com/usbarmory/go-firmware/cmd"
	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/firmware"
	"github.com/usbarmory/go-firmware/mem"
	"github.com/usbarmory/go-firmware/sfs"
	"github.com/usbarmory/go-firmware/shell"
)

var Banner string

func init() {
	log.SetFlags(0)

	Banner = fmt.Sprintf("%s/%s (%s) • UEFI firmware",
		runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func main() {
	logFile, _ := os.OpenFile("/runtime.log", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))

	m := &mem.Physical{
		Start: x64.FirmwareStart,
		End:   x64.FirmwareStart + x64.FirmwareSize,
	}

	a := mem.NewAllocator(0)

	if err := a.AddRegion(efi.EfiConventionalMemory, m.Start, x64.FirmwareSize/efi.PageSize, efi.EFI_MEMORY_WB); err != nil {
		log.Fatalf("could not initialize memory, %v", err)
	}

	conf := &firmware.Config{
		Console: x64.UART0,
		Reset: func(resetType int, _ efi.Status) {
			x64.Reset(resetType)
		},
	}

	// TODO: install native trampolines at the service entry addresses and
	// set conf.Entry, so that started images can call back into
	// firmware.Services.Invoke.
	fw, err := firmware.New(m, a, conf)

	if err != nil {
		log.Fatalf("could not initialize firmware, %v", err)
	}

	// the TamaGo in-memory root file system is served as boot volume
	device, err := fw.Mount(sfs.NewVolume(sfs.FS(os.DirFS("/")), "RAMFS"), 0)

	if err != nil {
		log.Fatalf("could not mount volume, %v", err)
	}

	iface := &shell.Interface{
		Banner:     Banner,
		ReadWriter: x64.UART0,
		VT100:      true,
	}

	cmd.Add(iface, fw, device)
	iface.Start()

	x64.Reset(firmware.EfiResetShutdown)
}
