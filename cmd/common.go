// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"sort"
	"strings"
	"time"

	"github.com/hako/durafmt"

	"github.com/usbarmory/tamago/dma"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/mem"
	"github.com/usbarmory/go-firmware/shell"
)

// EFI Runtime Services offsets
const (
	getTime     = 0x18
	resetSystem = 0x68
)

func (s *Session) addCommon(iface *shell.Interface) {
	iface.Add(shell.Cmd{
		Name: "build",
		Help: "build information",
		Fn:   buildInfoCmd,
	})

	iface.Add(shell.Cmd{
		Name: "info",
		Help: "firmware information",
		Fn:   s.infoCmd,
	})

	iface.Add(shell.Cmd{
		Name:    "exit, quit",
		Args:    1,
		Pattern: regexp.MustCompile(`^(exit|quit)$`),
		Help:    "close session",
		Fn:      exitCmd,
	})

	iface.Add(shell.Cmd{
		Name: "stack",
		Help: "goroutine stack trace (current)",
		Fn:   stackCmd,
	})

	iface.Add(shell.Cmd{
		Name: "stackall",
		Help: "goroutine stack trace (all)",
		Fn:   stackallCmd,
	})

	iface.Add(shell.Cmd{
		Name:    "dma",
		Args:    1,
		Pattern: regexp.MustCompile(`^dma(?:(?: )(free|used))?$`),
		Help:    "show allocation of default DMA region",
		Syntax:  "(free|used)?",
		Fn:      dmaCmd,
	})

	iface.Add(shell.Cmd{
		Name: "date",
		Help: "EFI_RUNTIME_SERVICES.GetTime()",
		Fn:   s.dateCmd,
	})

	iface.Add(shell.Cmd{
		Name: "uptime",
		Help: "show how long the firmware has been running",
		Fn:   s.uptimeCmd,
	})
}

func buildInfoCmd(_ *shell.Interface, _ []string) (string, error) {
	if bi, ok := debug.ReadBuildInfo(); ok {
		return bi.String(), nil
	}

	return "", nil
}

func (s *Session) infoCmd(_ *shell.Interface, _ []string) (string, error) {
	var buf bytes.Buffer

	fw := s.Firmware
	descs, _ := fw.Allocator.MemoryMap()

	var pages uint64

	for _, desc := range descs {
		pages += desc.NumberOfPages
	}

	fmt.Fprintf(&buf, "Runtime ......: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&buf, "Memory .......: %d pages (%d MiB)\n", pages, pages*efi.PageSize>>20)
	fmt.Fprintf(&buf, "Handles ......: %d\n", len(fw.Database.Handles()))
	fmt.Fprintf(&buf, "Services .....: %d\n", fw.Entries())
	fmt.Fprintf(&buf, "Boot Services : %v", !fw.Exited())

	return buf.String(), nil
}

func exitCmd(_ *shell.Interface, _ []string) (string, error) {
	return "logout", io.EOF
}

func stackCmd(_ *shell.Interface, _ []string) (string, error) {
	return string(debug.Stack()), nil
}

func stackallCmd(_ *shell.Interface, _ []string) (string, error) {
	buf := new(bytes.Buffer)
	pprof.Lookup("goroutine").WriteTo(buf, 1)

	return buf.String(), nil
}

func dmaCmd(_ *shell.Interface, arg []string) (string, error) {
	var res []string

	if dma.Default() == nil {
		return "no default DMA region is present", nil
	}

	dump := func(blocks map[uint]uint, tag string) string {
		var r []string
		var t uint

		for addr, n := range blocks {
			t += n
			r = append(r, fmt.Sprintf("%#08x-%#08x %10d", addr, addr+n, n))
		}

		sort.Strings(r)
		r = append(r, fmt.Sprintf("%21s %10d bytes %s", "", t, tag))

		return strings.Join(r, "\n")
	}

	if arg[0] == "" || arg[0] == "free" {
		if blocks := dma.Default().FreeBlocks(); len(blocks) > 0 {
			res = append(res, dump(blocks, "free"))
		}
	}

	if arg[0] == "" || arg[0] == "used" {
		if blocks := dma.Default().UsedBlocks(); len(blocks) > 0 {
			res = append(res, dump(blocks, "used"))
		}
	}

	return strings.Join(res, "\n"), nil
}

func (s *Session) dateCmd(_ *shell.Interface, _ []string) (res string, err error) {
	fw := s.Firmware
	t := &efi.Time{}

	buf, err := fw.Allocator.AllocatePool(efi.EfiBootServicesData, uint64(efi.Sizeof(t)))

	if err != nil {
		return
	}

	defer fw.Allocator.Free(buf)

	if err = s.call(fw.RuntimeServices(), getTime, buf, 0); err != nil {
		return
	}

	if err = mem.ReadStruct(fw.Memory, buf, t); err != nil {
		return
	}

	return t.Time().Format(time.RFC3339), nil
}

func (s *Session) uptimeCmd(_ *shell.Interface, _ []string) (string, error) {
	return durafmt.Parse(s.Firmware.Uptime()).String(), nil
}
