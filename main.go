// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !tamago

package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/gliderlabs/ssh"
	"golang.org/x/term"

	"github.com/usbarmory/go-firmware/cmd"
	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/firmware"
	"github.com/usbarmory/go-firmware/mem"
	"github.com/usbarmory/go-firmware/protocol"
	"github.com/usbarmory/go-firmware/sfs"
	"github.com/usbarmory/go-firmware/shell"
)

// memoryBase represents the emulated physical memory start address.
const memoryBase = 0x100000

var (
	memorySize = flag.Int("m", 64, "memory size in MiB")
	root       = flag.String("r", ".", "volume root directory")
	label      = flag.String("L", "ESP", "volume label")
	disk       = flag.String("d", "", "disk image exposed as block device")
	sshAddr    = flag.String("s", "", "ssh console address")
	logPath    = flag.String("l", "", "log file")
	verbose    = flag.Bool("v", false, "log all service calls")
	command    = flag.String("c", "", "execute command and exit")
)

var Banner string

// terminal state restored on exit
var state *term.State

func exit(code int) {
	if state != nil {
		term.Restore(int(os.Stdin.Fd()), state)
	}

	os.Exit(code)
}

func init() {
	log.SetFlags(0)

	Banner = fmt.Sprintf("%s/%s (%s) • UEFI firmware",
		runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func newFirmware() (fw *firmware.Services, device protocol.Handle, err error) {
	size := *memorySize << 20
	a := mem.NewAllocator(0)

	if err = a.AddRegion(efi.EfiConventionalMemory, memoryBase, uint64(size/efi.PageSize), efi.EFI_MEMORY_WB); err != nil {
		return
	}

	conf := &firmware.Config{
		Console: os.Stdout,
		Reset: func(resetType int, status efi.Status) {
			log.Printf("reset type %d (%v)", resetType, status)
			exit(int(status & 0xff))
		},
		Debug: *verbose,
	}

	if fw, err = firmware.New(mem.NewArena(memoryBase, size), a, conf); err != nil {
		return
	}

	if *disk != "" {
		f, err := os.Open(*disk)

		if err != nil {
			return nil, 0, err
		}

		fi, err := f.Stat()

		if err != nil {
			return nil, 0, err
		}

		if device, err = fw.AddDisk(&firmware.Disk{ReaderAt: f, Size: fi.Size()}, 1); err != nil {
			return nil, 0, err
		}
	}

	dir, err := filepath.Abs(*root)

	if err != nil {
		return
	}

	v := sfs.NewVolume(sfs.FS(os.DirFS(dir)), *label)
	device, err = fw.Mount(v, device)

	return
}

func startSSH(fw *firmware.Services, device protocol.Handle) {
	srv := &ssh.Server{
		Addr: *sshAddr,
		Handler: func(s ssh.Session) {
			_, _, pty := s.Pty()

			iface := &shell.Interface{
				Banner:     Banner,
				ReadWriter: s,
				VT100:      pty,
			}

			cmd.Add(iface, fw, device)
			iface.Start()
		},
	}

	log.Printf("starting ssh console on %s", *sshAddr)
	log.Fatal(srv.ListenAndServe())
}

type stdio struct {
	io.Reader
	io.Writer
}

func main() {
	flag.Parse()

	if *logPath != "" {
		logFile, err := os.OpenFile(*logPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)

		if err != nil {
			log.Fatal(err)
		}

		defer logFile.Close()

		log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	}

	fw, device, err := newFirmware()

	if err != nil {
		log.Fatalf("could not initialize firmware, %v", err)
	}

	iface := &shell.Interface{
		Banner:     Banner,
		ReadWriter: stdio{os.Stdin, os.Stdout},
	}

	cmd.Add(iface, fw, device)

	if *command != "" {
		if err = iface.Exec(*command, os.Stdout); err != nil {
			log.Fatal(err)
		}

		return
	}

	if *sshAddr != "" {
		go startSSH(fw, device)
	}

	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		if state, err = term.MakeRaw(fd); err != nil {
			log.Fatal(err)
		}

		iface.VT100 = true
	}

	iface.Start()
	exit(0)
}
