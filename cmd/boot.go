// Copyright (c) The go-boot authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"regexp"
	"strings"

	"github.com/usbarmory/go-firmware/image"
	"github.com/usbarmory/go-firmware/shell"
	"github.com/usbarmory/go-firmware/transparency"
	"github.com/usbarmory/go-firmware/uapi"
)

func (s *Session) addBoot(iface *shell.Interface) {
	iface.Add(shell.Cmd{
		Name:    "boot",
		Args:    2,
		Pattern: regexp.MustCompile(`^boot (\S+)(.*)$`),
		Syntax:  "<path> (load options)?",
		Help:    "EFI_BOOT_SERVICES.LoadImage() and StartImage()",
		Fn:      s.bootCmd,
	})

	iface.Add(shell.Cmd{
		Name: "entries",
		Help: "list Boot Loader Specification entries",
		Fn:   s.entriesCmd,
	})

	iface.Add(shell.Cmd{
		Name:    "entry",
		Args:    1,
		Pattern: regexp.MustCompile(`^entry (\S+)$`),
		Syntax:  "<path>",
		Help:    "boot Boot Loader Specification entry",
		Fn:      s.entryCmd,
	})

	iface.Add(shell.Cmd{
		Name:    "bt",
		Args:    1,
		Pattern: regexp.MustCompile(`^(?:bt)(?: (none|offline|online))?$`),
		Syntax:  "(none|offline|online)?",
		Help:    "show/set boot-transparency status",
		Fn:      s.btCmd,
	})
}

// efiPath converts an [fs.FS] path to an EFI one.
func efiPath(p string) string {
	return `\` + strings.ReplaceAll(p, "/", `\`)
}

// Start loads and starts an image, the boot entry artifacts are validated
// first when boot-transparency is enabled.
func (s *Session) Start(path string, buf []byte, cmdline string, b transparency.BootEntry) (err error) {
	fw := s.Firmware

	if s.Transparency.Status != transparency.None {
		v, err := s.volume()

		if err != nil {
			return err
		}

		if err = s.Transparency.LoadEntry(v.FS(), b); err != nil {
			return fmt.Errorf("cannot load boot-transparency configuration, %v", err)
		}

		if err = b.Validate(&s.Transparency); err != nil {
			return fmt.Errorf("boot-transparency validation failed, %v", err)
		}

		log.Printf("boot-transparency validation passed (%s)", s.Transparency.Status)
	}

	opts := &image.Options{
		Device:      s.Device,
		Path:        efiPath(path),
		CommandLine: cmdline,
	}

	h, err := fw.Loader.Load(0, buf, opts)

	if err != nil {
		return
	}

	log.Printf("starting %s %s", opts.Path, cmdline)

	return fw.Loader.Start(h)
}

func (s *Session) bootCmd(_ *shell.Interface, arg []string) (res string, err error) {
	v, err := s.volume()

	if err != nil {
		return
	}

	p := uapi.Path(arg[0])
	buf, err := fs.ReadFile(v.FS(), p)

	if err != nil {
		return
	}

	b := transparency.BootEntry{
		transparency.NewArtifact(transparency.LinuxKernel, buf),
	}

	return "", s.Start(p, buf, strings.TrimSpace(arg[1]), b)
}

func (s *Session) entriesCmd(_ *shell.Interface, _ []string) (res string, err error) {
	var buf bytes.Buffer

	v, err := s.volume()

	if err != nil {
		return
	}

	entries, err := uapi.Entries(v.FS())

	if err != nil {
		return
	}

	for _, p := range entries {
		e, err := uapi.LoadEntry(v.FS(), p)

		if err != nil {
			fmt.Fprintf(&buf, "%s: %v\n", p, err)
			continue
		}

		fmt.Fprintf(&buf, "%s: %s (%s)\n", p, e.Title, e.Image())
	}

	return buf.String(), nil
}

func (s *Session) entryCmd(_ *shell.Interface, arg []string) (res string, err error) {
	v, err := s.volume()

	if err != nil {
		return
	}

	fsys := v.FS()
	e, err := uapi.LoadEntry(fsys, arg[0])

	if err != nil {
		return
	}

	buf, err := e.ReadImage(fsys)

	if err != nil {
		return
	}

	initrd, err := e.ReadInitrd(fsys)

	if err != nil {
		return
	}

	b := transparency.BootEntry{
		transparency.NewArtifact(transparency.LinuxKernel, buf),
	}

	if len(initrd) > 0 {
		b = append(b, transparency.NewArtifact(transparency.Initrd, initrd))
	}

	log.Printf("booting %s", e.Title)

	return "", s.Start(e.Image(), buf, e.CommandLine(), b)
}

func (s *Session) btCmd(_ *shell.Interface, arg []string) (res string, err error) {
	if len(arg[0]) > 0 {
		status, err := transparency.ParseStatus(arg[0])

		if err != nil {
			return "", err
		}

		if status != transparency.None {
			v, err := s.volume()

			if err != nil {
				return "", err
			}

			if _, err = fs.Stat(v.FS(), "transparency"); err != nil {
				return "", errors.New("missing boot-transparency configuration directory")
			}
		}

		s.Transparency.Clear()
		s.Transparency.Status = status
	}

	if s.Transparency.Status == transparency.None {
		return "boot-transparency is disabled", nil
	}

	return fmt.Sprintf("boot-transparency is enabled in %s mode", s.Transparency.Status), nil
}
