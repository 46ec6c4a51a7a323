// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/protocol"
	"github.com/usbarmory/go-firmware/shell"
	"github.com/usbarmory/go-firmware/uapi"
)

// maxCatSize represents the maximum file size shown by the cat command.
const maxCatSize = 64 * 1024

func (s *Session) addFS(iface *shell.Interface) {
	iface.Add(shell.Cmd{
		Name:    "volume",
		Args:    1,
		Pattern: regexp.MustCompile(`^volume(?: ([[:xdigit:]]+))?$`),
		Syntax:  "(hex handle)?",
		Help:    "list volumes or select the current one",
		Fn:      s.volumeCmd,
	})

	iface.Add(shell.Cmd{
		Name:    "ls",
		Args:    1,
		Pattern: regexp.MustCompile(`^ls(?: (\S+))?$`),
		Syntax:  "(path)?",
		Help:    "list directory contents",
		Fn:      s.lsCmd,
	})

	iface.Add(shell.Cmd{
		Name:    "cat",
		Args:    1,
		Pattern: regexp.MustCompile(`^cat (\S+)$`),
		Syntax:  "<path>",
		Help:    "show file contents",
		Fn:      s.catCmd,
	})
}

func (s *Session) volumeCmd(_ *shell.Interface, arg []string) (res string, err error) {
	var buf bytes.Buffer

	fw := s.Firmware

	if len(arg[0]) > 0 {
		h, err := strconv.ParseUint(arg[0], 16, 64)

		if err != nil {
			return "", fmt.Errorf("invalid handle, %v", err)
		}

		if _, err = fw.Volume(protocol.Handle(h)); err != nil {
			return "", err
		}

		s.Device = protocol.Handle(h)
	}

	for _, h := range fw.Database.LocateAll(efi.SimpleFileSystemProtocolGUID) {
		v, err := fw.Volume(h)

		if err != nil {
			continue
		}

		current := " "

		if h == s.Device {
			current = "*"
		}

		fmt.Fprintf(&buf, "%s %#x %-16s %d bytes\n", current, uint64(h), v.Label, v.Size)
	}

	return buf.String(), nil
}

func (s *Session) lsCmd(_ *shell.Interface, arg []string) (res string, err error) {
	var buf bytes.Buffer

	v, err := s.volume()

	if err != nil {
		return
	}

	p := "."

	if len(arg[0]) > 0 {
		p = uapi.Path(arg[0])
	}

	entries, err := fs.ReadDir(v.FS(), p)

	if err != nil {
		return
	}

	for _, e := range entries {
		info, err := e.Info()

		if err != nil {
			return "", err
		}

		fmt.Fprintf(&buf, "%s %10d %s\n", info.Mode(), info.Size(), e.Name())
	}

	return buf.String(), nil
}

func (s *Session) catCmd(_ *shell.Interface, arg []string) (res string, err error) {
	v, err := s.volume()

	if err != nil {
		return
	}

	p := uapi.Path(arg[0])

	info, err := fs.Stat(v.FS(), p)

	if err != nil {
		return
	}

	if info.Size() > maxCatSize {
		return "", fmt.Errorf("file exceeds %d bytes", maxCatSize)
	}

	buf, err := fs.ReadFile(v.FS(), p)

	return string(buf), err
}
