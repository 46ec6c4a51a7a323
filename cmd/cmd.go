// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cmd implements the firmware console commands.
package cmd

import (
	"fmt"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/firmware"
	"github.com/usbarmory/go-firmware/protocol"
	"github.com/usbarmory/go-firmware/sfs"
	"github.com/usbarmory/go-firmware/shell"
	"github.com/usbarmory/go-firmware/transparency"
)

// Session represents the firmware state shared by console commands.
type Session struct {
	// Firmware represents the firmware instance.
	Firmware *firmware.Services
	// Device represents the handle of the volume used by file and boot
	// commands.
	Device protocol.Handle
	// Transparency represents the boot-transparency configuration applied
	// before starting images.
	Transparency transparency.Config
}

// Add registers the firmware commands on the argument interface, file and
// boot commands operate on the volume mounted on the argument device.
func Add(iface *shell.Interface, fw *firmware.Services, device protocol.Handle) *Session {
	s := &Session{
		Firmware: fw,
		Device:   device,
	}

	s.addCommon(iface)
	s.addUEFI(iface)
	s.addFS(iface)
	s.addBoot(iface)

	return s
}

func (s *Session) volume() (*sfs.Volume, error) {
	return s.Firmware.Volume(s.Device)
}

// call invokes the service at the argument table offset.
func (s *Session) call(table uint64, offset uint64, args ...uint64) error {
	status := s.Firmware.Call(table+offset, args...)

	if status.IsError() {
		return fmt.Errorf("service %#x error, %w", offset, status)
	}

	return nil
}

// GUID names
var protocolNames = map[efi.GUID]string{
	efi.LoadedImageProtocolGUID:      "LoadedImage",
	efi.DevicePathProtocolGUID:       "DevicePath",
	efi.SimpleFileSystemProtocolGUID: "SimpleFileSystem",
	efi.BlockIOProtocolGUID:          "BlockIo",
	efi.SimpleTextInputProtocolGUID:  "SimpleTextInput",
	efi.SimpleTextOutputProtocolGUID: "SimpleTextOutput",
	efi.ImageInfoGUID:                "ImageInfo",
	efi.GlobalVariableGUID:           "GlobalVariable",
}

func guidName(g efi.GUID) string {
	if name, ok := protocolNames[g]; ok {
		return name
	}

	return g.String()
}
