// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package firmware

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
	"strings"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/image"
	"github.com/usbarmory/go-firmware/mem"
	"github.com/usbarmory/go-firmware/protocol"
)

// readDevicePath reads a device path, up to its End Entire Device Path node,
// from memory.
func (s *Services) readDevicePath(addr uint64) (nodes []*efi.DevicePath, err error) {
	var buf []byte

	for {
		hdr, err := mem.Read(s.Memory, addr+uint64(len(buf)), 4)

		if err != nil {
			return nil, err
		}

		length := int(binary.LittleEndian.Uint16(hdr[2:]))

		if length < 4 || len(buf)+length > efi.PageSize {
			return nil, fmt.Errorf("invalid device path, %w", efi.EFI_INVALID_PARAMETER)
		}

		node, err := mem.Read(s.Memory, addr+uint64(len(buf)), length)

		if err != nil {
			return nil, err
		}

		buf = append(buf, node...)

		if hdr[0] == efi.EndDevicePath && hdr[1] == efi.EndEntireDevicePath {
			break
		}
	}

	if nodes, _, err = efi.ParseDevicePath(buf); err != nil {
		return nil, fmt.Errorf("%v, %w", err, efi.EFI_INVALID_PARAMETER)
	}

	return
}

// filePath returns the path of the first file path node of a device path.
func filePath(nodes []*efi.DevicePath) string {
	for _, n := range nodes {
		if n.Type == efi.MediaDevicePath && n.SubType == efi.FilePathDevicePath {
			return efi.DecodeUTF16(n.Data)
		}
	}

	return ""
}

// fsPath converts an EFI file path to an [fs.FS] one.
func fsPath(path string) string {
	p := strings.Trim(strings.ReplaceAll(path, `\`, "/"), "/")

	if p == "" {
		return "."
	}

	return p
}

// device returns the device handle an image was loaded from.
func (s *Services) device(h protocol.Handle) protocol.Handle {
	img, err := s.Loader.Lookup(h)

	if err != nil {
		return 0
	}

	info := &image.LoadedImage{}

	if err = mem.ReadStruct(s.Memory, img.Info, info); err != nil {
		return 0
	}

	return protocol.Handle(info.DeviceHandle)
}

// ReadFile reads a file from the volume mounted on the argument device
// handle.
func (s *Services) ReadFile(device protocol.Handle, path string) ([]byte, error) {
	v, err := s.Volume(device)

	if err != nil {
		return nil, fmt.Errorf("no volume on device %#x, %w", uint64(device), efi.EFI_NOT_FOUND)
	}

	buf, err := fs.ReadFile(v.FS(), fsPath(path))

	if err != nil {
		return nil, fmt.Errorf("could not read %s, %v, %w", path, err, efi.EFI_NOT_FOUND)
	}

	return buf, nil
}

// LoadImage loads an image from the volume mounted on the argument device
// handle, the command line is passed as image load options.
func (s *Services) LoadImage(device protocol.Handle, path string, cmdline string) (protocol.Handle, error) {
	buf, err := s.ReadFile(device, path)

	if err != nil {
		return 0, err
	}

	opts := &image.Options{
		Device:      device,
		Path:        path,
		CommandLine: cmdline,
	}

	return s.Loader.Load(0, buf, opts)
}

// Boot loads and starts an image from the volume mounted on the argument
// device handle.
func (s *Services) Boot(device protocol.Handle, path string, cmdline string) error {
	h, err := s.LoadImage(device, path, cmdline)

	if err != nil {
		return err
	}

	return s.Loader.Start(h)
}

// loadImage implements EFI_BOOT_SERVICES.LoadImage(BootPolicy,
// ParentImageHandle, *DevicePath, *SourceBuffer, SourceSize, *ImageHandle).
func (s *Services) loadImage(args []uint64) efi.Status {
	parent, devicePath, srcBuffer, srcSize, imageHandle := args[1], args[2], args[3], args[4], args[5]

	if imageHandle == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	var path string

	if devicePath != 0 {
		nodes, err := s.readDevicePath(devicePath)

		if err != nil {
			return s.status(err)
		}

		path = filePath(nodes)
	}

	device := s.device(protocol.Handle(parent))

	var src []byte

	switch {
	case srcBuffer != 0:
		buf, err := s.slice(srcBuffer, srcSize)

		if err != nil {
			return efi.EFI_INVALID_PARAMETER
		}

		src = bytes.Clone(buf)
	case path != "":
		buf, err := s.ReadFile(device, path)

		if err != nil {
			return s.status(err)
		}

		src = buf
	default:
		return efi.EFI_NOT_FOUND
	}

	opts := &image.Options{
		Device: device,
		Path:   path,
	}

	h, err := s.Loader.Load(protocol.Handle(parent), src, opts)

	if err != nil {
		return s.status(err)
	}

	return s.status(s.write64(imageHandle, uint64(h)))
}

// startImage implements EFI_BOOT_SERVICES.StartImage(ImageHandle,
// *ExitDataSize, **ExitData).
func (s *Services) startImage(args []uint64) efi.Status {
	s.write64(args[1], 0)
	s.write64(args[2], 0)

	return s.status(s.Loader.Start(protocol.Handle(args[0])))
}
