// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package efi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
)

const maxDepth = 16

// Device path node types
const (
	HardwareDevicePath = 0x01
	MediaDevicePath    = 0x04
	EndDevicePath      = 0x7f
)

// Device path node subtypes
const (
	PCIDevicePath       = 0x01
	HardDriveDevicePath = 0x01
	FilePathDevicePath  = 0x04
	EndEntireDevicePath = 0xff
)

// DevicePathNode represents an EFI Generic Device Path Node structure.
type DevicePathNode struct {
	Type    uint8
	SubType uint8
	Length  uint16
}

// DevicePath represents an EFI Device Path Protocol node.
type DevicePath struct {
	DevicePathNode
	Data []byte
}

// Bytes converts the node to its byte array format.
func (d *DevicePath) Bytes() []byte {
	buf := new(bytes.Buffer)

	d.Length = uint16(4 + len(d.Data))

	binary.Write(buf, binary.LittleEndian, &d.DevicePathNode)
	buf.Write(d.Data)

	return buf.Bytes()
}

// PCINode returns a hardware PCI device path node.
func PCINode(function uint8, device uint8) *DevicePath {
	return &DevicePath{
		DevicePathNode: DevicePathNode{
			Type:    HardwareDevicePath,
			SubType: PCIDevicePath,
		},
		Data: []byte{function, device},
	}
}

// HardDriveNode returns a media hard drive device path node for a GPT
// partition.
func HardDriveNode(number uint32, start uint64, size uint64, signature GUID) *DevicePath {
	data := make([]byte, 38)

	binary.LittleEndian.PutUint32(data[0:], number)
	binary.LittleEndian.PutUint64(data[4:], start)
	binary.LittleEndian.PutUint64(data[12:], size)
	copy(data[20:], signature[:])

	// MBRType: GPT, SignatureType: GUID
	data[36] = 0x02
	data[37] = 0x02

	return &DevicePath{
		DevicePathNode: DevicePathNode{
			Type:    MediaDevicePath,
			SubType: HardDriveDevicePath,
		},
		Data: data,
	}
}

// FilePathNode returns a media file path device path node, slash separators
// are converted to the EFI backslash form.
func FilePathNode(path string) *DevicePath {
	return &DevicePath{
		DevicePathNode: DevicePathNode{
			Type:    MediaDevicePath,
			SubType: FilePathDevicePath,
		},
		Data: EncodeUTF16(strings.ReplaceAll(path, `/`, `\`)),
	}
}

// EncodeDevicePath converts a list of nodes to a device path terminated by an
// End Entire Device Path node.
func EncodeDevicePath(nodes ...*DevicePath) []byte {
	var buf []byte

	for _, n := range nodes {
		buf = append(buf, n.Bytes()...)
	}

	end := &DevicePath{
		DevicePathNode: DevicePathNode{
			Type:    EndDevicePath,
			SubType: EndEntireDevicePath,
		},
	}

	return append(buf, end.Bytes()...)
}

// ParseDevicePath parses a device path up to its End Entire Device Path
// node, it returns the parsed nodes and the device path encoded size.
func ParseDevicePath(buf []byte) (nodes []*DevicePath, size int, err error) {
	off := 0

	for i := 0; i <= maxDepth; i++ {
		if i == maxDepth {
			return nil, 0, errors.New("device path nodes limit exceeded")
		}

		node := DevicePathNode{}

		if len(buf[off:]) < 4 {
			return nil, 0, errors.New("invalid device path")
		}

		if err = Unmarshal(buf[off:off+4], &node); err != nil {
			return
		}

		if node.Length < 4 || off+int(node.Length) > len(buf) {
			return nil, 0, errors.New("invalid length")
		}

		data := make([]byte, node.Length-4)
		copy(data, buf[off+4:off+int(node.Length)])
		off += int(node.Length)

		if node.Type == EndDevicePath && node.SubType == EndEntireDevicePath {
			return nodes, off, nil
		}

		nodes = append(nodes, &DevicePath{DevicePathNode: node, Data: data})
	}

	return
}
