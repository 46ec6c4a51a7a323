// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package firmware

import (
	"fmt"
	"io"
	"log"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/mem"
	"github.com/usbarmory/go-firmware/protocol"
)

// EFI_BLOCK_IO_PROTOCOL size
const blockIOSize = 0x30

// EFI_BLOCK_IO_PROTOCOL_REVISION3
const blockIORevision = 0x0002001f

// DefaultBlockSize represents the default disk block size.
const DefaultBlockSize = 512

// BlockIOMedia represents an EFI_BLOCK_IO_MEDIA structure.
type BlockIOMedia struct {
	MediaID          uint32
	RemovableMedia   bool
	MediaPresent     bool
	LogicalPartition bool
	ReadOnly         bool
	WriteCaching     bool
	_                [3]byte
	BlockSize        uint32
	IoAlign          uint32
	_                uint32
	LastBlock        uint64
}

// Partition represents a GPT partition exposed as a logical block device.
type Partition struct {
	Number    uint32
	Start     uint64
	Size      uint64
	Signature efi.GUID
}

// Disk represents a read-only block device.
type Disk struct {
	io.ReaderAt

	// Size represents the device size in bytes.
	Size int64
	// BlockSize represents the device block size, [DefaultBlockSize] is
	// used when zero.
	BlockSize uint32
	// MediaID represents the current media identifier.
	MediaID uint32
	// Partition, when set, describes the logical partition the device
	// represents.
	Partition *Partition

	handle protocol.Handle
}

// Handle returns the disk device handle.
func (d *Disk) Handle() protocol.Handle {
	return d.handle
}

func (s *Services) initBlockIO() (err error) {
	defs := []serviceDef{
		{"BlockIo.Reset", 2, s.success},
		{"BlockIo.ReadBlocks", 5, s.readBlocks},
		{"BlockIo.WriteBlocks", 5, s.writeBlocks},
		{"BlockIo.FlushBlocks", 1, s.success},
	}

	for i, def := range defs {
		if s.blockIO[i], err = s.entry(def.name, false, def.nargs, def.fn); err != nil {
			return
		}
	}

	return
}

// AddDisk installs EFI Block I/O and Device Path protocol instances for the
// argument disk on a new handle, the disk is identified by the argument PCI
// device number.
func (s *Services) AddDisk(d *Disk, device uint8) (h protocol.Handle, err error) {
	if d.BlockSize == 0 {
		d.BlockSize = DefaultBlockSize
	}

	if d.Size < int64(d.BlockSize) {
		return 0, fmt.Errorf("invalid disk size, %w", efi.EFI_INVALID_PARAMETER)
	}

	media := &BlockIOMedia{
		MediaID:          d.MediaID,
		MediaPresent:     true,
		LogicalPartition: d.Partition != nil,
		ReadOnly:         true,
		BlockSize:        d.BlockSize,
		IoAlign:          1,
		LastBlock:        uint64(d.Size)/uint64(d.BlockSize) - 1,
	}

	mediaSize := efi.Sizeof(media)

	addr, err := s.Allocator.AllocatePool(efi.EfiBootServicesData, uint64(blockIOSize+mediaSize))

	if err != nil {
		return
	}

	defer func() {
		if err != nil {
			s.Allocator.Free(addr)
		}
	}()

	var buf []byte

	buf = appendUint64(buf, blockIORevision)
	buf = appendUint64(buf, addr+blockIOSize)

	for _, fn := range s.blockIO {
		buf = appendUint64(buf, fn)
	}

	if err = mem.Write(s.Memory, addr, buf); err != nil {
		return
	}

	if err = mem.WriteStruct(s.Memory, addr+blockIOSize, media); err != nil {
		return
	}

	nodes := []*efi.DevicePath{efi.PCINode(0, device)}

	if p := d.Partition; p != nil {
		nodes = append(nodes, efi.HardDriveNode(p.Number, p.Start, p.Size, p.Signature))
	}

	path, err := s.devicePath(efi.EncodeDevicePath(nodes...))

	if err != nil {
		return
	}

	records := []protocol.Record{
		{GUID: efi.BlockIOProtocolGUID, Interface: addr},
		{GUID: efi.DevicePathProtocolGUID, Interface: path},
	}

	if h, err = s.Database.InstallMultiple(0, records); err != nil {
		s.Allocator.Free(path)
		return
	}

	d.handle = h

	s.Lock()
	s.disks[addr] = d
	s.Unlock()

	log.Printf("firmware: disk %#x (%d bytes) on handle %#x", device, d.Size, uint64(h))

	return
}

// readBlocks implements EFI_BLOCK_IO_PROTOCOL.ReadBlocks(*This, MediaId,
// Lba, BufferSize, *Buffer).
func (s *Services) readBlocks(args []uint64) efi.Status {
	this, mediaID, lba, bufferSize, buffer := args[0], args[1], args[2], args[3], args[4]

	s.Lock()
	d, ok := s.disks[this]
	s.Unlock()

	if !ok {
		return efi.EFI_INVALID_PARAMETER
	}

	if mediaID != uint64(d.MediaID) {
		return efi.EFI_MEDIA_CHANGED
	}

	if bufferSize%uint64(d.BlockSize) != 0 {
		return efi.EFI_BAD_BUFFER_SIZE
	}

	off := lba * uint64(d.BlockSize)

	if lba > uint64(d.Size)/uint64(d.BlockSize) || off+bufferSize > uint64(d.Size) {
		return efi.EFI_INVALID_PARAMETER
	}

	buf, err := s.slice(buffer, bufferSize)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	if n, err := d.ReadAt(buf, int64(off)); n < len(buf) {
		log.Printf("firmware: disk read error at %#x, %v", off, err)
		return efi.EFI_DEVICE_ERROR
	}

	return efi.EFI_SUCCESS
}

func (s *Services) writeBlocks(args []uint64) efi.Status {
	s.Lock()
	_, ok := s.disks[args[0]]
	s.Unlock()

	if !ok {
		return efi.EFI_INVALID_PARAMETER
	}

	return efi.EFI_WRITE_PROTECTED
}
