// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package image implements the firmware image loader, which places
// executable images in memory, registers them in the handle database and
// transfers control to their entry point.
package image

import (
	"fmt"
	"log"
	"sync"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/mem"
	"github.com/usbarmory/go-firmware/protocol"
)

// image record signature tag ('IHDI')
const signature = 0x49444849

// EFI_LOADED_IMAGE_PROTOCOL_REVISION
const loadedImageRevision = 0x1000

// Format represents an executable image format.
type Format interface {
	// Size returns the memory size required to load the argument image,
	// zero is returned for images which cannot be loaded.
	Size(src []byte) uint64

	// Load copies and relocates the image to the argument buffer, mapped
	// at the argument base address, and returns its entry point address,
	// zero is returned on failure.
	Load(dst []byte, base uint64, src []byte) (entry uint64)
}

// Entry represents the native invocation of an image entry point.
type Entry interface {
	Call(entry uint64, imageHandle uint64, systemTable uint64) efi.Status
}

// EntryFunc is an adapter to allow ordinary functions to be used as [Entry].
type EntryFunc func(entry uint64, imageHandle uint64, systemTable uint64) efi.Status

// Call implements [Entry].
func (f EntryFunc) Call(entry uint64, imageHandle uint64, systemTable uint64) efi.Status {
	return f(entry, imageHandle, systemTable)
}

// LoadedImage represents an EFI_LOADED_IMAGE_PROTOCOL instance.
type LoadedImage struct {
	Revision        uint32
	_               uint32
	ParentHandle    uint64
	SystemTable     uint64
	DeviceHandle    uint64
	FilePath        uint64
	_               uint64
	LoadOptionsSize uint32
	_               uint32
	LoadOptions     uint64
	ImageBase       uint64
	ImageSize       uint64
	ImageCodeType   uint32
	ImageDataType   uint32
	Unload          uint64
}

// Options represents the optional image load attributes.
type Options struct {
	// Device represents the handle of the device the image was loaded
	// from.
	Device protocol.Handle
	// Path represents the image file path on the device.
	Path string
	// CommandLine represents the image load options.
	CommandLine string
}

// Image represents a loaded image record.
type Image struct {
	signature uint32

	// Handle represents the image handle.
	Handle protocol.Handle
	// Parent represents the parent image handle.
	Parent protocol.Handle
	// Source represents the image source buffer.
	Source []byte
	// Base represents the image load address.
	Base uint64
	// Size represents the image memory size.
	Size uint64
	// EntryPoint represents the image entry point address.
	EntryPoint uint64
	// Info represents the address of the image
	// EFI_LOADED_IMAGE_PROTOCOL instance.
	Info uint64

	started bool
}

// Loader represents an image loader.
type Loader struct {
	sync.Mutex

	// Memory represents the physical memory window.
	Memory mem.Memory
	// Allocator represents the page allocator for image and record
	// storage.
	Allocator *mem.Allocator
	// Database represents the handle database images are registered to.
	Database *protocol.Database
	// Format represents the supported executable image format.
	Format Format
	// Entry represents the native entry point invocation, when nil images
	// cannot be started.
	Entry Entry
	// SystemTable represents the EFI System Table address passed to
	// started images.
	SystemTable uint64

	images []*Image
}

// token returns the private image information interface value for the
// argument image index.
func token(index int) uint64 {
	return signature<<32 | uint64(index+1)
}

// Load places the argument image in memory and registers a new image handle
// for it.
func (l *Loader) Load(parent protocol.Handle, src []byte, opts *Options) (h protocol.Handle, err error) {
	if opts == nil {
		opts = &Options{}
	}

	devicePath := efi.EncodeDevicePath(efi.FilePathNode(opts.Path))
	cmdline := efi.EncodeUTF16(opts.CommandLine)
	infoSize := efi.Sizeof(&LoadedImage{})

	info, err := l.Allocator.AllocatePool(efi.EfiLoaderData, uint64(infoSize+len(devicePath)+len(cmdline)))

	if err != nil {
		return 0, fmt.Errorf("could not allocate image record, %w", efi.EFI_OUT_OF_RESOURCES)
	}

	defer func() {
		if err != nil {
			l.Allocator.Free(info)
		}
	}()

	size := l.Format.Size(src)

	if size == 0 {
		return 0, fmt.Errorf("invalid image size, %w", efi.EFI_SECURITY_VIOLATION)
	}

	base, err := l.Allocator.Allocate(efi.AllocateAnyPages, efi.EfiLoaderCode, efi.Pages(size), 0)

	if err != nil {
		return 0, fmt.Errorf("could not allocate image (%d bytes), %w", size, efi.EFI_OUT_OF_RESOURCES)
	}

	defer func() {
		if err != nil {
			l.Allocator.Free(base)
		}
	}()

	dst, err := l.Memory.Slice(base, int(size))

	if err != nil {
		return
	}

	entry := l.Format.Load(dst, base, src)

	if entry == 0 {
		return 0, fmt.Errorf("invalid image entry point, %w", efi.EFI_SECURITY_VIOLATION)
	}

	loadedImage := &LoadedImage{
		Revision:      loadedImageRevision,
		ParentHandle:  uint64(parent),
		SystemTable:   l.SystemTable,
		DeviceHandle:  uint64(opts.Device),
		FilePath:      info + uint64(infoSize),
		ImageBase:     base,
		ImageSize:     size,
		ImageCodeType: efi.EfiLoaderCode,
		ImageDataType: efi.EfiLoaderData,
	}

	if len(opts.CommandLine) > 0 {
		loadedImage.LoadOptions = info + uint64(infoSize+len(devicePath))
		loadedImage.LoadOptionsSize = uint32(len(cmdline))
	}

	buf, err := efi.Marshal(loadedImage)

	if err != nil {
		return
	}

	buf = append(buf, devicePath...)
	buf = append(buf, cmdline...)

	if err = mem.Write(l.Memory, info, buf); err != nil {
		return
	}

	l.Lock()
	defer l.Unlock()

	img := &Image{
		signature:  signature,
		Parent:     parent,
		Source:     src,
		Base:       base,
		Size:       size,
		EntryPoint: entry,
		Info:       info,
	}

	// the image record goes last, a handle left behind by a failed
	// installation never resolves to an image
	records := []protocol.Record{
		{GUID: efi.LoadedImageProtocolGUID, Interface: info},
		{GUID: efi.ImageInfoGUID, Interface: token(len(l.images))},
	}

	if h, err = l.Database.InstallMultiple(0, records); err != nil {
		return 0, err
	}

	img.Handle = h
	l.images = append(l.images, img)

	log.Printf("loaded image %#x at %#x-%#x (entry %#x)", uint64(h), base, base+size, entry)

	return
}

// Lookup resolves an image handle to its loaded image record.
func (l *Loader) Lookup(h protocol.Handle) (*Image, error) {
	iface, err := l.Database.Lookup(h, efi.ImageInfoGUID)

	if err != nil {
		return nil, fmt.Errorf("invalid image handle, %w", efi.EFI_INVALID_PARAMETER)
	}

	l.Lock()
	defer l.Unlock()

	index := int(iface&0xffffffff) - 1

	if iface>>32 != signature || index < 0 || index >= len(l.images) || l.images[index].signature != signature {
		return nil, fmt.Errorf("invalid image record, %w", efi.EFI_INVALID_PARAMETER)
	}

	return l.images[index], nil
}

// Start transfers control to the entry point of the argument image, the
// status returned by the image is passed through unchanged.
func (l *Loader) Start(h protocol.Handle) error {
	img, err := l.Lookup(h)

	if err != nil {
		return err
	}

	if img.Size == 0 || img.EntryPoint == 0 {
		return efi.EFI_SECURITY_VIOLATION
	}

	if l.Entry == nil {
		return fmt.Errorf("native execution unavailable, %w", efi.EFI_UNSUPPORTED)
	}

	l.Lock()

	if img.started {
		l.Unlock()
		return fmt.Errorf("image %#x already started, %w", uint64(h), efi.EFI_INVALID_PARAMETER)
	}

	img.started = true
	l.Unlock()

	log.Printf("starting image %#x at %#x", uint64(h), img.EntryPoint)

	if status := l.Entry.Call(img.EntryPoint, uint64(h), l.SystemTable); status != efi.EFI_SUCCESS {
		return status
	}

	return nil
}

// Images returns all loaded image records.
func (l *Loader) Images() []*Image {
	l.Lock()
	defer l.Unlock()

	return append([]*Image{}, l.images...)
}

// Started returns whether the image entry point has been invoked.
func (img *Image) Started() bool {
	return img.started
}
