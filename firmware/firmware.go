// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package firmware implements the UEFI firmware service core, providing the
// EFI System Table, Boot Services and Runtime Services tables as well as
// protocol instances to images started under its control.
//
// All firmware state is held by a [Services] instance, service tables are
// written in the argument memory with function pointers set to entry point
// addresses which are dispatched by [Services.Invoke].
package firmware

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/image"
	"github.com/usbarmory/go-firmware/image/pe"
	"github.com/usbarmory/go-firmware/mem"
	"github.com/usbarmory/go-firmware/protocol"
)

// Default configuration values
const (
	DefaultVendor       = "go-firmware"
	DefaultRevision     = 0x00010000
	DefaultMaxVariables = 64
	DefaultMaxTables    = 8
)

// EFI_TPL
const (
	TPL_APPLICATION = 4
	TPL_CALLBACK    = 8
	TPL_NOTIFY      = 16
	TPL_HIGH_LEVEL  = 31
)

// Config represents the firmware configuration.
type Config struct {
	// Vendor represents the EFI System Table firmware vendor string.
	Vendor string
	// Revision represents the EFI System Table firmware revision.
	Revision uint32

	// MaxHandles represents the handle database capacity.
	MaxHandles int
	// MaxProtocols represents the per handle protocol capacity.
	MaxProtocols int
	// MaxVariables represents the variable store capacity.
	MaxVariables int
	// MaxTables represents the configuration table capacity.
	MaxTables int

	// Console represents the console output.
	Console io.Writer
	// Input represents the console keystroke input.
	Input <-chan rune

	// Format represents the executable image format, PE32+ is used when
	// nil.
	Format image.Format
	// Entry represents the native image entry point invocation, images
	// cannot be started when nil.
	Entry image.Entry

	// Clock returns the current time, [time.Now] is used when nil.
	Clock func() time.Time
	// Reset is invoked on EFI_RUNTIME_SERVICES.ResetSystem(), the service
	// is unsupported when nil.
	Reset func(resetType int, status efi.Status)

	// Debug enables logging of all service calls.
	Debug bool
}

type entryRegion struct {
	base uint64
	next uint64
}

// Services represents a firmware instance.
type Services struct {
	sync.Mutex

	// Memory represents the physical memory window.
	Memory mem.Memory
	// Allocator represents the page allocator.
	Allocator *mem.Allocator
	// Database represents the handle database.
	Database *protocol.Database
	// Loader represents the image loader.
	Loader *image.Loader
	// Variables represents the variable store.
	Variables *Variables

	// Debug enables logging of all service calls.
	Debug bool

	conf *Config

	entries        map[uint64]*service
	bootEntries    entryRegion
	runtimeEntries entryRegion

	systemTable     uint64
	bootServices    uint64
	runtimeServices uint64
	vendor          uint64

	tables      []efi.ConfigurationTable
	tablesAddr  uint64
	consoleIn   protocol.Handle
	consoleOut  protocol.Handle
	conIn       uint64
	conOut      uint64
	textMode    uint64
	blockIO     [4]uint64
	fileEntries []uint64
	openVolume  uint64

	files   map[uint64]*fileObject
	volumes map[uint64]*volumeObject
	disks   map[uint64]*Disk

	tpl       uint64
	monotonic uint64
	exited    bool
	start     time.Time
}

// New initializes a firmware instance on the argument memory and allocator,
// which must describe conventional memory regions backed by the memory
// window.
func New(m mem.Memory, a *mem.Allocator, conf *Config) (s *Services, err error) {
	if m == nil || a == nil {
		return nil, fmt.Errorf("missing memory, %w", efi.EFI_INVALID_PARAMETER)
	}

	if conf == nil {
		conf = &Config{}
	}

	if conf.Vendor == "" {
		conf.Vendor = DefaultVendor
	}

	if conf.Revision == 0 {
		conf.Revision = DefaultRevision
	}

	if conf.MaxHandles == 0 {
		conf.MaxHandles = protocol.DefaultMaxHandles
	}

	if conf.MaxProtocols == 0 {
		conf.MaxProtocols = protocol.DefaultMaxProtocols
	}

	if conf.MaxVariables == 0 {
		conf.MaxVariables = DefaultMaxVariables
	}

	if conf.MaxTables == 0 {
		conf.MaxTables = DefaultMaxTables
	}

	if conf.Format == nil {
		conf.Format = &pe.Format{}
	}

	if conf.Clock == nil {
		conf.Clock = time.Now
	}

	if conf.Console == nil {
		conf.Console = io.Discard
	}

	s = &Services{
		Memory:    m,
		Allocator: a,
		Database:  protocol.NewDatabase(conf.MaxHandles, conf.MaxProtocols),
		Variables: NewVariables(conf.MaxVariables),
		Debug:     conf.Debug,
		conf:      conf,
		entries:   make(map[uint64]*service),
		files:     make(map[uint64]*fileObject),
		volumes:   make(map[uint64]*volumeObject),
		disks:     make(map[uint64]*Disk),
		tpl:       TPL_APPLICATION,
		start:     conf.Clock(),
	}

	if s.bootEntries.base, err = a.Allocate(efi.AllocateAnyPages, efi.EfiBootServicesCode, 1, 0); err != nil {
		return nil, fmt.Errorf("could not allocate boot service entries, %w", err)
	}

	if s.runtimeEntries.base, err = a.Allocate(efi.AllocateAnyPages, efi.EfiRuntimeServicesCode, 1, 0); err != nil {
		return nil, fmt.Errorf("could not allocate runtime service entries, %w", err)
	}

	s.bootEntries.next = s.bootEntries.base
	s.runtimeEntries.next = s.runtimeEntries.base

	if err = s.initBootServices(); err != nil {
		return nil, err
	}

	if err = s.initRuntimeServices(); err != nil {
		return nil, err
	}

	if err = s.initProtocols(); err != nil {
		return nil, err
	}

	if err = s.initConsole(); err != nil {
		return nil, err
	}

	if err = s.initSystemTable(); err != nil {
		return nil, err
	}

	s.Loader = &image.Loader{
		Memory:      m,
		Allocator:   a,
		Database:    s.Database,
		Format:      conf.Format,
		Entry:       conf.Entry,
		SystemTable: s.systemTable,
	}

	log.Printf("firmware: %s rev %#x, system table at %#x (%d services)",
		conf.Vendor, conf.Revision, s.systemTable, len(s.entries))

	return
}

// SystemTable returns the EFI System Table address.
func (s *Services) SystemTable() uint64 {
	return s.systemTable
}

// BootServices returns the EFI Boot Services table address.
func (s *Services) BootServices() uint64 {
	return s.bootServices
}

// RuntimeServices returns the EFI Runtime Services table address.
func (s *Services) RuntimeServices() uint64 {
	return s.runtimeServices
}

// Exited returns whether EFI_BOOT_SERVICES.ExitBootServices() has been
// successfully called.
func (s *Services) Exited() bool {
	s.Lock()
	defer s.Unlock()

	return s.exited
}

// Uptime returns the time elapsed since firmware initialization.
func (s *Services) Uptime() time.Duration {
	return s.conf.Clock().Sub(s.start)
}

// table writes an EFI table, with its header checksum, at the argument
// address.
func (s *Services) table(addr uint64, signature uint64, size int, fns []uint64) error {
	buf := make([]byte, size)

	hdr := &efi.TableHeader{
		Signature:  signature,
		Revision:   efi.Revision,
		HeaderSize: uint32(size),
	}

	h, err := efi.Marshal(hdr)

	if err != nil {
		return err
	}

	copy(buf, h)

	for i, fn := range fns {
		off := efi.Sizeof(hdr) + i*8

		if off+8 > size {
			return fmt.Errorf("table overflow, %w", efi.EFI_BAD_BUFFER_SIZE)
		}

		binary.LittleEndian.PutUint64(buf[off:], fn)
	}

	// EFI_TABLE_HEADER.CRC32
	binary.LittleEndian.PutUint32(buf[16:], efi.Checksum(buf))

	return mem.Write(s.Memory, addr, buf)
}
