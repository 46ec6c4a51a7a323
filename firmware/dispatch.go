// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package firmware

import (
	"fmt"
	"log"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/mem"
)

// service entry point spacing within the entry region
const entrySize = 16

// maximum number of arguments of any service
const maxArgs = 18

// maximum length (in UCS-2 characters) of caller supplied strings
const maxString = 4096

type handler func(args []uint64) efi.Status

// service represents a firmware service entry point.
type service struct {
	name    string
	nargs   int
	runtime bool
	fn      handler
}

// entry registers a service and returns its entry point address.
func (s *Services) entry(name string, runtime bool, nargs int, fn handler) (addr uint64, err error) {
	region := &s.bootEntries

	if runtime {
		region = &s.runtimeEntries
	}

	if region.next+entrySize > region.base+efi.PageSize {
		return 0, fmt.Errorf("service entry region full, %w", efi.EFI_OUT_OF_RESOURCES)
	}

	addr = region.next
	region.next += entrySize

	if fn == nil {
		fn = s.unsupported(name)
	}

	s.entries[addr] = &service{
		name:    name,
		nargs:   nargs,
		runtime: runtime,
		fn:      fn,
	}

	return
}

func (s *Services) unsupported(name string) handler {
	return func(_ []uint64) efi.Status {
		log.Printf("firmware: unsupported service %s", name)
		return efi.EFI_UNSUPPORTED
	}
}

// Invoke calls the service at the argument entry point address, missing
// arguments are passed as zero.
func (s *Services) Invoke(fn uint64, args ...uint64) efi.Status {
	srv, ok := s.entries[fn]

	if !ok {
		log.Printf("firmware: invalid service entry point %#x", fn)
		return efi.EFI_UNSUPPORTED
	}

	if !srv.runtime && s.Exited() {
		log.Printf("firmware: boot service %s called after ExitBootServices()", srv.name)
		return efi.EFI_UNSUPPORTED
	}

	if len(args) < srv.nargs {
		args = append(args, make([]uint64, srv.nargs-len(args))...)
	}

	status := srv.fn(args)

	if s.Debug {
		log.Printf("firmware: %s(%#x) = %#x", srv.name, args, uint64(status))
	}

	return status
}

// Call dereferences the function pointer stored at the argument address,
// such as a service table or protocol interface slot, and invokes it.
func (s *Services) Call(slot uint64, args ...uint64) efi.Status {
	fn, err := mem.ReadUint64(s.Memory, slot)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.Invoke(fn, args...)
}

// Entries returns the number of registered service entry points.
func (s *Services) Entries() int {
	return len(s.entries)
}

func (s *Services) read64(addr uint64) (uint64, error) {
	return mem.ReadUint64(s.Memory, addr)
}

// write64 writes a value through an optional output pointer.
func (s *Services) write64(addr uint64, val uint64) error {
	if addr == 0 {
		return nil
	}

	return mem.WriteUint64(s.Memory, addr, val)
}

func (s *Services) guid(addr uint64) (efi.GUID, error) {
	return mem.ReadGUID(s.Memory, addr)
}

// slice returns the caller buffer of the argument size, a null buffer is
// only valid when empty.
func (s *Services) slice(addr uint64, size uint64) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}

	if addr == 0 || size > 1<<40 {
		return nil, efi.EFI_INVALID_PARAMETER
	}

	return s.Memory.Slice(addr, int(size))
}

func (s *Services) status(err error) efi.Status {
	if err != nil && s.Debug {
		log.Printf("firmware: %v", err)
	}

	return efi.StatusOf(err)
}
