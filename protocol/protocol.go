// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package protocol implements the firmware handle database, associating
// opaque handles with sets of protocol interfaces identified by GUID.
//
// Handles are generation tagged indices within a bounded arena, handles
// which do not resolve to a live slot of the arena are rejected rather than
// dereferenced.
package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/usbarmory/go-firmware/efi"
)

// Default database capacities.
const (
	DefaultMaxHandles   = 16
	DefaultMaxProtocols = 16
)

// MaxMultiple represents the maximum number of interfaces accepted by a
// single [Database.InstallMultiple] call.
const MaxMultiple = 8

// handle signature tag ('IHDL')
const signature = 0x4c444849

// ErrCorrupted is raised when a slot fails its own bookkeeping checks.
var ErrCorrupted = errors.New("handle database corrupted")

// Handle represents an opaque handle token, the zero value represents the
// null handle.
type Handle uint64

// Record represents a protocol interface installed on a handle.
type Record struct {
	GUID      efi.GUID
	Interface uint64
}

type slot struct {
	generation uint16
	records    []Record
}

// Database represents a bounded handle database.
type Database struct {
	sync.Mutex

	slots        []*slot
	maxHandles   int
	maxProtocols int
	generation   uint16
}

// NewDatabase initializes a handle database with the argument capacities,
// non positive values select the defaults.
func NewDatabase(maxHandles int, maxProtocols int) *Database {
	if maxHandles <= 0 {
		maxHandles = DefaultMaxHandles
	}

	if maxProtocols <= 0 {
		maxProtocols = DefaultMaxProtocols
	}

	return &Database{
		maxHandles:   maxHandles,
		maxProtocols: maxProtocols,
	}
}

func (db *Database) handle(index int) Handle {
	return Handle(signature<<32 | uint64(db.slots[index].generation)<<16 | uint64(index+1))
}

func (db *Database) resolve(h Handle) (*slot, error) {
	index := int(h&0xffff) - 1
	generation := uint16(h >> 16)

	if uint64(h)>>32 != signature || index < 0 || index >= len(db.slots) {
		return nil, fmt.Errorf("invalid handle %#x, %w", uint64(h), efi.EFI_INVALID_PARAMETER)
	}

	s := db.slots[index]

	if s.generation != generation {
		return nil, fmt.Errorf("stale handle %#x, %w", uint64(h), efi.EFI_INVALID_PARAMETER)
	}

	if len(s.records) > db.maxProtocols {
		panic(ErrCorrupted)
	}

	return s, nil
}

// Install adds a protocol interface to the argument handle, a new handle is
// allocated when the null handle is passed. The target handle is returned.
func (db *Database) Install(h Handle, guid efi.GUID, iface uint64) (Handle, error) {
	db.Lock()
	defer db.Unlock()

	return db.install(h, guid, iface)
}

func (db *Database) install(h Handle, guid efi.GUID, iface uint64) (Handle, error) {
	var s *slot
	var err error

	if h == 0 {
		if len(db.slots) >= db.maxHandles {
			return 0, fmt.Errorf("handle database full, %w", efi.EFI_OUT_OF_RESOURCES)
		}

		db.generation++
		db.slots = append(db.slots, &slot{generation: db.generation})

		h = db.handle(len(db.slots) - 1)
	}

	if s, err = db.resolve(h); err != nil {
		return 0, err
	}

	for _, r := range s.records {
		if r.GUID == guid {
			return h, fmt.Errorf("protocol %s already installed, %w", guid, efi.EFI_INVALID_PARAMETER)
		}
	}

	if len(s.records) >= db.maxProtocols {
		return h, fmt.Errorf("handle protocol table full, %w", efi.EFI_OUT_OF_RESOURCES)
	}

	s.records = append(s.records, Record{GUID: guid, Interface: iface})

	return h, nil
}

// InstallMultiple adds up to [MaxMultiple] protocol interfaces to the
// argument handle, with the same handle allocation rules as [Install].
//
// Records are installed in order, on failure the records installed so far
// are not rolled back and the error is returned with the target handle.
func (db *Database) InstallMultiple(h Handle, records []Record) (Handle, error) {
	if len(records) == 0 {
		return h, efi.EFI_INVALID_PARAMETER
	}

	if len(records) > MaxMultiple {
		return h, fmt.Errorf("too many interfaces (%d), %w", len(records), efi.EFI_UNSUPPORTED)
	}

	db.Lock()
	defer db.Unlock()

	for _, r := range records {
		var err error

		if h, err = db.install(h, r.GUID, r.Interface); err != nil {
			return h, err
		}
	}

	return h, nil
}

// Lookup returns the interface of a protocol installed on the argument
// handle.
func (db *Database) Lookup(h Handle, guid efi.GUID) (uint64, error) {
	db.Lock()
	defer db.Unlock()

	s, err := db.resolve(h)

	if err != nil {
		return 0, err
	}

	for _, r := range s.records {
		if r.GUID == guid {
			return r.Interface, nil
		}
	}

	return 0, fmt.Errorf("protocol %s not found, %w", guid, efi.EFI_NOT_FOUND)
}

// LocateAll returns all handles supporting the argument protocol, in
// allocation order.
func (db *Database) LocateAll(guid efi.GUID) (handles []Handle) {
	db.Lock()
	defer db.Unlock()

	for i, s := range db.slots {
		for _, r := range s.records {
			if r.GUID == guid {
				handles = append(handles, db.handle(i))
				break
			}
		}
	}

	return
}

// LocateOne returns the first interface, in allocation order, installed for
// the argument protocol.
func (db *Database) LocateOne(guid efi.GUID) (uint64, error) {
	db.Lock()
	defer db.Unlock()

	for _, s := range db.slots {
		for _, r := range s.records {
			if r.GUID == guid {
				return r.Interface, nil
			}
		}
	}

	return 0, fmt.Errorf("protocol %s not found, %w", guid, efi.EFI_NOT_FOUND)
}

// Handles returns all allocated handles, in allocation order.
func (db *Database) Handles() (handles []Handle) {
	db.Lock()
	defer db.Unlock()

	for i := range db.slots {
		handles = append(handles, db.handle(i))
	}

	return
}

// Protocols returns the protocol records installed on the argument handle,
// in installation order.
func (db *Database) Protocols(h Handle) ([]Record, error) {
	db.Lock()
	defer db.Unlock()

	s, err := db.resolve(h)

	if err != nil {
		return nil, err
	}

	return append([]Record{}, s.records...), nil
}
