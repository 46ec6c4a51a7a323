// Copyright (c) The go-boot authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package firmware

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/usbarmory/go-firmware/efi"
)

// EFI variable attributes
const (
	EFI_VARIABLE_NON_VOLATILE                          = 0x01
	EFI_VARIABLE_BOOTSERVICE_ACCESS                    = 0x02
	EFI_VARIABLE_RUNTIME_ACCESS                        = 0x04
	EFI_VARIABLE_HARDWARE_ERROR_RECORD                 = 0x08
	EFI_VARIABLE_AUTHENTICATED_WRITE_ACCESS            = 0x10
	EFI_VARIABLE_TIME_BASED_AUTHENTICATED_WRITE_ACCESS = 0x20
	EFI_VARIABLE_APPEND_WRITE                          = 0x40
	EFI_VARIABLE_ENHANCED_AUTHENTICATED_ACCESS         = 0x80
)

// maximum variable data size
const maxVariableSize = 64 * 1024

// VariableAttributes represents the attributes of a UEFI variable.
// See: https://uefi.org/specs/UEFI/2.11/08_Services_Runtime_Services.html#getvariable
type VariableAttributes struct {
	NonVolatile              bool
	BootServiceAccess        bool
	RuntimeServiceAccess     bool
	HardwareErrorRecord      bool
	AuthWriteAccess          bool
	TimeBasedAuthWriteAccess bool
	AppendWrite              bool
	EnhancedAuthAccess       bool
}

// ParseVariableAttributes decodes an EFI variable attributes mask.
func ParseVariableAttributes(attributes uint32) (attr VariableAttributes) {
	attr.NonVolatile = attributes&EFI_VARIABLE_NON_VOLATILE != 0
	attr.BootServiceAccess = attributes&EFI_VARIABLE_BOOTSERVICE_ACCESS != 0
	attr.RuntimeServiceAccess = attributes&EFI_VARIABLE_RUNTIME_ACCESS != 0
	attr.HardwareErrorRecord = attributes&EFI_VARIABLE_HARDWARE_ERROR_RECORD != 0
	attr.AuthWriteAccess = attributes&EFI_VARIABLE_AUTHENTICATED_WRITE_ACCESS != 0
	attr.TimeBasedAuthWriteAccess = attributes&EFI_VARIABLE_TIME_BASED_AUTHENTICATED_WRITE_ACCESS != 0
	attr.AppendWrite = attributes&EFI_VARIABLE_APPEND_WRITE != 0
	attr.EnhancedAuthAccess = attributes&EFI_VARIABLE_ENHANCED_AUTHENTICATED_ACCESS != 0

	return
}

// String returns the attribute flags in the form used by efivar tools.
func (attr VariableAttributes) String() string {
	var b bytes.Buffer

	flag := func(set bool, s string) {
		if set {
			b.WriteString(s)
		} else {
			b.WriteString("-")
		}
	}

	flag(attr.NonVolatile, "N")
	flag(attr.BootServiceAccess, "B")
	flag(attr.RuntimeServiceAccess, "R")
	flag(attr.HardwareErrorRecord, "H")
	flag(attr.AuthWriteAccess, "A")
	flag(attr.TimeBasedAuthWriteAccess, "T")
	flag(attr.AppendWrite, "W")
	flag(attr.EnhancedAuthAccess, "E")

	return b.String()
}

// Variable represents an EFI variable.
type Variable struct {
	Name       string
	GUID       efi.GUID
	Attributes uint32
	Data       []byte
}

// Variables represents a bounded volatile variable store.
type Variables struct {
	sync.Mutex

	vars []*Variable
	max  int
}

// NewVariables returns a variable store with the argument capacity.
func NewVariables(max int) *Variables {
	return &Variables{
		max: max,
	}
}

func (v *Variables) index(name string, guid efi.GUID) int {
	for i, e := range v.vars {
		if e.Name == name && e.GUID == guid {
			return i
		}
	}

	return -1
}

func visible(e *Variable, runtime bool) bool {
	return !runtime || e.Attributes&EFI_VARIABLE_RUNTIME_ACCESS != 0
}

// Get returns a copy of the variable matching the argument name and vendor
// GUID, when runtime is set only variables with runtime access are
// returned.
func (v *Variables) Get(name string, guid efi.GUID, runtime bool) (*Variable, error) {
	v.Lock()
	defer v.Unlock()

	i := v.index(name, guid)

	if i < 0 || !visible(v.vars[i], runtime) {
		return nil, fmt.Errorf("variable %s not found, %w", name, efi.EFI_NOT_FOUND)
	}

	e := *v.vars[i]
	e.Data = bytes.Clone(e.Data)

	return &e, nil
}

// Set creates, updates, appends to or deletes a variable, an empty data
// buffer or zero attributes delete the variable.
func (v *Variables) Set(name string, guid efi.GUID, attributes uint32, data []byte, runtime bool) error {
	if len(name) == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	if attributes&(EFI_VARIABLE_AUTHENTICATED_WRITE_ACCESS|EFI_VARIABLE_TIME_BASED_AUTHENTICATED_WRITE_ACCESS|EFI_VARIABLE_ENHANCED_AUTHENTICATED_ACCESS) != 0 {
		return fmt.Errorf("authenticated variables, %w", efi.EFI_UNSUPPORTED)
	}

	if attributes&EFI_VARIABLE_RUNTIME_ACCESS != 0 && attributes&EFI_VARIABLE_BOOTSERVICE_ACCESS == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	if runtime && attributes != 0 && attributes&EFI_VARIABLE_RUNTIME_ACCESS == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	v.Lock()
	defer v.Unlock()

	i := v.index(name, guid)
	appendWrite := attributes&EFI_VARIABLE_APPEND_WRITE != 0
	attributes &^= EFI_VARIABLE_APPEND_WRITE

	if i >= 0 && !visible(v.vars[i], runtime) {
		return efi.EFI_INVALID_PARAMETER
	}

	switch {
	case appendWrite && len(data) == 0 && i >= 0:
		return nil
	case attributes == 0 || len(data) == 0:
		if i < 0 {
			return fmt.Errorf("variable %s not found, %w", name, efi.EFI_NOT_FOUND)
		}

		v.vars = append(v.vars[:i], v.vars[i+1:]...)

		return nil
	case i >= 0 && v.vars[i].Attributes != attributes:
		return fmt.Errorf("variable %s attributes mismatch, %w", name, efi.EFI_INVALID_PARAMETER)
	case i >= 0 && appendWrite:
		data = append(bytes.Clone(v.vars[i].Data), data...)
	}

	if len(data) > maxVariableSize {
		return fmt.Errorf("variable %s too large, %w", name, efi.EFI_OUT_OF_RESOURCES)
	}

	if i >= 0 {
		v.vars[i].Data = bytes.Clone(data)
		return nil
	}

	if len(v.vars) >= v.max {
		return fmt.Errorf("variable store full, %w", efi.EFI_OUT_OF_RESOURCES)
	}

	v.vars = append(v.vars, &Variable{
		Name:       name,
		GUID:       guid,
		Attributes: attributes,
		Data:       bytes.Clone(data),
	})

	return nil
}

// Next returns the name and vendor GUID of the variable following the
// argument one, an empty name returns the first variable.
func (v *Variables) Next(name string, guid efi.GUID, runtime bool) (string, efi.GUID, error) {
	v.Lock()
	defer v.Unlock()

	i := 0

	if len(name) > 0 {
		if i = v.index(name, guid); i < 0 {
			return "", efi.GUID{}, efi.EFI_INVALID_PARAMETER
		}

		i++
	}

	for ; i < len(v.vars); i++ {
		if visible(v.vars[i], runtime) {
			return v.vars[i].Name, v.vars[i].GUID, nil
		}
	}

	return "", efi.GUID{}, efi.EFI_NOT_FOUND
}

// All returns copies of all variables.
func (v *Variables) All() (vars []Variable) {
	v.Lock()
	defer v.Unlock()

	for _, e := range v.vars {
		c := *e
		c.Data = bytes.Clone(e.Data)
		vars = append(vars, c)
	}

	return
}
