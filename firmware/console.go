// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package firmware

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/usbarmory/go-firmware/efi"
	"github.com/usbarmory/go-firmware/mem"
)

// EFI_SIMPLE_TEXT_OUTPUT_PROTOCOL size
const textOutputSize = 0x50

// EFI_SIMPLE_TEXT_INPUT_PROTOCOL size
const textInputSize = 0x18

// text mode geometry
const (
	textColumns = 80
	textRows    = 25
)

// default text attribute (EFI_LIGHTGRAY on EFI_BLACK)
const textAttribute = 0x07

// TextMode represents an EFI Simple Text Output Mode.
type TextMode struct {
	MaxMode       int32
	Mode          int32
	Attribute     int32
	CursorColumn  int32
	CursorRow     int32
	CursorVisible bool
	_             [3]byte
}

// InputKey represents an EFI Input Key descriptor.
type InputKey struct {
	ScanCode    uint16
	UnicodeChar uint16
}

func (s *Services) initConsole() (err error) {
	defs := []serviceDef{
		{"ConOut.Reset", 2, s.success},
		{"ConOut.OutputString", 2, s.outputString},
		{"ConOut.TestString", 2, s.success},
		{"ConOut.QueryMode", 4, s.queryMode},
		{"ConOut.SetMode", 2, s.setMode},
		{"ConOut.SetAttribute", 2, s.setAttribute},
		{"ConOut.ClearScreen", 1, s.clearScreen},
		{"ConOut.SetCursorPosition", 3, s.setCursorPosition},
		{"ConOut.EnableCursor", 2, s.enableCursor},
	}

	var out []byte

	for _, def := range defs {
		fn, err := s.entry(def.name, false, def.nargs, def.fn)

		if err != nil {
			return err
		}

		out = appendUint64(out, fn)
	}

	mode := &TextMode{
		MaxMode:       1,
		Attribute:     textAttribute,
		CursorVisible: true,
	}

	modeSize := efi.Sizeof(mode)

	if s.conOut, err = s.Allocator.AllocatePool(efi.EfiBootServicesData, uint64(textOutputSize+modeSize)); err != nil {
		return fmt.Errorf("could not allocate console output, %w", err)
	}

	s.textMode = s.conOut + textOutputSize
	out = appendUint64(out, s.textMode)

	if err = mem.Write(s.Memory, s.conOut, out); err != nil {
		return
	}

	if err = mem.WriteStruct(s.Memory, s.textMode, mode); err != nil {
		return
	}

	var in []byte

	for _, def := range []serviceDef{
		{"ConIn.Reset", 2, s.success},
		{"ConIn.ReadKeyStroke", 2, s.readKeyStroke},
	} {
		fn, err := s.entry(def.name, false, def.nargs, def.fn)

		if err != nil {
			return err
		}

		in = appendUint64(in, fn)
	}

	// WaitForKey event
	in = appendUint64(in, 0)

	if s.conIn, err = s.Allocator.AllocatePool(efi.EfiBootServicesData, textInputSize); err != nil {
		return fmt.Errorf("could not allocate console input, %w", err)
	}

	if err = mem.Write(s.Memory, s.conIn, in); err != nil {
		return
	}

	if s.consoleIn, err = s.Database.Install(0, efi.SimpleTextInputProtocolGUID, s.conIn); err != nil {
		return
	}

	s.consoleOut, err = s.Database.Install(0, efi.SimpleTextOutputProtocolGUID, s.conOut)

	return
}

func appendUint64(buf []byte, val uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, val)
}

func (s *Services) mode() (*TextMode, error) {
	mode := &TextMode{}
	return mode, mem.ReadStruct(s.Memory, s.textMode, mode)
}

// outputString implements EFI_SIMPLE_TEXT_OUTPUT_PROTOCOL.OutputString(
// *This, *String).
func (s *Services) outputString(args []uint64) efi.Status {
	if args[0] != s.conOut {
		return efi.EFI_INVALID_PARAMETER
	}

	str, err := mem.ReadString(s.Memory, args[1], maxString)

	if err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	// CRLF line endings are normalized for the console writer
	str = strings.ReplaceAll(str, "\r\n", "\n")

	if _, err = s.conf.Console.Write([]byte(str)); err != nil {
		return efi.EFI_DEVICE_ERROR
	}

	return efi.EFI_SUCCESS
}

// queryMode implements EFI_SIMPLE_TEXT_OUTPUT_PROTOCOL.QueryMode(*This,
// ModeNumber, *Columns, *Rows).
func (s *Services) queryMode(args []uint64) efi.Status {
	if args[1] != 0 {
		return efi.EFI_UNSUPPORTED
	}

	if args[2] == 0 || args[3] == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	if err := s.write64(args[2], textColumns); err != nil {
		return efi.EFI_INVALID_PARAMETER
	}

	return s.status(s.write64(args[3], textRows))
}

func (s *Services) setMode(args []uint64) efi.Status {
	if args[1] != 0 {
		return efi.EFI_UNSUPPORTED
	}

	return efi.EFI_SUCCESS
}

func (s *Services) setAttribute(args []uint64) efi.Status {
	mode, err := s.mode()

	if err != nil || args[1] > 0x7f {
		return efi.EFI_INVALID_PARAMETER
	}

	mode.Attribute = int32(args[1])

	return s.status(mem.WriteStruct(s.Memory, s.textMode, mode))
}

func (s *Services) clearScreen(_ []uint64) efi.Status {
	mode, err := s.mode()

	if err != nil {
		return efi.EFI_DEVICE_ERROR
	}

	mode.CursorColumn = 0
	mode.CursorRow = 0

	if _, err = fmt.Fprint(s.conf.Console, "\x1b[2J\x1b[H"); err != nil {
		return efi.EFI_DEVICE_ERROR
	}

	return s.status(mem.WriteStruct(s.Memory, s.textMode, mode))
}

func (s *Services) setCursorPosition(args []uint64) efi.Status {
	col, row := args[1], args[2]

	if col >= textColumns || row >= textRows {
		return efi.EFI_UNSUPPORTED
	}

	mode, err := s.mode()

	if err != nil {
		return efi.EFI_DEVICE_ERROR
	}

	mode.CursorColumn = int32(col)
	mode.CursorRow = int32(row)

	if _, err = fmt.Fprintf(s.conf.Console, "\x1b[%d;%dH", row+1, col+1); err != nil {
		return efi.EFI_DEVICE_ERROR
	}

	return s.status(mem.WriteStruct(s.Memory, s.textMode, mode))
}

func (s *Services) enableCursor(args []uint64) efi.Status {
	mode, err := s.mode()

	if err != nil {
		return efi.EFI_DEVICE_ERROR
	}

	mode.CursorVisible = args[1] != 0

	return s.status(mem.WriteStruct(s.Memory, s.textMode, mode))
}

// readKeyStroke implements EFI_SIMPLE_TEXT_INPUT_PROTOCOL.ReadKeyStroke(
// *This, *Key).
func (s *Services) readKeyStroke(args []uint64) efi.Status {
	if args[0] != s.conIn || args[1] == 0 {
		return efi.EFI_INVALID_PARAMETER
	}

	var r rune

	select {
	case r = <-s.conf.Input:
	default:
		return efi.EFI_NOT_READY
	}

	if r == '\n' {
		r = '\r'
	}

	key := &InputKey{
		UnicodeChar: uint16(r),
	}

	return s.status(mem.WriteStruct(s.Memory, args[1], key))
}
