// Copyright (c) The go-boot authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago

// Package x64 provides hardware initialization, automatically on import, for
// the firmware running on a single x86_64 core.
//
// This package is only meant to be used with `GOOS=tamago` as
// supported by the TamaGo framework for bare metal Go, see
// https://github.com/usbarmory/tamago.
package x64

import (
	"runtime/goos"
	_ "unsafe"

	"github.com/usbarmory/tamago/amd64"
	"github.com/usbarmory/tamago/soc/intel/rtc"
	"github.com/usbarmory/tamago/soc/intel/uart"
)

// Peripheral registers
const (
	// Keyboard controller port
	KBD_PORT = 0x64

	// Communication port
	COM1 = 0x3f8
)

// Memory layout
const (
	// RamStart represents the Go runtime memory start address.
	RamStart = 0x10000000
	// RamSize represents the Go runtime memory size.
	RamSize = 0x10000000

	// FirmwareStart represents the start address of the memory served
	// to loaded images, after the Go runtime memory.
	FirmwareStart = RamStart + RamSize
	// FirmwareSize represents the size of the memory served to loaded
	// images.
	FirmwareSize = 0x20000000
)

//go:linkname ramStart runtime.ramStart
var ramStart uint64 = RamStart

//go:linkname ramSize runtime.ramSize
var ramSize uint64 = RamSize

// Peripheral instances
var (
	// AMD64 core
	AMD64 = &amd64.CPU{
		// required before Init()
		TimerMultiplier: 1,
	}

	// Real-Time Clock
	RTC = &rtc.RTC{}

	// Serial port
	UART0 = &uart.UART{
		Index: 1,
		Base:  COM1,
		DTR:   true,
		RTS:   true,
	}
)

//go:linkname nanotime runtime/goos.Nanotime
func nanotime() int64 {
	return AMD64.GetTime()
}

//go:linkname printk runtime/goos.Printk
func printk(c byte) {
	UART0.Tx(c)
}

// Init takes care of the lower level initialization triggered early in runtime
// setup.
//
//go:linkname Init runtime/goos.Hwinit1
func Init() {
	// initialize CPU
	AMD64.Init()

	// disable CPU idle time management
	goos.Idle = nil

	// initialize serial console
	UART0.Init()
}

func init() {
	if t, err := RTC.Now(); err == nil {
		AMD64.SetTime(t.UnixNano())
	}
}

// Reset resets the CPU, the reset type is ignored.
func Reset(_ int) {
	AMD64.Reset()
}
