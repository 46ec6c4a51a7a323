// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package efi

import (
	"errors"
	"fmt"
)

const errorBit = 1 << 63

// Status represents an EFI_STATUS return code, it implements the error
// interface so that service providers can return it (optionally wrapped) as a
// Go error.
type Status uint64

// EFI_STATUS codes (Appendix D - Status Codes)
const (
	EFI_SUCCESS              Status = 0
	EFI_LOAD_ERROR           Status = errorBit | 1
	EFI_INVALID_PARAMETER    Status = errorBit | 2
	EFI_UNSUPPORTED          Status = errorBit | 3
	EFI_BAD_BUFFER_SIZE      Status = errorBit | 4
	EFI_BUFFER_TOO_SMALL     Status = errorBit | 5
	EFI_NOT_READY            Status = errorBit | 6
	EFI_DEVICE_ERROR         Status = errorBit | 7
	EFI_WRITE_PROTECTED      Status = errorBit | 8
	EFI_OUT_OF_RESOURCES     Status = errorBit | 9
	EFI_VOLUME_CORRUPTED     Status = errorBit | 10
	EFI_VOLUME_FULL          Status = errorBit | 11
	EFI_NO_MEDIA             Status = errorBit | 12
	EFI_MEDIA_CHANGED        Status = errorBit | 13
	EFI_NOT_FOUND            Status = errorBit | 14
	EFI_ACCESS_DENIED        Status = errorBit | 15
	EFI_NO_RESPONSE          Status = errorBit | 16
	EFI_NO_MAPPING           Status = errorBit | 17
	EFI_TIMEOUT              Status = errorBit | 18
	EFI_NOT_STARTED          Status = errorBit | 19
	EFI_ALREADY_STARTED      Status = errorBit | 20
	EFI_ABORTED              Status = errorBit | 21
	EFI_ICMP_ERROR           Status = errorBit | 22
	EFI_TFTP_ERROR           Status = errorBit | 23
	EFI_PROTOCOL_ERROR       Status = errorBit | 24
	EFI_INCOMPATIBLE_VERSION Status = errorBit | 25
	EFI_SECURITY_VIOLATION   Status = errorBit | 26
	EFI_CRC_ERROR            Status = errorBit | 27
	EFI_END_OF_MEDIA         Status = errorBit | 28
	EFI_END_OF_FILE          Status = errorBit | 31
	EFI_INVALID_LANGUAGE     Status = errorBit | 32
	EFI_COMPROMISED_DATA     Status = errorBit | 33
)

var statusNames = map[Status]string{
	EFI_SUCCESS:              "success",
	EFI_LOAD_ERROR:           "load error",
	EFI_INVALID_PARAMETER:    "invalid parameter",
	EFI_UNSUPPORTED:          "unsupported",
	EFI_BAD_BUFFER_SIZE:      "bad buffer size",
	EFI_BUFFER_TOO_SMALL:     "buffer too small",
	EFI_NOT_READY:            "not ready",
	EFI_DEVICE_ERROR:         "device error",
	EFI_WRITE_PROTECTED:      "write protected",
	EFI_OUT_OF_RESOURCES:     "out of resources",
	EFI_VOLUME_CORRUPTED:     "volume corrupted",
	EFI_VOLUME_FULL:          "volume full",
	EFI_NO_MEDIA:             "no media",
	EFI_MEDIA_CHANGED:        "media changed",
	EFI_NOT_FOUND:            "not found",
	EFI_ACCESS_DENIED:        "access denied",
	EFI_NO_RESPONSE:          "no response",
	EFI_NO_MAPPING:           "no mapping",
	EFI_TIMEOUT:              "timeout",
	EFI_NOT_STARTED:          "not started",
	EFI_ALREADY_STARTED:      "already started",
	EFI_ABORTED:              "aborted",
	EFI_ICMP_ERROR:           "ICMP error",
	EFI_TFTP_ERROR:           "TFTP error",
	EFI_PROTOCOL_ERROR:       "protocol error",
	EFI_INCOMPATIBLE_VERSION: "incompatible version",
	EFI_SECURITY_VIOLATION:   "security violation",
	EFI_CRC_ERROR:            "CRC error",
	EFI_END_OF_MEDIA:         "end of media",
	EFI_END_OF_FILE:          "end of file",
	EFI_INVALID_LANGUAGE:     "invalid language",
	EFI_COMPROMISED_DATA:     "compromised data",
}

// IsError returns whether the status represents an error condition.
func (s Status) IsError() bool {
	return s&errorBit != 0
}

// Error implements the error interface.
func (s Status) Error() string {
	if name, ok := statusNames[s]; ok {
		return "EFI_STATUS " + name
	}

	return fmt.Sprintf("EFI_STATUS error %#x", uint64(s)&^errorBit)
}

// StatusOf returns the EFI_STATUS code carried by an error, errors without
// one are reported as EFI_DEVICE_ERROR.
func StatusOf(err error) Status {
	var s Status

	if err == nil {
		return EFI_SUCCESS
	}

	if errors.As(err, &s) {
		return s
	}

	return EFI_DEVICE_ERROR
}
