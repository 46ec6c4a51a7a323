// Copyright (c) The go-boot authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package efi

import (
	"bytes"
	"testing"
)

func TestParseGUID(t *testing.T) {
	s := "5b1b31a1-9562-11d2-8e3f-00a0c969723b"

	g, err := ParseGUID(s)

	if err != nil {
		t.Fatal(err)
	}

	native := []byte{0xa1, 0x31, 0x1b, 0x5b, 0x62, 0x95, 0xd2, 0x11, 0x8e, 0x3f, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}

	if !bytes.Equal(g[:], native) {
		t.Fatalf("unexpected native layout %x", g[:])
	}

	if g.String() != s {
		t.Fatalf("unexpected string %s", g.String())
	}
}

func TestParseGUIDInvalid(t *testing.T) {
	for _, s := range []string{"", "5b1b31a1-9562-11d2-8e3f", "zb1b31a1-9562-11d2-8e3f-00a0c969723b"} {
		if _, err := ParseGUID(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}
