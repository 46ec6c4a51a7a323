// Copyright (c) The go-boot authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !transparency

package transparency

import (
	"regexp"
	"testing"
)

func TestValidateUnavailable(t *testing.T) {
	b := BootEntry{
		NewArtifact(LinuxKernel, []byte("vmlinuz")),
	}

	if err := b.Validate(&Config{Status: None}); err != nil {
		t.Fatal(err)
	}

	err := b.Validate(&Config{Status: Offline})

	if err == nil || !regexp.MustCompile(`not available`).MatchString(err.Error()) {
		t.Fatal(err)
	}

	err = BootEntry{{Category: Initrd}}.Validate(&Config{Status: Online})

	if err == nil || !regexp.MustCompile(`invalid artifact hash`).MatchString(err.Error()) {
		t.Fatal(err)
	}
}
