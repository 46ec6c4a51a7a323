// Copyright (c) The go-boot authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !transparency

package transparency

import (
	"errors"
)

// Validate rejects enabled configurations as boot-transparency support is
// not compiled in (see the transparency build tag).
func (b BootEntry) Validate(c *Config) (err error) {
	if c.Status == None {
		return
	}

	if len(b) == 0 {
		return errors.New("invalid boot entry")
	}

	for _, a := range b {
		if err = a.validHash(); err != nil {
			return
		}
	}

	return errors.New("boot-transparency support not available")
}
