// Copyright (c) The go-boot authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package transparency implements an interface to the
// boot-transparency library functions to ease boot bundle
// validation.
package transparency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
)

// Status represents the status of the boot transparency functionality.
type Status int

// Boot transparency status codes
const (
	// Boot transparency disabled.
	None Status = iota

	// Boot transparency enabled in offline mode.
	Offline

	// Boot transparency enabled in online mode.
	Online
)

var statusNames = map[Status]string{
	None:    "none",
	Offline: "offline",
	Online:  "online",
}

// String returns the status name.
func (s Status) String() string {
	return statusNames[s]
}

// ParseStatus parses a status name.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}

	return None, fmt.Errorf("invalid boot-transparency status %q", name)
}

// Artifact categories, matching boot-transparency library identifiers.
const (
	LinuxKernel uint = 1
	Initrd      uint = 2
)

// Artifact represents a boot artifact.
type Artifact struct {
	// Category represents the artifact category as defined
	// in the boot-transparency library.
	Category uint

	// Hash represents the SHA256 checksum of the artifact.
	Hash []byte
}

// NewArtifact returns the artifact for the argument contents.
func NewArtifact(category uint, buf []byte) Artifact {
	h := sha256.Sum256(buf)
	return Artifact{Category: category, Hash: h[:]}
}

func (a Artifact) validHash() (err error) {
	if len(a.Hash) != sha256.Size {
		err = fmt.Errorf("%w for artifact category %d", ErrHashInvalid, a.Category)
	}

	return
}

// BootEntry represents a boot entry as a set of artifacts.
type BootEntry []Artifact

// ErrHashMismatch represents an hash mismatch error.
var ErrHashMismatch = errors.New("file hash mismatch")

// ErrHashInvalid represents an hash invalid error.
var ErrHashInvalid = errors.New("invalid artifact hash")

// Boot transparency configuration root directory and filenames.
const (
	transparencyRoot = "transparency"

	bootPolicy    = "policy.json"
	witnessPolicy = "trust_policy"
	proofBundle   = "proof-bundle.json"
	submitKey     = "submit-key.pub"
	logKey        = "log-key.pub"
)

// Config represents the configuration for the boot transparency functionality.
type Config struct {
	// Status represents the status of the boot transparency functionality.
	Status Status

	// BootPolicy represents the boot policy in JSON format
	// following the policy syntax supported by boot-transparency library.
	BootPolicy []byte

	// WitnessPolicy represents the witness policy following
	// the Sigsum plaintext witness policy format.
	WitnessPolicy []byte

	// SubmitKey represents the log submitter public key in OpenSSH format.
	SubmitKey []byte

	// LogKey represents the log public key in OpenSSH format.
	LogKey []byte

	// ProofBundle represents the proof bundle in JSON format
	// following the proof bundle format supported by boot-transparency library.
	ProofBundle []byte
}

// Path returns a unique configuration path for a given set of
// artifacts (i.e. boot entry), artifacts are ordered by category.
//
// An error is returned if one of the artifacts does not include a valid
// SHA-256 hash.
func (c *Config) Path(b BootEntry) (entryPath string, err error) {
	if len(b) == 0 {
		return "", errors.New("cannot build configuration path, empty boot entry")
	}

	artifacts := slices.Clone(b)

	slices.SortStableFunc(artifacts, func(a, b Artifact) int {
		return int(a.Category) - int(b.Category)
	})

	entryPath = transparencyRoot

	for _, a := range artifacts {
		if err = a.validHash(); err != nil {
			return "", fmt.Errorf("cannot build configuration path, %w", err)
		}

		entryPath = path.Join(entryPath, hex.EncodeToString(a.Hash))
	}

	return
}

// Load reads the configuration files from the argument directory of a file
// system.
func (c *Config) Load(fsys fs.FS, dir string) (err error) {
	assets := []struct {
		name string
		dst  *[]byte
	}{
		{bootPolicy, &c.BootPolicy},
		{witnessPolicy, &c.WitnessPolicy},
		{submitKey, &c.SubmitKey},
		{logKey, &c.LogKey},
		{proofBundle, &c.ProofBundle},
	}

	for _, asset := range assets {
		if *asset.dst, err = fs.ReadFile(fsys, path.Join(dir, asset.name)); err != nil {
			return fmt.Errorf("cannot load configuration file %s, %v", asset.name, err)
		}
	}

	return
}

// LoadEntry reads the per-entry configuration files of the argument boot
// entry, falling back to the configuration root directory when no per-entry
// configuration exists.
func (c *Config) LoadEntry(fsys fs.FS, b BootEntry) (err error) {
	entryPath, err := c.Path(b)

	if err != nil {
		return
	}

	if _, err = fs.Stat(fsys, entryPath); err != nil {
		entryPath = transparencyRoot
	}

	return c.Load(fsys, entryPath)
}

// Clear discards all loaded configuration files.
func (c *Config) Clear() {
	c.BootPolicy = nil
	c.WitnessPolicy = nil
	c.SubmitKey = nil
	c.LogKey = nil
	c.ProofBundle = nil
}
