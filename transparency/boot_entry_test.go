// Copyright (c) The go-boot authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build transparency

package transparency

import (
	"regexp"
	"testing"
)

func TestOfflineValidate(t *testing.T) {
	c := Config{
		Status: Offline,

		BootPolicy:    testBootPolicy,
		WitnessPolicy: testWitnessPolicy,
		SubmitKey:     testSubmitKey,
		LogKey:        testLogKey,
		ProofBundle:   testProofBundle,
	}

	b := BootEntry{
		Artifact{
			Category: LinuxKernel,
			Hash:     kernelHash,
		},
		Artifact{
			Category: Initrd,
			Hash:     initrdHash,
		},
	}

	if err := b.Validate(&c); err != nil {
		t.Fatal(err)
	}
}

func TestOnlineValidate(t *testing.T) {
	c := Config{
		Status: Online,

		BootPolicy:    testBootPolicy,
		WitnessPolicy: testWitnessPolicy,
		SubmitKey:     testSubmitKey,
		LogKey:        testLogKey,
		ProofBundle:   testProofBundle,
	}

	b := BootEntry{
		Artifact{
			Category: LinuxKernel,
			Hash:     kernelHash,
		},
		Artifact{
			Category: Initrd,
			Hash:     initrdHash,
		},
	}

	if err := b.Validate(&c); err != nil {
		t.Fatal(err)
	}
}

func TestOfflineValidateInvalidBootEntry(t *testing.T) {
	c := Config{
		Status: Offline,

		BootPolicy:    testBootPolicy,
		WitnessPolicy: testWitnessPolicy,
		SubmitKey:     testSubmitKey,
		LogKey:        testLogKey,
		ProofBundle:   testProofBundle,
	}

	b := BootEntry{
		Artifact{
			Category: LinuxKernel,
			Hash:     kernelHash,
		},
		Artifact{
			Category: Initrd,
			// missing Hash
		},
	}

	err := b.Validate(&c)

	// Error expected: missing required Hash.
	if err == nil {
		t.Fatal(err)
	}

	if !regexp.MustCompile(`invalid artifact hash`).MatchString(err.Error()) {
		t.Fatal(err)
	}
}

func TestOfflineValidateHashMismatch(t *testing.T) {
	c := Config{
		Status: Offline,

		BootPolicy:    testBootPolicy,
		WitnessPolicy: testWitnessPolicy,
		SubmitKey:     testSubmitKey,
		LogKey:        testLogKey,
		ProofBundle:   testProofBundle,
	}

	b := BootEntry{
		Artifact{
			Category: LinuxKernel,
			Hash:     incorrectKernelHash,
		},
		Artifact{
			Category: Initrd,
			Hash:     initrdHash,
		},
	}

	err := b.Validate(&c)

	// Error expected: incorrect hash.
	if err == nil {
		t.Fatal(err)
	}

	if !regexp.MustCompile(`file hash mismatch`).MatchString(err.Error()) {
		t.Fatal(err)
	}
}

func TestOfflineValidatePolicyNotMet(t *testing.T) {
	c := Config{
		Status: Offline,

		BootPolicy:    testBootPolicyUnauthorized,
		WitnessPolicy: testWitnessPolicy,
		SubmitKey:     testSubmitKey,
		LogKey:        testLogKey,
		ProofBundle:   testProofBundle,
	}

	b := BootEntry{
		Artifact{
			Category: LinuxKernel,
			Hash:     kernelHash,
		},
		Artifact{
			Category: Initrd,
			Hash:     initrdHash,
		},
	}

	// Error expected: requirement not met.
	err := b.Validate(&c)

	if err == nil {
		t.Fatal(err)
	}

	if !regexp.MustCompile(`build args requirement .+ not met`).MatchString(err.Error()) {
		t.Fatal(err)
	}
}

func TestOfflineValidateLoadEntry(t *testing.T) {
	c := Config{
		Status: Offline,
	}

	b := BootEntry{
		Artifact{
			Category: LinuxKernel,
			Hash:     kernelHash,
		},
		Artifact{
			Category: Initrd,
			Hash:     initrdHash,
		},
	}

	if err := c.LoadEntry(testRoot, b); err != nil {
		t.Fatal(err)
	}

	if err := b.Validate(&c); err != nil {
		t.Fatal(err)
	}
}
