// Copyright (c) The go-boot authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build transparency

package transparency

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	// Maintained set of TLD roots for any potential TLS client request
	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/usbarmory/boot-transparency/artifact"
	"github.com/usbarmory/boot-transparency/policy"
	"github.com/usbarmory/boot-transparency/transparency"
)

// Validate applies boot-transparency validation (inclusion proof, boot
// policy and claims consistency) of the boot entry artifacts against the
// argument [Config].
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

	te, err := transparency.GetEngine(transparency.Sigsum)

	if err != nil {
		return fmt.Errorf("unable to get transparency engine, %v", err)
	}

	if err = te.SetKey(c.LogKey, c.SubmitKey); err != nil {
		return fmt.Errorf("unable to set log and submitter keys, %v", err)
	}

	if err = te.SetWitnessPolicy(c.WitnessPolicy); err != nil {
		return fmt.Errorf("unable to set witness policy, %v", err)
	}

	format, statement, proof, probe, _, err := transparency.ParseProofBundle(c.ProofBundle)

	if err != nil {
		return fmt.Errorf("unable to parse the proof bundle, %v", err)
	}

	if format != transparency.Sigsum {
		return errors.New("proof bundle format does not match the transparency engine")
	}

	// the online mode verifies the inclusion proof fetched from the log
	if c.Status == Online {
		if proof, err = te.GetProof(statement, probe); err != nil {
			return
		}
	}

	if err = te.VerifyProof(statement, proof, nil); err != nil {
		return
	}

	requirements, err := policy.ParseRequirements(c.BootPolicy)

	if err != nil {
		return
	}

	claims, err := policy.ParseStatement(statement)

	if err != nil {
		return
	}

	if err = b.validateProofHashes(claims); err != nil {
		return
	}

	return policy.Validate(requirements, claims)
}

func (b BootEntry) validateProofHashes(s *policy.Statement) (err error) {
	for _, a := range b {
		if err = a.validateProofHash(s); err != nil {
			return
		}
	}

	return
}

// validateProofHash matches the loaded artifact hash against the claims of
// the proof bundle, the policy is only meaningful for claims of artifacts
// which are actually booted.
func (a Artifact) validateProofHash(s *policy.Statement) (err error) {
	for _, claimed := range s.Artifacts {
		if a.Category != claimed.Category {
			continue
		}

		h, err := artifact.GetHandler(a.Category)

		if err != nil {
			return err
		}

		requirements, _ := json.Marshal(map[string]string{"file_hash": hex.EncodeToString(a.Hash)})

		r, err := h.ParseRequirements(requirements)

		if err != nil {
			return err
		}

		c, err := h.ParseClaims([]byte(claimed.Claims))

		if err != nil {
			return err
		}

		if err = h.Validate(r, c); err != nil {
			return fmt.Errorf("%w for artifact category %d, hash %q", ErrHashMismatch, a.Category, hex.EncodeToString(a.Hash))
		}

		return nil
	}

	return fmt.Errorf("artifact category %d is not present in the proof bundle", a.Category)
}
