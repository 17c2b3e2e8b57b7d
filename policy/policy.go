// Copyright 2026 OpenBCH Developers
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package policy holds the off-chain-authoritative treasury configuration.
// The on-chain covenant commits only to Hash() of this structure; the full
// policy body lives off chain and must reproduce the exact hash the script
// was deployed with.
package policy

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// NoLimit is the sentinel cap value meaning "unlimited". It matches the
// untouched-cap convention of the deployed script.
const NoLimit = math.MaxUint64

// Hash20 is a 20-byte pubkey/script hash identifying a recipient or
// signer.
type Hash20 [20]byte

func (h Hash20) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash20 decodes a 40-character hex string.
func ParseHash20(s string) (Hash20, error) {
	var ret Hash20
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ret, fmt.Errorf("invalid hash: %w", err)
	}
	if len(raw) != len(ret) {
		return ret, fmt.Errorf(
			"invalid hash length: expected %d bytes, got %d",
			len(ret),
			len(raw),
		)
	}
	copy(ret[:], raw)
	return ret, nil
}

func (h *Hash20) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseHash20(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func (h Hash20) MarshalYAML() (any, error) {
	return h.String(), nil
}

// Guardrails are the spending constraints mirrored by the on-chain script.
type Guardrails struct {
	// PeriodCapSats limits total spend per period. NoLimit disables it.
	PeriodCapSats uint64 `yaml:"periodCap"`
	// RecipientCapSats limits any single recipient's amount. NoLimit
	// disables it.
	RecipientCapSats uint64 `yaml:"recipientCap"`
	// AllowlistEnabled gates recipient membership checks. A present but
	// disabled allowlist is ignored, matching the script's flag byte.
	AllowlistEnabled bool              `yaml:"allowlistEnabled"`
	Allowlist        []Hash20          `yaml:"allowlist"`
	Denylist         []Hash20          `yaml:"denylist"`
	CategoryBudgets  map[uint32]uint64 `yaml:"categoryBudgets"`
}

// Limits are engine-level bounds on collection sizes. The historical
// values shipped with early deployments were never validated, so they are
// configuration, not constants.
type Limits struct {
	MaxSigners    int `yaml:"maxSigners"`
	MaxVotes      int `yaml:"maxVotes"`
	MaxRecipients int `yaml:"maxRecipients"`
}

// DefaultLimits returns the engine defaults used when a policy file leaves
// limits unset.
func DefaultLimits() Limits {
	return Limits{
		MaxSigners:    20,
		MaxVotes:      10000,
		MaxRecipients: 100,
	}
}

// Policy is the full treasury policy. RequiredSigners of len(Signers) is
// the M-of-N threshold for multi-party operations.
type Policy struct {
	Version         uint32     `yaml:"version"`
	RequiredSigners uint8      `yaml:"requiredSigners"`
	Signers         []Hash20   `yaml:"signers"`
	PeriodSeconds   uint32     `yaml:"periodSeconds"`
	Guardrails      Guardrails `yaml:"guardrails"`
	Limits          Limits     `yaml:"limits"`
}

// Validate checks internal consistency. It does not compare against any
// on-chain commitment; see Verify.
func (p *Policy) Validate() error {
	if p.RequiredSigners == 0 {
		return errors.New("policy requires at least one signer")
	}
	if int(p.RequiredSigners) > len(p.Signers) {
		return fmt.Errorf(
			"required signers %d exceeds signer set size %d",
			p.RequiredSigners,
			len(p.Signers),
		)
	}
	if p.Limits.MaxSigners > 0 && len(p.Signers) > p.Limits.MaxSigners {
		return fmt.Errorf(
			"signer set size %d exceeds configured maximum %d",
			len(p.Signers),
			p.Limits.MaxSigners,
		)
	}
	if p.PeriodSeconds == 0 {
		return errors.New("policy period length must be non-zero")
	}
	seen := make(map[Hash20]bool, len(p.Signers))
	for _, signer := range p.Signers {
		if seen[signer] {
			return fmt.Errorf("duplicate signer %s", signer)
		}
		seen[signer] = true
	}
	return nil
}

// Hash computes the 32-byte policy commitment the deployed covenant
// script is parameterized with. The encoding is canonical: fixed-width
// little-endian fields, list lengths as u16 prefixes, and category
// budgets sorted by category id so map iteration order cannot leak in.
func (p *Policy) Hash() [32]byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, p.Version)
	buf = append(buf, p.RequiredSigners, uint8(len(p.Signers)))
	for _, signer := range p.Signers {
		buf = append(buf, signer[:]...)
	}
	buf = binary.LittleEndian.AppendUint32(buf, p.PeriodSeconds)
	buf = binary.LittleEndian.AppendUint64(buf, p.Guardrails.PeriodCapSats)
	buf = binary.LittleEndian.AppendUint64(
		buf,
		p.Guardrails.RecipientCapSats,
	)
	if p.Guardrails.AllowlistEnabled {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint16(
		buf,
		uint16(len(p.Guardrails.Allowlist)),
	)
	for _, entry := range p.Guardrails.Allowlist {
		buf = append(buf, entry[:]...)
	}
	buf = binary.LittleEndian.AppendUint16(
		buf,
		uint16(len(p.Guardrails.Denylist)),
	)
	for _, entry := range p.Guardrails.Denylist {
		buf = append(buf, entry[:]...)
	}
	categories := make([]uint32, 0, len(p.Guardrails.CategoryBudgets))
	for category := range p.Guardrails.CategoryBudgets {
		categories = append(categories, category)
	}
	slices.Sort(categories)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(categories)))
	for _, category := range categories {
		buf = binary.LittleEndian.AppendUint32(buf, category)
		buf = binary.LittleEndian.AppendUint64(
			buf,
			p.Guardrails.CategoryBudgets[category],
		)
	}
	return sha256.Sum256(buf)
}

// Verify compares the policy's hash against the commitment the covenant
// was deployed with.
func (p *Policy) Verify(expected [32]byte) error {
	actual := p.Hash()
	if actual != expected {
		return fmt.Errorf(
			"policy hash mismatch: have %x, deployed script commits to %x",
			actual,
			expected,
		)
	}
	return nil
}

// LoadFile reads and validates a policy from a YAML file.
func LoadFile(path string) (*Policy, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading policy file: %w", err)
	}
	ret := &Policy{
		Limits: DefaultLimits(),
	}
	if err := yaml.Unmarshal(buf, ret); err != nil {
		return nil, fmt.Errorf("error parsing policy file: %w", err)
	}
	if err := ret.Validate(); err != nil {
		return nil, err
	}
	return ret, nil
}
