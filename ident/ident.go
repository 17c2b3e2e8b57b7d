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

// Package ident derives deterministic, collision-resistant 32-byte entity
// identifiers from immutable creation parameters. Derivation mirrors the
// on-chain address-hash construction: concatenate the fixed-width binary
// encodings of each input, run the result through RIPEMD160(SHA256(x)),
// then right-align the 20-byte digest in a 32-byte buffer with the left 12
// bytes zeroed. Identical inputs always yield the identical identifier.
package ident

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil"
)

// ID is a derived 32-byte entity identifier.
type ID [32]byte

func (i ID) String() string {
	return hex.EncodeToString(i[:])
}

// Bytes returns a copy of the identifier.
func (i ID) Bytes() []byte {
	ret := make([]byte, len(i))
	copy(ret, i[:])
	return ret
}

// HashPadding is the number of zero bytes left of the right-aligned
// 20-byte digest.
const HashPadding = 12

// Derive concatenates the given fixed-width field encodings and produces
// the right-aligned hash160 identifier.
func Derive(fields ...[]byte) ID {
	total := 0
	for _, f := range fields {
		total += len(f)
	}
	preimage := make([]byte, 0, total)
	for _, f := range fields {
		preimage = append(preimage, f...)
	}
	digest := btcutil.Hash160(preimage)
	var ret ID
	copy(ret[HashPadding:], digest)
	return ret
}

func uint64LE(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// VaultID derives a vault identifier from the treasury authority's
// pubkey hash, the policy hash the covenant was deployed with, and the
// creation timestamp.
func VaultID(authorityHash [20]byte, policyHash [32]byte, createdAt uint64) ID {
	return Derive(authorityHash[:], policyHash[:], uint64LE(createdAt))
}

// CampaignID derives a campaign identifier from its host vault, the
// ephemeral claim authority's pubkey hash, and the creation timestamp.
func CampaignID(vaultID ID, claimAuthorityHash [20]byte, createdAt uint64) ID {
	return Derive(vaultID[:], claimAuthorityHash[:], uint64LE(createdAt))
}

// ProposalID derives a proposal identifier from its host vault, the
// payout hash binding the recipient list, and the submission timestamp.
func ProposalID(vaultID ID, payoutHash [28]byte, submittedAt uint64) ID {
	return Derive(vaultID[:], payoutHash[:], uint64LE(submittedAt))
}

// ScheduleID derives a schedule identifier from its host vault, the
// beneficiary's pubkey hash, and the creation timestamp.
func ScheduleID(vaultID ID, beneficiaryHash [20]byte, createdAt uint64) ID {
	return Derive(vaultID[:], beneficiaryHash[:], uint64LE(createdAt))
}

// VoteID derives a vote identifier from the proposal being voted on and
// the voter's pubkey hash. The timestamp is deliberately absent: one
// voter gets one vote per proposal.
func VoteID(proposalID ID, voterHash [20]byte) ID {
	return Derive(proposalID[:], voterHash[:])
}

// Prefix returns the leading n bytes of the identifier's digest portion,
// used to bind vote commitments to a proposal.
func (i ID) Prefix(n int) []byte {
	if n > len(i)-HashPadding {
		n = len(i) - HashPadding
	}
	ret := make([]byte, n)
	copy(ret, i[HashPadding:HashPadding+n])
	return ret
}
