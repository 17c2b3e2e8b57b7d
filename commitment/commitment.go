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

// Package commitment implements the fixed-width binary codecs for the
// covenant state structures carried as NFT commitments. Every codec is
// strict: a buffer of the wrong length, an enum byte outside its defined
// range, or a non-zero reserved byte fails decoding rather than being
// coerced. All integers are little-endian to match the on-chain script's
// numeric encoding.
package commitment

import (
	"encoding/binary"
	"fmt"
)

// Commitment sizes in bytes, one per covenant state type.
const (
	VaultStateSize    = 32
	ProposalStateSize = 64
	ScheduleStateSize = 48
	VoteStateSize     = 32
	TallyStateSize    = 48
)

// MalformedCommitmentError is returned by every decoder when the input
// cannot possibly have been produced by the matching encoder.
type MalformedCommitmentError struct {
	Kind   string
	Field  string
	Reason string
}

func (e *MalformedCommitmentError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf(
			"malformed %s commitment: field %s: %s",
			e.Kind,
			e.Field,
			e.Reason,
		)
	}
	return fmt.Sprintf("malformed %s commitment: %s", e.Kind, e.Reason)
}

func errWrongLength(kind string, want, got int) error {
	return &MalformedCommitmentError{
		Kind:   kind,
		Reason: fmt.Sprintf("expected %d bytes, got %d", want, got),
	}
}

func errBadEnum(kind, field string, val, max uint8) error {
	return &MalformedCommitmentError{
		Kind:  kind,
		Field: field,
		Reason: fmt.Sprintf(
			"value %d outside defined range [0, %d]",
			val,
			max,
		),
	}
}

func errReserved(kind, field string) error {
	return &MalformedCommitmentError{
		Kind:   kind,
		Field:  field,
		Reason: "reserved bytes must be zero",
	}
}

// putUint24 writes the low 24 bits of v at buf in little-endian order.
func putUint24(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
}

// getUint24 reads a little-endian 24-bit value from buf.
func getUint24(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
}

var lei = binary.LittleEndian

func allZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
