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

package txbuilder

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// Token prefix encoding for outputs carrying token data. The prefix is
// serialized in front of the locking bytecode inside the output's script
// field:
//
//	0xef <categoryId 32B> <bitfield> [commitment varbytes] [amount varint]
//
// bitfield: 0x40 = has commitment, 0x20 = has NFT, 0x10 = has fungible
// amount; low nibble = NFT capability (0 none, 1 mutable, 2 minting).
const tokenPrefixByte = 0xef

const (
	tokenBitfieldReserved       = 0x80
	tokenBitfieldHasCommitment  = 0x40
	tokenBitfieldHasNFT         = 0x20
	tokenBitfieldHasAmount      = 0x10
	tokenBitfieldCapabilityMask = 0x0f
)

// maxCommitmentSize bounds NFT commitment length. The widest state the
// deployed covenants carry is the 64-byte proposal commitment.
const maxCommitmentSize = 64

// EncodeTokenScript prepends the serialized token prefix to the locking
// bytecode, producing the full output script for a token-carrying output.
func EncodeTokenScript(token *TokenData, lockingBytecode []byte) ([]byte, error) {
	if token == nil {
		return lockingBytecode, nil
	}
	if token.Capability > CapabilityMinting {
		return nil, fmt.Errorf(
			"invalid token capability: %d",
			token.Capability,
		)
	}
	if len(token.Commitment) > maxCommitmentSize {
		return nil, fmt.Errorf(
			"token commitment too long: %d bytes (max %d)",
			len(token.Commitment),
			maxCommitmentSize,
		)
	}
	var buf bytes.Buffer
	buf.WriteByte(tokenPrefixByte)
	buf.Write(token.CategoryID[:])
	bitfield := byte(tokenBitfieldHasNFT) | byte(token.Capability)
	if len(token.Commitment) > 0 {
		bitfield |= tokenBitfieldHasCommitment
	}
	if token.Amount > 0 {
		bitfield |= tokenBitfieldHasAmount
	}
	buf.WriteByte(bitfield)
	if len(token.Commitment) > 0 {
		if err := wire.WriteVarInt(
			&buf,
			0,
			uint64(len(token.Commitment)),
		); err != nil {
			return nil, err
		}
		buf.Write(token.Commitment)
	}
	if token.Amount > 0 {
		if err := wire.WriteVarInt(&buf, 0, token.Amount); err != nil {
			return nil, err
		}
	}
	buf.Write(lockingBytecode)
	return buf.Bytes(), nil
}

// DecodeTokenScript splits an output script into its token data (nil when
// the script carries no token prefix) and the bare locking bytecode.
func DecodeTokenScript(script []byte) (*TokenData, []byte, error) {
	if len(script) == 0 || script[0] != tokenPrefixByte {
		return nil, script, nil
	}
	if len(script) < 34 {
		return nil, nil, errors.New("truncated token prefix")
	}
	token := &TokenData{}
	copy(token.CategoryID[:], script[1:33])
	bitfield := script[33]
	if bitfield&tokenBitfieldReserved != 0 {
		return nil, nil, errors.New("reserved token bitfield bit set")
	}
	capability := TokenCapability(bitfield & tokenBitfieldCapabilityMask)
	if capability > CapabilityMinting {
		return nil, nil, fmt.Errorf(
			"invalid token capability: %d",
			capability,
		)
	}
	if bitfield&tokenBitfieldHasNFT == 0 && capability != CapabilityNone {
		return nil, nil, errors.New("capability set without NFT bit")
	}
	token.Capability = capability
	r := bytes.NewReader(script[34:])
	if bitfield&tokenBitfieldHasCommitment != 0 {
		length, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, nil, err
		}
		if length == 0 || length > maxCommitmentSize {
			return nil, nil, fmt.Errorf(
				"invalid token commitment length: %d",
				length,
			)
		}
		token.Commitment = make([]byte, length)
		if _, err := io.ReadFull(r, token.Commitment); err != nil {
			return nil, nil, err
		}
	}
	if bitfield&tokenBitfieldHasAmount != 0 {
		amount, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return nil, nil, err
		}
		token.Amount = amount
	}
	lockingBytecode := make([]byte, r.Len())
	if len(lockingBytecode) > 0 {
		if _, err := io.ReadFull(r, lockingBytecode); err != nil {
			return nil, nil, err
		}
	}
	return token, lockingBytecode, nil
}
