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
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenScriptRoundTrip(t *testing.T) {
	locking := []byte{0xa9, 0x14, 0x01, 0x02, 0x03}
	token := &TokenData{
		CategoryID: chainhash.Hash{0xaa, 0xbb},
		Commitment: []byte{0x01, 0x02, 0x03, 0x04},
		Capability: CapabilityMutable,
		Amount:     500,
	}
	script, err := EncodeTokenScript(token, locking)
	require.NoError(t, err)
	assert.Equal(t, byte(0xef), script[0])

	decoded, bytecode, err := DecodeTokenScript(script)
	require.NoError(t, err)
	require.NotNil(t, decoded)
	assert.Equal(t, token.CategoryID, decoded.CategoryID)
	assert.Equal(t, token.Commitment, decoded.Commitment)
	assert.Equal(t, token.Capability, decoded.Capability)
	assert.Equal(t, token.Amount, decoded.Amount)
	assert.Equal(t, locking, bytecode)
}

func TestTokenScriptNilTokenPassthrough(t *testing.T) {
	locking := []byte{0x76, 0xa9}
	script, err := EncodeTokenScript(nil, locking)
	require.NoError(t, err)
	assert.Equal(t, locking, script)

	token, bytecode, err := DecodeTokenScript(locking)
	require.NoError(t, err)
	assert.Nil(t, token)
	assert.Equal(t, locking, bytecode)
}

func TestTokenScriptRejectsOversizeCommitment(t *testing.T) {
	token := &TokenData{
		Commitment: make([]byte, maxCommitmentSize+1),
	}
	_, err := EncodeTokenScript(token, nil)
	assert.Error(t, err)
}

func TestTokenScriptRejectsBadCapability(t *testing.T) {
	_, err := EncodeTokenScript(
		&TokenData{Capability: TokenCapability(7)},
		nil,
	)
	assert.Error(t, err)
}

func TestDecodeTokenScriptTruncated(t *testing.T) {
	script := []byte{0xef, 0x01, 0x02}
	_, _, err := DecodeTokenScript(script)
	assert.Error(t, err)
}

func TestDecodeTokenScriptReservedBit(t *testing.T) {
	script := make([]byte, 34)
	script[0] = 0xef
	script[33] = 0x80
	_, _, err := DecodeTokenScript(script)
	assert.Error(t, err)
}

func TestDecodeTokenScriptCapabilityWithoutNFT(t *testing.T) {
	script := make([]byte, 34)
	script[0] = 0xef
	// capability nibble set but NFT bit clear
	script[33] = 0x02
	_, _, err := DecodeTokenScript(script)
	assert.Error(t, err)
}
