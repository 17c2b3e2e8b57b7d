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
	"crypto/sha256"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/openbch/keeper/guardrail"
	"github.com/openbch/keeper/ident"
	"github.com/openbch/keeper/policy"
)

// Operation names a covenant state transition the builder can produce a
// transaction for.
type Operation string

const (
	OpCreate  Operation = "create"
	OpApprove Operation = "approve"
	OpExecute Operation = "execute"
	OpUnlock  Operation = "unlock"
	OpClaim   Operation = "claim"
	OpPause   Operation = "pause"
	OpResume  Operation = "resume"
	OpCancel  Operation = "cancel"
	OpVote    Operation = "vote"
	OpSpend   Operation = "spend"
)

// TokenCapability is the NFT capability carried by a token output.
type TokenCapability uint8

const (
	CapabilityNone TokenCapability = iota
	CapabilityMutable
	CapabilityMinting
)

// TokenData is the token payload of a covenant output. The NFT commitment
// is the covenant's persisted state.
type TokenData struct {
	CategoryID chainhash.Hash
	Commitment []byte
	Capability TokenCapability
	Amount     uint64
}

// CovenantUTXO is an immutable snapshot of a confirmed covenant output.
// Spends never mutate it; they create a successor with a new Sequence.
type CovenantUTXO struct {
	EntityID      ident.ID
	Outpoint      wire.OutPoint
	LockingScript []byte
	ValueSats     uint64
	Token         *TokenData
	// Sequence is the mirror's optimistic-lock version for this entity.
	Sequence    uint64
	BlockHeight uint32
	BlockTime   uint64
}

// FundingInput is a plain wallet output contributed to cover fees or
// payouts. The contributing wallet signs it before the request is made;
// the builder carries the unlocking script into the transaction opaque,
// and session assembly leaves it untouched.
type FundingInput struct {
	Outpoint        wire.OutPoint
	ValueSats       uint64
	LockingScript   []byte
	UnlockingScript []byte
}

// SourceOutput describes a spent output with everything a signer-side
// component needs to present and sign the transaction without re-deriving
// covenant semantics.
type SourceOutput struct {
	Outpoint      wire.OutPoint
	LockingScript []byte
	ValueSats     uint64
	Token         *TokenData
	// RedeemScript is the covenant's redeem bytecode for contract
	// inputs, empty for plain funding inputs.
	RedeemScript []byte
	// SigHash is the BIP143+FORKID digest each signer must sign for
	// this input.
	SigHash []byte
}

// Descriptor is the produced unsigned transaction plus its source output
// descriptors, ready to hand to a signing session or a single signer.
type Descriptor struct {
	Operation     Operation
	EntityID      ident.ID
	Tx            *wire.MsgTx
	SourceOutputs []SourceOutput
	// RequiredSignatures is the number of distinct signers needed; 1
	// means no signing session is required.
	RequiredSignatures int
	// SignerOrder fixes witness placement independent of signature
	// arrival order.
	SignerOrder []policy.Hash20
	Broadcast   bool
	UserPrompt  string
}

// PayoutHash computes the 28-byte truncated digest binding a proposal to
// a specific recipient list: sha256 over each recipient's hash and
// little-endian amount, in list order.
func PayoutHash(recipients []guardrail.Recipient) [28]byte {
	buf := make([]byte, 0, len(recipients)*28)
	for _, r := range recipients {
		buf = append(buf, r.Hash[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, r.AmountSats)
	}
	digest := sha256.Sum256(buf)
	var ret [28]byte
	copy(ret[:], digest[:28])
	return ret
}
