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

// Package session coordinates multi-party signature collection for
// covenant operations that need more than one signer. Sessions move
// PENDING -> BROADCASTED (threshold reached, transaction assembled and
// handed to the broadcaster exactly once) or PENDING -> EXPIRED (timeout
// or explicit abandonment, releasing the covenant UTXO soft-locks).
// Signature submissions arriving after broadcast return the known txid.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/openbch/keeper/database"
	"github.com/openbch/keeper/ident"
	"github.com/openbch/keeper/policy"
	"github.com/openbch/keeper/txbuilder"
)

// Status is a signing session's lifecycle status.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusBroadcasted Status = "BROADCASTED"
	StatusExpired     Status = "EXPIRED"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExpired is returned when submitting to an expired session. A
// fresh transaction must be built against the latest state.
var ErrSessionExpired = errors.New("session expired")

// ErrUnknownSigner is returned when the submitting signer is not in the
// session's signer set.
var ErrUnknownSigner = errors.New("signer not in session signer set")

// ErrSignatureCount is returned when a submission does not carry exactly
// one signature per covenant input.
var ErrSignatureCount = errors.New(
	"submission must carry one signature per covenant input",
)

// BroadcastRejectedError carries a network or consensus level rejection
// verbatim. It is never retried automatically: resubmission risks
// double-spend ambiguity, so the decision is the operator's.
type BroadcastRejectedError struct {
	Reason string
	Err    error
}

func (e *BroadcastRejectedError) Error() string {
	return fmt.Sprintf("broadcast rejected: %s", e.Reason)
}

func (e *BroadcastRejectedError) Unwrap() error {
	return e.Err
}

// Broadcaster is the broadcast sink for fully signed transactions.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
}

// Store is the persistence the coordinator writes session summaries and
// UTXO soft-locks through.
type Store interface {
	UpsertSession(ctx context.Context, rec database.SessionRecord) error
	LockUTXO(
		ctx context.Context,
		outpoint wire.OutPoint,
		sessionID ident.ID,
	) error
	ReleaseUTXO(
		ctx context.Context,
		outpoint wire.OutPoint,
		sessionID ident.ID,
	) error
}

// SubmitResult reports a session's state after a signature submission.
// Collected below Required is the normal in-progress case, not an error.
type SubmitResult struct {
	Status    Status
	Collected int
	Required  int
	// TxID is set once the session has broadcast.
	TxID chainhash.Hash
}

// SignerInput is one covenant input an external signer must produce a
// signature for.
type SignerInput struct {
	Outpoint  wire.OutPoint
	ValueSats uint64
	// SigHash is the digest to sign for this input.
	SigHash []byte
	// RedeemScript is the covenant bytecode the signature authorizes
	// against, for signer-side display or verification.
	RedeemScript []byte
}

// SignerRequest is the descriptor handed to an external signer. The
// coordinator never sees private keys; signers return raw signature
// bytes through Submit, one per input in Inputs order.
type SignerRequest struct {
	SessionID ident.ID
	EntityID  ident.ID
	Operation string
	Prompt    string
	ExpiresAt time.Time
	Inputs    []SignerInput
}

// SignerRequest builds the signing descriptor for this session. Only
// covenant inputs need signatures; funding inputs arrive pre-signed from
// the contributing wallet and are excluded.
func (s *Session) SignerRequest() SignerRequest {
	req := SignerRequest{
		SessionID: s.ID,
		EntityID:  s.Descriptor.EntityID,
		Operation: string(s.Descriptor.Operation),
		Prompt:    s.Descriptor.UserPrompt,
		ExpiresAt: s.ExpiresAt,
	}
	for _, src := range s.Descriptor.SourceOutputs {
		if len(src.RedeemScript) == 0 {
			continue
		}
		req.Inputs = append(req.Inputs, SignerInput{
			Outpoint:     src.Outpoint,
			ValueSats:    src.ValueSats,
			SigHash:      src.SigHash,
			RedeemScript: src.RedeemScript,
		})
	}
	return req
}

// Session is one in-flight signing workflow.
type Session struct {
	ID         ident.ID
	Descriptor *txbuilder.Descriptor
	CreatedAt  time.Time
	ExpiresAt  time.Time

	mu     sync.RWMutex
	status Status
	txid   chainhash.Hash
	// signatures are keyed by signer identity so duplicate submissions
	// cannot double-count; each entry holds one signature per covenant
	// input, in input order.
	signatures map[policy.Hash20][][]byte
}

// Status returns the session's current status. Callers outside the
// coordinator must treat it as a snapshot.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// TxID returns the broadcast transaction id, zero until the session has
// broadcast.
func (s *Session) TxID() chainhash.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txid
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *Session) setBroadcast(txid chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusBroadcasted
	s.txid = txid
}

// covenantOutpoints lists the descriptor's covenant inputs, the ones the
// session soft-locks.
func covenantOutpoints(desc *txbuilder.Descriptor) []wire.OutPoint {
	var outpoints []wire.OutPoint
	for _, src := range desc.SourceOutputs {
		if len(src.RedeemScript) > 0 {
			outpoints = append(outpoints, src.Outpoint)
		}
	}
	return outpoints
}

func (s *Session) record() database.SessionRecord {
	status := s.Status()
	rec := database.SessionRecord{
		SessionID: s.ID,
		EntityID:  s.Descriptor.EntityID,
		Operation: string(s.Descriptor.Operation),
		Status:    string(status),
		Required:  s.Descriptor.RequiredSignatures,
		Collected: len(s.signatures),
		ExpiresAt: s.ExpiresAt.Unix(),
	}
	if status == StatusBroadcasted {
		txid := s.TxID()
		rec.TxID = txid[:]
	}
	return rec
}
