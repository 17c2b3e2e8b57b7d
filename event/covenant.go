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

package event

// UtxoConfirmedEventType is the event type for covenant UTXOs observed in
// a confirmed block.
const UtxoConfirmedEventType = EventType("utxo.confirmed")

// UtxoConfirmedEvent is emitted when the chain watcher indexes a newly
// confirmed covenant UTXO.
type UtxoConfirmedEvent struct {
	// EntityID is the 32-byte covenant entity the UTXO belongs to.
	EntityID [32]byte
	// TxID is the confirming transaction.
	TxID [32]byte
	// OutputIndex is the UTXO's index within the transaction.
	OutputIndex uint32
	// ValueSats is the UTXO value.
	ValueSats uint64
	// Sequence is the entity's new off-chain sequence number.
	Sequence uint64
	// BlockHeight is the confirming block's height.
	BlockHeight uint32
}

// UtxoSpentEventType is the event type for covenant UTXOs consumed by a
// confirmed transaction.
const UtxoSpentEventType = EventType("utxo.spent")

// UtxoSpentEvent is emitted when a previously indexed covenant UTXO is
// observed spent.
type UtxoSpentEvent struct {
	EntityID    [32]byte
	TxID        [32]byte
	OutputIndex uint32
	// SpentBy is the consuming transaction.
	SpentBy     [32]byte
	BlockHeight uint32
}

// SessionCreatedEventType is the event type for new signing sessions.
const SessionCreatedEventType = EventType("session.created")

// SessionCreatedEvent is emitted when a signing session opens.
type SessionCreatedEvent struct {
	SessionID [32]byte
	EntityID  [32]byte
	Operation string
	// Required is the signature threshold the session must collect.
	Required int
}

// SessionSignatureEventType is the event type for accepted signature
// submissions.
const SessionSignatureEventType = EventType("session.signature")

// SessionSignatureEvent is emitted each time a session accepts a new
// signature.
type SessionSignatureEvent struct {
	SessionID [32]byte
	// Signer is the submitting signer's hash160.
	Signer [20]byte
	// Collected is the count of distinct signatures held after this
	// submission.
	Collected int
	Required  int
}

// SessionFinalizedEventType is the event type for sessions that reached
// threshold and broadcast.
const SessionFinalizedEventType = EventType("session.finalized")

// SessionFinalizedEvent is emitted exactly once per session, when the
// assembled transaction has been handed to the broadcaster.
type SessionFinalizedEvent struct {
	SessionID [32]byte
	EntityID  [32]byte
	TxID      [32]byte
}

// SessionExpiredEventType is the event type for sessions abandoned before
// reaching threshold.
const SessionExpiredEventType = EventType("session.expired")

// SessionExpiredEvent is emitted when the session garbage collector
// expires a session past its deadline.
type SessionExpiredEvent struct {
	SessionID [32]byte
	EntityID  [32]byte
	Collected int
	Required  int
}

// StatusChangedEventType is the event type for entity status transitions.
const StatusChangedEventType = EventType("status.changed")

// StatusChangedEvent is emitted by the supervisor when an entity's
// tracked status changes.
type StatusChangedEvent struct {
	EntityID [32]byte
	Kind     string
	Old      string
	New      string
	// Confirmed is true when the change came from an on-chain
	// observation rather than an optimistic local apply.
	Confirmed bool
}
