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

package database

import "time"

// migrateModels is the list of model objects for automigrate.
var migrateModels = []any{
	&UtxoRow{},
	&EntityRow{},
	&SessionRow{},
	&CategorySpendRow{},
	&ApprovalRow{},
}

// UtxoRow mirrors one confirmed covenant UTXO. Exactly one unspent row
// exists per live entity; Sequence increments with every successor, which
// is what optimistic concurrency checks compare against.
type UtxoRow struct {
	ID          uint64 `gorm:"primarykey"`
	EntityID    []byte `gorm:"size:32;index:idx_utxo_entity"`
	TxID        []byte `gorm:"size:32;uniqueIndex:idx_utxo_outpoint"`
	OutputIndex uint32 `gorm:"uniqueIndex:idx_utxo_outpoint"`
	// Script is the full output script, token prefix included.
	Script      []byte
	ValueSats   uint64
	Sequence    uint64
	BlockHeight uint32
	BlockTime   uint64
	Spent       bool   `gorm:"index:idx_utxo_entity"`
	SpentBy     []byte `gorm:"size:32"`
	// LockedBy soft-locks the UTXO to a signing session so two sessions
	// cannot build against the same output.
	LockedBy []byte `gorm:"size:32"`
	LockedAt int64
}

func (UtxoRow) TableName() string {
	return "utxo"
}

// EntityRow tracks the supervised status of one covenant entity.
type EntityRow struct {
	ID        uint64 `gorm:"primarykey"`
	EntityID  []byte `gorm:"size:32;uniqueIndex"`
	Kind      string
	Status    string
	UpdatedAt time.Time
}

func (EntityRow) TableName() string {
	return "entity"
}

// SessionRow records a signing session for recovery and at-most-once
// broadcast accounting.
type SessionRow struct {
	ID        uint64 `gorm:"primarykey"`
	SessionID []byte `gorm:"size:32;uniqueIndex"`
	EntityID  []byte `gorm:"size:32;index"`
	Operation string
	Status    string `gorm:"index"`
	Required  int
	Collected int
	// TxID is set once the session broadcasts.
	TxID      []byte `gorm:"size:32"`
	ExpiresAt int64  `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SessionRow) TableName() string {
	return "session"
}

// ApprovalRow records one signer's approval of one proposal. The unique
// index makes duplicate approvals from the same signer unrecordable.
type ApprovalRow struct {
	ID         uint64 `gorm:"primarykey"`
	ProposalID []byte `gorm:"size:32;uniqueIndex:idx_approval_signer"`
	Signer     []byte `gorm:"size:20;uniqueIndex:idx_approval_signer"`
	CreatedAt  time.Time
}

func (ApprovalRow) TableName() string {
	return "approval"
}

// CategorySpendRow accumulates per-category spending within one vault
// period, backing the category budget guardrail.
type CategorySpendRow struct {
	ID         uint64 `gorm:"primarykey"`
	VaultID    []byte `gorm:"size:32;uniqueIndex:idx_category_period"`
	CategoryID uint32 `gorm:"uniqueIndex:idx_category_period"`
	PeriodID   uint64 `gorm:"uniqueIndex:idx_category_period"`
	SpentSats  uint64
}

func (CategorySpendRow) TableName() string {
	return "category_spend"
}
