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

import (
	"context"

	"github.com/openbch/keeper/ident"
	"github.com/openbch/keeper/policy"
	"gorm.io/gorm/clause"
)

// RecordApproval marks a signer's approval of a proposal on record.
// Re-recording the same pair is a no-op, so replayed finalization events
// cannot double-count.
func (d *Database) RecordApproval(
	ctx context.Context,
	proposalID ident.ID,
	signer policy.Hash20,
) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		DoNothing: true,
	}).Create(&ApprovalRow{
		ProposalID: proposalID[:],
		Signer:     signer[:],
	}).Error
}

// HasApproval reports whether the signer already approved the proposal.
func (d *Database) HasApproval(
	ctx context.Context,
	proposalID ident.ID,
	signer policy.Hash20,
) (bool, error) {
	var count int64
	result := d.db.WithContext(ctx).
		Model(&ApprovalRow{}).
		Where("proposal_id = ? AND signer = ?", proposalID[:], signer[:]).
		Count(&count)
	if result.Error != nil {
		return false, result.Error
	}
	return count > 0, nil
}
