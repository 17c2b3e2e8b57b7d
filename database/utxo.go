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
	"bytes"
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/openbch/keeper/ident"
	"github.com/openbch/keeper/txbuilder"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AddUTXO records a newly confirmed covenant UTXO for an entity. The
// stored sequence is the previous latest sequence plus one, or zero for
// the entity's genesis output.
func (d *Database) AddUTXO(
	ctx context.Context,
	utxo txbuilder.CovenantUTXO,
) (uint64, error) {
	script, err := txbuilder.EncodeTokenScript(
		utxo.Token,
		utxo.LockingScript,
	)
	if err != nil {
		return 0, err
	}
	var sequence uint64
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev UtxoRow
		result := tx.Where("entity_id = ?", utxo.EntityID[:]).
			Order("sequence DESC").
			Limit(1).
			Find(&prev)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			sequence = prev.Sequence + 1
		}
		row := UtxoRow{
			EntityID:    utxo.EntityID[:],
			TxID:        utxo.Outpoint.Hash[:],
			OutputIndex: utxo.Outpoint.Index,
			Script:      script,
			ValueSats:   utxo.ValueSats,
			Sequence:    sequence,
			BlockHeight: utxo.BlockHeight,
			BlockTime:   utxo.BlockTime,
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return 0, err
	}
	d.logger.Debug(
		"indexed covenant UTXO",
		"component", "database",
		"entity", utxo.EntityID.String(),
		"sequence", sequence,
	)
	return sequence, nil
}

// LatestUTXO returns the entity's unspent covenant UTXO. Together with
// CategorySpent this satisfies the builder's state source.
func (d *Database) LatestUTXO(
	ctx context.Context,
	entityID ident.ID,
) (txbuilder.CovenantUTXO, error) {
	var row UtxoRow
	result := d.db.WithContext(ctx).
		Where("entity_id = ? AND spent = ?", entityID[:], false).
		Order("sequence DESC").
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return txbuilder.CovenantUTXO{}, result.Error
	}
	if result.RowsAffected == 0 {
		return txbuilder.CovenantUTXO{}, ErrNotFound
	}
	return rowToUTXO(row)
}

func rowToUTXO(row UtxoRow) (txbuilder.CovenantUTXO, error) {
	token, locking, err := txbuilder.DecodeTokenScript(row.Script)
	if err != nil {
		return txbuilder.CovenantUTXO{}, err
	}
	var entityID ident.ID
	copy(entityID[:], row.EntityID)
	var txid chainhash.Hash
	copy(txid[:], row.TxID)
	return txbuilder.CovenantUTXO{
		EntityID:      entityID,
		Outpoint:      wire.OutPoint{Hash: txid, Index: row.OutputIndex},
		LockingScript: locking,
		ValueSats:     row.ValueSats,
		Token:         token,
		Sequence:      row.Sequence,
		BlockHeight:   row.BlockHeight,
		BlockTime:     row.BlockTime,
	}, nil
}

// SpendUTXO marks a covenant UTXO spent. The caller supplies the sequence
// it believes is current; a mismatch fails with ErrStaleSequence without
// touching the row.
func (d *Database) SpendUTXO(
	ctx context.Context,
	outpoint wire.OutPoint,
	sequence uint64,
	spentBy chainhash.Hash,
) error {
	result := d.db.WithContext(ctx).Model(&UtxoRow{}).
		Where(
			"tx_id = ? AND output_index = ? AND sequence = ? AND spent = ?",
			outpoint.Hash[:],
			outpoint.Index,
			sequence,
			false,
		).
		Updates(map[string]any{
			"spent":    true,
			"spent_by": spentBy[:],
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Distinguish missing from stale
		var row UtxoRow
		lookup := d.db.WithContext(ctx).
			Where(
				"tx_id = ? AND output_index = ?",
				outpoint.Hash[:],
				outpoint.Index,
			).
			Limit(1).
			Find(&row)
		if lookup.Error != nil {
			return lookup.Error
		}
		if lookup.RowsAffected == 0 {
			return ErrNotFound
		}
		return ErrStaleSequence
	}
	return nil
}

// MarkSpent records a confirmed on-chain spend of a tracked outpoint.
// Confirmed spends are authoritative, so no sequence check is applied and
// any session soft-lock on the row is released. Marking an already spent
// row is a no-op. Returns the mirror's view of the spent output.
func (d *Database) MarkSpent(
	ctx context.Context,
	outpoint wire.OutPoint,
	spentBy chainhash.Hash,
) (txbuilder.CovenantUTXO, error) {
	var row UtxoRow
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookup := tx.Where(
			"tx_id = ? AND output_index = ?",
			outpoint.Hash[:],
			outpoint.Index,
		).
			Limit(1).
			Find(&row)
		if lookup.Error != nil {
			return lookup.Error
		}
		if lookup.RowsAffected == 0 {
			return ErrNotFound
		}
		if row.Spent {
			return nil
		}
		return tx.Model(&UtxoRow{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{
				"spent":     true,
				"spent_by":  spentBy[:],
				"locked_by": nil,
				"locked_at": 0,
			}).Error
	})
	if err != nil {
		return txbuilder.CovenantUTXO{}, err
	}
	return rowToUTXO(row)
}

// LockUTXO soft-locks a UTXO to a signing session. Locking is idempotent
// for the holding session and fails with ErrUtxoLocked for any other.
func (d *Database) LockUTXO(
	ctx context.Context,
	outpoint wire.OutPoint,
	sessionID ident.ID,
) error {
	result := d.db.WithContext(ctx).Model(&UtxoRow{}).
		Where(
			"tx_id = ? AND output_index = ? AND spent = ? AND (locked_by IS NULL OR locked_by = ? OR locked_by = ?)",
			outpoint.Hash[:],
			outpoint.Index,
			false,
			[]byte{},
			sessionID[:],
		).
		Updates(map[string]any{
			"locked_by": sessionID[:],
			"locked_at": time.Now().Unix(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var row UtxoRow
		lookup := d.db.WithContext(ctx).
			Where(
				"tx_id = ? AND output_index = ?",
				outpoint.Hash[:],
				outpoint.Index,
			).
			Limit(1).
			Find(&row)
		if lookup.Error != nil {
			return lookup.Error
		}
		if lookup.RowsAffected == 0 {
			return ErrNotFound
		}
		if len(row.LockedBy) > 0 &&
			!bytes.Equal(row.LockedBy, sessionID[:]) {
			return ErrUtxoLocked
		}
		return ErrNotFound
	}
	return nil
}

// ReleaseUTXO drops a session's soft lock. Releasing a lock the session
// does not hold is a no-op.
func (d *Database) ReleaseUTXO(
	ctx context.Context,
	outpoint wire.OutPoint,
	sessionID ident.ID,
) error {
	return d.db.WithContext(ctx).Model(&UtxoRow{}).
		Where(
			"tx_id = ? AND output_index = ? AND locked_by = ?",
			outpoint.Hash[:],
			outpoint.Index,
			sessionID[:],
		).
		Updates(map[string]any{
			"locked_by": nil,
			"locked_at": 0,
		}).Error
}

// CategorySpent returns the accumulated category spend for a vault
// period. Unknown categories and periods read as zero.
func (d *Database) CategorySpent(
	ctx context.Context,
	vaultID ident.ID,
	categoryID uint32,
	periodID uint64,
) (uint64, error) {
	var row CategorySpendRow
	result := d.db.WithContext(ctx).
		Where(
			"vault_id = ? AND category_id = ? AND period_id = ?",
			vaultID[:],
			categoryID,
			periodID,
		).
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return 0, result.Error
	}
	return row.SpentSats, nil
}

// AddCategorySpend accumulates confirmed category spending for a vault
// period.
func (d *Database) AddCategorySpend(
	ctx context.Context,
	vaultID ident.ID,
	categoryID uint32,
	periodID uint64,
	amountSats uint64,
) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "vault_id"},
			{Name: "category_id"},
			{Name: "period_id"},
		},
		DoUpdates: clause.Assignments(map[string]any{
			"spent_sats": gorm.Expr(
				"spent_sats + ?",
				amountSats,
			),
		}),
	}).Create(&CategorySpendRow{
		VaultID:    vaultID[:],
		CategoryID: categoryID,
		PeriodID:   periodID,
		SpentSats:  amountSats,
	}).Error
}

var _ txbuilder.StateSource = (*Database)(nil)
