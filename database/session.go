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
	"gorm.io/gorm/clause"
)

// SessionRecord is a signing session's persisted summary.
type SessionRecord struct {
	SessionID ident.ID
	EntityID  ident.ID
	Operation string
	Status    string
	Required  int
	Collected int
	TxID      []byte
	ExpiresAt int64
}

// UpsertSession creates or updates a session's persisted summary.
func (d *Database) UpsertSession(
	ctx context.Context,
	rec SessionRecord,
) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":    rec.Status,
			"collected": rec.Collected,
			"tx_id":     rec.TxID,
		}),
	}).Create(&SessionRow{
		SessionID: rec.SessionID[:],
		EntityID:  rec.EntityID[:],
		Operation: rec.Operation,
		Status:    rec.Status,
		Required:  rec.Required,
		Collected: rec.Collected,
		TxID:      rec.TxID,
		ExpiresAt: rec.ExpiresAt,
	}).Error
}

// GetSession returns a session's persisted summary, or ErrNotFound.
func (d *Database) GetSession(
	ctx context.Context,
	sessionID ident.ID,
) (SessionRecord, error) {
	var row SessionRow
	result := d.db.WithContext(ctx).
		Where("session_id = ?", sessionID[:]).
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return SessionRecord{}, result.Error
	}
	if result.RowsAffected == 0 {
		return SessionRecord{}, ErrNotFound
	}
	return rowToSession(row), nil
}

// SessionsByStatus returns all persisted sessions with the given status.
func (d *Database) SessionsByStatus(
	ctx context.Context,
	status string,
) ([]SessionRecord, error) {
	var rows []SessionRow
	result := d.db.WithContext(ctx).
		Where("status = ?", status).
		Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}
	records := make([]SessionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, rowToSession(row))
	}
	return records, nil
}

// ExpiredSessions returns sessions still pending whose deadline is at or
// before the supplied cutoff.
func (d *Database) ExpiredSessions(
	ctx context.Context,
	status string,
	cutoff int64,
) ([]SessionRecord, error) {
	var rows []SessionRow
	result := d.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", status, cutoff).
		Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}
	records := make([]SessionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, rowToSession(row))
	}
	return records, nil
}

func rowToSession(row SessionRow) SessionRecord {
	var rec SessionRecord
	copy(rec.SessionID[:], row.SessionID)
	copy(rec.EntityID[:], row.EntityID)
	rec.Operation = row.Operation
	rec.Status = row.Status
	rec.Required = row.Required
	rec.Collected = row.Collected
	rec.TxID = row.TxID
	rec.ExpiresAt = row.ExpiresAt
	return rec
}
