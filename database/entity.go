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

// EntityStatus is a supervised entity's stored kind and status.
type EntityStatus struct {
	Kind   string
	Status string
}

// SetEntityStatus upserts an entity's tracked status.
func (d *Database) SetEntityStatus(
	ctx context.Context,
	entityID ident.ID,
	kind string,
	status string,
) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "entity_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"kind":   kind,
			"status": status,
		}),
	}).Create(&EntityRow{
		EntityID: entityID[:],
		Kind:     kind,
		Status:   status,
	}).Error
}

// GetEntityStatus returns an entity's tracked status, or ErrNotFound for
// entities never seen.
func (d *Database) GetEntityStatus(
	ctx context.Context,
	entityID ident.ID,
) (EntityStatus, error) {
	var row EntityRow
	result := d.db.WithContext(ctx).
		Where("entity_id = ?", entityID[:]).
		Limit(1).
		Find(&row)
	if result.Error != nil {
		return EntityStatus{}, result.Error
	}
	if result.RowsAffected == 0 {
		return EntityStatus{}, ErrNotFound
	}
	return EntityStatus{Kind: row.Kind, Status: row.Status}, nil
}
