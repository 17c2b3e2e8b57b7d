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
	"errors"

	badger "github.com/dgraph-io/badger/v4"
)

// PutBlob stores an opaque value under key in the blob store.
func (d *Database) PutBlob(key, value []byte) error {
	return d.blob.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// GetBlob returns the value stored under key, or ErrNotFound.
func (d *Database) GetBlob(key []byte) ([]byte, error) {
	var value []byte
	err := d.blob.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// DeleteBlob removes the value stored under key. Deleting a missing key
// is a no-op.
func (d *Database) DeleteBlob(key []byte) error {
	return d.blob.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}
