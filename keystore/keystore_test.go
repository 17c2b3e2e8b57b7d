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

package keystore

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/openbch/keeper/database"
	"github.com/openbch/keeper/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	db, err := database.New(nil, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ks, err := New(nil, db)
	require.NoError(t, err)
	return ks
}

func TestGenerateAndGet(t *testing.T) {
	ks := testKeyStore(t)
	campaignID := ident.Derive([]byte("campaign-1"))

	generated, err := ks.Generate(campaignID)
	require.NoError(t, err)

	fetched, err := ks.Get(campaignID)
	require.NoError(t, err)
	assert.Equal(t, generated.PubKeyHash, fetched.PubKeyHash)
	assert.Equal(
		t,
		generated.PrivKey().Serialize(),
		fetched.PrivKey().Serialize(),
	)

	// Hash must match the compressed pubkey the escrowed key produces
	expected := btcutil.Hash160(
		fetched.PrivKey().PubKey().SerializeCompressed(),
	)
	assert.Equal(t, expected, fetched.PubKeyHash[:])
}

func TestGenerateTwiceFails(t *testing.T) {
	ks := testKeyStore(t)
	campaignID := ident.Derive([]byte("campaign-dup"))

	_, err := ks.Generate(campaignID)
	require.NoError(t, err)
	_, err = ks.Generate(campaignID)
	assert.ErrorIs(t, err, ErrKeyAlreadyExists)
}

func TestGetUnknownCampaign(t *testing.T) {
	ks := testKeyStore(t)
	_, err := ks.Get(ident.Derive([]byte("never-created")))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDelete(t *testing.T) {
	ks := testKeyStore(t)
	campaignID := ident.Derive([]byte("campaign-done"))

	_, err := ks.Generate(campaignID)
	require.NoError(t, err)
	require.NoError(t, ks.Delete(campaignID))

	_, err = ks.Get(campaignID)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// A finalized campaign id can be generated again
	_, err = ks.Generate(campaignID)
	assert.NoError(t, err)
}

func TestKeysAreIndependent(t *testing.T) {
	ks := testKeyStore(t)
	a, err := ks.Generate(ident.Derive([]byte("campaign-a")))
	require.NoError(t, err)
	b, err := ks.Generate(ident.Derive([]byte("campaign-b")))
	require.NoError(t, err)
	assert.NotEqual(t, a.PubKeyHash, b.PubKeyHash)
}
