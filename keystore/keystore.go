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

// Package keystore manages claim-authority keys for claimable campaigns.
// Creating a campaign generates an ephemeral keypair whose public key hash
// is baked into the covenant; the private key is escrowed in the blob
// store keyed by campaign id, retrieved when a claim must be signed, and
// deleted when the campaign finalizes. This is the only private key
// material the engine ever holds.
package keystore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/openbch/keeper/ident"
	"github.com/openbch/keeper/policy"
)

// Common errors returned by KeyStore operations.
var (
	ErrKeyNotFound      = errors.New("claim authority key not found")
	ErrKeyAlreadyExists = errors.New("claim authority key already exists")
)

// blobKeyPrefix namespaces escrowed keys in the blob store.
const blobKeyPrefix = "claimkey/"

// BlobStore is the persistence escrowed keys are written through.
type BlobStore interface {
	PutBlob(key, value []byte) error
	GetBlob(key []byte) ([]byte, error)
	DeleteBlob(key []byte) error
}

// ClaimAuthority is a campaign's escrowed signing authority.
type ClaimAuthority struct {
	// PubKeyHash is the hash160 of the compressed public key, the value
	// the covenant is parameterized with.
	PubKeyHash policy.Hash20
	privKey    *btcec.PrivateKey
}

// PrivKey returns the authority's private key for signing. The caller
// must not retain it past the signing operation.
func (a *ClaimAuthority) PrivKey() *btcec.PrivateKey {
	return a.privKey
}

// KeyStore escrows claim-authority private keys in the blob store.
type KeyStore struct {
	logger *slog.Logger
	blobs  BlobStore
	mu     sync.Mutex
}

// New creates a KeyStore backed by the given blob store.
func New(logger *slog.Logger, blobs BlobStore) (*KeyStore, error) {
	if blobs == nil {
		return nil, errors.New("keystore: blob store is required")
	}
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &KeyStore{
		logger: logger,
		blobs:  blobs,
	}, nil
}

// Generate creates and escrows a fresh claim authority for a campaign.
// Generating twice for the same campaign fails rather than silently
// rotating a key a deployed covenant already commits to.
func (k *KeyStore) Generate(campaignID ident.ID) (*ClaimAuthority, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	key := blobKey(campaignID)
	if _, err := k.blobs.GetBlob(key); err == nil {
		return nil, ErrKeyAlreadyExists
	}
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("keystore: key generation failed: %w", err)
	}
	if err := k.blobs.PutBlob(key, privKey.Serialize()); err != nil {
		return nil, err
	}
	authority := newAuthority(privKey)
	k.logger.Info(
		"escrowed claim authority",
		"component", "keystore",
		"campaign", campaignID.String(),
	)
	return authority, nil
}

// Get retrieves a campaign's escrowed claim authority.
func (k *KeyStore) Get(campaignID ident.ID) (*ClaimAuthority, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	raw, err := k.blobs.GetBlob(blobKey(campaignID))
	if err != nil {
		return nil, ErrKeyNotFound
	}
	privKey, _ := btcec.PrivKeyFromBytes(raw)
	return newAuthority(privKey), nil
}

// Delete removes a campaign's escrowed claim authority once the campaign
// has finalized.
func (k *KeyStore) Delete(campaignID ident.ID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.blobs.DeleteBlob(blobKey(campaignID)); err != nil {
		return err
	}
	k.logger.Info(
		"deleted claim authority",
		"component", "keystore",
		"campaign", campaignID.String(),
	)
	return nil
}

func newAuthority(privKey *btcec.PrivateKey) *ClaimAuthority {
	var hash policy.Hash20
	copy(
		hash[:],
		btcutil.Hash160(privKey.PubKey().SerializeCompressed()),
	)
	return &ClaimAuthority{
		PubKeyHash: hash,
		privKey:    privKey,
	}
}

func blobKey(campaignID ident.ID) []byte {
	return append([]byte(blobKeyPrefix), campaignID[:]...)
}
