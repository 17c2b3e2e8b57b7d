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

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/openbch/keeper/database"
	"github.com/openbch/keeper/ident"
	"github.com/openbch/keeper/policy"
	"github.com/openbch/keeper/txbuilder"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type memStore struct {
	mu      sync.Mutex
	records map[ident.ID]database.SessionRecord
	locks   map[wire.OutPoint]ident.ID
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[ident.ID]database.SessionRecord),
		locks:   make(map[wire.OutPoint]ident.ID),
	}
}

func (s *memStore) UpsertSession(
	_ context.Context,
	rec database.SessionRecord,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = rec
	return nil
}

func (s *memStore) LockUTXO(
	_ context.Context,
	outpoint wire.OutPoint,
	sessionID ident.ID,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.locks[outpoint]; ok && holder != sessionID {
		return database.ErrUtxoLocked
	}
	s.locks[outpoint] = sessionID
	return nil
}

func (s *memStore) ReleaseUTXO(
	_ context.Context,
	outpoint wire.OutPoint,
	sessionID ident.ID,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.locks[outpoint]; ok && holder == sessionID {
		delete(s.locks, outpoint)
	}
	return nil
}

type memBroadcaster struct {
	mu     sync.Mutex
	calls  int
	err    error
	txid   chainhash.Hash
	lastTx *wire.MsgTx
}

func (b *memBroadcaster) Broadcast(
	_ context.Context,
	tx *wire.MsgTx,
) (chainhash.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return chainhash.Hash{}, b.err
	}
	b.txid = tx.TxHash()
	b.lastTx = tx.Copy()
	return b.txid, nil
}

func (b *memBroadcaster) lastBroadcast() *wire.MsgTx {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTx
}

func (b *memBroadcaster) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

var testSigners = []policy.Hash20{{0x01}, {0x02}, {0x03}}

func testDescriptor() *txbuilder.Descriptor {
	tx := wire.NewMsgTx(2)
	outpoint := wire.OutPoint{Hash: chainhash.Hash{0x11}, Index: 0}
	tx.AddTxIn(wire.NewTxIn(&outpoint, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0xa9, 0x14, 0x01}))
	return &txbuilder.Descriptor{
		Operation: txbuilder.OpSpend,
		EntityID:  ident.Derive([]byte("vault")),
		Tx:        tx,
		SourceOutputs: []txbuilder.SourceOutput{{
			Outpoint:      outpoint,
			LockingScript: []byte{0xa9, 0x14, 0x01},
			ValueSats:     2000,
			RedeemScript:  []byte{0x51},
			SigHash:       make([]byte, 32),
		}},
		RequiredSignatures: 2,
		SignerOrder:        testSigners,
		Broadcast:          true,
	}
}

func testCoordinator(
	t *testing.T,
	store Store,
	broadcaster Broadcaster,
) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Config{
		PromRegistry: prometheus.NewRegistry(),
		Store:        store,
		Broadcaster:  broadcaster,
	})
	require.NoError(t, err)
	return c
}

func sig(tag byte) [][]byte {
	return [][]byte{{tag, 0x41}}
}

func TestTwoOfThreeBroadcastsExactlyOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newMemStore()
	broadcaster := &memBroadcaster{}
	c := testCoordinator(t, store, broadcaster)
	ctx := context.Background()

	sess, err := c.Create(ctx, testDescriptor())
	require.NoError(t, err)

	res, err := c.Submit(ctx, sess.ID, testSigners[0], sig(0xa1))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, 1, res.Collected)
	assert.Equal(t, 2, res.Required)

	res, err = c.Submit(ctx, sess.ID, testSigners[1], sig(0xa2))
	require.NoError(t, err)
	assert.Equal(t, StatusBroadcasted, res.Status)
	assert.Equal(t, 2, res.Collected)
	assert.NotEqual(t, chainhash.Hash{}, res.TxID)
	assert.Equal(t, 1, broadcaster.callCount())

	// Third submission after broadcast is a no-op returning the known
	// txid
	third, err := c.Submit(ctx, sess.ID, testSigners[2], sig(0xa3))
	require.NoError(t, err)
	assert.Equal(t, StatusBroadcasted, third.Status)
	assert.Equal(t, res.TxID, third.TxID)
	assert.Equal(t, 1, broadcaster.callCount())

	// Persisted record reflects the broadcast
	rec := store.records[sess.ID]
	assert.Equal(t, string(StatusBroadcasted), rec.Status)
	assert.Equal(t, res.TxID[:], rec.TxID)
}

func TestDuplicateSignerDoesNotDoubleCount(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newMemStore()
	broadcaster := &memBroadcaster{}
	c := testCoordinator(t, store, broadcaster)
	ctx := context.Background()

	sess, err := c.Create(ctx, testDescriptor())
	require.NoError(t, err)

	res, err := c.Submit(ctx, sess.ID, testSigners[0], sig(0xa1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Collected)

	res, err = c.Submit(ctx, sess.ID, testSigners[0], sig(0xa1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Collected)
	assert.Equal(t, StatusPending, res.Status)
	assert.Zero(t, broadcaster.callCount())
}

func TestUnknownSignerRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newMemStore()
	c := testCoordinator(t, store, &memBroadcaster{})
	ctx := context.Background()

	sess, err := c.Create(ctx, testDescriptor())
	require.NoError(t, err)

	_, err = c.Submit(ctx, sess.ID, policy.Hash20{0xff}, sig(0xa1))
	assert.ErrorIs(t, err, ErrUnknownSigner)
}

func TestSignatureCountValidated(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newMemStore()
	c := testCoordinator(t, store, &memBroadcaster{})
	ctx := context.Background()

	sess, err := c.Create(ctx, testDescriptor())
	require.NoError(t, err)

	_, err = c.Submit(ctx, sess.ID, testSigners[0], [][]byte{{1}, {2}})
	assert.ErrorIs(t, err, ErrSignatureCount)
}

func TestCreateLocksCovenantUTXO(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newMemStore()
	c := testCoordinator(t, store, &memBroadcaster{})
	ctx := context.Background()

	desc := testDescriptor()
	_, err := c.Create(ctx, desc)
	require.NoError(t, err)

	// Second session against the same UTXO fails on the soft-lock.
	// Give it a distinct tx so it gets a distinct session id.
	other := testDescriptor()
	other.Tx.TxOut[0].Value = 999
	_, err = c.Create(ctx, other)
	require.Error(t, err)
	assert.ErrorIs(t, err, database.ErrUtxoLocked)
}

func TestExpiryReleasesLocks(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newMemStore()
	broadcaster := &memBroadcaster{}
	clock := time.Unix(1_700_000_000, 0)
	c, err := NewCoordinator(Config{
		PromRegistry: prometheus.NewRegistry(),
		Store:        store,
		Broadcaster:  broadcaster,
		Expiry:       time.Hour,
		Now:          func() time.Time { return clock },
	})
	require.NoError(t, err)
	ctx := context.Background()

	desc := testDescriptor()
	sess, err := c.Create(ctx, desc)
	require.NoError(t, err)
	require.Len(t, store.locks, 1)

	clock = clock.Add(2 * time.Hour)
	c.sweep(ctx)

	assert.Empty(t, store.locks)
	assert.Equal(t, StatusExpired, sess.Status())
	_, err = c.Submit(ctx, sess.ID, testSigners[0], sig(0xa1))
	assert.ErrorIs(t, err, ErrSessionExpired)

	// The UTXO is free for a fresh session
	other := testDescriptor()
	other.Tx.TxOut[0].Value = 999
	_, err = c.Create(ctx, other)
	require.NoError(t, err)
}

func TestBroadcastRejectionLeavesSessionPending(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newMemStore()
	broadcaster := &memBroadcaster{
		err: errors.New("txn-mempool-conflict"),
	}
	c := testCoordinator(t, store, broadcaster)
	ctx := context.Background()

	sess, err := c.Create(ctx, testDescriptor())
	require.NoError(t, err)

	_, err = c.Submit(ctx, sess.ID, testSigners[0], sig(0xa1))
	require.NoError(t, err)
	_, err = c.Submit(ctx, sess.ID, testSigners[1], sig(0xa2))
	var rejected *BroadcastRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "txn-mempool-conflict", rejected.Reason)

	// Session is left valid for resumption and is not auto-retried
	assert.Equal(t, StatusPending, sess.Status())
	assert.Equal(t, 1, broadcaster.callCount())
}

func TestAssemblyDeterministicSignerOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newMemStore()
	broadcasterA := &memBroadcaster{}
	cA := testCoordinator(t, store, broadcasterA)
	ctx := context.Background()

	// Submit in reverse signer order
	sessA, err := cA.Create(ctx, testDescriptor())
	require.NoError(t, err)
	_, err = cA.Submit(ctx, sessA.ID, testSigners[1], sig(0xa2))
	require.NoError(t, err)
	resA, err := cA.Submit(ctx, sessA.ID, testSigners[0], sig(0xa1))
	require.NoError(t, err)

	// Submit in forward signer order against a fresh store
	broadcasterB := &memBroadcaster{}
	cB := testCoordinator(t, newMemStore(), broadcasterB)
	sessB, err := cB.Create(ctx, testDescriptor())
	require.NoError(t, err)
	_, err = cB.Submit(ctx, sessB.ID, testSigners[0], sig(0xa1))
	require.NoError(t, err)
	resB, err := cB.Submit(ctx, sessB.ID, testSigners[1], sig(0xa2))
	require.NoError(t, err)

	// Arrival order does not change the assembled transaction
	assert.Equal(t, resA.TxID, resB.TxID)
}

func TestConcurrentSubmissionsSingleBroadcast(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newMemStore()
	broadcaster := &memBroadcaster{}
	c := testCoordinator(t, store, broadcaster)
	ctx := context.Background()

	sess, err := c.Create(ctx, testDescriptor())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, signer := range testSigners {
		wg.Add(1)
		go func(i int, signer policy.Hash20) {
			defer wg.Done()
			_, err := c.Submit(ctx, sess.ID, signer, sig(byte(i)))
			assert.NoError(t, err)
		}(i, signer)
	}
	wg.Wait()
	assert.Equal(t, 1, broadcaster.callCount())
	assert.Equal(t, StatusBroadcasted, sess.Status())
}

func TestSubmitUnknownSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := testCoordinator(t, newMemStore(), &memBroadcaster{})
	_, err := c.Submit(
		context.Background(),
		ident.Derive([]byte("nope")),
		testSigners[0],
		sig(0x01),
	)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRunSweepsOnTicker(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newMemStore()
	var mu sync.Mutex
	clock := time.Unix(1_700_000_000, 0)
	c, err := NewCoordinator(Config{
		PromRegistry:  prometheus.NewRegistry(),
		Store:         store,
		Broadcaster:   &memBroadcaster{},
		Expiry:        time.Hour,
		SweepInterval: 10 * time.Millisecond,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return clock
		},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())

	sess, err := c.Create(ctx, testDescriptor())
	require.NoError(t, err)

	mu.Lock()
	clock = clock.Add(2 * time.Hour)
	mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return sess.Status() == StatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSignerRequestCoversCovenantInputs(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newMemStore()
	c := testCoordinator(t, store, &memBroadcaster{})

	desc := testDescriptor()
	// A plain funding input must not appear in the signer descriptor
	desc.SourceOutputs = append(desc.SourceOutputs, txbuilder.SourceOutput{
		Outpoint:      wire.OutPoint{Hash: chainhash.Hash{0x22}, Index: 1},
		LockingScript: []byte{0x76, 0xa9, 0x14, 0x02},
		ValueSats:     5000,
	})
	sess, err := c.Create(context.Background(), desc)
	require.NoError(t, err)

	req := sess.SignerRequest()
	assert.Equal(t, sess.ID, req.SessionID)
	assert.Equal(t, desc.EntityID, req.EntityID)
	assert.Equal(t, string(txbuilder.OpSpend), req.Operation)
	assert.Equal(t, sess.ExpiresAt, req.ExpiresAt)
	require.Len(t, req.Inputs, 1)
	assert.Equal(t, desc.SourceOutputs[0].Outpoint, req.Inputs[0].Outpoint)
	assert.Equal(t, desc.SourceOutputs[0].SigHash, req.Inputs[0].SigHash)
	assert.Equal(
		t,
		desc.SourceOutputs[0].RedeemScript,
		req.Inputs[0].RedeemScript,
	)
}

func TestBroadcastKeepsFundingUnlockingScript(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newMemStore()
	broadcaster := &memBroadcaster{}
	c := testCoordinator(t, store, broadcaster)
	ctx := context.Background()

	desc := testDescriptor()
	unlocking := []byte{0x47, 0x30, 0x44, 0x21, 0x02}
	fundingOutpoint := wire.OutPoint{Hash: chainhash.Hash{0x22}, Index: 1}
	desc.Tx.AddTxIn(wire.NewTxIn(&fundingOutpoint, unlocking, nil))
	desc.SourceOutputs = append(desc.SourceOutputs, txbuilder.SourceOutput{
		Outpoint:      fundingOutpoint,
		LockingScript: []byte{0x76, 0xa9, 0x14, 0x02},
		ValueSats:     5000,
	})

	sess, err := c.Create(ctx, desc)
	require.NoError(t, err)

	_, err = c.Submit(ctx, sess.ID, testSigners[0], sig(0xa1))
	require.NoError(t, err)
	res, err := c.Submit(ctx, sess.ID, testSigners[1], sig(0xa2))
	require.NoError(t, err)
	require.Equal(t, StatusBroadcasted, res.Status)

	tx := broadcaster.lastBroadcast()
	require.NotNil(t, tx)
	require.Len(t, tx.TxIn, 2)
	// The covenant input gains its threshold script; the wallet's
	// pre-signed funding input goes out exactly as it arrived.
	assert.NotEmpty(t, tx.TxIn[0].SignatureScript)
	assert.Equal(t, unlocking, tx.TxIn[1].SignatureScript)
}
