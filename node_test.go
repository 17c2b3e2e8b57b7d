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

package keeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/openbch/keeper/chainwatch"
	"github.com/openbch/keeper/commitment"
	"github.com/openbch/keeper/guardrail"
	"github.com/openbch/keeper/ident"
	"github.com/openbch/keeper/keystore"
	"github.com/openbch/keeper/policy"
	"github.com/openbch/keeper/session"
	"github.com/openbch/keeper/supervisor"
	"github.com/openbch/keeper/txbuilder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memBroadcaster struct {
	mu    sync.Mutex
	calls int
	err   error
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
	return tx.TxHash(), nil
}

func (b *memBroadcaster) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

const testPeriodSeconds = 2_592_000

var testSigners = []policy.Hash20{{0x01}, {0x02}, {0x03}}

func testPolicy() *policy.Policy {
	return &policy.Policy{
		Version:         1,
		RequiredSigners: 2,
		Signers:         testSigners,
		PeriodSeconds:   testPeriodSeconds,
		Guardrails: policy.Guardrails{
			PeriodCapSats:    policy.NoLimit,
			RecipientCapSats: policy.NoLimit,
		},
		Limits: policy.DefaultLimits(),
	}
}

func testNode(t *testing.T) (*Node, *memBroadcaster) {
	t.Helper()
	broadcaster := &memBroadcaster{}
	n, err := New(NewConfig(
		WithPolicy(testPolicy()),
		WithBroadcaster(broadcaster),
		WithDataDir(t.TempDir()),
	))
	require.NoError(t, err)
	require.NoError(t, n.startup())
	t.Cleanup(func() { _ = n.Stop() })
	return n, broadcaster
}

var (
	vaultScript   = []byte{0xaa, 0x20, 0x01, 0x02, 0x03, 0x87}
	fundingScript = []byte{0x76, 0xa9, 0x14, 0x05, 0x88, 0xac}
	changeScript  = []byte{0x76, 0xa9, 0x14, 0x06, 0x88, 0xac}
	testCategory  = chainhash.Hash{0x11, 0x22}
)

// seedVault mirrors a confirmed active vault UTXO the way an indexer
// adapter would.
func seedVault(t *testing.T, n *Node, valueSats uint64) ident.ID {
	t.Helper()
	vaultID := ident.Derive([]byte("node-test-vault"))
	n.Watcher().Watch(vaultScript, vaultID, supervisor.KindVault)
	payload, err := commitment.VaultState{
		Version: 1,
		Status:  commitment.VaultActive,
	}.Encode()
	require.NoError(t, err)
	script, err := txbuilder.EncodeTokenScript(
		&txbuilder.TokenData{
			CategoryID: testCategory,
			Commitment: payload,
			Capability: txbuilder.CapabilityMutable,
		},
		vaultScript,
	)
	require.NoError(t, err)
	require.NoError(t, n.Watcher().ApplyConfirmedOutput(
		context.Background(),
		chainwatch.ConfirmedOutput{
			TxID:        chainhash.Hash{0x01},
			OutputIndex: 0,
			Script:      script,
			ValueSats:   valueSats,
			BlockHeight: 800_000,
			BlockTime:   1_700_000_000,
		},
	))
	return vaultID
}

func testFunding(valueSats uint64) txbuilder.Funding {
	return txbuilder.Funding{
		Inputs: []txbuilder.FundingInput{{
			Outpoint:        wire.OutPoint{Hash: chainhash.Hash{0xf1}, Index: 0},
			ValueSats:       valueSats,
			LockingScript:   fundingScript,
			UnlockingScript: []byte{0x47, 0x30, 0x44, 0x21, 0x02},
		}},
		ChangeScript: changeScript,
	}
}

func sig(b byte) [][]byte {
	return [][]byte{{b}}
}

func TestSpendThresholdFlow(t *testing.T) {
	n, broadcaster := testNode(t)
	ctx := context.Background()
	vaultID := seedVault(t, n, 500_000_000)

	sess, err := n.Propose(ctx, txbuilder.SpendRequest{
		VaultID: vaultID,
		Payout: guardrail.Payout{
			CategoryID: 7,
			Recipients: []guardrail.Recipient{
				{Hash: policy.Hash20{0xaa}, AmountSats: 1_000_000},
			},
		},
		Funding: testFunding(50_000),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Descriptor.RequiredSignatures)
	assert.Equal(t, testSigners, sess.Descriptor.SignerOrder)

	res, err := n.Sessions().Submit(ctx, sess.ID, testSigners[0], sig(0xa1))
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, res.Status)
	assert.Equal(t, 1, res.Collected)
	assert.Equal(t, 0, broadcaster.callCount())

	res, err = n.Sessions().Submit(ctx, sess.ID, testSigners[1], sig(0xb2))
	require.NoError(t, err)
	assert.Equal(t, session.StatusBroadcasted, res.Status)
	assert.Equal(t, 1, broadcaster.callCount())

	// Category accounting is applied off the finalize event
	period := uint64(time.Now().Unix()) / testPeriodSeconds
	require.Eventually(t, func() bool {
		spent, err := n.Database().CategorySpent(ctx, vaultID, 7, period)
		return err == nil && spent == 1_000_000
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCreateVaultSingleSubmission(t *testing.T) {
	n, broadcaster := testNode(t)
	ctx := context.Background()
	newVaultID := ident.Derive([]byte("node-test-new-vault"))
	newScript := []byte{0xaa, 0x20, 0x44, 0x55, 0x66, 0x87}

	sess, err := n.Propose(ctx, txbuilder.CreateVaultRequest{
		VaultID:        newVaultID,
		CategoryID:     testCategory,
		CovenantScript: newScript,
		InitialState: commitment.VaultState{
			Version: 1,
			Status:  commitment.VaultActive,
		},
		ValueSats: 100_000,
		Funding:   testFunding(200_000),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Descriptor.RequiredSignatures)
	assert.Empty(t, sess.Descriptor.SignerOrder)

	// Until the transaction broadcasts the new vault is pending
	status, err := n.Supervisor().Status(ctx, newVaultID)
	require.NoError(t, err)
	assert.Equal(t, supervisor.StatusPending, status.Status)
	assert.Equal(t, string(supervisor.KindVault), status.Kind)

	// A create spends no covenant inputs, so any party finalizes it
	// with an empty signature list
	res, err := n.Sessions().Submit(ctx, sess.ID, policy.Hash20{0x99}, nil)
	require.NoError(t, err)
	assert.Equal(t, session.StatusBroadcasted, res.Status)
	assert.Equal(t, 1, broadcaster.callCount())

	require.Eventually(t, func() bool {
		status, err := n.Supervisor().Status(ctx, newVaultID)
		return err == nil &&
			status.Status == supervisor.VaultActive &&
			status.Kind == string(supervisor.KindVault)
	}, 5*time.Second, 10*time.Millisecond)

	// Propose registered the covenant script, so a later confirmation
	// is attributed to the new vault
	payload, err := commitment.VaultState{
		Version: 1,
		Status:  commitment.VaultActive,
	}.Encode()
	require.NoError(t, err)
	script, err := txbuilder.EncodeTokenScript(
		&txbuilder.TokenData{
			CategoryID: testCategory,
			Commitment: payload,
			Capability: txbuilder.CapabilityMutable,
		},
		newScript,
	)
	require.NoError(t, err)
	require.NoError(t, n.Watcher().ApplyConfirmedOutput(
		ctx,
		chainwatch.ConfirmedOutput{
			TxID:        chainhash.Hash{0x02},
			OutputIndex: 0,
			Script:      script,
			ValueSats:   100_000,
			BlockHeight: 800_001,
			BlockTime:   1_700_000_600,
		},
	))
	utxo, err := n.Database().LatestUTXO(ctx, newVaultID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), utxo.ValueSats)
}

func TestExpiredSessionDropsEffect(t *testing.T) {
	n, broadcaster := testNode(t)
	ctx := context.Background()
	vaultID := seedVault(t, n, 500_000_000)

	sess, err := n.Propose(ctx, txbuilder.SpendRequest{
		VaultID: vaultID,
		Payout: guardrail.Payout{
			CategoryID: 7,
			Recipients: []guardrail.Recipient{
				{Hash: policy.Hash20{0xaa}, AmountSats: 1_000_000},
			},
		},
		Funding: testFunding(50_000),
	})
	require.NoError(t, err)
	require.NoError(t, n.Sessions().Expire(ctx, sess.ID))

	require.Eventually(t, func() bool {
		n.pendingMu.Lock()
		defer n.pendingMu.Unlock()
		_, ok := n.pending[sess.ID]
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	period := uint64(time.Now().Unix()) / testPeriodSeconds
	spent, err := n.Database().CategorySpent(ctx, vaultID, 7, period)
	require.NoError(t, err)
	assert.Zero(t, spent)
	assert.Zero(t, broadcaster.callCount())
}

func TestProposeUnknownVault(t *testing.T) {
	n, _ := testNode(t)
	_, err := n.Propose(context.Background(), txbuilder.SpendRequest{
		VaultID: ident.Derive([]byte("never-mirrored")),
		Payout: guardrail.Payout{
			CategoryID: 1,
			Recipients: []guardrail.Recipient{
				{Hash: policy.Hash20{0xaa}, AmountSats: 1_000},
			},
		},
		Funding: testFunding(50_000),
	})
	require.Error(t, err)
}

func TestNewCampaignAuthority(t *testing.T) {
	n, _ := testNode(t)
	campaignID := ident.Derive([]byte("node-test-campaign"))

	hash, err := n.NewCampaignAuthority(campaignID)
	require.NoError(t, err)
	assert.NotEqual(t, policy.Hash20{}, hash)

	// The covenant is parameterized with the escrowed key; it must
	// never be silently rotated
	_, err = n.NewCampaignAuthority(campaignID)
	assert.ErrorIs(t, err, keystore.ErrKeyAlreadyExists)
}

var proposalScript = []byte{0xaa, 0x20, 0x07, 0x08, 0x09, 0x87}

// seedProposal mirrors a confirmed proposal UTXO carrying the supplied
// state the way an indexer adapter would.
func seedProposal(
	t *testing.T,
	n *Node,
	state commitment.ProposalState,
	valueSats uint64,
) ident.ID {
	t.Helper()
	proposalID := ident.Derive([]byte("node-test-proposal"))
	n.Watcher().Watch(proposalScript, proposalID, supervisor.KindProposal)
	payload, err := state.Encode()
	require.NoError(t, err)
	script, err := txbuilder.EncodeTokenScript(
		&txbuilder.TokenData{
			CategoryID: testCategory,
			Commitment: payload,
			Capability: txbuilder.CapabilityMutable,
		},
		proposalScript,
	)
	require.NoError(t, err)
	require.NoError(t, n.Watcher().ApplyConfirmedOutput(
		context.Background(),
		chainwatch.ConfirmedOutput{
			TxID:        chainhash.Hash{0x03},
			OutputIndex: 0,
			Script:      script,
			ValueSats:   valueSats,
			BlockHeight: 800_000,
			BlockTime:   1_700_000_000,
		},
	))
	return proposalID
}

func TestExecuteProposalFlow(t *testing.T) {
	n, broadcaster := testNode(t)
	ctx := context.Background()
	vaultID := seedVault(t, n, 500_000_000)
	recipients := []guardrail.Recipient{
		{Hash: policy.Hash20{0xaa}, AmountSats: 2_000_000},
		{Hash: policy.Hash20{0xbb}, AmountSats: 1_000_000},
	}
	proposalID := seedProposal(t, n, commitment.ProposalState{
		Version:           1,
		Status:            commitment.ProposalExecutable,
		ApprovalCount:     2,
		RequiredApprovals: 2,
		PayoutTotal:       3_000_000,
		CategoryID:        9,
		PayoutHash:        txbuilder.PayoutHash(recipients),
	}, 10_000)

	sess, err := n.Propose(ctx, txbuilder.ExecuteRequest{
		ProposalID: proposalID,
		VaultID:    vaultID,
		Recipients: recipients,
		Funding:    testFunding(50_000),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Descriptor.RequiredSignatures)

	// The vault successor leads the outputs, payouts follow
	token, _, err := txbuilder.DecodeTokenScript(
		sess.Descriptor.Tx.TxOut[0].PkScript,
	)
	require.NoError(t, err)
	require.NotNil(t, token)
	successor, err := commitment.DecodeVaultState(token.Commitment)
	require.NoError(t, err)
	assert.Equal(t, uint64(3_000_000), successor.SpentThisPeriod)

	// Proposal and vault inputs each need one signature per signer
	_, err = n.Sessions().Submit(
		ctx,
		sess.ID,
		testSigners[0],
		[][]byte{{0xa1}, {0xa2}},
	)
	require.NoError(t, err)
	res, err := n.Sessions().Submit(
		ctx,
		sess.ID,
		testSigners[1],
		[][]byte{{0xb1}, {0xb2}},
	)
	require.NoError(t, err)
	assert.Equal(t, session.StatusBroadcasted, res.Status)
	assert.Equal(t, 1, broadcaster.callCount())

	// The category spend recorded off the finalize event reads the
	// proposal's bound category and the vault successor's period
	period := uint64(time.Now().Unix()) / testPeriodSeconds
	require.Eventually(t, func() bool {
		spent, err := n.Database().CategorySpent(ctx, vaultID, 9, period)
		return err == nil && spent == 3_000_000
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		status, err := n.Supervisor().Status(ctx, proposalID)
		return err == nil &&
			status.Status == supervisor.ProposalExecuted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDuplicateApproveRejected(t *testing.T) {
	n, broadcaster := testNode(t)
	ctx := context.Background()
	proposalID := seedProposal(t, n, commitment.ProposalState{
		Version:           1,
		Status:            commitment.ProposalSubmitted,
		RequiredApprovals: 2,
	}, 10_000)

	sess, err := n.Propose(ctx, txbuilder.ApproveRequest{
		ProposalID: proposalID,
		Signer:     testSigners[0],
		Funding:    testFunding(50_000),
	})
	require.NoError(t, err)
	res, err := n.Sessions().Submit(ctx, sess.ID, testSigners[0], sig(0xa1))
	require.NoError(t, err)
	assert.Equal(t, session.StatusBroadcasted, res.Status)
	assert.Equal(t, 1, broadcaster.callCount())

	// The broadcast lands the approval on the ledger
	require.Eventually(t, func() bool {
		ok, err := n.Database().HasApproval(
			ctx,
			proposalID,
			testSigners[0],
		)
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond)

	// The same signer approving again does not increment the count
	_, err = n.Propose(ctx, txbuilder.ApproveRequest{
		ProposalID: proposalID,
		Signer:     testSigners[0],
		Funding:    testFunding(50_000),
	})
	var transitionErr *txbuilder.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, 1, broadcaster.callCount())
}

func TestProposeAbandonsSessionOnTrackingError(t *testing.T) {
	n, broadcaster := testNode(t)
	ctx := context.Background()
	vaultID := seedVault(t, n, 500_000_000)

	// Creating a vault under an id that is already active cannot move
	// it back to pending; the opened session must not outlive the error
	_, err := n.Propose(ctx, txbuilder.CreateVaultRequest{
		VaultID:        vaultID,
		CategoryID:     testCategory,
		CovenantScript: vaultScript,
		InitialState: commitment.VaultState{
			Version: 1,
			Status:  commitment.VaultActive,
		},
		ValueSats: 100_000,
		Funding:   testFunding(200_000),
	})
	var transitionErr *supervisor.TransitionError
	require.ErrorAs(t, err, &transitionErr)

	n.pendingMu.Lock()
	pendingCount := len(n.pending)
	n.pendingMu.Unlock()
	assert.Zero(t, pendingCount)

	expired, err := n.Database().SessionsByStatus(
		ctx,
		string(session.StatusExpired),
	)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
	assert.Zero(t, broadcaster.callCount())
}
