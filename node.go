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

// Package keeper wires the covenant engine together: the off-chain
// mirror, the transaction builder, the signing session coordinator, the
// entity supervisor, the claim-authority keystore, and the chain watcher.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openbch/keeper/chainwatch"
	"github.com/openbch/keeper/commitment"
	"github.com/openbch/keeper/database"
	"github.com/openbch/keeper/event"
	"github.com/openbch/keeper/ident"
	"github.com/openbch/keeper/keystore"
	"github.com/openbch/keeper/policy"
	"github.com/openbch/keeper/session"
	"github.com/openbch/keeper/supervisor"
	"github.com/openbch/keeper/txbuilder"
)

// pendingEffect is the off-chain bookkeeping applied when a session's
// transaction is handed to the broadcaster: the optimistic status the
// transition implies plus any category spend accumulation.
type pendingEffect struct {
	entityID      ident.ID
	kind          supervisor.EntityKind
	status        string
	categorySpend *categorySpend
	approval      *approvalRecord
	dropClaimKey  bool
}

type categorySpend struct {
	vaultID    ident.ID
	categoryID uint32
	periodID   uint64
	amountSats uint64
}

// approvalRecord is the signer identity written to the approval ledger
// when an approve transaction broadcasts, backing duplicate-approval
// rejection at build time.
type approvalRecord struct {
	proposalID ident.ID
	signer     policy.Hash20
}

type Node struct {
	config       Config
	db           *database.Database
	eventBus     *event.EventBus
	builder      *txbuilder.Service
	sessions     *session.Coordinator
	supervisor   *supervisor.Supervisor
	watcher      *chainwatch.Watcher
	keys         *keystore.KeyStore
	sweepCancel  context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once

	pendingMu sync.Mutex
	pending   map[ident.ID]pendingEffect
}

func New(cfg Config) (*Node, error) {
	n := &Node{
		config:   cfg,
		eventBus: event.NewEventBus(cfg.promRegistry, cfg.logger),
		done:     make(chan struct{}),
		pending:  make(map[ident.ID]pendingEffect),
	}
	if err := n.configValidate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return n, nil
}

func (n *Node) Run(ctx context.Context) error {
	if err := n.startup(); err != nil {
		return err
	}
	// Start session expiry sweep
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	n.sweepCancel = sweepCancel
	go func() {
		if err := n.sessions.Run(sweepCtx); err != nil &&
			!errors.Is(err, context.Canceled) {
			n.config.logger.Error(
				"session sweep stopped",
				"component", "node",
				"error", err,
			)
		}
	}()
	n.config.logger.Info(
		"covenant engine running",
		"component", "node",
		"signers", len(n.config.policy.Signers),
		"required", n.config.policy.RequiredSigners,
	)

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
		return n.Stop()
	case <-n.done:
		return nil
	}
}

func (n *Node) startup() error {
	// Load database
	db, err := database.New(n.config.logger, n.config.dataDir)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	n.db = db
	// Load supervisor
	n.supervisor, err = supervisor.New(supervisor.Config{
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
		Store:        n.db,
		EventBus:     n.eventBus,
	})
	if err != nil {
		return fmt.Errorf("failed to load supervisor: %w", err)
	}
	// Load transaction builder
	n.builder, err = txbuilder.NewService(txbuilder.ServiceConfig{
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
		Policy:       n.config.policy,
		Source:       n.db,
		FeeRatePerKB: n.config.feeRatePerKB,
	})
	if err != nil {
		return fmt.Errorf("failed to load transaction builder: %w", err)
	}
	// Load claim-authority keystore
	n.keys, err = keystore.New(n.config.logger, n.db)
	if err != nil {
		return fmt.Errorf("failed to load keystore: %w", err)
	}
	// Load signing session coordinator
	n.sessions, err = session.NewCoordinator(session.Config{
		Logger:        n.config.logger,
		PromRegistry:  n.config.promRegistry,
		EventBus:      n.eventBus,
		Store:         n.db,
		Broadcaster:   n.config.broadcaster,
		Expiry:        n.config.sessionExpiry,
		SweepInterval: n.config.sessionSweepInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to load session coordinator: %w", err)
	}
	// Load chain watcher
	n.watcher, err = chainwatch.New(chainwatch.Config{
		Logger:       n.config.logger,
		PromRegistry: n.config.promRegistry,
		Mirror:       n.db,
		Supervisor:   n.supervisor,
		EventBus:     n.eventBus,
	})
	if err != nil {
		return fmt.Errorf("failed to load chain watcher: %w", err)
	}
	// Apply deferred off-chain effects when sessions finalize or expire
	n.eventBus.SubscribeFunc(
		event.SessionFinalizedEventType,
		n.handleSessionFinalized,
	)
	n.eventBus.SubscribeFunc(
		event.SessionExpiredEventType,
		n.handleSessionExpired,
	)
	return nil
}

// Propose builds the transaction for the request against the latest
// mirrored state and opens a signing session for it. The session
// soft-locks the covenant UTXOs it spends; submissions flow through
// Sessions().Submit.
func (n *Node) Propose(
	ctx context.Context,
	req txbuilder.Request,
) (*session.Session, error) {
	desc, err := n.builder.BuildLatest(ctx, req)
	if err != nil {
		return nil, err
	}
	// Derive the deferred effect before the session exists: an
	// undecodable effect means a builder bug, and failing here cannot
	// leave a session holding soft-locks
	effect, err := n.effectFor(ctx, desc, req)
	if err != nil {
		return nil, err
	}
	sess, err := n.sessions.Create(ctx, desc)
	if err != nil {
		return nil, err
	}
	n.pendingMu.Lock()
	n.pending[sess.ID] = effect
	n.pendingMu.Unlock()
	if err := n.trackProposed(ctx, req); err != nil {
		n.abandonSession(ctx, sess.ID)
		return nil, err
	}
	return sess, nil
}

// trackProposed registers watch scripts for the outputs the proposed
// transaction will create and assigns newly created entities their
// initial pending status, held until the transaction broadcasts.
func (n *Node) trackProposed(
	ctx context.Context,
	req txbuilder.Request,
) error {
	switch req := req.(type) {
	case txbuilder.CreateVaultRequest:
		n.watcher.Watch(
			req.CovenantScript,
			req.VaultID,
			supervisor.KindVault,
		)
		return n.supervisor.ApplyOptimistic(
			ctx,
			req.VaultID,
			supervisor.KindVault,
			supervisor.StatusPending,
		)
	case txbuilder.CreateCampaignRequest:
		n.watcher.Watch(
			req.CovenantScript,
			req.CampaignID,
			supervisor.KindSchedule,
		)
		return n.supervisor.ApplyOptimistic(
			ctx,
			req.CampaignID,
			supervisor.KindSchedule,
			supervisor.StatusPending,
		)
	case txbuilder.VoteRequest:
		// The receipt lands at the voter's address; watching it under
		// the derived vote id is what makes a second ballot from the
		// same voter detectable at build time
		receiptScript, err := txbuilder.P2PKHScript(req.VoterHash)
		if err != nil {
			return err
		}
		n.watcher.Watch(
			receiptScript,
			ident.VoteID(req.ProposalID, req.VoterHash),
			supervisor.KindVote,
		)
	}
	return nil
}

// abandonSession expires a session whose off-chain bookkeeping failed so
// its soft-locks release immediately instead of at the expiry sweep.
func (n *Node) abandonSession(ctx context.Context, sessionID ident.ID) {
	n.takePending(sessionID)
	if err := n.sessions.Expire(ctx, sessionID); err != nil {
		n.config.logger.Error(
			"failed to abandon session",
			"component", "node",
			"session", sessionID.String(),
			"error", err,
		)
	}
}

// NewCampaignAuthority generates and escrows the ephemeral claim
// authority for a campaign, returning the pubkey hash the covenant is
// parameterized with.
func (n *Node) NewCampaignAuthority(
	campaignID ident.ID,
) (policy.Hash20, error) {
	authority, err := n.keys.Generate(campaignID)
	if err != nil {
		return policy.Hash20{}, err
	}
	return authority.PubKeyHash, nil
}

// effectFor derives the deferred off-chain effect of a built transaction
// from its successor commitments, so the bookkeeping applied at broadcast
// time matches the bytes that will land on chain.
func (n *Node) effectFor(
	ctx context.Context,
	desc *txbuilder.Descriptor,
	req txbuilder.Request,
) (pendingEffect, error) {
	effect := pendingEffect{entityID: desc.EntityID}
	switch req := req.(type) {
	case txbuilder.CreateVaultRequest:
		effect.kind = supervisor.KindVault
		effect.status = supervisor.VaultActive
	case txbuilder.CreateCampaignRequest:
		effect.kind = supervisor.KindSchedule
		effect.status = supervisor.ScheduleActive
	case txbuilder.ApproveRequest:
		effect.kind = supervisor.KindProposal
		status, err := successorStatus(desc, supervisor.KindProposal)
		if err != nil {
			return pendingEffect{}, err
		}
		effect.status = status
		effect.approval = &approvalRecord{
			proposalID: req.ProposalID,
			signer:     req.Signer,
		}
	case txbuilder.PauseRequest:
		effect.kind = supervisor.KindVault
		effect.status = supervisor.VaultPaused
	case txbuilder.ResumeRequest:
		effect.kind = supervisor.KindVault
		effect.status = supervisor.VaultActive
	case txbuilder.CancelRequest:
		effect.kind = supervisor.KindProposal
		effect.status = supervisor.ProposalCancelled
	case txbuilder.SpendRequest:
		effect.kind = supervisor.KindVault
		successor, err := successorVaultState(desc)
		if err != nil {
			return pendingEffect{}, err
		}
		effect.categorySpend = &categorySpend{
			vaultID:    req.VaultID,
			categoryID: req.Payout.CategoryID,
			periodID:   successor.CurrentPeriodID,
			amountSats: req.Payout.Total(),
		}
	case txbuilder.ExecuteRequest:
		effect.kind = supervisor.KindProposal
		effect.status = supervisor.ProposalExecuted
		spend, err := n.executeCategorySpend(ctx, desc, req)
		if err != nil {
			return pendingEffect{}, err
		}
		effect.categorySpend = spend
	case txbuilder.VoteRequest:
		effect.kind = supervisor.KindTally
	case txbuilder.UnlockRequest:
		effect.kind = supervisor.KindSchedule
		if covenantRetired(desc) {
			effect.status = supervisor.ScheduleCompleted
		}
	case txbuilder.ClaimRequest:
		effect.kind = supervisor.KindSchedule
		if covenantRetired(desc) {
			effect.status = supervisor.ScheduleCompleted
			effect.dropClaimKey = true
		}
	default:
		return pendingEffect{}, fmt.Errorf(
			"unsupported request type %T",
			req,
		)
	}
	return effect, nil
}

// executeCategorySpend reads the executing proposal's bound category and
// total before the proposal UTXO retires.
func (n *Node) executeCategorySpend(
	ctx context.Context,
	desc *txbuilder.Descriptor,
	req txbuilder.ExecuteRequest,
) (*categorySpend, error) {
	proposalUtxo, err := n.db.LatestUTXO(ctx, req.ProposalID)
	if err != nil {
		return nil, err
	}
	if proposalUtxo.Token == nil {
		return nil, errors.New("proposal UTXO carries no token")
	}
	proposal, err := commitment.DecodeProposalState(
		proposalUtxo.Token.Commitment,
	)
	if err != nil {
		return nil, err
	}
	// The vault successor is the transaction's first output for both
	// spend and execute; payouts follow it
	vaultState, err := successorVaultState(desc)
	if err != nil {
		return nil, err
	}
	return &categorySpend{
		vaultID:    req.VaultID,
		categoryID: proposal.CategoryID,
		periodID:   vaultState.CurrentPeriodID,
		amountSats: proposal.PayoutTotal,
	}, nil
}

func (n *Node) handleSessionFinalized(evt event.Event) {
	data, ok := evt.Data.(event.SessionFinalizedEvent)
	if !ok {
		return
	}
	effect, ok := n.takePending(data.SessionID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(
		context.Background(),
		30*time.Second,
	)
	defer cancel()
	if effect.status != "" {
		if err := n.supervisor.ApplyOptimistic(
			ctx,
			effect.entityID,
			effect.kind,
			effect.status,
		); err != nil {
			n.config.logger.Error(
				"failed to apply optimistic status",
				"component", "node",
				"entity", effect.entityID.String(),
				"status", effect.status,
				"error", err,
			)
		}
	}
	if cs := effect.categorySpend; cs != nil {
		if err := n.db.AddCategorySpend(
			ctx,
			cs.vaultID,
			cs.categoryID,
			cs.periodID,
			cs.amountSats,
		); err != nil {
			n.config.logger.Error(
				"failed to record category spend",
				"component", "node",
				"vault", cs.vaultID.String(),
				"error", err,
			)
		}
	}
	if ap := effect.approval; ap != nil {
		if err := n.db.RecordApproval(
			ctx,
			ap.proposalID,
			ap.signer,
		); err != nil {
			n.config.logger.Error(
				"failed to record approval",
				"component", "node",
				"proposal", ap.proposalID.String(),
				"error", err,
			)
		}
	}
	if effect.dropClaimKey {
		if err := n.keys.Delete(effect.entityID); err != nil {
			n.config.logger.Error(
				"failed to delete claim authority",
				"component", "node",
				"campaign", effect.entityID.String(),
				"error", err,
			)
		}
	}
}

func (n *Node) handleSessionExpired(evt event.Event) {
	data, ok := evt.Data.(event.SessionExpiredEvent)
	if !ok {
		return
	}
	// The transaction never broadcast; its effects are abandoned
	n.takePending(data.SessionID)
}

func (n *Node) takePending(sessionID ident.ID) (pendingEffect, bool) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()
	effect, ok := n.pending[sessionID]
	if ok {
		delete(n.pending, sessionID)
	}
	return effect, ok
}

// Builder returns the transaction builder.
func (n *Node) Builder() *txbuilder.Service {
	return n.builder
}

// Sessions returns the signing session coordinator.
func (n *Node) Sessions() *session.Coordinator {
	return n.sessions
}

// Supervisor returns the entity status supervisor.
func (n *Node) Supervisor() *supervisor.Supervisor {
	return n.supervisor
}

// Watcher returns the chain watcher the indexer adapter feeds.
func (n *Node) Watcher() *chainwatch.Watcher {
	return n.watcher
}

// Database returns the off-chain mirror.
func (n *Node) Database() *database.Database {
	return n.db
}

// EventBus returns the engine's event bus.
func (n *Node) EventBus() *event.EventBus {
	return n.eventBus
}

func (n *Node) Stop() error {
	var err error
	n.shutdownOnce.Do(func() {
		err = n.shutdown()
	})
	return err
}

func (n *Node) shutdown() error {
	var err error
	n.config.logger.Debug("starting graceful shutdown", "component", "node")

	// Stop the expiry sweep before tearing anything else down
	if n.sweepCancel != nil {
		n.sweepCancel()
	}
	if n.eventBus != nil {
		n.eventBus.Stop()
	}
	if n.db != nil {
		if closeErr := n.db.Close(); closeErr != nil {
			err = errors.Join(
				err,
				fmt.Errorf("database close: %w", closeErr),
			)
		}
	}
	n.config.logger.Debug("graceful shutdown complete", "component", "node")
	close(n.done)
	return err
}

// successorVaultState decodes the vault state carried by the
// transaction's leading output.
func successorVaultState(desc *txbuilder.Descriptor) (commitment.VaultState, error) {
	if len(desc.Tx.TxOut) == 0 {
		return commitment.VaultState{}, errors.New(
			"transaction has no outputs",
		)
	}
	token, _, err := txbuilder.DecodeTokenScript(
		desc.Tx.TxOut[0].PkScript,
	)
	if err != nil {
		return commitment.VaultState{}, err
	}
	if token == nil {
		return commitment.VaultState{}, errors.New(
			"output 0 carries no token",
		)
	}
	return commitment.DecodeVaultState(token.Commitment)
}

// successorStatus decodes the status the first token output's commitment
// encodes for the given entity kind.
func successorStatus(
	desc *txbuilder.Descriptor,
	kind supervisor.EntityKind,
) (string, error) {
	for _, out := range desc.Tx.TxOut {
		token, _, err := txbuilder.DecodeTokenScript(out.PkScript)
		if err != nil || token == nil {
			continue
		}
		return chainwatch.StatusFromCommitment(kind, token.Commitment)
	}
	return "", errors.New("transaction carries no successor commitment")
}

// covenantRetired reports whether the built transaction ends the covenant
// chain: no output carries a token commitment.
func covenantRetired(desc *txbuilder.Descriptor) bool {
	for _, out := range desc.Tx.TxOut {
		token, _, err := txbuilder.DecodeTokenScript(out.PkScript)
		if err == nil && token != nil {
			return false
		}
	}
	return true
}
