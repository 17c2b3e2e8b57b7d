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

// Package txbuilder assembles unsigned covenant transactions and their
// source-output descriptors. For every operation it selects the current
// covenant UTXO as the primary contract input, computes the successor NFT
// commitment with a pure state-transition function, attaches a continuing
// contract output (or omits it for terminal operations), and adds whatever
// funding inputs and payout outputs the operation needs.
package txbuilder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/openbch/keeper/commitment"
	"github.com/openbch/keeper/guardrail"
	"github.com/openbch/keeper/ident"
	"github.com/openbch/keeper/policy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DustLimit is the minimum output value in satoshis.
const DustLimit = 546

const (
	// txVersion is the transaction version the deployed covenants
	// expect.
	txVersion = 2
	// seqFinal disables locktime for an input.
	seqFinal = 0xffffffff
	// seqEnableLocktime keeps the input replaceable enough for the
	// transaction-level locktime to be enforced.
	seqEnableLocktime = 0xfffffffe
	// defaultFeeRatePerKB is 1 sat/byte.
	defaultFeeRatePerKB = 1000
	// sigAllowance is the size reserved per covenant signature push.
	sigAllowance = 66
)

// maxBurnableChange is the largest change amount silently folded into the
// fee when the funding carries no change script.
const maxBurnableChange = DustLimit * 10

// StateSource is the read side of the off-chain mirror the builder
// validates against.
type StateSource interface {
	// LatestUTXO returns the most recent confirmed, unspent covenant
	// UTXO for the entity.
	LatestUTXO(ctx context.Context, entityID ident.ID) (CovenantUTXO, error)
	// CategorySpent returns the amount already spent in a category
	// during the given period.
	CategorySpent(
		ctx context.Context,
		vaultID ident.ID,
		categoryID uint32,
		periodID uint64,
	) (uint64, error)
	// HasApproval reports whether the signer's approval of the proposal
	// is already on record.
	HasApproval(
		ctx context.Context,
		proposalID ident.ID,
		signer policy.Hash20,
	) (bool, error)
}

// ServiceConfig configures a builder Service.
type ServiceConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Policy       *policy.Policy
	Source       StateSource
	// FeeRatePerKB defaults to 1000 (1 sat/byte).
	FeeRatePerKB uint64
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service builds unsigned transaction descriptors for covenant
// operations.
type Service struct {
	logger  *slog.Logger
	pol     *policy.Policy
	source  StateSource
	feeRate uint64
	now     func() time.Time
	metrics struct {
		buildsTotal   *prometheus.CounterVec
		buildFailures *prometheus.CounterVec
	}
}

// NewService creates a builder Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Policy == nil {
		return nil, errors.New("txbuilder: policy is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("txbuilder: state source is required")
	}
	s := &Service{
		logger:  cfg.Logger,
		pol:     cfg.Policy,
		source:  cfg.Source,
		feeRate: cfg.FeeRatePerKB,
		now:     cfg.Now,
	}
	if s.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if s.feeRate == 0 {
		s.feeRate = defaultFeeRatePerKB
	}
	if s.now == nil {
		s.now = time.Now
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	s.metrics.buildsTotal = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_builder_builds_total",
			Help: "transactions built, by operation",
		},
		[]string{"operation"},
	)
	s.metrics.buildFailures = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_builder_failures_total",
			Help: "failed build attempts, by operation",
		},
		[]string{"operation"},
	)
	return s, nil
}

// Build produces the unsigned transaction descriptor for the requested
// operation against the caller-supplied current UTXO. The UTXO is checked
// against the latest indexed state first; a mismatch fails with
// StaleStateError and the caller must re-fetch and rebuild.
func (s *Service) Build(
	ctx context.Context,
	current CovenantUTXO,
	req Request,
) (*Descriptor, error) {
	desc, err := s.build(ctx, current, req)
	if err != nil {
		s.metrics.buildFailures.WithLabelValues(string(req.Operation())).
			Inc()
		return nil, err
	}
	s.metrics.buildsTotal.WithLabelValues(string(req.Operation())).Inc()
	s.logger.Debug(
		"built transaction",
		"component", "txbuilder",
		"operation", string(req.Operation()),
		"entity", req.Entity().String(),
		"required_signatures", desc.RequiredSignatures,
	)
	return desc, nil
}

// BuildLatest fetches the entity's latest UTXO and builds against it.
func (s *Service) BuildLatest(
	ctx context.Context,
	req Request,
) (*Descriptor, error) {
	if req.Operation() == OpCreate {
		return s.Build(ctx, CovenantUTXO{}, req)
	}
	latest, err := s.source.LatestUTXO(ctx, req.Entity())
	if err != nil {
		return nil, err
	}
	return s.Build(ctx, latest, req)
}

// BuildWithRetry builds against the supplied UTXO and, on StaleStateError
// only, performs exactly one automatic rebuild against freshly fetched
// state. All other errors propagate immediately.
func (s *Service) BuildWithRetry(
	ctx context.Context,
	current CovenantUTXO,
	req Request,
) (*Descriptor, error) {
	desc, err := s.Build(ctx, current, req)
	if err == nil {
		return desc, nil
	}
	var staleErr *StaleStateError
	if !errors.As(err, &staleErr) {
		return nil, err
	}
	s.logger.Debug(
		"rebuilding against latest state",
		"component", "txbuilder",
		"entity", req.Entity().String(),
	)
	return s.BuildLatest(ctx, req)
}

func (s *Service) build(
	ctx context.Context,
	current CovenantUTXO,
	req Request,
) (*Descriptor, error) {
	if err := req.Validate(s.pol); err != nil {
		return nil, err
	}
	if req.Operation() != OpCreate {
		latest, err := s.source.LatestUTXO(ctx, req.Entity())
		if err != nil {
			return nil, err
		}
		if latest.Outpoint != current.Outpoint ||
			latest.Sequence != current.Sequence {
			return nil, &StaleStateError{
				Entity:       req.Entity(),
				HaveSequence: current.Sequence,
				WantSequence: latest.Sequence,
			}
		}
	}
	switch req := req.(type) {
	case CreateVaultRequest:
		return s.buildCreateVault(req)
	case CreateCampaignRequest:
		return s.buildCreateCampaign(req)
	case ApproveRequest:
		return s.buildApprove(ctx, current, req)
	case SpendRequest:
		return s.buildSpend(ctx, current, req)
	case ExecuteRequest:
		return s.buildExecute(ctx, current, req)
	case CancelRequest:
		return s.buildCancel(current, req)
	case PauseRequest:
		return s.buildPause(current, req)
	case ResumeRequest:
		return s.buildResume(current, req)
	case VoteRequest:
		return s.buildVote(ctx, current, req)
	case UnlockRequest:
		return s.buildRelease(current, OpUnlock, req.BeneficiaryHash, req.Funding)
	case ClaimRequest:
		return s.buildRelease(current, OpClaim, req.ClaimerHash, req.Funding)
	default:
		return nil, fmt.Errorf(
			"unsupported request type %T",
			req,
		)
	}
}

func (s *Service) unixNow() uint64 {
	return uint64(s.now().Unix())
}

func (s *Service) buildCreateVault(
	req CreateVaultRequest,
) (*Descriptor, error) {
	state := req.InitialState
	now := s.unixNow()
	state.CurrentPeriodID = now / uint64(s.pol.PeriodSeconds)
	state.LastUpdate = now
	stateBytes, err := state.Encode()
	if err != nil {
		return nil, err
	}
	asm := newAssembly(OpCreate, req.VaultID)
	asm.addFunding(req.Funding)
	token := &TokenData{
		CategoryID: req.CategoryID,
		Commitment: stateBytes,
		Capability: CapabilityMutable,
	}
	if err := asm.addTokenOutput(
		req.CovenantScript,
		token,
		req.ValueSats,
	); err != nil {
		return nil, err
	}
	return asm.finalize(finalizeParams{
		funding:   req.Funding,
		feeRate:   s.feeRate,
		required:  1,
		signers:   nil,
		broadcast: true,
		prompt: fmt.Sprintf(
			"Create vault %s with %d sats",
			req.VaultID,
			req.ValueSats,
		),
	})
}

func (s *Service) buildCreateCampaign(
	req CreateCampaignRequest,
) (*Descriptor, error) {
	stateBytes, err := req.InitialState.Encode()
	if err != nil {
		return nil, err
	}
	asm := newAssembly(OpCreate, req.CampaignID)
	asm.addFunding(req.Funding)
	token := &TokenData{
		CategoryID: req.CategoryID,
		Commitment: stateBytes,
		Capability: CapabilityMutable,
	}
	if err := asm.addTokenOutput(
		req.CovenantScript,
		token,
		req.ValueSats,
	); err != nil {
		return nil, err
	}
	return asm.finalize(finalizeParams{
		funding:   req.Funding,
		feeRate:   s.feeRate,
		required:  1,
		broadcast: true,
		prompt: fmt.Sprintf(
			"Create %s campaign %s with %d sats",
			req.InitialState.Type,
			req.CampaignID,
			req.ValueSats,
		),
	})
}

func (s *Service) buildApprove(
	ctx context.Context,
	current CovenantUTXO,
	req ApproveRequest,
) (*Descriptor, error) {
	prop, err := decodeProposal(current)
	if err != nil {
		return nil, err
	}
	// Each signer approves at most once; the approval ledger is keyed by
	// proposal and signer.
	approved, err := s.source.HasApproval(ctx, req.ProposalID, req.Signer)
	if err != nil {
		return nil, err
	}
	if approved {
		return nil, &InvalidTransitionError{
			Entity:    "proposal",
			From:      prop.Status.String(),
			Operation: string(OpApprove),
		}
	}
	next, err := ApplyApprove(prop)
	if err != nil {
		return nil, err
	}
	asm := newAssembly(OpApprove, req.ProposalID)
	if err := asm.addCovenantInput(current, seqFinal); err != nil {
		return nil, err
	}
	asm.addFunding(req.Funding)
	if err := asm.addSuccessorOutput(current, mustEncodeProposal(next)); err != nil {
		return nil, err
	}
	return asm.finalize(finalizeParams{
		funding:   req.Funding,
		feeRate:   s.feeRate,
		required:  1,
		signers:   []policy.Hash20{req.Signer},
		broadcast: true,
		prompt: fmt.Sprintf(
			"Record approval %d of %d on proposal %s",
			next.ApprovalCount,
			next.RequiredApprovals,
			req.ProposalID,
		),
	})
}

func (s *Service) buildSpend(
	ctx context.Context,
	current CovenantUTXO,
	req SpendRequest,
) (*Descriptor, error) {
	vault, err := decodeVault(current)
	if err != nil {
		return nil, err
	}
	now := s.unixNow()
	total := req.Payout.Total()
	next, err := ApplySpend(vault, total, now, s.pol.PeriodSeconds)
	if err != nil {
		return nil, err
	}
	if err := s.checkGuardrails(ctx, req.VaultID, vault, req.Payout, now); err != nil {
		return nil, err
	}
	if current.ValueSats < satAdd(total, DustLimit) {
		return nil, ErrInsufficientFunds
	}
	asm := newAssembly(OpSpend, req.VaultID)
	if err := asm.addCovenantInput(current, seqFinal); err != nil {
		return nil, err
	}
	asm.addFunding(req.Funding)
	if err := asm.addSuccessorOutputValue(
		current,
		mustEncodeVault(next),
		current.ValueSats-total,
	); err != nil {
		return nil, err
	}
	if err := asm.addPayouts(req.Payout.Recipients); err != nil {
		return nil, err
	}
	return asm.finalize(finalizeParams{
		funding:   req.Funding,
		feeRate:   s.feeRate,
		required:  int(s.pol.RequiredSigners),
		signers:   s.pol.Signers,
		broadcast: true,
		prompt: fmt.Sprintf(
			"Spend %d sats from vault %s (%d of %d signatures required)",
			total,
			req.VaultID,
			s.pol.RequiredSigners,
			len(s.pol.Signers),
		),
	})
}

func (s *Service) buildExecute(
	ctx context.Context,
	current CovenantUTXO,
	req ExecuteRequest,
) (*Descriptor, error) {
	prop, err := decodeProposal(current)
	if err != nil {
		return nil, err
	}
	if PayoutHash(req.Recipients) != prop.PayoutHash {
		return nil, ErrPayoutMismatch
	}
	now := s.unixNow()
	if _, err := ApplyExecute(prop, now); err != nil {
		return nil, err
	}
	vaultUTXO, err := s.source.LatestUTXO(ctx, req.VaultID)
	if err != nil {
		return nil, err
	}
	vault, err := decodeVault(vaultUTXO)
	if err != nil {
		return nil, err
	}
	payout := guardrail.Payout{
		CategoryID: prop.CategoryID,
		Recipients: req.Recipients,
	}
	total := payout.Total()
	nextVault, err := ApplySpend(vault, total, now, s.pol.PeriodSeconds)
	if err != nil {
		return nil, err
	}
	if err := s.checkGuardrails(ctx, req.VaultID, vault, payout, now); err != nil {
		return nil, err
	}
	if vaultUTXO.ValueSats < satAdd(total, DustLimit) {
		return nil, ErrInsufficientFunds
	}
	asm := newAssembly(OpExecute, req.ProposalID)
	// Proposal input is terminal: its UTXO is retired and its carried
	// value folds into change.
	seq := uint32(seqFinal)
	if prop.ExecutionTimelock > 0 {
		seq = seqEnableLocktime
		asm.tx.LockTime = clampLockTime(prop.ExecutionTimelock)
	}
	if err := asm.addCovenantInput(current, seq); err != nil {
		return nil, err
	}
	if err := asm.addCovenantInput(vaultUTXO, seq); err != nil {
		return nil, err
	}
	asm.addFunding(req.Funding)
	if err := asm.addSuccessorOutputValue(
		vaultUTXO,
		mustEncodeVault(nextVault),
		vaultUTXO.ValueSats-total,
	); err != nil {
		return nil, err
	}
	if err := asm.addPayouts(req.Recipients); err != nil {
		return nil, err
	}
	return asm.finalize(finalizeParams{
		funding:   req.Funding,
		feeRate:   s.feeRate,
		required:  int(s.pol.RequiredSigners),
		signers:   s.pol.Signers,
		broadcast: true,
		prompt: fmt.Sprintf(
			"Execute proposal %s paying %d sats to %d recipients",
			req.ProposalID,
			total,
			len(req.Recipients),
		),
	})
}

func (s *Service) buildCancel(
	current CovenantUTXO,
	req CancelRequest,
) (*Descriptor, error) {
	prop, err := decodeProposal(current)
	if err != nil {
		return nil, err
	}
	if _, err := ApplyCancel(prop); err != nil {
		return nil, err
	}
	asm := newAssembly(OpCancel, req.ProposalID)
	if err := asm.addCovenantInput(current, seqFinal); err != nil {
		return nil, err
	}
	asm.addFunding(req.Funding)
	// Terminal: no continuing covenant output, carried value refunds.
	asm.addOutput(req.RefundScript, current.ValueSats)
	return asm.finalize(finalizeParams{
		funding:   req.Funding,
		feeRate:   s.feeRate,
		required:  int(s.pol.RequiredSigners),
		signers:   s.pol.Signers,
		broadcast: true,
		prompt: fmt.Sprintf(
			"Cancel proposal %s",
			req.ProposalID,
		),
	})
}

func (s *Service) buildPause(
	current CovenantUTXO,
	req PauseRequest,
) (*Descriptor, error) {
	vault, err := decodeVault(current)
	if err != nil {
		return nil, err
	}
	next, err := ApplyPause(vault, s.unixNow())
	if err != nil {
		return nil, err
	}
	asm := newAssembly(OpPause, req.VaultID)
	if err := asm.addCovenantInput(current, seqFinal); err != nil {
		return nil, err
	}
	asm.addFunding(req.Funding)
	if err := asm.addSuccessorOutput(current, mustEncodeVault(next)); err != nil {
		return nil, err
	}
	return asm.finalize(finalizeParams{
		funding:   req.Funding,
		feeRate:   s.feeRate,
		required:  1,
		signers:   []policy.Hash20{req.Signer},
		broadcast: true,
		prompt:    fmt.Sprintf("Pause vault %s", req.VaultID),
	})
}

func (s *Service) buildResume(
	current CovenantUTXO,
	req ResumeRequest,
) (*Descriptor, error) {
	vault, err := decodeVault(current)
	if err != nil {
		return nil, err
	}
	next, err := ApplyResume(vault, s.unixNow())
	if err != nil {
		return nil, err
	}
	asm := newAssembly(OpResume, req.VaultID)
	if err := asm.addCovenantInput(current, seqFinal); err != nil {
		return nil, err
	}
	asm.addFunding(req.Funding)
	if err := asm.addSuccessorOutput(current, mustEncodeVault(next)); err != nil {
		return nil, err
	}
	return asm.finalize(finalizeParams{
		funding:   req.Funding,
		feeRate:   s.feeRate,
		required:  int(s.pol.RequiredSigners),
		signers:   s.pol.Signers,
		broadcast: true,
		prompt:    fmt.Sprintf("Resume vault %s", req.VaultID),
	})
}

func (s *Service) buildVote(
	ctx context.Context,
	current CovenantUTXO,
	req VoteRequest,
) (*Descriptor, error) {
	tally, err := decodeTally(current)
	if err != nil {
		return nil, err
	}
	// One voter gets one vote per proposal: an already-indexed receipt
	// under the derived vote id means this ballot was cast.
	voteID := ident.VoteID(req.ProposalID, req.VoterHash)
	if _, err := s.source.LatestUTXO(ctx, voteID); err == nil {
		return nil, &InvalidTransitionError{
			Entity:    "vote",
			From:      "CAST",
			Operation: string(OpVote),
		}
	}
	next, err := ApplyVote(tally, req.Choice, req.Weight)
	if err != nil {
		return nil, err
	}
	nextBytes, err := next.Encode()
	if err != nil {
		return nil, err
	}
	var prefix [commitment.ProposalPrefixSize]byte
	copy(prefix[:], req.ProposalID.Prefix(commitment.ProposalPrefixSize))
	receipt := commitment.VoteState{
		Choice:         req.Choice,
		ProposalPrefix: prefix,
		Weight:         req.Weight,
	}
	receiptBytes, err := receipt.Encode()
	if err != nil {
		return nil, err
	}
	asm := newAssembly(OpVote, req.TallyID)
	if err := asm.addCovenantInput(current, seqFinal); err != nil {
		return nil, err
	}
	asm.addFunding(req.Funding)
	if err := asm.addSuccessorOutput(current, nextBytes); err != nil {
		return nil, err
	}
	// Immutable vote receipt held at the voter's address
	voterScript, err := P2PKHScript(req.VoterHash)
	if err != nil {
		return nil, err
	}
	receiptToken := &TokenData{
		Capability: CapabilityNone,
		Commitment: receiptBytes,
	}
	if current.Token != nil {
		receiptToken.CategoryID = current.Token.CategoryID
	}
	if err := asm.addTokenOutput(
		voterScript,
		receiptToken,
		DustLimit,
	); err != nil {
		return nil, err
	}
	return asm.finalize(finalizeParams{
		funding:   req.Funding,
		feeRate:   s.feeRate,
		required:  1,
		signers:   []policy.Hash20{req.VoterHash},
		broadcast: true,
		prompt: fmt.Sprintf(
			"Cast %s vote (weight %d) on proposal %s",
			req.Choice,
			req.Weight,
			req.ProposalID,
		),
	})
}

// buildRelease handles both unlock (schedule advance to beneficiary) and
// claim (campaign claim via the escrowed claim authority); the two differ
// only in who receives and who signs.
func (s *Service) buildRelease(
	current CovenantUTXO,
	op Operation,
	recipient policy.Hash20,
	funding Funding,
) (*Descriptor, error) {
	sched, err := decodeSchedule(current)
	if err != nil {
		return nil, err
	}
	now := s.unixNow()
	next, amount, err := ApplyClaim(sched, now)
	if err != nil {
		return nil, err
	}
	asm := newAssembly(op, current.EntityID)
	if err := asm.addCovenantInput(current, seqFinal); err != nil {
		return nil, err
	}
	asm.addFunding(funding)
	recipientScript, err := P2PKHScript(recipient)
	if err != nil {
		return nil, err
	}
	if amount+DustLimit > current.ValueSats {
		// Final tranche: retire the covenant and release everything
		amount = current.ValueSats
		asm.addOutput(recipientScript, amount)
	} else {
		nextBytes, err := next.Encode()
		if err != nil {
			return nil, err
		}
		if err := asm.addSuccessorOutputValue(
			current,
			nextBytes,
			current.ValueSats-amount,
		); err != nil {
			return nil, err
		}
		asm.addOutput(recipientScript, amount)
	}
	return asm.finalize(finalizeParams{
		funding:   funding,
		feeRate:   s.feeRate,
		required:  1,
		signers:   []policy.Hash20{recipient},
		broadcast: true,
		prompt: fmt.Sprintf(
			"Release %d sats from schedule %s",
			amount,
			current.EntityID,
		),
	})
}

// checkGuardrails runs the policy validator against the vault's
// current-period state, with the period rolled forward to now first, the
// same way the on-chain script evaluates it.
func (s *Service) checkGuardrails(
	ctx context.Context,
	vaultID ident.ID,
	vault commitment.VaultState,
	payout guardrail.Payout,
	now uint64,
) error {
	period := now / uint64(s.pol.PeriodSeconds)
	rolled := vault
	if period > rolled.CurrentPeriodID {
		rolled.CurrentPeriodID = period
		rolled.SpentThisPeriod = 0
	}
	categorySpent, err := s.source.CategorySpent(
		ctx,
		vaultID,
		payout.CategoryID,
		period,
	)
	if err != nil {
		return err
	}
	return guardrail.Validate(payout, s.pol, guardrail.PeriodState{
		Vault:             rolled,
		CategorySpentSats: categorySpent,
	})
}

func decodeVault(utxo CovenantUTXO) (commitment.VaultState, error) {
	raw, err := tokenCommitment(utxo, "vault")
	if err != nil {
		return commitment.VaultState{}, err
	}
	return commitment.DecodeVaultState(raw)
}

func decodeProposal(utxo CovenantUTXO) (commitment.ProposalState, error) {
	raw, err := tokenCommitment(utxo, "proposal")
	if err != nil {
		return commitment.ProposalState{}, err
	}
	return commitment.DecodeProposalState(raw)
}

func decodeSchedule(utxo CovenantUTXO) (commitment.ScheduleState, error) {
	raw, err := tokenCommitment(utxo, "schedule")
	if err != nil {
		return commitment.ScheduleState{}, err
	}
	return commitment.DecodeScheduleState(raw)
}

func decodeTally(utxo CovenantUTXO) (commitment.TallyState, error) {
	raw, err := tokenCommitment(utxo, "tally")
	if err != nil {
		return commitment.TallyState{}, err
	}
	return commitment.DecodeTallyState(raw)
}

func tokenCommitment(utxo CovenantUTXO, kind string) ([]byte, error) {
	if utxo.Token == nil || len(utxo.Token.Commitment) == 0 {
		return nil, &commitment.MalformedCommitmentError{
			Kind:   kind,
			Reason: "covenant UTXO carries no NFT commitment",
		}
	}
	return utxo.Token.Commitment, nil
}

// mustEncode helpers: the states passed here were produced by transition
// functions from successfully decoded states, so encoding cannot fail.
func mustEncodeVault(s commitment.VaultState) []byte {
	buf, err := s.Encode()
	if err != nil {
		panic(err)
	}
	return buf
}

func mustEncodeProposal(s commitment.ProposalState) []byte {
	buf, err := s.Encode()
	if err != nil {
		panic(err)
	}
	return buf
}

// P2PKHScript builds the pay-to-pubkey-hash locking bytecode for a
// 20-byte key hash. Vote receipts and payouts lock to these.
func P2PKHScript(hash policy.Hash20) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(hash[:]).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

func clampLockTime(ts uint64) uint32 {
	if ts > 0xffffffff {
		return 0xffffffff
	}
	return uint32(ts)
}

// txAssembly accumulates inputs and outputs before fee/change/sighash
// finalization.
type txAssembly struct {
	op             Operation
	entity         ident.ID
	tx             *wire.MsgTx
	sourceOutputs  []SourceOutput
	inputTotal     uint64
	outputTotal    uint64
	covenantInputs int
}

func newAssembly(op Operation, entity ident.ID) *txAssembly {
	return &txAssembly{
		op:     op,
		entity: entity,
		tx:     wire.NewMsgTx(txVersion),
	}
}

func (a *txAssembly) addCovenantInput(utxo CovenantUTXO, sequence uint32) error {
	fullScript, err := EncodeTokenScript(utxo.Token, utxo.LockingScript)
	if err != nil {
		return fmt.Errorf("covenant input %s: %w", utxo.Outpoint, err)
	}
	txIn := wire.NewTxIn(&utxo.Outpoint, nil, nil)
	txIn.Sequence = sequence
	a.tx.AddTxIn(txIn)
	a.sourceOutputs = append(a.sourceOutputs, SourceOutput{
		Outpoint:      utxo.Outpoint,
		LockingScript: fullScript,
		ValueSats:     utxo.ValueSats,
		Token:         utxo.Token,
		RedeemScript:  utxo.LockingScript,
	})
	a.inputTotal = satAdd(a.inputTotal, utxo.ValueSats)
	a.covenantInputs++
	return nil
}

// addFunding attaches the pre-signed wallet inputs. Their unlocking
// scripts travel with the transaction through session assembly untouched.
func (a *txAssembly) addFunding(funding Funding) {
	for _, in := range funding.Inputs {
		outpoint := in.Outpoint
		txIn := wire.NewTxIn(&outpoint, in.UnlockingScript, nil)
		a.tx.AddTxIn(txIn)
		a.sourceOutputs = append(a.sourceOutputs, SourceOutput{
			Outpoint:      in.Outpoint,
			LockingScript: in.LockingScript,
			ValueSats:     in.ValueSats,
		})
		a.inputTotal = satAdd(a.inputTotal, in.ValueSats)
	}
}

// addSuccessorOutput continues the covenant at the same address and value
// with an updated commitment.
func (a *txAssembly) addSuccessorOutput(
	current CovenantUTXO,
	newCommitment []byte,
) error {
	return a.addSuccessorOutputValue(current, newCommitment, current.ValueSats)
}

func (a *txAssembly) addSuccessorOutputValue(
	current CovenantUTXO,
	newCommitment []byte,
	value uint64,
) error {
	token := &TokenData{Commitment: newCommitment}
	if current.Token != nil {
		token.CategoryID = current.Token.CategoryID
		token.Capability = current.Token.Capability
		token.Amount = current.Token.Amount
	}
	return a.addTokenOutput(current.LockingScript, token, value)
}

func (a *txAssembly) addTokenOutput(
	lockingScript []byte,
	token *TokenData,
	value uint64,
) error {
	script, err := EncodeTokenScript(token, lockingScript)
	if err != nil {
		return err
	}
	a.addOutput(script, value)
	return nil
}

func (a *txAssembly) addOutput(script []byte, value uint64) {
	a.tx.AddTxOut(wire.NewTxOut(int64(value), script))
	a.outputTotal = satAdd(a.outputTotal, value)
}

func (a *txAssembly) addPayouts(recipients []guardrail.Recipient) error {
	for _, r := range recipients {
		script, err := P2PKHScript(r.Hash)
		if err != nil {
			return err
		}
		a.addOutput(script, r.AmountSats)
	}
	return nil
}

type finalizeParams struct {
	funding   Funding
	feeRate   uint64
	required  int
	signers   []policy.Hash20
	broadcast bool
	prompt    string
}

// finalize computes the fee, attaches change when above dust, and fills
// in the per-input sighash digests. Without a change script, change up to
// maxBurnableChange (10x the dust limit) is burned as extra fee; anything
// larger fails with ErrNoChangeScript.
func (a *txAssembly) finalize(params finalizeParams) (*Descriptor, error) {
	fee := a.estimateFee(params.feeRate, params.required)
	needed := satAdd(a.outputTotal, fee)
	if a.inputTotal < needed {
		return nil, ErrInsufficientFunds
	}
	change := a.inputTotal - needed
	if change >= DustLimit {
		if len(params.funding.ChangeScript) == 0 {
			if change > maxBurnableChange {
				return nil, fmt.Errorf(
					"%w: %d sats of change",
					ErrNoChangeScript,
					change,
				)
			}
		} else {
			a.addOutput(params.funding.ChangeScript, change)
		}
	}
	for i := range a.tx.TxIn {
		src := &a.sourceOutputs[i]
		digest, err := SigHash(a.tx, i, src.LockingScript, src.ValueSats)
		if err != nil {
			return nil, err
		}
		src.SigHash = digest
	}
	return &Descriptor{
		Operation:          a.op,
		EntityID:           a.entity,
		Tx:                 a.tx,
		SourceOutputs:      a.sourceOutputs,
		RequiredSignatures: params.required,
		SignerOrder:        params.signers,
		Broadcast:          params.broadcast,
		UserPrompt:         params.prompt,
	}, nil
}

func (a *txAssembly) estimateFee(feeRate uint64, required int) uint64 {
	// Funding unlocking scripts are already attached, so the serialized
	// size covers them.
	size := uint64(a.tx.SerializeSize())
	// Each covenant input carries the threshold signatures plus the
	// redeem script push.
	for i := range a.covenantInputs {
		size += uint64(required) * sigAllowance
		size += uint64(len(a.sourceOutputs[i].RedeemScript)) + 3
	}
	// Change output allowance
	size += 34
	return (size*feeRate + 999) / 1000
}
