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

package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/openbch/keeper/commitment"
	"github.com/openbch/keeper/guardrail"
	"github.com/openbch/keeper/ident"
	"github.com/openbch/keeper/policy"
)

// Request is one covenant operation, validated at the boundary before it
// reaches the builder. Each operation has its own variant; there is no
// untyped parameter bag.
type Request interface {
	Operation() Operation
	// Entity returns the id of the covenant UTXO the operation spends
	// (the entity being created, for create operations).
	Entity() ident.ID
	Validate(pol *policy.Policy) error
}

// Funding carries the plain wallet inputs contributed to cover fees and
// payouts, plus where change returns.
type Funding struct {
	Inputs       []FundingInput
	ChangeScript []byte
}

func (f Funding) total() uint64 {
	var total uint64
	for _, in := range f.Inputs {
		total = satAdd(total, in.ValueSats)
	}
	return total
}

func (f Funding) validate() error {
	for _, in := range f.Inputs {
		if in.ValueSats == 0 {
			return errors.New("zero-value funding input")
		}
		if len(in.LockingScript) == 0 {
			return errors.New("funding input missing locking script")
		}
		if len(in.UnlockingScript) == 0 {
			return errors.New(
				"funding input missing unlocking script",
			)
		}
	}
	return nil
}

func validateRecipients(
	recipients []guardrail.Recipient,
	pol *policy.Policy,
) error {
	if len(recipients) == 0 {
		return errors.New("payout has no recipients")
	}
	if pol.Limits.MaxRecipients > 0 &&
		len(recipients) > pol.Limits.MaxRecipients {
		return fmt.Errorf(
			"payout has %d recipients, configured maximum is %d",
			len(recipients),
			pol.Limits.MaxRecipients,
		)
	}
	for _, r := range recipients {
		if r.AmountSats == 0 {
			return fmt.Errorf(
				"zero-value payout to recipient %s",
				r.Hash,
			)
		}
	}
	return nil
}

// CreateVaultRequest establishes a new vault covenant UTXO.
type CreateVaultRequest struct {
	VaultID        ident.ID
	CategoryID     chainhash.Hash
	CovenantScript []byte
	InitialState   commitment.VaultState
	ValueSats      uint64
	Funding        Funding
}

func (r CreateVaultRequest) Operation() Operation { return OpCreate }
func (r CreateVaultRequest) Entity() ident.ID     { return r.VaultID }

func (r CreateVaultRequest) Validate(pol *policy.Policy) error {
	if len(r.CovenantScript) == 0 {
		return errors.New("create: missing covenant script")
	}
	if r.ValueSats < DustLimit {
		return fmt.Errorf(
			"create: vault value %d below dust limit %d",
			r.ValueSats,
			DustLimit,
		)
	}
	if r.InitialState.Status != commitment.VaultActive {
		return errors.New("create: vault must start active")
	}
	if r.InitialState.SpentThisPeriod != 0 {
		return errors.New("create: vault must start with zero spend")
	}
	return r.Funding.validate()
}

// CreateCampaignRequest establishes a new vesting/streaming campaign
// covenant UTXO, funded from plain inputs, claimable by the ephemeral
// claim authority.
type CreateCampaignRequest struct {
	CampaignID         ident.ID
	CategoryID         chainhash.Hash
	CovenantScript     []byte
	InitialState       commitment.ScheduleState
	ClaimAuthorityHash policy.Hash20
	ValueSats          uint64
	Funding            Funding
}

func (r CreateCampaignRequest) Operation() Operation { return OpCreate }
func (r CreateCampaignRequest) Entity() ident.ID     { return r.CampaignID }

func (r CreateCampaignRequest) Validate(pol *policy.Policy) error {
	if len(r.CovenantScript) == 0 {
		return errors.New("create: missing covenant script")
	}
	if r.ValueSats < DustLimit {
		return fmt.Errorf(
			"create: campaign value %d below dust limit %d",
			r.ValueSats,
			DustLimit,
		)
	}
	if r.InitialState.IntervalSeconds == 0 {
		return errors.New("create: schedule interval must be non-zero")
	}
	if r.InitialState.TotalReleased != 0 {
		return errors.New("create: schedule must start unreleased")
	}
	return r.Funding.validate()
}

// ApproveRequest records one signer's approval on a proposal.
type ApproveRequest struct {
	ProposalID ident.ID
	Signer     policy.Hash20
	Funding    Funding
}

func (r ApproveRequest) Operation() Operation { return OpApprove }
func (r ApproveRequest) Entity() ident.ID     { return r.ProposalID }

func (r ApproveRequest) Validate(pol *policy.Policy) error {
	for _, signer := range pol.Signers {
		if signer == r.Signer {
			return r.Funding.validate()
		}
	}
	return fmt.Errorf("approve: %s is not an authorized signer", r.Signer)
}

// SpendRequest pays out directly from the vault under the M-of-N
// threshold.
type SpendRequest struct {
	VaultID ident.ID
	Payout  guardrail.Payout
	Funding Funding
}

func (r SpendRequest) Operation() Operation { return OpSpend }
func (r SpendRequest) Entity() ident.ID     { return r.VaultID }

func (r SpendRequest) Validate(pol *policy.Policy) error {
	if err := validateRecipients(r.Payout.Recipients, pol); err != nil {
		return err
	}
	return r.Funding.validate()
}

// ExecuteRequest executes an approved proposal, paying its bound
// recipient list from the vault and retiring the proposal UTXO.
type ExecuteRequest struct {
	ProposalID ident.ID
	VaultID    ident.ID
	Recipients []guardrail.Recipient
	Funding    Funding
}

func (r ExecuteRequest) Operation() Operation { return OpExecute }
func (r ExecuteRequest) Entity() ident.ID     { return r.ProposalID }

func (r ExecuteRequest) Validate(pol *policy.Policy) error {
	if err := validateRecipients(r.Recipients, pol); err != nil {
		return err
	}
	return r.Funding.validate()
}

// CancelRequest terminates a proposal before execution, refunding its
// carried value.
type CancelRequest struct {
	ProposalID   ident.ID
	RefundScript []byte
	Funding      Funding
}

func (r CancelRequest) Operation() Operation { return OpCancel }
func (r CancelRequest) Entity() ident.ID     { return r.ProposalID }

func (r CancelRequest) Validate(pol *policy.Policy) error {
	if len(r.RefundScript) == 0 {
		return errors.New("cancel: missing refund script")
	}
	return r.Funding.validate()
}

// PauseRequest halts vault spending. A single authorized signer may pull
// the brake.
type PauseRequest struct {
	VaultID ident.ID
	Signer  policy.Hash20
	Funding Funding
}

func (r PauseRequest) Operation() Operation { return OpPause }
func (r PauseRequest) Entity() ident.ID     { return r.VaultID }

func (r PauseRequest) Validate(pol *policy.Policy) error {
	for _, signer := range pol.Signers {
		if signer == r.Signer {
			return r.Funding.validate()
		}
	}
	return fmt.Errorf("pause: %s is not an authorized signer", r.Signer)
}

// ResumeRequest reactivates a paused vault under the full threshold.
type ResumeRequest struct {
	VaultID ident.ID
	Funding Funding
}

func (r ResumeRequest) Operation() Operation { return OpResume }
func (r ResumeRequest) Entity() ident.ID     { return r.VaultID }

func (r ResumeRequest) Validate(pol *policy.Policy) error {
	return r.Funding.validate()
}

// VoteRequest casts a weighted ballot into a proposal's tally and mints
// an immutable vote receipt bound to the proposal-id prefix.
type VoteRequest struct {
	TallyID    ident.ID
	ProposalID ident.ID
	VoterHash  policy.Hash20
	Choice     commitment.VoteChoice
	Weight     uint64
	Funding    Funding
}

func (r VoteRequest) Operation() Operation { return OpVote }
func (r VoteRequest) Entity() ident.ID     { return r.TallyID }

func (r VoteRequest) Validate(pol *policy.Policy) error {
	if r.Choice > commitment.VoteAbstain {
		return fmt.Errorf("vote: invalid choice %d", r.Choice)
	}
	if r.Weight == 0 {
		return errors.New("vote: zero weight")
	}
	return r.Funding.validate()
}

// UnlockRequest advances a recurring schedule, releasing the vested
// tranche to the beneficiary.
type UnlockRequest struct {
	ScheduleID      ident.ID
	BeneficiaryHash policy.Hash20
	Funding         Funding
}

func (r UnlockRequest) Operation() Operation { return OpUnlock }
func (r UnlockRequest) Entity() ident.ID     { return r.ScheduleID }

func (r UnlockRequest) Validate(pol *policy.Policy) error {
	return r.Funding.validate()
}

// ClaimRequest releases a campaign's vested amount to a claimer, unlocked
// by the escrowed claim authority.
type ClaimRequest struct {
	CampaignID  ident.ID
	ClaimerHash policy.Hash20
	Funding     Funding
}

func (r ClaimRequest) Operation() Operation { return OpClaim }
func (r ClaimRequest) Entity() ident.ID     { return r.CampaignID }

func (r ClaimRequest) Validate(pol *policy.Policy) error {
	return r.Funding.validate()
}
