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
	"github.com/openbch/keeper/commitment"
)

// The functions in this file are the pure state-transition half of the
// builder: given the decoded current commitment and operation parameters
// they produce the successor commitment the on-chain script will verify.
// They never touch transaction shape or I/O.

// ApplySpend advances the vault commitment for a payout of total satoshis
// at time now. The period id rolls forward when the period elapsed, which
// is the only point spentThisPeriod resets to zero.
func ApplySpend(
	vault commitment.VaultState,
	total uint64,
	now uint64,
	periodSeconds uint32,
) (commitment.VaultState, error) {
	if vault.Status != commitment.VaultActive {
		return commitment.VaultState{}, &InvalidTransitionError{
			Entity:    "vault",
			From:      vault.Status.String(),
			Operation: string(OpSpend),
		}
	}
	period := now / uint64(periodSeconds)
	if period > vault.CurrentPeriodID {
		vault.CurrentPeriodID = period
		vault.SpentThisPeriod = 0
	}
	vault.SpentThisPeriod = satAdd(vault.SpentThisPeriod, total)
	vault.LastUpdate = now
	return vault, nil
}

// ApplyPause transitions an active vault to paused.
func ApplyPause(
	vault commitment.VaultState,
	now uint64,
) (commitment.VaultState, error) {
	if vault.Status != commitment.VaultActive {
		return commitment.VaultState{}, &InvalidTransitionError{
			Entity:    "vault",
			From:      vault.Status.String(),
			Operation: string(OpPause),
		}
	}
	vault.Status = commitment.VaultPaused
	vault.LastUpdate = now
	return vault, nil
}

// ApplyResume transitions a paused vault back to active.
func ApplyResume(
	vault commitment.VaultState,
	now uint64,
) (commitment.VaultState, error) {
	if vault.Status != commitment.VaultPaused {
		return commitment.VaultState{}, &InvalidTransitionError{
			Entity:    "vault",
			From:      vault.Status.String(),
			Operation: string(OpResume),
		}
	}
	vault.Status = commitment.VaultActive
	vault.LastUpdate = now
	return vault, nil
}

// ApplyApprove increments a proposal's approval count. Legal only while
// the proposal is collecting approvals; reaching the required count moves
// it to approved.
func ApplyApprove(
	prop commitment.ProposalState,
) (commitment.ProposalState, error) {
	switch prop.Status {
	case commitment.ProposalSubmitted, commitment.ProposalVoting:
	default:
		return commitment.ProposalState{}, &InvalidTransitionError{
			Entity:    "proposal",
			From:      prop.Status.String(),
			Operation: string(OpApprove),
		}
	}
	if prop.ApprovalCount >= prop.RequiredApprovals {
		return commitment.ProposalState{}, &InvalidTransitionError{
			Entity:    "proposal",
			From:      prop.Status.String(),
			Operation: string(OpApprove),
		}
	}
	prop.ApprovalCount++
	if prop.ApprovalCount == prop.RequiredApprovals {
		prop.Status = commitment.ProposalApproved
	}
	return prop, nil
}

// ApplyExecute retires an approved proposal. Legal from EXECUTABLE, or
// from QUEUED/APPROVED once the execution timelock has elapsed.
func ApplyExecute(
	prop commitment.ProposalState,
	now uint64,
) (commitment.ProposalState, error) {
	legal := false
	switch prop.Status {
	case commitment.ProposalExecutable:
		legal = true
	case commitment.ProposalApproved, commitment.ProposalQueued:
		legal = now >= prop.ExecutionTimelock
	}
	if !legal {
		return commitment.ProposalState{}, &InvalidTransitionError{
			Entity:    "proposal",
			From:      prop.Status.String(),
			Operation: string(OpExecute),
		}
	}
	prop.Status = commitment.ProposalExecuted
	return prop, nil
}

// ApplyCancel terminates a proposal. Legal from any pre-executed status.
func ApplyCancel(
	prop commitment.ProposalState,
) (commitment.ProposalState, error) {
	if prop.Status.Terminal() {
		return commitment.ProposalState{}, &InvalidTransitionError{
			Entity:    "proposal",
			From:      prop.Status.String(),
			Operation: string(OpCancel),
		}
	}
	prop.Status = commitment.ProposalCancelled
	return prop, nil
}

// ApplyVote adds a weighted ballot to the tally. Vote counts saturate at
// the u64 boundary, matching the script.
func ApplyVote(
	tally commitment.TallyState,
	choice commitment.VoteChoice,
	weight uint64,
) (commitment.TallyState, error) {
	switch choice {
	case commitment.VoteAgainst:
		tally.VotesAgainst = satAdd(tally.VotesAgainst, weight)
	case commitment.VoteFor:
		tally.VotesFor = satAdd(tally.VotesFor, weight)
	case commitment.VoteAbstain:
		tally.VotesAbstain = satAdd(tally.VotesAbstain, weight)
	default:
		return commitment.TallyState{}, &InvalidTransitionError{
			Entity:    "tally",
			From:      "n/a",
			Operation: string(OpVote),
		}
	}
	return tally, nil
}

// Claimable computes how many satoshis a schedule releases at time now,
// over and above what it already released. Zero before the cliff.
func Claimable(sched commitment.ScheduleState, now uint64) uint64 {
	if now < sched.Cliff || sched.IntervalSeconds == 0 {
		return 0
	}
	elapsed := now - sched.Cliff
	var vested uint64
	switch sched.Type {
	case commitment.ScheduleLinearVesting:
		// Vests continuously at AmountPerInterval per full interval.
		vested = satMulDiv(
			sched.AmountPerInterval,
			elapsed,
			uint64(sched.IntervalSeconds),
		)
	default:
		// RECURRING and STEP_VESTING release in whole intervals,
		// with the first tranche available at the cliff itself.
		intervals := elapsed/uint64(sched.IntervalSeconds) + 1
		vested = satMul(sched.AmountPerInterval, intervals)
	}
	return satSub(vested, sched.TotalReleased)
}

// ApplyClaim releases the claimable amount at time now and advances the
// schedule commitment. Returns ErrNothingToClaim when nothing has vested.
func ApplyClaim(
	sched commitment.ScheduleState,
	now uint64,
) (commitment.ScheduleState, uint64, error) {
	amount := Claimable(sched, now)
	if amount == 0 {
		return commitment.ScheduleState{}, 0, ErrNothingToClaim
	}
	sched.TotalReleased = satAdd(sched.TotalReleased, amount)
	// Next unlock lands on the first interval boundary after now.
	elapsed := now - sched.Cliff
	nextInterval := elapsed/uint64(sched.IntervalSeconds) + 1
	sched.NextUnlock = satAdd(
		sched.Cliff,
		satMul(nextInterval, uint64(sched.IntervalSeconds)),
	)
	return sched, amount, nil
}

func satAdd(a, b uint64) uint64 {
	if sum := a + b; sum >= a {
		return sum
	}
	return ^uint64(0)
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func satMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	if product := a * b; product/a == b {
		return product
	}
	return ^uint64(0)
}

// satMulDiv computes a*b/c with saturation, guarding the intermediate
// product via 128-bit-free math: it divides first when that is exact.
func satMulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	// Split b into quotient and remainder of c to avoid overflowing
	// the intermediate product for realistic schedule values.
	quo := b / c
	rem := b % c
	return satAdd(satMul(a, quo), satMul(a, rem)/c)
}
