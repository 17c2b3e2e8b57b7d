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

// Package guardrail evaluates a proposed payout against the treasury
// policy using the exact arithmetic the on-chain script performs:
// unsigned 64-bit with saturating semantics, no floating point. Anything
// accepted here is accepted on chain and vice versa. Checks run in a
// fixed order and the first violation wins.
package guardrail

import (
	"fmt"

	"github.com/openbch/keeper/commitment"
	"github.com/openbch/keeper/policy"
)

// ViolationKind identifies which guardrail a payout tripped.
type ViolationKind string

const (
	ViolationPeriodCap      ViolationKind = "periodCap"
	ViolationRecipientCap   ViolationKind = "recipientCap"
	ViolationAllowlist      ViolationKind = "allowlist"
	ViolationDenylist       ViolationKind = "denylist"
	ViolationCategoryBudget ViolationKind = "categoryBudget"
)

// ViolationError carries the tripped guardrail plus the offending values
// so callers can render a precise message.
type ViolationError struct {
	Kind      ViolationKind
	Recipient policy.Hash20
	Amount    uint64
	Limit     uint64
}

func (e *ViolationError) Error() string {
	switch e.Kind {
	case ViolationPeriodCap:
		return fmt.Sprintf(
			"guardrail violation (%s): payout %d exceeds remaining period cap %d",
			e.Kind,
			e.Amount,
			e.Limit,
		)
	case ViolationRecipientCap:
		return fmt.Sprintf(
			"guardrail violation (%s): recipient %s amount %d exceeds cap %d",
			e.Kind,
			e.Recipient,
			e.Amount,
			e.Limit,
		)
	case ViolationAllowlist:
		return fmt.Sprintf(
			"guardrail violation (%s): recipient %s not in allowlist",
			e.Kind,
			e.Recipient,
		)
	case ViolationDenylist:
		return fmt.Sprintf(
			"guardrail violation (%s): recipient %s is denylisted",
			e.Kind,
			e.Recipient,
		)
	case ViolationCategoryBudget:
		return fmt.Sprintf(
			"guardrail violation (%s): category spend %d exceeds remaining budget %d",
			e.Kind,
			e.Amount,
			e.Limit,
		)
	default:
		return fmt.Sprintf("guardrail violation (%s)", e.Kind)
	}
}

// Recipient is one payout destination.
type Recipient struct {
	Hash       policy.Hash20
	AmountSats uint64
}

// Payout is a proposed set of payments evaluated as a unit.
type Payout struct {
	CategoryID uint32
	Recipients []Recipient
}

// Total returns the saturating sum of all recipient amounts.
func (p Payout) Total() uint64 {
	var total uint64
	for _, r := range p.Recipients {
		total = satAdd(total, r.AmountSats)
	}
	return total
}

// PeriodState is the vault's current-period accounting the checks run
// against.
type PeriodState struct {
	Vault commitment.VaultState
	// CategorySpentSats is the amount already spent in the payout's
	// category during the current period.
	CategorySpentSats uint64
}

// Validate runs the guardrail checks in their fixed order: period cap,
// per-recipient cap, allowlist, denylist, category budget. A nil return
// means the on-chain script will accept the same payout.
func Validate(
	payout Payout,
	pol *policy.Policy,
	period PeriodState,
) error {
	rails := pol.Guardrails
	// (1) total against remaining period cap
	if rails.PeriodCapSats != policy.NoLimit {
		remaining := satSub(
			rails.PeriodCapSats,
			period.Vault.SpentThisPeriod,
		)
		if payout.Total() > remaining {
			return &ViolationError{
				Kind:   ViolationPeriodCap,
				Amount: payout.Total(),
				Limit:  remaining,
			}
		}
	}
	// (2) each recipient against the recipient cap
	if rails.RecipientCapSats != policy.NoLimit {
		for _, r := range payout.Recipients {
			if r.AmountSats > rails.RecipientCapSats {
				return &ViolationError{
					Kind:      ViolationRecipientCap,
					Recipient: r.Hash,
					Amount:    r.AmountSats,
					Limit:     rails.RecipientCapSats,
				}
			}
		}
	}
	// (3) allowlist membership
	if rails.AllowlistEnabled {
		allowed := make(map[policy.Hash20]bool, len(rails.Allowlist))
		for _, entry := range rails.Allowlist {
			allowed[entry] = true
		}
		for _, r := range payout.Recipients {
			if !allowed[r.Hash] {
				return &ViolationError{
					Kind:      ViolationAllowlist,
					Recipient: r.Hash,
				}
			}
		}
	}
	// (4) denylist exclusion
	if len(rails.Denylist) > 0 {
		denied := make(map[policy.Hash20]bool, len(rails.Denylist))
		for _, entry := range rails.Denylist {
			denied[entry] = true
		}
		for _, r := range payout.Recipients {
			if denied[r.Hash] {
				return &ViolationError{
					Kind:      ViolationDenylist,
					Recipient: r.Hash,
				}
			}
		}
	}
	// (5) category budget
	if budget, ok := rails.CategoryBudgets[payout.CategoryID]; ok {
		remaining := satSub(budget, period.CategorySpentSats)
		if payout.Total() > remaining {
			return &ViolationError{
				Kind:   ViolationCategoryBudget,
				Amount: payout.Total(),
				Limit:  remaining,
			}
		}
	}
	return nil
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
