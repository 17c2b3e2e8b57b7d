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

package guardrail

import (
	"testing"

	"github.com/openbch/keeper/commitment"
	"github.com/openbch/keeper/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() *policy.Policy {
	return &policy.Policy{
		Version:         1,
		RequiredSigners: 2,
		Signers:         []policy.Hash20{{0x01}, {0x02}, {0x03}},
		PeriodSeconds:   2592000,
		Guardrails: policy.Guardrails{
			PeriodCapSats:    100_000_000,
			RecipientCapSats: policy.NoLimit,
		},
	}
}

func period(spent uint64) PeriodState {
	return PeriodState{
		Vault: commitment.VaultState{
			Status:          commitment.VaultActive,
			SpentThisPeriod: spent,
		},
	}
}

func singlePayout(hash byte, amount uint64) Payout {
	return Payout{
		Recipients: []Recipient{
			{Hash: policy.Hash20{hash}, AmountSats: amount},
		},
	}
}

func TestPeriodCapScenario(t *testing.T) {
	// periodCap=100,000,000, spentThisPeriod=40,000,000:
	// 59,000,000 is within the remaining cap, 61,000,000 is not.
	pol := testPolicy()
	err := Validate(singlePayout(0xaa, 59_000_000), pol, period(40_000_000))
	require.NoError(t, err)

	err = Validate(singlePayout(0xaa, 61_000_000), pol, period(40_000_000))
	require.Error(t, err)
	var violation *ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ViolationPeriodCap, violation.Kind)
	assert.Equal(t, uint64(60_000_000), violation.Limit)
}

func TestPeriodCapBoundary(t *testing.T) {
	pol := testPolicy()
	// Spend exactly equal to remaining cap succeeds
	require.NoError(
		t,
		Validate(singlePayout(0xaa, 60_000_000), pol, period(40_000_000)),
	)
	// One satoshi over fails
	require.Error(
		t,
		Validate(singlePayout(0xaa, 60_000_001), pol, period(40_000_000)),
	)
}

func TestPeriodCapSentinel(t *testing.T) {
	pol := testPolicy()
	pol.Guardrails.PeriodCapSats = policy.NoLimit
	require.NoError(
		t,
		Validate(singlePayout(0xaa, ^uint64(0)), pol, period(^uint64(0))),
	)
}

func TestPeriodCapSaturates(t *testing.T) {
	// Already overspent beyond the cap: remaining saturates at zero
	// instead of wrapping to a huge value.
	pol := testPolicy()
	err := Validate(singlePayout(0xaa, 1), pol, period(150_000_000))
	require.Error(t, err)
	var violation *ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, uint64(0), violation.Limit)
}

func TestRecipientCap(t *testing.T) {
	pol := testPolicy()
	pol.Guardrails.RecipientCapSats = 10_000_000
	payout := Payout{
		Recipients: []Recipient{
			{Hash: policy.Hash20{0x01}, AmountSats: 10_000_000},
			{Hash: policy.Hash20{0x02}, AmountSats: 10_000_001},
		},
	}
	err := Validate(payout, pol, period(0))
	require.Error(t, err)
	var violation *ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ViolationRecipientCap, violation.Kind)
	assert.Equal(t, policy.Hash20{0x02}, violation.Recipient)
}

func TestAllowlist(t *testing.T) {
	pol := testPolicy()
	pol.Guardrails.AllowlistEnabled = true
	pol.Guardrails.Allowlist = []policy.Hash20{{0xaa}}

	require.NoError(t, Validate(singlePayout(0xaa, 100), pol, period(0)))

	err := Validate(singlePayout(0xab, 100), pol, period(0))
	var violation *ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ViolationAllowlist, violation.Kind)

	// Disabled allowlist is ignored even when populated
	pol.Guardrails.AllowlistEnabled = false
	require.NoError(t, Validate(singlePayout(0xab, 100), pol, period(0)))
}

func TestDenylist(t *testing.T) {
	pol := testPolicy()
	pol.Guardrails.Denylist = []policy.Hash20{{0xbb}}
	err := Validate(singlePayout(0xbb, 100), pol, period(0))
	var violation *ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ViolationDenylist, violation.Kind)
}

func TestCategoryBudget(t *testing.T) {
	pol := testPolicy()
	pol.Guardrails.CategoryBudgets = map[uint32]uint64{7: 1_000_000}
	payout := singlePayout(0xaa, 600_000)
	payout.CategoryID = 7

	require.NoError(t, Validate(payout, pol, PeriodState{
		Vault:             commitment.VaultState{},
		CategorySpentSats: 400_000,
	}))

	err := Validate(payout, pol, PeriodState{
		Vault:             commitment.VaultState{},
		CategorySpentSats: 400_001,
	})
	var violation *ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ViolationCategoryBudget, violation.Kind)

	// Uncategorized payouts skip the budget check
	payout.CategoryID = 8
	require.NoError(t, Validate(payout, pol, PeriodState{
		CategorySpentSats: ^uint64(0),
	}))
}

func TestCheckOrderFirstViolationWins(t *testing.T) {
	// Payout violating both the period cap and the denylist reports the
	// period cap, which runs first.
	pol := testPolicy()
	pol.Guardrails.Denylist = []policy.Hash20{{0xcc}}
	err := Validate(singlePayout(0xcc, 200_000_000), pol, period(0))
	var violation *ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ViolationPeriodCap, violation.Kind)
}

func TestSaturatingTotal(t *testing.T) {
	// Recipient amounts that would overflow u64 saturate, which any
	// finite period cap then rejects.
	pol := testPolicy()
	payout := Payout{
		Recipients: []Recipient{
			{Hash: policy.Hash20{0x01}, AmountSats: ^uint64(0)},
			{Hash: policy.Hash20{0x02}, AmountSats: ^uint64(0)},
		},
	}
	assert.Equal(t, ^uint64(0), payout.Total())
	require.Error(t, Validate(payout, pol, period(0)))
}
