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

package commitment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultStateRoundTrip(t *testing.T) {
	testDefs := []VaultState{
		{},
		{
			Version:         1,
			Status:          VaultActive,
			RolesMask:       0x0000ff,
			CurrentPeriodID: 42,
			SpentThisPeriod: 40_000_000,
			LastUpdate:      1_700_000_000,
		},
		{
			Version:         7,
			Status:          VaultMigrating,
			RolesMask:       rolesMaskMax,
			CurrentPeriodID: ^uint64(0),
			SpentThisPeriod: ^uint64(0),
			LastUpdate:      ^uint64(0),
		},
	}
	for _, testDef := range testDefs {
		buf, err := testDef.Encode()
		require.NoError(t, err)
		require.Len(t, buf, VaultStateSize)
		decoded, err := DecodeVaultState(buf)
		require.NoError(t, err)
		assert.Equal(t, testDef, decoded)
		// Re-encode must reproduce the original bytes
		buf2, err := decoded.Encode()
		require.NoError(t, err)
		assert.Equal(t, buf, buf2)
	}
}

func TestVaultStateDecodeWrongLength(t *testing.T) {
	var malformedErr *MalformedCommitmentError
	for _, size := range []int{0, 1, 31, 33, 64} {
		_, err := DecodeVaultState(make([]byte, size))
		require.Error(t, err)
		assert.ErrorAs(t, err, &malformedErr)
	}
}

func TestVaultStateDecodeBadStatus(t *testing.T) {
	good, err := VaultState{Status: VaultActive}.Encode()
	require.NoError(t, err)
	good[4] = byte(VaultMigrating) + 1
	_, err = DecodeVaultState(good)
	require.Error(t, err)
	var malformedErr *MalformedCommitmentError
	require.ErrorAs(t, err, &malformedErr)
	assert.Equal(t, "status", malformedErr.Field)
}

func TestVaultStateEncodeOversizedRolesMask(t *testing.T) {
	_, err := VaultState{RolesMask: rolesMaskMax + 1}.Encode()
	require.Error(t, err)
}

func TestProposalStateRoundTrip(t *testing.T) {
	payoutHash := [PayoutHashSize]byte{}
	for i := range payoutHash {
		payoutHash[i] = byte(i + 1)
	}
	testDefs := []ProposalState{
		{},
		{
			Version:           2,
			Status:            ProposalVoting,
			ApprovalCount:     1,
			RequiredApprovals: 3,
			VotingEnd:         1_700_100_000,
			ExecutionTimelock: 86400,
			PayoutTotal:       59_000_000,
			CategoryID:        4,
			PayoutHash:        payoutHash,
		},
		{
			Version:           2,
			Status:            ProposalExpired,
			ApprovalCount:     3,
			RequiredApprovals: 3,
		},
	}
	for _, testDef := range testDefs {
		buf, err := testDef.Encode()
		require.NoError(t, err)
		require.Len(t, buf, ProposalStateSize)
		decoded, err := DecodeProposalState(buf)
		require.NoError(t, err)
		assert.Equal(t, testDef, decoded)
	}
}

func TestProposalStateDecodeStrict(t *testing.T) {
	good, err := ProposalState{
		Status:            ProposalSubmitted,
		RequiredApprovals: 2,
	}.Encode()
	require.NoError(t, err)

	// Wrong length
	_, err = DecodeProposalState(good[:ProposalStateSize-1])
	require.Error(t, err)

	// Status out of range
	bad := append([]byte{}, good...)
	bad[4] = byte(ProposalExpired) + 1
	_, err = DecodeProposalState(bad)
	require.Error(t, err)

	// Non-zero reserved byte
	bad = append([]byte{}, good...)
	bad[7] = 0xff
	_, err = DecodeProposalState(bad)
	require.Error(t, err)

	// approvalCount > requiredApprovals
	bad = append([]byte{}, good...)
	bad[5] = 3
	_, err = DecodeProposalState(bad)
	require.Error(t, err)
}

func TestScheduleStateRoundTrip(t *testing.T) {
	testDefs := []ScheduleState{
		{},
		{
			Type:              ScheduleLinearVesting,
			IntervalSeconds:   2592000,
			NextUnlock:        1_702_000_000,
			AmountPerInterval: 5_000_000,
			TotalReleased:     15_000_000,
			Cliff:             1_701_000_000,
		},
	}
	for _, testDef := range testDefs {
		buf, err := testDef.Encode()
		require.NoError(t, err)
		require.Len(t, buf, ScheduleStateSize)
		decoded, err := DecodeScheduleState(buf)
		require.NoError(t, err)
		assert.Equal(t, testDef, decoded)
	}
}

func TestScheduleStateDecodeStrict(t *testing.T) {
	good, err := ScheduleState{Type: ScheduleRecurring}.Encode()
	require.NoError(t, err)

	bad := append([]byte{}, good...)
	bad[0] = byte(ScheduleStepVesting) + 1
	_, err = DecodeScheduleState(bad)
	require.Error(t, err)

	bad = append([]byte{}, good...)
	bad[2] = 1
	_, err = DecodeScheduleState(bad)
	require.Error(t, err)

	bad = append([]byte{}, good...)
	bad[47] = 1
	_, err = DecodeScheduleState(bad)
	require.Error(t, err)

	_, err = DecodeScheduleState(good[:40])
	require.Error(t, err)
}

func TestVoteStateRoundTrip(t *testing.T) {
	prefix := [ProposalPrefixSize]byte{}
	for i := range prefix {
		prefix[i] = byte(0xa0 + i)
	}
	testDefs := []VoteState{
		{},
		{Choice: VoteFor, ProposalPrefix: prefix, Weight: 1000},
		{Choice: VoteAbstain, Weight: ^uint64(0)},
	}
	for _, testDef := range testDefs {
		buf, err := testDef.Encode()
		require.NoError(t, err)
		require.Len(t, buf, VoteStateSize)
		decoded, err := DecodeVoteState(buf)
		require.NoError(t, err)
		assert.Equal(t, testDef, decoded)
	}
}

func TestVoteStateDecodeStrict(t *testing.T) {
	good, err := VoteState{Choice: VoteFor}.Encode()
	require.NoError(t, err)

	bad := append([]byte{}, good...)
	bad[0] = byte(VoteAbstain) + 1
	_, err = DecodeVoteState(bad)
	require.Error(t, err)

	bad = append([]byte{}, good...)
	bad[1] = 1
	_, err = DecodeVoteState(bad)
	require.Error(t, err)

	_, err = DecodeVoteState(good[:16])
	require.Error(t, err)
}

func TestTallyStateRoundTrip(t *testing.T) {
	testDefs := []TallyState{
		{},
		{
			VotesAgainst:    3,
			VotesFor:        17,
			VotesAbstain:    2,
			QuorumThreshold: 20,
			TotalEligible:   50,
		},
	}
	for _, testDef := range testDefs {
		buf, err := testDef.Encode()
		require.NoError(t, err)
		require.Len(t, buf, TallyStateSize)
		decoded, err := DecodeTallyState(buf)
		require.NoError(t, err)
		assert.Equal(t, testDef, decoded)
	}
}

func TestTallyQuorum(t *testing.T) {
	tally := TallyState{
		VotesAgainst:    3,
		VotesFor:        17,
		VotesAbstain:    2,
		QuorumThreshold: 22,
	}
	assert.True(t, tally.QuorumReached())
	tally.QuorumThreshold = 23
	assert.False(t, tally.QuorumReached())
	// Saturating total still satisfies any threshold
	tally = TallyState{
		VotesAgainst:    ^uint64(0),
		VotesFor:        1,
		QuorumThreshold: ^uint64(0),
	}
	assert.True(t, tally.QuorumReached())
}
