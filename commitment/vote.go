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

// VoteChoice is the immutable ballot value. Once a vote commitment is on
// chain its choice never changes.
type VoteChoice uint8

const (
	VoteAgainst VoteChoice = iota
	VoteFor
	VoteAbstain
)

func (c VoteChoice) String() string {
	switch c {
	case VoteAgainst:
		return "AGAINST"
	case VoteFor:
		return "FOR"
	case VoteAbstain:
		return "ABSTAIN"
	default:
		return "UNKNOWN"
	}
}

// ProposalPrefixSize is the width of the proposal-id prefix a vote
// commitment is bound to.
const ProposalPrefixSize = 20

// VoteState is the 32-byte vote commitment.
//
// Layout (little-endian):
//
//	choice          u8  @0
//	reserved        3B  @1 (zero)
//	proposalPrefix  20B @4
//	weight          u64 @24
type VoteState struct {
	Choice         VoteChoice
	ProposalPrefix [ProposalPrefixSize]byte
	Weight         uint64
}

// Encode serializes the state into its fixed 32-byte layout.
func (s VoteState) Encode() ([]byte, error) {
	if s.Choice > VoteAbstain {
		return nil, errBadEnum(
			"vote",
			"choice",
			uint8(s.Choice),
			uint8(VoteAbstain),
		)
	}
	buf := make([]byte, VoteStateSize)
	buf[0] = byte(s.Choice)
	copy(buf[4:24], s.ProposalPrefix[:])
	lei.PutUint64(buf[24:32], s.Weight)
	return buf, nil
}

// DecodeVoteState parses a 32-byte vote commitment.
func DecodeVoteState(buf []byte) (VoteState, error) {
	if len(buf) != VoteStateSize {
		return VoteState{}, errWrongLength("vote", VoteStateSize, len(buf))
	}
	choice := VoteChoice(buf[0])
	if choice > VoteAbstain {
		return VoteState{}, errBadEnum(
			"vote",
			"choice",
			buf[0],
			uint8(VoteAbstain),
		)
	}
	if !allZero(buf[1:4]) {
		return VoteState{}, errReserved("vote", "reserved")
	}
	ret := VoteState{
		Choice: choice,
		Weight: lei.Uint64(buf[24:32]),
	}
	copy(ret.ProposalPrefix[:], buf[4:24])
	return ret, nil
}

// TallyState is the 48-byte tally commitment aggregating vote counts
// against a quorum threshold.
//
// Layout (little-endian):
//
//	votesAgainst     u64 @0
//	votesFor         u64 @8
//	votesAbstain     u64 @16
//	quorumThreshold  u64 @24
//	totalEligible    u64 @32
//	reserved         u64 @40 (zero)
type TallyState struct {
	VotesAgainst    uint64
	VotesFor        uint64
	VotesAbstain    uint64
	QuorumThreshold uint64
	TotalEligible   uint64
}

// Encode serializes the state into its fixed 48-byte layout.
func (s TallyState) Encode() ([]byte, error) {
	buf := make([]byte, TallyStateSize)
	lei.PutUint64(buf[0:8], s.VotesAgainst)
	lei.PutUint64(buf[8:16], s.VotesFor)
	lei.PutUint64(buf[16:24], s.VotesAbstain)
	lei.PutUint64(buf[24:32], s.QuorumThreshold)
	lei.PutUint64(buf[32:40], s.TotalEligible)
	return buf, nil
}

// DecodeTallyState parses a 48-byte tally commitment.
func DecodeTallyState(buf []byte) (TallyState, error) {
	if len(buf) != TallyStateSize {
		return TallyState{}, errWrongLength(
			"tally",
			TallyStateSize,
			len(buf),
		)
	}
	if !allZero(buf[40:48]) {
		return TallyState{}, errReserved("tally", "reserved")
	}
	return TallyState{
		VotesAgainst:    lei.Uint64(buf[0:8]),
		VotesFor:        lei.Uint64(buf[8:16]),
		VotesAbstain:    lei.Uint64(buf[16:24]),
		QuorumThreshold: lei.Uint64(buf[24:32]),
		TotalEligible:   lei.Uint64(buf[32:40]),
	}, nil
}

// QuorumReached reports whether the total participating weight meets the
// quorum threshold.
func (s TallyState) QuorumReached() bool {
	// Saturate on overflow; the on-chain script caps at the u64 boundary.
	total := satAdd(satAdd(s.VotesAgainst, s.VotesFor), s.VotesAbstain)
	return total >= s.QuorumThreshold
}

func satAdd(a, b uint64) uint64 {
	if sum := a + b; sum >= a {
		return sum
	}
	return ^uint64(0)
}
