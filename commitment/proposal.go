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

// ProposalStatus is the proposal lifecycle status byte. Statuses are
// strictly forward-moving except Cancelled/Expired, which are terminal
// from any pre-Executed status.
type ProposalStatus uint8

const (
	ProposalDraft ProposalStatus = iota
	ProposalSubmitted
	ProposalVoting
	ProposalApproved
	ProposalQueued
	ProposalExecutable
	ProposalExecuted
	ProposalCancelled
	ProposalExpired
)

func (s ProposalStatus) String() string {
	switch s {
	case ProposalDraft:
		return "DRAFT"
	case ProposalSubmitted:
		return "SUBMITTED"
	case ProposalVoting:
		return "VOTING"
	case ProposalApproved:
		return "APPROVED"
	case ProposalQueued:
		return "QUEUED"
	case ProposalExecutable:
		return "EXECUTABLE"
	case ProposalExecuted:
		return "EXECUTED"
	case ProposalCancelled:
		return "CANCELLED"
	case ProposalExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Terminal returns true for statuses that no transition leaves.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalExecuted || s == ProposalCancelled ||
		s == ProposalExpired
}

// PayoutHashSize is the truncated digest width binding a proposal to its
// recipient list.
const PayoutHashSize = 28

// ProposalState is the 64-byte proposal commitment.
//
// Layout (little-endian):
//
//	version            u32 @0
//	status             u8  @4
//	approvalCount      u8  @5
//	requiredApprovals  u8  @6
//	reserved           u8  @7 (zero)
//	votingEnd          u64 @8
//	executionTimelock  u64 @16
//	payoutTotal        u64 @24
//	categoryId         u32 @32
//	payoutHash         28B @36
type ProposalState struct {
	Version           uint32
	Status            ProposalStatus
	ApprovalCount     uint8
	RequiredApprovals uint8
	VotingEnd         uint64
	ExecutionTimelock uint64
	PayoutTotal       uint64
	CategoryID        uint32
	PayoutHash        [PayoutHashSize]byte
}

// Encode serializes the state into its fixed 64-byte layout.
func (s ProposalState) Encode() ([]byte, error) {
	if s.Status > ProposalExpired {
		return nil, errBadEnum(
			"proposal",
			"status",
			uint8(s.Status),
			uint8(ProposalExpired),
		)
	}
	if s.ApprovalCount > s.RequiredApprovals {
		return nil, &MalformedCommitmentError{
			Kind:   "proposal",
			Field:  "approvalCount",
			Reason: "approval count exceeds required approvals",
		}
	}
	buf := make([]byte, ProposalStateSize)
	lei.PutUint32(buf[0:4], s.Version)
	buf[4] = byte(s.Status)
	buf[5] = s.ApprovalCount
	buf[6] = s.RequiredApprovals
	lei.PutUint64(buf[8:16], s.VotingEnd)
	lei.PutUint64(buf[16:24], s.ExecutionTimelock)
	lei.PutUint64(buf[24:32], s.PayoutTotal)
	lei.PutUint32(buf[32:36], s.CategoryID)
	copy(buf[36:64], s.PayoutHash[:])
	return buf, nil
}

// DecodeProposalState parses a 64-byte proposal commitment.
func DecodeProposalState(buf []byte) (ProposalState, error) {
	if len(buf) != ProposalStateSize {
		return ProposalState{}, errWrongLength(
			"proposal",
			ProposalStateSize,
			len(buf),
		)
	}
	status := ProposalStatus(buf[4])
	if status > ProposalExpired {
		return ProposalState{}, errBadEnum(
			"proposal",
			"status",
			buf[4],
			uint8(ProposalExpired),
		)
	}
	if buf[7] != 0 {
		return ProposalState{}, errReserved("proposal", "reserved")
	}
	if buf[5] > buf[6] {
		return ProposalState{}, &MalformedCommitmentError{
			Kind:   "proposal",
			Field:  "approvalCount",
			Reason: "approval count exceeds required approvals",
		}
	}
	ret := ProposalState{
		Version:           lei.Uint32(buf[0:4]),
		Status:            status,
		ApprovalCount:     buf[5],
		RequiredApprovals: buf[6],
		VotingEnd:         lei.Uint64(buf[8:16]),
		ExecutionTimelock: lei.Uint64(buf[16:24]),
		PayoutTotal:       lei.Uint64(buf[24:32]),
		CategoryID:        lei.Uint32(buf[32:36]),
	}
	copy(ret.PayoutHash[:], buf[36:64])
	return ret, nil
}
