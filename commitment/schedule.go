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

// ScheduleType distinguishes the release curve of a vesting/streaming
// covenant.
type ScheduleType uint8

const (
	ScheduleRecurring ScheduleType = iota
	ScheduleLinearVesting
	ScheduleStepVesting
)

func (t ScheduleType) String() string {
	switch t {
	case ScheduleRecurring:
		return "RECURRING"
	case ScheduleLinearVesting:
		return "LINEAR_VESTING"
	case ScheduleStepVesting:
		return "STEP_VESTING"
	default:
		return "UNKNOWN"
	}
}

// ScheduleState is the 48-byte schedule commitment. TotalReleased is
// monotonically non-decreasing across successor commitments.
//
// Layout (little-endian):
//
//	scheduleType       u8  @0
//	reserved           3B  @1 (zero)
//	intervalSeconds    u32 @4
//	nextUnlock         u64 @8
//	amountPerInterval  u64 @16
//	totalReleased      u64 @24
//	cliff              u64 @32
//	reserved           u64 @40 (zero)
type ScheduleState struct {
	Type              ScheduleType
	IntervalSeconds   uint32
	NextUnlock        uint64
	AmountPerInterval uint64
	TotalReleased     uint64
	Cliff             uint64
}

// Encode serializes the state into its fixed 48-byte layout.
func (s ScheduleState) Encode() ([]byte, error) {
	if s.Type > ScheduleStepVesting {
		return nil, errBadEnum(
			"schedule",
			"scheduleType",
			uint8(s.Type),
			uint8(ScheduleStepVesting),
		)
	}
	buf := make([]byte, ScheduleStateSize)
	buf[0] = byte(s.Type)
	lei.PutUint32(buf[4:8], s.IntervalSeconds)
	lei.PutUint64(buf[8:16], s.NextUnlock)
	lei.PutUint64(buf[16:24], s.AmountPerInterval)
	lei.PutUint64(buf[24:32], s.TotalReleased)
	lei.PutUint64(buf[32:40], s.Cliff)
	return buf, nil
}

// DecodeScheduleState parses a 48-byte schedule commitment.
func DecodeScheduleState(buf []byte) (ScheduleState, error) {
	if len(buf) != ScheduleStateSize {
		return ScheduleState{}, errWrongLength(
			"schedule",
			ScheduleStateSize,
			len(buf),
		)
	}
	schedType := ScheduleType(buf[0])
	if schedType > ScheduleStepVesting {
		return ScheduleState{}, errBadEnum(
			"schedule",
			"scheduleType",
			buf[0],
			uint8(ScheduleStepVesting),
		)
	}
	if !allZero(buf[1:4]) || !allZero(buf[40:48]) {
		return ScheduleState{}, errReserved("schedule", "reserved")
	}
	return ScheduleState{
		Type:              schedType,
		IntervalSeconds:   lei.Uint32(buf[4:8]),
		NextUnlock:        lei.Uint64(buf[8:16]),
		AmountPerInterval: lei.Uint64(buf[16:24]),
		TotalReleased:     lei.Uint64(buf[24:32]),
		Cliff:             lei.Uint64(buf[32:40]),
	}, nil
}
