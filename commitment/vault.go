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

// VaultStatus is the vault lifecycle status byte.
type VaultStatus uint8

const (
	VaultActive VaultStatus = iota
	VaultPaused
	VaultEmergencyLock
	VaultMigrating
)

func (s VaultStatus) String() string {
	switch s {
	case VaultActive:
		return "ACTIVE"
	case VaultPaused:
		return "PAUSED"
	case VaultEmergencyLock:
		return "EMERGENCY_LOCK"
	case VaultMigrating:
		return "MIGRATING"
	default:
		return "UNKNOWN"
	}
}

// rolesMaskMax is the largest value representable by the 24-bit role mask.
const rolesMaskMax = 1<<24 - 1

// VaultState is the 32-byte vault commitment.
//
// Layout (little-endian):
//
//	version          u32 @0
//	status           u8  @4
//	rolesMask        u24 @5
//	currentPeriodId  u64 @8
//	spentThisPeriod  u64 @16
//	lastUpdate       u64 @24
type VaultState struct {
	Version         uint32
	Status          VaultStatus
	RolesMask       uint32
	CurrentPeriodID uint64
	SpentThisPeriod uint64
	LastUpdate      uint64
}

// Encode serializes the state into its fixed 32-byte layout. It fails if
// any field holds a value its on-chain width cannot represent.
func (s VaultState) Encode() ([]byte, error) {
	if s.Status > VaultMigrating {
		return nil, errBadEnum(
			"vault",
			"status",
			uint8(s.Status),
			uint8(VaultMigrating),
		)
	}
	if s.RolesMask > rolesMaskMax {
		return nil, &MalformedCommitmentError{
			Kind:   "vault",
			Field:  "rolesMask",
			Reason: "value exceeds 24 bits",
		}
	}
	buf := make([]byte, VaultStateSize)
	lei.PutUint32(buf[0:4], s.Version)
	buf[4] = byte(s.Status)
	putUint24(buf[5:8], s.RolesMask)
	lei.PutUint64(buf[8:16], s.CurrentPeriodID)
	lei.PutUint64(buf[16:24], s.SpentThisPeriod)
	lei.PutUint64(buf[24:32], s.LastUpdate)
	return buf, nil
}

// DecodeVaultState parses a 32-byte vault commitment.
func DecodeVaultState(buf []byte) (VaultState, error) {
	if len(buf) != VaultStateSize {
		return VaultState{}, errWrongLength(
			"vault",
			VaultStateSize,
			len(buf),
		)
	}
	status := VaultStatus(buf[4])
	if status > VaultMigrating {
		return VaultState{}, errBadEnum(
			"vault",
			"status",
			buf[4],
			uint8(VaultMigrating),
		)
	}
	return VaultState{
		Version:         lei.Uint32(buf[0:4]),
		Status:          status,
		RolesMask:       getUint24(buf[5:8]),
		CurrentPeriodID: lei.Uint64(buf[8:16]),
		SpentThisPeriod: lei.Uint64(buf[16:24]),
		LastUpdate:      lei.Uint64(buf[24:32]),
	}, nil
}
