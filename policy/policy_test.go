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

package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() *Policy {
	return &Policy{
		Version:         1,
		RequiredSigners: 2,
		Signers: []Hash20{
			{0x01},
			{0x02},
			{0x03},
		},
		PeriodSeconds: 2592000,
		Guardrails: Guardrails{
			PeriodCapSats:    100_000_000,
			RecipientCapSats: NoLimit,
			CategoryBudgets: map[uint32]uint64{
				1: 50_000_000,
				2: 25_000_000,
			},
		},
		Limits: DefaultLimits(),
	}
}

func TestPolicyValidate(t *testing.T) {
	pol := testPolicy()
	require.NoError(t, pol.Validate())

	pol.RequiredSigners = 4
	assert.Error(t, pol.Validate())

	pol = testPolicy()
	pol.RequiredSigners = 0
	assert.Error(t, pol.Validate())

	pol = testPolicy()
	pol.Signers = append(pol.Signers, pol.Signers[0])
	assert.Error(t, pol.Validate())

	pol = testPolicy()
	pol.PeriodSeconds = 0
	assert.Error(t, pol.Validate())
}

func TestPolicyHashDeterministic(t *testing.T) {
	hash1 := testPolicy().Hash()
	hash2 := testPolicy().Hash()
	assert.Equal(t, hash1, hash2)

	// Any field change moves the hash
	pol := testPolicy()
	pol.Guardrails.PeriodCapSats--
	assert.NotEqual(t, hash1, pol.Hash())

	pol = testPolicy()
	pol.Guardrails.CategoryBudgets[3] = 1
	assert.NotEqual(t, hash1, pol.Hash())

	pol = testPolicy()
	pol.Guardrails.AllowlistEnabled = true
	assert.NotEqual(t, hash1, pol.Hash())
}

func TestPolicyVerify(t *testing.T) {
	pol := testPolicy()
	require.NoError(t, pol.Verify(pol.Hash()))
	var wrong [32]byte
	assert.Error(t, pol.Verify(wrong))
}

func TestLoadFile(t *testing.T) {
	content := `
version: 1
requiredSigners: 2
signers:
  - "0102030405060708090a0b0c0d0e0f1011121314"
  - "1514131211100f0e0d0c0b0a0908070605040302"
  - "ffeeddccbbaa99887766554433221100ffeeddcc"
periodSeconds: 2592000
guardrails:
  periodCap: 100000000
  recipientCap: 10000000
  allowlistEnabled: true
  allowlist:
    - "0102030405060708090a0b0c0d0e0f1011121314"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	pol, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), pol.RequiredSigners)
	assert.Len(t, pol.Signers, 3)
	assert.True(t, pol.Guardrails.AllowlistEnabled)
	assert.Equal(t, DefaultLimits(), pol.Limits)
	assert.Equal(
		t,
		"0102030405060708090a0b0c0d0e0f1011121314",
		pol.Signers[0].String(),
	)
}

func TestLoadFileRejectsBadHash(t *testing.T) {
	content := `
version: 1
requiredSigners: 1
signers:
  - "zzzz"
periodSeconds: 60
`
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	_, err := LoadFile(path)
	assert.Error(t, err)
}
