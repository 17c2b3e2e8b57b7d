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

	"github.com/openbch/keeper/ident"
)

// ErrInsufficientFunds is returned when the supplied funding inputs do
// not cover the payout plus fees.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrNoChangeScript is returned when finalization leaves more change
// than the builder is willing to burn as fee and the funding carries no
// change script to return it to.
var ErrNoChangeScript = errors.New(
	"change output required but no change script supplied",
)

// ErrNothingToClaim is returned when a claim operation would release zero
// satoshis (e.g. the cliff is still in the future). The builder refuses
// to emit a zero-value payout transaction.
var ErrNothingToClaim = errors.New("nothing claimable yet")

// ErrPayoutMismatch is returned when the recipient list supplied for an
// execute operation does not hash to the payout hash committed in the
// approved proposal.
var ErrPayoutMismatch = errors.New(
	"recipient list does not match approved payout hash",
)

// StaleStateError indicates the supplied UTXO no longer matches the
// latest indexed state. Recoverable: re-fetch and rebuild.
type StaleStateError struct {
	Entity       ident.ID
	HaveSequence uint64
	WantSequence uint64
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf(
		"stale state for entity %s: have sequence %d, latest is %d",
		e.Entity,
		e.HaveSequence,
		e.WantSequence,
	)
}

// InvalidTransitionError indicates the requested operation is not legal
// from the entity's current on-chain status. This is a logic error or a
// state-machine desync and is surfaced rather than retried.
type InvalidTransitionError struct {
	Entity    string
	From      string
	Operation string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf(
		"invalid transition: %s cannot %s from status %s",
		e.Entity,
		e.Operation,
		e.From,
	)
}
