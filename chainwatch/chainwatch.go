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

// Package chainwatch consumes indexer observations and keeps the
// off-chain mirror consistent with consensus-ordered spends. Confirmed
// outputs at watched covenant locking scripts are decoded, indexed as the
// entity's next UTXO, and fed to the supervisor as authoritative status;
// spends of tracked outpoints retire the mirrored UTXO and release any
// session soft-lock. The package does not talk to a chain itself: an
// external indexer adapter calls ApplyConfirmedOutput and ApplySpend.
package chainwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/openbch/keeper/commitment"
	"github.com/openbch/keeper/database"
	"github.com/openbch/keeper/event"
	"github.com/openbch/keeper/ident"
	"github.com/openbch/keeper/supervisor"
	"github.com/openbch/keeper/txbuilder"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrNotWatched is returned when an observation does not match any
// registered covenant.
var ErrNotWatched = errors.New("output does not match a watched covenant")

// ConfirmedOutput is an indexer observation of a confirmed transaction
// output. Script is the full output script including any token prefix.
type ConfirmedOutput struct {
	TxID        chainhash.Hash
	OutputIndex uint32
	Script      []byte
	ValueSats   uint64
	BlockHeight uint32
	BlockTime   uint64
}

// SpentOutpoint is an indexer observation of a tracked outpoint being
// consumed by a confirmed transaction.
type SpentOutpoint struct {
	Outpoint    wire.OutPoint
	SpentBy     chainhash.Hash
	BlockHeight uint32
}

// Mirror is the persistence the watcher writes observations through.
type Mirror interface {
	AddUTXO(ctx context.Context, utxo txbuilder.CovenantUTXO) (uint64, error)
	MarkSpent(
		ctx context.Context,
		outpoint wire.OutPoint,
		spentBy chainhash.Hash,
	) (txbuilder.CovenantUTXO, error)
}

// Config configures a Watcher.
type Config struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Mirror       Mirror
	Supervisor   *supervisor.Supervisor
	EventBus     *event.EventBus
}

// Watcher applies indexer observations to the mirror. Observations for
// locking scripts that were never registered with Watch are ignored.
type Watcher struct {
	logger  *slog.Logger
	mirror  Mirror
	sup     *supervisor.Supervisor
	bus     *event.EventBus
	mu      sync.RWMutex
	watched map[string]watchedEntity
	metrics struct {
		confirmed *prometheus.CounterVec
		spent     prometheus.Counter
		decodeErr prometheus.Counter
	}
}

type watchedEntity struct {
	entityID ident.ID
	kind     supervisor.EntityKind
}

// New creates a Watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.Mirror == nil {
		return nil, fmt.Errorf("chainwatch: mirror is required")
	}
	if cfg.Supervisor == nil {
		return nil, fmt.Errorf("chainwatch: supervisor is required")
	}
	w := &Watcher{
		logger:  cfg.Logger,
		mirror:  cfg.Mirror,
		sup:     cfg.Supervisor,
		bus:     cfg.EventBus,
		watched: make(map[string]watchedEntity),
	}
	if w.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		w.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	w.metrics.confirmed = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_chainwatch_confirmed_total",
			Help: "confirmed covenant outputs indexed, by entity kind",
		},
		[]string{"kind"},
	)
	w.metrics.spent = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_chainwatch_spent_total",
			Help: "tracked outpoints observed spent",
		},
	)
	w.metrics.decodeErr = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_chainwatch_decode_errors_total",
			Help: "watched outputs whose commitment failed strict decode",
		},
	)
	return w, nil
}

// Watch registers a covenant locking script so future confirmed outputs
// paying it are attributed to the entity. Re-registering a script
// replaces the previous attribution.
func (w *Watcher) Watch(
	lockingScript []byte,
	entityID ident.ID,
	kind supervisor.EntityKind,
) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[string(lockingScript)] = watchedEntity{
		entityID: entityID,
		kind:     kind,
	}
}

// Unwatch removes a locking script registration, typically after the
// covenant retires.
func (w *Watcher) Unwatch(lockingScript []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, string(lockingScript))
}

// ApplyConfirmedOutput indexes a confirmed output. Outputs whose locking
// bytecode is not watched fail with ErrNotWatched; watched outputs whose
// commitment does not strictly decode are counted and rejected without
// touching the mirror.
func (w *Watcher) ApplyConfirmedOutput(
	ctx context.Context,
	out ConfirmedOutput,
) error {
	token, locking, err := txbuilder.DecodeTokenScript(out.Script)
	if err != nil {
		w.metrics.decodeErr.Inc()
		return err
	}
	w.mu.RLock()
	entity, ok := w.watched[string(locking)]
	w.mu.RUnlock()
	if !ok {
		return ErrNotWatched
	}
	if token == nil {
		w.metrics.decodeErr.Inc()
		return fmt.Errorf(
			"chainwatch: watched output %s:%d carries no token",
			out.TxID,
			out.OutputIndex,
		)
	}
	status, err := StatusFromCommitment(entity.kind, token.Commitment)
	if err != nil {
		w.metrics.decodeErr.Inc()
		w.logger.Warn(
			"confirmed output failed commitment decode",
			"component", "chainwatch",
			"entity", entity.entityID.String(),
			"txid", out.TxID.String(),
			"error", err,
		)
		return err
	}
	sequence, err := w.mirror.AddUTXO(ctx, txbuilder.CovenantUTXO{
		EntityID:      entity.entityID,
		Outpoint:      wire.OutPoint{Hash: out.TxID, Index: out.OutputIndex},
		LockingScript: locking,
		ValueSats:     out.ValueSats,
		Token:         token,
		BlockHeight:   out.BlockHeight,
		BlockTime:     out.BlockTime,
	})
	if err != nil {
		return err
	}
	if err := w.sup.ApplyConfirmed(
		ctx,
		entity.entityID,
		entity.kind,
		status,
	); err != nil {
		return err
	}
	w.metrics.confirmed.WithLabelValues(string(entity.kind)).Inc()
	w.logger.Info(
		"indexed confirmed covenant output",
		"component", "chainwatch",
		"entity", entity.entityID.String(),
		"kind", string(entity.kind),
		"status", status,
		"sequence", sequence,
		"height", out.BlockHeight,
	)
	if w.bus != nil {
		w.bus.Publish(
			event.UtxoConfirmedEventType,
			event.NewEvent(
				event.UtxoConfirmedEventType,
				event.UtxoConfirmedEvent{
					EntityID:    entity.entityID,
					TxID:        out.TxID,
					OutputIndex: out.OutputIndex,
					ValueSats:   out.ValueSats,
					Sequence:    sequence,
					BlockHeight: out.BlockHeight,
				},
			),
		)
	}
	return nil
}

// ApplySpend retires a tracked outpoint the indexer observed consumed.
// Spends of outpoints the mirror never indexed fail with
// database.ErrNotFound.
func (w *Watcher) ApplySpend(ctx context.Context, sp SpentOutpoint) error {
	utxo, err := w.mirror.MarkSpent(ctx, sp.Outpoint, sp.SpentBy)
	if err != nil {
		return err
	}
	w.metrics.spent.Inc()
	w.logger.Info(
		"tracked outpoint spent",
		"component", "chainwatch",
		"entity", utxo.EntityID.String(),
		"spent_by", sp.SpentBy.String(),
		"height", sp.BlockHeight,
	)
	if w.bus != nil {
		w.bus.Publish(
			event.UtxoSpentEventType,
			event.NewEvent(
				event.UtxoSpentEventType,
				event.UtxoSpentEvent{
					EntityID:    utxo.EntityID,
					TxID:        sp.Outpoint.Hash,
					OutputIndex: sp.Outpoint.Index,
					SpentBy:     sp.SpentBy,
					BlockHeight: sp.BlockHeight,
				},
			),
		)
	}
	return nil
}

// StatusFromCommitment derives the entity status a commitment encodes.
// Schedules, tallies, and vote receipts carry no status byte: a live
// commitment means the covenant is still open (or, for a receipt, that
// the vote was cast).
func StatusFromCommitment(
	kind supervisor.EntityKind,
	payload []byte,
) (string, error) {
	switch kind {
	case supervisor.KindVault:
		state, err := commitment.DecodeVaultState(payload)
		if err != nil {
			return "", err
		}
		return state.Status.String(), nil
	case supervisor.KindProposal:
		state, err := commitment.DecodeProposalState(payload)
		if err != nil {
			return "", err
		}
		return state.Status.String(), nil
	case supervisor.KindSchedule:
		if _, err := commitment.DecodeScheduleState(payload); err != nil {
			return "", err
		}
		return supervisor.ScheduleActive, nil
	case supervisor.KindTally:
		if _, err := commitment.DecodeTallyState(payload); err != nil {
			return "", err
		}
		return supervisor.TallyOpen, nil
	case supervisor.KindVote:
		if _, err := commitment.DecodeVoteState(payload); err != nil {
			return "", err
		}
		return supervisor.VoteCast, nil
	default:
		return "", fmt.Errorf("chainwatch: unknown entity kind %q", kind)
	}
}

var _ Mirror = (*database.Database)(nil)
