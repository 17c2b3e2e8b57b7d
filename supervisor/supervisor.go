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

// Package supervisor tracks the lifecycle status of every covenant entity
// the engine mirrors. It is the single writer to the status store:
// builders apply optimistic transitions when a transaction is handed off,
// and the chain watcher applies confirmed transitions when the successor
// UTXO lands in a block. Confirmed observations are authoritative and
// override the local state machine, with a warning when they disagree.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"

	"github.com/openbch/keeper/database"
	"github.com/openbch/keeper/event"
	"github.com/openbch/keeper/ident"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EntityKind names the covenant family an entity belongs to.
type EntityKind string

const (
	KindVault    EntityKind = "vault"
	KindProposal EntityKind = "proposal"
	KindSchedule EntityKind = "schedule"
	KindTally    EntityKind = "tally"
	KindVote     EntityKind = "vote"
)

// StatusPending is the initial status of every entity the engine itself
// creates, assigned when the creating transaction is proposed and held
// until the transaction broadcasts.
const StatusPending = "PENDING"

// Vault statuses.
const (
	VaultActive        = "ACTIVE"
	VaultPaused        = "PAUSED"
	VaultEmergencyLock = "EMERGENCY_LOCK"
	VaultMigrating     = "MIGRATING"
)

// Proposal statuses. Ordered: legal transitions move strictly forward,
// except the terminal aborts reachable from any pre-executed status.
const (
	ProposalDraft      = "DRAFT"
	ProposalSubmitted  = "SUBMITTED"
	ProposalVoting     = "VOTING"
	ProposalApproved   = "APPROVED"
	ProposalQueued     = "QUEUED"
	ProposalExecutable = "EXECUTABLE"
	ProposalExecuted   = "EXECUTED"
	ProposalCancelled  = "CANCELLED"
	ProposalExpired    = "EXPIRED"
)

// Schedule, tally, and vote statuses.
const (
	ScheduleActive    = "ACTIVE"
	ScheduleCompleted = "COMPLETED"
	TallyOpen         = "OPEN"
	TallyClosed       = "CLOSED"
	VoteCast          = "CAST"
)

// proposalOrder ranks the forward-moving proposal statuses.
var proposalOrder = map[string]int{
	StatusPending:      -1,
	ProposalDraft:      0,
	ProposalSubmitted:  1,
	ProposalVoting:     2,
	ProposalApproved:   3,
	ProposalQueued:     4,
	ProposalExecutable: 5,
	ProposalExecuted:   6,
}

// vaultTransitions enumerates the legal vault moves.
var vaultTransitions = map[string][]string{
	StatusPending: {VaultActive},
	VaultActive:   {VaultPaused, VaultEmergencyLock, VaultMigrating},
	VaultPaused:   {VaultActive, VaultEmergencyLock},
	// Emergency lock releases only back to active
	VaultEmergencyLock: {VaultActive},
}

// TransitionError indicates a requested status change is not legal from
// the entity's tracked status.
type TransitionError struct {
	EntityID ident.ID
	Kind     EntityKind
	From     string
	To       string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf(
		"illegal %s transition for entity %s: %s -> %s",
		e.Kind,
		e.EntityID,
		e.From,
		e.To,
	)
}

// StatusStore is the persistence the supervisor writes through.
type StatusStore interface {
	SetEntityStatus(
		ctx context.Context,
		entityID ident.ID,
		kind string,
		status string,
	) error
	GetEntityStatus(
		ctx context.Context,
		entityID ident.ID,
	) (database.EntityStatus, error)
}

// Config configures a Supervisor.
type Config struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Store        StatusStore
	EventBus     *event.EventBus
}

// Supervisor serializes status changes per entity and publishes
// status.changed events.
type Supervisor struct {
	logger  *slog.Logger
	store   StatusStore
	bus     *event.EventBus
	locks   entityMutexPool
	metrics struct {
		transitions *prometheus.CounterVec
		overrides   prometheus.Counter
	}
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("supervisor: status store is required")
	}
	s := &Supervisor{
		logger: cfg.Logger,
		store:  cfg.Store,
		bus:    cfg.EventBus,
	}
	if s.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	s.metrics.transitions = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_supervisor_transitions_total",
			Help: "status transitions applied, by kind and source",
		},
		[]string{"kind", "source"},
	)
	s.metrics.overrides = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_supervisor_overrides_total",
			Help: "confirmed observations that contradicted the local state machine",
		},
	)
	return s, nil
}

// ApplyOptimistic applies a locally initiated status change. The change
// must be legal from the tracked status; an unknown entity is implicitly
// created in the new status.
func (s *Supervisor) ApplyOptimistic(
	ctx context.Context,
	entityID ident.ID,
	kind EntityKind,
	newStatus string,
) error {
	lock := s.locks.lock(entityID)
	defer lock.Unlock()

	old, known, err := s.currentStatus(ctx, entityID)
	if err != nil {
		return err
	}
	if known && !legalTransition(kind, old, newStatus) {
		return &TransitionError{
			EntityID: entityID,
			Kind:     kind,
			From:     old,
			To:       newStatus,
		}
	}
	if err := s.store.SetEntityStatus(
		ctx,
		entityID,
		string(kind),
		newStatus,
	); err != nil {
		return err
	}
	s.metrics.transitions.WithLabelValues(string(kind), "optimistic").
		Inc()
	s.publish(entityID, kind, old, newStatus, false)
	return nil
}

// ApplyConfirmed applies a status change observed on-chain. Confirmed
// state always wins: an illegal transition is recorded anyway, logged,
// and counted as an override.
func (s *Supervisor) ApplyConfirmed(
	ctx context.Context,
	entityID ident.ID,
	kind EntityKind,
	newStatus string,
) error {
	lock := s.locks.lock(entityID)
	defer lock.Unlock()

	old, known, err := s.currentStatus(ctx, entityID)
	if err != nil {
		return err
	}
	if known && old == newStatus {
		return nil
	}
	if known && !legalTransition(kind, old, newStatus) {
		s.metrics.overrides.Inc()
		s.logger.Warn(
			"confirmed status contradicts local state machine",
			"component", "supervisor",
			"entity", entityID.String(),
			"kind", string(kind),
			"local", old,
			"confirmed", newStatus,
		)
	}
	if err := s.store.SetEntityStatus(
		ctx,
		entityID,
		string(kind),
		newStatus,
	); err != nil {
		return err
	}
	s.metrics.transitions.WithLabelValues(string(kind), "confirmed").
		Inc()
	s.publish(entityID, kind, old, newStatus, true)
	return nil
}

// Status returns the entity's tracked status.
func (s *Supervisor) Status(
	ctx context.Context,
	entityID ident.ID,
) (database.EntityStatus, error) {
	return s.store.GetEntityStatus(ctx, entityID)
}

func (s *Supervisor) currentStatus(
	ctx context.Context,
	entityID ident.ID,
) (string, bool, error) {
	status, err := s.store.GetEntityStatus(ctx, entityID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return status.Status, true, nil
}

func (s *Supervisor) publish(
	entityID ident.ID,
	kind EntityKind,
	old string,
	newStatus string,
	confirmed bool,
) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(
		event.StatusChangedEventType,
		event.NewEvent(
			event.StatusChangedEventType,
			event.StatusChangedEvent{
				EntityID:  entityID,
				Kind:      string(kind),
				Old:       old,
				New:       newStatus,
				Confirmed: confirmed,
			},
		),
	)
}

func legalTransition(kind EntityKind, from, to string) bool {
	if from == to {
		// Re-applying the current status is harmless
		return true
	}
	switch kind {
	case KindVault:
		for _, next := range vaultTransitions[from] {
			if next == to {
				return true
			}
		}
		return false
	case KindProposal:
		if to == ProposalCancelled || to == ProposalExpired {
			return from != ProposalExecuted &&
				from != ProposalCancelled &&
				from != ProposalExpired
		}
		fromRank, ok := proposalOrder[from]
		if !ok {
			return false
		}
		toRank, ok := proposalOrder[to]
		if !ok {
			return false
		}
		return toRank > fromRank
	case KindSchedule:
		if from == StatusPending {
			return to == ScheduleActive
		}
		return from == ScheduleActive && to == ScheduleCompleted
	case KindTally:
		if from == StatusPending {
			return to == TallyOpen
		}
		return from == TallyOpen && to == TallyClosed
	case KindVote:
		// Receipts are immutable; only the identical re-observation
		// handled above is legal.
		return false
	default:
		return false
	}
}

// entityMutexPool is a fixed pool of mutexes indexed by entity id,
// bounding memory while still keeping unrelated entities concurrent.
type entityMutexPool struct {
	mutexes [64]sync.Mutex
}

func (p *entityMutexPool) lock(entityID ident.ID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(entityID[:])
	m := &p.mutexes[h.Sum32()%uint32(len(p.mutexes))]
	m.Lock()
	return m
}
