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

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/openbch/keeper/event"
	"github.com/openbch/keeper/ident"
	"github.com/openbch/keeper/policy"
	"github.com/openbch/keeper/txbuilder"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultExpiry is how long a session stays open without reaching its
// threshold.
const DefaultExpiry = 24 * time.Hour

// DefaultSweepInterval is how often the expiry sweep runs.
const DefaultSweepInterval = time.Minute

// Config configures a Coordinator.
type Config struct {
	Logger        *slog.Logger
	PromRegistry  prometheus.Registerer
	EventBus      *event.EventBus
	Store         Store
	Broadcaster   Broadcaster
	Expiry        time.Duration
	SweepInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Coordinator manages signing sessions. Each session is a single-writer
// resource: all submissions against it are serialized on its own mutex,
// which is what makes threshold detection and broadcast race-free.
type Coordinator struct {
	logger      *slog.Logger
	bus         *event.EventBus
	store       Store
	broadcaster Broadcaster
	expiry      time.Duration
	sweepEvery  time.Duration
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[ident.ID]*sessionEntry

	metrics struct {
		open       prometheus.Gauge
		signatures prometheus.Counter
		broadcasts prometheus.Counter
		expired    prometheus.Counter
	}
}

type sessionEntry struct {
	mu      sync.Mutex
	session *Session
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.Broadcaster == nil {
		return nil, errors.New("session: broadcaster is required")
	}
	c := &Coordinator{
		logger:      cfg.Logger,
		bus:         cfg.EventBus,
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		expiry:      cfg.Expiry,
		sweepEvery:  cfg.SweepInterval,
		now:         cfg.Now,
		sessions:    make(map[ident.ID]*sessionEntry),
	}
	if c.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if c.expiry == 0 {
		c.expiry = DefaultExpiry
	}
	if c.sweepEvery == 0 {
		c.sweepEvery = DefaultSweepInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
	promautoFactory := promauto.With(cfg.PromRegistry)
	c.metrics.open = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_sessions_open",
		Help: "signing sessions currently pending",
	})
	c.metrics.signatures = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_session_signatures_total",
			Help: "distinct signatures accepted across all sessions",
		},
	)
	c.metrics.broadcasts = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_session_broadcasts_total",
			Help: "sessions that reached threshold and broadcast",
		},
	)
	c.metrics.expired = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_sessions_expired_total",
			Help: "sessions expired before reaching threshold",
		},
	)
	return c, nil
}

// Create opens a signing session for the descriptor, soft-locking its
// covenant UTXOs so no second session can build against them.
func (c *Coordinator) Create(
	ctx context.Context,
	desc *txbuilder.Descriptor,
) (*Session, error) {
	if desc == nil || desc.Tx == nil {
		return nil, errors.New("session: descriptor is required")
	}
	if desc.RequiredSignatures < 1 {
		return nil, errors.New(
			"session: descriptor requires no signatures",
		)
	}
	txHash := desc.Tx.TxHash()
	sessionID := ident.Derive(desc.EntityID[:], txHash[:])

	c.mu.Lock()
	if _, exists := c.sessions[sessionID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf(
			"session: session %s already exists",
			sessionID,
		)
	}
	// Reserve the slot before locking UTXOs so a concurrent Create of
	// the same descriptor fails fast.
	entry := &sessionEntry{}
	c.sessions[sessionID] = entry
	c.mu.Unlock()

	outpoints := covenantOutpoints(desc)
	locked := make([]wire.OutPoint, 0, len(outpoints))
	for _, outpoint := range outpoints {
		if err := c.store.LockUTXO(ctx, outpoint, sessionID); err != nil {
			for _, held := range locked {
				_ = c.store.ReleaseUTXO(ctx, held, sessionID)
			}
			c.mu.Lock()
			delete(c.sessions, sessionID)
			c.mu.Unlock()
			return nil, fmt.Errorf(
				"session: failed to lock %s: %w",
				outpoint,
				err,
			)
		}
		locked = append(locked, outpoint)
	}

	now := c.now()
	sess := &Session{
		ID:         sessionID,
		Descriptor: desc,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.expiry),
		status:     StatusPending,
		signatures: make(map[policy.Hash20][][]byte),
	}
	entry.session = sess
	if err := c.store.UpsertSession(ctx, sess.record()); err != nil {
		for _, held := range locked {
			_ = c.store.ReleaseUTXO(ctx, held, sessionID)
		}
		c.mu.Lock()
		delete(c.sessions, sessionID)
		c.mu.Unlock()
		return nil, err
	}
	c.metrics.open.Inc()
	c.publish(event.SessionCreatedEventType, event.SessionCreatedEvent{
		SessionID: sessionID,
		EntityID:  desc.EntityID,
		Operation: string(desc.Operation),
		Required:  desc.RequiredSignatures,
	})
	c.logger.Info(
		"signing session created",
		"component", "session",
		"session", sessionID.String(),
		"entity", desc.EntityID.String(),
		"operation", string(desc.Operation),
		"required", desc.RequiredSignatures,
	)
	return sess, nil
}

// Submit records one signer's signatures for a session. Signatures are
// keyed by signer identity, so resubmission by the same signer does not
// double-count. Reaching the threshold assembles the final transaction
// deterministically and broadcasts it exactly once; submissions after
// broadcast return the known txid.
func (c *Coordinator) Submit(
	ctx context.Context,
	sessionID ident.ID,
	signer policy.Hash20,
	signatures [][]byte,
) (SubmitResult, error) {
	c.mu.RLock()
	entry, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok || entry.session == nil {
		return SubmitResult{}, ErrSessionNotFound
	}

	// Single writer per session
	entry.mu.Lock()
	defer entry.mu.Unlock()
	sess := entry.session

	switch sess.Status() {
	case StatusBroadcasted:
		return c.result(sess), nil
	case StatusExpired:
		return SubmitResult{}, ErrSessionExpired
	}
	if c.now().After(sess.ExpiresAt) {
		if err := c.expireLocked(ctx, sess); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{}, ErrSessionExpired
	}

	desc := sess.Descriptor
	if len(desc.SignerOrder) > 0 && !signerAllowed(desc, signer) {
		return SubmitResult{}, ErrUnknownSigner
	}
	if len(signatures) != len(covenantOutpoints(desc)) {
		return SubmitResult{}, ErrSignatureCount
	}
	if _, dup := sess.signatures[signer]; dup {
		return c.result(sess), nil
	}
	sess.signatures[signer] = signatures
	c.metrics.signatures.Inc()
	c.publish(
		event.SessionSignatureEventType,
		event.SessionSignatureEvent{
			SessionID: sessionID,
			Signer:    signer,
			Collected: len(sess.signatures),
			Required:  desc.RequiredSignatures,
		},
	)

	if len(sess.signatures) < desc.RequiredSignatures {
		if err := c.store.UpsertSession(ctx, sess.record()); err != nil {
			return SubmitResult{}, err
		}
		return c.result(sess), nil
	}

	// Threshold reached: assemble and broadcast, exactly once. The
	// session mutex is held for the whole sequence, so a racing
	// submission cannot observe "threshold not met" and finalize
	// independently.
	tx, err := assemble(desc, sess.signatures)
	if err != nil {
		return SubmitResult{}, err
	}
	txid, err := c.broadcaster.Broadcast(ctx, tx)
	if err != nil {
		// Leave the session pending and valid for resumption; the
		// rejection is surfaced verbatim and never auto-retried.
		var rejected *BroadcastRejectedError
		if !errors.As(err, &rejected) {
			err = &BroadcastRejectedError{
				Reason: err.Error(),
				Err:    err,
			}
		}
		return SubmitResult{}, err
	}
	sess.setBroadcast(txid)
	c.metrics.open.Dec()
	c.metrics.broadcasts.Inc()
	if err := c.store.UpsertSession(ctx, sess.record()); err != nil {
		c.logger.Error(
			"failed to persist broadcast session",
			"component", "session",
			"session", sessionID.String(),
			"error", err,
		)
	}
	c.publish(
		event.SessionFinalizedEventType,
		event.SessionFinalizedEvent{
			SessionID: sessionID,
			EntityID:  desc.EntityID,
			TxID:      txid,
		},
	)
	c.logger.Info(
		"session broadcast",
		"component", "session",
		"session", sessionID.String(),
		"txid", txid.String(),
	)
	return c.result(sess), nil
}

// Get returns a live session by id.
func (c *Coordinator) Get(sessionID ident.ID) (*Session, error) {
	c.mu.RLock()
	entry, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok || entry.session == nil {
		return nil, ErrSessionNotFound
	}
	return entry.session, nil
}

// Expire abandons a pending session, releasing its UTXO soft-locks.
func (c *Coordinator) Expire(ctx context.Context, sessionID ident.ID) error {
	c.mu.RLock()
	entry, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok || entry.session == nil {
		return ErrSessionNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session.Status() != StatusPending {
		return nil
	}
	return c.expireLocked(ctx, entry.session)
}

// expireLocked expires a session. Caller holds the session mutex.
func (c *Coordinator) expireLocked(ctx context.Context, sess *Session) error {
	sess.setStatus(StatusExpired)
	for _, outpoint := range covenantOutpoints(sess.Descriptor) {
		if err := c.store.ReleaseUTXO(ctx, outpoint, sess.ID); err != nil {
			c.logger.Error(
				"failed to release UTXO lock",
				"component", "session",
				"session", sess.ID.String(),
				"outpoint", outpoint.String(),
				"error", err,
			)
		}
	}
	c.metrics.open.Dec()
	c.metrics.expired.Inc()
	if err := c.store.UpsertSession(ctx, sess.record()); err != nil {
		return err
	}
	c.publish(event.SessionExpiredEventType, event.SessionExpiredEvent{
		SessionID: sess.ID,
		EntityID:  sess.Descriptor.EntityID,
		Collected: len(sess.signatures),
		Required:  sess.Descriptor.RequiredSignatures,
	})
	c.logger.Info(
		"session expired",
		"component", "session",
		"session", sess.ID.String(),
		"collected", len(sess.signatures),
		"required", sess.Descriptor.RequiredSignatures,
	)
	return nil
}

// Run drives the expiry sweep until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep expires every pending session past its deadline.
func (c *Coordinator) sweep(ctx context.Context) {
	now := c.now()
	c.mu.RLock()
	entries := make([]*sessionEntry, 0, len(c.sessions))
	for _, entry := range c.sessions {
		entries = append(entries, entry)
	}
	c.mu.RUnlock()
	for _, entry := range entries {
		entry.mu.Lock()
		sess := entry.session
		if sess != nil &&
			sess.Status() == StatusPending &&
			now.After(sess.ExpiresAt) {
			if err := c.expireLocked(ctx, sess); err != nil {
				c.logger.Error(
					"expiry sweep failed",
					"component", "session",
					"session", sess.ID.String(),
					"error", err,
				)
			}
		}
		entry.mu.Unlock()
	}
}

func (c *Coordinator) result(sess *Session) SubmitResult {
	return SubmitResult{
		Status:    sess.Status(),
		Collected: len(sess.signatures),
		Required:  sess.Descriptor.RequiredSignatures,
		TxID:      sess.TxID(),
	}
}

func (c *Coordinator) publish(eventType event.EventType, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventType, event.NewEvent(eventType, data))
}

func signerAllowed(desc *txbuilder.Descriptor, signer policy.Hash20) bool {
	for _, allowed := range desc.SignerOrder {
		if allowed == signer {
			return true
		}
	}
	return false
}

// assemble builds the final transaction from the descriptor and the
// collected signatures. Input ordering and signature placement are fixed
// by the descriptor's signer order, not by arrival order: each covenant
// input's unlocking script pushes the threshold signatures in signer
// order followed by the redeem script.
func assemble(
	desc *txbuilder.Descriptor,
	signatures map[policy.Hash20][][]byte,
) (*wire.MsgTx, error) {
	ordered := make([]policy.Hash20, 0, desc.RequiredSignatures)
	if len(desc.SignerOrder) > 0 {
		for _, signer := range desc.SignerOrder {
			if _, ok := signatures[signer]; !ok {
				continue
			}
			ordered = append(ordered, signer)
			if len(ordered) == desc.RequiredSignatures {
				break
			}
		}
	} else {
		for signer := range signatures {
			ordered = append(ordered, signer)
			if len(ordered) == desc.RequiredSignatures {
				break
			}
		}
	}
	if len(ordered) < desc.RequiredSignatures {
		return nil, fmt.Errorf(
			"assemble: %d of %d signatures available",
			len(ordered),
			desc.RequiredSignatures,
		)
	}
	tx := desc.Tx.Copy()
	covenantIdx := 0
	for i, src := range desc.SourceOutputs {
		if len(src.RedeemScript) == 0 {
			// Funding input: its pre-signed unlocking script is
			// already on the transaction
			continue
		}
		builder := txscript.NewScriptBuilder()
		for _, signer := range ordered {
			builder.AddData(signatures[signer][covenantIdx])
		}
		builder.AddData(src.RedeemScript)
		script, err := builder.Script()
		if err != nil {
			return nil, err
		}
		tx.TxIn[i].SignatureScript = script
		covenantIdx++
	}
	return tx, nil
}
