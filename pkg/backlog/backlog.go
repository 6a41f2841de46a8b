// Copyright 2025 Fedchain Project
//
// Package backlog implements C6: transaction assignment, stale-entry
// reassignment, and block-building (§4.6). Generalizes the ticker-driven
// monitoring loop shape of pkg/consensus's health monitor to track live
// validators for assignment instead of consensus stall detection.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fedchain/validator/pkg/crypto"
	"github.com/fedchain/validator/pkg/logging"
	"github.com/fedchain/validator/pkg/model"
	"github.com/fedchain/validator/pkg/store"
)

// ErrNoLiveValidators is returned when an assignment cannot be made because
// the membership table reports no live nodes.
var ErrNoLiveValidators = errors.New("backlog: no live validators to assign to")

// Identity is this validator's signing identity.
type Identity struct {
	PublicKey  string
	PrivateKey crypto.PrivateKey
}

// Config mirrors the backlog-relevant recognized configuration keys of §6.
type Config struct {
	ReassignDelay time.Duration // backlog_reassign_delay, default 30s
	StaleAfter    time.Duration // heartbeat freshness threshold for liveness
	TxsLength     int           // argument_config.txs_length, default 1000
	BuildInterval time.Duration // block-builder polling period
}

// DefaultConfig matches the defaults named in §6.
func DefaultConfig() Config {
	return Config{
		ReassignDelay: 30 * time.Second,
		StaleAfter:    30 * time.Second,
		TxsLength:     1000,
		BuildInterval: time.Second,
	}
}

// Manager runs the assignment, reassignment, and block-building loops for
// one validator process.
type Manager struct {
	mu sync.RWMutex

	store      store.Store
	federation []string
	identity   Identity
	cfg        Config
	logger     *log.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New constructs a Manager. logger may be nil, in which case a default
// prefixed logger is used.
func New(cfg Config, st store.Store, federation []string, identity Identity, logger *log.Logger) *Manager {
	if logger == nil {
		logger = logging.New("backlog")
	}
	return &Manager{store: st, federation: federation, identity: identity, cfg: cfg, logger: logger}
}

// Submit assigns tx to a uniformly random live validator and inserts it
// into the backlog (§4.6 "On transaction submission").
func (m *Manager) Submit(ctx context.Context, tx *model.Transaction) error {
	live, err := m.store.LiveValidators(ctx, m.federation, m.cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("list live validators: %w", err)
	}
	if len(live) == 0 {
		return ErrNoLiveValidators
	}
	assignee := live[rand.IntN(len(live))]
	entry := store.BacklogEntry{Transaction: tx, Assignee: assignee, AssignmentTimestamp: time.Now()}
	if err := m.store.WriteBacklog(ctx, entry); err != nil {
		return fmt.Errorf("write backlog entry for %s: %w", tx.ID, err)
	}
	return nil
}

// Start launches the reassignment and block-building background loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("backlog manager already running")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.mu.Unlock()

	go m.reassignLoop()
	go m.buildLoop()
	return nil
}

// Stop halts both background loops.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.running = false
}

// reassignLoop periodically patches backlog entries assigned to a
// no-longer-live validator onto a live one (§4.6 second paragraph).
func (m *Manager) reassignLoop() {
	ticker := time.NewTicker(m.cfg.ReassignDelay)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.reassignStale(m.ctx); err != nil {
				m.logger.Printf("reassign stale backlog: %v", err)
			}
		}
	}
}

func (m *Manager) reassignStale(ctx context.Context) error {
	stale, err := m.store.GetStaleBacklog(ctx, m.cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("get stale backlog: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	live, err := m.store.LiveValidators(ctx, m.federation, m.cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("list live validators: %w", err)
	}
	if len(live) == 0 {
		return ErrNoLiveValidators
	}
	liveSet := make(map[string]bool, len(live))
	for _, v := range live {
		liveSet[v] = true
	}

	for _, entry := range stale {
		if liveSet[entry.Assignee] {
			continue // assignee is still live, just old; leave it
		}
		newAssignee := live[rand.IntN(len(live))]
		patch := store.BacklogPatch{Assignee: newAssignee, AssignmentTimestamp: time.Now()}
		if err := m.store.UpdateBacklog(ctx, entry.Transaction.ID, patch); err != nil {
			m.logger.Printf("reassign %s to %s: %v", entry.Transaction.ID, newAssignee, err)
			continue
		}
		m.logger.Printf("reassigned %s from dead validator %s to %s", entry.Transaction.ID, entry.Assignee, newAssignee)
	}
	return nil
}

// buildLoop periodically drains this validator's assigned backlog into
// signed blocks (§4.6 "Block-builder").
func (m *Manager) buildLoop() {
	ticker := time.NewTicker(m.cfg.BuildInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.BuildBlock(m.ctx); err != nil && !errors.Is(err, errNoAssignedBacklog) {
				m.logger.Printf("build block: %v", err)
			}
		}
	}
}

var errNoAssignedBacklog = errors.New("backlog: no assigned entries to build")

// BuildBlock drains up to cfg.TxsLength of this validator's assigned
// backlog entries, constructs and signs a block, writes it with durability
// soft, and then deletes the consumed backlog rows with durability hard —
// the delete-after-insert ordering guarantees at-least-once inclusion
// (§4.6, I3 prevents double-inclusion via transaction-id uniqueness).
func (m *Manager) BuildBlock(ctx context.Context) (*model.Block, error) {
	entries, err := m.store.GetBacklogByAssignee(ctx, m.identity.PublicKey, m.cfg.TxsLength)
	if err != nil {
		return nil, fmt.Errorf("get backlog by assignee: %w", err)
	}
	if len(entries) == 0 {
		return nil, errNoAssignedBacklog
	}

	txs := make([]*model.Transaction, len(entries))
	txids := make([]string, len(entries))
	for i, e := range entries {
		txs[i] = e.Transaction
		txids[i] = e.Transaction.ID
	}

	block := &model.Block{
		Timestamp:    time.Now().UnixMilli(),
		Transactions: txs,
		NodePubkey:   m.identity.PublicKey,
		Voters:       m.federation,
	}
	if _, err := block.Sign(m.identity.PrivateKey); err != nil {
		return nil, fmt.Errorf("sign block: %w", err)
	}

	if err := m.store.WriteBlock(ctx, block, store.DurabilitySoft); err != nil {
		return nil, fmt.Errorf("write block %s: %w", block.ID, err)
	}
	if err := m.store.DeleteBacklog(ctx, txids); err != nil {
		return nil, fmt.Errorf("delete consumed backlog for block %s: %w", block.ID, err)
	}

	m.logger.Printf("built block %s with %d transactions", block.ID, len(txs))
	return block, nil
}
