// Copyright 2025 Fedchain Project
//
// Package store defines the narrow record-store contract (§4.2) the core
// depends on. Any backend satisfying this interface — an in-process map
// (pkg/store/memstore) or Firestore (pkg/store/firestorestore) — is
// acceptable; the core never reaches past this interface into a concrete
// backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fedchain/validator/pkg/model"
)

// Durability governs how aggressively a write is flushed before the call
// returns. §9's open question about the tolerated data-loss window between
// a "soft" block write and an fsync is resolved here: soft writes are
// acknowledged once durable in the backend's in-memory/replicated commit
// log, hard writes additionally wait for the backend's fsync-equivalent
// barrier. Backends that have no such distinction (memstore, firestorestore)
// treat both identically.
type Durability int

const (
	DurabilitySoft Durability = iota
	DurabilityHard
)

// ErrNotFound is returned by memstore's UpdateBacklog when the named backlog
// row does not exist. Single-item lookups (GetBlock, GetBlockByTx, GetSpent)
// report absence as a nil result with a nil error instead.
var ErrNotFound = errors.New("store: not found")

// BacklogEntry is a transaction staged for inclusion in a block, together
// with the assignment bookkeeping C6 needs.
type BacklogEntry struct {
	Transaction          *model.Transaction
	Assignee             string
	AssignmentTimestamp  time.Time
}

// BacklogPatch describes a partial update to a backlog row (used by
// reassignment).
type BacklogPatch struct {
	Assignee            string
	AssignmentTimestamp time.Time
}

// Table names the four logical tables of §2/§4.2.
type Table string

const (
	TableBacklog    Table = "backlog"
	TableChain      Table = "chain"
	TableVotes      Table = "votes"
	TableMembership Table = "membership"
)

// ChangeOp names a change-feed operation kind.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "INSERT"
	ChangeUpdate ChangeOp = "UPDATE"
	ChangeDelete ChangeOp = "DELETE"
)

// ChangeEvent is one totally-ordered, at-least-once record from a table's
// change feed (§4.2, §4.5's pipeline source).
type ChangeEvent struct {
	Table Table
	Op    ChangeOp
	Block *model.Block // populated when Table == TableChain
}

// MembershipEntry records a validator's last observed heartbeat, used by C6
// to pick live assignees and by reassignment to detect dead ones.
type MembershipEntry struct {
	NodePubkey    string
	LastHeartbeat time.Time
}

// Store is the full record-store contract the core requires (§4.2).
type Store interface {
	model.TransactionLookup

	// Backlog
	WriteBacklog(ctx context.Context, entry BacklogEntry) error
	UpdateBacklog(ctx context.Context, txid string, patch BacklogPatch) error
	DeleteBacklog(ctx context.Context, txids []string) error
	GetStaleBacklog(ctx context.Context, olderThan time.Duration) ([]BacklogEntry, error)
	GetBacklogByAssignee(ctx context.Context, assignee string, limit int) ([]BacklogEntry, error)

	// Chain
	WriteBlock(ctx context.Context, block *model.Block, durability Durability) error
	HasTx(ctx context.Context, txid string) (bool, error)
	CountBlocks(ctx context.Context) (int, error)
	GetBlock(ctx context.Context, id string) (*model.Block, error)
	GetBlockByTx(ctx context.Context, txid string) (*model.Block, error)

	// Votes
	WriteVote(ctx context.Context, vote *model.Vote) error
	GetVotes(ctx context.Context, blockID string) ([]*model.Vote, error)
	GetVotesByVoter(ctx context.Context, blockID, voter string) ([]*model.Vote, error)
	GetVotesByNode(ctx context.Context, voter string) ([]*model.Vote, error)
	GetUnvotedBlocks(ctx context.Context, voter string) ([]*model.Block, error)

	// Membership
	Heartbeat(ctx context.Context, nodePubkey string) error
	LiveValidators(ctx context.Context, federation []string, staleAfter time.Duration) ([]string, error)

	// ChangeFeed subscribes to a totally-ordered, at-least-once stream of
	// change events on table, filtered to op. Implementations must be
	// reconnect-transparent: on transient disconnect they resume the feed
	// without the caller needing to re-subscribe; gaps across a silent
	// reconnect are tolerated because the pipeline is idempotent per
	// (block, voter) (§4.2).
	ChangeFeed(ctx context.Context, table Table, op ChangeOp) (<-chan ChangeEvent, error)
}
