// Copyright 2025 Fedchain Project
//
// Package memstore is an in-process Store implementation over Go maps and
// channels. It exists both for tests and as the reference semantics for the
// store.Store contract — the shape pkg/store/firestorestore must reproduce
// against a real backend.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fedchain/validator/pkg/model"
	"github.com/fedchain/validator/pkg/store"
)

type spentKey struct {
	TxID string
	CID  int
}

// Store is a single-process, mutex-guarded implementation of store.Store.
type Store struct {
	mu sync.Mutex

	backlog map[string]store.BacklogEntry

	blocks      map[string]*model.Block
	blockOrder  []string // insertion order; GetUnvotedBlocks keeps it for equal timestamps
	txToBlock   map[string]string
	spent       map[spentKey]*model.Transaction

	votes map[string][]*model.Vote // blockID -> votes

	membership map[string]time.Time

	feedMu      sync.Mutex
	subscribers []*subscriber
}

type subscriber struct {
	table Table
	op    Op
	ch    chan store.ChangeEvent
}

type Table = store.Table
type Op = store.ChangeOp

// New returns an empty Store.
func New() *Store {
	return &Store{
		backlog:    map[string]store.BacklogEntry{},
		blocks:     map[string]*model.Block{},
		txToBlock:  map[string]string{},
		spent:      map[spentKey]*model.Transaction{},
		votes:      map[string][]*model.Vote{},
		membership: map[string]time.Time{},
	}
}

// WriteBacklog implements store.Store.
func (s *Store) WriteBacklog(ctx context.Context, entry store.BacklogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog[entry.Transaction.ID] = entry
	return nil
}

// UpdateBacklog implements store.Store. The patch is applied unconditionally
// to the named row; concurrent reassigners racing on the same txid resolve
// last-writer-wins. The patch carries no precondition, so a second
// reassigner's patch replaces the first one's assignee.
func (s *Store) UpdateBacklog(ctx context.Context, txid string, patch store.BacklogPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.backlog[txid]
	if !ok {
		return fmt.Errorf("update backlog %s: %w", txid, store.ErrNotFound)
	}
	entry.Assignee = patch.Assignee
	entry.AssignmentTimestamp = patch.AssignmentTimestamp
	s.backlog[txid] = entry
	return nil
}

// DeleteBacklog implements store.Store.
func (s *Store) DeleteBacklog(ctx context.Context, txids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range txids {
		delete(s.backlog, id)
	}
	return nil
}

// GetStaleBacklog implements store.Store.
func (s *Store) GetStaleBacklog(ctx context.Context, olderThan time.Duration) ([]store.BacklogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var stale []store.BacklogEntry
	for _, e := range s.backlog {
		if e.AssignmentTimestamp.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].Transaction.ID < stale[j].Transaction.ID
	})
	return stale, nil
}

// GetBacklogByAssignee implements store.Store.
func (s *Store) GetBacklogByAssignee(ctx context.Context, assignee string, limit int) ([]store.BacklogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.BacklogEntry
	var ids []string
	for id, e := range s.backlog {
		if e.Assignee == assignee {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, s.backlog[id])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// WriteBlock implements store.Store. Durability is accepted for interface
// conformance but memstore has no fsync-equivalent barrier, so soft and hard
// writes are identical.
func (s *Store) WriteBlock(ctx context.Context, block *model.Block, durability store.Durability) error {
	s.mu.Lock()
	if _, exists := s.blocks[block.ID]; exists {
		s.mu.Unlock()
		return nil // idempotent re-insert, matches at-least-once delivery upstream
	}
	s.blocks[block.ID] = block
	s.blockOrder = append(s.blockOrder, block.ID)
	for _, tx := range block.Transactions {
		s.txToBlock[tx.ID] = block.ID
		for _, ff := range tx.Fulfillments {
			s.spent[spentKey{ff.Input.TxID, ff.Input.CID}] = tx
		}
	}
	s.mu.Unlock()

	s.publish(store.ChangeEvent{Table: store.TableChain, Op: store.ChangeInsert, Block: block})
	return nil
}

// HasTx implements store.Store.
func (s *Store) HasTx(ctx context.Context, txid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.txToBlock[txid]
	return ok, nil
}

// CountBlocks implements store.Store.
func (s *Store) CountBlocks(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks), nil
}

// GetBlock implements store.Store.
func (s *Store) GetBlock(ctx context.Context, id string) (*model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return nil, nil
	}
	return b, nil
}

// GetBlockByTx implements store.Store.
func (s *Store) GetBlockByTx(ctx context.Context, txid string) (*model.Block, error) {
	s.mu.Lock()
	blockID, ok := s.txToBlock[txid]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	b := s.blocks[blockID]
	s.mu.Unlock()
	return b, nil
}

// GetTransaction implements model.TransactionLookup, deriving status from
// majority vote counts on each block containing the tx (§4.2).
func (s *Store) GetTransaction(ctx context.Context, txid string) (*model.Transaction, model.TxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.backlog[txid]; ok {
		return entry.Transaction, model.TxBacklog, nil
	}

	blockID, ok := s.txToBlock[txid]
	if !ok {
		return nil, model.TxNotFound, nil
	}
	block := s.blocks[blockID]
	var tx *model.Transaction
	for _, t := range block.Transactions {
		if t.ID == txid {
			tx = t
			break
		}
	}
	if tx == nil {
		return nil, model.TxNotFound, nil
	}

	return tx, s.blockStatusLocked(block), nil
}

// GetSpent implements model.TransactionLookup, returning the transaction (if
// any) that already spends (txid, cid).
func (s *Store) GetSpent(ctx context.Context, txid string, cid int) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.spent[spentKey{txid, cid}]
	if !ok {
		return nil, nil
	}
	return tx, nil
}

// blockStatusLocked derives a block's majority-vote status. Caller must hold
// s.mu.
func (s *Store) blockStatusLocked(block *model.Block) model.TxStatus {
	votes := s.votes[block.ID]
	required := len(block.Voters)/2 + 1
	var validCount, invalidCount int
	for _, v := range votes {
		if v.VoteBody.IsBlockValid {
			validCount++
		} else {
			invalidCount++
		}
	}
	switch {
	case validCount >= required:
		return model.TxValid
	case invalidCount >= required:
		return model.TxInvalid
	default:
		return model.TxUndecided
	}
}

// WriteVote implements store.Store.
func (s *Store) WriteVote(ctx context.Context, vote *model.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.votes[vote.VoteBody.VotingForBlock] {
		if existing.NodePubkey == vote.NodePubkey {
			return nil // idempotent: at most one vote per (block, voter)
		}
	}
	s.votes[vote.VoteBody.VotingForBlock] = append(s.votes[vote.VoteBody.VotingForBlock], vote)
	return nil
}

// GetVotes implements store.Store.
func (s *Store) GetVotes(ctx context.Context, blockID string) ([]*model.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Vote(nil), s.votes[blockID]...), nil
}

// GetVotesByVoter implements store.Store.
func (s *Store) GetVotesByVoter(ctx context.Context, blockID, voter string) ([]*model.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Vote
	for _, v := range s.votes[blockID] {
		if v.NodePubkey == voter {
			out = append(out, v)
		}
	}
	return out, nil
}

// GetVotesByNode implements store.Store, returning every vote cast by voter
// across all blocks — the input to chain resolution (§4.4).
func (s *Store) GetVotesByNode(ctx context.Context, voter string) ([]*model.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Vote
	for _, blockVotes := range s.votes {
		for _, v := range blockVotes {
			if v.NodePubkey == voter {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

// isGenesisBlock identifies the distinguished genesis block by content — the
// single GENESIS-operation transaction it carries — rather than by insertion
// position, matching firestorestore's check.
func isGenesisBlock(b *model.Block) bool {
	return len(b.Transactions) == 1 && b.Transactions[0].Operation == model.OpGenesis
}

// GetUnvotedBlocks implements store.Store: blocks for which voter has cast
// no vote, ordered by block timestamp ascending, excluding genesis.
func (s *Store) GetUnvotedBlocks(ctx context.Context, voter string) ([]*model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	voted := map[string]bool{}
	for _, blockVotes := range s.votes {
		for _, v := range blockVotes {
			if v.NodePubkey == voter {
				voted[v.VoteBody.VotingForBlock] = true
			}
		}
	}

	var out []*model.Block
	for _, id := range s.blockOrder {
		block := s.blocks[id]
		if isGenesisBlock(block) {
			continue
		}
		if voted[id] {
			continue
		}
		out = append(out, block)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// Heartbeat implements store.Store.
func (s *Store) Heartbeat(ctx context.Context, nodePubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.membership[nodePubkey] = time.Now()
	return nil
}

// LiveValidators implements store.Store.
func (s *Store) LiveValidators(ctx context.Context, federation []string, staleAfter time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	var live []string
	for _, v := range federation {
		last, ok := s.membership[v]
		if ok && last.After(cutoff) {
			live = append(live, v)
		}
	}
	return live, nil
}

// ChangeFeed implements store.Store. The returned channel is buffered to
// pipe_maxsize-equivalent capacity by the caller-supplied context value (see
// WithCapacity); memstore uses a modest default otherwise.
func (s *Store) ChangeFeed(ctx context.Context, table Table, op Op) (<-chan store.ChangeEvent, error) {
	capacity := capacityFromContext(ctx)
	ch := make(chan store.ChangeEvent, capacity)
	sub := &subscriber{table: table, op: op, ch: ch}

	s.feedMu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.feedMu.Unlock()

	go func() {
		<-ctx.Done()
		s.feedMu.Lock()
		defer s.feedMu.Unlock()
		for i, existing := range s.subscribers {
			if existing == sub {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (s *Store) publish(ev store.ChangeEvent) {
	s.feedMu.Lock()
	subs := append([]*subscriber(nil), s.subscribers...)
	s.feedMu.Unlock()

	for _, sub := range subs {
		if sub.table != ev.Table || sub.op != ev.Op {
			continue
		}
		sub.ch <- ev // bounded channel backpressure, per §5
	}
}

type capacityKey struct{}

// WithCapacity attaches a change-feed channel capacity to ctx, modeling
// argument_config.pipe_maxsize (§6) for callers that subscribe via
// ChangeFeed.
func WithCapacity(ctx context.Context, capacity int) context.Context {
	return context.WithValue(ctx, capacityKey{}, capacity)
}

func capacityFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(capacityKey{}).(int); ok && v > 0 {
		return v
	}
	return 2000
}
