// Copyright 2025 Fedchain Project
//
// Package firestorestore is the Firestore-backed store.Store implementation
// (§4.2), generalizing the Firebase Admin SDK client setup of
// pkg/firestore/client.go from proof-cycle sync documents to the four
// logical record-store tables: backlog, chain, votes, membership.
package firestorestore

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fedchain/validator/pkg/logging"
	"github.com/fedchain/validator/pkg/model"
	"github.com/fedchain/validator/pkg/store"
)

// isNotFound reports whether err is the gRPC NotFound status Firestore
// returns from a single-document Get against a missing document.
func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

const (
	collectionBacklog    = "backlog"
	collectionChain      = "chain"
	collectionVotes      = "votes"
	collectionMembership = "membership"
)

// Config configures the Firestore client, grounded on
// pkg/firestore/client.go's ClientConfig.
type Config struct {
	// ProjectID is the Firebase/GCP project ID.
	ProjectID string

	// CredentialsFile is the path to the service account JSON file. If
	// empty, the SDK falls back to GOOGLE_APPLICATION_CREDENTIALS or
	// application default credentials.
	CredentialsFile string

	Logger *log.Logger
}

// DefaultConfig reads Config from the environment variables the teacher's
// client used for the same purpose.
func DefaultConfig() Config {
	return Config{
		ProjectID:       os.Getenv("FIREBASE_PROJECT_ID"),
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Logger:          logging.New("firestorestore"),
	}
}

// Store is a Firestore-backed store.Store. A fresh collection holds each
// logical table, document id == the table's natural key (transaction id,
// block id, "<blockID>_<nodePubkey>" for votes, node pubkey for
// membership).
type Store struct {
	app    *firebase.App
	client *gcpfirestore.Client
	logger *log.Logger
}

// New dials Firestore and returns a ready Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.New("firestorestore")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firestorestore: ProjectID is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	cfg.Logger.Printf("firestorestore connected to project %s", cfg.ProjectID)
	return &Store{app: app, client: client, logger: cfg.Logger}, nil
}

// Close releases the underlying Firestore client.
func (s *Store) Close() error {
	return s.client.Close()
}

// --- Backlog ---

type backlogDoc struct {
	Transaction         *model.Transaction `firestore:"transaction"`
	Assignee            string             `firestore:"assignee"`
	AssignmentTimestamp time.Time          `firestore:"assignment_timestamp"`
}

func (s *Store) WriteBacklog(ctx context.Context, entry store.BacklogEntry) error {
	_, err := s.client.Collection(collectionBacklog).Doc(entry.Transaction.ID).Set(ctx, backlogDoc{
		Transaction:         entry.Transaction,
		Assignee:            entry.Assignee,
		AssignmentTimestamp: entry.AssignmentTimestamp,
	})
	if err != nil {
		return fmt.Errorf("write backlog %s: %w", entry.Transaction.ID, err)
	}
	return nil
}

func (s *Store) UpdateBacklog(ctx context.Context, txid string, patch store.BacklogPatch) error {
	_, err := s.client.Collection(collectionBacklog).Doc(txid).Set(ctx, map[string]interface{}{
		"assignee":             patch.Assignee,
		"assignment_timestamp": patch.AssignmentTimestamp,
	}, gcpfirestore.MergeAll)
	if err != nil {
		return fmt.Errorf("update backlog %s: %w", txid, err)
	}
	return nil
}

func (s *Store) DeleteBacklog(ctx context.Context, txids []string) error {
	for _, id := range txids {
		if _, err := s.client.Collection(collectionBacklog).Doc(id).Delete(ctx); err != nil {
			return fmt.Errorf("delete backlog %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) GetStaleBacklog(ctx context.Context, olderThan time.Duration) ([]store.BacklogEntry, error) {
	cutoff := time.Now().Add(-olderThan)
	iter := s.client.Collection(collectionBacklog).
		Where("assignment_timestamp", "<", cutoff).
		Documents(ctx)
	defer iter.Stop()

	var out []store.BacklogEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list stale backlog: %w", err)
		}
		var d backlogDoc
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode backlog %s: %w", doc.Ref.ID, err)
		}
		out = append(out, store.BacklogEntry{Transaction: d.Transaction, Assignee: d.Assignee, AssignmentTimestamp: d.AssignmentTimestamp})
	}
	return out, nil
}

func (s *Store) GetBacklogByAssignee(ctx context.Context, assignee string, limit int) ([]store.BacklogEntry, error) {
	q := s.client.Collection(collectionBacklog).Where("assignee", "==", assignee)
	if limit > 0 {
		q = q.Limit(limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []store.BacklogEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list backlog by assignee %s: %w", assignee, err)
		}
		var d backlogDoc
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode backlog %s: %w", doc.Ref.ID, err)
		}
		out = append(out, store.BacklogEntry{Transaction: d.Transaction, Assignee: d.Assignee, AssignmentTimestamp: d.AssignmentTimestamp})
	}
	return out, nil
}

// --- Chain ---

type chainDoc struct {
	Block     *model.Block `firestore:"block"`
	Timestamp int64        `firestore:"timestamp"` // duplicated out of Block for ordering queries
}

func (s *Store) WriteBlock(ctx context.Context, block *model.Block, _ store.Durability) error {
	// Firestore's Set is idempotent by document id, matching the
	// at-least-once delivery contract (§4.2); durability has no distinct
	// handle at this client's abstraction level beyond a committed write.
	_, err := s.client.Collection(collectionChain).Doc(block.ID).Set(ctx, chainDoc{Block: block, Timestamp: block.Timestamp})
	if err != nil {
		return fmt.Errorf("write block %s: %w", block.ID, err)
	}
	if err := s.indexSpentInputs(ctx, block); err != nil {
		return fmt.Errorf("index spent inputs for block %s: %w", block.ID, err)
	}
	return nil
}

func (s *Store) HasTx(ctx context.Context, txid string) (bool, error) {
	block, err := s.GetBlockByTx(ctx, txid)
	if err != nil {
		return false, err
	}
	return block != nil, nil
}

func (s *Store) CountBlocks(ctx context.Context) (int, error) {
	docs, err := s.client.Collection(collectionChain).Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("count blocks: %w", err)
	}
	return len(docs), nil
}

func (s *Store) GetBlock(ctx context.Context, id string) (*model.Block, error) {
	snap, err := s.client.Collection(collectionChain).Doc(id).Get(ctx)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get block %s: %w", id, err)
	}
	var d chainDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", id, err)
	}
	return d.Block, nil
}

func (s *Store) GetBlockByTx(ctx context.Context, txid string) (*model.Block, error) {
	iter := s.client.Collection(collectionChain).Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("scan chain for tx %s: %w", txid, err)
		}
		var d chainDoc
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode block %s: %w", doc.Ref.ID, err)
		}
		for _, tx := range d.Block.Transactions {
			if tx.ID == txid {
				return d.Block, nil
			}
		}
	}
}

// GetTransaction implements model.TransactionLookup.
func (s *Store) GetTransaction(ctx context.Context, txid string) (*model.Transaction, model.TxStatus, error) {
	backlogSnap, err := s.client.Collection(collectionBacklog).Doc(txid).Get(ctx)
	if err == nil {
		var d backlogDoc
		if derr := backlogSnap.DataTo(&d); derr == nil {
			return d.Transaction, model.TxBacklog, nil
		}
	} else if !isNotFound(err) {
		return nil, "", fmt.Errorf("check backlog for %s: %w", txid, err)
	}

	block, err := s.GetBlockByTx(ctx, txid)
	if err != nil {
		return nil, "", err
	}
	if block == nil {
		return nil, model.TxNotFound, nil
	}
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

	txStatus, err := s.blockStatus(ctx, block)
	if err != nil {
		return nil, "", err
	}
	return tx, txStatus, nil
}

func (s *Store) blockStatus(ctx context.Context, block *model.Block) (model.TxStatus, error) {
	votes, err := s.GetVotes(ctx, block.ID)
	if err != nil {
		return "", err
	}
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
		return model.TxValid, nil
	case invalidCount >= required:
		return model.TxInvalid, nil
	default:
		return model.TxUndecided, nil
	}
}

// GetSpent implements model.TransactionLookup via an explicit secondary
// index collection keyed by "<txid>_<cid>", since Firestore has no query
// operator for "does any document's nested fulfillments array reference
// this input" (§9 Open Question resolution, see DESIGN.md).
func (s *Store) GetSpent(ctx context.Context, txid string, cid int) (*model.Transaction, error) {
	key := fmt.Sprintf("%s_%d", txid, cid)
	snap, err := s.client.Collection("spent_index").Doc(key).Get(ctx)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get spent index %s: %w", key, err)
	}
	var spender struct {
		TxID string `firestore:"spending_txid"`
	}
	if err := snap.DataTo(&spender); err != nil {
		return nil, fmt.Errorf("decode spent index %s: %w", key, err)
	}
	return s.lookupTx(ctx, spender.TxID)
}

func (s *Store) lookupTx(ctx context.Context, txid string) (*model.Transaction, error) {
	block, err := s.GetBlockByTx(ctx, txid)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, nil
	}
	for _, t := range block.Transactions {
		if t.ID == txid {
			return t, nil
		}
	}
	return nil, nil
}

// indexSpentInputs writes the spent_index documents a WriteBlock must
// maintain so GetSpent stays an O(1) lookup rather than a collection scan.
func (s *Store) indexSpentInputs(ctx context.Context, block *model.Block) error {
	for _, tx := range block.Transactions {
		for _, ff := range tx.Fulfillments {
			key := fmt.Sprintf("%s_%d", ff.Input.TxID, ff.Input.CID)
			if _, err := s.client.Collection("spent_index").Doc(key).Set(ctx, map[string]interface{}{
				"spending_txid": tx.ID,
			}); err != nil {
				return fmt.Errorf("index spent input %s: %w", key, err)
			}
		}
	}
	return nil
}

// --- Votes ---

type voteDoc struct {
	Vote *model.Vote `firestore:"vote"`
}

func (s *Store) WriteVote(ctx context.Context, vote *model.Vote) error {
	docID := fmt.Sprintf("%s_%s", vote.VoteBody.VotingForBlock, vote.NodePubkey)
	_, err := s.client.Collection(collectionVotes).Doc(docID).Set(ctx, voteDoc{Vote: vote})
	if err != nil {
		return fmt.Errorf("write vote %s: %w", docID, err)
	}
	return nil
}

func (s *Store) GetVotes(ctx context.Context, blockID string) ([]*model.Vote, error) {
	iter := s.client.Collection(collectionVotes).Where("vote.VoteBody.VotingForBlock", "==", blockID).Documents(ctx)
	defer iter.Stop()
	return collectVotes(iter)
}

func (s *Store) GetVotesByVoter(ctx context.Context, blockID, voter string) ([]*model.Vote, error) {
	docID := fmt.Sprintf("%s_%s", blockID, voter)
	snap, err := s.client.Collection(collectionVotes).Doc(docID).Get(ctx)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vote %s: %w", docID, err)
	}
	var d voteDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decode vote %s: %w", docID, err)
	}
	return []*model.Vote{d.Vote}, nil
}

func (s *Store) GetVotesByNode(ctx context.Context, voter string) ([]*model.Vote, error) {
	iter := s.client.Collection(collectionVotes).Where("vote.NodePubkey", "==", voter).Documents(ctx)
	defer iter.Stop()
	return collectVotes(iter)
}

func collectVotes(iter *gcpfirestore.DocumentIterator) ([]*model.Vote, error) {
	var out []*model.Vote
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("scan votes: %w", err)
		}
		var d voteDoc
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode vote %s: %w", doc.Ref.ID, err)
		}
		out = append(out, d.Vote)
	}
}

// isGenesisBlock identifies the distinguished genesis block by content — the
// single GENESIS-operation transaction it carries — rather than by position,
// since position is not a stable property across a change-feed replay.
func isGenesisBlock(b *model.Block) bool {
	return len(b.Transactions) == 1 && b.Transactions[0].Operation == model.OpGenesis
}

func (s *Store) GetUnvotedBlocks(ctx context.Context, voter string) ([]*model.Block, error) {
	voted, err := s.GetVotesByNode(ctx, voter)
	if err != nil {
		return nil, err
	}
	votedSet := make(map[string]bool, len(voted))
	for _, v := range voted {
		votedSet[v.VoteBody.VotingForBlock] = true
	}

	iter := s.client.Collection(collectionChain).OrderBy("timestamp", gcpfirestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []*model.Block
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan chain for unvoted blocks: %w", err)
		}
		var d chainDoc
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode block %s: %w", doc.Ref.ID, err)
		}
		if isGenesisBlock(d.Block) {
			continue
		}
		if votedSet[d.Block.ID] {
			continue
		}
		out = append(out, d.Block)
	}
	return out, nil
}

// --- Membership ---

type membershipDoc struct {
	LastHeartbeat time.Time `firestore:"last_heartbeat"`
}

func (s *Store) Heartbeat(ctx context.Context, nodePubkey string) error {
	_, err := s.client.Collection(collectionMembership).Doc(nodePubkey).Set(ctx, membershipDoc{LastHeartbeat: time.Now()})
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", nodePubkey, err)
	}
	return nil
}

func (s *Store) LiveValidators(ctx context.Context, federation []string, staleAfter time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-staleAfter)
	var live []string
	for _, v := range federation {
		snap, err := s.client.Collection(collectionMembership).Doc(v).Get(ctx)
		if isNotFound(err) {
			continue // never heartbeated: not fresh, not live
		}
		if err != nil {
			return nil, fmt.Errorf("get membership %s: %w", v, err)
		}
		var d membershipDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode membership %s: %w", v, err)
		}
		if d.LastHeartbeat.After(cutoff) {
			live = append(live, v)
		}
	}
	return live, nil
}

// ChangeFeed subscribes to chain inserts via Firestore's Snapshots listener,
// generalizing pkg/firestore/client.go's direct-write pattern into a push
// feed. Reconnect-transparency (§4.2) is Firestore's own listener-resume
// behavior on transient disconnect; the caller observes only a possible
// gap, tolerated because the pipeline is idempotent per (block, voter).
func (s *Store) ChangeFeed(ctx context.Context, table store.Table, op store.ChangeOp) (<-chan store.ChangeEvent, error) {
	if table != store.TableChain || op != store.ChangeInsert {
		return nil, fmt.Errorf("firestorestore: change feed only supports (chain, insert)")
	}

	out := make(chan store.ChangeEvent, 256)
	query := s.client.Collection(collectionChain).OrderBy("timestamp", gcpfirestore.Asc)

	go func() {
		defer close(out)
		it := query.Snapshots(ctx)
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Printf("change feed snapshot error, will resume on next listener retry: %v", err)
				continue
			}
			for _, change := range snap.Changes {
				if change.Kind != gcpfirestore.DocumentAdded {
					continue
				}
				var d chainDoc
				if err := change.Doc.DataTo(&d); err != nil {
					s.logger.Printf("decode change feed block %s: %v", change.Doc.Ref.ID, err)
					continue
				}
				if isGenesisBlock(d.Block) {
					// Snapshots() replays every pre-existing document as
					// DocumentAdded on the first snapshot, including genesis,
					// which has never been voted on and must not be forwarded
					// as if it were a freshly inserted candidate block.
					continue
				}
				select {
				case out <- store.ChangeEvent{Table: store.TableChain, Op: store.ChangeInsert, Block: d.Block}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
