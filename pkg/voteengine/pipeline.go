// Copyright 2025 Fedchain Project
//
// Package voteengine implements C5, the five-stage concurrent pipeline that
// ingests candidate blocks, validates their transactions, and emits votes
// (§4.5). Each stage is a worker pool reading from a bounded channel and
// writing to the next; S4 (aggregate) and S5 (write_vote) are single
// workers so their mutable state needs no locks (§5).
package voteengine

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fedchain/validator/pkg/chainresolver"
	"github.com/fedchain/validator/pkg/crypto"
	"github.com/fedchain/validator/pkg/logging"
	"github.com/fedchain/validator/pkg/model"
	"github.com/fedchain/validator/pkg/monitor"
	"github.com/fedchain/validator/pkg/store"
)

// syntheticInvalidTxID marks the dummy transaction S1 substitutes for a
// block that fails structural validation, so the rest of the pipeline is
// guaranteed to produce exactly one invalid vote without branching (§4.5).
const syntheticInvalidTxID = "__synthetic_invalid__"

func syntheticInvalidTx() *model.Transaction {
	return &model.Transaction{ID: syntheticInvalidTxID, Operation: model.OpMetadata}
}

// Config mirrors argument_config.vote_pipeline (§6).
type Config struct {
	ValidateProcessesNum int     // S1 width
	UngroupProcessesNum  int     // S2 width
	FractionOfCores      float64 // S3 width as a fraction of runtime.NumCPU()
	PipeMaxSize          int     // bounded channel capacity between stages
}

// DefaultConfig matches the defaults named in §6.
func DefaultConfig() Config {
	return Config{
		ValidateProcessesNum: 2,
		UngroupProcessesNum:  2,
		FractionOfCores:      0.5,
		PipeMaxSize:          2000,
	}
}

func (c Config) s3Workers() int {
	n := int(float64(runtime.NumCPU()) * c.FractionOfCores)
	if n < 1 {
		n = 1
	}
	return n
}

// Identity is this validator's signing identity.
type Identity struct {
	PublicKey  string
	PrivateKey crypto.PrivateKey
}

// Engine runs the vote pipeline for one validator process.
type Engine struct {
	cfg        Config
	store      store.Store
	federation []string
	identity   Identity
	genesisID  string
	monitor    *monitor.Sink
	logger     *log.Logger
}

// New constructs an Engine. monitor may be nil (no-op per §4.7). genesisID
// identifies the distinguished genesis block so a validator with zero votes
// cast can resolve its chain head (§4.4).
func New(cfg Config, st store.Store, federation []string, identity Identity, genesisID string, sink *monitor.Sink, logger *log.Logger) *Engine {
	if logger == nil {
		logger = logging.New("voteengine")
	}
	return &Engine{cfg: cfg, store: st, federation: federation, identity: identity, genesisID: genesisID, monitor: sink, logger: logger}
}

type s1Result struct {
	BlockID   string
	Txs       []*model.Transaction
	BeginTime time.Time
}

type s2Item struct {
	Tx        *model.Transaction
	BlockID   string
	NumTx     int
	BeginTime time.Time
}

type s3Result struct {
	Valid     bool
	BlockID   string
	NumTx     int
	BeginTime time.Time
}

type voteReady struct {
	Vote      *model.Vote
	BeginTime time.Time
}

// Run drives the pipeline until ctx is canceled. It subscribes to the
// chain's INSERT change feed, primed by the validator's unvoted-block
// backlog for crash recovery (§4.5 "Sources").
func (e *Engine) Run(ctx context.Context) error {
	genesisProvider := genesisByID{store: e.store, id: e.genesisID}
	lastVoted, err := chainresolver.LastVotedBlock(ctx, e.store, genesisProvider, e.identity.PublicKey)
	if err != nil {
		return fmt.Errorf("resolve last voted block at startup: %w", err)
	}

	prefeed, err := e.store.GetUnvotedBlocks(ctx, e.identity.PublicKey)
	if err != nil {
		return fmt.Errorf("get unvoted blocks for recovery prefeed: %w", err)
	}

	feed, err := e.store.ChangeFeed(ctx, store.TableChain, store.ChangeInsert)
	if err != nil {
		return fmt.Errorf("subscribe to chain change feed: %w", err)
	}

	blocks := make(chan *model.Block, e.cfg.PipeMaxSize)
	s1Out := make(chan s1Result, e.cfg.PipeMaxSize)
	s2Out := make(chan s2Item, e.cfg.PipeMaxSize)
	s3Out := make(chan s3Result, e.cfg.PipeMaxSize)
	s4Out := make(chan voteReady, e.cfg.PipeMaxSize)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.source(ctx, prefeed, feed, blocks) })
	g.Go(func() error { return e.runS1(ctx, blocks, s1Out) })
	g.Go(func() error { return e.runS2(ctx, s1Out, s2Out) })
	g.Go(func() error { return e.runS3(ctx, s2Out, s3Out) })
	g.Go(func() error { return e.runS4(ctx, s3Out, s4Out, lastVoted.ID) })
	g.Go(func() error { return e.runS5(ctx, s4Out) })

	return g.Wait()
}

// source feeds the prefeed (recovery) followed by the live change feed into
// blocks, closing it when ctx is canceled.
func (e *Engine) source(ctx context.Context, prefeed []*model.Block, feed <-chan store.ChangeEvent, out chan<- *model.Block) error {
	defer close(out)
	for _, b := range prefeed {
		select {
		case out <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				return nil
			}
			if ev.Block == nil {
				continue
			}
			select {
			case out <- ev.Block:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runS1 validates block structure and applies the V1 idempotence shortcut:
// a block this validator already voted on is dropped without re-emitting.
func (e *Engine) runS1(ctx context.Context, in <-chan *model.Block, out chan s1Result) error {
	return e.fanOut(ctx, e.cfg.ValidateProcessesNum, func() { close(out) }, func() error {
		for {
			select {
			case block, ok := <-in:
				if !ok {
					return nil
				}
				if err := e.handleS1(ctx, block, out); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

func (e *Engine) handleS1(ctx context.Context, block *model.Block, out chan<- s1Result) error {
	stop := e.monitor.Timer("validate_block")
	defer stop()

	begin := time.Now()

	alreadyVoted, err := e.getVotesByVoterWithRetry(ctx, block.ID, e.identity.PublicKey)
	if err != nil {
		e.logger.Printf("permanently failed to check previous vote for block %s: %v", block.ID, err)
		return nil // permanent-error-equivalent: drop, continue (§4.5 failure semantics)
	}
	if len(alreadyVoted) > 0 {
		e.logger.Printf("block %s already voted on, dropping duplicate feed event", block.ID)
		return nil
	}

	result := s1Result{BlockID: block.ID, BeginTime: begin}
	if err := block.ValidateStructure(e.federation); err != nil {
		e.logger.Printf("block %s failed structural validation: %v", block.ID, err)
		result.Txs = []*model.Transaction{syntheticInvalidTx()}
	} else {
		result.Txs = block.Transactions
	}

	select {
	case out <- result:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// runS2 fans a block's transactions out into per-transaction tuples.
func (e *Engine) runS2(ctx context.Context, in <-chan s1Result, out chan s2Item) error {
	return e.fanOut(ctx, e.cfg.UngroupProcessesNum, func() { close(out) }, func() error {
		for {
			select {
			case r, ok := <-in:
				if !ok {
					return nil
				}
				numTx := len(r.Txs)
				for _, tx := range r.Txs {
					item := s2Item{Tx: tx, BlockID: r.BlockID, NumTx: numTx, BeginTime: r.BeginTime}
					select {
					case out <- item:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// runS3 validates individual transactions.
func (e *Engine) runS3(ctx context.Context, in <-chan s2Item, out chan s3Result) error {
	return e.fanOut(ctx, e.cfg.s3Workers(), func() { close(out) }, func() error {
		for {
			select {
			case item, ok := <-in:
				if !ok {
					return nil
				}
				valid := item.Tx.ID != syntheticInvalidTxID
				if valid {
					if err := item.Tx.Validate(ctx, e.store); err != nil {
						valid = false
					}
				}
				result := s3Result{Valid: valid, BlockID: item.BlockID, NumTx: item.NumTx, BeginTime: item.BeginTime}
				select {
				case out <- result:
				case <-ctx.Done():
					return ctx.Err()
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// runS4 is the single-worker aggregator: counter/validity/lastVoted are
// owned exclusively by this goroutine, so no locking is required (§5).
func (e *Engine) runS4(ctx context.Context, in <-chan s3Result, out chan<- voteReady, initialLastVoted string) error {
	defer close(out)

	counter := map[string]int{}
	validity := map[string]bool{}
	beginTimes := map[string]time.Time{}
	lastVoted := initialLastVoted

	for {
		select {
		case r, ok := <-in:
			if !ok {
				return nil
			}
			if _, seen := beginTimes[r.BlockID]; !seen {
				beginTimes[r.BlockID] = r.BeginTime
				validity[r.BlockID] = true
			}
			counter[r.BlockID]++
			validity[r.BlockID] = validity[r.BlockID] && r.Valid

			if counter[r.BlockID] == r.NumTx {
				v := &model.Vote{
					NodePubkey: e.identity.PublicKey,
					VoteBody: model.VoteBody{
						VotingForBlock: r.BlockID,
						PreviousBlock:  lastVoted,
						IsBlockValid:   validity[r.BlockID],
						Timestamp:      time.Now().Unix(),
					},
				}
				begin := beginTimes[r.BlockID]
				lastVoted = r.BlockID
				delete(counter, r.BlockID)
				delete(validity, r.BlockID)
				delete(beginTimes, r.BlockID)

				select {
				case out <- voteReady{Vote: v, BeginTime: begin}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runS5 signs (the aggregator leaves the vote unsigned) and persists each
// vote, recording the vote_time gauge (§4.7).
func (e *Engine) runS5(ctx context.Context, in <-chan voteReady) error {
	for {
		select {
		case vr, ok := <-in:
			if !ok {
				return nil
			}
			stop := e.monitor.Timer("write_vote")
			if len(vr.Vote.Signature) == 0 {
				if err := vr.Vote.Sign(e.identity.PrivateKey); err != nil {
					stop()
					e.logger.Printf("failed to sign vote for block %s: %v", vr.Vote.VoteBody.VotingForBlock, err)
					continue
				}
			}
			if err := e.writeVoteWithRetry(ctx, vr.Vote); err != nil {
				stop()
				e.logger.Printf("permanently failed to write vote for block %s: %v", vr.Vote.VoteBody.VotingForBlock, err)
				continue
			}
			stop()
			e.monitor.Gauge("vote_time", time.Since(vr.BeginTime).Seconds())
			e.logger.Printf("vote %s block %s node_pubkey=%s",
				validityLabel(vr.Vote.VoteBody.IsBlockValid), vr.Vote.VoteBody.VotingForBlock, vr.Vote.NodePubkey)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func validityLabel(valid bool) string {
	if valid {
		return "valid"
	}
	return "invalid"
}

// writeVoteWithRetry retries transient store errors with bounded
// exponential backoff, per §5's "max 3 attempts".
func (e *Engine) writeVoteWithRetry(ctx context.Context, v *model.Vote) error {
	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = e.store.WriteVote(ctx, v); err == nil {
			return nil
		}
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("write vote after %d attempts: %w", maxAttempts, err)
}

// getVotesByVoterWithRetry retries transient store errors with bounded
// exponential backoff, per §5's "max 3 attempts", same as writeVoteWithRetry.
func (e *Engine) getVotesByVoterWithRetry(ctx context.Context, blockID, voter string) ([]*model.Vote, error) {
	const maxAttempts = 3
	var votes []*model.Vote
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if votes, err = e.store.GetVotesByVoter(ctx, blockID, voter); err == nil {
			return votes, nil
		}
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("get votes by voter after %d attempts: %w", maxAttempts, err)
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * 50 * time.Millisecond
}

// fanOut runs n copies of work concurrently and closes the stage's output
// channel once every copy has returned — a shared output channel must only
// be closed once all of its producers are done.
func (e *Engine) fanOut(ctx context.Context, n int, closeOut func(), work func() error) error {
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := work(); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	closeOut()
	close(errCh)

	for err := range errCh {
		if err != nil && err != context.Canceled {
			return err
		}
	}
	return nil
}

// genesisByID resolves the genesis block by its known, fixed id.
type genesisByID struct {
	store store.Store
	id    string
}

func (g genesisByID) GenesisBlock(ctx context.Context) (*model.Block, error) {
	block, err := g.store.GetBlock(ctx, g.id)
	if err != nil {
		return nil, fmt.Errorf("get genesis block %s: %w", g.id, err)
	}
	if block == nil {
		return nil, fmt.Errorf("genesis block %s not found", g.id)
	}
	return block, nil
}
