package voteengine

import (
	"context"
	"testing"
	"time"

	"github.com/fedchain/validator/pkg/crypto"
	"github.com/fedchain/validator/pkg/model"
	"github.com/fedchain/validator/pkg/store"
	"github.com/fedchain/validator/pkg/store/memstore"
)

type validatorKey struct {
	pub string
	priv crypto.PrivateKey
}

func newValidatorKey(t *testing.T) validatorKey {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return validatorKey{pub: crypto.PublicKeyToBase58(pub), priv: priv}
}

func signedBlock(t *testing.T, k validatorKey, voters []string, txs []*model.Transaction, ts int64) *model.Block {
	t.Helper()
	b := &model.Block{Timestamp: ts, Transactions: txs, NodePubkey: k.pub, Voters: voters}
	if _, err := b.Sign(k.priv); err != nil {
		t.Fatalf("sign block: %v", err)
	}
	return b
}

func createTx(t *testing.T, owner string) *model.Transaction {
	t.Helper()
	tx, err := model.NewCreateTransaction(false, false, false, []model.Condition{
		{CID: 0, Amount: 1, OwnersAfter: []string{owner}},
	})
	if err != nil {
		t.Fatalf("new create tx: %v", err)
	}
	return tx
}

func waitForVote(t *testing.T, st *memstore.Store, blockID string, timeout time.Duration) []*model.Vote {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			votes, err := st.GetVotes(context.Background(), blockID)
			if err != nil {
				t.Fatalf("get votes: %v", err)
			}
			if len(votes) > 0 {
				return votes
			}
		case <-deadline:
			t.Fatalf("timed out waiting for vote on block %s", blockID)
		}
	}
}

func TestPipelineVotesValidBlock(t *testing.T) {
	owner := newValidatorKey(t)
	validator := newValidatorKey(t)

	st := memstore.New()
	genesis, err := model.NewGenesisBlock([]string{validator.pub}, validator.pub, validator.priv, 1)
	if err != nil {
		t.Fatalf("new genesis block: %v", err)
	}
	if err := st.WriteBlock(context.Background(), genesis, store.DurabilityHard); err != nil {
		t.Fatalf("write genesis: %v", err)
	}

	tx := createTx(t, owner.pub)
	block := signedBlock(t, validator, []string{validator.pub}, []*model.Transaction{tx}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := New(DefaultConfig(), st, []string{validator.pub}, Identity{PublicKey: validator.pub, PrivateKey: validator.priv}, genesis.ID, nil, nil)
	go func() { _ = engine.Run(ctx) }()

	time.Sleep(10 * time.Millisecond) // let Run subscribe before the block lands
	if err := st.WriteBlock(context.Background(), block, store.DurabilitySoft); err != nil {
		t.Fatalf("write block: %v", err)
	}

	votes := waitForVote(t, st, block.ID, 2*time.Second)
	if len(votes) != 1 {
		t.Fatalf("expected exactly one vote, got %d", len(votes))
	}
	v := votes[0]
	if !v.VoteBody.IsBlockValid {
		t.Fatalf("expected valid vote, got invalid")
	}
	if v.VoteBody.VotingForBlock != block.ID {
		t.Fatalf("vote references wrong block: %s", v.VoteBody.VotingForBlock)
	}
	if v.VoteBody.PreviousBlock != genesis.ID {
		t.Fatalf("expected previous_block to chain from genesis, got %s", v.VoteBody.PreviousBlock)
	}
	if !v.VerifySignature() {
		t.Fatalf("vote signature does not verify")
	}
}

func TestPipelineVotesInvalidBlockStructure(t *testing.T) {
	validator := newValidatorKey(t)
	outsider := newValidatorKey(t) // not a known validator

	st := memstore.New()
	genesis, err := model.NewGenesisBlock([]string{validator.pub}, validator.pub, validator.priv, 1)
	if err != nil {
		t.Fatalf("new genesis block: %v", err)
	}
	if err := st.WriteBlock(context.Background(), genesis, store.DurabilityHard); err != nil {
		t.Fatalf("write genesis: %v", err)
	}

	tx := createTx(t, outsider.pub)
	// Signed by outsider, who is not in the federation the validator uses,
	// so ValidateStructure fails at S1 and a synthetic-invalid vote results.
	badBlock := signedBlock(t, outsider, []string{outsider.pub}, []*model.Transaction{tx}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := New(DefaultConfig(), st, []string{validator.pub}, Identity{PublicKey: validator.pub, PrivateKey: validator.priv}, genesis.ID, nil, nil)
	go func() { _ = engine.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	if err := st.WriteBlock(context.Background(), badBlock, store.DurabilitySoft); err != nil {
		t.Fatalf("write block: %v", err)
	}

	votes := waitForVote(t, st, badBlock.ID, 2*time.Second)
	if len(votes) != 1 {
		t.Fatalf("expected exactly one vote, got %d", len(votes))
	}
	if votes[0].VoteBody.IsBlockValid {
		t.Fatalf("expected invalid vote for a block signed by an unknown validator")
	}
}

func TestPipelineSkipsAlreadyVotedBlock(t *testing.T) {
	validator := newValidatorKey(t)
	owner := newValidatorKey(t)

	st := memstore.New()
	genesis, err := model.NewGenesisBlock([]string{validator.pub}, validator.pub, validator.priv, 1)
	if err != nil {
		t.Fatalf("new genesis block: %v", err)
	}
	if err := st.WriteBlock(context.Background(), genesis, store.DurabilityHard); err != nil {
		t.Fatalf("write genesis: %v", err)
	}

	tx := createTx(t, owner.pub)
	block := signedBlock(t, validator, []string{validator.pub}, []*model.Transaction{tx}, 2)
	if err := st.WriteBlock(context.Background(), block, store.DurabilitySoft); err != nil {
		t.Fatalf("write block: %v", err)
	}

	// Cast the vote before the engine starts, simulating a prior run.
	preVote := &model.Vote{
		NodePubkey: validator.pub,
		VoteBody: model.VoteBody{
			VotingForBlock: block.ID,
			PreviousBlock:  genesis.ID,
			IsBlockValid:   true,
			Timestamp:      3,
		},
	}
	if err := preVote.Sign(validator.priv); err != nil {
		t.Fatalf("sign prevote: %v", err)
	}
	if err := st.WriteVote(context.Background(), preVote); err != nil {
		t.Fatalf("write prevote: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	engine := New(DefaultConfig(), st, []string{validator.pub}, Identity{PublicKey: validator.pub, PrivateKey: validator.priv}, genesis.ID, nil, nil)
	_ = engine.Run(ctx)

	votes, err := st.GetVotes(context.Background(), block.ID)
	if err != nil {
		t.Fatalf("get votes: %v", err)
	}
	if len(votes) != 1 {
		t.Fatalf("expected the pre-existing vote to remain the only vote, got %d", len(votes))
	}
}
