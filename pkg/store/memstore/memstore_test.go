package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/fedchain/validator/pkg/crypto"
	"github.com/fedchain/validator/pkg/model"
	"github.com/fedchain/validator/pkg/store"
)

func mustKeypair(t *testing.T) (crypto.PublicKey, crypto.PrivateKey) {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return pub, priv
}

func signedBlock(t *testing.T, pub crypto.PublicKey, priv crypto.PrivateKey, ts int64) *model.Block {
	t.Helper()
	tx, err := model.NewCreateTransaction(false, false, false, nil)
	if err != nil {
		t.Fatalf("create tx: %v", err)
	}
	b := &model.Block{
		Timestamp:    ts,
		Transactions: []*model.Transaction{tx},
		NodePubkey:   crypto.PublicKeyToBase58(pub),
		Voters:       []string{crypto.PublicKeyToBase58(pub)},
	}
	if _, err := b.Sign(priv); err != nil {
		t.Fatalf("sign block: %v", err)
	}
	return b
}

func TestWriteBlockPublishesChangeFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New()
	feed, err := s.ChangeFeed(ctx, store.TableChain, store.ChangeInsert)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub, priv := mustKeypair(t)
	block := signedBlock(t, pub, priv, 100)

	if err := s.WriteBlock(ctx, block, store.DurabilitySoft); err != nil {
		t.Fatalf("write block: %v", err)
	}

	select {
	case ev := <-feed:
		if ev.Block.ID != block.ID {
			t.Fatalf("expected block %s on feed, got %s", block.ID, ev.Block.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change feed event")
	}
}

func TestDoubleSpendIndex(t *testing.T) {
	ctx := context.Background()
	s := New()
	pub, priv := mustKeypair(t)

	createTx, _ := model.NewCreateTransaction(false, false, false, []model.Condition{
		{CID: 0, Amount: 1, OwnersAfter: []string{crypto.PublicKeyToBase58(pub)}},
	})
	createBlock := &model.Block{
		Timestamp:    1,
		Transactions: []*model.Transaction{createTx},
		NodePubkey:   crypto.PublicKeyToBase58(pub),
		Voters:       []string{crypto.PublicKeyToBase58(pub)},
	}
	createBlock.Sign(priv)
	if err := s.WriteBlock(ctx, createBlock, store.DurabilityHard); err != nil {
		t.Fatalf("write block: %v", err)
	}
	if err := s.WriteVote(ctx, &model.Vote{
		NodePubkey: crypto.PublicKeyToBase58(pub),
		VoteBody:   model.VoteBody{VotingForBlock: createBlock.ID, IsBlockValid: true},
	}); err != nil {
		t.Fatalf("write vote: %v", err)
	}

	transferTx := &model.Transaction{
		Version:   1,
		Operation: model.OpTransfer,
		Fulfillments: []model.Fulfillment{
			{Input: model.Input{TxID: createTx.ID, CID: 0}, OwnerBefore: crypto.PublicKeyToBase58(pub)},
		},
		Conditions: []model.Condition{{CID: 0, Amount: 1, OwnersAfter: []string{crypto.PublicKeyToBase58(pub)}}},
		Asset:      model.Asset{DataID: createTx.Asset.DataID},
	}
	id, _ := transferTx.ComputeID()
	transferTx.ID = id
	transferBlock := &model.Block{
		Timestamp:    2,
		Transactions: []*model.Transaction{transferTx},
		NodePubkey:   crypto.PublicKeyToBase58(pub),
		Voters:       []string{crypto.PublicKeyToBase58(pub)},
	}
	transferBlock.Sign(priv)
	if err := s.WriteBlock(ctx, transferBlock, store.DurabilitySoft); err != nil {
		t.Fatalf("write transfer block: %v", err)
	}

	spent, err := s.GetSpent(ctx, createTx.ID, 0)
	if err != nil {
		t.Fatalf("get spent: %v", err)
	}
	if spent == nil || spent.ID != transferTx.ID {
		t.Fatalf("expected %s to be recorded as spender, got %v", transferTx.ID, spent)
	}

	_, status, err := s.GetTransaction(ctx, createTx.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if status != model.TxValid {
		t.Fatalf("expected VALID status (1/1 votes majority), got %s", status)
	}
}

func TestGetUnvotedBlocksExcludesGenesisAndOrdersByTimestamp(t *testing.T) {
	ctx := context.Background()
	s := New()
	pub, priv := mustKeypair(t)
	voter := crypto.PublicKeyToBase58(pub)

	genesis, err := model.NewGenesisBlock([]string{voter}, voter, priv, 0)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if err := s.WriteBlock(ctx, genesis, store.DurabilityHard); err != nil {
		t.Fatalf("write genesis: %v", err)
	}

	blockLater := signedBlock(t, pub, priv, 200)
	blockEarlier := signedBlock(t, pub, priv, 100)
	s.WriteBlock(ctx, blockLater, store.DurabilitySoft)
	s.WriteBlock(ctx, blockEarlier, store.DurabilitySoft)

	unvoted, err := s.GetUnvotedBlocks(ctx, voter)
	if err != nil {
		t.Fatalf("get unvoted blocks: %v", err)
	}
	if len(unvoted) != 2 {
		t.Fatalf("expected 2 unvoted blocks (genesis excluded), got %d", len(unvoted))
	}
	if unvoted[0].ID != blockEarlier.ID || unvoted[1].ID != blockLater.ID {
		t.Fatal("expected unvoted blocks ordered by timestamp ascending")
	}
}
