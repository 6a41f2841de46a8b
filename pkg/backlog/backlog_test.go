package backlog

import (
	"context"
	"testing"
	"time"

	"github.com/fedchain/validator/pkg/crypto"
	"github.com/fedchain/validator/pkg/model"
	"github.com/fedchain/validator/pkg/store"
	"github.com/fedchain/validator/pkg/store/memstore"
)

func newIdentity(t *testing.T) Identity {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return Identity{PublicKey: crypto.PublicKeyToBase58(pub), PrivateKey: priv}
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

func TestSubmitAssignsLiveValidator(t *testing.T) {
	v1 := newIdentity(t)
	st := memstore.New()
	mgr := New(DefaultConfig(), st, []string{v1.PublicKey}, v1, nil)

	ctx := context.Background()
	if err := st.Heartbeat(ctx, v1.PublicKey); err != nil {
		t.Fatalf("heartbeat v1: %v", err)
	}

	tx := createTx(t, v1.PublicKey)
	if err := mgr.Submit(ctx, tx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	entries, err := st.GetBacklogByAssignee(context.Background(), v1.PublicKey, 0)
	if err != nil {
		t.Fatalf("get backlog: %v", err)
	}
	if len(entries) != 1 || entries[0].Transaction.ID != tx.ID {
		t.Fatalf("expected tx assigned to sole validator, got %+v", entries)
	}
}

func TestSubmitNoLiveValidatorsFails(t *testing.T) {
	st := memstore.New()
	mgr := New(DefaultConfig(), st, nil, Identity{}, nil)
	tx := createTx(t, "nobody")
	err := mgr.Submit(context.Background(), tx)
	if err != ErrNoLiveValidators {
		t.Fatalf("expected ErrNoLiveValidators, got %v", err)
	}
}

func TestReassignStaleEntryMovesToLiveValidator(t *testing.T) {
	v1 := newIdentity(t)
	v2 := newIdentity(t)
	st := memstore.New()

	cfg := DefaultConfig()
	cfg.StaleAfter = 20 * time.Millisecond
	mgr := New(cfg, st, []string{v1.PublicKey, v2.PublicKey}, v1, nil)

	ctx := context.Background()
	if err := st.Heartbeat(ctx, v1.PublicKey); err != nil {
		t.Fatalf("heartbeat v1: %v", err)
	}
	time.Sleep(30 * time.Millisecond) // v1's heartbeat goes stale
	if err := st.Heartbeat(ctx, v2.PublicKey); err != nil {
		t.Fatalf("heartbeat v2: %v", err)
	}

	tx := createTx(t, v1.PublicKey)
	entry := store.BacklogEntry{Transaction: tx, Assignee: v1.PublicKey, AssignmentTimestamp: time.Now().Add(-time.Hour)}
	if err := st.WriteBacklog(ctx, entry); err != nil {
		t.Fatalf("write backlog: %v", err)
	}

	if err := mgr.reassignStale(ctx); err != nil {
		t.Fatalf("reassign stale: %v", err)
	}

	v2Entries, err := st.GetBacklogByAssignee(ctx, v2.PublicKey, 0)
	if err != nil {
		t.Fatalf("get backlog by v2: %v", err)
	}
	if len(v2Entries) != 1 || v2Entries[0].Transaction.ID != tx.ID {
		t.Fatalf("expected tx reassigned to v2, got %+v", v2Entries)
	}

	v1Entries, err := st.GetBacklogByAssignee(ctx, v1.PublicKey, 0)
	if err != nil {
		t.Fatalf("get backlog by v1: %v", err)
	}
	if len(v1Entries) != 0 {
		t.Fatalf("expected no entries left assigned to the dead validator, got %+v", v1Entries)
	}
}

func TestBuildBlockDrainsAssignedBacklog(t *testing.T) {
	v1 := newIdentity(t)
	st := memstore.New()
	mgr := New(DefaultConfig(), st, []string{v1.PublicKey}, v1, nil)

	ctx := context.Background()
	tx1 := createTx(t, v1.PublicKey)
	tx2 := createTx(t, v1.PublicKey)
	for _, tx := range []*model.Transaction{tx1, tx2} {
		entry := store.BacklogEntry{Transaction: tx, Assignee: v1.PublicKey, AssignmentTimestamp: time.Now()}
		if err := st.WriteBacklog(ctx, entry); err != nil {
			t.Fatalf("write backlog: %v", err)
		}
	}

	block, err := mgr.BuildBlock(ctx)
	if err != nil {
		t.Fatalf("build block: %v", err)
	}
	if len(block.Transactions) != 2 {
		t.Fatalf("expected 2 transactions in block, got %d", len(block.Transactions))
	}

	stored, err := st.GetBlock(ctx, block.ID)
	if err != nil || stored == nil {
		t.Fatalf("expected block %s to be written, err=%v", block.ID, err)
	}

	remaining, err := st.GetBacklogByAssignee(ctx, v1.PublicKey, 0)
	if err != nil {
		t.Fatalf("get backlog: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected backlog drained, got %d remaining", len(remaining))
	}
}

func TestBuildBlockNoAssignedEntriesReturnsSentinel(t *testing.T) {
	v1 := newIdentity(t)
	st := memstore.New()
	mgr := New(DefaultConfig(), st, []string{v1.PublicKey}, v1, nil)

	_, err := mgr.BuildBlock(context.Background())
	if err != errNoAssignedBacklog {
		t.Fatalf("expected errNoAssignedBacklog, got %v", err)
	}
}
