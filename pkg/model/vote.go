// Copyright 2025 Fedchain Project
package model

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/fedchain/validator/pkg/crypto"
)

// VoteBody is the signed payload of a vote (§3).
type VoteBody struct {
	VotingForBlock string  `json:"voting_for_block"`
	PreviousBlock  string  `json:"previous_block"`
	IsBlockValid   bool    `json:"is_block_valid"`
	InvalidReason  *string `json:"invalid_reason"`
	Timestamp      int64   `json:"timestamp"`
}

// Vote records one validator's judgment of a candidate block (§3).
type Vote struct {
	NodePubkey string   `json:"node_pubkey"`
	Signature  []byte   `json:"signature"`
	VoteBody   VoteBody `json:"vote"`
}

// Sign sets v.Signature to sk's signature over the canonical vote body.
func (v *Vote) Sign(sk crypto.PrivateKey) error {
	raw, err := crypto.CanonicalSerialize(v.VoteBody)
	if err != nil {
		return fmt.Errorf("serialize vote body: %w", err)
	}
	v.Signature = crypto.Sign(raw, sk)
	return nil
}

// VerifySignature checks the vote's signature against its declared signer.
func (v *Vote) VerifySignature() bool {
	pk, err := crypto.PublicKeyFromBase58(v.NodePubkey)
	if err != nil {
		return false
	}
	raw, err := crypto.CanonicalSerialize(v.VoteBody)
	if err != nil {
		return false
	}
	return crypto.Verify(raw, pk, v.Signature)
}

// GenesisOperationData is a marker string reserved for the synthetic GENESIS
// transaction. NewGenesisBlock does not use it: the genesis transaction's id
// is its content hash, like that of any other transaction.
const GenesisOperationData = "genesis"

// NewGenesisBlock builds the single distinguished block inserted at database
// initialization: one synthetic GENESIS transaction, signed by the node
// performing initialization.
func NewGenesisBlock(federation []string, nodePubkey string, sk crypto.PrivateKey, timestampMillis int64) (*Block, error) {
	tx := &Transaction{
		Version:   1,
		Operation: OpGenesis,
		Asset:     Asset{DataID: uuid.NewString()},
	}
	id, err := tx.ComputeID()
	if err != nil {
		return nil, fmt.Errorf("compute genesis transaction id: %w", err)
	}
	tx.ID = id

	block := &Block{
		Timestamp:    timestampMillis,
		Transactions: []*Transaction{tx},
		NodePubkey:   nodePubkey,
		Voters:       federation,
	}
	if _, err := block.Sign(sk); err != nil {
		return nil, fmt.Errorf("sign genesis block: %w", err)
	}
	return block, nil
}
