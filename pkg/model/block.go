// Copyright 2025 Fedchain Project
package model

import (
	"context"
	"fmt"

	"github.com/fedchain/validator/pkg/crypto"
)

// Block is the unit the federation commits to the chain (§3).
type Block struct {
	ID           string         `json:"id"`
	Timestamp    int64          `json:"timestamp"`
	Transactions []*Transaction `json:"transactions"`
	NodePubkey   string         `json:"node_pubkey"`
	Voters       []string       `json:"voters"`
	Signature    []byte         `json:"signature"`
}

// blockBody is the canonically-serialized, signed, and hashed part of a
// block — everything except id and signature.
type blockBody struct {
	Timestamp    int64          `json:"timestamp"`
	Transactions []*Transaction `json:"transactions"`
	NodePubkey   string         `json:"node_pubkey"`
	Voters       []string       `json:"voters"`
}

func (b *Block) body() blockBody {
	return blockBody{
		Timestamp:    b.Timestamp,
		Transactions: b.Transactions,
		NodePubkey:   b.NodePubkey,
		Voters:       b.Voters,
	}
}

// ComputeID returns the content hash of the block's canonical body (B1).
func (b *Block) ComputeID() (string, error) {
	if len(b.Transactions) == 0 {
		return "", ErrEmptyBlock
	}
	return crypto.ContentHash(b.body())
}

// Sign sets b.Signature to sk's signature over the canonical body and
// returns the resulting block id.
func (b *Block) Sign(sk crypto.PrivateKey) (string, error) {
	raw, err := crypto.CanonicalSerialize(b.body())
	if err != nil {
		return "", fmt.Errorf("serialize block body: %w", err)
	}
	b.Signature = crypto.Sign(raw, sk)
	id, err := b.ComputeID()
	if err != nil {
		return "", err
	}
	b.ID = id
	return id, nil
}

// verifySignature checks B4: the creator's signature over the canonical
// body.
func (b *Block) verifySignature() bool {
	pk, err := crypto.PublicKeyFromBase58(b.NodePubkey)
	if err != nil {
		return false
	}
	raw, err := crypto.CanonicalSerialize(b.body())
	if err != nil {
		return false
	}
	return crypto.Verify(raw, pk, b.Signature)
}

// isKnownValidator reports whether pubkey belongs to the known federation
// (B3).
func isKnownValidator(pubkey string, federation []string) bool {
	for _, v := range federation {
		if v == pubkey {
			return true
		}
	}
	return false
}

// ValidateStructure enforces B1-B4 without validating the block's
// transactions; this is the check S1 performs before fanning transactions
// out to S2/S3 (§4.5).
func (b *Block) ValidateStructure(federation []string) error {
	if len(b.Transactions) == 0 {
		return ErrEmptyBlock
	}
	computed, err := b.ComputeID()
	if err != nil {
		return err
	}
	if computed != b.ID {
		return ErrInvalidHash
	}
	if !isKnownValidator(b.NodePubkey, federation) {
		return fmt.Errorf("%w: %s", ErrUnknownVoter, b.NodePubkey)
	}
	if !b.verifySignature() {
		return ErrInvalidSignature
	}
	return nil
}

// Validate runs ValidateStructure and then validates every contained
// transaction (§4.3's `validate_block`). Callers driving the vote pipeline
// normally split this across S1 (ValidateStructure) and S2/S3 (per-
// transaction validate) for parallelism; Validate is provided for callers
// (e.g. block-builders double-checking their own output, tests) that want
// the whole check in one call.
func (b *Block) Validate(ctx context.Context, federation []string, lookup TransactionLookup) error {
	if err := b.ValidateStructure(federation); err != nil {
		return err
	}
	for _, tx := range b.Transactions {
		if err := tx.Validate(ctx, lookup); err != nil {
			return err
		}
	}
	return nil
}
