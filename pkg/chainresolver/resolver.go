// Copyright 2025 Fedchain Project
//
// Package chainresolver reconstructs the last block voted by a given
// validator from a set of votes whose timestamps may collide (§4.4).
package chainresolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/fedchain/validator/pkg/model"
)

// ErrCyclicBlockchain is raised when a validator's own vote graph contains a
// cycle — pathological votes pointing previous_block and voting_for_block at
// the same id, or a longer cycle (§4.4, §7).
var ErrCyclicBlockchain = errors.New("cyclic blockchain: vote graph contains a cycle")

// VoteSource is the slice of the record store the resolver needs: every vote
// cast by voter, and the genesis block.
type VoteSource interface {
	GetVotesByNode(ctx context.Context, voter string) ([]*model.Vote, error)
	GetBlock(ctx context.Context, id string) (*model.Block, error)
}

// GenesisBlock returns the distinguished genesis block. Implementations
// typically cache this at startup since it never changes.
type GenesisProvider interface {
	GenesisBlock(ctx context.Context) (*model.Block, error)
}

// LastVotedBlock implements the algorithm of §4.4: among voter's votes with
// the maximum timestamp, follow forward edges (previous_block ->
// voting_for_block) until no successor remains, detecting cycles along the
// way. With zero votes cast, it returns the genesis block.
func LastVotedBlock(ctx context.Context, source VoteSource, genesis GenesisProvider, voter string) (*model.Block, error) {
	votes, err := source.GetVotesByNode(ctx, voter)
	if err != nil {
		return nil, fmt.Errorf("get votes by node %s: %w", voter, err)
	}
	if len(votes) == 0 {
		g, err := genesis.GenesisBlock(ctx)
		if err != nil {
			return nil, fmt.Errorf("get genesis block: %w", err)
		}
		return g, nil
	}

	var tMax int64
	for _, v := range votes {
		if v.VoteBody.Timestamp > tMax {
			tMax = v.VoteBody.Timestamp
		}
	}

	edges := map[string]string{} // previous_block -> voting_for_block
	for _, v := range votes {
		if v.VoteBody.Timestamp == tMax {
			edges[v.VoteBody.PreviousBlock] = v.VoteBody.VotingForBlock
		}
	}

	var x string
	for k := range edges {
		x = k
		break
	}

	explored := map[string]bool{}
	for {
		if explored[x] {
			return nil, ErrCyclicBlockchain
		}
		explored[x] = true
		next, ok := edges[x]
		if !ok {
			break
		}
		x = next
	}

	block, err := source.GetBlock(ctx, x)
	if err != nil {
		return nil, fmt.Errorf("get block %s: %w", x, err)
	}
	if block == nil {
		return nil, fmt.Errorf("resolved head %s: %w", x, errNoSuchBlock)
	}
	return block, nil
}

var errNoSuchBlock = errors.New("chainresolver: resolved head references a block that does not exist")
