// Copyright 2025 Fedchain Project
package model

import "errors"

// Sentinel validation errors (§7). Validation failures inside the vote
// pipeline are never propagated as panics or unwrapped errors across
// workers — they are converted into invalid-vote outcomes; these sentinels
// exist so callers (including tests) can distinguish *why* a transaction or
// block failed with errors.Is.
var (
	ErrInvalidHash              = errors.New("declared id does not match computed content hash")
	ErrInvalidSignature         = errors.New("signature verification failed")
	ErrTransactionDoesNotExist  = errors.New("referenced input transaction does not exist")
	ErrFulfillmentNotInValidBlock = errors.New("input transaction is not in a majority-valid block")
	ErrDoubleSpend              = errors.New("input already spent by another transaction")
	ErrAssetIDMismatch          = errors.New("inputs reference more than one asset")
	ErrOperationError           = errors.New("invalid operation")
	ErrMultiContractOwner       = errors.New("more contract signatures than contract owners")
	ErrMultiContractNode        = errors.New("more relation votes than relation voters")
	ErrEmptyBlock               = errors.New("block must contain at least one transaction")
	ErrUnknownVoter              = errors.New("block signer is not a known federation validator")
)
