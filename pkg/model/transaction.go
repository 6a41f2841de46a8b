// Copyright 2025 Fedchain Project
//
// Transaction is the core data-model type of §3: a tagged sum over six
// operation kinds, dispatched by a switch rather than subclass polymorphism
// (§9 design note).
package model

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fedchain/validator/pkg/crypto"
)

// Operation tags the transaction body (§3).
type Operation string

const (
	OpCreate   Operation = "CREATE"
	OpGenesis  Operation = "GENESIS"
	OpTransfer Operation = "TRANSFER"
	OpContract Operation = "CONTRACT"
	OpInterim  Operation = "INTERIM"
	OpMetadata Operation = "METADATA"
)

// TxStatus is the majority-vote-derived status of a transaction's containing
// block(s), returned by the record-store's get_tx operation (§4.2).
type TxStatus string

const (
	TxValid     TxStatus = "VALID"
	TxUndecided TxStatus = "UNDECIDED"
	TxInvalid   TxStatus = "INVALID"
	TxBacklog   TxStatus = "BACKLOG"
	TxNotFound  TxStatus = "NOT_FOUND"
)

// Input names a prior transaction output (txid, cid) that a fulfillment
// satisfies.
type Input struct {
	TxID string `json:"txid"`
	CID  int    `json:"cid"`
}

// Fulfillment satisfies the condition named by Input. OwnerBefore must be one
// of the owners_after on the referenced condition; Signature is the
// fulfillment's cryptographic proof (an Ed25519 signature over the spending
// transaction's id) that the named owner authorized the spend.
type Fulfillment struct {
	Input       Input  `json:"input"`
	OwnerBefore string `json:"owner_before"`
	Signature   []byte `json:"signature"`
}

// Condition is a spendable output: an amount assigned to a set of owners,
// indexed by its position in the transaction (cid == index, enforced by
// validation in checkPresenceRules, never trusted from the wire as-is).
type Condition struct {
	CID         int      `json:"cid"`
	Amount      int64    `json:"amount"`
	OwnersAfter []string `json:"owners_after"`
}

// Asset describes the thing a CREATE/GENESIS transaction mints and later
// TRANSFERs move.
type Asset struct {
	DataID     string                 `json:"data_id"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Divisible  bool                   `json:"divisible"`
	Updatable  bool                   `json:"updatable"`
	Refillable bool                   `json:"refillable"`
}

// Metadata is an optional free-form payload carried alongside a transaction.
type Metadata struct {
	ID   string                 `json:"id"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// ContractSignature is one federation-owner's signature over the contract
// body with ContractSignatures nulled (§3).
type ContractSignature struct {
	Signature []byte `json:"signature"`
}

// ContractBody is present iff operation == CONTRACT.
type ContractBody struct {
	ContractOwners     []string            `json:"contract_owners"`
	ContractSignatures []ContractSignature `json:"contract_signatures"`
}

// RelationVote is one voter's signature over the transaction id, used by
// version-2 (multi-node-signed) transactions.
type RelationVote struct {
	Signature []byte `json:"signature"`
}

// Relation carries the federated vote-in-transaction payload for
// version == 2 transactions.
type Relation struct {
	Voters []string       `json:"voters"`
	Votes  []RelationVote `json:"votes"`
	TaskID string         `json:"task_id"`
}

// Transaction is the unit the federation orders into blocks (§3).
type Transaction struct {
	ID           string        `json:"id"`
	Version      int           `json:"version"`
	Operation    Operation     `json:"operation"`
	Fulfillments []Fulfillment `json:"fulfillments"`
	Conditions   []Condition   `json:"conditions"`
	Asset        Asset         `json:"asset"`
	Metadata     *Metadata     `json:"metadata,omitempty"`
	Contract     *ContractBody `json:"contract,omitempty"`
	Relation     *Relation     `json:"relation,omitempty"`
}

// txBody is the part of a transaction that is canonically serialized and
// hashed to produce its id — everything except the id itself.
type txBody struct {
	Version      int           `json:"version"`
	Operation    Operation     `json:"operation"`
	Fulfillments []Fulfillment `json:"fulfillments"`
	Conditions   []Condition   `json:"conditions"`
	Asset        Asset         `json:"asset"`
	Metadata     *Metadata     `json:"metadata,omitempty"`
	Contract     *ContractBody `json:"contract,omitempty"`
	Relation     *Relation     `json:"relation,omitempty"`
}

// NewCreateTransaction builds an unsigned CREATE transaction minting a fresh
// asset for conditions, each assigning amount to ownersAfter. The returned
// transaction has no fulfillments and its ID is already set from ComputeID,
// so later transactions can reference its outputs directly.
func NewCreateTransaction(divisible, updatable, refillable bool, conditions []Condition) (*Transaction, error) {
	tx := &Transaction{
		Version:   1,
		Operation: OpCreate,
		Asset: Asset{
			DataID:     uuid.NewString(),
			Divisible:  divisible,
			Updatable:  updatable,
			Refillable: refillable,
		},
		Conditions: conditions,
	}
	id, err := tx.ComputeID()
	if err != nil {
		return nil, fmt.Errorf("compute transaction id: %w", err)
	}
	tx.ID = id
	return tx, nil
}

// body returns the canonical, hashable form of tx. Fulfillment signatures and
// relation vote signatures are themselves signatures *over* tx.ID, so they
// must be nulled here to avoid hashing a value into the id that the id must
// first exist to produce — the same circularity validateContractSignatures
// avoids by nulling ContractSignatures before hashing the contract body.
func (tx *Transaction) body() txBody {
	fulfillments := tx.Fulfillments
	if len(fulfillments) > 0 {
		unsigned := make([]Fulfillment, len(fulfillments))
		for i, ff := range fulfillments {
			unsigned[i] = Fulfillment{Input: ff.Input, OwnerBefore: ff.OwnerBefore}
		}
		fulfillments = unsigned
	}

	relation := tx.Relation
	if relation != nil {
		unsigned := make([]RelationVote, len(relation.Votes))
		relation = &Relation{Voters: relation.Voters, Votes: unsigned, TaskID: relation.TaskID}
	}

	return txBody{
		Version:      tx.Version,
		Operation:    tx.Operation,
		Fulfillments: fulfillments,
		Conditions:   tx.Conditions,
		Asset:        tx.Asset,
		Metadata:     tx.Metadata,
		Contract:     tx.Contract,
		Relation:     relation,
	}
}

// ComputeID returns the content hash of the transaction's canonical body
// (I1).
func (tx *Transaction) ComputeID() (string, error) {
	return crypto.ContentHash(tx.body())
}

// TransactionLookup is the slice of the record-store contract (§4.2) that
// transaction validation needs: resolving an input's current status and
// whether an output has already been spent.
type TransactionLookup interface {
	GetTransaction(ctx context.Context, txid string) (*Transaction, TxStatus, error)
	GetSpent(ctx context.Context, txid string, cid int) (*Transaction, error)
}

// Validate runs the rules of §4.3 against tx, dispatching on Operation and
// (for version 2) on the relation sub-rule.
func (tx *Transaction) Validate(ctx context.Context, lookup TransactionLookup) error {
	computed, err := tx.ComputeID()
	if err != nil {
		return fmt.Errorf("compute transaction id: %w", err)
	}
	if computed != tx.ID {
		return ErrInvalidHash
	}

	if tx.Operation == OpMetadata {
		return nil
	}

	if err := tx.checkPresenceRules(); err != nil {
		return err
	}

	var inputConditions []Condition
	switch tx.Operation {
	case OpCreate, OpGenesis:
		if len(tx.Fulfillments) != 0 {
			return fmt.Errorf("%w: CREATE/GENESIS must have no inputs", ErrOperationError)
		}
		if err := tx.validateFreshAsset(); err != nil {
			return err
		}
	case OpContract, OpInterim:
		// no fulfillment/condition invariants beyond presence rules
	case OpTransfer:
		conds, err := tx.validateTransferInputs(ctx, lookup)
		if err != nil {
			return err
		}
		inputConditions = conds
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrOperationError, tx.Operation)
	}

	if tx.Operation == OpContract {
		return tx.validateContractSignatures()
	}

	if tx.Version == 2 {
		return tx.validateRelationSignatures()
	}

	return tx.validateFulfillments(inputConditions)
}

// checkPresenceRules enforces I2: fulfillments/conditions presence matches
// operation.
func (tx *Transaction) checkPresenceRules() error {
	fulfillmentsEmptyRequired := tx.Operation == OpCreate || tx.Operation == OpGenesis ||
		tx.Operation == OpContract || tx.Operation == OpInterim || tx.Operation == OpMetadata
	conditionsEmptyRequired := tx.Operation == OpContract || tx.Operation == OpInterim || tx.Operation == OpMetadata

	if fulfillmentsEmptyRequired && len(tx.Fulfillments) != 0 {
		return fmt.Errorf("%w: operation %q must have no fulfillments", ErrOperationError, tx.Operation)
	}
	if !fulfillmentsEmptyRequired && len(tx.Fulfillments) == 0 {
		return fmt.Errorf("%w: operation %q requires fulfillments", ErrOperationError, tx.Operation)
	}
	if conditionsEmptyRequired && len(tx.Conditions) != 0 {
		return fmt.Errorf("%w: operation %q must have no conditions", ErrOperationError, tx.Operation)
	}
	if !conditionsEmptyRequired && len(tx.Conditions) == 0 {
		return fmt.Errorf("%w: operation %q requires conditions", ErrOperationError, tx.Operation)
	}
	for i, c := range tx.Conditions {
		if c.CID != i {
			return fmt.Errorf("%w: condition cid %d does not match index %d", ErrOperationError, c.CID, i)
		}
	}
	return nil
}

// validateFreshAsset enforces that CREATE/GENESIS asset.data_id is present
// and freshly generated. The record store's uniqueness constraint on
// (transaction id) combined with data_id generation at creation time (via
// uuid.NewString, see NewCreateTransaction) is what actually prevents
// data_id re-use; validation here only checks the field was populated, since
// detecting "has this data_id been used before" requires a registry lookup
// the spec does not otherwise ask CREATE/GENESIS validation to perform.
func (tx *Transaction) validateFreshAsset() error {
	if tx.Asset.DataID == "" {
		return fmt.Errorf("%w: CREATE/GENESIS asset must declare a data_id", ErrOperationError)
	}
	return nil
}

// validateTransferInputs enforces I3/I4: every referenced input must exist
// in a majority-valid block, must not already be spent by a different
// transaction, and all inputs must share the same asset.
func (tx *Transaction) validateTransferInputs(ctx context.Context, lookup TransactionLookup) ([]Condition, error) {
	inputConditions := make([]Condition, 0, len(tx.Fulfillments))
	var assetID string
	for i, ff := range tx.Fulfillments {
		inputTx, status, err := lookup.GetTransaction(ctx, ff.Input.TxID)
		if err != nil {
			return nil, fmt.Errorf("look up input %s: %w", ff.Input.TxID, err)
		}
		if inputTx == nil || status == TxNotFound {
			return nil, fmt.Errorf("%w: input %s", ErrTransactionDoesNotExist, ff.Input.TxID)
		}
		if status != TxValid {
			return nil, fmt.Errorf("%w: input %s has status %s", ErrFulfillmentNotInValidBlock, ff.Input.TxID, status)
		}

		spent, err := lookup.GetSpent(ctx, ff.Input.TxID, ff.Input.CID)
		if err != nil {
			return nil, fmt.Errorf("check double spend for %s:%d: %w", ff.Input.TxID, ff.Input.CID, err)
		}
		if spent != nil && spent.ID != tx.ID {
			return nil, fmt.Errorf("%w: input %s:%d", ErrDoubleSpend, ff.Input.TxID, ff.Input.CID)
		}

		if ff.Input.CID < 0 || ff.Input.CID >= len(inputTx.Conditions) {
			return nil, fmt.Errorf("%w: input %s references condition %d out of range", ErrOperationError, ff.Input.TxID, ff.Input.CID)
		}
		inputConditions = append(inputConditions, inputTx.Conditions[ff.Input.CID])

		if i == 0 {
			assetID = inputTx.Asset.DataID
		} else if inputTx.Asset.DataID != assetID {
			return nil, ErrAssetIDMismatch
		}
	}
	if assetID != tx.Asset.DataID {
		return nil, ErrAssetIDMismatch
	}
	return inputConditions, nil
}

// validateFulfillments verifies every fulfillment's signature against the
// condition it spends (I5), covering non-CONTRACT, version-1 transactions.
func (tx *Transaction) validateFulfillments(inputConditions []Condition) error {
	for i, ff := range tx.Fulfillments {
		pk, err := crypto.PublicKeyFromBase58(ff.OwnerBefore)
		if err != nil {
			return fmt.Errorf("%w: malformed owner_before: %v", ErrInvalidSignature, err)
		}
		if len(inputConditions) > 0 {
			if !ownsCondition(ff.OwnerBefore, inputConditions[i]) {
				return fmt.Errorf("%w: owner_before not among owners_after of referenced condition", ErrInvalidSignature)
			}
		}
		if !crypto.Verify([]byte(tx.ID), pk, ff.Signature) {
			return ErrInvalidSignature
		}
	}
	return nil
}

func ownsCondition(owner string, cond Condition) bool {
	for _, o := range cond.OwnersAfter {
		if o == owner {
			return true
		}
	}
	return false
}

// validateContractSignatures verifies §4.3 step 6: each contract signature
// against its corresponding owner, over the canonical contract body with
// ContractSignatures nulled.
func (tx *Transaction) validateContractSignatures() error {
	if tx.Contract == nil {
		return fmt.Errorf("%w: CONTRACT transaction missing contract body", ErrOperationError)
	}
	owners := tx.Contract.ContractOwners
	sigs := tx.Contract.ContractSignatures
	if len(owners) < len(sigs) {
		return ErrMultiContractOwner
	}

	unsigned := ContractBody{ContractOwners: owners, ContractSignatures: nil}
	digest, err := crypto.ContentHash(unsigned)
	if err != nil {
		return fmt.Errorf("hash contract body: %w", err)
	}

	for i, sig := range sigs {
		pk, err := crypto.PublicKeyFromBase58(owners[i])
		if err != nil {
			return fmt.Errorf("%w: malformed contract owner: %v", ErrInvalidSignature, err)
		}
		if !crypto.Verify([]byte(digest), pk, sig.Signature) {
			return ErrInvalidSignature
		}
	}
	return nil
}

// validateRelationSignatures verifies §4.3 step 7: each (voter, vote) pair
// in a version-2 transaction's relation signs the transaction's own id.
func (tx *Transaction) validateRelationSignatures() error {
	if tx.Relation == nil {
		return fmt.Errorf("%w: version 2 transaction missing relation", ErrOperationError)
	}
	voters := tx.Relation.Voters
	votes := tx.Relation.Votes
	if len(voters) < len(votes) {
		return ErrMultiContractNode
	}
	for i, v := range votes {
		pk, err := crypto.PublicKeyFromBase58(voters[i])
		if err != nil {
			return fmt.Errorf("%w: malformed relation voter: %v", ErrInvalidSignature, err)
		}
		if !crypto.Verify([]byte(tx.ID), pk, v.Signature) {
			return ErrInvalidSignature
		}
	}
	return nil
}
