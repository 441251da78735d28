// Package ledger talks to the distribution network: account and balance reads,
// batch submission and confirmation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrAccountNotFound is returned when an account does not exist on the ledger
	ErrAccountNotFound = errors.New("account not found")
	// ErrRejected is returned when the ledger deterministically refuses a transaction
	ErrRejected = errors.New("transaction rejected by ledger")
	// ErrConfirmationTimeout is returned when a broadcast transaction was not
	// confirmed within the confirmation window. Its outcome is unknown.
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")
	// ErrUnsupportedInstruction is returned for instructions the ledger has no encoding for
	ErrUnsupportedInstruction = errors.New("unsupported instruction")
	// ErrNoHealthyEndpoint is returned when every RPC endpoint is failing or open-circuited
	ErrNoHealthyEndpoint = errors.New("no healthy ledger endpoint")
	// ErrRPCBudget is returned when a call could not get RPC budget. The call never reached a node.
	ErrRPCBudget = errors.New("rpc budget unavailable")
)

// AccountInfo describes an on-ledger account
type AccountInfo struct {
	Address       string
	Exists        bool
	IsContract    bool
	NativeBalance *big.Int
}

// InstructionKind identifies an instruction within a batch
type InstructionKind string

const (
	InstructionCreateAccount InstructionKind = "create_account"
	InstructionTransfer      InstructionKind = "transfer"
)

// Instruction is one step of a batch. Transfers move Amount base units of
// AssetID into Account, the receiving account of Owner.
type Instruction struct {
	Kind    InstructionKind
	AssetID string
	Owner   string
	Account string
	Amount  *big.Int
}

// CreateAccountInstruction builds an instruction creating owner's receiving account for asset
func CreateAccountInstruction(owner, account, assetID string) Instruction {
	return Instruction{Kind: InstructionCreateAccount, AssetID: assetID, Owner: owner, Account: account}
}

// TransferInstruction builds a transfer of amount base units to account
func TransferInstruction(owner, account, assetID string, amount *big.Int) Instruction {
	return Instruction{Kind: InstructionTransfer, AssetID: assetID, Owner: owner, Account: account, Amount: amount}
}

// CommitHandle anchors a transaction to recent ledger state
type CommitHandle struct {
	BlockHash   string
	BlockNumber uint64
	BaseFee     *big.Int
}

// Batch is the set of instructions submitted as a single atomic transaction
type Batch struct {
	AssetID      string
	Instructions []Instruction
	Commit       *CommitHandle
}

// TransferCount returns the number of transfer instructions in the batch
func (b *Batch) TransferCount() int {
	n := 0
	for _, ins := range b.Instructions {
		if ins.Kind == InstructionTransfer {
			n++
		}
	}
	return n
}

// TxStatus is the ledger's view of a previously broadcast transaction
type TxStatus string

const (
	TxConfirmed TxStatus = "confirmed"
	TxPending   TxStatus = "pending"
	TxFailed    TxStatus = "failed"
	TxNotFound  TxStatus = "not_found"
)

// SubmitStage records how far a submission got before failing
type SubmitStage string

const (
	// StagePrepare failed before anything was sent
	StagePrepare SubmitStage = "prepare"
	// StageBroadcast failed while handing the signed transaction to the node
	StageBroadcast SubmitStage = "broadcast"
	// StageConfirm failed while waiting for the broadcast transaction
	StageConfirm SubmitStage = "confirm"
)

// SubmitError wraps a SubmitAndConfirm failure with the stage it happened in.
// Signature is set once the transaction was signed.
type SubmitError struct {
	Stage     SubmitStage
	Signature string
	// Refused is set when the node answered the broadcast with an error,
	// so the transaction is known not to be in flight.
	Refused bool
	Err     error
}

func (e *SubmitError) Error() string {
	if e.Signature != "" {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.Signature, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same batch may be submitted again without
// risking a double transfer.
func (e *SubmitError) Retryable() bool {
	if errors.Is(e.Err, ErrRejected) || errors.Is(e.Err, ErrUnsupportedInstruction) {
		return false
	}
	switch e.Stage {
	case StagePrepare:
		return true
	case StageBroadcast:
		return e.Refused
	default:
		return false
	}
}

// IsRetryableSubmit reports whether err is a SubmitError that is safe to retry
func IsRetryableSubmit(err error) bool {
	var se *SubmitError
	return errors.As(err, &se) && se.Retryable()
}

// Unconfirmed returns the signature of a transaction that may have landed
// even though SubmitAndConfirm failed.
func Unconfirmed(err error) (string, bool) {
	var se *SubmitError
	if !errors.As(err, &se) || se.Signature == "" {
		return "", false
	}
	if se.Refused || errors.Is(se.Err, ErrRejected) {
		return "", false
	}
	if se.Stage == StagePrepare {
		return "", false
	}
	return se.Signature, true
}

// Gateway is the ledger the distributor pays out on
type Gateway interface {
	// GetAccountInfo returns ErrAccountNotFound when the account does not exist
	GetAccountInfo(ctx context.Context, address string) (*AccountInfo, error)
	AssetDecimals(ctx context.Context, assetID string) (uint8, error)
	GetAssetBalance(ctx context.Context, owner, assetID string) (*big.Int, error)
	GetNativeBalance(ctx context.Context, owner string) (*big.Int, error)
	// ReceivingAccount derives the account that holds owner's balance of assetID
	ReceivingAccount(owner, assetID string) (string, error)
	GetRecentCommitHandle(ctx context.Context) (*CommitHandle, error)
	// SubmitAndConfirm signs the batch as one transaction, broadcasts it and
	// waits for confirmation. Failures are *SubmitError.
	SubmitAndConfirm(ctx context.Context, batch *Batch, signer Signer) (string, error)
	TransactionStatus(ctx context.Context, signature string) (TxStatus, error)
}

// SpendAuthorizer is implemented by ledgers where the distributor must authorize
// the batch program to move its balance before transfers can succeed.
type SpendAuthorizer interface {
	// EnsureSpendApproval returns true when it had to submit an authorization
	EnsureSpendApproval(ctx context.Context, signer Signer, assetID string, amount *big.Int) (bool, error)
}

// ImplicitAccounts is implemented by ledgers whose receiving accounts never
// need to be created, letting callers skip per-recipient account lookups.
type ImplicitAccounts interface {
	AccountsImplicit() bool
}
