// Package ledgertest provides an in-memory ledger for tests of code that
// drives distribution runs end to end.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/token-distributor/internal/ledger"
)

// PrivateKey is a throwaway secp256k1 key for test signers
const PrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// Gateway is a ledger where every account exists and every batch confirms.
// Submits can be held to keep a run in flight.
type Gateway struct {
	Token         string
	Decimals      uint8
	AssetBalance  *big.Int
	NativeBalance *big.Int

	mu        sync.Mutex
	gate      chan struct{}
	submits   int
	transfers int
}

var _ ledger.Gateway = (*Gateway)(nil)

// NewGateway creates a gateway holding a large balance of token
func NewGateway(token string) *Gateway {
	return &Gateway{
		Token:         token,
		Decimals:      6,
		AssetBalance:  big.NewInt(1_000_000_000_000),
		NativeBalance: big.NewInt(1_000_000_000),
	}
}

// Hold makes subsequent submits block until Release or cancellation
func (g *Gateway) Hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate == nil {
		g.gate = make(chan struct{})
	}
}

// Release unblocks held submits
func (g *Gateway) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
}

// Submits returns the number of SubmitAndConfirm calls
func (g *Gateway) Submits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits
}

// Transfers returns the number of confirmed transfer instructions
func (g *Gateway) Transfers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transfers
}

func (g *Gateway) GetAccountInfo(_ context.Context, address string) (*ledger.AccountInfo, error) {
	return &ledger.AccountInfo{Address: address, Exists: true, IsContract: address == g.Token}, nil
}

func (g *Gateway) AssetDecimals(context.Context, string) (uint8, error) {
	return g.Decimals, nil
}

func (g *Gateway) GetAssetBalance(context.Context, string, string) (*big.Int, error) {
	return new(big.Int).Set(g.AssetBalance), nil
}

func (g *Gateway) GetNativeBalance(context.Context, string) (*big.Int, error) {
	return new(big.Int).Set(g.NativeBalance), nil
}

func (g *Gateway) ReceivingAccount(owner, _ string) (string, error) {
	return owner, nil
}

// AccountsImplicit reports that recipients never need an account created
func (g *Gateway) AccountsImplicit() bool {
	return true
}

func (g *Gateway) GetRecentCommitHandle(context.Context) (*ledger.CommitHandle, error) {
	return &ledger.CommitHandle{BlockHash: "0xhead", BlockNumber: 1, BaseFee: big.NewInt(1)}, nil
}

func (g *Gateway) SubmitAndConfirm(ctx context.Context, batch *ledger.Batch, _ ledger.Signer) (string, error) {
	g.mu.Lock()
	g.submits++
	call := g.submits
	gate := g.gate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	g.mu.Lock()
	for _, ins := range batch.Instructions {
		if ins.Kind == ledger.InstructionTransfer {
			g.transfers++
		}
	}
	g.mu.Unlock()
	return fmt.Sprintf("0xtx%02d", call), nil
}

func (g *Gateway) TransactionStatus(context.Context, string) (ledger.TxStatus, error) {
	return ledger.TxNotFound, nil
}
