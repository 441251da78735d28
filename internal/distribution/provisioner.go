package distribution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/token-distributor/internal/ledger"
	"github.com/token-distributor/internal/logging"
)

// ErrInvalidRecipient is returned for recipient wallets the ledger cannot address
var ErrInvalidRecipient = errors.New("invalid recipient")

// Provisioner makes sure receiving accounts exist before transfers target them
type Provisioner struct {
	gateway  ledger.Gateway
	signer   ledger.Signer
	implicit bool

	mu    sync.RWMutex
	known map[string]bool
}

// NewProvisioner creates a provisioner paying for account creation with signer
func NewProvisioner(gateway ledger.Gateway, signer ledger.Signer) *Provisioner {
	implicit := false
	if ia, ok := gateway.(ledger.ImplicitAccounts); ok {
		implicit = ia.AccountsImplicit()
	}
	return &Provisioner{
		gateway:  gateway,
		signer:   signer,
		implicit: implicit,
		known:    make(map[string]bool),
	}
}

func (p *Provisioner) isKnown(account string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.known[account]
}

func (p *Provisioner) remember(account string) {
	p.mu.Lock()
	p.known[account] = true
	p.mu.Unlock()
}

// PlanAccount returns owner's receiving account for assetID and, when the
// account does not exist yet, the instruction that creates it.
func (p *Provisioner) PlanAccount(ctx context.Context, owner, assetID string) (string, *ledger.Instruction, error) {
	account, err := p.gateway.ReceivingAccount(owner, assetID)
	if err != nil {
		return "", nil, fmt.Errorf("%w %s: %v", ErrInvalidRecipient, owner, err)
	}
	if p.implicit || p.isKnown(account) {
		return account, nil, nil
	}

	info, err := p.gateway.GetAccountInfo(ctx, account)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound), err == nil && !info.Exists:
		ins := ledger.CreateAccountInstruction(owner, account, assetID)
		return account, &ins, nil
	case err != nil:
		return "", nil, err
	}

	p.remember(account)
	return account, nil, nil
}

// EnsureAccount creates owner's receiving account in its own transaction
// if needed and waits for it to confirm.
func (p *Provisioner) EnsureAccount(ctx context.Context, owner, assetID string) (string, bool, error) {
	account, ins, err := p.PlanAccount(ctx, owner, assetID)
	if err != nil || ins == nil {
		return account, false, err
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"owner":   owner,
		"account": account,
		"asset":   assetID,
	})
	logger.Info("Creating receiving account")

	signature, err := p.gateway.SubmitAndConfirm(ctx, &ledger.Batch{
		AssetID:      assetID,
		Instructions: []ledger.Instruction{*ins},
	}, p.signer)
	if err != nil {
		return account, false, fmt.Errorf("failed to create receiving account %s: %w", account, err)
	}

	p.remember(account)
	logger.WithField("signature", signature).Info("Receiving account created")
	return account, true, nil
}

// EnsureDistributorReady prepares the distributor to send amount of assetID:
// its own receiving account exists and, where the ledger needs it, the batch
// program is authorized to spend.
func (p *Provisioner) EnsureDistributorReady(ctx context.Context, assetID string, amount *big.Int) error {
	if _, _, err := p.EnsureAccount(ctx, p.signer.Address(), assetID); err != nil {
		return err
	}
	authorizer, ok := p.gateway.(ledger.SpendAuthorizer)
	if !ok {
		return nil
	}
	if _, err := authorizer.EnsureSpendApproval(ctx, p.signer, assetID, amount); err != nil {
		return err
	}
	return nil
}
